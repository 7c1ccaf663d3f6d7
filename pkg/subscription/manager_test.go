package subscription_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/trailhead/pkg/adapters/memory"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/envelope"
	"github.com/aretw0/trailhead/pkg/subscription"
	"github.com/aretw0/trailhead/pkg/tracker"
	"github.com/aretw0/trailhead/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mux     *transport.Mux
	backend *transport.Mux
	tracker *tracker.Tracker
	manager *subscription.Manager
	streams *subscription.Streams

	mu      sync.Mutex
	results []domain.TrailResult
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	broker := memory.NewBroker()
	mux, err := transport.FromExisting(broker.Connect())
	require.NoError(t, err)
	backend, err := transport.FromExisting(broker.Connect())
	require.NoError(t, err)

	f := &fixture{mux: mux, backend: backend, tracker: tracker.New(), streams: subscription.NewStreams(32, nil)}
	f.manager = subscription.NewManager(mux, f.tracker,
		subscription.WithStreams(f.streams),
		subscription.WithResultHandler(func(r domain.TrailResult) {
			f.mu.Lock()
			f.results = append(f.results, r)
			f.mu.Unlock()
		}),
	)
	t.Cleanup(func() {
		_ = f.manager.Close()
		_ = mux.Close()
		_ = backend.Close()
	})
	return f
}

func (f *fixture) emit(t *testing.T, tenant, requestID string, evt domain.GenerationEvent) {
	t.Helper()
	require.NoError(t, f.backend.PublishJSON(context.Background(), "generation.events."+tenant+"."+requestID, evt))
}

func (f *fixture) status(id string) domain.RequestStatus {
	r, err := f.tracker.Status(id)
	if err != nil {
		return ""
	}
	return r.Status
}

func TestManager_TenantEventsReachTracker(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.SubscribeTenant("acme"))
	assert.True(t, f.manager.Subscribed("acme"))

	f.emit(t, "acme", "req-1", domain.GenerationEvent{RequestID: "req-1", Status: domain.StatusInProgress, Phase: "outline", Progress: 0.2})
	assert.Eventually(t, func() bool { return f.status("req-1") == domain.StatusInProgress }, time.Second, 5*time.Millisecond)

	// Tenant and request id fall back to the subject.
	f.emit(t, "acme", "req-2", domain.GenerationEvent{Status: domain.StatusCompleted})
	assert.Eventually(t, func() bool { return f.status("req-2") == domain.StatusCompleted }, time.Second, 5*time.Millisecond)
	r, err := f.tracker.Status("req-2")
	require.NoError(t, err)
	assert.Equal(t, "acme", r.TenantID)

	// Other tenants are not routed.
	f.emit(t, "globex", "req-3", domain.GenerationEvent{RequestID: "req-3", Status: domain.StatusInProgress})
	time.Sleep(30 * time.Millisecond)
	_, err = f.tracker.Status("req-3")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestManager_EnvelopedEvents(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.SubscribeTenant("acme"))

	env, err := envelope.Encode("req-env", domain.GenerationEvent{Status: domain.StatusInProgress, Progress: 0.5})
	require.NoError(t, err)
	data, err := envelope.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, f.backend.Publish(context.Background(), "generation.events.acme.other-id", data))

	assert.Eventually(t, func() bool { return f.status("req-env") == domain.StatusInProgress }, time.Second, 5*time.Millisecond,
		"the envelope request id wins over the subject")
}

func TestManager_UnsubscribeTenantStopsRouting(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.SubscribeTenant("acme"))
	require.NoError(t, f.manager.SubscribeTenant("acme"), "subscribing twice is a no-op")
	require.NoError(t, f.manager.UnsubscribeTenant("acme"))
	require.NoError(t, f.manager.UnsubscribeTenant("acme"), "unsubscribing twice is a no-op")
	assert.False(t, f.manager.Subscribed("acme"))
	assert.Empty(t, f.manager.Tenants())

	f.emit(t, "acme", "req-1", domain.GenerationEvent{RequestID: "req-1", Status: domain.StatusInProgress})
	time.Sleep(30 * time.Millisecond)
	_, err := f.tracker.Status("req-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestManager_RequestSubscription(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.SubscribeRequest("acme", "req-1"))

	f.emit(t, "acme", "req-1", domain.GenerationEvent{Status: domain.StatusInProgress})
	f.emit(t, "acme", "req-2", domain.GenerationEvent{Status: domain.StatusInProgress})
	assert.Eventually(t, func() bool { return f.status("req-1") == domain.StatusInProgress }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, f.status("req-2"), "only the registered request is routed")

	require.NoError(t, f.manager.UnsubscribeRequest("req-1"))
	_, err := f.tracker.Status("req-1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "explicit unsubscribe removes the tracked request")
}

func TestManager_TrailResults(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.SubscribeTenant("acme"))

	updates, cancel := f.streams.Subscribe("acme")
	defer cancel()

	result := domain.TrailResult{
		StartNodeID: "A",
		Steps:       []domain.Step{{TempNodeID: "A"}},
	}
	require.NoError(t, f.backend.PublishJSON(context.Background(), "generation.trails.acme.req-7", result))

	assert.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.results) == 1
	}, time.Second, 5*time.Millisecond)

	f.mu.Lock()
	got := f.results[0]
	f.mu.Unlock()
	assert.Equal(t, "req-7", got.RequestID)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, "A", got.StartNodeID)

	select {
	case u := <-updates:
		assert.Equal(t, subscription.KindTrail, u.Kind)
		var body map[string]any
		require.NoError(t, json.Unmarshal([]byte(u.Data), &body))
		assert.Equal(t, "req-7", body["request_id"])
	case <-time.After(time.Second):
		t.Fatal("stream listener missed the trail update")
	}
}

func TestManager_StreamsEventsAndStatus(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.SubscribeTenant("acme"))
	updates, cancel := f.streams.Subscribe("acme")
	defer cancel()

	f.emit(t, "acme", "req-1", domain.GenerationEvent{RequestID: "req-1", Status: domain.StatusInProgress, Progress: 0.4})

	var kinds []string
	for len(kinds) < 2 {
		select {
		case u := <-updates:
			kinds = append(kinds, u.Kind)
		case <-time.After(time.Second):
			t.Fatalf("got only %v", kinds)
		}
	}
	assert.Equal(t, []string{subscription.KindEvent, subscription.KindStatus}, kinds)
}

func TestManager_Validation(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.manager.SubscribeTenant(""), domain.ErrInvalidSubject)
	assert.ErrorIs(t, f.manager.SubscribeRequest("acme", ""), domain.ErrInvalidSubject)
	for _, tenant := range []string{"*", ">", "acme.eu", "ac me"} {
		assert.ErrorIs(t, f.manager.SubscribeTenant(tenant), domain.ErrInvalidSubject, tenant)
		assert.ErrorIs(t, f.manager.SubscribeRequest(tenant, "req-1"), domain.ErrInvalidSubject, tenant)
	}
	assert.ErrorIs(t, f.manager.SubscribeRequest("acme", "req.1"), domain.ErrInvalidSubject)
	assert.Empty(t, f.manager.Tenants())
}

func TestManager_TenantDoesNotSeeNestedTenants(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.SubscribeTenant("acme"))

	f.emit(t, "acme.eu", "req-x", domain.GenerationEvent{RequestID: "req-x", Status: domain.StatusInProgress})
	f.emit(t, "acme", "req-1", domain.GenerationEvent{RequestID: "req-1", Status: domain.StatusInProgress})
	assert.Eventually(t, func() bool { return f.status("req-1") == domain.StatusInProgress }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, f.status("req-x"))
}

func TestManager_RequestSubscriptionReleasedWhenDone(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.SubscribeRequest("acme", "req-1"))
	assert.True(t, f.manager.Watching("req-1"))

	f.emit(t, "acme", "req-1", domain.GenerationEvent{Status: domain.StatusInProgress})
	assert.Eventually(t, func() bool { return f.status("req-1") == domain.StatusInProgress }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.backend.PublishJSON(context.Background(), "generation.trails.acme.req-1", domain.TrailResult{StartNodeID: "A"}))
	assert.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.results) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.manager.Watching("req-1"), "still waiting for the terminal event")

	f.emit(t, "acme", "req-1", domain.GenerationEvent{Status: domain.StatusCompleted})
	assert.Eventually(t, func() bool { return !f.manager.Watching("req-1") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusCompleted, f.status("req-1"), "tracked state survives the release")
}

func TestManager_RequestSubscriptionReleasedOnFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.SubscribeRequest("acme", "req-1"))

	f.emit(t, "acme", "req-1", domain.GenerationEvent{Status: domain.StatusFailed, Error: "boom"})
	assert.Eventually(t, func() bool { return !f.manager.Watching("req-1") }, time.Second, 5*time.Millisecond)
	r, err := f.tracker.Status("req-1")
	require.NoError(t, err)
	assert.Equal(t, "boom", r.Error)
}
