package simulator_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/trailhead/internal/simulator"
	"github.com/aretw0/trailhead/pkg/adapters/memory"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/envelope"
	"github.com/aretw0/trailhead/pkg/ports"
	"github.com/aretw0/trailhead/pkg/trail"
	"github.com/aretw0/trailhead/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, opts ...simulator.Option) (*transport.Mux, *simulator.Worker) {
	t.Helper()
	broker := memory.NewBroker()
	server, err := transport.FromExisting(broker.Connect())
	require.NoError(t, err)
	client, err := transport.FromExisting(broker.Connect())
	require.NoError(t, err)

	w := simulator.New(server, append([]simulator.Option{simulator.WithPhaseDelay(time.Millisecond)}, opts...)...)
	require.NoError(t, w.Start())
	t.Cleanup(func() {
		_ = w.Stop()
		_ = client.Close()
		_ = server.Close()
	})
	return client, w
}

func request(t *testing.T, m *transport.Mux, subj, id string, payload any) (envelope.Envelope, error) {
	t.Helper()
	env, err := envelope.Encode(id, payload)
	require.NoError(t, err)
	return m.Request(context.Background(), subj, env, time.Second)
}

func TestSteps(t *testing.T) {
	steps := simulator.Steps(domain.GenerationParams{Title: "Forest", NodeCount: 5})
	require.Len(t, steps, 5)
	assert.Equal(t, "start", steps[0].TempNodeID)
	assert.Equal(t, "end", steps[4].TempNodeID)
	assert.Empty(t, steps[4].Content.Choices)

	res := trail.Reconstruct(steps, "start")
	assert.NoError(t, res.Err())
	assert.Equal(t, []string{"n2", "n3", "end"}, res.Trail.ConvergencePoints)

	assert.Len(t, simulator.Steps(domain.GenerationParams{}), 4, "small jobs are padded")
}

func TestStale(t *testing.T) {
	steps := simulator.Steps(domain.GenerationParams{Title: "x"})
	stale := simulator.Stale(steps)
	for _, s := range stale {
		for _, c := range s.Content.Choices {
			assert.Empty(t, c.NextNodeID)
		}
	}
	assert.NotEmpty(t, steps[0].Content.Choices[0].NextNodeID, "input is not modified")
}

func TestWorker_SubmitPublishesPhasesAndResult(t *testing.T) {
	client, w := setup(t)

	var mu sync.Mutex
	var events []domain.GenerationEvent
	var results []domain.TrailResult
	_, err := client.Subscribe("generation.events.acme.>", func(msg *ports.Msg) {
		var e domain.GenerationEvent
		require.NoError(t, json.Unmarshal(msg.Data, &e))
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	require.NoError(t, err)
	_, err = client.Subscribe("generation.trails.acme.*", func(msg *ports.Msg) {
		var r domain.TrailResult
		require.NoError(t, json.Unmarshal(msg.Data, &r))
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})
	require.NoError(t, err)

	reply, err := request(t, client, domain.DefaultSubmitSubject, "req-1", domain.GenerationParams{TenantID: "acme", Title: "Forest"})
	require.NoError(t, err)
	ack, err := envelope.DecodePayload[domain.SubmitAck](reply)
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, "req-1", ack.RequestID)

	w.Wait()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == len(simulator.Phases)+2 && len(results) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.StatusCompleted, events[len(events)-1].Status)
	assert.Equal(t, "outline", events[1].Phase)
	assert.Equal(t, "req-1", results[0].RequestID)
	assert.Equal(t, "Forest", results[0].Metadata.Title)
	assert.Len(t, results[0].ExecutionTrace, len(simulator.Phases))
}

func TestWorker_RejectsMissingTenant(t *testing.T) {
	client, _ := setup(t)
	reply, err := request(t, client, domain.DefaultSubmitSubject, "req-1", domain.GenerationParams{Title: "x"})
	require.NoError(t, err)
	ack, err := envelope.DecodePayload[domain.SubmitAck](reply)
	require.NoError(t, err)
	assert.False(t, ack.Accepted)
}

func TestWorker_ReplayAndTrail(t *testing.T) {
	client, w := setup(t)

	_, err := request(t, client, domain.DefaultReplaySubject, "req-2", domain.ReplayRequest{OriginalRequestID: "nope"})
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)

	_, err = request(t, client, domain.DefaultSubmitSubject, "req-1", domain.GenerationParams{TenantID: "acme", Title: "Forest"})
	require.NoError(t, err)
	reply, err := request(t, client, domain.DefaultReplaySubject, "req-2", domain.ReplayRequest{OriginalRequestID: "req-1"})
	require.NoError(t, err)
	ack, err := envelope.DecodePayload[domain.SubmitAck](reply)
	require.NoError(t, err)
	assert.Equal(t, "req-2", ack.RequestID)
	w.Wait()

	reply, err = request(t, client, domain.DefaultTrailSubject, "req-2", map[string]string{"request_id": "req-2"})
	require.NoError(t, err)
	res, err := envelope.DecodePayload[domain.TrailResult](reply)
	require.NoError(t, err)
	assert.Equal(t, "Forest", res.Metadata.Title)
	assert.NotEmpty(t, res.Steps)

	_, err = request(t, client, domain.DefaultTrailSubject, "req-9", map[string]string{"request_id": "req-9"})
	assert.ErrorAs(t, err, &remote)
}

func TestWorker_Echo(t *testing.T) {
	client, _ := setup(t)
	reply, err := request(t, client, domain.DefaultEchoSubject, "req-1", map[string]string{"message": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"hi"}`, string(reply.Payload))
	assert.Equal(t, "req-1", reply.Meta.RequestID)
}

func TestWorker_StopFailsRunningJobs(t *testing.T) {
	client, w := setup(t, simulator.WithPhaseDelay(time.Hour))

	failed := make(chan domain.GenerationEvent, 4)
	_, err := client.Subscribe("generation.events.acme.req-1", func(msg *ports.Msg) {
		var e domain.GenerationEvent
		_ = json.Unmarshal(msg.Data, &e)
		if e.Status == domain.StatusFailed {
			failed <- e
		}
	})
	require.NoError(t, err)

	_, err = request(t, client, domain.DefaultSubmitSubject, "req-1", domain.GenerationParams{TenantID: "acme", Title: "x"})
	require.NoError(t, err)
	require.NoError(t, w.Stop())

	select {
	case e := <-failed:
		assert.Equal(t, "worker stopped", e.Error)
	case <-time.After(time.Second):
		t.Fatal("no failure event after Stop")
	}
}
