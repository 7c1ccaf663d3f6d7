package transport_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/trailhead/pkg/adapters/memory"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/envelope"
	"github.com/aretw0/trailhead/pkg/observability"
	"github.com/aretw0/trailhead/pkg/ports"
	"github.com/aretw0/trailhead/pkg/transport"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echo struct {
	Message string `json:"message"`
	Worker  string `json:"worker,omitempty"`
}

func newMux(t *testing.T, conn ports.Conn, opts ...transport.Option) *transport.Mux {
	t.Helper()
	m, err := transport.FromExisting(conn, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func echoHandler(worker string) transport.HandlerFunc {
	return func(ctx context.Context, req envelope.Envelope) (any, error) {
		in, err := envelope.DecodePayload[echo](req)
		if err != nil {
			return nil, err
		}
		return echo{Message: in.Message, Worker: worker}, nil
	}
}

func mustEncode(t *testing.T, id string, payload any) envelope.Envelope {
	t.Helper()
	env, err := envelope.Encode(id, payload)
	require.NoError(t, err)
	return env
}

func TestMux_RequestReply(t *testing.T) {
	broker := memory.NewBroker()
	server := newMux(t, broker.Connect())
	client := newMux(t, broker.Connect())

	_, err := server.Handle("example.echo", "echoers", echoHandler("w1"))
	require.NoError(t, err)

	reply, err := client.Request(context.Background(), "example.echo", mustEncode(t, "req-1", echo{Message: "hi"}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "req-1", reply.Meta.RequestID, "reply carries the request id")

	out, err := envelope.DecodePayload[echo](reply)
	require.NoError(t, err)
	assert.Equal(t, "hi", out.Message)
	assert.Equal(t, "w1", out.Worker)
	assert.Equal(t, 0, client.Pending())
}

func TestMux_NoResponders(t *testing.T) {
	broker := memory.NewBroker()
	client := newMux(t, broker.Connect())

	start := time.Now()
	_, err := client.Request(context.Background(), "nobody.home", mustEncode(t, "req-1", echo{}), 5*time.Second)
	assert.ErrorIs(t, err, domain.ErrNoResponders)
	assert.Less(t, time.Since(start), time.Second, "must fail fast, not wait for the timeout")
	assert.Equal(t, 0, client.Pending())
}

func TestMux_NoRespondersWithObserver(t *testing.T) {
	broker := memory.NewBroker()
	client := newMux(t, broker.Connect())

	var seen atomic.Int32
	_, err := client.Subscribe("generation.>", func(*ports.Msg) { seen.Add(1) })
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Request(context.Background(), "generation.submit", mustEncode(t, "req-1", echo{}), 5*time.Second)
	assert.ErrorIs(t, err, domain.ErrNoResponders)
	assert.Less(t, time.Since(start), time.Second, "an observer is not a responder")
	assert.Eventually(t, func() bool { return seen.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestMux_Timeout(t *testing.T) {
	broker := memory.NewBroker()
	server := newMux(t, broker.Connect())
	client := newMux(t, broker.Connect())

	release := make(chan struct{})
	defer close(release)
	_, err := server.Handle("slow.op", "g", func(ctx context.Context, req envelope.Envelope) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return echo{}, nil
	})
	require.NoError(t, err)

	_, err = client.Request(context.Background(), "slow.op", mustEncode(t, "req-1", echo{}), 50*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, 0, client.Pending())
}

func TestMux_CancelForgetsCorrelation(t *testing.T) {
	broker := memory.NewBroker()
	server := newMux(t, broker.Connect())
	client := newMux(t, broker.Connect())

	release := make(chan struct{})
	replied := make(chan struct{})
	_, err := server.Handle("slow.op", "g", func(ctx context.Context, req envelope.Envelope) (any, error) {
		<-release
		defer close(replied)
		return echo{Message: "late"}, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.Request(ctx, "slow.op", mustEncode(t, "req-1", echo{}), 5*time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool { return client.Pending() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Request did not return after cancel")
	}
	assert.Equal(t, 0, client.Pending())

	// The late reply is discarded without affecting a new call.
	close(release)
	<-replied
	_, err = server.Handle("fast.op", "g", echoHandler("w"))
	require.NoError(t, err)
	reply, err := client.Request(context.Background(), "fast.op", mustEncode(t, "req-2", echo{Message: "fresh"}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "req-2", reply.Meta.RequestID)
}

func TestMux_ConnectionLostFailsPending(t *testing.T) {
	broker := memory.NewBroker()
	server := newMux(t, broker.Connect())
	conn := broker.Connect()
	client := newMux(t, conn)

	block := make(chan struct{})
	defer close(block)
	_, err := server.Handle("slow.op", "g", func(ctx context.Context, req envelope.Envelope) (any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return echo{}, nil
	})
	require.NoError(t, err)

	const callers = 3
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			_, err := client.Request(context.Background(), "slow.op", mustEncode(t, fmt.Sprintf("req-%d", i), echo{}), 5*time.Second)
			errs <- err
		}(i)
	}
	require.Eventually(t, func() bool { return client.Pending() == callers }, time.Second, 5*time.Millisecond)

	conn.Drop(errors.New("socket reset"))

	for i := 0; i < callers; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, domain.ErrConnectionLost)
		case <-time.After(time.Second):
			t.Fatal("pending request not failed after connection loss")
		}
	}

	_, err = client.Request(context.Background(), "slow.op", mustEncode(t, "req-x", echo{}), time.Second)
	assert.ErrorIs(t, err, domain.ErrConnectionLost)
}

func TestMux_QueueGroupLoadBalancing(t *testing.T) {
	broker := memory.NewBroker()
	client := newMux(t, broker.Connect())

	var mu sync.Mutex
	perWorker := map[string]int{}
	var total atomic.Int32
	for _, name := range []string{"w1", "w2", "w3"} {
		name := name
		worker := newMux(t, broker.Connect())
		_, err := worker.Handle("generation.submit", "generators", func(ctx context.Context, req envelope.Envelope) (any, error) {
			mu.Lock()
			perWorker[name]++
			mu.Unlock()
			total.Add(1)
			return echo{Worker: name}, nil
		})
		require.NoError(t, err)
	}

	const n = 30
	for i := 0; i < n; i++ {
		_, err := client.Request(context.Background(), "generation.submit", mustEncode(t, fmt.Sprintf("req-%d", i), echo{}), time.Second)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(n), total.Load(), "each request handled exactly once")
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, perWorker, 3, "requests spread across the group")
}

func TestMux_RemoteError(t *testing.T) {
	broker := memory.NewBroker()
	server := newMux(t, broker.Connect())
	client := newMux(t, broker.Connect())

	_, err := server.Handle("bad.op", "g", func(ctx context.Context, req envelope.Envelope) (any, error) {
		return nil, errors.New("tenant quota exceeded")
	})
	require.NoError(t, err)

	reply, err := client.Request(context.Background(), "bad.op", mustEncode(t, "req-1", echo{}), time.Second)
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "bad.op", remote.Subject)
	assert.Equal(t, "req-1", remote.RequestID)
	assert.Equal(t, "tenant quota exceeded", remote.Message)
	assert.Equal(t, "req-1", reply.Meta.RequestID)
}

func TestMux_PubSubMulticastAlongsideRPC(t *testing.T) {
	broker := memory.NewBroker()
	conn := broker.Connect()
	// Two multiplexers borrow the same physical connection.
	m1 := newMux(t, conn)
	m2 := newMux(t, conn)

	got := make(chan string, 2)
	_, err := m1.Subscribe("generation.events.acme.>", func(msg *ports.Msg) { got <- "m1:" + msg.Subject })
	require.NoError(t, err)
	_, err = m2.Subscribe("generation.events.*.req-1", func(msg *ports.Msg) { got <- "m2:" + msg.Subject })
	require.NoError(t, err)
	_, err = m2.Handle("example.echo", "g", echoHandler("m2"))
	require.NoError(t, err)

	require.NoError(t, m1.Publish(context.Background(), "generation.events.acme.req-1", []byte(`{}`)))

	var seen []string
	for i := 0; i < 2; i++ {
		select {
		case s := <-got:
			seen = append(seen, s)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
	assert.ElementsMatch(t, []string{"m1:generation.events.acme.req-1", "m2:generation.events.acme.req-1"}, seen)

	reply, err := m1.Request(context.Background(), "example.echo", mustEncode(t, "req-9", echo{Message: "x"}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "req-9", reply.Meta.RequestID)

	// Closing one multiplexer leaves the shared connection usable.
	require.NoError(t, m1.Close())
	assert.NoError(t, conn.Err())
	require.NoError(t, m2.Publish(context.Background(), "generation.events.acme.req-1", []byte(`{}`)))
	select {
	case s := <-got:
		assert.Equal(t, "m2:generation.events.acme.req-1", s)
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber missed event")
	}
}

func TestMux_PublishWithoutSubscribers(t *testing.T) {
	broker := memory.NewBroker()
	m := newMux(t, broker.Connect())
	assert.NoError(t, m.PublishJSON(context.Background(), "nobody.listens", map[string]string{"a": "b"}))
}

func TestMux_ClosedRejectsCalls(t *testing.T) {
	broker := memory.NewBroker()
	m, err := transport.FromExisting(broker.Connect())
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = m.Request(context.Background(), "x.y", mustEncode(t, "r", echo{}), time.Second)
	assert.ErrorIs(t, err, domain.ErrClosed)
	assert.ErrorIs(t, m.Publish(context.Background(), "x.y", nil), domain.ErrClosed)
	_, err = m.Subscribe("x.y", func(*ports.Msg) {})
	assert.ErrorIs(t, err, domain.ErrClosed)
}

func TestMux_RequestValidation(t *testing.T) {
	broker := memory.NewBroker()
	m := newMux(t, broker.Connect())

	_, err := m.Request(context.Background(), "x.y", envelope.Envelope{}, time.Second)
	assert.ErrorIs(t, err, envelope.ErrMissingRequestID)

	_, err = m.Request(context.Background(), "x.*", mustEncode(t, "r", echo{}), time.Second)
	assert.ErrorIs(t, err, domain.ErrInvalidSubject)
}

func TestMux_Metrics(t *testing.T) {
	broker := memory.NewBroker()
	metrics := observability.NewMetrics(nil)
	m := newMux(t, broker.Connect(), transport.WithMetrics(metrics))

	_, _ = m.Request(context.Background(), "nobody.home", mustEncode(t, "r", echo{}), time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RPCRequests.WithLabelValues("nobody.home", observability.OutcomeNoResponders)))
}
