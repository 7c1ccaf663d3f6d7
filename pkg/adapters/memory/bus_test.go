package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aretw0/trailhead/pkg/adapters/memory"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/ports"
	"github.com/aretw0/trailhead/pkg/ports/tests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_Contract(t *testing.T) {
	tests.ConnContractTest(t, func(t *testing.T) (ports.Conn, ports.Conn) {
		broker := memory.NewBroker()
		a, b := broker.Connect(), broker.Connect()
		t.Cleanup(func() {
			_ = a.Close()
			_ = b.Close()
		})
		return a, b
	})
}

func TestMemoryBus_DropSignalsConnectionLost(t *testing.T) {
	broker := memory.NewBroker()
	conn := broker.Connect()

	sub, err := conn.Subscribe("x.y", func(*ports.Msg) {})
	require.NoError(t, err)

	conn.Drop(errors.New("socket reset"))

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	assert.ErrorIs(t, conn.Err(), domain.ErrConnectionLost)
	assert.Contains(t, conn.Err().Error(), "socket reset")

	// Subscriptions of a dropped connection are gone from the broker
	other := broker.Connect()
	d, err := other.Publish(context.Background(), &ports.Msg{Subject: "x.y"})
	require.NoError(t, err)
	assert.Equal(t, 0, d.Total())
	assert.NoError(t, sub.Unsubscribe())
}

func TestMemoryBus_QueueRoundRobin(t *testing.T) {
	broker := memory.NewBroker()
	conn := broker.Connect()
	defer conn.Close()

	hits := make(chan string, 4)
	s1, err := conn.QueueSubscribe("jobs", "g", func(*ports.Msg) { hits <- "one" })
	require.NoError(t, err)
	defer s1.Unsubscribe()
	s2, err := conn.QueueSubscribe("jobs", "g", func(*ports.Msg) { hits <- "two" })
	require.NoError(t, err)
	defer s2.Unsubscribe()

	for i := 0; i < 4; i++ {
		_, err := conn.Publish(context.Background(), &ports.Msg{Subject: "jobs"})
		require.NoError(t, err)
	}

	counts := map[string]int{}
	for i := 0; i < 4; i++ {
		select {
		case h := <-hits:
			counts[h]++
		case <-time.After(time.Second):
			t.Fatal("missing delivery")
		}
	}
	assert.Equal(t, map[string]int{"one": 2, "two": 2}, counts)
}

func TestMemoryBus_RejectsInvalidSubjects(t *testing.T) {
	conn := memory.NewBroker().Connect()
	defer conn.Close()

	_, err := conn.Publish(context.Background(), &ports.Msg{Subject: "a.*"})
	assert.ErrorIs(t, err, domain.ErrInvalidSubject)

	_, err = conn.QueueSubscribe("a.>", "g", func(*ports.Msg) {})
	assert.ErrorIs(t, err, domain.ErrInvalidSubject)

	_, err = conn.QueueSubscribe("a.b", "", func(*ports.Msg) {})
	assert.Error(t, err)
}

func TestLocker_SerializesPerKey(t *testing.T) {
	locker := memory.NewLocker()
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "req-1", time.Second)
	require.NoError(t, err)

	// A different key is independent
	unlockOther, err := locker.Lock(ctx, "req-2", time.Second)
	require.NoError(t, err)
	require.NoError(t, unlockOther(ctx))

	// Same key blocks until released
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(waitCtx, "req-1", time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock(ctx))
	unlock2, err := locker.Lock(ctx, "req-1", time.Second)
	require.NoError(t, err)
	require.NoError(t, unlock2(ctx))
}
