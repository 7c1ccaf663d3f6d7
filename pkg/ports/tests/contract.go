package tests

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/trailhead/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ConnFactory returns two connections attached to the same broker.
type ConnFactory func(t *testing.T) (ports.Conn, ports.Conn)

const waitFor = 3 * time.Second

// ConnContractTest is a reusable test suite that verifies if an adapter complies with ports.Conn.
func ConnContractTest(t *testing.T, factory ConnFactory) {
	t.Helper()
	ctx := context.Background()

	t.Run("Publish_NoSubscribers", func(t *testing.T) {
		a, _ := factory(t)
		d, err := a.Publish(ctx, &ports.Msg{Subject: "contract.nobody", Data: []byte("x")})
		require.NoError(t, err)
		assert.Equal(t, ports.Delivery{}, d)
	})

	t.Run("Subscribe_Multicast", func(t *testing.T) {
		a, b := factory(t)
		got1 := make(chan *ports.Msg, 1)
		got2 := make(chan *ports.Msg, 1)

		s1, err := a.Subscribe("contract.multi.*", func(m *ports.Msg) { got1 <- m })
		require.NoError(t, err)
		defer s1.Unsubscribe()
		s2, err := b.Subscribe("contract.>", func(m *ports.Msg) { got2 <- m })
		require.NoError(t, err)
		defer s2.Unsubscribe()

		d, err := a.Publish(ctx, &ports.Msg{Subject: "contract.multi.x", Reply: "inbox.1", Data: []byte("hello")})
		require.NoError(t, err)
		assert.Equal(t, ports.Delivery{Subscribers: 2}, d)

		for _, ch := range []chan *ports.Msg{got1, got2} {
			select {
			case m := <-ch:
				assert.Equal(t, "contract.multi.x", m.Subject)
				assert.Equal(t, "inbox.1", m.Reply)
				assert.Equal(t, []byte("hello"), m.Data)
			case <-time.After(waitFor):
				t.Fatal("subscriber did not receive message")
			}
		}
	})

	t.Run("Subscribe_PatternFilter", func(t *testing.T) {
		a, _ := factory(t)
		var count atomic.Int32
		sub, err := a.Subscribe("contract.filter.*", func(m *ports.Msg) { count.Add(1) })
		require.NoError(t, err)
		defer sub.Unsubscribe()

		_, err = a.Publish(ctx, &ports.Msg{Subject: "contract.filter.a.b", Data: []byte("deep")})
		require.NoError(t, err)
		_, err = a.Publish(ctx, &ports.Msg{Subject: "contract.filter.a", Data: []byte("hit")})
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return count.Load() == 1 }, waitFor, 10*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), count.Load(), "a '*' pattern must not match deeper subjects")
	})

	t.Run("QueueGroup_ExactlyOnce", func(t *testing.T) {
		a, b := factory(t)
		var mu sync.Mutex
		seen := map[string]int{}
		record := func(m *ports.Msg) {
			mu.Lock()
			seen[string(m.Data)]++
			mu.Unlock()
		}

		q1, err := a.QueueSubscribe("contract.work", "workers", record)
		require.NoError(t, err)
		defer q1.Unsubscribe()
		q2, err := b.QueueSubscribe("contract.work", "workers", record)
		require.NoError(t, err)
		defer q2.Unsubscribe()

		const total = 20
		for i := 0; i < total; i++ {
			d, err := a.Publish(ctx, &ports.Msg{Subject: "contract.work", Data: []byte(fmt.Sprintf("job-%d", i))})
			require.NoError(t, err)
			assert.Equal(t, ports.Delivery{Groups: 1}, d, "one queue group counts as one receiver")
		}

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == total
		}, waitFor, 10*time.Millisecond)

		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		for job, c := range seen {
			assert.Equal(t, 1, c, "job %s delivered more than once", job)
		}
	})

	t.Run("QueueGroup_DistinctGroupsEachGetCopy", func(t *testing.T) {
		a, b := factory(t)
		var audit, work atomic.Int32

		q1, err := a.QueueSubscribe("contract.fan", "audit", func(*ports.Msg) { audit.Add(1) })
		require.NoError(t, err)
		defer q1.Unsubscribe()
		q2, err := b.QueueSubscribe("contract.fan", "work", func(*ports.Msg) { work.Add(1) })
		require.NoError(t, err)
		defer q2.Unsubscribe()

		d, err := a.Publish(ctx, &ports.Msg{Subject: "contract.fan", Data: []byte("x")})
		require.NoError(t, err)
		assert.Equal(t, ports.Delivery{Groups: 2}, d)

		assert.Eventually(t, func() bool { return audit.Load() == 1 && work.Load() == 1 }, waitFor, 10*time.Millisecond)
	})

	t.Run("Publish_CountsObserversApartFromGroups", func(t *testing.T) {
		a, b := factory(t)
		obs, err := a.Subscribe("contract.mixed.>", func(*ports.Msg) {})
		require.NoError(t, err)
		defer obs.Unsubscribe()

		d, err := b.Publish(ctx, &ports.Msg{Subject: "contract.mixed.job", Data: []byte("x")})
		require.NoError(t, err)
		assert.Equal(t, ports.Delivery{Subscribers: 1}, d)

		q, err := b.QueueSubscribe("contract.mixed.job", "workers", func(*ports.Msg) {})
		require.NoError(t, err)
		defer q.Unsubscribe()

		d, err = b.Publish(ctx, &ports.Msg{Subject: "contract.mixed.job", Data: []byte("x")})
		require.NoError(t, err)
		assert.Equal(t, ports.Delivery{Subscribers: 1, Groups: 1}, d)
	})

	t.Run("Unsubscribe_StopsDelivery", func(t *testing.T) {
		a, b := factory(t)
		var count atomic.Int32
		sub, err := b.Subscribe("contract.unsub", func(*ports.Msg) { count.Add(1) })
		require.NoError(t, err)
		qsub, err := b.QueueSubscribe("contract.unsub.q", "g", func(*ports.Msg) { count.Add(1) })
		require.NoError(t, err)

		require.NoError(t, sub.Unsubscribe())
		require.NoError(t, qsub.Unsubscribe())
		assert.NoError(t, sub.Unsubscribe(), "Unsubscribe is idempotent")

		// Brokers may drop the server-side registration asynchronously.
		assert.Eventually(t, func() bool {
			d, err := a.Publish(ctx, &ports.Msg{Subject: "contract.unsub", Data: []byte("x")})
			return err == nil && d.Total() == 0
		}, waitFor, 20*time.Millisecond)
		d, err := a.Publish(ctx, &ports.Msg{Subject: "contract.unsub.q", Data: []byte("x")})
		require.NoError(t, err)
		assert.Equal(t, 0, d.Total())

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(0), count.Load())
	})

	t.Run("Close", func(t *testing.T) {
		a, _ := factory(t)
		require.NoError(t, a.Close())

		select {
		case <-a.Done():
		case <-time.After(waitFor):
			t.Fatal("Done not closed after Close")
		}
		assert.Error(t, a.Err())

		_, err := a.Publish(ctx, &ports.Msg{Subject: "contract.closed", Data: []byte("x")})
		assert.Error(t, err)
		_, err = a.Subscribe("contract.closed", func(*ports.Msg) {})
		assert.Error(t, err)
	})
}
