package subscription

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/aretw0/trailhead/internal/logging"
)

// Update kinds.
const (
	KindEvent  = "event"
	KindStatus = "status"
	KindTrail  = "trail"
)

// Update is one message delivered to a stream listener.
type Update struct {
	Kind string `json:"kind"`
	Data string `json:"data"`
}

// Streams fans updates out to local listeners keyed by tenant.
// Slow listeners lose updates instead of blocking the publisher.
type Streams struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Update]struct{} // TenantID -> Set of Channels
	buffer      int
	logger      *slog.Logger
}

// NewStreams creates an empty registry. buffer is the per-listener queue length.
func NewStreams(buffer int, logger *slog.Logger) *Streams {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Streams{
		subscribers: make(map[string]map[chan Update]struct{}),
		buffer:      buffer,
		logger:      logger,
	}
}

// Subscribe registers a listener for tenant. The returned cancel func closes the channel.
func (sm *Streams) Subscribe(tenant string) (<-chan Update, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan Update, sm.buffer)
	if _, ok := sm.subscribers[tenant]; !ok {
		sm.subscribers[tenant] = make(map[chan Update]struct{})
	}
	sm.subscribers[tenant][ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			sm.mu.Lock()
			defer sm.mu.Unlock()
			if subs, ok := sm.subscribers[tenant]; ok {
				delete(subs, ch)
				close(ch)
				if len(subs) == 0 {
					delete(sm.subscribers, tenant)
				}
			}
		})
	}
}

// Listeners reports how many listeners tenant has.
func (sm *Streams) Listeners(tenant string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.subscribers[tenant])
}

// Broadcast marshals v once and offers it to every listener of tenant.
func (sm *Streams) Broadcast(tenant, kind string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		sm.logger.Error("streams: failed to marshal update", "tenant_id", tenant, "kind", kind, "err", err)
		return
	}
	update := Update{Kind: kind, Data: string(data)}

	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for ch := range sm.subscribers[tenant] {
		select {
		case ch <- update:
		default:
			// Drop message if channel is full (slow client)
			sm.logger.Warn("streams: listener buffer full, dropping update", "tenant_id", tenant, "kind", kind)
		}
	}
}
