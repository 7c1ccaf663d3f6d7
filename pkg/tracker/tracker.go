package tracker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/trailhead/internal/logging"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/observability"
)

// Ordering selects how competing progress events are reconciled.
type Ordering int

const (
	// OrderArrival applies events in the order they are received (last writer wins).
	OrderArrival Ordering = iota
	// OrderTimestamp ignores non-terminal events older than the last applied one.
	OrderTimestamp
)

// ParseOrdering maps "arrival" or "timestamp" to an Ordering.
func ParseOrdering(s string) (Ordering, bool) {
	switch s {
	case "", "arrival":
		return OrderArrival, true
	case "timestamp":
		return OrderTimestamp, true
	}
	return OrderArrival, false
}

func (o Ordering) String() string {
	if o == OrderTimestamp {
		return "timestamp"
	}
	return "arrival"
}

const (
	DefaultRetention     = 10 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Listener is notified after an entry changes. It receives a copy.
type Listener func(domain.TrackedRequest)

// Option configures a Tracker.
type Option func(*Tracker)

// WithRetention sets how long terminal entries stay queryable. Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(t *Tracker) {
		t.retention = d
	}
}

// WithSweepInterval sets how often Run evicts expired entries.
func WithSweepInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.sweepInterval = d
		}
	}
}

// WithOrdering selects the event ordering policy.
func WithOrdering(o Ordering) Option {
	return func(t *Tracker) {
		t.ordering = o
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithLogger configures a logger for the Tracker.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithMetrics records applied events and per-status counts.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// Tracker holds the state machine of every known request.
// Safe for concurrent use; readers always get whole-entry copies.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*domain.TrackedRequest
	// evicted remembers swept ids for one more retention window so late events
	// cannot resurrect them.
	evicted map[string]time.Time

	listenMu  sync.RWMutex
	listeners []Listener

	retention     time.Duration
	sweepInterval time.Duration
	ordering      Ordering
	now           func() time.Time
	logger        *slog.Logger
	metrics       *observability.Metrics
}

// New creates an empty Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		entries:       make(map[string]*domain.TrackedRequest),
		evicted:       make(map[string]time.Time),
		retention:     DefaultRetention,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		logger:        logging.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Listen registers fn to be called after every applied change.
func (t *Tracker) Listen(fn Listener) {
	t.listenMu.Lock()
	defer t.listenMu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Track registers a submitted request as pending.
// An entry created earlier by an event is left untouched.
func (t *Tracker) Track(requestID, tenantID string) domain.TrackedRequest {
	t.mu.Lock()
	entry, ok := t.entries[requestID]
	if !ok {
		now := t.now()
		entry = &domain.TrackedRequest{
			RequestID:  requestID,
			TenantID:   tenantID,
			StartTime:  now,
			LastUpdate: now,
			Status:     domain.StatusPending,
		}
		t.entries[requestID] = entry
		t.updateGauges()
	} else if entry.TenantID == "" {
		entry.TenantID = tenantID
	}
	snapshot := *entry
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("tracking request", "request_id", requestID, "tenant_id", tenantID)
		t.notify(snapshot)
	}
	return snapshot
}

// Apply ingests one event. It returns the resulting entry and whether the event changed it.
//
// Unknown request ids create a pending entry first. Once an entry is completed or failed
// it never changes again, so late or duplicate events are reported as not applied.
func (t *Tracker) Apply(evt domain.GenerationEvent) (domain.TrackedRequest, bool) {
	if evt.RequestID == "" {
		t.logger.Warn("ignoring event without request id", "tenant_id", evt.TenantID)
		return domain.TrackedRequest{}, false
	}
	status := statusOf(evt)

	t.mu.Lock()
	snapshot, applied := t.apply(evt, status)
	t.mu.Unlock()

	t.metrics.ObserveEvent(string(status), applied)
	if applied {
		t.notify(snapshot)
	} else {
		t.logger.Debug("event not applied", "request_id", evt.RequestID, "status", status, "current", snapshot.Status)
	}
	return snapshot, applied
}

func (t *Tracker) apply(evt domain.GenerationEvent, status domain.RequestStatus) (domain.TrackedRequest, bool) {
	now := t.now()
	entry, ok := t.entries[evt.RequestID]
	if _, gone := t.evicted[evt.RequestID]; gone && !ok {
		return domain.TrackedRequest{RequestID: evt.RequestID}, false
	}
	if !ok {
		start := evt.Timestamp
		if start.IsZero() {
			start = now
		}
		entry = &domain.TrackedRequest{
			RequestID:  evt.RequestID,
			TenantID:   evt.TenantID,
			StartTime:  start,
			LastUpdate: now,
			Status:     domain.StatusPending,
		}
		t.entries[evt.RequestID] = entry
		defer t.updateGauges()
	}

	if entry.Status.Terminal() || t.expired(entry, now) {
		return *entry, !ok
	}
	if !status.Valid() {
		return *entry, !ok
	}
	if t.ordering == OrderTimestamp && !status.Terminal() && !evt.Timestamp.IsZero() && evt.Timestamp.Before(entry.LastEventAt) {
		return *entry, !ok
	}

	if entry.TenantID == "" {
		entry.TenantID = evt.TenantID
	}
	if evt.Phase != "" {
		entry.Phase = evt.Phase
	}
	if evt.Component != "" {
		entry.Component = evt.Component
	}
	entry.Progress = clamp(evt.Progress)
	entry.LastUpdate = now
	if evt.Timestamp.After(entry.LastEventAt) {
		entry.LastEventAt = evt.Timestamp
	}

	switch status {
	case domain.StatusPending:
		// A late pending event never moves an entry backwards.
	case domain.StatusInProgress:
		entry.Status = domain.StatusInProgress
	case domain.StatusCompleted:
		entry.Status = domain.StatusCompleted
		entry.Progress = 1
		entry.FinishedAt = now
	case domain.StatusFailed:
		entry.Status = domain.StatusFailed
		entry.Error = evt.Error
		entry.FinishedAt = now
	}
	if ok {
		t.updateGauges()
	}
	return *entry, true
}

// statusOf falls back to the event type when the status field is empty.
func statusOf(evt domain.GenerationEvent) domain.RequestStatus {
	if evt.Status != "" {
		return evt.Status
	}
	switch evt.Type {
	case domain.EventGenerationStarted, domain.EventGenerationProgress:
		return domain.StatusInProgress
	case domain.EventGenerationCompleted:
		return domain.StatusCompleted
	case domain.EventGenerationFailed:
		return domain.StatusFailed
	}
	return ""
}

func clamp(p float64) float64 {
	switch {
	case p != p, p < 0: // NaN or negative
		return 0
	case p > 1:
		return 1
	}
	return p
}

// Status returns the entry for requestID or domain.ErrNotFound.
// Evicted and never-seen ids are indistinguishable.
func (t *Tracker) Status(requestID string) (domain.TrackedRequest, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.entries[requestID]
	if !ok || t.expired(entry, t.now()) {
		return domain.TrackedRequest{}, domain.ErrNotFound
	}
	return *entry, nil
}

// ActiveRequests returns a snapshot of every retained entry, oldest first.
func (t *Tracker) ActiveRequests() []domain.TrackedRequest {
	t.mu.RLock()
	now := t.now()
	out := make([]domain.TrackedRequest, 0, len(t.entries))
	for _, entry := range t.entries {
		if t.expired(entry, now) {
			continue
		}
		out = append(out, *entry)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

// Remove forgets a request. It reports whether the id was known.
func (t *Tracker) Remove(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[requestID]; !ok {
		return false
	}
	delete(t.entries, requestID)
	t.updateGauges()
	return true
}

// RemoveTenant drops the non-terminal entries of tenant, except those keep selects.
// Terminal entries stay until retention evicts them. It returns the number removed.
func (t *Tracker) RemoveTenant(tenant string, keep func(requestID string) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, entry := range t.entries {
		if entry.TenantID != tenant || entry.Status.Terminal() {
			continue
		}
		if keep != nil && keep(id) {
			continue
		}
		delete(t.entries, id)
		removed++
	}
	if removed > 0 {
		t.updateGauges()
	}
	return removed
}

// Sweep evicts terminal entries whose retention has elapsed at now.
// It returns the number of evicted entries.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, at := range t.evicted {
		if !now.Before(at.Add(t.retention)) {
			delete(t.evicted, id)
		}
	}

	evicted := 0
	for id, entry := range t.entries {
		if t.expired(entry, now) {
			delete(t.entries, id)
			t.evicted[id] = now
			evicted++
		}
	}
	if evicted > 0 {
		t.updateGauges()
		t.logger.Debug("evicted finished requests", "count", evicted)
	}
	return evicted
}

// Run sweeps periodically until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Sweep(t.now())
		}
	}
}

func (t *Tracker) expired(entry *domain.TrackedRequest, now time.Time) bool {
	if t.retention <= 0 || !entry.Status.Terminal() {
		return false
	}
	return !now.Before(entry.FinishedAt.Add(t.retention))
}

// updateGauges must be called with t.mu held.
func (t *Tracker) updateGauges() {
	if t.metrics == nil {
		return
	}
	counts := map[string]int{
		string(domain.StatusPending):    0,
		string(domain.StatusInProgress): 0,
		string(domain.StatusCompleted):  0,
		string(domain.StatusFailed):     0,
	}
	for _, entry := range t.entries {
		counts[string(entry.Status)]++
	}
	t.metrics.SetTracked(counts)
}

func (t *Tracker) notify(snapshot domain.TrackedRequest) {
	t.listenMu.RLock()
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.listenMu.RUnlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}
