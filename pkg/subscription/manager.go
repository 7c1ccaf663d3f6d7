package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/aretw0/trailhead/internal/logging"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/envelope"
	"github.com/aretw0/trailhead/pkg/ports"
	"github.com/aretw0/trailhead/pkg/subject"
	"github.com/aretw0/trailhead/pkg/tracker"
)

// Subscriber is the part of the transport the Manager needs.
// *transport.Mux satisfies it.
type Subscriber interface {
	Subscribe(pattern string, handler ports.MsgHandler) (ports.Subscription, error)
}

// ResultHandler receives finished trail results.
type ResultHandler func(domain.TrailResult)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithPrefixes overrides the event and trail subject prefixes.
func WithPrefixes(events, trails string) Option {
	return func(m *Manager) {
		if events != "" {
			m.eventsPrefix = events
		}
		if trails != "" {
			m.trailsPrefix = trails
		}
	}
}

// WithResultHandler sets the receiver of trail results.
func WithResultHandler(h ResultHandler) Option {
	return func(m *Manager) {
		m.onResult = h
	}
}

// WithStreams fans routed events and results out to local listeners.
func WithStreams(s *Streams) Option {
	return func(m *Manager) {
		m.streams = s
	}
}

type tenantSubs struct {
	events ports.Subscription
	trails ports.Subscription
}

type requestSub struct {
	tenant string
	events ports.Subscription
	trails ports.Subscription

	completed bool
	resulted  bool
}

// Manager tracks which tenants and requests this process listens to.
// Safe for concurrent use.
type Manager struct {
	conn    Subscriber
	tracker *tracker.Tracker

	eventsPrefix string
	trailsPrefix string
	onResult     ResultHandler
	streams      *Streams
	logger       *slog.Logger

	mu       sync.Mutex
	tenants  map[string]*tenantSubs
	requests map[string]*requestSub
}

// NewManager creates a Manager that feeds events into t.
func NewManager(conn Subscriber, t *tracker.Tracker, opts ...Option) *Manager {
	m := &Manager{
		conn:         conn,
		tracker:      t,
		eventsPrefix: domain.DefaultEventsPrefix,
		trailsPrefix: domain.DefaultTrailsPrefix,
		logger:       logging.NewNop(),
		tenants:      make(map[string]*tenantSubs),
		requests:     make(map[string]*requestSub),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SubscribeTenant listens to every event and result of tenant. Subscribing twice is a no-op.
func (m *Manager) SubscribeTenant(tenant string) error {
	if err := subject.ValidateToken(tenant); err != nil {
		return fmt.Errorf("tenant id: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[tenant]; ok {
		return nil
	}

	events, err := m.conn.Subscribe(subject.TenantEvents(m.eventsPrefix, tenant), m.onEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to events of %s: %w", tenant, err)
	}
	trails, err := m.conn.Subscribe(subject.TenantTrails(m.trailsPrefix, tenant), m.onTrail)
	if err != nil {
		_ = events.Unsubscribe()
		return fmt.Errorf("failed to subscribe to trails of %s: %w", tenant, err)
	}

	m.tenants[tenant] = &tenantSubs{events: events, trails: trails}
	m.logger.Info("subscribed to tenant", "tenant_id", tenant)
	return nil
}

// UnsubscribeTenant drops the tenant registration. Unknown tenants are ignored.
// In-flight requests of the tenant without a request-scoped registration are removed
// from the tracker; finished ones stay until retention evicts them.
func (m *Manager) UnsubscribeTenant(tenant string) error {
	m.mu.Lock()
	subs, ok := m.tenants[tenant]
	delete(m.tenants, tenant)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	err := errors.Join(subs.events.Unsubscribe(), subs.trails.Unsubscribe())
	dropped := m.tracker.RemoveTenant(tenant, m.Watching)
	m.logger.Info("unsubscribed from tenant", "tenant_id", tenant, "dropped_requests", dropped)
	return err
}

// SubscribeRequest listens to the progress events and the result of a single request.
// It is a no-op when the tenant is already covered by SubscribeTenant. The registration
// is dropped once the request fails, or once it completed and its result arrived.
func (m *Manager) SubscribeRequest(tenant, requestID string) error {
	if err := subject.ValidateToken(tenant); err != nil {
		return fmt.Errorf("tenant id: %w", err)
	}
	if err := subject.ValidateToken(requestID); err != nil {
		return fmt.Errorf("request id: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[tenant]; ok {
		return nil
	}
	if _, ok := m.requests[requestID]; ok {
		return nil
	}

	events, err := m.conn.Subscribe(subject.Events(m.eventsPrefix, tenant, requestID), m.onEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to request %s: %w", requestID, err)
	}
	trails, err := m.conn.Subscribe(subject.Trails(m.trailsPrefix, tenant, requestID), m.onTrail)
	if err != nil {
		_ = events.Unsubscribe()
		return fmt.Errorf("failed to subscribe to result of %s: %w", requestID, err)
	}
	m.requests[requestID] = &requestSub{tenant: tenant, events: events, trails: trails}
	return nil
}

// UnsubscribeRequest drops the request registration and forgets its tracked state.
func (m *Manager) UnsubscribeRequest(requestID string) error {
	m.mu.Lock()
	sub, ok := m.requests[requestID]
	delete(m.requests, requestID)
	m.mu.Unlock()

	m.tracker.Remove(requestID)
	if !ok {
		return nil
	}
	return errors.Join(sub.events.Unsubscribe(), sub.trails.Unsubscribe())
}

// Watching reports whether a request-scoped registration exists for requestID.
func (m *Manager) Watching(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.requests[requestID]
	return ok
}

// settle records progress of a request-scoped registration and drops it, keeping the
// tracked state, when nothing more is expected for the request.
func (m *Manager) settle(requestID string, status domain.RequestStatus, result bool) {
	m.mu.Lock()
	sub, ok := m.requests[requestID]
	if !ok {
		m.mu.Unlock()
		return
	}
	sub.completed = sub.completed || status == domain.StatusCompleted
	sub.resulted = sub.resulted || result
	done := status == domain.StatusFailed || (sub.completed && sub.resulted)
	if done {
		delete(m.requests, requestID)
	}
	m.mu.Unlock()

	if done {
		_ = sub.events.Unsubscribe()
		_ = sub.trails.Unsubscribe()
	}
}

// Tenants lists the subscribed tenants in order.
func (m *Manager) Tenants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.tenants))
	for t := range m.tenants {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Subscribed reports whether tenant is subscribed.
func (m *Manager) Subscribed(tenant string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tenants[tenant]
	return ok
}

// Close drops every registration.
func (m *Manager) Close() error {
	m.mu.Lock()
	tenants := m.tenants
	requests := m.requests
	m.tenants = make(map[string]*tenantSubs)
	m.requests = make(map[string]*requestSub)
	m.mu.Unlock()

	var errs []error
	for _, s := range tenants {
		errs = append(errs, s.events.Unsubscribe(), s.trails.Unsubscribe())
	}
	for _, s := range requests {
		errs = append(errs, s.events.Unsubscribe(), s.trails.Unsubscribe())
	}
	return errors.Join(errs...)
}

func (m *Manager) onEvent(msg *ports.Msg) {
	var evt domain.GenerationEvent
	requestID, err := decode(msg.Data, &evt)
	if err != nil {
		m.logger.Warn("dropping malformed event", "subject", msg.Subject, "err", err)
		return
	}

	tenant, subjRequest := split(m.eventsPrefix, msg.Subject)
	if evt.RequestID == "" {
		evt.RequestID = requestID
	}
	if evt.RequestID == "" {
		evt.RequestID = subjRequest
	}
	if evt.TenantID == "" {
		evt.TenantID = tenant
	}

	entry, applied := m.tracker.Apply(evt)
	if entry.Status.Terminal() {
		m.settle(evt.RequestID, entry.Status, false)
	}
	if m.streams == nil {
		return
	}
	m.streams.Broadcast(evt.TenantID, KindEvent, evt)
	if applied {
		m.streams.Broadcast(evt.TenantID, KindStatus, entry)
	}
}

func (m *Manager) onTrail(msg *ports.Msg) {
	var res domain.TrailResult
	requestID, err := decode(msg.Data, &res)
	if err != nil {
		m.logger.Warn("dropping malformed trail result", "subject", msg.Subject, "err", err)
		return
	}

	tenant, subjRequest := split(m.trailsPrefix, msg.Subject)
	if res.RequestID == "" {
		res.RequestID = requestID
	}
	if res.RequestID == "" {
		res.RequestID = subjRequest
	}
	if res.TenantID == "" {
		res.TenantID = tenant
	}

	m.logger.Debug("trail result received", "request_id", res.RequestID, "tenant_id", res.TenantID, "steps", len(res.Steps))
	m.settle(res.RequestID, "", true)
	if m.onResult != nil {
		m.onResult(res)
	}
	if m.streams != nil {
		m.streams.Broadcast(res.TenantID, KindTrail, map[string]any{
			"request_id": res.RequestID,
			"steps":      len(res.Steps),
		})
	}
}

// decode accepts either an envelope carrying v as payload or v as bare JSON.
// It returns the envelope request id when there is one.
func decode(data []byte, v any) (string, error) {
	if env, err := envelope.Decode(data); err == nil {
		if err := json.Unmarshal(env.Payload, v); err != nil {
			return "", err
		}
		return env.Meta.RequestID, nil
	}
	return "", json.Unmarshal(data, v)
}

// split extracts tenant and request id from {prefix}.{tenant}.{request}.
func split(prefix, subj string) (string, string) {
	rest := strings.TrimPrefix(subj, prefix+".")
	if rest == subj {
		return "", ""
	}
	return subject.Token(rest, 0), subject.Token(rest, 1)
}
