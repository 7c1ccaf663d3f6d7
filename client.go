package trailhead

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/trailhead/internal/logging"
	"github.com/aretw0/trailhead/pkg/adapters/memory"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/envelope"
	"github.com/aretw0/trailhead/pkg/observability"
	"github.com/aretw0/trailhead/pkg/ports"
	"github.com/aretw0/trailhead/pkg/subscription"
	"github.com/aretw0/trailhead/pkg/tracker"
	"github.com/aretw0/trailhead/pkg/trail"
	"github.com/aretw0/trailhead/pkg/transport"
	"github.com/google/uuid"
)

// ErrRejected is returned when a backend acknowledges a submission with accepted=false.
var ErrRejected = errors.New("submission rejected")

// Subjects names the RPC endpoints the Client talks to.
type Subjects struct {
	Submit string
	Replay string
	Trail  string
}

// DefaultSubjects are the endpoints served by the reference backend.
var DefaultSubjects = Subjects{
	Submit: domain.DefaultSubmitSubject,
	Replay: domain.DefaultReplaySubject,
	Trail:  domain.DefaultTrailSubject,
}

// Option defines a functional option for configuring the Client.
type Option func(*Client)

// WithLogger sets a custom structured logger for the client and the components it builds.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics records transport, tracker and reconstruction metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithStore sets where reconstructed trails are kept. Defaults to an in-memory store.
func WithStore(s ports.TrailStore) Option {
	return func(c *Client) {
		c.store = s
	}
}

// WithLocker serialises result ingestion across replicas sharing a store.
func WithLocker(l ports.DistributedLocker) Option {
	return func(c *Client) {
		c.locker = l
	}
}

// WithTimeout sets the RPC timeout. Defaults to transport.DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithSubjects overrides the RPC endpoints. Empty fields keep their default.
func WithSubjects(s Subjects) Option {
	return func(c *Client) {
		if s.Submit != "" {
			c.subjects.Submit = s.Submit
		}
		if s.Replay != "" {
			c.subjects.Replay = s.Replay
		}
		if s.Trail != "" {
			c.subjects.Trail = s.Trail
		}
	}
}

// WithPrefixes overrides the event and trail subject prefixes.
func WithPrefixes(events, trails string) Option {
	return func(c *Client) {
		c.subOpts = append(c.subOpts, subscription.WithPrefixes(events, trails))
	}
}

// WithTrackerOptions configures the request tracker.
func WithTrackerOptions(opts ...tracker.Option) Option {
	return func(c *Client) {
		c.trackerOpts = append(c.trackerOpts, opts...)
	}
}

// WithCacheSize bounds the reconstruction cache.
func WithCacheSize(n int) Option {
	return func(c *Client) {
		c.cacheSize = n
	}
}

// WithSequentialFallback stores trails built by trail.ReconstructSequential when the
// strict reconstruction leaves choices unresolved. Meant for stale backends only.
func WithSequentialFallback(enabled bool) Option {
	return func(c *Client) {
		c.sequential = enabled
	}
}

// Client is the submission boundary used by UIs, the CLI and the HTTP server.
// It owns a multiplexer over a borrowed connection; closing the Client never closes the connection.
type Client struct {
	mux      *transport.Mux
	tracker  *tracker.Tracker
	subs     *subscription.Manager
	streams  *subscription.Streams
	cache    *trail.Cache
	store    ports.TrailStore
	locker   ports.DistributedLocker
	subjects Subjects
	timeout  time.Duration

	sequential  bool
	cacheSize   int
	trackerOpts []tracker.Option
	subOpts     []subscription.Option
	logger      *slog.Logger
	metrics     *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tenant string
}

// New builds a Client over an already open connection.
func New(conn ports.Conn, opts ...Option) (*Client, error) {
	c := &Client{
		subjects: DefaultSubjects,
		timeout:  transport.DefaultTimeout,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = memory.NewStore()
	}
	if c.locker == nil {
		c.locker = memory.NewLocker()
	}

	mux, err := transport.FromExisting(conn,
		transport.WithLogger(c.logger),
		transport.WithMetrics(c.metrics),
		transport.WithTimeout(c.timeout),
	)
	if err != nil {
		return nil, err
	}
	cache, err := trail.NewCache(c.cacheSize, trail.WithMetrics(c.metrics))
	if err != nil {
		_ = mux.Close()
		return nil, err
	}

	c.mux = mux
	c.cache = cache
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.tracker = tracker.New(append([]tracker.Option{
		tracker.WithLogger(c.logger),
		tracker.WithMetrics(c.metrics),
	}, c.trackerOpts...)...)
	c.streams = subscription.NewStreams(0, c.logger)
	c.subs = subscription.NewManager(mux, c.tracker, append([]subscription.Option{
		subscription.WithLogger(c.logger),
		subscription.WithStreams(c.streams),
		subscription.WithResultHandler(c.onResult),
	}, c.subOpts...)...)

	go func() {
		_ = c.tracker.Run(c.ctx)
	}()
	return c, nil
}

// Submit validates params, sends them to the backend and returns the new request id.
// The request is tracked as pending once the backend acknowledges it.
func (c *Client) Submit(ctx context.Context, params map[string]any) (string, error) {
	p, err := DecodeParams(params)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	if err := c.watch(p.TenantID, id); err != nil {
		return "", err
	}
	if err := c.call(ctx, c.subjects.Submit, id, p); err != nil {
		c.unwatch(p.TenantID, id)
		return "", err
	}

	c.tracker.Track(id, p.TenantID)
	c.logger.Info("request submitted", "request_id", id, "tenant_id", p.TenantID, "title", p.Title)
	return id, nil
}

// Replay asks the backend to run a previous request again and returns the new request id.
func (c *Client) Replay(ctx context.Context, requestID string) (string, error) {
	if requestID == "" {
		return "", fmt.Errorf("%w: request id is required", ErrInvalidParams)
	}
	tenant := ""
	if prev, err := c.tracker.Status(requestID); err == nil {
		tenant = prev.TenantID
	}

	id := uuid.NewString()
	if tenant != "" {
		if err := c.watch(tenant, id); err != nil {
			return "", err
		}
	}
	req := domain.ReplayRequest{OriginalRequestID: requestID, TenantID: tenant}
	if err := c.call(ctx, c.subjects.Replay, id, req); err != nil {
		if tenant != "" {
			c.unwatch(tenant, id)
		}
		return "", err
	}

	c.tracker.Track(id, tenant)
	c.logger.Info("request replayed", "request_id", id, "original_request_id", requestID)
	return id, nil
}

func (c *Client) call(ctx context.Context, subj, id string, payload any) error {
	env, err := envelope.Encode(id, payload)
	if err != nil {
		return err
	}
	reply, err := c.mux.Request(ctx, subj, env, c.timeout)
	if err != nil {
		return err
	}
	ack, err := envelope.DecodePayload[domain.SubmitAck](reply)
	if err != nil {
		return err
	}
	if !ack.Accepted {
		if ack.Message != "" {
			return fmt.Errorf("%w: %s", ErrRejected, ack.Message)
		}
		return ErrRejected
	}
	return nil
}

// watch makes sure events of the request reach the tracker before it is sent.
func (c *Client) watch(tenant, id string) error {
	if c.subs.Subscribed(tenant) {
		return nil
	}
	return c.subs.SubscribeRequest(tenant, id)
}

func (c *Client) unwatch(tenant, id string) {
	if c.subs.Subscribed(tenant) {
		return
	}
	_ = c.subs.UnsubscribeRequest(id)
}

// ActiveRequests returns a snapshot of every tracked request, oldest first.
func (c *Client) ActiveRequests() []domain.TrackedRequest {
	return c.tracker.ActiveRequests()
}

// Status returns the tracked state of one request or domain.ErrNotFound.
func (c *Client) Status(requestID string) (domain.TrackedRequest, error) {
	return c.tracker.Status(requestID)
}

// Subscribe starts following every event and result of tenant and makes it the current tenant.
func (c *Client) Subscribe(tenant string) error {
	if err := c.subs.SubscribeTenant(tenant); err != nil {
		return err
	}
	c.mu.Lock()
	c.tenant = tenant
	c.mu.Unlock()
	return nil
}

// Unsubscribe stops following tenant. Finished requests stay queryable until retention
// evicts them; in-flight ones that only the tenant subscription covered are dropped.
func (c *Client) Unsubscribe(tenant string) error {
	err := c.subs.UnsubscribeTenant(tenant)
	c.mu.Lock()
	if c.tenant == tenant {
		c.tenant = ""
		if rest := c.subs.Tenants(); len(rest) > 0 {
			c.tenant = rest[0]
		}
	}
	c.mu.Unlock()
	return err
}

// ConnectionStatus reports the transport health and the current tenant subscription.
func (c *Client) ConnectionStatus() domain.ConnectionStatus {
	c.mu.Lock()
	tenant := c.tenant
	c.mu.Unlock()

	return domain.ConnectionStatus{
		Connected:  c.mux.Conn().Err() == nil,
		Subscribed: tenant != "" && c.subs.Subscribed(tenant),
		TenantID:   tenant,
	}
}

// Streams exposes the local fan-out of routed events, status changes and results.
func (c *Client) Streams() *subscription.Streams {
	return c.streams
}

// Tracker exposes the request tracker.
func (c *Client) Tracker() *tracker.Tracker {
	return c.tracker
}

// Mux exposes the multiplexer so callers can share the connection for their own traffic.
func (c *Client) Mux() *transport.Mux {
	return c.mux
}

// Close releases subscriptions and the multiplexer. The connection stays open.
func (c *Client) Close() error {
	c.cancel()
	return errors.Join(c.subs.Close(), c.mux.Close())
}
