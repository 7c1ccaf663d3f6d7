package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/trailhead/internal/logging"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/envelope"
	"github.com/aretw0/trailhead/pkg/observability"
	"github.com/aretw0/trailhead/pkg/ports"
	"github.com/aretw0/trailhead/pkg/subject"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTimeout applies when Request is called with a zero timeout.
	DefaultTimeout = 5 * time.Second

	defaultInboxPrefix = "_INBOX"
	tracerName         = "github.com/aretw0/trailhead/pkg/transport"
)

// HandlerFunc serves one request envelope. The returned value becomes the reply payload
// and must serialise to a JSON object. A returned error is sent back as a RemoteError.
type HandlerFunc func(ctx context.Context, req envelope.Envelope) (any, error)

// Option configures a Mux.
type Option func(*Mux)

// WithLogger configures a logger for the Mux.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mux) {
		m.logger = logger
	}
}

// WithMetrics records request outcomes on metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Mux) {
		m.metrics = metrics
	}
}

// WithTimeout sets the timeout used when Request receives zero.
func WithTimeout(d time.Duration) Option {
	return func(m *Mux) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithInboxPrefix sets the subject prefix for reply inboxes.
func WithInboxPrefix(prefix string) Option {
	return func(m *Mux) {
		m.inboxPrefix = prefix
	}
}

type result struct {
	env envelope.Envelope
	err error
}

type pendingCall struct {
	subject   string
	requestID string
	ch        chan result
}

// Mux is the shared-connection multiplexer.
// Safe for concurrent use.
type Mux struct {
	conn    ports.Conn
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	timeout time.Duration

	inboxPrefix string
	inbox       string
	inboxSub    ports.Subscription

	mu      sync.Mutex
	pending map[string]*pendingCall
	subs    map[*muxSubscription]struct{}
	closed  bool

	ctx      context.Context
	cancel   context.CancelFunc
	handlers sync.WaitGroup
}

// FromExisting builds a Mux over an already open connection. The Mux never closes conn.
func FromExisting(conn ports.Conn, opts ...Option) (*Mux, error) {
	m := &Mux{
		conn:        conn,
		logger:      logging.NewNop(),
		tracer:      otel.Tracer(tracerName),
		timeout:     DefaultTimeout,
		inboxPrefix: defaultInboxPrefix,
		pending:     make(map[string]*pendingCall),
		subs:        make(map[*muxSubscription]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.inbox = m.inboxPrefix + "." + strings.ReplaceAll(uuid.New().String(), "-", "")

	sub, err := conn.Subscribe(m.inbox+".*", m.onReply)
	if err != nil {
		m.cancel()
		return nil, fmt.Errorf("failed to subscribe reply inbox: %w", err)
	}
	m.inboxSub = sub
	return m, nil
}

// Conn returns the borrowed connection.
func (m *Mux) Conn() ports.Conn {
	return m.conn
}

// Request publishes env on subj and waits for the matching reply.
//
// It fails with domain.ErrNoResponders when nobody is subscribed to subj, domain.ErrTimeout
// when no reply arrives within timeout, and domain.ErrConnectionLost when the connection
// fails while waiting. Canceling ctx abandons the call and forgets its correlation.
func (m *Mux) Request(ctx context.Context, subj string, env envelope.Envelope, timeout time.Duration) (envelope.Envelope, error) {
	if timeout <= 0 {
		timeout = m.timeout
	}
	start := time.Now()

	ctx, span := m.tracer.Start(ctx, "transport.Request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("messaging.destination", subj),
			attribute.String("request_id", env.Meta.RequestID),
		),
	)
	defer span.End()

	reply, err := m.request(ctx, subj, env, timeout)

	outcome := outcomeOf(err)
	m.metrics.ObserveRPC(subj, outcome, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		m.logger.Debug("request failed", "subject", subj, "request_id", env.Meta.RequestID, "err", err)
	}
	return reply, err
}

func (m *Mux) request(ctx context.Context, subj string, env envelope.Envelope, timeout time.Duration) (envelope.Envelope, error) {
	if env.Meta.RequestID == "" {
		return envelope.Envelope{}, envelope.ErrMissingRequestID
	}
	if err := subject.Validate(subj); err != nil {
		return envelope.Envelope{}, err
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return envelope.Envelope{}, err
	}

	token := strings.ReplaceAll(uuid.New().String(), "-", "")
	call := &pendingCall{subject: subj, requestID: env.Meta.RequestID, ch: make(chan result, 1)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return envelope.Envelope{}, domain.ErrClosed
	}
	m.pending[token] = call
	m.mu.Unlock()
	defer m.forget(token)

	d, err := m.conn.Publish(ctx, &ports.Msg{Subject: subj, Reply: m.inbox + "." + token, Data: data})
	if err != nil {
		return envelope.Envelope{}, m.connErr(err)
	}
	// Observers on the subject do not answer requests.
	if d.Groups == 0 {
		return envelope.Envelope{}, fmt.Errorf("%w: %s", domain.ErrNoResponders, subj)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.ch:
		return res.env, res.err
	case <-timer.C:
		return envelope.Envelope{}, fmt.Errorf("%w after %s on %s", domain.ErrTimeout, timeout, subj)
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	case <-m.conn.Done():
		return envelope.Envelope{}, m.connErr(m.conn.Err())
	case <-m.ctx.Done():
		return envelope.Envelope{}, domain.ErrClosed
	}
}

// Pending reports the number of requests awaiting a reply.
func (m *Mux) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Mux) forget(token string) {
	m.mu.Lock()
	delete(m.pending, token)
	m.mu.Unlock()
}

func (m *Mux) onReply(msg *ports.Msg) {
	token := strings.TrimPrefix(msg.Subject, m.inbox+".")

	m.mu.Lock()
	call, ok := m.pending[token]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("discarding reply for unknown or abandoned request", "subject", msg.Subject)
		return
	}

	env, err := envelope.Decode(msg.Data)
	if err == nil && env.Meta.RequestID != call.requestID {
		m.logger.Warn("discarding reply with mismatched request id",
			"request_id", call.requestID, "reply_request_id", env.Meta.RequestID)
		return
	}
	if err == nil {
		err = remoteErr(call.subject, env)
	}

	m.mu.Lock()
	_, still := m.pending[token]
	delete(m.pending, token)
	m.mu.Unlock()
	if !still {
		return
	}

	select {
	case call.ch <- result{env: env, err: err}:
	default:
	}
}

func remoteErr(subj string, env envelope.Envelope) error {
	var body struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil || body.Error == nil || *body.Error == "" {
		return nil
	}
	return &RemoteError{Subject: subj, RequestID: env.Meta.RequestID, Message: *body.Error}
}

// Publish sends data on subj without waiting for anyone.
// Having no subscribers is not an error.
func (m *Mux) Publish(ctx context.Context, subj string, data []byte) error {
	if m.isClosed() {
		return domain.ErrClosed
	}
	if _, err := m.conn.Publish(ctx, &ports.Msg{Subject: subj, Data: data}); err != nil {
		return m.connErr(err)
	}
	return nil
}

// PublishJSON marshals v and publishes it on subj.
func (m *Mux) PublishJSON(ctx context.Context, subj string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return m.Publish(ctx, subj, data)
}

// Subscribe registers handler for every message matching pattern.
// Each subscription receives its own copy of a message.
func (m *Mux) Subscribe(pattern string, handler ports.MsgHandler) (ports.Subscription, error) {
	if m.isClosed() {
		return nil, domain.ErrClosed
	}
	sub, err := m.conn.Subscribe(pattern, handler)
	if err != nil {
		return nil, m.connErr(err)
	}
	return m.track(sub), nil
}

// Handle serves requests on subj as a member of queue group queue.
// Within one group exactly one member receives each request.
func (m *Mux) Handle(subj, queue string, h HandlerFunc) (ports.Subscription, error) {
	if m.isClosed() {
		return nil, domain.ErrClosed
	}
	sub, err := m.conn.QueueSubscribe(subj, queue, func(msg *ports.Msg) {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.handlers.Add(1)
		m.mu.Unlock()
		go func() {
			defer m.handlers.Done()
			m.serve(subj, h, msg)
		}()
	})
	if err != nil {
		return nil, m.connErr(err)
	}
	m.logger.Debug("handler registered", "subject", subj, "queue", queue)
	return m.track(sub), nil
}

func (m *Mux) serve(subj string, h HandlerFunc, msg *ports.Msg) {
	req, err := envelope.Decode(msg.Data)
	if err != nil {
		m.logger.Warn("dropping malformed request", "subject", subj, "err", err)
		return
	}
	if msg.Reply == "" {
		m.logger.Debug("request without reply subject", "subject", subj, "request_id", req.Meta.RequestID)
	}

	ctx, span := m.tracer.Start(m.ctx, "transport.Handle",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("messaging.destination", subj),
			attribute.String("request_id", req.Meta.RequestID),
		),
	)
	defer span.End()

	payload, herr := h(ctx, req)
	if herr != nil {
		span.RecordError(herr)
		span.SetStatus(codes.Error, "handler failed")
		payload = errorPayload{Error: herr.Error()}
	}
	if msg.Reply == "" {
		return
	}

	reply, err := envelope.Reply(req, payload)
	if err != nil {
		reply, err = envelope.Reply(req, errorPayload{Error: err.Error()})
		if err != nil {
			m.logger.Error("failed to build reply", "subject", subj, "request_id", req.Meta.RequestID, "err", err)
			return
		}
	}
	data, err := envelope.Marshal(reply)
	if err != nil {
		m.logger.Error("failed to marshal reply", "subject", subj, "request_id", req.Meta.RequestID, "err", err)
		return
	}
	if _, err := m.conn.Publish(ctx, &ports.Msg{Subject: msg.Reply, Data: data}); err != nil {
		m.logger.Warn("failed to send reply", "subject", subj, "request_id", req.Meta.RequestID, "err", err)
	}
}

// Close unsubscribes everything registered through the Mux, fails pending requests
// with domain.ErrClosed and waits for running handlers. The connection stays open.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*muxSubscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	m.cancel()
	var errs []error
	for _, s := range subs {
		errs = append(errs, s.Unsubscribe())
	}
	errs = append(errs, m.inboxSub.Unsubscribe())
	m.handlers.Wait()
	return errors.Join(errs...)
}

func (m *Mux) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mux) connErr(err error) error {
	if err == nil {
		return domain.ErrConnectionLost
	}
	if errors.Is(err, domain.ErrConnectionLost) || errors.Is(err, domain.ErrInvalidSubject) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, domain.ErrClosed) {
		return fmt.Errorf("%w: %w", domain.ErrConnectionLost, err)
	}
	if m.conn.Err() != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnectionLost, err)
	}
	return err
}

func (m *Mux) track(sub ports.Subscription) ports.Subscription {
	s := &muxSubscription{Subscription: sub, mux: m}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()
	return s
}

type muxSubscription struct {
	ports.Subscription
	mux *Mux
}

func (s *muxSubscription) Unsubscribe() error {
	s.mux.mu.Lock()
	delete(s.mux.subs, s)
	s.mux.mu.Unlock()
	return s.Subscription.Unsubscribe()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, domain.ErrTimeout):
		return observability.OutcomeTimeout
	case errors.Is(err, domain.ErrNoResponders):
		return observability.OutcomeNoResponders
	case errors.Is(err, domain.ErrConnectionLost):
		return observability.OutcomeConnLost
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return observability.OutcomeCanceled
	default:
		return observability.OutcomeError
	}
}
