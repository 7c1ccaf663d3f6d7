package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/trailhead/internal/logging"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/envelope"
	"github.com/aretw0/trailhead/pkg/ports"
	"github.com/aretw0/trailhead/pkg/subject"
	"github.com/aretw0/trailhead/pkg/transport"
)

// DefaultPhaseDelay is the pause between two phases unless WithPhaseDelay says otherwise.
const DefaultPhaseDelay = 200 * time.Millisecond

// Phases are published in this order, each with its progress fraction.
var Phases = []struct {
	Name     string
	Progress float64
}{
	{"outline", 0.25},
	{"branches", 0.5},
	{"content", 0.75},
	{"assembly", 0.9},
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger configures a logger for the Worker.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithQueue sets the queue group the worker joins.
func WithQueue(queue string) Option {
	return func(w *Worker) {
		if queue != "" {
			w.queue = queue
		}
	}
}

// WithName labels the events this worker publishes.
func WithName(name string) Option {
	return func(w *Worker) {
		w.name = name
	}
}

// WithPhaseDelay sets the pause between two phases.
func WithPhaseDelay(d time.Duration) Option {
	return func(w *Worker) {
		w.delay = d
	}
}

// WithStaleSteps publishes steps without choice targets.
func WithStaleSteps() Option {
	return func(w *Worker) {
		w.stale = true
	}
}

// WithPrefixes overrides the event and trail subject prefixes.
func WithPrefixes(events, trails string) Option {
	return func(w *Worker) {
		if events != "" {
			w.eventsPrefix = events
		}
		if trails != "" {
			w.trailsPrefix = trails
		}
	}
}

// WithSubjects overrides the submit, replay and trail endpoints. Empty values keep the default.
func WithSubjects(submit, replay, trail string) Option {
	return func(w *Worker) {
		if submit != "" {
			w.submitSubject = submit
		}
		if replay != "" {
			w.replaySubject = replay
		}
		if trail != "" {
			w.trailSubject = trail
		}
	}
}

// Worker is a reference generation backend. It acknowledges submissions, publishes
// phase progress for each job and finishes with a step sequence.
type Worker struct {
	mux          *transport.Mux
	queue        string
	name         string
	delay        time.Duration
	stale        bool
	eventsPrefix string
	trailsPrefix string
	logger       *slog.Logger

	submitSubject string
	replaySubject string
	trailSubject  string

	mu      sync.Mutex
	params  map[string]domain.GenerationParams
	results map[string]domain.TrailResult
	subs    []ports.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	jobs   sync.WaitGroup
}

// New creates a Worker that serves through mux.
func New(mux *transport.Mux, opts ...Option) *Worker {
	w := &Worker{
		mux:          mux,
		queue:        domain.DefaultQueueGroup,
		name:         "simulator",
		delay:        DefaultPhaseDelay,
		eventsPrefix: domain.DefaultEventsPrefix,
		trailsPrefix: domain.DefaultTrailsPrefix,
		logger:       logging.NewNop(),

		submitSubject: domain.DefaultSubmitSubject,
		replaySubject: domain.DefaultReplaySubject,
		trailSubject:  domain.DefaultTrailSubject,

		params:       make(map[string]domain.GenerationParams),
		results:      make(map[string]domain.TrailResult),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w
}

// Start registers the worker's endpoints.
func (w *Worker) Start() error {
	handlers := []struct {
		subject string
		fn      transport.HandlerFunc
	}{
		{w.submitSubject, w.handleSubmit},
		{w.replaySubject, w.handleReplay},
		{w.trailSubject, w.handleTrail},
		{domain.DefaultEchoSubject, w.handleEcho},
	}
	for _, h := range handlers {
		sub, err := w.mux.Handle(h.subject, w.queue, h.fn)
		if err != nil {
			_ = w.Stop()
			return fmt.Errorf("failed to serve %s: %w", h.subject, err)
		}
		w.mu.Lock()
		w.subs = append(w.subs, sub)
		w.mu.Unlock()
	}
	w.logger.Info("simulator started", "queue", w.queue, "worker", w.name)
	return nil
}

// Stop leaves the queue group and waits for running jobs to end.
func (w *Worker) Stop() error {
	w.cancel()
	w.mu.Lock()
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()

	var errs []error
	for _, s := range subs {
		errs = append(errs, s.Unsubscribe())
	}
	w.jobs.Wait()
	return errors.Join(errs...)
}

// Wait blocks until every running job has published its result.
func (w *Worker) Wait() {
	w.jobs.Wait()
}

func (w *Worker) handleSubmit(ctx context.Context, req envelope.Envelope) (any, error) {
	p, err := envelope.DecodePayload[domain.GenerationParams](req)
	if err != nil {
		return nil, err
	}
	if err := subject.ValidateToken(p.TenantID); err != nil {
		return domain.SubmitAck{RequestID: req.Meta.RequestID, Message: "tenant_id: " + err.Error()}, nil
	}
	w.launch(req.Meta.RequestID, p)
	return domain.SubmitAck{RequestID: req.Meta.RequestID, Accepted: true}, nil
}

func (w *Worker) handleReplay(ctx context.Context, req envelope.Envelope) (any, error) {
	r, err := envelope.DecodePayload[domain.ReplayRequest](req)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	p, ok := w.params[r.OriginalRequestID]
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown request %s", r.OriginalRequestID)
	}
	w.launch(req.Meta.RequestID, p)
	return domain.SubmitAck{RequestID: req.Meta.RequestID, Accepted: true}, nil
}

func (w *Worker) handleTrail(ctx context.Context, req envelope.Envelope) (any, error) {
	var q struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(req.Payload, &q); err != nil {
		return nil, err
	}
	if q.RequestID == "" {
		q.RequestID = req.Meta.RequestID
	}
	w.mu.Lock()
	res, ok := w.results[q.RequestID]
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no trail for request %s", q.RequestID)
	}
	return res, nil
}

func (w *Worker) handleEcho(ctx context.Context, req envelope.Envelope) (any, error) {
	return req.Payload, nil
}

func (w *Worker) launch(id string, p domain.GenerationParams) {
	w.mu.Lock()
	w.params[id] = p
	w.mu.Unlock()

	w.jobs.Add(1)
	go func() {
		defer w.jobs.Done()
		w.run(id, p)
	}()
}

func (w *Worker) run(id string, p domain.GenerationParams) {
	logger := w.logger.With("request_id", id, "tenant_id", p.TenantID)
	started := time.Now().UTC()
	evt := func(t domain.EventType, status domain.RequestStatus, phase string, progress float64) domain.GenerationEvent {
		return domain.GenerationEvent{
			Type:      t,
			TenantID:  p.TenantID,
			RequestID: id,
			Timestamp: time.Now().UTC(),
			Phase:     phase,
			Status:    status,
			Progress:  progress,
			Component: w.name,
		}
	}

	w.emit(evt(domain.EventGenerationStarted, domain.StatusInProgress, "", 0))
	trace := make([]domain.TraceEntry, 0, len(Phases))
	for _, phase := range Phases {
		select {
		case <-w.ctx.Done():
			e := evt(domain.EventGenerationFailed, domain.StatusFailed, phase.Name, 0)
			e.Error = "worker stopped"
			w.emit(e)
			logger.Warn("job aborted", "phase", phase.Name)
			return
		case <-time.After(w.delay):
		}
		w.emit(evt(domain.EventGenerationProgress, domain.StatusInProgress, phase.Name, phase.Progress))
		trace = append(trace, domain.TraceEntry{
			Phase:     phase.Name,
			Status:    string(domain.StatusCompleted),
			Progress:  phase.Progress,
			Timestamp: time.Now().UTC(),
			Component: w.name,
		})
	}

	steps := Steps(p)
	if w.stale {
		steps = Stale(steps)
	}
	res := domain.TrailResult{
		RequestID:      id,
		TenantID:       p.TenantID,
		StartNodeID:    domain.DefaultStartNodeID,
		Steps:          steps,
		ExecutionTrace: trace,
		Metadata: domain.GenerationMetadata{
			RequestID:   id,
			TenantID:    p.TenantID,
			Title:       p.Title,
			Description: p.Description,
			Theme:       p.Theme,
			AgeGroup:    p.AgeGroup,
			Language:    p.Language,
			Tags:        p.Tags,
			GeneratedAt: started,
			Model:       w.name,
		},
	}
	w.mu.Lock()
	w.results[id] = res
	w.mu.Unlock()

	if err := w.mux.PublishJSON(w.ctx, subject.Trails(w.trailsPrefix, p.TenantID, id), res); err != nil {
		logger.Error("failed to publish trail", "err", err)
	}
	w.emit(evt(domain.EventGenerationCompleted, domain.StatusCompleted, "assembly", 1))
	logger.Info("job finished", "steps", len(steps))
}

func (w *Worker) emit(evt domain.GenerationEvent) {
	subj := subject.Events(w.eventsPrefix, evt.TenantID, evt.RequestID)
	if err := w.mux.PublishJSON(context.Background(), subj, evt); err != nil {
		w.logger.Warn("failed to publish event", "subject", subj, "status", evt.Status, "err", err)
	}
}
