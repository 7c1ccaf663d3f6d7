package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aretw0/trailhead"
	"github.com/aretw0/trailhead/internal/logging"
	"github.com/aretw0/trailhead/internal/presentation/graph"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/subscription"
	"github.com/aretw0/trailhead/pkg/trail"
	"github.com/aretw0/trailhead/pkg/transport"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Service is the part of the client the HTTP API exposes.
// *trailhead.Client satisfies it.
type Service interface {
	Submit(ctx context.Context, params map[string]any) (string, error)
	Replay(ctx context.Context, requestID string) (string, error)
	ActiveRequests() []domain.TrackedRequest
	Status(requestID string) (domain.TrackedRequest, error)
	Subscribe(tenant string) error
	Unsubscribe(tenant string) error
	ConnectionStatus() domain.ConnectionStatus
	Trail(ctx context.Context, id string) (*domain.TrailArtifact, error)
	Trails(ctx context.Context) ([]domain.TrailListItem, error)
	FetchTrail(ctx context.Context, requestID string) (*domain.TrailArtifact, error)
	Reconstruct(ctx context.Context, steps []domain.Step, startNodeID string) trail.Result
	ReconstructSequential(ctx context.Context, steps []domain.Step, startNodeID string) trail.Result
	Streams() *subscription.Streams
}

var _ Service = (*trailhead.Client)(nil)

// Option configures the handler.
type Option func(*Server)

// WithLogger configures a logger for the handler.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer serves the collectors of g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithTracing wraps the router in OpenTelemetry instrumentation.
func WithTracing(operation string) Option {
	return func(s *Server) {
		s.operation = operation
	}
}

// Server serves the client over HTTP.
type Server struct {
	Service   Service
	logger    *slog.Logger
	gatherer  prometheus.Gatherer
	operation string
}

// SubmitResponse is returned by the submit and replay endpoints.
type SubmitResponse struct {
	RequestID string `json:"request_id"`
}

// ReconstructRequest is the body of POST /reconstruct.
type ReconstructRequest struct {
	Steps       []domain.Step `json:"steps"`
	StartNodeID string        `json:"start_node_id,omitempty"`
	Sequential  bool          `json:"sequential,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler creates the HTTP handler for svc.
func NewHandler(svc Service, opts ...Option) http.Handler {
	s := &Server{
		Service: svc,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.GetHealth)
	r.Get("/status", s.GetStatus)
	r.Get("/events", s.SubscribeEvents)

	r.Route("/requests", func(r chi.Router) {
		r.Post("/", s.Submit)
		r.Get("/", s.ListRequests)
		r.Get("/{id}", s.GetRequest)
		r.Post("/{id}/replay", s.Replay)
	})
	r.Route("/tenants/{tenant}/subscription", func(r chi.Router) {
		r.Put("/", s.SubscribeTenant)
		r.Delete("/", s.UnsubscribeTenant)
	})
	r.Route("/trails", func(r chi.Router) {
		r.Get("/", s.ListTrails)
		r.Get("/{id}", s.GetTrail)
		r.Post("/{id}/fetch", s.FetchTrail)
		r.Get("/{id}/mermaid", s.GetMermaid)
	})
	r.Post("/reconstruct", s.Reconstruct)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	var h http.Handler = r
	if s.operation != "" {
		h = otelhttp.NewHandler(h, s.operation)
	}
	return enableCORS(h)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Submit handles POST /requests. The body is the flat parameter object.
func (s *Server) Submit(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid request body: %w", trailhead.ErrInvalidParams, err))
		return
	}
	id, err := s.Service.Submit(r.Context(), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, SubmitResponse{RequestID: id})
}

// Replay handles POST /requests/{id}/replay.
func (s *Server) Replay(w http.ResponseWriter, r *http.Request) {
	id, err := s.Service.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, SubmitResponse{RequestID: id})
}

// ListRequests handles GET /requests.
func (s *Server) ListRequests(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Service.ActiveRequests())
}

// GetRequest handles GET /requests/{id}.
func (s *Server) GetRequest(w http.ResponseWriter, r *http.Request) {
	entry, err := s.Service.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

// SubscribeTenant handles PUT /tenants/{tenant}/subscription.
func (s *Server) SubscribeTenant(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.Subscribe(chi.URLParam(r, "tenant")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.Service.ConnectionStatus())
}

// UnsubscribeTenant handles DELETE /tenants/{tenant}/subscription.
func (s *Server) UnsubscribeTenant(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.Unsubscribe(chi.URLParam(r, "tenant")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetStatus handles GET /status.
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Service.ConnectionStatus())
}

// GetHealth handles GET /health. A lost connection reports 503.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	code, status := http.StatusOK, "ok"
	if !s.Service.ConnectionStatus().Connected {
		code, status = http.StatusServiceUnavailable, "disconnected"
	}
	s.writeJSON(w, code, map[string]string{"status": status, "version": trailhead.Version})
}

// ListTrails handles GET /trails.
func (s *Server) ListTrails(w http.ResponseWriter, r *http.Request) {
	items, err := s.Service.Trails(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, items)
}

// GetTrail handles GET /trails/{id}.
func (s *Server) GetTrail(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.Service.Trail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, artifact)
}

// FetchTrail handles POST /trails/{id}/fetch by asking the backend for the result.
func (s *Server) FetchTrail(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.Service.FetchTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, artifact)
}

// GetMermaid handles GET /trails/{id}/mermaid.
func (s *Server) GetMermaid(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.Service.Trail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var issues []trail.Issue
	if artifact.Status != domain.TrailStatusDegraded {
		issues = s.Service.Reconstruct(r.Context(), artifact.TrailSteps, artifact.Trail.StartNodeID).Issues
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(graph.GenerateMermaid(artifact.Trail, issues)))
}

// Reconstruct handles POST /reconstruct. Nothing is stored.
func (s *Server) Reconstruct(w http.ResponseWriter, r *http.Request) {
	var body ReconstructRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid request body: %w", trailhead.ErrInvalidParams, err))
		return
	}
	build := s.Service.Reconstruct
	if body.Sequential {
		build = s.Service.ReconstructSequential
	}
	res := build(r.Context(), body.Steps, body.StartNodeID)
	s.writeJSON(w, http.StatusOK, struct {
		trail.Result
		Status domain.TrailStatus `json:"status"`
	}{res, res.Status()})
}

// SubscribeEvents handles GET /events?tenant_id=... as a Server-Sent Events stream.
// The tenant must be subscribed separately for events to flow.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant_id")
	if tenant == "" {
		s.writeError(w, fmt.Errorf("%w: tenant_id is required", trailhead.ErrInvalidParams))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates, cancel := s.Service.Streams().Subscribe(tenant)
	defer cancel()

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()
	s.logger.Debug("sse client connected", "tenant_id", tenant)

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("sse client disconnected", "tenant_id", tenant)
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", u.Kind, u.Data)
			flusher.Flush()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", code, "err", err)
	} else {
		s.logger.Debug("request rejected", "status", code, "err", err)
	}
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func statusOf(err error) int {
	var remote *transport.RemoteError
	switch {
	case errors.Is(err, trailhead.ErrInvalidParams), errors.Is(err, domain.ErrInvalidSubject):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTrailNotFound):
		return http.StatusNotFound
	case errors.Is(err, trailhead.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNoResponders):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrConnectionLost), errors.As(err, &remote):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
