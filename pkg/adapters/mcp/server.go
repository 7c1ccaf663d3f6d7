package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aretw0/trailhead"
	"github.com/aretw0/trailhead/internal/logging"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/trail"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const trailsURI = "trailhead://trails"

// Service is the part of the client exposed as MCP tools.
// *trailhead.Client satisfies it.
type Service interface {
	Submit(ctx context.Context, params map[string]any) (string, error)
	Status(requestID string) (domain.TrackedRequest, error)
	ActiveRequests() []domain.TrackedRequest
	Subscribe(tenant string) error
	Trail(ctx context.Context, id string) (*domain.TrailArtifact, error)
	Trails(ctx context.Context) ([]domain.TrailListItem, error)
	Reconstruct(ctx context.Context, steps []domain.Step, startNodeID string) trail.Result
	ReconstructSequential(ctx context.Context, steps []domain.Step, startNodeID string) trail.Result
}

var _ Service = (*trailhead.Client)(nil)

// SubmitResponse is returned by submit_request.
type SubmitResponse struct {
	RequestID string `json:"request_id" jsonschema_description:"Identifier used to follow the request"`
}

// RequestsResponse is returned by list_active_requests.
type RequestsResponse struct {
	Requests []domain.TrackedRequest `json:"requests" jsonschema_description:"Tracked requests, oldest first"`
}

// ReconstructResponse is returned by reconstruct_trail.
type ReconstructResponse struct {
	Trail  domain.Trail       `json:"trail" jsonschema_description:"The reconstructed graph"`
	Status domain.TrailStatus `json:"status" jsonschema_description:"complete, partial or degraded"`
	Issues []string           `json:"issues" jsonschema_description:"Findings about the input steps"`
}

// Server exposes a trailhead client as an MCP server.
type Server struct {
	svc       Service
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP Server instance.
func NewServer(svc Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		svc:       svc,
		logger:    logger,
		mcpServer: server.NewMCPServer("trailhead-mcp", trailhead.Version),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves MCP over SSE on port until ctx is cancelled.
func (s *Server) ServeSSE(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	baseURL := fmt.Sprintf("http://localhost:%d", port)

	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Info("shutting down MCP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("submit_request",
		mcp.WithDescription("Submit a generation request. Returns the request id to follow."),
		mcp.WithString("params", mcp.Required(), mcp.Description("JSON object of generation parameters; tenant_id is required")),
		mcp.WithOutputSchema[SubmitResponse](),
	), mcp.NewStructuredToolHandler(s.handleSubmit))

	s.mcpServer.AddTool(mcp.NewTool("get_request_status",
		mcp.WithDescription("Get the tracked status of a request."),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("Request id returned by submit_request")),
		mcp.WithOutputSchema[domain.TrackedRequest](),
	), mcp.NewStructuredToolHandler(s.handleStatus))

	s.mcpServer.AddTool(mcp.NewTool("list_active_requests",
		mcp.WithDescription("List every request tracked by this process."),
		mcp.WithOutputSchema[RequestsResponse](),
	), mcp.NewStructuredToolHandler(s.handleList))

	s.mcpServer.AddTool(mcp.NewTool("subscribe_tenant",
		mcp.WithDescription("Follow every event and trail of a tenant."),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant to follow")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, _ := request.GetArguments()["tenant_id"].(string)
		if err := s.svc.Subscribe(tenant); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("subscribe failed: %v", err)), nil
		}
		return mcp.NewToolResultText("subscribed to " + tenant), nil
	})

	s.mcpServer.AddTool(mcp.NewTool("get_trail",
		mcp.WithDescription("Get a stored trail artifact."),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("Request id of the trail")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, _ := request.GetArguments()["request_id"].(string)
		artifact, err := s.svc.Trail(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("trail lookup failed: %v", err)), nil
		}
		jsonBytes, _ := json.Marshal(artifact)
		return mcp.NewToolResultText(string(jsonBytes)), nil
	})

	s.mcpServer.AddTool(mcp.NewTool("reconstruct_trail",
		mcp.WithDescription("Rebuild a trail graph from a step sequence without storing it."),
		mcp.WithString("steps", mcp.Required(), mcp.Description("JSON array of steps")),
		mcp.WithString("start_node_id", mcp.Description("Start node id (defaults to \"start\")")),
		mcp.WithBoolean("sequential", mcp.Description("Link unresolved choices to the following step")),
		mcp.WithOutputSchema[ReconstructResponse](),
	), mcp.NewStructuredToolHandler(s.handleReconstruct))
}

func (s *Server) handleSubmit(ctx context.Context, request mcp.CallToolRequest, args map[string]any) (SubmitResponse, error) {
	raw, _ := args["params"].(string)
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return SubmitResponse{}, fmt.Errorf("%w: params must be a JSON object: %w", trailhead.ErrInvalidParams, err)
	}
	id, err := s.svc.Submit(ctx, params)
	if err != nil {
		s.logger.Warn("MCP submit failed", "err", err)
		return SubmitResponse{}, fmt.Errorf("submit failed: %w", err)
	}
	return SubmitResponse{RequestID: id}, nil
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest, args map[string]any) (domain.TrackedRequest, error) {
	id, _ := args["request_id"].(string)
	return s.svc.Status(id)
}

func (s *Server) handleList(ctx context.Context, request mcp.CallToolRequest, args map[string]any) (RequestsResponse, error) {
	return RequestsResponse{Requests: s.svc.ActiveRequests()}, nil
}

func (s *Server) handleReconstruct(ctx context.Context, request mcp.CallToolRequest, args map[string]any) (ReconstructResponse, error) {
	raw, _ := args["steps"].(string)
	var steps []domain.Step
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return ReconstructResponse{}, fmt.Errorf("%w: steps must be a JSON array: %w", trailhead.ErrInvalidParams, err)
	}
	start, _ := args["start_node_id"].(string)

	build := s.svc.Reconstruct
	if sequential, _ := args["sequential"].(bool); sequential {
		build = s.svc.ReconstructSequential
	}
	res := build(ctx, steps, start)
	return ReconstructResponse{
		Trail:  res.Trail,
		Status: res.Status(),
		Issues: res.Messages(),
	}, nil
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(trailsURI, "Stored trails",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		items, err := s.svc.Trails(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list trails: %w", err)
		}
		jsonBytes, _ := json.Marshal(items)

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      trailsURI,
				MIMEType: "application/json",
				Text:     string(jsonBytes),
			},
		}, nil
	})
}
