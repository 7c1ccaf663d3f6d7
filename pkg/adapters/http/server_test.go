package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/trailhead"
	"github.com/aretw0/trailhead/internal/simulator"
	"github.com/aretw0/trailhead/pkg/adapters/memory"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/envelope"
	"github.com/aretw0/trailhead/pkg/observability"
	"github.com/aretw0/trailhead/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	broker *memory.Broker
	client *trailhead.Client
	server *httptest.Server
}

func newFixture(t *testing.T, withBackend bool, opts ...Option) *fixture {
	t.Helper()
	broker := memory.NewBroker()
	if withBackend {
		mux, err := transport.FromExisting(broker.Connect())
		require.NoError(t, err)
		w := simulator.New(mux, simulator.WithPhaseDelay(time.Millisecond))
		require.NoError(t, w.Start())
		t.Cleanup(func() {
			_ = w.Stop()
			_ = mux.Close()
		})
	}

	reg := prometheus.NewRegistry()
	c, err := trailhead.New(broker.Connect(),
		trailhead.WithTimeout(time.Second),
		trailhead.WithMetrics(observability.NewMetrics(reg)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	srv := httptest.NewServer(NewHandler(c, append([]Option{WithGatherer(reg)}, opts...)...))
	t.Cleanup(srv.Close)
	return &fixture{broker: broker, client: c, server: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.server.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) submit(t *testing.T, tenant string) string {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/requests", map[string]any{"tenant_id": tenant, "title": "Forest", "node_count": 5})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	out := decodeBody[SubmitResponse](t, resp)
	require.NotEmpty(t, out.RequestID)
	return out.RequestID
}

func (f *fixture) waitTrail(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := f.client.Trail(context.Background(), id)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServer_SubmitAndQuery(t *testing.T) {
	f := newFixture(t, true)
	id := f.submit(t, "acme")
	f.waitTrail(t, id)

	resp := f.do(t, http.MethodGet, "/requests/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entry := decodeBody[domain.TrackedRequest](t, resp)
	assert.Equal(t, id, entry.RequestID)
	assert.Equal(t, "acme", entry.TenantID)

	resp = f.do(t, http.MethodGet, "/requests", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]domain.TrackedRequest](t, resp), 1)

	resp = f.do(t, http.MethodGet, "/trails", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := decodeBody[[]domain.TrailListItem](t, resp)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)

	resp = f.do(t, http.MethodGet, "/trails/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	artifact := decodeBody[domain.TrailArtifact](t, resp)
	assert.Equal(t, domain.TrailStatusComplete, artifact.Status)
	assert.Len(t, artifact.Trail.Nodes, 5)

	resp = f.do(t, http.MethodGet, "/trails/"+id+"/mermaid", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	text, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(text), "graph TD"))
}

func TestServer_ErrorMapping(t *testing.T) {
	f := newFixture(t, false)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
	}{
		{"invalid params", http.MethodPost, "/requests", map[string]any{"title": "no tenant"}, http.StatusBadRequest},
		{"no backend", http.MethodPost, "/requests", map[string]any{"tenant_id": "acme", "title": "x", "node_count": 5}, http.StatusServiceUnavailable},
		{"unknown request", http.MethodGet, "/requests/missing", nil, http.StatusNotFound},
		{"unknown trail", http.MethodGet, "/trails/missing", nil, http.StatusNotFound},
		{"unknown mermaid", http.MethodGet, "/trails/missing/mermaid", nil, http.StatusNotFound},
		{"events without tenant", http.MethodGet, "/events", nil, http.StatusBadRequest},
		{"wildcard tenant", http.MethodPut, "/tenants/*/subscription", nil, http.StatusBadRequest},
		{"dotted tenant", http.MethodPost, "/requests", map[string]any{"tenant_id": "acme.eu", "title": "x"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.NotEmpty(t, decodeBody[errorResponse](t, resp).Error)
		})
	}
}

func TestServer_Rejected(t *testing.T) {
	f := newFixture(t, false)
	mux, err := transport.FromExisting(f.broker.Connect())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mux.Close() })
	_, err = mux.Handle(domain.DefaultSubmitSubject, domain.DefaultQueueGroup, func(ctx context.Context, req envelope.Envelope) (any, error) {
		return domain.SubmitAck{RequestID: req.Meta.RequestID, Message: "quota exceeded"}, nil
	})
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/requests", map[string]any{"tenant_id": "acme", "title": "x", "node_count": 5})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, decodeBody[errorResponse](t, resp).Error, "quota exceeded")
}

func TestServer_TenantSubscription(t *testing.T) {
	f := newFixture(t, false)

	resp := f.do(t, http.MethodPut, "/tenants/acme/subscription", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeBody[domain.ConnectionStatus](t, resp)
	assert.True(t, status.Connected)
	assert.True(t, status.Subscribed)
	assert.Equal(t, "acme", status.TenantID)

	resp = f.do(t, http.MethodDelete, "/tenants/acme/subscription", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/status", nil)
	status = decodeBody[domain.ConnectionStatus](t, resp)
	assert.False(t, status.Subscribed)
	assert.Empty(t, status.TenantID)
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t, false, WithTracing("trailhead-test"))

	resp := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, trailhead.Version, body["version"])
}

func TestServer_Reconstruct(t *testing.T) {
	f := newFixture(t, false)
	steps := simulator.Stale(simulator.Steps(domain.GenerationParams{NodeCount: 4}))

	resp := f.do(t, http.MethodPost, "/reconstruct", ReconstructRequest{Steps: steps})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	strict := decodeBody[map[string]any](t, resp)
	assert.Equal(t, string(domain.TrailStatusPartial), strict["status"])
	assert.NotEmpty(t, strict["issues"])

	resp = f.do(t, http.MethodPost, "/reconstruct", ReconstructRequest{Steps: steps, Sequential: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	seq := decodeBody[map[string]any](t, resp)
	assert.Equal(t, string(domain.TrailStatusDegraded), seq["status"])
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, true)
	f.submit(t, "acme")

	resp := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	text, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), "trailhead_rpc_requests_total")
}

func TestServer_SubscribeEvents(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.client.Subscribe("acme"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/events?tenant_id=acme", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, "event: ping", lines.Text())

	id := f.submit(t, "acme")

	kinds := map[string]bool{}
	for !(kinds["trail"] && kinds["status"] && kinds["event"]) && lines.Scan() {
		line := lines.Text()
		if kind, ok := strings.CutPrefix(line, "event: "); ok {
			kinds[kind] = true
			continue
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok && data != "connected" {
			assert.Contains(t, data, id)
		}
	}
	assert.True(t, kinds["event"])
	assert.True(t, kinds["status"])
	assert.True(t, kinds["trail"])
}
