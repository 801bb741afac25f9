package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/R3E-Network/dws/internal/app"
	"github.com/R3E-Network/dws/internal/app/domain/discovery"
	"github.com/R3E-Network/dws/internal/app/domain/node"
	"github.com/R3E-Network/dws/internal/app/domain/stateful"
	"github.com/R3E-Network/dws/internal/app/domain/worker"
	"github.com/R3E-Network/dws/internal/app/services/sweeper"
	"github.com/R3E-Network/dws/internal/logging"
	"github.com/R3E-Network/dws/internal/middleware"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type errorResponse struct {
	Error struct {
		Code      string         `json:"code"`
		Message   string         `json:"message"`
		Details   map[string]any `json:"details"`
		Retryable bool           `json:"retryable"`
	} `json:"error"`
}

func newTestApp(t *testing.T) *app.Application {
	t.Helper()
	application, err := app.New(app.Stores{}, app.Options{
		Catalogue: []worker.Spec{
			{Type: "rand", Capability: "compute", Port: 8081},
			{Type: "store", Capability: "storage", Port: 8088},
		},
		Sweeper: sweeper.Options{Schedule: "@every 1h"},
	}, logging.Discard("app"))
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return application
}

func newTestHandler(t *testing.T, opts Options) (http.Handler, *app.Application) {
	t.Helper()
	application := newTestApp(t)
	return NewHandler(application, opts, logging.Discard("httpapi")), application
}

func do(t *testing.T, h http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func registerNode(t *testing.T, h http.Handler, id string, capabilities ...string) {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/v1/nodes", map[string]any{
		"id":           id,
		"address":      "10.1.0." + id,
		"hardware":     map[string]any{"cpu_cores": 4, "memory_mb": 4096, "storage_gb": 100},
		"capabilities": capabilities,
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, "dws", subject, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestNodeEndpoints(t *testing.T) {
	h, _ := newTestHandler(t, Options{})

	registerNode(t, h, "1", "db", "compute")

	rec := do(t, h, http.MethodGet, "/v1/nodes/1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	n := decode[node.Node](t, rec)
	assert.Equal(t, node.HealthHealthy, n.Health)

	rec = do(t, h, http.MethodPost, "/v1/nodes/1/heartbeat", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/v1/nodes/1/heartbeat", map[string]any{
		"metrics": map[string]any{"cpu_percent": 50, "memory_used_mb": 1024},
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	n = decode[node.Node](t, rec)
	require.NotNil(t, n.Metrics)
	assert.Equal(t, int64(1024), n.Metrics.MemoryUsedMB)

	rec = do(t, h, http.MethodGet, "/v1/nodes?capability=db", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]node.Node](t, rec), 1)

	rec = do(t, h, http.MethodGet, "/v1/nodes?capability=gpu", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]node.Node](t, rec))

	rec = do(t, h, http.MethodPost, "/v1/nodes/1/health", map[string]any{"healthy": true}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/nodes/1/health", map[string]any{"healthy": false, "reason": "disk"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	n = decode[node.Node](t, rec)
	assert.Equal(t, node.HealthUnhealthy, n.Health)
	assert.Equal(t, "disk", n.HealthReason)

	rec = do(t, h, http.MethodPost, "/v1/nodes/1/heartbeat", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPost, "/v1/nodes/1/health", map[string]any{"healthy": false, "unreachable": "dial tcp 10.1.0.1:9100: i/o timeout"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	n = decode[node.Node](t, rec)
	assert.Equal(t, node.HealthUnhealthy, n.Health)
	assert.Contains(t, n.HealthReason, "NODE_UNREACHABLE")
	assert.Contains(t, n.HealthReason, "i/o timeout")

	rec = do(t, h, http.MethodPost, "/v1/nodes/missing/health", map[string]any{"unreachable": "refused"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodDelete, "/v1/nodes/1", nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/nodes/1", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[errorResponse](t, rec).Error.Code)
}

func TestRegisterNodeRejectsUnknownFields(t *testing.T) {
	h, _ := newTestHandler(t, Options{})
	rec := do(t, h, http.MethodPost, "/v1/nodes", map[string]any{"address": "10.0.0.1", "bogus": true}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[errorResponse](t, rec).Error.Code)
}

func TestStatefulLifecycleAndLeaderQuery(t *testing.T) {
	h, _ := newTestHandler(t, Options{})
	registerNode(t, h, "1", "db")

	rec := do(t, h, http.MethodPost, "/v1/services/stateful", map[string]any{
		"name": "pg", "capability": "db", "replicas": 3, "port": 5432,
	}, "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[errorResponse](t, rec)
	assert.Equal(t, "INSUFFICIENT_CAPACITY", body.Error.Code)
	assert.True(t, body.Error.Retryable)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	registerNode(t, h, "2", "db")
	rec = do(t, h, http.MethodPost, "/v1/services/stateful", map[string]any{
		"name": "pg", "capability": "db", "replicas": 2, "port": 5432,
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	svc := decode[stateful.Service](t, rec)
	require.Len(t, svc.Members, 2)

	rec = do(t, h, http.MethodGet, "/v1/dns?name="+svc.FQDN+"&type=leader", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[discovery.Response](t, rec)
	assert.Equal(t, discovery.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answers, 1)
	leader, _ := svc.Leader()
	assert.Equal(t, leader.Address, resp.Answers[0].Address)

	rec = do(t, h, http.MethodGet, "/v1/dns/resolve?leader=true&name="+svc.FQDN, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, leader.Address, decode[discovery.Endpoint](t, rec).Address)

	rec = do(t, h, http.MethodPost, "/v1/services/stateful/"+svc.ID+"/scale", map[string]any{"replicas": 1}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[stateful.Service](t, rec).Members, 1)

	rec = do(t, h, http.MethodGet, "/v1/services/stateful", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]stateful.Service](t, rec), 1)

	rec = do(t, h, http.MethodDelete, "/v1/services/stateful/"+svc.ID, nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/dns?name="+svc.FQDN+"&type=A", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	body = decode[errorResponse](t, rec)
	assert.Equal(t, "NXDOMAIN", body.Error.Details["rcode"])
}

func TestDNSQueryRejectsUnknownType(t *testing.T) {
	h, _ := newTestHandler(t, Options{})
	rec := do(t, h, http.MethodGet, "/v1/dns?name=x.worker.dws.local&type=MX", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "SERVFAIL", decode[errorResponse](t, rec).Error.Details["rcode"])
}

func TestWorkerEndpointsResolveAliases(t *testing.T) {
	h, _ := newTestHandler(t, Options{})
	registerNode(t, h, "1", "compute")

	rec := do(t, h, http.MethodGet, "/v1/services/workers/catalogue", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]worker.Spec](t, rec), 2)

	rec = do(t, h, http.MethodPost, "/v1/services/workers", map[string]any{"type": "VRF", "name": "dice"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	svc := decode[worker.Service](t, rec)
	assert.Equal(t, worker.Type("rand"), svc.Type)
	assert.Equal(t, 8081, svc.Port)
	assert.Equal(t, 1, svc.Concurrency)

	rec = do(t, h, http.MethodGet, "/v1/services/workers?type=neorand", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]worker.Service](t, rec), 1)

	rec = do(t, h, http.MethodGet, "/v1/services/workers?type=store", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]worker.Service](t, rec))

	rec = do(t, h, http.MethodPost, "/v1/services/workers/"+svc.ID+"/scale", map[string]any{"concurrency": 4}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 4, decode[worker.Service](t, rec).Concurrency)

	rec = do(t, h, http.MethodGet, "/v1/dns?type=TXT&name="+svc.FQDN, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[discovery.Response](t, rec)
	require.Len(t, resp.Answers, 1)
	assert.Equal(t, "4", resp.Answers[0].Text["concurrency"])

	rec = do(t, h, http.MethodGet, "/v1/dns/resolve?name="+svc.FQDN, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 8081, decode[discovery.Endpoint](t, rec).Port)

	rec = do(t, h, http.MethodDelete, "/v1/services/workers/"+svc.ID, nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/services/workers", map[string]any{"type": "oracle", "name": "x"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExternalRecords(t *testing.T) {
	h, application := newTestHandler(t, Options{})

	rec := do(t, h, http.MethodPost, "/v1/dns/records", map[string]any{
		"name":      "api.example.com",
		"endpoints": []map[string]any{{"address": "192.0.2.1", "port": 443, "healthy": true}},
		"metadata":  map[string]string{"owner": "edge"},
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/v1/dns/api.example.com/health", map[string]any{
		"address": "192.0.2.1", "port": 443, "healthy": false,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[map[string]bool](t, rec)["changed"])

	rec = do(t, h, http.MethodGet, "/v1/dns/resolve?name=api.example.com", nil, "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "NO_HEALTHY_ENDPOINT", decode[errorResponse](t, rec).Error.Code)

	rec = do(t, h, http.MethodGet, "/v1/dns/records", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	records := decode[[]discovery.Record](t, rec)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].Endpoints)

	rec = do(t, h, http.MethodGet, "/v1/dns/records?all=true", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]discovery.Record](t, rec)[0].Endpoints, 1)

	_, err := application.Discovery.Register(context.Background(), "db.stateful.dws.local", discovery.TypeStateful, nil)
	require.NoError(t, err)
	rec = do(t, h, http.MethodDelete, "/v1/dns/records/db.stateful.dws.local", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, "/v1/dns/records/api.example.com", nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAuthAndRoles(t *testing.T) {
	h, _ := newTestHandler(t, Options{
		Auth: middleware.NewAuthMiddleware(testSecret, "dws", logging.Discard("auth"), []string{"/healthz", "/metrics"}),
	})

	rec := do(t, h, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/nodes", nil, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decode[errorResponse](t, rec).Error.Code)

	rec = do(t, h, http.MethodGet, "/v1/nodes", nil, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	reader := token(t, "viewer", middleware.RoleReader)
	rec = do(t, h, http.MethodGet, "/v1/nodes", nil, reader)
	assert.Equal(t, http.StatusOK, rec.Code)

	desc := map[string]any{"id": "n1", "address": "10.0.0.1", "capabilities": []string{"compute"}}
	rec = do(t, h, http.MethodPost, "/v1/nodes", desc, reader)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", decode[errorResponse](t, rec).Error.Code)

	agent := token(t, "node-agent", middleware.RoleAgent)
	rec = do(t, h, http.MethodPost, "/v1/nodes", desc, agent)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/v1/services/workers", map[string]any{"type": "rand", "name": "dice"}, agent)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin := token(t, "ops", middleware.RoleAdmin)
	rec = do(t, h, http.MethodPost, "/v1/services/workers", map[string]any{"type": "rand", "name": "dice"}, admin)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestAuditRecordsMutations(t *testing.T) {
	audit := NewAuditLog(10, nil)
	h, _ := newTestHandler(t, Options{
		Auth:  middleware.NewAuthMiddleware(testSecret, "dws", logging.Discard("auth"), nil),
		Audit: audit,
	})
	admin := token(t, "ops", middleware.RoleAdmin)

	registerBody := map[string]any{"id": "n1", "address": "10.0.0.1", "capabilities": []string{"compute"}}
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/v1/nodes", registerBody, admin).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/nodes", nil, admin).Code)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/v1/nodes/ghost", nil, admin).Code)

	rec := do(t, h, http.MethodGet, "/v1/audit", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]AuditEntry](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, "ops", entries[0].User)
	assert.Equal(t, http.StatusCreated, entries[0].Status)
	assert.Equal(t, http.MethodDelete, entries[1].Method)
	assert.Equal(t, http.StatusNotFound, entries[1].Status)

	rec = do(t, h, http.MethodGet, "/v1/audit?limit=1", nil, admin)
	assert.Len(t, decode[[]AuditEntry](t, rec), 1)

	rec = do(t, h, http.MethodGet, "/v1/audit", nil, token(t, "viewer", middleware.RoleReader))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRateLimitedRequestsGetEnvelope(t *testing.T) {
	h, _ := newTestHandler(t, Options{RateLimiter: middleware.NewRateLimiter(1, 1, logging.Discard("ratelimit"))})

	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/nodes", nil, "").Code)
	rec := do(t, h, http.MethodGet, "/v1/nodes", nil, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", decode[errorResponse](t, rec).Error.Code)

	// Health checks sit outside the limited subtree.
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", nil, "").Code)
}

func TestRoutingErrors(t *testing.T) {
	h, _ := newTestHandler(t, Options{})

	rec := do(t, h, http.MethodPut, "/v1/nodes", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))
}

func TestManualSweep(t *testing.T) {
	h, _ := newTestHandler(t, Options{})
	rec := do(t, h, http.MethodPost, "/v1/sweep", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "nodes")
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, Options{})
	do(t, h, http.MethodGet, "/v1/nodes", nil, "")
	rec := do(t, h, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dws_")
}

func TestWatchStreamsEvents(t *testing.T) {
	h, application := newTestHandler(t, Options{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/dns/watch"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	_, err = application.Discovery.Register(context.Background(), "api.example.com", discovery.TypeExternal, map[string]string{"a": "b"})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var evt discovery.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, discovery.EventRegistered, evt.Kind)
	assert.Equal(t, "api.example.com", evt.Name)
	require.NotNil(t, evt.Record)
	assert.Equal(t, "b", evt.Record.Metadata["a"])

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
