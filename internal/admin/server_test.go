package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mir00r/rpc-balancer/internal/balancer"
	"github.com/mir00r/rpc-balancer/internal/domain"
	"github.com/mir00r/rpc-balancer/internal/gateway"
	"github.com/mir00r/rpc-balancer/internal/health"
	"github.com/mir00r/rpc-balancer/internal/middleware"
	"github.com/mir00r/rpc-balancer/pkg/logger"
)

func newTestServer(t *testing.T) (*Server, *gateway.Client) {
	t.Helper()

	client, err := gateway.NewClient(gateway.Config{
		GatewayID: "gw-admin-test",
		Balancer:  balancer.Config{Strategy: domain.RoundRobin},
		Prober:    health.Config{Interval: time.Hour, HeartbeatExpiry: time.Hour},
	}, logger.NewNop(),
		gateway.WithDialFunc(func(string) (*grpc.ClientConn, error) {
			return grpc.NewClient("passthrough:///test",
				grpc.WithTransportCredentials(insecure.NewCredentials()))
		}),
		gateway.WithProbeFunc(func(context.Context, string) error { return nil }),
	)
	require.NoError(t, err)
	t.Cleanup(client.Shutdown)

	server := New(Config{
		ListenAddress: ":0",
		RateLimit:     middleware.RateLimitConfig{Enabled: false},
	}, client, logger.NewNop())
	return server, client
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload["status"])
}

func TestAddListRemoveBackend(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/backends", addBackendRequest{
		Host: "10.0.0.1", Port: 50051, Weight: 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created domain.ServerSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "10.0.0.1:50051", created.ID)
	assert.Equal(t, 2, created.Weight)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/backends", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed map[string]domain.ServerSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Contains(t, listed, "10.0.0.1:50051")

	rec = doJSON(t, server, http.MethodDelete, "/api/v1/backends/10.0.0.1:50051", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/backends", nil)
	listed = map[string]domain.ServerSnapshot{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.NotContains(t, listed, "10.0.0.1:50051")
}

func TestAddBackendValidation(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/backends", addBackendRequest{Port: 50051})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/backends", addBackendRequest{Host: "10.0.0.1", Port: 99999})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddDuplicateBackendConflicts(t *testing.T) {
	server, _ := newTestServer(t)

	body := addBackendRequest{Host: "10.0.0.1", Port: 50051}
	rec := doJSON(t, server, http.MethodPost, "/api/v1/backends", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/backends", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRemoveUnknownBackendNotFound(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server, http.MethodDelete, "/api/v1/backends/10.9.9.9:1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "NOT_FOUND", payload["kind"])
}

func TestSetEnabled(t *testing.T) {
	server, client := newTestServer(t)

	_, err := client.AddServer("10.0.0.1", 50051, domain.ServerOptions{})
	require.NoError(t, err)

	rec := doJSON(t, server, http.MethodPut, "/api/v1/backends/10.0.0.1:50051/enabled", setEnabledRequest{Enabled: false})
	require.Equal(t, http.StatusOK, rec.Code)

	backend, err := client.Balancer().Registry().Get("10.0.0.1:50051")
	require.NoError(t, err)
	assert.False(t, backend.Enabled())
}

func TestStatsEndpoint(t *testing.T) {
	server, client := newTestServer(t)
	_, err := client.AddServer("10.0.0.1", 50051, domain.ServerOptions{})
	require.NoError(t, err)

	rec := doJSON(t, server, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot gateway.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, "gw-admin-test", snapshot.GatewayID)
	assert.Equal(t, 1, snapshot.BackendCount)
}

func TestAuthGuardsAPIButNotProbes(t *testing.T) {
	_, client := newTestServer(t)

	guarded := New(Config{
		ListenAddress: ":0",
		Auth:          middleware.JWTConfig{Enabled: true, SecretKey: "secret"},
		RateLimit:     middleware.RateLimitConfig{Enabled: false},
	}, client, logger.NewNop())

	rec := doJSON(t, guarded, http.MethodGet, "/api/v1/backends", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, guarded, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, guarded, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
