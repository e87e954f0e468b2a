package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowgate/api"
	"github.com/BaSui01/flowgate/config"
)

const orderGraph = `id: order-approval
activities:
  - {id: start, kind: start}
  - {id: split, kind: gateway}
  - {id: review, handler: log}
  - {id: wait-payment, handler: await}
  - {id: merge, kind: gateway}
  - {id: ship}
  - {id: end, kind: end}
transitions:
  - {from: start, to: split}
  - {from: split, to: review}
  - {from: split, to: wait-payment}
  - {from: review, to: merge}
  - {from: wait-payment, to: merge}
  - {from: merge, to: ship}
  - {from: ship, to: end}
`

// testConfig 返回使用内存存储、随机端口的配置，图目录中放入 orderGraph
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "order.yaml"), []byte(orderGraph), 0o600))

	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Server.MetricsPort = 0
	cfg.Engine.GraphDir = dir
	cfg.Engine.HistoryLimit = 10
	return cfg
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func serve(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestServer_InstanceLifecycle(t *testing.T) {
	registry := prometheus.NewRegistry()
	srv, err := NewServer(context.Background(), testConfig(t), zap.NewNop(), registry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	h := srv.Handler()

	w, env := serve(t, h, http.MethodPost, "/v1/instances", api.RunInstanceRequest{
		GraphID:           "order-approval",
		ProcessInstanceID: "pi-1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var out api.OutcomeResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, "suspended", out.Status)
	assert.Equal(t, "wait-payment", out.ActivityID)

	w, env = serve(t, h, http.MethodPost, "/v1/instances/pi-1/resume", api.ResumeInstanceRequest{
		TargetActivityID: "wait-payment",
		Payload:          map[string]any{"paid": true},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, "advanced", out.Status)

	w, _ = serve(t, h, http.MethodGet, "/v1/instances/pi-1/history", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, env = serve(t, h, http.MethodGet, "/v1/graphs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var graphs api.GraphListResponse
	require.NoError(t, json.Unmarshal(env.Data, &graphs))
	assert.Equal(t, 1, graphs.Count)

	count, err := testutil.GatherAndCount(registry, "flowgate_http_requests_total")
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestServer_HealthRoutes(t *testing.T) {
	srv, err := NewServer(context.Background(), testConfig(t), zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	for _, path := range []string{"/health", "/healthz", "/ready", "/readyz", "/version"} {
		w, _ := serve(t, srv.Handler(), http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w, _ := serve(t, srv.Handler(), http.MethodGet, "/ready", nil)
	assert.Contains(t, w.Body.String(), `"store"`)
}

func TestServer_HistoryDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.HistoryLimit = 0

	srv, err := NewServer(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	w, _ := serve(t, srv.Handler(), http.MethodGet, "/v1/instances/pi-1/history", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_StartShutdown(t *testing.T) {
	srv, err := NewServer(context.Background(), testConfig(t), zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)

	require.NoError(t, srv.Start())
	assert.NoError(t, srv.Shutdown(context.Background()))
}

func TestNewServer_InvalidExecutor(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.Executor = "threads"

	_, err := NewServer(context.Background(), cfg, zap.NewNop(), nil)
	assert.ErrorContains(t, err, "unsupported executor")
}
