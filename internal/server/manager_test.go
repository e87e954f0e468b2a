package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- DefaultConfig ---

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "http", cfg.Name)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.False(t, cfg.TLSEnabled())
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 120*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 1<<20, cfg.MaxHeaderBytes)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

// --- NewManager ---

func TestNewManager(t *testing.T) {
	handler := http.NewServeMux()
	cfg := DefaultConfig()
	m := NewManager(handler, cfg, zap.NewNop())

	require.NotNil(t, m)
	assert.True(t, m.IsRunning()) // not closed yet
	assert.Equal(t, ":8080", m.Addr())
}

// --- Start / Shutdown lifecycle ---

func TestManager_StartAndShutdown(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	cfg := DefaultConfig()
	cfg.Addr = ":0" // random port
	m := NewManager(handler, cfg, zap.NewNop())

	err := m.Start()
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	// Server should be reachable on the resolved port
	addr := m.ListenAddr()
	require.NotEmpty(t, addr)
	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	// Shutdown
	err = m.Shutdown(context.Background())
	require.NoError(t, err)
	assert.False(t, m.IsRunning())
}

func TestManager_DoubleStart(t *testing.T) {
	handler := http.NewServeMux()
	cfg := DefaultConfig()
	cfg.Addr = ":0"
	m := NewManager(handler, cfg, zap.NewNop())

	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	// Second start should fail
	err := m.Start()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestManager_ShutdownIdempotent(t *testing.T) {
	handler := http.NewServeMux()
	cfg := DefaultConfig()
	cfg.Addr = ":0"
	m := NewManager(handler, cfg, zap.NewNop())

	require.NoError(t, m.Start())

	// First shutdown
	err := m.Shutdown(context.Background())
	require.NoError(t, err)

	// Second shutdown should be a no-op
	err = m.Shutdown(context.Background())
	require.NoError(t, err)
}

func TestManager_StartAfterShutdown(t *testing.T) {
	handler := http.NewServeMux()
	cfg := DefaultConfig()
	cfg.Addr = ":0"
	m := NewManager(handler, cfg, zap.NewNop())

	require.NoError(t, m.Start())
	require.NoError(t, m.Shutdown(context.Background()))

	// Start after shutdown should fail (closed flag is set)
	err := m.Start()
	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrServerClosed)
}

func TestManager_IsRunning(t *testing.T) {
	handler := http.NewServeMux()
	cfg := DefaultConfig()
	cfg.Addr = ":0"
	m := NewManager(handler, cfg, zap.NewNop())

	assert.True(t, m.IsRunning(), "new manager should report running (not closed)")

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())
}

func TestManager_Errors(t *testing.T) {
	handler := http.NewServeMux()
	cfg := DefaultConfig()
	cfg.Addr = ":0"
	m := NewManager(handler, cfg, zap.NewNop())

	ch := m.Errors()
	require.NotNil(t, ch)

	// Channel should be readable (non-blocking check)
	select {
	case <-ch:
		t.Fatal("should not have received an error")
	default:
		// expected
	}
}

func TestManager_Addr(t *testing.T) {
	handler := http.NewServeMux()
	cfg := DefaultConfig()
	cfg.Addr = ":9999"
	m := NewManager(handler, cfg, zap.NewNop())

	assert.Equal(t, ":9999", m.Addr())
}

func TestManager_ListenAddrBeforeStart(t *testing.T) {
	m := NewManager(http.NewServeMux(), DefaultConfig(), nil)
	assert.Empty(t, m.ListenAddr())
	assert.Equal(t, "http", m.Name())
}

func TestManager_TLSRequiresCertAndKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Name = "api"
	cfg.Addr = ":0"
	cfg.TLSCertFile = "server.crt"
	m := NewManager(http.NewServeMux(), cfg, zap.NewNop())

	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls requires both cert and key file")
	assert.Empty(t, m.ListenAddr())
}

func TestManager_TLSUsesHardenedConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TLSCertFile = "server.crt"
	cfg.TLSKeyFile = "server.key"
	m := NewManager(http.NewServeMux(), cfg, zap.NewNop())

	require.NotNil(t, m.server.TLSConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), m.server.TLSConfig.MinVersion)
}

// --- Group ---

func newTestManager(name string) *Manager {
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	return NewManager(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(name))
	}), cfg, zap.NewNop())
}

func TestGroup_StartAndShutdown(t *testing.T) {
	api := newTestManager("api")
	metrics := newTestManager("metrics")
	g := NewGroup(zap.NewNop(), api)
	g.Add(metrics)

	require.NoError(t, g.Start())

	for _, m := range []*Manager{api, metrics} {
		resp, err := http.Get("http://" + m.ListenAddr() + "/")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, m.Name(), string(body))
	}

	require.NoError(t, g.Shutdown(context.Background()))
	assert.False(t, api.IsRunning())
	assert.False(t, metrics.IsRunning())
}

func TestGroup_StartRollsBackOnFailure(t *testing.T) {
	first := newTestManager("api")
	broken := newTestManager("metrics")
	broken.config.TLSCertFile = "only-cert.pem"

	err := NewGroup(nil, first, broken).Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start metrics")
	assert.False(t, first.IsRunning(), "started servers are shut down again")
}

func TestGroup_WaitReturnsOnContextDone(t *testing.T) {
	g := NewGroup(zap.NewNop(), newTestManager("api"))
	require.NoError(t, g.Start())
	t.Cleanup(func() { _ = g.Shutdown(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, g.Wait(ctx))
}

func TestGroup_WaitReportsServerFailure(t *testing.T) {
	m := newTestManager("api")
	g := NewGroup(zap.NewNop(), m)

	boom := errors.New("server api: accept failed")
	m.errCh <- boom

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), boom)
}
