package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpath/bridge/internal/circuitbreaker"
	"github.com/coinpath/bridge/internal/config"
)

func opsConfig() config.OpsConfig {
	return config.OpsConfig{
		ListenAddr:                ":0",
		ProjectionLagBudgetBlocks: 100,
		HeartbeatThresholdSeconds: 60,
	}
}

func probe(t *testing.T, s *Server, path string, handler func(http.ResponseWriter, *http.Request)) (int, probeResult) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rr := httptest.NewRecorder()
	handler(rr, req)

	var res probeResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	return rr.Code, res
}

func TestLivezHealthyWithFreshHeartbeat(t *testing.T) {
	s := NewServer(opsConfig(), Checks{
		SubmitterActivity: func() time.Time { return time.Now() },
	}, slog.Default())

	code, res := probe(t, s, "/livez", s.handleLivez)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, "ok", res.Checks["submitter_heartbeat"])
}

func TestLivezFailsOnStaleSubmitterHeartbeat(t *testing.T) {
	s := NewServer(opsConfig(), Checks{
		SubmitterActivity: func() time.Time { return time.Now().Add(-10 * time.Minute) },
	}, slog.Default())
	// Put the server outside the startup grace window.
	s.start = time.Now().Add(-5 * time.Minute)

	code, res := probe(t, s, "/livez", s.handleLivez)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", res.Status)
	assert.Contains(t, res.Checks["submitter_heartbeat"], "stale")
}

func TestLivezGraceWindowCoversStartup(t *testing.T) {
	// Stale heartbeat, but the process just started: still alive.
	s := NewServer(opsConfig(), Checks{
		SubmitterActivity: func() time.Time { return time.Time{} },
	}, slog.Default())

	code, _ := probe(t, s, "/livez", s.handleLivez)
	assert.Equal(t, http.StatusOK, code)
}

func TestLivezIdleProjectorStaysAlive(t *testing.T) {
	s := NewServer(opsConfig(), Checks{
		ProjectorActivity: func() time.Time { return time.Time{} },
	}, slog.Default())
	s.start = time.Now().Add(-5 * time.Minute)

	code, res := probe(t, s, "/livez", s.handleLivez)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "no events yet", res.Checks["projector_heartbeat"])
}

func TestReadyzAllChecksPass(t *testing.T) {
	s := NewServer(opsConfig(), Checks{
		DBPing:       func(ctx context.Context) error { return nil },
		BreakerState: func() circuitbreaker.State { return circuitbreaker.StateClosed },
		ProjectorLag: func() uint64 { return 5 },
	}, slog.Default())

	code, res := probe(t, s, "/readyz", s.handleReadyz)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", res.Status)
	assert.Equal(t, "ok", res.Checks["database"])
	assert.Equal(t, "ok", res.Checks["projection_lag"])
}

func TestReadyzFailsOnDatabaseError(t *testing.T) {
	s := NewServer(opsConfig(), Checks{
		DBPing: func(ctx context.Context) error { return errors.New("connection refused") },
	}, slog.Default())

	code, res := probe(t, s, "/readyz", s.handleReadyz)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, res.Checks["database"], "connection refused")
}

func TestReadyzFailsOnOpenBreaker(t *testing.T) {
	s := NewServer(opsConfig(), Checks{
		BreakerState: func() circuitbreaker.State { return circuitbreaker.StateOpen },
	}, slog.Default())

	code, res := probe(t, s, "/readyz", s.handleReadyz)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, circuitbreaker.StateOpen.String(), res.Checks["circuit_breaker"])
}

func TestReadyzHalfOpenBreakerIsReady(t *testing.T) {
	s := NewServer(opsConfig(), Checks{
		BreakerState: func() circuitbreaker.State { return circuitbreaker.StateHalfOpen },
	}, slog.Default())

	code, _ := probe(t, s, "/readyz", s.handleReadyz)
	assert.Equal(t, http.StatusOK, code)
}

func TestReadyzFailsWhenProjectionLagOverBudget(t *testing.T) {
	s := NewServer(opsConfig(), Checks{
		ProjectorLag: func() uint64 { return 101 },
	}, slog.Default())

	code, res := probe(t, s, "/readyz", s.handleReadyz)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "over budget", res.Checks["projection_lag"])
}

func TestNilChecksAreSkipped(t *testing.T) {
	s := NewServer(opsConfig(), Checks{}, slog.Default())

	code, res := probe(t, s, "/readyz", s.handleReadyz)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, res.Checks)
}
