package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func getHealth(t *testing.T, url string, v interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, testAPIConfig())
	api.initialize(t, "battle-health")

	rpcDown := Probe{Name: "beacon", Check: func(context.Context) error { return errors.New("rpc unreachable") }}
	hc := NewHealthCheck(api.registry, rpcDown)
	mux := http.NewServeMux()
	hc.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	var ready ReadinessResponse
	resp := getHealth(t, ts.URL+"/health/ready", &ready)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ready", ready.Status)
	require.Equal(t, "ok", ready.Checks["store"].Status)
	require.Equal(t, "degraded", ready.Checks["beacon"].Status)
	require.Equal(t, "rpc unreachable", ready.Checks["beacon"].Message)

	var detailed DetailedHealthResponse
	resp = getHealth(t, ts.URL+"/health/detailed", &detailed)
	require.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	require.Equal(t, "degraded", detailed.Status)
	require.Equal(t, CeremonyHealth{Status: "awaiting_contribution(1)", Round: 1}, detailed.Ceremonies["battle-health"])
	require.Positive(t, detailed.System.Goroutines)

	resp = getHealth(t, ts.URL+"/health/detailed", &detailed)
	require.Equal(t, "HIT", resp.Header.Get("X-Cache"))
}

func TestHealthNotReady(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, testAPIConfig())

	storeDown := Probe{Name: "keys", Critical: true, Check: func(context.Context) error { return errors.New("disk full") }}
	mux := http.NewServeMux()
	NewHealthCheck(api.registry, storeDown).Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	var ready ReadinessResponse
	resp := getHealth(t, ts.URL+"/health/ready", &ready)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "not_ready", ready.Status)
	require.Equal(t, CheckResult{Status: "unhealthy", Message: "disk full"}, ready.Checks["keys"])

	var detailed DetailedHealthResponse
	getHealth(t, ts.URL+"/health/detailed", &detailed)
	require.Equal(t, "unhealthy", detailed.Status)
	require.Empty(t, detailed.Ceremonies)
}
