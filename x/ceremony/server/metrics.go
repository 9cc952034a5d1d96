package server

import (
	"errors"
	"net/http"
	"time"

	"cosmossdk.io/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StartPrometheusServer serves /metrics, and the health endpoints when hc is
// set, on addr in a background goroutine. Failures after startup are
// logged, not fatal.
func StartPrometheusServer(addr string, hc *HealthCheck, logger log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if hc != nil {
		hc.Register(mux)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("prometheus server error", "addr", addr, "error", err)
		}
	}()
	return server
}
