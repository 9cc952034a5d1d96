package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Steake/BitCell-sub003/x/ceremony/coordinator"
)

var (
	healthCheckTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bitcell",
			Subsystem: "ceremony",
			Name:      "health_check_total",
			Help:      "Total number of health check requests",
		},
		[]string{"endpoint", "status"},
	)

	componentHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bitcell",
			Subsystem: "ceremony",
			Name:      "component_healthy",
			Help:      "1 if the component passed its last probe, 0 otherwise",
		},
		[]string{"component"},
	)
)

// Probe is one named readiness check. A failing critical probe makes the
// daemon not ready; any other failing probe only degrades it.
type Probe struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ReadinessResponse is the body of /health/ready.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CeremonyHealth summarizes one ceremony in /health/detailed.
type CeremonyHealth struct {
	Status   string `json:"status"`
	Round    uint64 `json:"round"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

// SystemHealth holds process level figures.
type SystemHealth struct {
	MemoryMB   uint64 `json:"memory_mb"`
	Goroutines int    `json:"goroutines"`
}

// DetailedHealthResponse is the body of /health/detailed.
type DetailedHealthResponse struct {
	Status        string                    `json:"status"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Checks        map[string]CheckResult    `json:"checks"`
	Ceremonies    map[string]CeremonyHealth `json:"ceremonies"`
	System        SystemHealth              `json:"system"`
}

// HealthCheck serves the readiness endpoints next to /metrics.
type HealthCheck struct {
	registry *coordinator.Registry
	probes   []Probe
	started  time.Time
	timeout  time.Duration
	cache    *healthCache
}

type healthCache struct {
	mu          sync.RWMutex
	result      *DetailedHealthResponse
	lastChecked time.Time
	ttl         time.Duration
}

func (c *healthCache) get() (*DetailedHealthResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.result == nil || time.Since(c.lastChecked) > c.ttl {
		return nil, false
	}
	return c.result, true
}

func (c *healthCache) set(result *DetailedHealthResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = result
	c.lastChecked = time.Now()
}

// NewHealthCheck returns a health server over registry. A store probe is
// always included.
func NewHealthCheck(registry *coordinator.Registry, probes ...Probe) *HealthCheck {
	store := Probe{
		Name:     "store",
		Critical: true,
		Check: func(context.Context) error {
			_, err := registry.Store().CeremonyIDs()
			return err
		},
	}
	return &HealthCheck{
		registry: registry,
		probes:   append([]Probe{store}, probes...),
		started:  time.Now(),
		timeout:  5 * time.Second,
		cache:    &healthCache{ttl: 5 * time.Second},
	}
}

// Register mounts the health endpoints on mux.
func (hc *HealthCheck) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health/ready", hc.withMetrics("ready", hc.handleReadiness))
	mux.HandleFunc("/health/detailed", hc.withMetrics("detailed", hc.handleDetailed))
}

func (hc *HealthCheck) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		healthCheckTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", rec.status)).Inc()
	}
}

// run executes every probe and reports whether the critical ones passed.
func (hc *HealthCheck) run(ctx context.Context) (map[string]CheckResult, bool, bool) {
	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	checks := make(map[string]CheckResult, len(hc.probes))
	ready, degraded := true, false
	for _, p := range hc.probes {
		if err := p.Check(ctx); err != nil {
			componentHealthy.WithLabelValues(p.Name).Set(0)
			if p.Critical {
				checks[p.Name] = CheckResult{Status: "unhealthy", Message: err.Error()}
				ready = false
			} else {
				checks[p.Name] = CheckResult{Status: "degraded", Message: err.Error()}
				degraded = true
			}
			continue
		}
		componentHealthy.WithLabelValues(p.Name).Set(1)
		checks[p.Name] = CheckResult{Status: "ok"}
	}
	return checks, ready, degraded
}

func (hc *HealthCheck) handleReadiness(w http.ResponseWriter, r *http.Request) {
	checks, ready, _ := hc.run(r.Context())
	resp := ReadinessResponse{Status: "ready", Checks: checks}
	status := http.StatusOK
	if !ready {
		resp.Status = "not_ready"
		status = http.StatusServiceUnavailable
	}
	writeHealth(w, status, resp)
}

func (hc *HealthCheck) handleDetailed(w http.ResponseWriter, r *http.Request) {
	if cached, ok := hc.cache.get(); ok {
		w.Header().Set("X-Cache", "HIT")
		writeHealth(w, http.StatusOK, cached)
		return
	}

	checks, ready, degraded := hc.run(r.Context())
	ceremonies := make(map[string]CeremonyHealth)
	for _, st := range hc.registry.List() {
		ceremonies[st.CeremonyID] = CeremonyHealth{
			Status:   st.Describe(),
			Round:    st.Round,
			Accepted: st.Accepted,
			Rejected: st.Rejected,
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	resp := &DetailedHealthResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(hc.started).Seconds()),
		Checks:        checks,
		Ceremonies:    ceremonies,
		System: SystemHealth{
			MemoryMB:   m.Alloc / 1024 / 1024,
			Goroutines: runtime.NumGoroutine(),
		},
	}
	switch {
	case !ready:
		resp.Status = "unhealthy"
	case degraded:
		resp.Status = "degraded"
	}
	hc.cache.set(resp)

	w.Header().Set("X-Cache", "MISS")
	writeHealth(w, http.StatusOK, resp)
}

func writeHealth(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
