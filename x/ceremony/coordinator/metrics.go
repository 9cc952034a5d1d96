package coordinator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CeremonyMetrics holds all Prometheus metrics for the coordinator
type CeremonyMetrics struct {
	// Contribution metrics
	ContributionsAccepted *prometheus.CounterVec
	ContributionsRejected *prometheus.CounterVec
	VerificationTime      prometheus.Histogram
	CurrentRound          *prometheus.GaugeVec
	Phase                 *prometheus.GaugeVec

	// Operator actions
	RoundsSkipped *prometheus.CounterVec
	Finalizations *prometheus.CounterVec

	// Audit metrics
	Audits        *prometheus.CounterVec
	AuditFindings *prometheus.CounterVec

	// API metrics
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	RateLimitExceeds prometheus.Counter
	PanicRecoveries  prometheus.Counter
}

var (
	ceremonyMetricsOnce sync.Once
	ceremonyMetrics     *CeremonyMetrics
)

// NewCeremonyMetrics creates and registers coordinator metrics (singleton pattern)
func NewCeremonyMetrics() *CeremonyMetrics {
	ceremonyMetricsOnce.Do(func() {
		ceremonyMetrics = &CeremonyMetrics{
			ContributionsAccepted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "bitcell",
					Subsystem: "ceremony",
					Name:      "contributions_accepted_total",
					Help:      "Contributions accepted into the chain",
				},
				[]string{"ceremony"},
			),
			ContributionsRejected: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "bitcell",
					Subsystem: "ceremony",
					Name:      "contributions_rejected_total",
					Help:      "Contributions rejected, by reason",
				},
				[]string{"ceremony", "reason"},
			),
			VerificationTime: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "bitcell",
					Subsystem: "ceremony",
					Name:      "verification_seconds",
					Help:      "Time spent verifying a submitted contribution",
					Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
				},
			),
			CurrentRound: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "bitcell",
					Subsystem: "ceremony",
					Name:      "current_round",
					Help:      "Round the coordinator accepts next",
				},
				[]string{"ceremony"},
			),
			Phase: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "bitcell",
					Subsystem: "ceremony",
					Name:      "phase",
					Help:      "Lifecycle phase (0 uninitialized, 1 awaiting contribution, 2 finalizing, 3 sealed)",
				},
				[]string{"ceremony"},
			),
			RoundsSkipped: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "bitcell",
					Subsystem: "ceremony",
					Name:      "rounds_skipped_total",
					Help:      "Operator skips and reassignments",
				},
				[]string{"ceremony", "action"},
			),
			Finalizations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "bitcell",
					Subsystem: "ceremony",
					Name:      "finalizations_total",
					Help:      "Finalization attempts by result",
				},
				[]string{"ceremony", "result"},
			),
			Audits: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "bitcell",
					Subsystem: "ceremony",
					Name:      "audits_total",
					Help:      "Transcript audits by outcome",
				},
				[]string{"ceremony", "outcome"},
			),
			AuditFindings: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "bitcell",
					Subsystem: "ceremony",
					Name:      "audit_findings_total",
					Help:      "Audit findings by kind",
				},
				[]string{"ceremony", "kind"},
			),
			HTTPRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "bitcell",
					Subsystem: "ceremony",
					Name:      "http_requests_total",
					Help:      "API requests by route and status code",
				},
				[]string{"route", "method", "code"},
			),
			HTTPDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "bitcell",
					Subsystem: "ceremony",
					Name:      "http_request_seconds",
					Help:      "API request latency",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"route"},
			),
			RateLimitExceeds: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "bitcell",
					Subsystem: "ceremony",
					Name:      "rate_limit_exceeded_total",
					Help:      "Requests rejected by the rate limiter",
				},
			),
			PanicRecoveries: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "bitcell",
					Subsystem: "ceremony",
					Name:      "panic_recoveries_total",
					Help:      "Handler panics recovered by the API",
				},
			),
		}
	})
	return ceremonyMetrics
}
