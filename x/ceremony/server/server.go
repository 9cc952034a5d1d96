// Package server exposes ceremony coordinators over HTTP. Participants
// download the current parameters and upload contributions; operators
// holding a token signed with the operator secret skip, reassign and
// finalize rounds.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"cosmossdk.io/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/Steake/BitCell-sub003/x/ceremony/coordinator"
	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// Options configure a Server.
type Options struct {
	API           coordinator.APIConfig
	AcceptTimeout time.Duration
	// TargetParticipants applies to ceremonies initialized without one.
	TargetParticipants uint64
	Registry           *coordinator.Registry
	Logger             log.Logger
	Metrics            *coordinator.CeremonyMetrics
	// ServeMetrics mounts /metrics on the API router.
	ServeMetrics bool
}

// Server is the coordinator HTTP API.
type Server struct {
	opts       Options
	registry   *coordinator.Registry
	auth       *AuthService
	limiter    *RateLimiter
	logger     log.Logger
	metrics    *coordinator.CeremonyMetrics
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
}

// New builds the API server. It does not listen until ListenAndServe.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = coordinator.NewCeremonyMetrics()
	}
	if opts.AcceptTimeout <= 0 {
		opts.AcceptTimeout = 2 * time.Minute
	}

	s := &Server{
		opts:     opts,
		registry: opts.Registry,
		auth:     NewAuthService(opts.API.OperatorSecret, opts.API.TokenTTL),
		limiter:  NewRateLimiter(opts.API.RateLimitPerSecond, opts.API.RateLimitBurst, 0),
		logger:   opts.Logger.With("module", "api"),
		metrics:  opts.Metrics,
		router:   mux.NewRouter(),
	}
	s.registerRoutes()
	s.router.Use(s.instrument, s.rateLimit)

	var h http.Handler = s.router
	if opts.API.TrustProxyHeaders {
		h = handlers.ProxyHeaders(h)
	}
	if len(opts.API.CORSAllowedOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: opts.API.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			ExposedHeaders: []string{headerParamsHash, headerRound, headerTranscriptHash, headerTranscriptVersion},
		}).Handler(h)
	}
	s.handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(panicLogger{logger: s.logger, metrics: s.metrics}),
	)(h)

	s.httpServer = &http.Server{
		Addr:              opts.API.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       opts.API.ReadTimeout,
		WriteTimeout:      opts.API.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

// Handler returns the complete middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Auth returns the operator token service, nil when operator endpoints are
// disabled.
func (s *Server) Auth() *AuthService {
	return s.auth
}

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("coordinator API listening", "addr", s.httpServer.Addr, "operator_endpoints", s.auth != nil)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("coordinator API: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	r := s.router
	r.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	if s.opts.ServeMetrics {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/api/v1/ceremonies", s.handleListCeremonies).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/ceremonies/{id}/state", s.handleGetState).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/ceremonies/{id}/params/current", s.handleGetCurrentParams).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/ceremonies/{id}/params/{hash:[0-9a-fA-F]{64}}", s.handleGetParams).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/ceremonies/{id}/contributions", s.handleSubmitContribution).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/ceremonies/{id}/transcript", s.handleGetTranscript).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/ceremonies/{id}/transcript/{version:[0-9]+}", s.handleGetTranscript).Methods(http.MethodGet)

	op := r.PathPrefix("/api/v1").Subrouter()
	op.Use(s.requireOperator)
	op.HandleFunc("/ceremonies", s.handleInitCeremony).Methods(http.MethodPost)
	op.HandleFunc("/ceremonies/{id}/skip", s.handleSkip).Methods(http.MethodPost)
	op.HandleFunc("/ceremonies/{id}/reassign", s.handleReassign).Methods(http.MethodPost)
	op.HandleFunc("/ceremonies/{id}/finalize", s.handleFinalize).Methods(http.MethodPost)
	op.HandleFunc("/ceremonies/{id}/audit", s.handleAudit).Methods(http.MethodGet)
	op.HandleFunc("/ceremonies/{id}/attestations", s.handleAddAttestation).Methods(http.MethodPost)
	op.HandleFunc("/ceremonies/{id}/auditors", s.handleAddAuditor).Methods(http.MethodPost)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		s.metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		s.logger.Debug("api request",
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"client", clientIP(r),
		)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r)) {
			s.metrics.RateLimitExceeds.Inc()
			w.Header().Set("Retry-After", "1")
			s.writeError(w, fmt.Errorf("%w: slow down", types.ErrRateLimitExceeded))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.writeError(w, fmt.Errorf("%w: operator token required", types.ErrUnauthorized))
			return
		}
		claims, err := s.auth.ValidateToken(token)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.logger.Info("operator request", "operator", claims.Subject, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the host part of the remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// panicLogger adapts the logger to the recovery handler.
type panicLogger struct {
	logger  log.Logger
	metrics *coordinator.CeremonyMetrics
}

func (p panicLogger) Println(v ...interface{}) {
	p.metrics.PanicRecoveries.Inc()
	p.logger.Error("recovered handler panic", "panic", fmt.Sprint(v...))
}
