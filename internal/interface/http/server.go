// Package http exposes the fee ledger over a JSON REST API.
// Every ledger operation has an endpoint; health probes stay unauthenticated.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/school-fee-ledger/internal/application/command"
	"github.com/alem-hub/school-fee-ledger/internal/application/query"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/interface/http/handlers"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
	"github.com/alem-hub/school-fee-ledger/pkg/retry"
)

// Config of the API server. Zero limits fall back to DefaultConfig values
// where a zero would make the server unusable.
type Config struct {
	Host string
	Port int

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	MaxBodyBytes   int64

	EnableCORS     bool
	AllowedOrigins []string

	// RateLimitPerMinute is per client IP; 0 disables limiting.
	RateLimitPerMinute int

	// BusyRetries is how many extra in-process attempts a write gets after
	// losing a student lock before the client sees 503.
	BusyRetries int
	RetryAfter  time.Duration

	Version string
}

func DefaultConfig() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8080,
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       30 * time.Second,
		IdleTimeout:        60 * time.Second,
		MaxHeaderBytes:     1 << 20,
		MaxBodyBytes:       1 << 20,
		RateLimitPerMinute: 300,
		BusyRetries:        2,
		RetryAfter:         time.Second,
		Version:            "dev",
	}
}

func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// RateLimiter admits or rejects one more request from identifier; reset is
// the time left in the current window.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string) (allowed bool, reset time.Duration, err error)
}

// Dependencies are the application handlers behind the routes.
type Dependencies struct {
	CreateTerm       *command.CreateTermHandler
	ActivateTerm     *command.ActivateTermHandler
	SetFeeSchedule   *command.SetFeeScheduleHandler
	Catalog          *command.CatalogHandler
	EnrollStudent    *command.EnrollStudentHandler
	UpdateEnrollment *command.UpdateEnrollmentHandler
	SetStudentStatus *command.SetStudentStatusHandler
	PromoteStudents  *command.PromoteStudentsHandler
	RecordPayment    *command.RecordPaymentHandler
	ReversePayment   *command.ReversePaymentHandler
	RebuildBalances  *command.RebuildBalancesHandler

	CatalogQueries *query.CatalogHandler
	GetBalances    *query.GetBalancesHandler
	GetStudent     *query.GetStudentHandler
	ListStudents   *query.ListStudentsHandler
	Payments       *query.PaymentsHandler
	RenderReceipt  *query.RenderReceiptHandler

	Logger        *logger.Logger
	HealthChecker handlers.HealthChecker

	// RateLimiter is shared across instances when backed by Redis. When nil
	// and RateLimitPerMinute > 0 each instance counts on its own.
	RateLimiter RateLimiter

	// Auth protects /api/. Nil or without keys leaves the API open.
	Auth *handlers.APIKeyAuth
}

type Server struct {
	config  Config
	deps    Dependencies
	logger  *logger.Logger
	retrier *retry.Retrier
	limiter RateLimiter

	router *http.ServeMux
	api    *http.ServeMux
	srv    *http.Server

	mu      sync.Mutex
	running bool
}

func NewServer(config Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	if deps.HealthChecker == nil {
		deps.HealthChecker = handlers.NewNoopHealthChecker()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}

	s := &Server{
		config:  config,
		deps:    deps,
		logger:  deps.Logger,
		retrier: retry.ContentionRetrier(max(config.BusyRetries+1, 1), shared.IsBusy),
		limiter: deps.RateLimiter,
		router:  http.NewServeMux(),
		api:     http.NewServeMux(),
	}
	if s.limiter == nil && config.RateLimitPerMinute > 0 {
		s.limiter = newMemoryRateLimiter(config.RateLimitPerMinute, time.Minute)
	}

	s.routes()
	s.srv = &http.Server{
		Addr:           config.Address(),
		Handler:        s.wrap(s.router),
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}
	return s
}

// Handler is the root handler with every middleware applied.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) routes() {
	// probes
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /healthz", s.handleHealth)
	s.router.HandleFunc("GET /ready", s.handleReady)
	s.router.HandleFunc("GET /live", s.handleLive)
	s.router.HandleFunc("GET /{$}", s.handleRoot)

	// terms, fees and the grade/destination catalog
	s.api.HandleFunc("POST /api/v1/terms", s.handleCreateTerm)
	s.api.HandleFunc("GET /api/v1/terms", s.handleListTerms)
	s.api.HandleFunc("GET /api/v1/terms/active", s.handleGetActiveTerm)
	s.api.HandleFunc("POST /api/v1/terms/{id}/activate", s.handleActivateTerm)
	s.api.HandleFunc("PUT /api/v1/fees", s.handleSetFee)
	s.api.HandleFunc("GET /api/v1/fees", s.handleListFees)
	s.api.HandleFunc("POST /api/v1/grades", s.handleCreateGrade)
	s.api.HandleFunc("GET /api/v1/grades", s.handleListGrades)
	s.api.HandleFunc("POST /api/v1/destinations", s.handleCreateDestination)
	s.api.HandleFunc("GET /api/v1/destinations", s.handleListDestinations)

	// students
	s.api.HandleFunc("POST /api/v1/students", s.handleEnrollStudent)
	s.api.HandleFunc("GET /api/v1/students", s.handleListStudents)
	s.api.HandleFunc("POST /api/v1/students/promote", s.handlePromoteStudents)
	s.api.HandleFunc("POST /api/v1/students/rebuild", s.handleRebuildBalances)
	s.api.HandleFunc("GET /api/v1/students/{id}", s.handleGetStudent)
	s.api.HandleFunc("GET /api/v1/admissions/{number}", s.handleGetStudentByAdmission)
	s.api.HandleFunc("PATCH /api/v1/students/{id}", s.handleUpdateEnrollment)
	s.api.HandleFunc("PUT /api/v1/students/{id}/status", s.handleSetStudentStatus)
	s.api.HandleFunc("GET /api/v1/students/{id}/balances", s.handleGetBalances)
	s.api.HandleFunc("GET /api/v1/students/{id}/receipt", s.handleRenderReceipt)
	s.api.HandleFunc("GET /api/v1/students/{id}/payments", s.handleStudentPayments)

	// payments
	s.api.HandleFunc("POST /api/v1/payments", s.handleRecordPayment)
	s.api.HandleFunc("POST /api/v1/payments/{id}/reverse", s.handleReversePayment)
	s.api.HandleFunc("GET /api/v1/payments/daily", s.handlePaymentsByDay)
	s.api.HandleFunc("GET /api/v1/payments/monthly", s.handlePaymentsByMonth)

	api := handlers.ChainHandler(s.api,
		handlers.SecurityHeadersMiddleware,
		handlers.NoCacheMiddleware,
		handlers.RequestSizeLimitMiddleware(s.config.MaxBodyBytes),
	)
	if s.deps.Auth != nil && s.deps.Auth.Enabled() {
		api = s.deps.Auth.Middleware(s.writeError)(api)
	}
	s.router.Handle("/api/", api)
}

// wrap applies the server-wide middleware. The request ID is assigned
// first so that every later log line and error body carries it.
func (s *Server) wrap(h http.Handler) http.Handler {
	if s.limiter != nil {
		h = s.limitRate(h)
	}
	if s.config.EnableCORS {
		h = s.cors(h)
	}
	h = s.recoverPanics(h)
	h = s.logRequests(h)
	return s.assignRequestID(h)
}

func (s *Server) assignRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		ctx := context.WithValue(r.Context(), contextKeyRequestID, id)
		ctx = logger.WithContext(ctx, s.logger.WithRequestID(id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log := logger.FromContext(r.Context(), s.logger)
		fields := []logger.Field{
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", rec.status),
			logger.Int64("duration_ms", time.Since(start).Milliseconds()),
			logger.String("ip", clientIP(r)),
		}
		if isProbe(r.URL.Path) {
			log.Debug("http request", fields...)
		} else {
			log.Info("http request", fields...)
		}
	})
}

func isProbe(path string) bool {
	switch path {
	case "/health", "/healthz", "/live", "/ready":
		return true
	}
	return false
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("panic recovered",
					logger.Any("error", v),
					logger.String("stack", string(debug.Stack())),
					logger.String("path", r.URL.Path),
					logger.String("request_id", getRequestID(r.Context())),
				)
				writeJSONError(w, r, http.StatusInternalServerError, "internal_server_error", "An unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.config.AllowedOrigins))
	for _, o := range s.config.AllowedOrigins {
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && (allowed["*"] || allowed[origin]) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID, Idempotency-Key")
			h.Set("Access-Control-Max-Age", "86400")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitRate counts /api/ requests per client IP. A failing limiter lets
// requests through.
func (s *Server) limitRate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		ok, reset, err := s.limiter.Allow(r.Context(), clientIP(r))
		switch {
		case err != nil:
			logger.FromContext(r.Context(), s.logger).Warn("rate limiter unavailable", logger.Err(err))
		case !ok:
			w.Header().Set("Retry-After", strconv.Itoa(max(int(reset.Round(time.Second).Seconds()), 1)))
			writeJSONError(w, r, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests, please try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", logger.String("address", s.config.Address()))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartAsync runs Start in a goroutine. The channel yields at most one
// error and is closed when the server stops.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.Start(); err != nil {
			errCh <- err
		}
	}()
	return errCh
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if !wasRunning {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) Address() string { return s.config.Address() }

type contextKey string

const contextKeyRequestID contextKey = "request_id"

func getRequestID(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
