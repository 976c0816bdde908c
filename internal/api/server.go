package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/ptrus/rofl-x402-service/internal/payment"
	"github.com/ptrus/rofl-x402-service/internal/pipeline"
	"github.com/ptrus/rofl-x402-service/internal/signing"
	"github.com/ptrus/rofl-x402-service/internal/worker"
)

// SummarizePath is the paid resource.
const SummarizePath = "/summarize-doc"

// StatsSource reports worker pool counters for the service info endpoint.
type StatsSource interface {
	Stats() worker.Stats
}

// Options configures a Server.
type Options struct {
	// PublicURL is the externally visible base URL the paid resource is
	// identified by in payment requirements.
	PublicURL   string
	AdminToken  string
	CORSOrigins []string
	// Provider names the inference backend in responses.
	Provider string
	// Attestation binds the signing key to the runtime. Both fields are
	// empty when no attestation provider is configured.
	AttestationType string
	Attestation     []byte

	ShutdownTimeout time.Duration
}

// Server exposes the paid summarization API.
type Server struct {
	pipeline *pipeline.Pipeline
	stats    StatsSource
	signer   *signing.ResponseSigner
	opts     Options

	isReady atomic.Bool
	router  chi.Router
}

// NewServer builds a server with request logging, panic recovery and CORS
// middlewares.
func NewServer(p *pipeline.Pipeline, stats StatsSource, signer *signing.ResponseSigner, opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	s := &Server{
		pipeline: p,
		stats:    stats,
		signer:   signer,
		opts:     opts,
	}
	s.router = s.createRouter()
	s.isReady.Store(true)
	return s
}

func (s *Server) createRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoveryMiddleware)
	r.Use(s.loggingMiddleware)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", payment.HeaderPayment},
		ExposedHeaders: []string{payment.HeaderPaymentResponse},
		MaxAge:         300,
	}))

	r.Get("/", s.handleInfo)
	r.Post(SummarizePath, s.handleSubmit)
	r.Get(SummarizePath+"/{id}", s.handleStatus)
	r.Get("/signing-key", s.handleSigningKey)
	r.Post("/admin/jobs/{id}/requeue", s.requireAdmin(s.handleRequeue))

	r.Get("/livez", s.handleLivenessCheck)
	r.Get("/readyz", s.handleReadinessCheck)

	return r
}

// Handler returns the routed handler, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Resource is the identifier payments for submissions must be bound to.
func (s *Server) Resource() string {
	return s.opts.PublicURL + SummarizePath
}

// Run serves on port until ctx is cancelled, then marks the server not
// ready and waits for in-flight requests.
func (s *Server) Run(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("HTTP server running on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.isReady.Store(false)
	logrus.Info("HTTP server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loggingMiddleware logs method, path, status and latency per request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logrus.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
		}).Infof("%s %s", r.Method, r.URL.Path)
	})
}

// recoveryMiddleware catches panics and returns 500.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logrus.Errorf("panic recovered: %v", rec)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLivenessCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadinessCheck(w http.ResponseWriter, _ *http.Request) {
	if !s.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
