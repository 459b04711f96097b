package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kibshh/wallet-pass-service/backend/internal/coordinator"
	"github.com/kibshh/wallet-pass-service/backend/internal/device"
	"github.com/kibshh/wallet-pass-service/backend/internal/logging"
	"github.com/kibshh/wallet-pass-service/backend/internal/metrics"
	"github.com/kibshh/wallet-pass-service/backend/internal/pass"
	"github.com/kibshh/wallet-pass-service/backend/internal/push"
)

const shutdownTimeout = 10 * time.Second

// PassService is the behaviour the HTTP layer exposes.
type PassService interface {
	Register(ctx context.Context, deviceID, passTypeID, serial, authHeader, pushToken string) (device.RegisterResult, error)
	Unregister(ctx context.Context, deviceID, passTypeID, serial, authHeader string) error
	Poll(ctx context.Context, deviceID, passTypeID, since string) (coordinator.PollResult, error)
	FetchBundle(ctx context.Context, passTypeID, serial, authHeader string) (coordinator.Bundle, error)
	DownloadBundle(ctx context.Context, serial string) (coordinator.Bundle, error)
	CreatePass(ctx context.Context, req coordinator.CreateRequest) (pass.Record, error)
	AddPoints(ctx context.Context, serial string, delta int) (pass.Record, error)
	UpdateTier(ctx context.Context, serial, tier string) (pass.Record, error)
	SendTestPush(ctx context.Context, serial string) ([]push.Outcome, error)
	PushNow(ctx context.Context, serial string) ([]push.Outcome, error)
}

var _ PassService = (*coordinator.Coordinator)(nil)

// Server represents the HTTP server for the wallet pass web service
type Server struct {
	httpServer *http.Server
	addr       string
	handler    http.Handler

	svc        PassService
	publicURL  string
	adminToken string
	limiter    *ipRateLimiter

	gatherer prometheus.Gatherer
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	PublicURL      string // prefix for download links in API responses
	AdminToken     string
	RateLimitRPS   float64 // per client on wallet routes; 0 disables
	RateLimitBurst int
}

// DefaultConfig returns a default server configuration
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		RateLimitRPS:   20,
		RateLimitBurst: 40,
	}
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logging.Component(logger, "http") }
}

// WithMetrics records request metrics and serves gatherer on /metrics.
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// New creates a new server instance
func New(cfg Config, svc PassService, opts ...Option) *Server {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s := &Server{
		addr:       addr,
		svc:        svc,
		publicURL:  cfg.PublicURL,
		adminToken: cfg.AdminToken,
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = newIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.requestLogging(mux)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until context is cancelled
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		s.logger.Info("server shut down gracefully")
		return nil
	case err := <-errChan:
		return err
	}
}

// registerRoutes registers all endpoints
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Wallet web service
	mux.Handle("POST /pass/v1/devices/{deviceID}/registrations/{passTypeID}/{serial}", s.rateLimited(s.handleRegister))
	mux.Handle("DELETE /pass/v1/devices/{deviceID}/registrations/{passTypeID}/{serial}", s.rateLimited(s.handleUnregister))
	mux.Handle("GET /pass/v1/devices/{deviceID}/registrations/{passTypeID}", s.rateLimited(s.handlePoll))
	mux.Handle("GET /pass/v1/passes/{passTypeID}/{serial}", s.rateLimited(s.handleFetchPass))
	mux.Handle("POST /pass/v1/log", s.rateLimited(s.handleWalletLog))

	// Operator API
	mux.Handle("POST /api/createPass", s.adminOnly(s.handleCreatePass))
	mux.Handle("POST /api/addPoints", s.adminOnly(s.handleAddPoints))
	mux.Handle("POST /api/updateTier", s.adminOnly(s.handleUpdateTier))
	mux.Handle("GET /test-push/{serial}", s.adminOnly(s.handleTestPush))
	mux.Handle("GET /simple-push/{serial}", s.adminOnly(s.handleSimplePush))

	mux.HandleFunc("GET /download/{file}", s.handleDownload)
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
