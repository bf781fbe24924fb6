// Package server wires the exchange services together and runs the HTTP API.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tradeloop/peerswap/internal/config"
	"github.com/tradeloop/peerswap/internal/disputes"
	"github.com/tradeloop/peerswap/internal/escrow"
	"github.com/tradeloop/peerswap/internal/identity"
	"github.com/tradeloop/peerswap/internal/logging"
	"github.com/tradeloop/peerswap/internal/metrics"
	"github.com/tradeloop/peerswap/internal/notify"
	"github.com/tradeloop/peerswap/internal/offers"
	"github.com/tradeloop/peerswap/internal/rail"
	"github.com/tradeloop/peerswap/internal/security"
	"github.com/tradeloop/peerswap/internal/synchub"
	"github.com/tradeloop/peerswap/internal/trades"
	"github.com/tradeloop/peerswap/internal/validation"
)

// Server wraps the HTTP server and exchange dependencies.
type Server struct {
	cfg *config.Config

	rail     rail.Rail
	hub      *synchub.Hub
	notifier notify.Notifier
	resolver identity.Resolver

	offerService   *offers.Service
	tradeService   *trades.Service
	escrowService  *escrow.Service
	disputeService *disputes.Service

	offerTimer   *offers.Timer
	tradeTimer   *trades.Timer
	disputeTimer *disputes.Timer
	reconciler   *escrow.Reconciler

	db           *sql.DB // nil if using in-memory stores
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRail sets a custom settlement rail (for testing).
func WithRail(r rail.Rail) Option {
	return func(s *Server) {
		s.rail = r
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Settlement rail, unless injected
	if s.rail == nil {
		r, err := buildRail(cfg)
		if err != nil {
			return nil, err
		}
		s.rail = r
	}
	s.logger.Info("settlement rail configured", "rail", s.rail.Name())

	// Sync hub carries every offer/trade/dispute event to subscribers
	s.hub = synchub.NewHub(s.logger, cfg.ReplayDepth)

	// Notifications. In production the webhook target must not point at
	// internal addresses.
	if cfg.WebhookURL != "" {
		if cfg.IsProduction() {
			if err := security.ValidateWebhookURL(cfg.WebhookURL); err != nil {
				return nil, fmt.Errorf("webhook url: %w", err)
			}
		}
		s.notifier = notify.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret, s.logger)
		s.logger.Info("webhook notifications enabled")
	} else {
		s.notifier = notify.Noop{}
	}

	// Identity: static token resolver from config
	principals, admins := cfg.Tokens()
	s.resolver = identity.NewStaticResolver(principals, admins)

	// Stores: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		offerStore   offers.Store
		tradeStore   trades.Store
		escrowStore  escrow.Store
		disputeStore disputes.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		offerStore = offers.NewPostgresStore(db)
		tradeStore = trades.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = disputes.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		offerStore = offers.NewMemoryStore()
		tradeStore = trades.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		disputeStore = disputes.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Services, innermost first
	s.offerService = offers.NewService(offerStore, s.hub, cfg.ReservationTTL)
	s.escrowService = escrow.NewService(escrowStore, s.rail, s.logger)
	s.tradeService = trades.NewService(tradeStore, s.offerService, s.escrowService, s.hub, s.notifier, cfg.TradeTTL)
	s.disputeService = disputes.NewService(disputeStore, s.tradeService, s.escrowService, s.hub, s.notifier, cfg.DisputeSLA)

	// Background sweeps
	s.offerTimer = offers.NewTimer(s.offerService, cfg.SweepInterval, s.logger)
	s.tradeTimer = trades.NewTimer(s.tradeService, cfg.SweepInterval, s.logger)
	s.disputeTimer = disputes.NewTimer(s.disputeService, cfg.SweepInterval, s.logger)
	s.reconciler = escrow.NewReconciler(escrowStore, s.tradeService, cfg.SweepInterval, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func buildRail(cfg *config.Config) (rail.Rail, error) {
	switch cfg.Rail {
	case "memory":
		return rail.NewMemory(), nil
	case "stripe":
		return rail.NewStripe(cfg.StripeAPIKey), nil
	case "chain":
		return rail.NewChain(rail.ChainConfig{
			RPCURL:        cfg.RPCURL,
			PrivateKey:    cfg.PrivateKey,
			ChainID:       cfg.ChainID,
			TokenContract: cfg.TokenContract,
		})
	default:
		return nil, fmt.Errorf("unknown rail %q", cfg.Rail)
	}
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"data": nil,
			"error": gin.H{
				"code":    "internal_error",
				"message": "An unexpected error occurred",
			},
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Resolve bearer tokens on every request; enforcement is per-route
	s.router.Use(identity.Middleware(s.resolver))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket event streams
	s.router.GET("/sync/subscribe", func(c *gin.Context) {
		s.hub.HandleSubscribe(c.Writer, c.Request)
	})

	// V1 API group; malformed :id params 404 before reaching handlers
	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware())

	offerHandler := offers.NewHandler(s.offerService)
	tradeHandler := trades.NewHandler(s.tradeService)
	disputeHandler := disputes.NewHandler(s.disputeService)

	// PUBLIC ROUTES (browse the book without auth)
	offerHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (resolved principal required)
	protected := v1.Group("")
	protected.Use(identity.RequireAuth())
	{
		offerHandler.RegisterProtectedRoutes(protected)
		tradeHandler.RegisterProtectedRoutes(protected)
		disputeHandler.RegisterProtectedRoutes(protected)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}
	checks["rail"] = s.rail.Name()

	status := "healthy"
	httpStatus := http.StatusOK
	if checks["database"] == "unhealthy" {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "peerswap",
		"description": "Peer-to-peer asset exchange with escrowed settlement",
		"version":     "0.1.0",
		"rail":        s.rail.Name(),
		"sync":        s.hub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "rail", s.rail.Name())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.offerTimer.Start(runCtx)
	go s.tradeTimer.Start(runCtx)
	go s.disputeTimer.Start(runCtx)
	go s.reconciler.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers, reconciler)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.offerTimer.Stop()
	s.tradeTimer.Stop()
	s.disputeTimer.Stop()
	s.reconciler.Stop()
	s.logger.Info("background sweeps stopped")

	if closer, ok := s.rail.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("rail close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
