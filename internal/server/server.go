// Package server sets up the HTTP server with all routes.
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

	"github.com/palomar/bazaar/internal/auth"
	"github.com/palomar/bazaar/internal/config"
	"github.com/palomar/bazaar/internal/disputes"
	"github.com/palomar/bazaar/internal/escrow"
	"github.com/palomar/bazaar/internal/events"
	"github.com/palomar/bazaar/internal/health"
	"github.com/palomar/bazaar/internal/ledger"
	"github.com/palomar/bazaar/internal/logging"
	"github.com/palomar/bazaar/internal/metrics"
	"github.com/palomar/bazaar/internal/orders"
	"github.com/palomar/bazaar/internal/payments"
	"github.com/palomar/bazaar/internal/ratelimit"
	"github.com/palomar/bazaar/internal/security"
	"github.com/palomar/bazaar/internal/traces"
	"github.com/palomar/bazaar/internal/validation"
)

// Server wraps the HTTP server and all marketplace services.
type Server struct {
	cfg *config.Config

	authMgr      *auth.Manager
	ledger       *ledger.Ledger
	escrowEngine *escrow.Engine
	orderSvc     *orders.Service
	orderTimer   *orders.Timer
	disputeSvc   *disputes.Service
	disputeTimer *disputes.Timer
	dispatcher   *events.Dispatcher
	eventStore   events.Store
	hub          *events.Hub
	paymentSvc   *payments.Service
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry

	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	tracesShutdown func(context.Context) error

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

// WithPaymentProvider injects a card processor (for testing).
func WithPaymentProvider(p payments.Provider) Option {
	return func(s *Server) {
		s.paymentSvc = payments.NewService(s.ledger, p, s.cfg.Currency)
	}
}

// New creates a server instance with all services wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}

	var (
		ledgerStore  ledger.Store
		escrowStore  escrow.Store
		orderStore   orders.Store
		disputeStore disputes.Store
		webhookStore events.Store
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
		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
		ledgerStore = ledger.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		orderStore = orders.NewPostgresStore(db)
		disputeStore = disputes.NewPostgresStore(db)
		webhookStore = events.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ledgerStore = ledger.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		orderStore = orders.NewMemoryStore()
		disputeStore = disputes.NewMemoryStore()
		webhookStore = events.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.authMgr = auth.NewManager(cfg.JWTSecret, cfg.TokenTTL)
	s.ledger = ledger.New(ledgerStore)
	s.escrowEngine = escrow.NewEngine(escrowStore, s.ledger)

	s.hub = events.NewHub(s.logger)
	s.eventStore = webhookStore
	s.dispatcher = events.NewDispatcher(webhookStore)
	emitter := events.NewEmitter(s.dispatcher, s.hub, s.logger)

	s.orderSvc = orders.NewService(orderStore, s.escrowEngine, emitter, orders.Options{
		BuyerFeeBps:   cfg.BuyerFeeBps,
		SellerFeeBps:  cfg.SellerFeeBps,
		Currency:      cfg.Currency,
		PaymentWindow: cfg.PaymentWindow,
		ReviewWindow:  cfg.ReviewWindow,
	})
	s.orderTimer = orders.NewTimer(s.orderSvc, orderStore, cfg.SweepInterval, s.logger)

	s.disputeSvc = disputes.NewService(disputeStore, s.orderSvc, s.escrowEngine, emitter, cfg.DisputeDeadline)
	s.disputeTimer = disputes.NewTimer(s.disputeSvc, disputeStore, cfg.SweepInterval, s.logger)

	var provider payments.Provider
	if cfg.StripeSecretKey != "" {
		provider = payments.NewStripeProvider(cfg.StripeSecretKey)
		s.logger.Info("card payments enabled")
	}
	s.paymentSvc = payments.NewService(s.ledger, provider, cfg.Currency)

	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "an unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
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

func (s *Server) setupRoutes() {
	// Health & metrics
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/api", s.infoHandler)

	// Provider callbacks authenticate by signature, not bearer token.
	paymentHandlers := payments.NewHandlers(s.paymentSvc, s.cfg.StripeWebhookSecret)
	paymentHandlers.RegisterWebhook(s.router)

	// V1 API
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	authed := v1.Group("", auth.RequireAuth())
	{
		orderHandlers := orders.NewHandlers(s.orderSvc, s.escrowEngine)
		orderHandlers.RegisterRoutes(authed)

		ledgerHandlers := ledger.NewHandlers(s.ledger)
		ledgerHandlers.RegisterRoutes(authed)

		disputeHandlers := disputes.NewHandlers(s.disputeSvc)
		disputeHandlers.RegisterRoutes(authed)

		eventHandlers := events.NewHandlers(s.eventStore, s.hub)
		eventHandlers.RegisterRoutes(authed)

		paymentHandlers.RegisterRoutes(authed)
	}

	admin := v1.Group("/admin", auth.RequireAdmin())
	{
		ledger.NewHandlers(s.ledger).RegisterAdminRoutes(admin)
		disputes.NewHandlers(s.disputeSvc).RegisterAdminRoutes(admin)
		paymentHandlers.RegisterAdminRoutes(admin)
		admin.GET("/events/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.hub.Stats())
		})
	}
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Bazaar",
		"description": "Order lifecycle and escrow ledger for digital goods",
		"version":     "0.1.0",
		"currency":    s.cfg.Currency,
	})
}

// HealthResponse for health check endpoints.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	s.tracesShutdown = shutdown

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.orderTimer.Start(runCtx)
	go s.disputeTimer.Start(runCtx)

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.orderTimer.Stop()
	s.disputeTimer.Stop()
	s.logger.Info("sweep timers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
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

// AuthManager returns the token manager for testing.
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
}

// Ledger returns the ledger service for testing.
func (s *Server) Ledger() *ledger.Ledger {
	return s.ledger
}

func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "req_" + hex.EncodeToString(b)
}
