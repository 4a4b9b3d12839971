// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/sessionguard/internal/assessment"
	"github.com/mbd888/sessionguard/internal/circuitbreaker"
	"github.com/mbd888/sessionguard/internal/config"
	"github.com/mbd888/sessionguard/internal/health"
	"github.com/mbd888/sessionguard/internal/idgen"
	"github.com/mbd888/sessionguard/internal/logging"
	"github.com/mbd888/sessionguard/internal/metrics"
	"github.com/mbd888/sessionguard/internal/ratelimit"
	"github.com/mbd888/sessionguard/internal/realtime"
	"github.com/mbd888/sessionguard/internal/retry"
	"github.com/mbd888/sessionguard/internal/risk"
	"github.com/mbd888/sessionguard/internal/security"
	"github.com/mbd888/sessionguard/internal/traces"
	"github.com/mbd888/sessionguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	version      string
	service      *assessment.Service
	store        assessment.Store
	realtimeHub  *realtime.Hub
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets the assessment store, bypassing DATABASE_URL (for testing)
func WithStore(store assessment.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithVersion sets the build version reported by /health and traces
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set store/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return nil, err
		}
	}

	pipeline, err := s.buildPipeline()
	if err != nil {
		s.closeDB()
		return nil, err
	}

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	s.service = assessment.NewService(pipeline, s.store, s.logger).WithBroadcaster(s.realtimeHub)
	s.logger.Info("risk pipeline ready",
		"model_version", risk.ModelVersion,
		"weights_version", pipeline.Weights().Version(),
		"hard_rule_mode", pipeline.Mode(),
		"top_k", pipeline.TopK(),
		"rules", len(pipeline.Rules()),
	)

	s.health.RegisterPinger("store", s.service)
	s.health.Register("realtime", func(context.Context) health.Status {
		stats := s.realtimeHub.Stats()
		return health.Status{Healthy: true, Detail: fmt.Sprintf("%v clients", stats["connectedClients"])}
	})

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStore picks the assessment store selected by DATABASE_URL.
func (s *Server) openStore(ctx context.Context) error {
	switch s.cfg.DatabaseDriver() {
	case config.DriverPostgres:
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		store := assessment.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate assessment store", "error", err)
		}
		s.db, s.store = db, s.guard(store)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	case config.DriverSQLite:
		db, err := assessment.OpenSQLite(s.cfg.SQLitePath())
		if err != nil {
			return err
		}
		store := assessment.NewSQLiteStore(db)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to migrate sqlite store: %w", err)
		}
		s.db, s.store = db, s.guard(store)
		s.logger.Info("using SQLite storage", "path", s.cfg.SQLitePath())

	default:
		s.store = assessment.NewMemoryStore()
		s.logger.Info("using in-memory storage (assessments are lost on restart)")
	}
	return nil
}

// guard puts retries and a circuit breaker in front of a database-backed
// audit store.
func (s *Server) guard(store assessment.Store) assessment.Store {
	guarded := assessment.NewGuardedStore(store,
		circuitbreaker.New("audit_store", auditBreakerThreshold, auditBreakerCooldown),
		auditRetryPolicy,
	).WithWriteBudget(auditWriteBudget)
	s.health.Register("audit_writes", func(context.Context) health.Status {
		state := guarded.BreakerState()
		return health.Status{Healthy: state != circuitbreaker.StateOpen, Detail: "circuit " + state.String()}
	})
	return guarded
}

// buildPipeline applies environment settings first and the weights file
// second, so a file that sets hard_rule_mode or top_k wins.
func (s *Server) buildPipeline() (*risk.Pipeline, error) {
	opts := []risk.Option{
		risk.WithHardRuleMode(s.cfg.Mode()),
		risk.WithTopK(s.cfg.TopK),
		risk.WithSink(assessment.NewLogSink(s.logger)),
	}

	if s.cfg.WeightsFile != "" {
		wf, err := config.LoadWeightsFile(s.cfg.WeightsFile)
		if err != nil {
			return nil, err
		}
		fileOpts, err := wf.PipelineOptions()
		if err != nil {
			return nil, fmt.Errorf("weights file %s: %w", s.cfg.WeightsFile, err)
		}
		opts = append(opts, fileOpts...)
		s.logger.Info("loaded weights file", "path", s.cfg.WeightsFile, "version", wf.Version)
	}

	return risk.NewPipeline(opts...)
}

// maskDSN hides password in connection string for logging
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

// batchCost is the rate-limit weight of one batch request.
const batchCost = 10

// Audit writes stop for auditBreakerCooldown after this many consecutive
// failed (already retried) writes.
const (
	auditBreakerThreshold = 5
	auditBreakerCooldown  = 30 * time.Second
)

// Audit writes sit on the scoring request path, so a failing store may add
// at most auditWriteBudget to a request.
const auditWriteBudget = 50 * time.Millisecond

var auditRetryPolicy = retry.Policy{
	Attempts:  3,
	BaseDelay: 5 * time.Millisecond,
	MaxDelay:  20 * time.Millisecond,
}

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware(func(c *gin.Context) int {
		if strings.HasSuffix(c.Request.URL.Path, "/score/batch") {
			return batchCost
		}
		return 1
	}))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
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

		// Log level based on status code
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
			logger.Debug("request completed",
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/", s.infoHandler)

	// WebSocket decision feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	v1 := s.router.Group("/v1")
	handler := assessment.NewHandler(s.service)
	handler.RegisterRoutes(v1)

	// ADMIN ROUTES (require X-Admin-Secret)
	admin := v1.Group("")
	admin.Use(security.AdminMiddleware(s.cfg.AdminSecret))
	handler.RegisterAdminRoutes(admin)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Route not found",
		})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
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
	w := s.service.Weights()
	c.JSON(http.StatusOK, gin.H{
		"name":            "sessionguard",
		"description":     "Session risk scoring",
		"version":         s.version,
		"model_version":   risk.ModelVersion,
		"weights_version": w.Version(),
		"hard_rule_mode":  s.service.Mode(),
		"storage":         s.cfg.DatabaseDriver(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialise tracing", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		if err := shutdownTracing(tctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}()

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "storage", s.cfg.DatabaseDriver())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, DB stats)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.closeDB()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the assessment service.
func (s *Server) Service() *assessment.Service {
	return s.service
}
