// Package server sets up the HTTP server with all routes
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

	"github.com/sentinelroad/backend/internal/cache"
	"github.com/sentinelroad/backend/internal/calculator"
	"github.com/sentinelroad/backend/internal/clusters"
	"github.com/sentinelroad/backend/internal/config"
	"github.com/sentinelroad/backend/internal/health"
	"github.com/sentinelroad/backend/internal/incidents"
	"github.com/sentinelroad/backend/internal/logging"
	"github.com/sentinelroad/backend/internal/metrics"
	"github.com/sentinelroad/backend/internal/providers"
	"github.com/sentinelroad/backend/internal/ratelimit"
	"github.com/sentinelroad/backend/internal/realtime"
	"github.com/sentinelroad/backend/internal/sampler"
	"github.com/sentinelroad/backend/internal/scorer"
	"github.com/sentinelroad/backend/internal/security"
	"github.com/sentinelroad/backend/internal/traces"
	"github.com/sentinelroad/backend/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	providers     *providers.Providers
	calculator    *calculator.Calculator
	history       calculator.HistoryStore
	normalizer    *incidents.Normalizer
	incidentStore incidents.Store
	analyzer      *clusters.Analyzer
	cacheStore    cache.Store
	realtimeHub   *realtime.Hub
	healthReg     *health.Registry
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	tracesClose   func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool

	// One calculation pass at a time; concurrent triggers get 409.
	passActive atomic.Bool

	// Set by options, replaces the provider-backed sources (for testing)
	sourcesOverride *calculator.Sources
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSources replaces the provider-backed signal sources (for testing)
func WithSources(sources calculator.Sources) Option {
	return func(s *Server) {
		s.sourcesOverride = &sources
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger/sources)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var cacheStore cache.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		cacheStore = cache.NewPostgresStore(db)
		s.history = calculator.NewPostgresHistoryStore(db)
		s.incidentStore = incidents.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		cacheStore = cache.NewMemoryStore()
		s.history = calculator.NewMemoryHistoryStore()
		s.incidentStore = incidents.NewMemoryStore()
		s.logger.Info("using in-memory storage (no DATABASE_URL set)")
	}
	s.cacheStore = cacheStore

	// Provider adapters share one HTTP client and the cache store
	s.providers = providers.New(cfg, cacheStore, s.logger)

	// Risk scoring pipeline
	smp := sampler.New(s.providers.RoadGraph, cfg, s.logger)
	sc := scorer.New(scorer.DefaultConfig(cfg))

	sources := calculator.Sources{
		Locations: smp,
		Flow:      s.providers.Traffic,
		Incidents: s.providers.Traffic,
		Weather:   s.providers.Weather,
		Infra:     s.providers.Infra,
		Limits:    s.providers.SpeedLimit,
		Reports:   incidents.NewFeed(s.incidentStore),
	}
	if s.sourcesOverride != nil {
		sources = *s.sourcesOverride
	}
	s.calculator = calculator.New(sources, sc, s.history, cfg, s.logger)

	// Incident intake pipeline. The classifier strategy is keyword rules
	// by default; an OpenAI-compatible extractor takes over when configured.
	var classifier incidents.Classifier = incidents.KeywordClassifier{}
	if cfg.LLMAPIURL != "" {
		classifier = incidents.NewLLMClassifier(cfg.LLMAPIURL, cfg.LLMAPIKey, cfg.HTTPTimeout)
		s.logger.Info("LLM incident classifier enabled")
	}
	s.normalizer = incidents.NewNormalizer(classifier, s.providers.Geocoder, s.incidentStore, cfg, s.logger)

	// Cluster analysis
	s.analyzer = clusters.New(clusters.ParamsFrom(cfg), s.logger)

	// Real-time streaming; workers report progress straight into the hub
	s.realtimeHub = realtime.NewHub(s.logger)
	s.calculator.OnProgress(s.realtimeHub.BroadcastProgress)

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", health.DatabaseChecker(s.db))
	}
	s.healthReg.Register("providers", health.BreakerChecker(s.providers.Breaker(),
		"traffic", "weather", "speedlimit", "geocode"))

	// Setup Gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
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

	// CORS (allow all origins for the public map - restrict per deployment)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

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
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time pass progress and analysis results
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/api/v1")

	// Risk scoring
	v1.POST("/risk/calculate", s.calculateHandler)
	v1.GET("/risk/latest", s.latestPassHandler)
	v1.GET("/risk/history/:lat/:lon", validation.CoordParamMiddleware(), s.locationHistoryHandler)

	// Incident intake and analysis
	v1.POST("/incidents", s.ingestIncidentsHandler)
	v1.GET("/incidents", s.listIncidentsHandler)
	v1.POST("/incidents/analyze", s.analyzeHandler)

	// Realtime hub stats (connected clients, event counts)
	v1.GET("/realtime/stats", s.realtimeStatsHandler)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing is a no-op exporter when no endpoint is configured
	tracesClose, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed", "error", err)
	} else {
		s.tracesClose = tracesClose
	}

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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Expired cache rows are swept in the background
	go s.purgeCacheLoop(runCtx)

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 30*time.Second)
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

// purgeCacheLoop sweeps expired cache entries hourly.
func (s *Server) purgeCacheLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := s.cacheStore.Purge(ctx)
			if err != nil {
				s.logger.Warn("cache purge failed", "error", err)
				continue
			}
			if purged > 0 {
				s.logger.Info("cache purged", "entries", purged)
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, cache sweep)
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

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush pending spans
	if s.tracesClose != nil {
		if err := s.tracesClose(ctx); err != nil {
			s.logger.Error("traces close error", "error", err)
		}
	}

	// Close database connection pool
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

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
