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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/fraudgate/internal/circuitbreaker"
	"github.com/mbd888/fraudgate/internal/config"
	"github.com/mbd888/fraudgate/internal/fraud"
	"github.com/mbd888/fraudgate/internal/geoip"
	"github.com/mbd888/fraudgate/internal/health"
	"github.com/mbd888/fraudgate/internal/idgen"
	"github.com/mbd888/fraudgate/internal/ingest"
	"github.com/mbd888/fraudgate/internal/logging"
	"github.com/mbd888/fraudgate/internal/metrics"
	"github.com/mbd888/fraudgate/internal/ratelimit"
	"github.com/mbd888/fraudgate/internal/realtime"
	"github.com/mbd888/fraudgate/internal/security"
	"github.com/mbd888/fraudgate/internal/traces"
	"github.com/mbd888/fraudgate/internal/validation"
)

// Version is reported by the health and info endpoints.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	engine       *fraud.Engine
	fraudService *fraud.Service
	janitor      *fraud.Janitor
	resolver     fraud.LocationResolver
	geo          *geoip.Resolver // nil unless GEOIP_CITY_DB is set
	consumer     *ingest.Consumer
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error
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

// WithLocationResolver sets the IP geolocation source, overriding
// GEOIP_CITY_DB (for testing)
func WithLocationResolver(r fraud.LocationResolver) Option {
	return func(s *Server) {
		s.resolver = r
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.stopTracing = stopTracing

	zone, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid fraud timezone: %w", err)
	}
	s.engine = fraud.NewEngine().
		WithThreshold(cfg.FraudThreshold).
		WithLocation(zone).
		WithLogger(s.logger)
	s.logger.Info("fraud engine configured",
		"threshold", s.engine.Threshold(),
		"timezone", zone.String(),
	)

	// Audit store (Postgres if DATABASE_URL set, otherwise in-memory)
	var store fraud.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		pgStore := fraud.NewPostgresStore(db)
		if err := pgStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate fraud check store", "error", err)
		}
		store = pgStore
		s.health.Register("database", health.PingChecker("database", db, 2*time.Second))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		store = fraud.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// IP geolocation
	if s.resolver == nil && cfg.GeoIPCityDB != "" {
		geo, err := geoip.Open(cfg.GeoIPCityDB)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to open geoip database: %w", err)
		}
		s.geo = geo
		s.resolver = geo
		s.logger.Info("geoip enrichment enabled", "db", cfg.GeoIPCityDB)
	}

	// Realtime decision stream
	s.realtimeHub = realtime.NewHub(s.logger)

	s.fraudService = fraud.NewService(s.engine, store, s.logger).
		WithEvents(&realtimeEventEmitter{hub: s.realtimeHub})
	if s.db != nil {
		breaker := circuitbreaker.New(5, 30*time.Second)
		breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
			s.logger.Warn("circuit breaker state changed", "key", key, "from", from.String(), "to", to.String())
		})
		s.fraudService.WithRecordBreaker(breaker)
		s.health.Register("audit_store_breaker", health.RunningChecker("audit_store_breaker", func() bool {
			return breaker.State(fraud.AuditBreakerKey) != circuitbreaker.StateOpen
		}))
	}
	if s.resolver != nil {
		s.fraudService.WithLocationResolver(s.resolver)
	}

	// Idle profile eviction
	s.janitor = fraud.NewJanitor(s.engine, cfg.ProfileTTL, cfg.ProfileSweepInterval, s.logger).
		OnSweep(func(evicted int) {
			metrics.EvictedProfilesTotal.Add(float64(evicted))
			metrics.ActiveProfiles.Set(float64(s.engine.ProfileCount()))
		})
	s.health.Register("profile_janitor", health.RunningChecker("profile_janitor", func() bool {
		return !s.ready.Load() || s.janitor.Running()
	}))

	// Kafka ingest
	if cfg.KafkaEnabled() {
		consumer, err := ingest.New(ingest.Config{
			Brokers:           cfg.KafkaBrokers,
			GroupID:           cfg.KafkaGroupID,
			TransactionsTopic: cfg.KafkaTransactionsTopic,
			ResultsTopic:      cfg.KafkaResultsTopic,
			DLQTopic:          cfg.KafkaDLQTopic,
			Workers:           cfg.KafkaWorkers,
		}, s.fraudService, s.logger)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
		}
		s.consumer = consumer
		s.health.Register("kafka_consumer", health.RunningChecker("kafka_consumer", func() bool {
			return !s.ready.Load() || s.consumer.Running()
		}))
		s.logger.Info("kafka ingest enabled",
			"brokers", cfg.KafkaBrokers,
			"topic", cfg.KafkaTransactionsTopic,
			"workers", cfg.KafkaWorkers,
		)
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID (load balancer, gateway)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.WithPrefix("req_")
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

	// Decision stream
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	// Rate limiting applies to the API only
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)

	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware())
	v1.GET("/info", s.infoHandler)

	handler := fraud.NewHandler(s.fraudService)
	handler.RegisterRoutes(v1)

	admin := v1.Group("/admin")
	admin.Use(security.RequireAdminSecret(s.cfg.AdminSecret))
	handler.RegisterAdminRoutes(admin)
	if s.cfg.AdminSecret == "" {
		s.logger.Warn("admin routes are unauthenticated (ADMIN_SECRET not set)")
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.health.CheckAll(ctx)
	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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
		"name":          "fraudgate",
		"version":       Version,
		"threshold":     s.engine.Threshold(),
		"profiles":      s.engine.ProfileCount(),
		"blocklistSize": s.engine.BlocklistSize(),
		"geoip":         s.resolver != nil,
		"kafka":         s.consumer != nil,
		"stream":        s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.janitor.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	if s.consumer != nil {
		go func() {
			if err := s.consumer.Run(runCtx); err != nil {
				s.logger.Error("kafka consumer stopped", "error", err)
			}
		}()
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop hub, janitor and consumer
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.janitor.Stop()

	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			s.logger.Error("kafka consumer close error", "error", err)
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.geo != nil {
		if err := s.geo.Close(); err != nil {
			s.logger.Error("geoip close error", "error", err)
		}
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
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

// Service returns the fraud check service
func (s *Server) Service() *fraud.Service {
	return s.fraudService
}
