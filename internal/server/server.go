// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/attendguard/attendguard/internal/admin"
	"github.com/attendguard/attendguard/internal/circuitbreaker"
	"github.com/attendguard/attendguard/internal/config"
	"github.com/attendguard/attendguard/internal/geo"
	"github.com/attendguard/attendguard/internal/health"
	"github.com/attendguard/attendguard/internal/identity"
	"github.com/attendguard/attendguard/internal/intake"
	"github.com/attendguard/attendguard/internal/logging"
	"github.com/attendguard/attendguard/internal/metrics"
	"github.com/attendguard/attendguard/internal/mlscore"
	"github.com/attendguard/attendguard/internal/proxy"
	"github.com/attendguard/attendguard/internal/ratelimit"
	"github.com/attendguard/attendguard/internal/realtime"
	"github.com/attendguard/attendguard/internal/security"
	"github.com/attendguard/attendguard/internal/validation"
	"github.com/attendguard/attendguard/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the verification pipeline
type Server struct {
	cfg           *config.Config
	version       string
	store         proxy.Store
	directory     identity.Directory
	scorer        proxy.Scorer
	signal        *proxy.RiskSignal
	verifier      *proxy.Verifier
	dispatcher    *proxy.Dispatcher
	janitor       *proxy.Janitor
	review        *proxy.Review
	realtimeHub   *realtime.Hub
	consumer      *intake.Consumer
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	intakeLimiter *ratelimit.Limiter
	db            *sqlx.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	drainDelay    time.Duration

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	cancelIntake context.CancelFunc
	intakeDone   chan struct{}
	background   sync.WaitGroup

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

// WithStore replaces the store chosen from DATABASE_URL (for testing)
func WithStore(store proxy.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithDirectory replaces the student directory (for testing and demos)
func WithDirectory(d identity.Directory) Option {
	return func(s *Server) {
		s.directory = d
	}
}

// WithScorer replaces the HTTP scorer built from SCORER_URL
func WithScorer(sc proxy.Scorer) Option {
	return func(s *Server) {
		s.scorer = sc
	}
}

// WithVersion sets the version reported by /health
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	if cfg.IsProduction() {
		s.drainDelay = 5 * time.Second
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.store == nil {
		st, err := OpenStorage(ctx, cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.store, s.db = st.Store, st.DB
		if s.directory == nil {
			s.directory = st.Directory
		}
	}
	if s.directory == nil {
		s.directory = identity.NewMemoryDirectory()
	}
	s.directory = identity.NewCachedDirectory(s.directory, cfg.IdentityCacheTTL)

	// External risk scorer
	if s.scorer == nil && cfg.ScorerURL != "" {
		s.scorer = mlscore.New(cfg.ScorerURL, cfg.ScorerTimeout)
		s.logger.Info("external risk scorer enabled", "url", cfg.ScorerURL, "timeout", cfg.ScorerTimeout)
	}
	s.signal = proxy.NewRiskSignal(s.scorer, cfg.ScorerTimeout,
		circuitbreaker.New("risk_scorer", 5, 30*time.Second))

	s.realtimeHub = realtime.NewHub(s.logger)

	s.verifier = proxy.NewVerifier(s.store, Thresholds(cfg)).
		WithRiskSignal(s.signal).
		WithNotifier(s.realtimeHub).
		WithDirectory(s.directory).
		WithLocation(cfg.Location())
	s.dispatcher = proxy.NewDispatcher(s.verifier, cfg.DispatchWorkers, cfg.DispatchQueueSize,
		cfg.DispatchTaskTimeout, s.logger)
	s.janitor = proxy.NewJanitor(s.store, cfg.SightingRetention, s.logger)
	s.review = proxy.NewReview(s.store, s.directory).WithNotifier(s.realtimeHub)

	if cfg.AMQPURL != "" {
		s.consumer = intake.NewConsumer(intake.Config{
			URL:      cfg.AMQPURL,
			Queue:    cfg.AMQPQueue,
			Prefetch: cfg.AMQPPrefetch,
		}, s.dispatcher, s.logger)
	}

	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// Thresholds maps configuration onto the rule thresholds.
func Thresholds(cfg *config.Config) proxy.Thresholds {
	return proxy.Thresholds{
		GeofenceCenter:         geo.Point{Lat: cfg.GeofenceLat, Lng: cfg.GeofenceLng},
		GeofenceRadiusMeters:   cfg.GeofenceRadiusMeters,
		Window:                 cfg.CorrelationWindow(),
		LowAccuracyMeters:      cfg.LowAccuracyMeters,
		MultiIdentityMinOthers: cfg.MultiIdentityMinOthers,
		MaxTravelKmh:           cfg.MaxTravelKmh,
		RiskProbability:        cfg.RiskProbabilityThreshold,
	}
}

// Storage is the persistence chosen from DATABASE_URL.
type Storage struct {
	Store     proxy.Store
	Directory identity.Directory
	DB        *sqlx.DB // nil for in-memory storage
}

// Close releases the database pool, if any.
func (st *Storage) Close() error {
	if st.DB == nil {
		return nil
	}
	return st.DB.Close()
}

// OpenStorage returns Postgres-backed storage (migrated to the latest
// version) when DATABASE_URL is set, otherwise in-memory storage.
func OpenStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Storage, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
		return &Storage{Store: proxy.NewMemoryStore(), Directory: identity.NewMemoryDirectory()}, nil
	}

	db, err := sqlx.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrations.Run(ctx, db.DB, "up"); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))
	return &Storage{
		Store:     proxy.NewPostgresStore(db),
		Directory: identity.NewPostgresDirectory(db),
		DB:        db,
	}, nil
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// The intake route has its own, larger budget; the attendance subsystem
	// posts every mark from a handful of addresses.
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(s.cfg.RateLimitRPM/10, 1),
	})
	s.router.Use(skipPath(intakePath, s.rateLimiter.Middleware()))
	s.intakeLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.IntakeRPM,
		BurstSize:         max(s.cfg.IntakeRPM/10, 1),
	})

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

const intakePath = "/v1/verifications"

func skipPath(path string, mw gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == path {
			c.Next()
			return
		}
		mw(c)
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID (load balancer, attendance subsystem)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
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

	v1 := s.router.Group("/v1")
	proxy.NewHandler(s.review, s.dispatcher).
		WithIntakeLimiter(s.intakeLimiter).
		RegisterRoutes(v1)
	v1.GET("/violations/stream", s.realtimeHub.Handler())
	v1.GET("/feed/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	admin.NewHandler().
		WithPipeline(s.dispatcher).
		WithPruner(s.janitor).
		WithTrainingExporter(s.review, s.cfg.Location()).
		RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) setupHealth() {
	s.health = health.NewRegistry(3 * time.Second)

	s.health.Register("database", true, health.Ping("database", s.store.Ping))

	s.health.Register("dispatcher", true, func(context.Context) health.Status {
		detail := fmt.Sprintf("pending=%d dropped=%d", s.dispatcher.Pending(), s.dispatcher.Dropped())
		if !s.dispatcher.Running() {
			return health.Status{Healthy: false, Detail: "workers not running; " + detail}
		}
		return health.Status{Healthy: true, Detail: detail}
	})

	if s.scorer != nil {
		breaker := s.signal.Breaker()
		s.health.Register("risk_scorer", false, func(context.Context) health.Status {
			st := breaker.State()
			return health.Status{Healthy: st != circuitbreaker.StateOpen, Detail: "circuit " + st.String()}
		})
	}

	if s.consumer != nil {
		s.health.Register("intake", false, func(ctx context.Context) health.Status {
			if err := s.consumer.Ping(ctx); err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			n, err := s.consumer.QueueLength()
			if err != nil {
				return health.Status{Healthy: true, Detail: "queue length unknown: " + err.Error()}
			}
			return health.Status{Healthy: true, Detail: fmt.Sprintf("ready=%d", n)}
		})
	}
}

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
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		for _, st := range checks {
			if !st.Healthy {
				status = "degraded"
				break
			}
		}
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
	if healthy, _ := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background workers: dispatcher, janitor, feed hub, DB
// stats collector and the queue consumer. Run calls it; tests call it
// directly to exercise the pipeline without a listener.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.goBackground(func() { s.dispatcher.Start(runCtx) })
	s.goBackground(func() { s.janitor.Start(runCtx) })
	s.goBackground(func() { s.realtimeHub.Run(runCtx) })
	if s.db != nil {
		s.goBackground(func() { metrics.StartDBStatsCollector(runCtx, s.db.DB, 15*time.Second) })
	}

	if s.consumer != nil {
		intakeCtx, stopIntake := context.WithCancel(runCtx)
		s.cancelIntake = stopIntake
		s.intakeDone = make(chan struct{})
		go func() {
			defer close(s.intakeDone)
			s.consumer.Serve(intakeCtx)
		}()
	}

	s.ready.Store(true)
	s.logger.Info("verification pipeline started",
		"workers", s.cfg.DispatchWorkers,
		"queue_size", s.cfg.DispatchQueueSize,
		"scorer", s.scorer != nil,
		"amqp_intake", s.consumer != nil,
	)
}

func (s *Server) goBackground(fn func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn()
	}()
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second, // CSV exports stream for a while
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown stops intake first, then lets the dispatcher drain what was
// already accepted, then releases storage.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			firstErr = err
		}
	}

	if s.cancelIntake != nil {
		s.cancelIntake()
		select {
		case <-s.intakeDone:
			s.logger.Info("queue consumer stopped")
		case <-ctx.Done():
			s.logger.Warn("queue consumer did not stop in time")
		}
	}

	s.dispatcher.Stop()
	s.janitor.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("background workers stopped", "dropped_verifications", s.dispatcher.Dropped())
	case <-ctx.Done():
		s.logger.Error("background workers did not stop in time", "pending", s.dispatcher.Pending())
	}

	s.rateLimiter.Stop()
	s.intakeLimiter.Stop()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
