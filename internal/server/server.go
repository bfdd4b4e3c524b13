package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	api "github.com/jgtolentino/pulser-sandboxd/internal/api/http"
	"github.com/jgtolentino/pulser-sandboxd/internal/api/middleware"
	"github.com/jgtolentino/pulser-sandboxd/internal/api/ws"
	"github.com/jgtolentino/pulser-sandboxd/internal/backend/container"
	"github.com/jgtolentino/pulser-sandboxd/internal/backend/microvm"
	"github.com/jgtolentino/pulser-sandboxd/internal/catalog"
	"github.com/jgtolentino/pulser-sandboxd/internal/domain/cost"
	"github.com/jgtolentino/pulser-sandboxd/internal/domain/health"
	"github.com/jgtolentino/pulser-sandboxd/internal/domain/lease"
	"github.com/jgtolentino/pulser-sandboxd/internal/domain/orchestrator"
	"github.com/jgtolentino/pulser-sandboxd/internal/domain/policy"
	"github.com/jgtolentino/pulser-sandboxd/internal/domain/scheduler"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/alerting"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/config"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/logging"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/monitoring"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/tracing"
)

// shutdownGrace bounds how long in-flight requests may drain.
const shutdownGrace = 10 * time.Second

// Server wraps the HTTP gateway and every component behind it.
type Server struct {
	cfg     *config.Config
	router  *gin.Engine
	logger  *logging.Logger
	metrics *monitoring.Metrics

	pool        *lease.Pool
	orch        *orchestrator.Orchestrator
	tracker     *health.Tracker
	ledger      *cost.Ledger
	sweeper     *scheduler.Sweeper
	snapshotter *lease.Snapshotter
	hub         *ws.Hub
}

// New builds a fully wired server from configuration.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	logger.Info("Initializing sandboxd",
		zap.String("port", cfg.Server.Port),
		zap.String("primary", cfg.Backends.PrimaryName),
		zap.String("fallback", cfg.Backends.FallbackName),
	)

	// Initialize metrics first (needed by most components)
	metrics := monitoring.NewMetrics()
	tracer := tracing.New("sandboxd", logger.Logger)

	// Image catalog
	cat := catalog.Default()
	if cfg.Lease.CatalogPath != "" {
		cat, err = catalog.LoadFile(cfg.Lease.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("load image catalog: %w", err)
		}
		logger.Info("Loaded image catalog", zap.String("path", cfg.Lease.CatalogPath))
	}

	// Upload scanner and policy enforcer
	scanPolicy := policy.DefaultScanPolicy()
	if cfg.Policy.ScanPolicyPath != "" {
		scanPolicy, err = policy.LoadScanPolicy(cfg.Policy.ScanPolicyPath)
		if err != nil {
			return nil, fmt.Errorf("load scan policy: %w", err)
		}
	}
	scanner := policy.NewScanner(scanPolicy, logger)

	enforcer, err := policy.New(cfg.Policy, cfg.Transfer, policy.Limits{MaxTTL: cfg.Lease.MaxTTL}, cat, scanner, logger)
	if err != nil {
		return nil, fmt.Errorf("build policy enforcer: %w", err)
	}

	// Execution backends
	primary := microvm.New(cfg.Backends.PrimaryName, microvm.Config{
		BaseURL: cfg.Backends.PrimaryURL,
		Timeout: cfg.Backends.RequestTimeout,
		GPU:     cfg.Backends.PrimaryGPU,
	}, logger)
	fallback := container.New(cfg.Backends.FallbackName, container.Config{
		BaseURL: cfg.Backends.FallbackURL,
		Timeout: cfg.Backends.RequestTimeout,
	}, logger)

	// Health tracking, alerting, cost accounting
	alerts := alerting.NewDispatcher(cfg.Alerting, logger, metrics)
	tracker := health.NewTracker(primary, fallback, health.Settings{
		FailoverThreshold: cfg.Backends.FailoverThreshold,
		ProbeInterval:     cfg.Backends.ProbeInterval,
	}, logger, metrics, alerts)

	tuner := alerting.NewRateTuner(cfg.Cost.WarnThresholdUSD, cfg.Alerting.Sensitivity, cfg.Alerting.MinSamples)
	ledger := cost.NewLedger(cfg.Cost, tuner, logger, metrics, alerts)

	// Lease pool and event stream
	pool := lease.NewPool(cfg.Lease, logger, metrics)
	hub := ws.NewHub(logger, metrics)
	pool.OnEvent(hub.Publish)

	snapshotter := lease.NewSnapshotter(pool, cfg.Snapshot, logger)
	if snapshotter.Enabled() {
		restored, err := snapshotter.Restore()
		if err != nil {
			logger.Warn("Snapshot restore failed, starting empty", zap.Error(err))
		} else if restored > 0 {
			logger.Info("Restored leases from snapshot", zap.Int("count", restored))
		}
	}

	orch := orchestrator.New(pool, tracker, enforcer, ledger, cfg.Backends, cfg.Lease, logger, metrics)
	sweeper := scheduler.NewSweeper(pool, ledger, orch, cfg.EffectiveSweepInterval(), logger)

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(cfg.RateLimit))
	}

	// Create handlers
	handlers := api.NewHandlers(orch, ledger, metrics, logger)

	// Register routes
	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// WebSocket lease event stream
	router.GET("/stream", hub.HandleConnection)

	// Lease API, bearer-guarded when a token hash is configured
	if cfg.Auth.TokenHash != "" {
		logger.Info("Bearer auth enabled for /v1")
	}
	v1 := router.Group("/v1")
	v1.Use(middleware.Auth(cfg.Auth))
	handlers.Register(v1)

	logger.Info("Server initialized successfully")

	return &Server{
		cfg:         cfg,
		router:      router,
		logger:      logger,
		metrics:     metrics,
		pool:        pool,
		orch:        orch,
		tracker:     tracker,
		ledger:      ledger,
		sweeper:     sweeper,
		snapshotter: snapshotter,
		hub:         hub,
	}, nil
}

// Run starts the background loops and serves HTTP until ctx is canceled.
// In-flight requests drain before the loops stop so the sweeper keeps
// enforcing lifecycle rules during the drain window.
func (s *Server) Run(ctx context.Context) error {
	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()

	go s.tracker.RunProbes(loopCtx)
	go s.sweeper.Run(loopCtx)
	go s.hub.Run(loopCtx)
	if s.snapshotter.Enabled() {
		go s.snapshotter.Run(loopCtx)
	}

	if resumed := s.orch.ResumeTerminations(loopCtx); resumed > 0 {
		s.logger.Info("Resumed interrupted teardowns", zap.Int("count", resumed))
	}

	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Gateway listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Forced gateway shutdown", zap.Error(err))
	}

	stopLoops()
	if s.snapshotter.Enabled() {
		if err := s.snapshotter.Save(); err != nil {
			s.logger.Error("Final snapshot failed", zap.Error(err))
		}
	}
	return nil
}

// Close releases resources after Run returns.
func (s *Server) Close() error {
	_ = s.logger.Sync()
	return nil
}
