// Package server assembles the facilitator HTTP service: middleware,
// routes, background workers, and graceful shutdown.
package server

import (
	"context"
	"crypto/subtle"
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

	"github.com/mbd888/facilitator/internal/chain"
	"github.com/mbd888/facilitator/internal/config"
	"github.com/mbd888/facilitator/internal/dispute"
	"github.com/mbd888/facilitator/internal/escrow"
	"github.com/mbd888/facilitator/internal/facilitator"
	"github.com/mbd888/facilitator/internal/health"
	"github.com/mbd888/facilitator/internal/idgen"
	"github.com/mbd888/facilitator/internal/logging"
	"github.com/mbd888/facilitator/internal/metrics"
	"github.com/mbd888/facilitator/internal/ratelimit"
	"github.com/mbd888/facilitator/internal/registry"
	"github.com/mbd888/facilitator/internal/reputation"
	"github.com/mbd888/facilitator/internal/security"
	"github.com/mbd888/facilitator/internal/settlement"
	"github.com/mbd888/facilitator/internal/sigverify"
	"github.com/mbd888/facilitator/internal/validation"
)

const (
	rebuildInterval   = 15 * time.Minute
	partitionInterval = 6 * time.Hour
	matviewInterval   = time.Minute
	dbStatsInterval   = 15 * time.Second
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg *config.Config

	db            *sql.DB // nil if using in-memory storage
	chainClient   settlement.ChainClient
	signer        string // facilitator's on-chain address, empty for injected clients
	payments      *escrow.StateMachine
	escrowStore   escrow.Store
	registryStore registry.Store
	coordinator   *settlement.Coordinator
	reconciler    *settlement.Reconciler
	aggregator    *registry.Aggregator
	disputes      *dispute.Engine
	snapshots     reputation.SnapshotStore
	repBuilder    *reputation.Builder
	repWorker     *reputation.Worker
	partitioner   *registry.PartitionMaintainer
	matview       *registry.MatviewRefresher
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithChainClient injects a chain client (for testing).
func WithChainClient(cc settlement.ChainClient) Option {
	return func(s *Server) { s.chainClient = cc }
}

// New creates a server instance and wires all subsystems.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var nonces sigverify.NonceStore

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory.
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}

		s.db = db
		s.escrowStore = escrow.NewPostgresStore(db)
		s.registryStore = registry.NewPostgresStore(db)
		s.snapshots = reputation.NewPostgresSnapshotStore(db)
		nonces = sigverify.NewPostgresNonceStore(db)
		s.partitioner = registry.NewPartitionMaintainer(db, partitionInterval, s.logger)
		s.matview = registry.NewMatviewRefresher(db, matviewInterval, s.logger)

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})

		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.escrowStore = escrow.NewMemoryStore()
		s.registryStore = registry.NewMemoryStore()
		s.snapshots = reputation.NewMemorySnapshotStore()
		nonces = sigverify.NewMemoryNonceStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Chain client, unless injected.
	if s.chainClient == nil {
		cc, err := chain.New(chain.Config{
			RPCURL:            cfg.RPCURL,
			PrivateKey:        cfg.PrivateKey,
			ChainID:           cfg.ChainID,
			EscrowContract:    cfg.EscrowContract,
			ConfirmationDepth: cfg.ConfirmationDepth,
		})
		if err != nil {
			return nil, fmt.Errorf("create chain client: %w", err)
		}
		s.signer = cc.Address()
		// Submissions short-circuit when the RPC endpoint is down instead
		// of queueing behind a dead connection.
		s.chainClient = settlement.NewBreakerClient(cc, 5, 30*time.Second)
		s.logger.Info("chain client ready",
			"chain_id", cfg.ChainID,
			"contract", cfg.EscrowContract,
			"signer", s.signer,
		)
	}

	// Settlement pipeline.
	verifier := sigverify.New(nonces)
	s.payments = escrow.NewStateMachine(s.escrowStore)
	s.coordinator = settlement.NewCoordinator(verifier, nonces, s.chainClient, s.payments, s.logger, settlement.Options{
		MaxAttempts: cfg.MaxSettleAttempts,
		BaseDelay:   cfg.SettleBaseDelay,
	})
	s.reconciler = settlement.NewReconciler(s.escrowStore, s.payments, s.chainClient, s.logger)

	// Validation registry. Arbitration verdicts are jury-only; every other
	// tag is open.
	jury := make(map[string]bool, len(cfg.JuryValidators))
	for _, addr := range cfg.JuryValidators {
		jury[strings.ToLower(addr)] = true
	}
	resolver := &escrowIdentityResolver{payments: s.payments, jury: jury}
	s.aggregator = registry.NewAggregator(s.registryStore, resolver, map[string][]registry.ValidatorKind{
		"arbitration": {registry.KindJury},
	})

	// Dispute policy.
	s.disputes = dispute.NewEngine(dispute.Config{
		MaxScoreSpread:  cfg.MaxScoreSpread,
		ChallengeWindow: cfg.ChallengeWindow,
	})

	// Reputation.
	provider := reputation.NewStoreMetricsProvider(s.escrowStore, s.registryStore)
	s.repBuilder = reputation.NewBuilder(provider)
	s.repWorker = reputation.NewWorker(s.repBuilder, provider, s.snapshots, rebuildInterval, s.logger)

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

// escrowIdentityResolver answers party and validator-kind questions from
// facilitator state. Task ids are escrow payment ids; the payer commissioned
// the task and the recipient supplies the work.
type escrowIdentityResolver struct {
	payments *escrow.StateMachine
	jury     map[string]bool
}

func (r *escrowIdentityResolver) Parties(ctx context.Context, taskID string) (*registry.TaskParties, error) {
	p, err := r.payments.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, escrow.ErrPaymentNotFound) {
			// Tasks can be validated before settlement records exist.
			return &registry.TaskParties{}, nil
		}
		return nil, err
	}
	return &registry.TaskParties{
		Payer:    p.Payer,
		Taskor:   p.Payer,
		Supplier: p.Recipient,
	}, nil
}

func (r *escrowIdentityResolver) ValidatorKind(ctx context.Context, addr string) (registry.ValidatorKind, error) {
	if r.jury[strings.ToLower(addr)] {
		return registry.KindJury, nil
	}
	return registry.KindAutomated, nil
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
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
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

func generateRequestID() string {
	return idgen.WithPrefix("req_")
}

// adminSecretMiddleware gates operator-only routes on the X-Admin-Secret
// header. With no secret configured the routes are disabled outright.
func (s *Server) adminSecretMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := s.cfg.AdminSecret
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin_disabled"})
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")

	facilitator.NewHandler(s.coordinator).RegisterRoutes(v1)
	registry.NewHandler(s.aggregator).RegisterRoutes(v1)
	reputation.NewHandler(s.repBuilder, s.snapshots).RegisterRoutes(v1)

	disputeHandler := dispute.NewHandler(s.disputes, s.registryStore, s.payments)
	disputeHandler.RegisterRoutes(v1)

	// Arbitration outcomes come from the operator, not from agents.
	admin := v1.Group("")
	admin.Use(s.adminSecretMiddleware())
	disputeHandler.RegisterAdminRoutes(admin)

	// Reference resource behind the payment gate, showing the 402 retry
	// flow end to end against this same facilitator.
	requirement := facilitator.PaymentRequirement{
		Amount:    "10000",
		ChainID:   s.cfg.ChainID,
		Recipient: s.signerAddress(),
		Contract:  s.cfg.EscrowContract,
		Duration:  3600,
	}
	s.router.GET("/api/v1/premium",
		facilitator.Gate(requirement, facilitator.PaymentCheck(s.coordinator)),
		s.premiumHandler,
	)
}

// signerAddress returns the facilitator's on-chain address when the chain
// client exposes one.
func (s *Server) signerAddress() string {
	if s.signer != "" {
		return s.signer
	}
	if c, ok := s.chainClient.(interface{ Address() string }); ok {
		return c.Address()
	}
	return ""
}

func (s *Server) premiumHandler(c *gin.Context) {
	p := c.MustGet(facilitator.PaymentContextKey).(*escrow.Payment)
	c.JSON(http.StatusOK, gin.H{
		"content":   "settled-access content",
		"paymentId": p.PaymentID,
		"payer":     p.Payer,
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "facilitator",
		"description": "x402 payment facilitator and escrow settlement engine",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
		"contract":    s.cfg.EscrowContract,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server plus background workers and blocks until the
// context is cancelled, a signal arrives, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
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

	go s.reconciler.Run(runCtx, s.cfg.ReconcileInterval)
	go s.repWorker.Start(runCtx)
	if s.partitioner != nil {
		go s.partitioner.Start(runCtx)
	}
	if s.matview != nil {
		go s.matview.Start(runCtx)
	}
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, dbStatsInterval)
	}

	s.ready.Store(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", "context cancelled")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops background workers and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.healthy.Store(false)

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if closer, ok := s.chainClient.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("chain client close: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Router exposes the gin engine, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
