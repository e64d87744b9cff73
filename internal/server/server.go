// Package server wires the OjaPay services into an HTTP server.
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/ojapay/ojapay/internal/config"
	"github.com/ojapay/ojapay/internal/escrow"
	"github.com/ojapay/ojapay/internal/health"
	"github.com/ojapay/ojapay/internal/ledger"
	"github.com/ojapay/ojapay/internal/listing"
	"github.com/ojapay/ojapay/internal/logging"
	"github.com/ojapay/ojapay/internal/metrics"
	"github.com/ojapay/ojapay/internal/money"
	"github.com/ojapay/ojapay/internal/notify"
	"github.com/ojapay/ojapay/internal/ratelimit"
	"github.com/ojapay/ojapay/internal/realtime"
	"github.com/ojapay/ojapay/internal/reconciliation"
	"github.com/ojapay/ojapay/internal/reputation"
	"github.com/ojapay/ojapay/internal/security"
	"github.com/ojapay/ojapay/internal/traces"
	"github.com/ojapay/ojapay/internal/validation"
)

// Server wraps the HTTP server and all service dependencies.
type Server struct {
	cfg        *config.Config
	ledger     *ledger.Ledger
	listings   *listing.Service
	escrow     *escrow.Service
	reputation *reputation.Service
	notifier   *notify.Dispatcher
	transport  notify.Transport
	hub        *realtime.Hub
	sweepTimer *escrow.Timer
	reconciler *reconciliation.Runner
	reconTimer *reconciliation.Timer

	rateLimiter    *ratelimit.Limiter
	healthRegistry *health.Registry
	db             *sql.DB // nil when using in-memory stores
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc
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

// WithNotifyTransport sets the outbound notification transport (SMS gateway,
// push). Defaults to logging only.
func WithNotifyTransport(t notify.Transport) Option {
	return func(s *Server) {
		s.transport = t
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	s.healthy.Store(true)

	for _, opt := range opts {
		opt(s)
	}

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		ledgerStore  ledger.Store
		listingStore listing.Store
		escrowStore  escrow.Store
		repStore     reputation.Store
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
		ledgerStore = ledger.NewPostgresStore(db)
		listingStore = listing.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		repStore = reputation.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ledgerStore = ledger.NewMemoryStore()
		listingStore = listing.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		repStore = reputation.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.ledger = ledger.New(ledgerStore)
	s.listings = listing.NewService(listingStore)
	s.reputation = reputation.NewService(repStore)

	if s.transport == nil {
		s.transport = &notify.LogTransport{Logger: s.logger}
	}
	s.notifier = notify.NewDispatcher(s.transport, s.logger)
	s.hub = realtime.NewHub(s.logger)

	defaultPolicy, err := cfg.SplitPolicy()
	if err != nil {
		return nil, err
	}
	agentPolicy, err := cfg.AgentSplitPolicy()
	if err != nil {
		return nil, err
	}

	s.escrow = escrow.NewService(escrowStore, s.ledger, s.listings, cfg.PlatformAccount, s.logger).
		WithPolicies(defaultPolicy, agentPolicy).
		WithReputation(s.reputation).
		WithNotifier(s.notifier).
		WithEvents(&hubEventSink{hub: s.hub})
	s.sweepTimer = escrow.NewTimer(s.escrow, cfg.SweepInterval, cfg.SweepLimit, s.logger)
	s.reconciler = reconciliation.NewRunner(escrowStore, s.ledger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, 0, s.logger)

	// Make sure the platform commission account exists up front so the very
	// first release cannot race its creation.
	if _, err := s.ledger.CreateAccount(context.Background(), cfg.PlatformAccount); err != nil &&
		!errors.Is(err, ledger.ErrAccountExists) {
		return nil, fmt.Errorf("failed to ensure platform account: %w", err)
	}

	s.healthRegistry = health.NewRegistry()
	if s.db != nil {
		s.healthRegistry.Register("postgres", health.Database("postgres", s.db))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// hubEventSink forwards escrow lifecycle events to the WebSocket hub.
type hubEventSink struct {
	hub *realtime.Hub
}

func (h *hubEventSink) OrderEvent(event string, order *escrow.Order) {
	h.hub.BroadcastOrderEvent(realtime.EventType(event), map[string]interface{}{
		"orderId":   order.ID,
		"handshake": order.Handshake,
		"buyerId":   order.BuyerID,
		"sellerId":  order.SellerID,
		"pilotId":   order.PilotID,
		"amount":    money.Format(order.Amount),
		"status":    string(order.Status),
	})
}

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

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS * 2,
		CleanupInterval:   time.Minute,
	})
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

// identityMiddleware copies the caller identity set by the upstream auth
// gateway into the request context. Authentication itself happens upstream;
// this service only consumes the result.
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if accountID := c.GetHeader("X-Account-ID"); accountID != "" {
			if !validation.IsValidID(accountID) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": "X-Account-ID is not a valid account identifier",
				})
				return
			}
			c.Set("authAccountID", accountID)
		}
		c.Next()
	}
}

// adminAuthMiddleware gates privileged operations behind the shared admin
// secret. In development with no secret configured the gate is open, so
// local sweeps and adjudications work without setup.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				// Config validation rejects this combination at startup;
				// refuse here as well in case someone bypassed Load.
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "unauthorized",
					"message": "Admin operations are not configured",
				})
				return
			}
			c.Next()
			return
		}

		token := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(token) <= len(prefix) || token[:len(prefix)] != prefix ||
			subtle.ConstantTimeCompare([]byte(token[len(prefix):]), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Admin credentials required",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for live order events
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	ledgerHandler := ledger.NewHandler(s.ledger)
	listingHandler := listing.NewHandler(s.listings)
	escrowHandler := escrow.NewHandler(s.escrow)

	v1 := s.router.Group("/v1")
	v1.Use(s.identityMiddleware())

	ledgerHandler.RegisterRoutes(v1)
	listingHandler.RegisterRoutes(v1)
	escrowHandler.RegisterRoutes(v1)

	ledgerHandler.RegisterProtectedRoutes(v1)
	listingHandler.RegisterProtectedRoutes(v1)
	escrowHandler.RegisterProtectedRoutes(v1)

	admin := v1.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	ledgerHandler.RegisterAdminRoutes(admin)
	escrowHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
	admin.POST("/reconcile", func(c *gin.Context) {
		result, err := s.reconciler.RunAll(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": result})
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthRegistry.CheckAll(c.Request.Context())
	status := http.StatusOK
	if !healthy || !s.healthy.Load() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy": healthy && s.healthy.Load(),
		"checks":  statuses,
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the HTTP server and background workers, blocking until a
// shutdown signal or a fatal server error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdownTraces
	}

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
	go s.notifier.Start(runCtx)
	go s.sweepTimer.Start(runCtx)
	go s.reconTimer.Start(runCtx)

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

// Shutdown gracefully stops the server and background workers.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.sweepTimer.Stop()
	s.reconTimer.Stop()
	s.logger.Info("background timers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Warn("failed to shut down tracing", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("failed to close database", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable DSN)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
