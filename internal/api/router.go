// Package api wires together all HTTP routes for the relaypost server.
//
// Route groups:
//   - /api/v1 routes are owner-facing and always require a session JWT. The
//     OAuth callback is among them; the browser carries the session cookie
//     back from the platform.
//   - /sweep and /jobs/* are machine-facing and authenticate a shared secret.
//     The sweep trigger and the worker queue use different secrets so a
//     worker cannot trigger sweeps.
//   - /media/* serves uploaded media for the local backend only, so that
//     platforms can fetch attachments without credentials.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/relaypost/relaypost/internal/api/audit"
	"github.com/relaypost/relaypost/internal/api/connections"
	"github.com/relaypost/relaypost/internal/api/content"
	apijobs "github.com/relaypost/relaypost/internal/api/jobs"
	"github.com/relaypost/relaypost/internal/api/worker"
	"github.com/relaypost/relaypost/internal/config"
	"github.com/relaypost/relaypost/internal/crypto"
	"github.com/relaypost/relaypost/internal/db/repositories"
	"github.com/relaypost/relaypost/internal/jobs"
	"github.com/relaypost/relaypost/internal/middleware"
	"github.com/relaypost/relaypost/internal/oauth"
	"github.com/relaypost/relaypost/internal/platform"
	"github.com/relaypost/relaypost/internal/queue"
	"github.com/relaypost/relaypost/internal/ratelimit"
	"github.com/relaypost/relaypost/internal/safego"
	"github.com/relaypost/relaypost/internal/schedule"
	"github.com/relaypost/relaypost/internal/services"
	"github.com/relaypost/relaypost/internal/storage"

	// Register platform publishers
	_ "github.com/relaypost/relaypost/internal/platform/facebook"
	_ "github.com/relaypost/relaypost/internal/platform/instagram"
	_ "github.com/relaypost/relaypost/internal/platform/threads"
	_ "github.com/relaypost/relaypost/internal/platform/twitter"

	// Register storage backends
	_ "github.com/relaypost/relaypost/internal/storage/azure"
	_ "github.com/relaypost/relaypost/internal/storage/gcs"
	_ "github.com/relaypost/relaypost/internal/storage/local"
	_ "github.com/relaypost/relaypost/internal/storage/s3"
)

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	sweepScheduler *jobs.SweepScheduler
	tokenRefresher *jobs.TokenRefresher
	stateJanitor   *jobs.StateJanitor
	rateLimiters   []*middleware.RateLimiter
	closeLimiter   func() error
	cancel         context.CancelFunc
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.sweepScheduler != nil {
		bg.sweepScheduler.Stop()
	}
	if bg.tokenRefresher != nil {
		bg.tokenRefresher.Stop()
	}
	if bg.stateJanitor != nil {
		bg.stateJanitor.Stop()
	}
	if bg.cancel != nil {
		bg.cancel()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.closeLimiter != nil {
		if err := bg.closeLimiter(); err != nil {
			slog.Warn("failed to close outbound rate limiter", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter builds every component from cfg and returns the configured Gin
// router. Background jobs are started before it returns.
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices, error) {
	ctx, cancel := context.WithCancel(context.Background())
	bg := &BackgroundServices{cancel: cancel}
	fail := func(err error) (*gin.Engine, *BackgroundServices, error) {
		bg.Shutdown()
		return nil, nil, err
	}

	vault, err := crypto.LoadVault(cfg.Vault.EncryptionKey)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize credential vault: %w", err))
	}

	storageBackend, err := storage.NewStorage(cfg)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize storage backend: %w", err))
	}
	slog.Info("initialized storage backend", "backend", cfg.Storage.DefaultBackend)
	resolver := storage.NewResolver(storageBackend, cfg.Storage.URLTTL)

	httpClient := platform.NewHTTPClient(cfg.Publishing.HTTPTimeout)
	adapter, clients, err := buildPlatforms(cfg, httpClient)
	if err != nil {
		return fail(err)
	}
	slog.Info("initialized platform publishers", "platforms", adapter.Platforms())

	limiter, closeLimiter, err := ratelimit.New(ctx, cfg.Redis, cfg.Publishing.RatePerMinute, slog.Default())
	if err != nil {
		return fail(err)
	}
	bg.closeLimiter = closeLimiter

	// Repositories
	sqlxDB := sqlx.NewDb(db, "postgres")
	connRepo := repositories.NewConnectionRepository(sqlxDB)
	stateRepo := repositories.NewOAuthStateRepository(sqlxDB)
	templateRepo := repositories.NewTemplateRepository(sqlxDB)
	scheduleRepo := repositories.NewScheduleRepository(sqlxDB)
	jobRepo := repositories.NewJobRepository(sqlxDB)
	logRepo := repositories.NewPublishLogRepository(sqlxDB)
	accountRepo := repositories.NewAutomationAccountRepository(sqlxDB)
	auditRepo := repositories.NewAuditRepository(sqlxDB)

	// Domain services
	broker := oauth.NewBroker(stateRepo, connRepo, vault, adapter, clients, oauth.Options{
		RefreshMargin: cfg.Publishing.RefreshMargin,
		HTTPClient:    httpClient,
	})
	engine := schedule.NewEngine(scheduleRepo, templateRepo, cfg.Publishing.ScheduleClaimTTL, 0)
	jobQueue := queue.New(jobRepo, accountRepo, vault, queue.Options{
		LeaseTTL: cfg.Publishing.LeaseTTL,
		MaxBatch: cfg.Publishing.MaxLeaseBatch,
		Media:    resolver,
	})
	orchestrator := services.NewOrchestrator(services.Deps{
		Schedules:   engine,
		Templates:   templateRepo,
		Connections: connRepo,
		Tokens:      broker,
		Publisher:   adapter,
		Jobs:        jobRepo,
		Logs:        logRepo,
		Media:       resolver,
		Limiter:     limiter,
	}, services.Options{
		Concurrency: cfg.Publishing.DispatchConcurrency,
		JobBatch:    cfg.Publishing.MaxOneOffJobsBatch,
		JobLeaseTTL: cfg.Publishing.LeaseTTL,
	})

	// Background jobs
	if cfg.Publishing.SweepInterval > 0 {
		bg.sweepScheduler = jobs.NewSweepScheduler(orchestrator, cfg.Publishing.SweepInterval)
		safego.Go("sweep-scheduler", func() { bg.sweepScheduler.Start(ctx) })
	} else {
		slog.Info("in-process sweep disabled; POST /sweep must be triggered externally")
	}
	bg.tokenRefresher = jobs.NewTokenRefresher(connRepo, broker, cfg.Publishing.RefreshInterval, cfg.Publishing.RefreshMargin)
	safego.Go("token-refresher", func() { bg.tokenRefresher.Start(ctx) })
	bg.stateJanitor = jobs.NewStateJanitor(stateRepo, 0)
	safego.Go("oauth-state-janitor", func() { bg.stateJanitor.Start(ctx) })

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))

	router.GET("/health", middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()), healthCheckHandler(db))
	router.GET("/ready", middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()), readinessHandler(db, storageBackend))

	if cfg.Storage.DefaultBackend == "local" {
		router.GET("/media/*filepath",
			middleware.SecurityHeadersMiddleware(middleware.MediaSecurityHeadersConfig()),
			content.ServeMediaHandler(storageBackend))
	}

	api := router.Group("")
	api.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	sessionLimit := middleware.DefaultRateLimitConfig()
	if cfg.Security.RateLimiting.RequestsPerMinute > 0 {
		sessionLimit.RequestsPerMinute = cfg.Security.RateLimiting.RequestsPerMinute
	}
	if cfg.Security.RateLimiting.Burst > 0 {
		sessionLimit.BurstSize = cfg.Security.RateLimiting.Burst
	}
	sessionLimiter := middleware.NewRateLimiter(sessionLimit)
	uploadLimiter := middleware.NewRateLimiter(middleware.UploadRateLimitConfig())
	bg.rateLimiters = []*middleware.RateLimiter{sessionLimiter, uploadLimiter}

	connHandlers := connections.NewHandlers(broker, cfg.App.ConnectionsURL)
	contentHandlers := content.NewHandlers(templateRepo, engine, logRepo, storageBackend)
	jobHandlers := apijobs.NewHandlers(jobQueue, accountRepo, vault)
	workerHandlers := worker.NewHandlers(jobQueue, orchestrator)
	auditHandlers := audit.NewHandlers(auditRepo)

	apiV1 := api.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware())
	if cfg.Security.RateLimiting.Enabled {
		apiV1.Use(middleware.RateLimitMiddleware(sessionLimiter))
	}
	apiV1.Use(middleware.AuditMiddleware(auditRepo))
	{
		conns := apiV1.Group("/connections")
		conns.GET("", connHandlers.List())
		conns.GET("/:platform/authorize", connHandlers.Authorize())
		conns.GET("/:platform/callback", connHandlers.Callback())
		conns.POST("/:platform/refresh", connHandlers.Refresh())
		conns.DELETE("/:platform", connHandlers.Revoke())

		apiV1.POST("/templates", contentHandlers.CreateTemplate())
		apiV1.GET("/templates", contentHandlers.ListTemplates())
		apiV1.GET("/templates/:id", contentHandlers.GetTemplate())

		apiV1.POST("/schedules", contentHandlers.CreateSchedule())
		apiV1.GET("/schedules", contentHandlers.ListSchedules())
		apiV1.POST("/schedules/:id/deactivate", contentHandlers.DeactivateSchedule())

		apiV1.GET("/logs", contentHandlers.ListLogs())
		apiV1.GET("/audit-logs", auditHandlers.List())
		apiV1.GET("/audit-logs/:id", auditHandlers.Get())

		upload := []gin.HandlerFunc{contentHandlers.UploadMedia()}
		if cfg.Security.RateLimiting.Enabled {
			upload = append([]gin.HandlerFunc{middleware.RateLimitMiddleware(uploadLimiter)}, upload...)
		}
		apiV1.POST("/media", upload...)

		apiV1.POST("/jobs", jobHandlers.Create())
		apiV1.GET("/jobs", jobHandlers.List())
		apiV1.GET("/jobs/:id", jobHandlers.Get())
		apiV1.POST("/jobs/:id/enqueue", jobHandlers.Enqueue())

		apiV1.POST("/automation-accounts", jobHandlers.CreateAccount())
		apiV1.GET("/automation-accounts", jobHandlers.ListAccounts())
	}

	api.POST("/sweep",
		middleware.SharedSecretAuth(cfg.Publishing.SweepSecret, "sweep"),
		workerHandlers.Sweep())

	workerGroup := api.Group("/jobs")
	workerGroup.Use(middleware.SharedSecretAuth(cfg.Publishing.WorkerSecret, "worker"))
	workerGroup.Use(middleware.AuditMiddleware(auditRepo))
	{
		workerGroup.GET("/pending", workerHandlers.Pending())
		workerGroup.POST("/report", workerHandlers.Report())
	}

	return router, bg, nil
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check database connection
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks the database and the media store.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "ready: false, error: database not ready"
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service.
// Unlike the liveness check (/health), this also checks the media store so that
// a readiness gate fails when platforms could not fetch attachments.
func readinessHandler(db *sql.DB, storageBackend storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		// Check database connection
		if err := db.Ping(); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// Look up a known-absent path; Exists exercises credentials and
		// connectivity without creating state.
		if _, err := storageBackend.Exists(c.Request.Context(), ".readiness-check"); err != nil {
			checks["media"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "media store not ready",
			})
			return
		}
		checks["media"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}


// LoggerMiddleware provides structured logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		// Log the request
		if cfg.Logging.Format == "json" {
			logJSON(c, latency, path, query)
		} else {
			logText(c, latency, path, query)
		}
	}
}

// logJSON logs a request as a JSON-structured slog record.
func logJSON(c *gin.Context, latency time.Duration, path, query string) {
	requestID, _ := c.Get(middleware.RequestIDKey)
	slog.LogAttrs(
		c.Request.Context(),
		slog.LevelInfo,
		"http request",
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", fmt.Sprintf("%v", requestID)),
		slog.String("user_agent", c.Request.UserAgent()),
	)
}

// logText logs a request as a human-readable slog text record.
func logText(c *gin.Context, latency time.Duration, path, query string) {
	// reuse the same structured output; slog will emit text format when the global
	// handler is a TextHandler (configured in telemetry.SetupLogger).
	logJSON(c, latency, path, query)
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// Check if origin is allowed
		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
