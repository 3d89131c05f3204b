// Package api wires together all HTTP routes for the FieldTrace sync backend.
//
// Route grouping philosophy:
//   - /health, /ready, and /version are unauthenticated so load balancers and
//     deployment tooling can probe the service without credentials.
//   - Everything under /api/v1/ requires a bearer JWT. The auth middleware
//     establishes the organization scope that every repository query filters
//     by, so tenant isolation holds without per-handler checks.
//
// Rate limiting sits between the cheap middleware and auth so that a
// misbehaving client is rejected before any token validation or DB work.
package api

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/fieldtrace/fieldtrace/internal/config"
	"github.com/fieldtrace/fieldtrace/internal/db/repositories"
	"github.com/fieldtrace/fieldtrace/internal/ledger"
	"github.com/fieldtrace/fieldtrace/internal/middleware"
	"github.com/fieldtrace/fieldtrace/internal/sync"
)

// Version is the reported service version. Overridable at build time via
// -ldflags "-X github.com/fieldtrace/fieldtrace/internal/api.Version=...".
var Version = "0.1.0"

// BackgroundServices holds resources that must be stopped during graceful
// shutdown. The caller (cmd/server) is responsible for calling Shutdown()
// after the HTTP server has drained in-flight requests.
type BackgroundServices struct {
	limiters []middleware.Limiter
}

// Shutdown stops all background goroutines and closes limiter backends
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, l := range bg.limiters {
		l.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	// Repositories. Jobs and mitigation items use sqlx for struct scanning;
	// the rest stay on database/sql.
	sqlxDB := sqlx.NewDb(db, "postgres")
	jobRepo := repositories.NewJobRepository(sqlxDB)
	mitigationRepo := repositories.NewMitigationRepository(sqlxDB)
	userRepo := repositories.NewUserRepository(db)
	orgRepo := repositories.NewOrganizationRepository(db)
	ledgerRepo := repositories.NewLedgerRepository(db)
	exportRepo := repositories.NewExportRepository(db)

	// Ledger chain
	ledgerWriter := ledger.NewWriter(ledgerRepo, cfg.Ledger.Salt, cfg.Ledger.AppendMaxRetries)
	verifier := ledger.NewVerifier(ledgerRepo, exportRepo, cfg.Ledger.Salt, cfg.Ledger.VerifyChainDepth)

	// Sync core
	processor := sync.NewProcessor(jobRepo, mitigationRepo, ledgerWriter, cfg.Sync.MaxBatchSize)
	puller := sync.NewPuller(jobRepo, mitigationRepo, cfg.Sync.DefaultPullLimit, cfg.Sync.MaxPullLimit)
	resolver := sync.NewResolver(jobRepo, mitigationRepo, processor, ledgerWriter)

	syncHandler := NewSyncHandler(processor, puller, resolver)
	ledgerHandler := NewLedgerHandler(ledgerRepo, verifier)

	bg := &BackgroundServices{}

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLoggerMiddleware())
	router.Use(CORSMiddleware(cfg))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db))

	// Readiness check endpoint
	router.GET("/ready", readinessHandler(db))

	// API version
	router.GET("/version", versionHandler())

	// Authenticated API
	apiV1 := router.Group("/api/v1")
	if cfg.Security.RateLimiting.Enabled {
		limiter := newLimiter(cfg)
		bg.limiters = append(bg.limiters, limiter)
		apiV1.Use(middleware.RateLimitMiddleware(limiter))
	}
	apiV1.Use(middleware.AuthMiddleware(cfg, userRepo, orgRepo))
	{
		syncGroup := apiV1.Group("/sync")
		{
			syncGroup.POST("/batch", syncHandler.ApplyBatch)
			syncGroup.GET("/changes", syncHandler.PullChanges)
			syncGroup.POST("/resolve", syncHandler.Resolve)
		}

		ledgerGroup := apiV1.Group("/ledger")
		{
			ledgerGroup.GET("/events", ledgerHandler.ListEntries)
			ledgerGroup.GET("/events/:id", ledgerHandler.GetEntry)
			ledgerGroup.GET("/events/:id/verify", ledgerHandler.VerifyEntry)
		}

		apiV1.POST("/verify/manifest", ledgerHandler.VerifyManifest)
	}

	return router, bg
}

// newLimiter builds the rate limiter backend selected in configuration
func newLimiter(cfg *config.Config) middleware.Limiter {
	rlConfig := middleware.DefaultRateLimitConfig()
	if cfg.Security.RateLimiting.RequestsPerMinute > 0 {
		rlConfig.RequestsPerMinute = cfg.Security.RateLimiting.RequestsPerMinute
	}
	if cfg.Security.RateLimiting.Burst > 0 {
		rlConfig.BurstSize = cfg.Security.RateLimiting.Burst
	}

	if cfg.Security.RateLimiting.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Security.RateLimiting.RedisAddr,
			Password: cfg.Security.RateLimiting.RedisPassword,
		})
		slog.Info("rate limiting with redis backend", "addr", cfg.Security.RateLimiting.RedisAddr)
		return middleware.NewRedisRateLimiter(client, rlConfig)
	}

	return middleware.NewRateLimiter(rlConfig)
}

// healthCheckHandler returns the health status of the service
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

// readinessHandler returns the readiness status of the service
func readinessHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

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

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// CORSMiddleware handles CORS for browser-based admin tooling
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
