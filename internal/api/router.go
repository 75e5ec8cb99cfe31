// Package api exposes a node over HTTP with gin.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/chain"
	"github.com/jmerrifield20/trustchain/internal/policy"
)

// Registrar mounts a group of routes under /api/v1.
type Registrar interface {
	Register(rg *gin.RouterGroup)
}

// RouterConfig controls the shared middleware stack.
type RouterConfig struct {
	CORSOrigins  []string
	RateLimitRPS int
	// BodyLimit caps request bodies in bytes. Zero means 1 MiB.
	BodyLimit int64
}

// NewRouter builds the gin engine with CORS, security headers, body limits,
// rate limiting, request logging and metrics, then mounts every registrar.
func NewRouter(ctx context.Context, cfg RouterConfig, logger *zap.Logger, registrars ...Registrar) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Admin-Secret"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: !containsWildcard(cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	limit := cfg.BodyLimit
	if limit == 0 {
		limit = 1 << 20
	}
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}
	router.Use(PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/api/v1")
	for _, r := range registrars {
		r.Register(v1)
	}
	return router
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var se *chain.StructuralError
	switch {
	case errors.As(err, &se):
		return http.StatusBadRequest
	case errors.Is(err, policy.ErrPolicyNotFound), errors.Is(err, chain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, policy.ErrPolicyExists):
		return http.StatusConflict
	case errors.Is(err, chain.ErrBusy), errors.Is(err, chain.ErrNoPending), errors.Is(err, chain.ErrTipChanged):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
