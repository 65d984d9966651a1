package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/manpreetbhatti/sketchroom/internal/ratelimit"
	"go.uber.org/zap"
)

type RouterConfig struct {
	AllowedOrigins []string
}

// NewRouter wires the REST handlers and the socket endpoint onto one engine.
// limiters, when set, bounds /api requests per client address.
func NewRouter(a *API, ws gin.HandlerFunc, limiters *ratelimit.ClientLimiters, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(a.logger), corsMiddleware(cfg.AllowedOrigins))

	r.GET("/health", a.HealthHandler)
	r.GET("/ws", ws)

	api := r.Group("/api")
	if limiters != nil {
		api.Use(rateLimitMiddleware(limiters))
	}
	api.GET("/stats", a.StatsHandler)
	api.POST("/rooms/join", a.JoinRoomHandler)
	api.GET("/rooms/:roomId", a.GetRoomHandler)
	api.GET("/rooms/:roomId/export", a.ExportHandler)

	return r
}

func corsMiddleware(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		for _, o := range allowed {
			if o == "*" {
				c.Header("Access-Control-Allow-Origin", "*")
				break
			}
			if o == origin && origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				break
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func rateLimitMiddleware(limiters *ratelimit.ClientLimiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiters.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()))
	}
}
