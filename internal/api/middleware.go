package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		s.log.Info("http_request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// authMiddleware checks the client secret on the /mj group. Accepts the
// mj-api-secret header or Authorization: Bearer. No configured secret
// means open access.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APISecret == "" {
			c.Next()
			return
		}
		token := strings.TrimSpace(c.GetHeader("mj-api-secret"))
		if token == "" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APISecret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "unauthorized", "message": "invalid api secret"},
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.TrimSpace(s.cfg.AdminSecret) == "" {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{"code": "config_error", "message": "ADMIN_SECRET not configured"},
			})
			c.Abort()
			return
		}
		key := strings.TrimSpace(c.GetHeader("X-Admin-Key"))
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminSecret)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{
				"error": gin.H{"code": "forbidden", "message": "invalid admin key"},
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

const (
	rateLimitPerMinute = 120
	rateLimitWindow    = time.Minute
)

// rateLimitMiddleware is a per-ip fixed window on Redis. Without Redis
// the limiter is a no-op.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.redis == nil {
			c.Next()
			return
		}
		key := fmt.Sprintf("ratelimit:%s:%s", c.ClientIP(), time.Now().Format("200601021504"))
		count, err := s.redis.Increment(c.Request.Context(), key, rateLimitWindow)
		if err != nil {
			s.log.Warn("rate_limit_error", "error", err)
			c.Next()
			return
		}
		if count > rateLimitPerMinute {
			c.Header("Retry-After", "60")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"code": "rate_limited", "message": "too many requests"},
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
