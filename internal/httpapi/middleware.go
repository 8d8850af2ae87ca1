package httpapi

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chunkflow/coordinator/internal/logger"
	"github.com/chunkflow/coordinator/internal/validator"
)

// traceID assigns or propagates an X-Trace-ID header and attaches it to the
// request-scoped logger fields, so every log line for a request can be
// correlated without threading an ID through every call manually.
func traceID(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Trace-ID")
		if id == "" {
			id = generateTraceID()
		}
		c.Header("X-Trace-ID", id)
		c.Set("traceID", id)

		start := time.Now()
		c.Next()

		log.WithFields(map[string]interface{}{
			"traceID":  id,
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Info("request handled")
	}
}

func generateTraceID() string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%d", time.Now().UnixNano())))
	return fmt.Sprintf("%x", hash[:8])
}

// securityHeaders applies the fixed set of response headers every
// Coordinator response carries, independent of route.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Next()
	}
}

// requestSizeLimit rejects a request whose declared Content-Length exceeds
// maxBytes before any handler reads from the body, and additionally wraps
// the body reader so an unset or lying Content-Length cannot bypass it.
func requestSizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": gin.H{"kind": "BadRequest", "message": fmt.Sprintf("request body exceeds %d bytes", maxBytes)},
			})
			c.Abort()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// rateLimit consumes one token from the named bucket for the caller's
// identity (X-Forwarded-For, falling back to RemoteAddr) and rejects with
// RateLimited when the bucket is empty.
func rateLimit(v *validator.Validator, bucket string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := c.GetHeader("X-Forwarded-For")
		if identity == "" {
			identity = c.Request.RemoteAddr
		}

		if err := v.Allow(bucket, identity); err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}
