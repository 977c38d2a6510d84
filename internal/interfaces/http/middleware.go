package http

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
	"golang.org/x/time/rate"
)

const (
	ctxTenantID   = "tenant_id"
	ctxInstanceID = "instance_id"
)

type Middleware struct {
	jwtSecret     []byte
	webhookAPIKey string
	limit         rate.Limit
	burst         int
	rateLimiters  map[string]*rate.Limiter
	mu            sync.Mutex
}

func NewMiddleware(secret, webhookAPIKey string, limit float64, burst int) *Middleware {
	if limit <= 0 {
		limit = 50
	}
	if burst <= 0 {
		burst = 100
	}
	return &Middleware{
		jwtSecret:     []byte(secret),
		webhookAPIKey: webhookAPIKey,
		limit:         rate.Limit(limit),
		burst:         burst,
		rateLimiters:  make(map[string]*rate.Limiter),
	}
}

// AuthRequired validates an HS256 bearer token and stores its tenant_id claim.
// Browsers cannot set headers on websocket upgrades, so a token query parameter is accepted too.
func (m *Middleware) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}
		if len(m.jwtSecret) == 0 {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Authentication not configured"})
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		claims, _ := token.Claims.(jwt.MapClaims)
		tenantID := cast.ToString(claims["tenant_id"])
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Token has no tenant"})
			return
		}
		c.Set(ctxTenantID, tenantID)
		c.Next()
	}
}

// APIKeyRequired checks X-API-Key against the configured webhook key. An empty key disables the check.
func (m *Middleware) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.webhookAPIKey == "" {
			c.Next()
			return
		}
		key := c.GetHeader("X-API-Key")
		if key == "" {
			key = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(m.webhookAPIKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}
		c.Next()
	}
}

// RateLimitPerInstance limits webhook traffic per instance id; requests without one share a bucket.
func (m *Middleware) RateLimitPerInstance() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := requestInstanceID(c)
		if key == "" {
			key = "_anonymous"
		}

		m.mu.Lock()
		limiter, exists := m.rateLimiters[key]
		if !exists {
			limiter = rate.NewLimiter(m.limit, m.burst)
			m.rateLimiters[key] = limiter
		}
		m.mu.Unlock()

		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Set(ctxInstanceID, key)
		c.Next()
	}
}

// CORSMiddleware allows Cross-Origin requests
func (m *Middleware) CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, X-Instance-Id, X-Tenant-Id, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// SecurityHeaders adds security headers to prevent common attacks
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")
		c.Writer.Header().Set("X-Frame-Options", "DENY")
		c.Writer.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// RequestSizeLimiter limits request body size to prevent DoS
func RequestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// RequestLogger writes one structured line per request.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		evt := logger.Debug()
		switch {
		case status >= http.StatusInternalServerError:
			evt = logger.Error()
		case status >= http.StatusBadRequest:
			evt = logger.Warn()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("instance_id", c.GetString(ctxInstanceID)).
			Msg("HTTP request")
	}
}

// requestInstanceID reads the instance from the route, then headers, then the query string.
func requestInstanceID(c *gin.Context) string {
	for _, v := range []string{c.Param("instanceId"), c.GetHeader("X-Instance-Id"), c.Query("instanceId")} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
