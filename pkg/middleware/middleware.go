package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/auth"
	"github.com/LeeeWayyy/trading-platform-sub010/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.Mutex

	// Limits per endpoint class.
	authLimit       = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	tradingLimit    = rate.Limit(100.0 / 60.0)  // 100 requests per minute
	killswitchLimit = rate.Limit(30.0 / 60.0)   // 30 requests per minute
	healthLimit     = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// Cleanup old visitors periodically.
func init() {
	go cleanupVisitors()
}

func getLimiter(path, clientKey string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientKey + ":" + path
	v, exists := visitors[key]

	if !exists {
		var limit rate.Limit
		switch {
		case strings.HasPrefix(path, "/api/v1/auth"):
			limit = authLimit
		case strings.HasPrefix(path, "/api/v1/orders"):
			limit = tradingLimit
		case strings.HasPrefix(path, "/api/v1/killswitch"):
			limit = killswitchLimit
		case strings.HasPrefix(path, "/api/v1/health"):
			limit = healthLimit
		default:
			limit = rate.Inf
		}

		v = &visitor{
			limiter:  rate.NewLimiter(limit, 5),
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

// RateLimit applies per-client, per-endpoint-class request limits.
func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.GetString("operatorID")
		if clientKey == "" {
			clientKey = c.ClientIP()
		}

		limiter := getLimiter(c.FullPath(), clientKey)
		if !limiter.Allow() {
			response.BadRequest(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and stores the operator identity and
// claims on the request context.
func JWTAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		if claims.OperatorID == "" {
			response.Unauthorized(c, "Missing operator identity in token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("operatorID", claims.OperatorID)
		c.Next()
	}
}

// InternalAuth protects the internal entry points (risk-module trip). It
// accepts the same bearer tokens as JWTAuth; deployments typically add
// network-level restrictions on top.
func InternalAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set("clientID", claims.OperatorID)
		c.Next()
	}
}
