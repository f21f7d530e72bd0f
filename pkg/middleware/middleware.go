package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/types"
	"github.com/ksred/klear-escrow/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limit struct {
	rate  rate.Limit
	burst int
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit   = limit{rate.Limit(10.0 / 60.0), 1}    // 10 requests per minute
	tradeLimit  = limit{rate.Limit(300.0 / 60.0), 20}  // 300 requests per minute
	oracleLimit = limit{rate.Limit(120.0 / 60.0), 10}  // 120 requests per minute
	readLimit   = limit{rate.Limit(1000.0 / 60.0), 50} // 1000 requests per minute
	noLimit     = limit{rate.Inf, 1}
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func limitFor(method, path string) limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit
	case method == "GET" && strings.HasPrefix(path, "/api/v1"):
		return readLimit
	case strings.HasPrefix(path, "/api/v1/trades"):
		return tradeLimit
	case strings.HasPrefix(path, "/api/v1/oracle"), strings.HasPrefix(path, "/api/v1/compliance"):
		return oracleLimit
	default:
		return noLimit
	}
}

func getLimiter(method, path, clientKey string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientKey + ":" + method + ":" + path
	v, exists := visitors[key]

	if !exists {
		l := limitFor(method, path)
		v = &visitor{
			limiter:  rate.NewLimiter(l.rate, l.burst),
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

// RateLimit throttles per client IP and route
func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := getLimiter(c.Request.Method, c.FullPath(), c.ClientIP())
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and stores the caller's address and
// client ID in the gin context
func JWTAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
			response.Unauthorized(c, "Invalid authorization header format")
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(bearerToken[1])
		if err != nil {
			log.Debug().Err(err).Str("path", c.FullPath()).Msg("rejected token")
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		address, err := types.ParseAddress(claims.Address)
		if err != nil {
			response.Unauthorized(c, "Invalid address in token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set(auth.ContextClientIDKey, claims.ClientID)
		c.Set(auth.ContextAddressKey, address)

		c.Next()
	}
}

// RequireRole rejects callers that do not hold role. It must run after JWTAuth.
func RequireRole(authorizer auth.Authorizer, role auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := auth.CallerAddress(c)
		if !ok {
			response.Unauthorized(c, "Missing caller address")
			c.Abort()
			return
		}

		if err := authorizer.Require(c.Request.Context(), role, caller); err != nil {
			response.Handle(c, nil, err)
			c.Abort()
			return
		}

		c.Next()
	}
}
