package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	corsAllowedMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions}, ", ")
	corsAllowedHeaders = strings.Join([]string{"Authorization", "Content-Type", RequestIDHeader, TraceIDHeader}, ", ")
	// Clients read the rate limit headers to back off and the request ID to report errors.
	corsExposedHeaders = strings.Join([]string{
		RequestIDHeader, TraceIDHeader,
		"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After",
	}, ", ")
)

// CORSOptions configures CORS.
type CORSOptions struct {
	// AllowedOrigins are exact origins. "*" admits every origin without credentials.
	AllowedOrigins []string
	MaxAge         time.Duration
}

// CORS answers preflights and decorates responses for browser clients of the frontend.
// Listed origins are echoed back with credentials allowed; the wildcard never is, since
// browsers drop credentialed responses carrying "*". Preflights from unknown origins get 403.
func CORS(opts CORSOptions) gin.HandlerFunc {
	listed := make(map[string]struct{}, len(opts.AllowedOrigins))
	wildcard := false
	for _, origin := range opts.AllowedOrigins {
		origin = strings.TrimSuffix(strings.TrimSpace(origin), "/")
		switch origin {
		case "":
		case "*":
			wildcard = true
		default:
			listed[origin] = struct{}{}
		}
	}

	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	maxAgeSeconds := strconv.Itoa(int(maxAge.Seconds()))

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		headers := c.Writer.Header()
		headers.Add("Vary", "Origin")

		_, explicit := listed[origin]
		allowed := explicit || wildcard
		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""

		if !allowed {
			if preflight {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Next()
			return
		}

		if explicit {
			headers.Set("Access-Control-Allow-Origin", origin)
			headers.Set("Access-Control-Allow-Credentials", "true")
		} else {
			headers.Set("Access-Control-Allow-Origin", "*")
		}

		if preflight {
			headers.Set("Access-Control-Allow-Methods", corsAllowedMethods)
			headers.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			headers.Set("Access-Control-Max-Age", maxAgeSeconds)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		headers.Set("Access-Control-Expose-Headers", corsExposedHeaders)
		c.Next()
	}
}
