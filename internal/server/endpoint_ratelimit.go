// endpoint_ratelimit.go - Per-endpoint request limits.
//
// Upload and download admission is enforced by the upload pipeline itself;
// these limits cap raw request volume per endpoint category.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cairocoder/erfa3ly/internal/limits"
	"github.com/cairocoder/erfa3ly/internal/logging"
)

// EndpointRateLimiter manages rate limits for different endpoint types.
type EndpointRateLimiter struct {
	authLimiter     *limits.WindowLimiter // login, logout, register, oauth
	progressLimiter *limits.WindowLimiter // progress polling
	apiLimiter      *limits.WindowLimiter // everything else
}

// EndpointRateLimitConfig holds configuration for endpoint rate limits.
type EndpointRateLimitConfig struct {
	AuthRate       int
	AuthWindow     time.Duration
	ProgressRate   int
	ProgressWindow time.Duration
	APIRate        int
	APIWindow      time.Duration
}

// DefaultEndpointRateLimitConfig returns the default limits. Progress is
// polled twice a second per active upload.
func DefaultEndpointRateLimitConfig() EndpointRateLimitConfig {
	return EndpointRateLimitConfig{
		AuthRate:       10,
		AuthWindow:     time.Minute,
		ProgressRate:   600,
		ProgressWindow: time.Minute,
		APIRate:        300,
		APIWindow:      time.Minute,
	}
}

// NewEndpointRateLimiterWithConfig creates a rate limiter with custom configuration.
func NewEndpointRateLimiterWithConfig(cfg EndpointRateLimitConfig) *EndpointRateLimiter {
	return &EndpointRateLimiter{
		authLimiter:     limits.NewWindowLimiter(cfg.AuthRate, cfg.AuthWindow),
		progressLimiter: limits.NewWindowLimiter(cfg.ProgressRate, cfg.ProgressWindow),
		apiLimiter:      limits.NewWindowLimiter(cfg.APIRate, cfg.APIWindow),
	}
}

func (erl *EndpointRateLimiter) classify(r *http.Request) (*limits.WindowLimiter, string) {
	path := r.URL.Path
	switch {
	case path == "/health" || path == "/metrics":
		return nil, ""
	case strings.HasPrefix(path, "/login"), strings.HasPrefix(path, "/logout"),
		strings.HasPrefix(path, "/register"), strings.HasPrefix(path, "/auth/"):
		return erl.authLimiter, "authentication"
	case path == "/api/upload" && r.Method == http.MethodGet:
		return erl.progressLimiter, "progress"
	default:
		return erl.apiLimiter, "api"
	}
}

// Middleware returns an HTTP middleware that applies endpoint-specific rate limits.
func (erl *EndpointRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter, limitType := erl.classify(r)
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ip := getClientIP(r)

		if !limiter.Allow(ip) {
			logging.Warn("rate_limit_exceeded", logging.Fields{
				"ip":         ip,
				"path":       r.URL.Path,
				"method":     r.Method,
				"limit_type": limitType,
			})

			w.Header().Set("Retry-After", "60")
			w.Header().Set("X-RateLimit-Limit-Type", limitType)
			writeJSONError(w, http.StatusTooManyRequests, "Rate limit exceeded for "+limitType+" endpoints. Please try again later.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Run prunes idle entries from every category until ctx is done.
func (erl *EndpointRateLimiter) Run(ctx context.Context) {
	go erl.authLimiter.Run(ctx)
	go erl.progressLimiter.Run(ctx)
	erl.apiLimiter.Run(ctx)
}
