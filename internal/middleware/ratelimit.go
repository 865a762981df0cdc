package middleware

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/kinamba/erm-core/internal/ratelimit"
)

type LimitEntry struct {
	Rate          int `yaml:"rate"`
	WindowSeconds int `yaml:"window_seconds"`
}

func (e LimitEntry) toLimit() ratelimit.LimitConfig {
	window := time.Duration(e.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	return ratelimit.LimitConfig{Rate: e.Rate, Window: window}
}

type RateLimitConfig struct {
	Enabled bool       `yaml:"enabled"`
	Ingest  LimitEntry `yaml:"ingest"`
	Global  LimitEntry `yaml:"global"`
}

type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	cfg     RateLimitConfig
}

func NewRateLimitMiddleware(l *ratelimit.Limiter, cfg RateLimitConfig) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: l, cfg: cfg}
}

// GlobalLimiter applies a per-IP limit to everything it wraps.
func (m *RateLimitMiddleware) GlobalLimiter(next http.Handler) http.Handler {
	return m.limit(ratelimit.ScopeIP, m.cfg.Global.toLimit(), next)
}

// IngestLimiter is tighter; it guards the device ingest endpoints.
func (m *RateLimitMiddleware) IngestLimiter(next http.Handler) http.Handler {
	return m.limit(ratelimit.ScopeDevice, m.cfg.Ingest.toLimit(), next)
}

func (m *RateLimitMiddleware) limit(scope ratelimit.Scope, cfg ratelimit.LimitConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.cfg.Enabled || cfg.Rate <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := m.limiter.HashIP(extractIP(r))
		decision, err := m.limiter.Check(r.Context(), scope, key, cfg)
		if err != nil {
			// Redis down: fail open, the admission path has its own guards.
			log.Printf("[WARN] ratelimit: %v", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))

		if !decision.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", decision.RetryAfter))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
