package middleware

import (
	"net/http"
	"sync"
	"time"

	"matrixci/internal/store"

	"golang.org/x/time/rate"
)

// Limiter applies per-project token buckets sized from the limits stored on
// the project record. Limiters are cached so a burst of requests does not
// allocate one per call; the cache entry expires after ttl so limit changes
// eventually take effect without a restart.
type Limiter struct {
	limiters sync.Map // uuid.UUID -> *cachedLimiter
	ttl      time.Duration
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithTTL overrides how long a project's limiter is cached before the
// project's current limits are picked up again.
func WithTTL(ttl time.Duration) Option {
	return func(l *Limiter) { l.ttl = ttl }
}

// NewRateLimiter creates a rate limiter for authenticated routes.
func NewRateLimiter(opts ...Option) *Limiter {
	l := &Limiter{ttl: 5 * time.Minute}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Middleware enforces the authenticated project's request rate. It must run
// after AuthMiddleware. A project with RateLimit 0 is unlimited.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			project, ok := ProjectFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			if project.RateLimit > 0 && !l.get(project).Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (l *Limiter) get(project *store.Project) *rate.Limiter {
	if v, ok := l.limiters.Load(project.ID); ok {
		cached := v.(*cachedLimiter)
		if time.Now().Before(cached.expiresAt) {
			return cached.limiter
		}
	}

	limiter := rate.NewLimiter(rate.Limit(project.RateLimit), project.RateLimitBurst)
	l.limiters.Store(project.ID, &cachedLimiter{
		limiter:   limiter,
		expiresAt: time.Now().Add(l.ttl),
	})
	return limiter
}
