package relay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig configures per-tenant rate limiting.
type RateLimiterConfig struct {
	// Rate is the default number of call commands allowed per second.
	Rate rate.Limit
	// Burst is the default maximum burst size.
	Burst int
	// CleanupInterval is how often stale entries are removed.
	CleanupInterval time.Duration
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
}

// RateLimiterConfigFor returns a config allowing perMinute commands per
// minute with a burst of 10. Keys with a provisioned per-minute rate get
// their own limit and a burst scaled to it, see Allow.
func RateLimiterConfigFor(perMinute int) RateLimiterConfig {
	return RateLimiterConfig{
		Rate:            rate.Limit(float64(perMinute) / 60.0),
		Burst:           10,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// rateLimitEntry tracks a per-tenant rate limiter and when it was last used.
type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter provides per-tenant rate limiting for call endpoints.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	cfg     RateLimiterConfig
	logger  *slog.Logger
	stopCh  chan struct{}
}

// NewRateLimiter creates a rate limiter and starts background cleanup.
func NewRateLimiter(cfg RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		entries: make(map[string]*rateLimitEntry),
		cfg:     cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow checks whether a command for the given key is allowed. A positive
// perMinute overrides the default rate, with the burst scaled to roughly
// ten seconds of it so a tenant provisioned for one call a minute cannot
// fire ten at once. A provisioning change is picked up on the next command.
func (rl *RateLimiter) Allow(key string, perMinute int) bool {
	limit := rl.cfg.Rate
	burst := rl.cfg.Burst
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60.0)
		burst = perMinute / 6
		if burst < 1 {
			burst = 1
		}
	}

	rl.mu.Lock()
	entry, ok := rl.entries[key]
	if !ok {
		entry = &rateLimitEntry{
			limiter: rate.NewLimiter(limit, burst),
		}
		rl.entries[key] = entry
	} else if entry.limiter.Limit() != limit {
		entry.limiter.SetLimit(limit)
		entry.limiter.SetBurst(burst)
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// cleanupLoop periodically removes stale rate limiter entries.
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup removes entries that haven't been seen within MaxAge.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	removed := 0
	for key, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, key)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.entries))
	}
}

// rateLimitMiddleware throttles call commands per tenant, applying the
// tenant's provisioned per-minute rate when one is stored. Requests with
// no tenant identity are keyed by remote address under the default rate.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := TenantSlugFromContext(r.Context())
		perMinute := 0
		if key == "" {
			key = "ip:" + r.RemoteAddr
		} else if tenant, err := s.tenants.GetByID(r.Context(), TenantIDFromContext(r.Context())); err == nil && tenant != nil {
			perMinute = tenant.RateLimitPerMinute
		}

		if !s.limiter.Allow(key, perMinute) {
			s.logger.Warn("rate limit exceeded", "tenant", key)
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
