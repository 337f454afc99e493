package gateway

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/getsafe360/saas-app/internal/config"
)

type visitor struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Throttle is the in-process per-client token bucket in front of every
// route. It absorbs bursts before they reach the durable fixed windows.
type Throttle struct {
	enabled bool
	limit   rate.Limit
	burst   int
	now     func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewThrottle(cfg config.ThrottleConfig) *Throttle {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(math.Ceil(rps)) * 2
	}
	return &Throttle{
		enabled:  cfg.Enabled,
		limit:    rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Allow consumes one token for key.
func (t *Throttle) Allow(key string) bool {
	now := t.now()
	t.mu.Lock()
	v, ok := t.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.visitors[key] = v
	}
	v.lastAccess = now
	t.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// StartEviction periodically drops clients idle for longer than maxAge.
func (t *Throttle) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.EvictStale(maxAge)
			}
		}
	}()
}

func (t *Throttle) EvictStale(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for key, v := range t.visitors {
		if v.lastAccess.Before(cutoff) {
			delete(t.visitors, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("throttle eviction", "evicted", evicted, "remaining", len(t.visitors))
	}
	return evicted
}

// VisitorCount returns the number of tracked clients.
func (t *Throttle) VisitorCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.visitors)
}

// Wrap throttles by session key when present, otherwise by client address.
// Health checks are exempt.
func (t *Throttle) Wrap(next http.Handler, clientIP func(*http.Request) string) http.Handler {
	if !t.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			key = "ip:" + clientIP(r)
		}
		if !t.Allow(key) {
			retry := 1
			if t.limit > 0 {
				retry = int(math.Ceil(1 / float64(t.limit)))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"ok": false, "error": "rate_limited", "message": "too many requests", "remaining": 0,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
