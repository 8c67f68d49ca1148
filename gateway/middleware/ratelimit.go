// Package middleware carries the HTTP cross-cutting layers of the router
// surface: per-client rate limiting, bearer-token auth for the admin plane,
// and per-route observability.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"infermesh/observability/metrics"
)

const (
	visitorIdleTTL = 10 * time.Minute
	sweepEvery     = 5 * time.Minute
)

// Limit is the shared per-client budget. Zero RequestsPerMinute disables
// limiting entirely.
type Limit struct {
	RequestsPerMinute float64
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands each client identity its own token bucket. Identity is
// the first of X-Real-IP, X-Forwarded-For, or the remote address.
type RateLimiter struct {
	limit  Limit
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

// NewRateLimiter builds a limiter. A nil logger falls back to slog.Default.
func NewRateLimiter(limit Limit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		limit:    limit,
		logger:   logger.With("component", "ratelimit"),
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Middleware rejects over-budget clients with 429 before the handler runs.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.limit.RequestsPerMinute <= 0 {
			next.ServeHTTP(w, req)
			return
		}
		id := ClientID(req)
		if !r.obtain(id).Allow() {
			metrics.Gateway().IncRateLimited()
			r.logger.Debug("request rate limited", "client", id, "path", req.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate-limited","details":"request budget exhausted, retry later"}`))
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) obtain(id string) *rate.Limiter {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastSweep) >= sweepEvery {
		r.sweepLocked(now)
	}
	if v, ok := r.visitors[id]; ok {
		v.lastSeen = now
		return v.limiter
	}
	perSecond := r.limit.RequestsPerMinute / 60.0
	burst := r.limit.Burst
	if burst <= 0 {
		burst = 1
	}
	v := &visitor{
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
		lastSeen: now,
	}
	r.visitors[id] = v
	return v.limiter
}

func (r *RateLimiter) sweepLocked(now time.Time) {
	r.lastSweep = now
	for id, v := range r.visitors {
		if now.Sub(v.lastSeen) > visitorIdleTTL {
			delete(r.visitors, id)
		}
	}
}

// ClientID resolves the identity a request is limited under.
func ClientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := fwd
		if comma := strings.IndexByte(fwd, ','); comma >= 0 {
			first = fwd[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
