// Package ratelimit provides the per-API rate limiting stage.
package ratelimit

import (
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gatewd/gatewd/internal/config"
	"github.com/gatewd/gatewd/internal/observability"
	"github.com/gatewd/gatewd/internal/plugin"
)

// RejectBody is the client-facing rejection body. Exact text matters
// for compatibility.
const RejectBody = "Too many requests, please try again later."

// DefaultKeyTTL is how long an idle per-key limiter entry is kept.
const DefaultKeyTTL = 10 * time.Minute

// KeyGen derives the limiting key from a request. Resolved by name
// through the plugin registry.
type KeyGen func(r *http.Request) string

// keyEntry holds a limiter and its last access time for cleanup.
type keyEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter applies one rate limit, shared or keyed.
type Limiter struct {
	limit  rate.Limit
	burst  int
	keyGen KeyGen
	logger observability.Logger

	mu     sync.Mutex
	shared *rate.Limiter
	keyed  map[string]*keyEntry
	keyTTL time.Duration
}

// LimiterOption is a functional option for configuring the limiter.
type LimiterOption func(*Limiter)

// WithLimiterLogger sets the logger.
func WithLimiterLogger(logger observability.Logger) LimiterOption {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithKeyGen sets the key generator. Nil applies one shared limit.
func WithKeyGen(kg KeyGen) LimiterOption {
	return func(l *Limiter) {
		l.keyGen = kg
	}
}

// NewLimiter creates a limiter allowing cfg.Requests per cfg.Window
// with bursts of cfg.Burst.
func NewLimiter(cfg *config.RateLimitConfig, opts ...LimiterOption) *Limiter {
	window := cfg.Window.Duration()
	if window <= 0 {
		window = time.Minute
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.Requests
	}

	l := &Limiter{
		limit:  rate.Limit(float64(cfg.Requests) / window.Seconds()),
		burst:  burst,
		logger: observability.NopLogger(),
		keyed:  make(map[string]*keyEntry),
		keyTTL: DefaultKeyTTL,
	}

	for _, opt := range opts {
		opt(l)
	}

	l.shared = rate.NewLimiter(l.limit, l.burst)

	return l
}

// Allow checks whether the request is within the limit.
func (l *Limiter) Allow(r *http.Request) bool {
	if l.keyGen == nil {
		return l.shared.Allow()
	}

	key := l.keyGen(r)
	if key == "" {
		return l.shared.Allow()
	}

	now := time.Now()

	l.mu.Lock()
	entry, ok := l.keyed[key]
	if !ok {
		entry = &keyEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.keyed[key] = entry
	}
	entry.lastAccess = now

	// Piggyback cleanup of idle entries on the write path.
	for k, e := range l.keyed {
		if now.Sub(e.lastAccess) > l.keyTTL {
			delete(l.keyed, k)
		}
	}
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// Middleware returns the rate limiting stage.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r) {
			l.logger.Debug("rate limit exceeded",
				observability.String("path", r.URL.Path),
				observability.String("method", r.Method),
			)
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, RejectBody)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIPKeyGen keys limits by client address, honoring
// X-Forwarded-For set by an outer proxy.
func ClientIPKeyGen(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Register registers the built-in key generators into the registry.
func Register(registry *plugin.Registry) {
	registry.Register(plugin.KindRateLimitKeyGen, "client-ip", func(map[string]interface{}) (interface{}, error) {
		return KeyGen(ClientIPKeyGen), nil
	})
}
