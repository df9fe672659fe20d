package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wesm/shardvault/internal/config"
)

const (
	corsMethods       = "GET, OPTIONS"
	corsHeaders       = "Accept, Authorization, X-API-Key"
	defaultCORSMaxAge = 86400

	defaultRateLimit = 10
	visitorTTL       = 3 * time.Minute
	sweepEvery       = time.Minute
)

// corsMiddleware answers cross-origin requests from the configured origins.
// "*" admits any origin. With no origins configured it adds nothing.
func corsMiddleware(cfg config.ServerConfig) func(http.Handler) http.Handler {
	allowAny := false
	origins := make(map[string]bool, len(cfg.CORSOrigins))
	for _, o := range cfg.CORSOrigins {
		if o == "*" {
			allowAny = true
		}
		origins[o] = true
	}
	maxAge := cfg.CORSMaxAge
	if maxAge <= 0 {
		maxAge = defaultCORSMaxAge
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || (!allowAny && !origins[origin]) {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", origin)
			if cfg.CORSCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimiter throttles each client address with its own token bucket.
// Buckets idle for visitorTTL are dropped by a background sweep until
// close.
type rateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor

	stop      chan struct{}
	closeOnce sync.Once
}

type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// newRateLimiter allows rps requests per second per client with bursts of
// twice that. rps <= 0 uses defaultRateLimit.
func newRateLimiter(rps float64) *rateLimiter {
	if rps <= 0 {
		rps = defaultRateLimit
	}
	burst := int(2 * rps)
	if burst < 1 {
		burst = 1
	}
	rl := &rateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
		visitors: make(map[string]*visitor),
		stop:     make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *rateLimiter) allow(client string) bool {
	now := rl.now()

	rl.mu.Lock()
	v, ok := rl.visitors[client]
	if !ok {
		v = &visitor{bucket: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[client] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()

	return v.bucket.AllowN(now, 1)
}

func (rl *rateLimiter) sweepLoop() {
	t := time.NewTicker(sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-t.C:
			rl.sweep()
		}
	}
}

// sweep drops visitors idle for longer than visitorTTL.
func (rl *rateLimiter) sweep() {
	cutoff := rl.now().Add(-visitorTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, k)
		}
	}
}

// close stops the sweep. It may be called more than once.
func (rl *rateLimiter) close() {
	rl.closeOnce.Do(func() { close(rl.stop) })
}

// middleware rejects over-limit requests with 429.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests. Please slow down.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP keys a request by X-Real-IP when a proxy set it, otherwise by
// the remote host without its port.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
