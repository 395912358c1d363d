package mcpserver

import (
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ca-srg/mcpedge/internal/jsonrpc"
)

const (
	limiterIdleTTL   = 10 * time.Minute
	limiterSweepSize = 1024
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client IP.
type RateLimiter struct {
	rate           rate.Limit
	burst          int
	trustForwarded bool
	logger         *log.Logger
	now            func() time.Time

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// NewRateLimiter allows perSecond requests per client with the given burst.
func NewRateLimiter(perSecond float64, burst int, trustForwarded bool, logger *log.Logger) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[RateLimit] ", log.LstdFlags)
	}
	return &RateLimiter{
		rate:           rate.Limit(perSecond),
		burst:          burst,
		trustForwarded: trustForwarded,
		logger:         logger,
		now:            time.Now,
		clients:        make(map[string]*clientLimiter),
	}
}

// Allow consumes one token for key.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	c, ok := rl.clients[key]
	if !ok {
		if len(rl.clients) >= limiterSweepSize {
			rl.sweep(now)
		}
		c = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// sweep drops limiters that have been idle long enough to be full again.
func (rl *RateLimiter) sweep(now time.Time) {
	for key, c := range rl.clients {
		if now.Sub(c.lastSeen) > limiterIdleTTL {
			delete(rl.clients, key)
		}
	}
}

// Middleware answers 429 once a client exhausts its budget.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := ClientIPFromContext(r.Context())
		if clientIP == "" {
			clientIP = ExtractClientIP(r, rl.trustForwarded)
		}

		if !rl.Allow(clientIP) {
			rl.logger.Printf("Rate limit exceeded for IP: %s (Path: %s)", clientIP, r.URL.Path)
			w.Header().Set("Retry-After", "1")
			writeJSONRPCError(w, http.StatusTooManyRequests, jsonrpc.CodeBadRequest, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
