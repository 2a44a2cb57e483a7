package middleware

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/milan604/rtl433dp-console/pkg/apperr"
	"github.com/milan604/rtl433dp-console/pkg/response"
)

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per client IP. It guards the sign-in endpoints,
// which each cost a round trip to the identity provider.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// NewRateLimiter allows rps requests per second with the given burst per IP.
// A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = max(1, int(math.Ceil(rps)))
	}
	return &RateLimiter{
		limit:   limit,
		burst:   burst,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
		clients: map[string]*clientLimiter{},
	}
}

// WithClock swaps the time source, for tests.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.now = now
	return rl
}

func (rl *RateLimiter) allow(ip string) bool {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cl, ok := rl.clients[ip]
	if !ok {
		cl = &clientLimiter{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = cl
	}
	cl.lastSeen = now
	return cl.lim.AllowN(now, 1)
}

// Sweep forgets clients idle for longer than ten minutes.
func (rl *RateLimiter) Sweep() int {
	cutoff := rl.now().Add(-rl.idleTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for ip, cl := range rl.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
			n++
		}
	}
	return n
}

// Middleware answers 429 with a Retry-After of one second once the caller's
// bucket is empty.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.limit == rate.Inf || rl.allow(c.ClientIP()) {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		response.JSONError(c, apperr.New(apperr.ErrorCodeRateLimited))
	}
}

// Run sweeps idle clients every minute until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.Sweep()
		}
	}
}
