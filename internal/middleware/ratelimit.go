package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/thommahoney/fast-rack/internal/rack"
)

const (
	// maxClients bounds how many client buckets are tracked at once.
	maxClients = 10000
	// clientTTL drops buckets of clients that went quiet.
	clientTTL = 10 * time.Minute
)

// RateLimiter holds a token bucket per client IP.
// The mutex makes get-or-create atomic; each rate.Limiter is safe on its own.
type RateLimiter struct {
	limiters *expirable.LRU[string, *rate.Limiter]
	rps      rate.Limit
	burst    int
	mu       sync.Mutex
	now      func() time.Time
}

// NewRateLimiter creates a rate limiter.
// rps = sustained rate (e.g., 1.0 = 1 request/sec)
// burst = bucket size (e.g., 10 requests)
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxClients, nil, clientTTL),
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

// limiter returns the limiter for ip, creating it if needed.
func (rl *RateLimiter) limiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, exists := rl.limiters.Get(ip); exists {
		return l
	}
	l := rate.NewLimiter(rl.rps, rl.burst)
	rl.limiters.Add(ip, l)
	return l
}

// Clients returns how many client buckets are tracked.
func (rl *RateLimiter) Clients() int {
	return rl.limiters.Len()
}

// Middleware returns the per-run middleware. A run is charged one token on
// its first pass only; retries of an admitted request are free.
func (rl *RateLimiter) Middleware() rack.Middleware {
	return &rateLimitRun{rl: rl}
}

type rateLimitRun struct {
	rl       *RateLimiter
	admitted bool
}

func (m *rateLimitRun) OnRequest(req *http.Request) rack.Outcome {
	if m.admitted {
		return rack.Continue()
	}

	l := m.rl.limiter(ClientIP(req))
	now := m.rl.now()
	if !l.AllowN(now, 1) {
		resp := rack.NewTextResponse(http.StatusTooManyRequests, "Too Many Requests")
		resp.Header.Set("Retry-After", retryAfter(l, now))
		return rack.Synthetic(resp)
	}

	m.admitted = true
	return rack.Continue()
}

func (m *rateLimitRun) OnResponse(_ *rack.Response) rack.Outcome {
	return rack.Continue()
}

// retryAfter estimates whole seconds until one token is available.
func retryAfter(l *rate.Limiter, now time.Time) string {
	r := l.ReserveN(now, 1)
	defer r.CancelAt(now)
	if !r.OK() {
		return "60"
	}
	secs := int(math.Ceil(r.DelayFrom(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
