package middleware

import (
	"context"
	"math"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the failed-auth budget per client IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs bounds the number of clients held in memory.
	DefaultMaxTrackedIPs = 10000

	sweepInterval = time.Minute
	idleTTL       = 5 * time.Minute
)

type failureBudget struct {
	tokens   *rate.Limiter
	lastFail time.Time
}

// RateLimiter throttles client IPs that keep presenting bad credentials.
// Only failures draw from the budget; a caller with a valid key is never
// slowed down unless it already exhausted the budget with bad ones.
type RateLimiter struct {
	mu         sync.Mutex
	clients    map[string]*failureBudget
	perMinute  int
	maxClients int
	now        func() time.Time
	stop       context.CancelFunc
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithMaxTrackedIPs caps the number of client IPs held in memory. When full,
// the client whose last failure is oldest is forgotten.
func WithMaxTrackedIPs(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.maxClients = n
		}
	}
}

func withRateLimiterClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// NewRateLimiter allows perMinute failed attempts per IP, refilling evenly
// over the minute. perMinute <= 0 selects DefaultMaxAttemptsPerMinute. Idle
// clients are swept until ctx is done or Stop is called.
func NewRateLimiter(ctx context.Context, perMinute int, opts ...RateLimiterOption) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, stop := context.WithCancel(ctx)
	rl := &RateLimiter{
		clients:    make(map[string]*failureBudget),
		perMinute:  perMinute,
		maxClients: DefaultMaxTrackedIPs,
		now:        time.Now,
		stop:       stop,
	}
	for _, opt := range opts {
		opt(rl)
	}
	go rl.sweepLoop(ctx)
	return rl
}

// RetryAfter returns how long ip must wait before its next attempt is
// considered, or zero if it may try now. It never draws from the budget.
func (rl *RateLimiter) RetryAfter(ip string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.clients[ip]
	if !ok {
		return 0
	}
	return waitFor(b.tokens, rl.now())
}

// Fail charges one failed attempt to ip. It returns zero while ip is within
// its budget and the wait until the next token otherwise.
func (rl *RateLimiter) Fail(ip string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b := rl.budgetLocked(ip, now)
	if b.tokens.AllowN(now, 1) {
		return 0
	}
	return waitFor(b.tokens, now)
}

// Tracked returns the number of client IPs currently holding a budget.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Stop ends the background sweep. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stop()
}

func (rl *RateLimiter) budgetLocked(ip string, now time.Time) *failureBudget {
	b, ok := rl.clients[ip]
	if !ok {
		if len(rl.clients) >= rl.maxClients {
			rl.forgetOldestLocked()
		}
		perSecond := rate.Limit(float64(rl.perMinute) / 60.0)
		b = &failureBudget{tokens: rate.NewLimiter(perSecond, rl.perMinute)}
		rl.clients[ip] = b
	}
	b.lastFail = now
	return b
}

func (rl *RateLimiter) forgetOldestLocked() {
	var (
		oldest   string
		oldestAt time.Time
	)
	for ip, b := range rl.clients {
		if oldest == "" || b.lastFail.Before(oldestAt) {
			oldest, oldestAt = ip, b.lastFail
		}
	}
	delete(rl.clients, oldest)
}

func (rl *RateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for ip, b := range rl.clients {
		if now.Sub(b.lastFail) > idleTTL {
			delete(rl.clients, ip)
		}
	}
}

func waitFor(l *rate.Limiter, now time.Time) time.Duration {
	missing := 1 - l.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(l.Limit()) * float64(time.Second))
}

// retryAfterSeconds renders d for a Retry-After header, rounding up so the
// client never retries early.
func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

// ExtractIP returns the host part of a host:port address, or addr itself when
// it carries no port.
func ExtractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
