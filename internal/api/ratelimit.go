package api

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/clawd-bridge/internal/openai"
)

const (
	sweepInterval = 5 * time.Minute
	bucketIdleTTL = 10 * time.Minute
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	RPS   int // requests per second
	Burst int // burst size; values below 1 fall back to RPS
}

// rateLimiter keeps one token bucket per client IP. A background sweep drops
// idle buckets until Stop is called.
type rateLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket

	running  bool // guarded by mu
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst < 1 {
		burst = cfg.RPS
	}
	return &rateLimiter{
		rate:    float64(cfg.RPS),
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// start runs the sweep loop until Stop.
func (rl *rateLimiter) start(interval time.Duration) {
	rl.mu.Lock()
	rl.running = true
	rl.mu.Unlock()

	go func() {
		defer close(rl.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rl.stop:
				return
			case now := <-ticker.C:
				rl.sweep(now, bucketIdleTTL)
			}
		}
	}()
}

// Stop ends the sweep loop and waits for it. Safe to call more than once,
// and before start.
func (rl *rateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })

	rl.mu.Lock()
	running := rl.running
	rl.mu.Unlock()
	if running {
		<-rl.done
	}
}

// allow takes one token from key's bucket, refilling it for the time elapsed
// since it was last seen.
func (rl *rateLimiter) allow(key string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, seen: now}
		rl.buckets[key] = b
	}
	b.tokens = min(rl.burst, b.tokens+now.Sub(b.seen).Seconds()*rl.rate)
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets idle for longer than idle.
func (rl *rateLimiter) sweep(now time.Time, idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, b := range rl.buckets {
		if now.Sub(b.seen) > idle {
			delete(rl.buckets, k)
		}
	}
}

func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Handler returns the Fiber middleware. Health endpoints are never limited.
func (rl *rateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if isHealthPath(c.Path()) {
			return c.Next()
		}
		if !rl.allow(c.IP(), time.Now()) {
			return errorResponse(c, fiber.StatusTooManyRequests,
				"Rate limit exceeded. Please try again later.", openai.ErrorTypeRateLimit)
		}
		return c.Next()
	}
}
