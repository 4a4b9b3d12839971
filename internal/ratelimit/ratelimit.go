// Package ratelimit provides per-client token bucket rate limiting for the
// scoring API.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// ClientIDHeader lets trusted collectors identify themselves so they are
// limited per collector instead of per egress IP.
const ClientIDHeader = "X-Client-ID"

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained token refill rate per client.
	RequestsPerMinute int
	// BurstSize is the bucket capacity.
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig returns defaults sized for collector traffic.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		BurstSize:         100,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*bucket
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * l.cfg.CleanupInterval)
			for key, b := range l.clients {
				if b.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes one token for key.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.AllowN(key, 1)
	return ok
}

// AllowN takes n tokens for key. When the bucket is short it takes
// nothing and reports how long until n tokens are available.
func (l *Limiter) AllowN(key string, n int) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	burst := float64(l.cfg.BurstSize)
	b, ok := l.clients[key]
	if !ok {
		b = &bucket{tokens: burst, lastCheck: now}
		l.clients[key] = b
	}

	rate := float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens = math.Min(burst, b.tokens+now.Sub(b.lastCheck).Seconds()*rate)
	b.lastCheck = now

	need := float64(n)
	if b.tokens >= need {
		b.tokens -= need
		return true, 0
	}
	if rate <= 0 || need > burst {
		return false, time.Minute
	}
	wait := time.Duration((need - b.tokens) / rate * float64(time.Second))
	return false, wait
}

// Middleware limits by ClientIDHeader when present, otherwise by IP.
// cost reports how many tokens a request consumes; nil means one.
func (l *Limiter) Middleware(cost func(*gin.Context) int) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if id := c.GetHeader(ClientIDHeader); id != "" {
			key = "client:" + id[:min(64, len(id))]
		}

		n := 1
		if cost != nil {
			n = max(1, cost(c))
		}

		if ok, wait := l.AllowN(key, n); !ok {
			retry := max(1, int(math.Ceil(wait.Seconds())))
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}
