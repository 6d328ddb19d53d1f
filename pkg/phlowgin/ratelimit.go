package phlowgin

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/phlow-auth/phlow-go/pkg/phlowerr"
)

// EdgeLimiter enforces a per-client token bucket at the HTTP edge, in
// front of the authenticated per-token window inside the pipeline.
// Buckets idle longer than idleAfter are evicted in the background.
type EdgeLimiter struct {
	rps       int
	burst     int
	idleAfter time.Duration
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*edgeBucket

	stop     chan struct{}
	stopOnce sync.Once
}

type edgeBucket struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// NewEdgeLimiter creates an edge limiter. rps is the steady-state
// requests per second per client, burst the maximum burst.
func NewEdgeLimiter(rps, burst int) *EdgeLimiter {
	l := &EdgeLimiter{
		rps:       rps,
		burst:     burst,
		idleAfter: 10 * time.Minute,
		now:       time.Now,
		buckets:   make(map[string]*edgeBucket),
		stop:      make(chan struct{}),
	}
	go l.evictLoop(5 * time.Minute)
	return l
}

// Stop ends background eviction. The limiter remains usable.
func (l *EdgeLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Handler returns the gin middleware, keyed on the client IP.
func (l *EdgeLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   string(phlowerr.RateLimitExceeded),
				"message": "too many requests from this address",
			})
			return
		}
		c.Next()
	}
}

func (l *EdgeLimiter) allow(client string) bool {
	l.mu.Lock()
	b, ok := l.buckets[client]
	if !ok {
		b = &edgeBucket{bucket: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
		l.buckets[client] = b
	}
	b.lastSeen = l.now()
	l.mu.Unlock()

	return b.bucket.Allow()
}

func (l *EdgeLimiter) evictLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *EdgeLimiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for client, b := range l.buckets {
		if l.now().Sub(b.lastSeen) > l.idleAfter {
			delete(l.buckets, client)
		}
	}
}

// IPRateLimiter is shorthand for NewEdgeLimiter(rps, burst).Handler()
// when the caller does not need to stop the limiter.
func IPRateLimiter(rps, burst int) gin.HandlerFunc {
	return NewEdgeLimiter(rps, burst).Handler()
}
