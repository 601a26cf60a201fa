package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// UpgradeLimiter throttles WebSocket handshakes per client IP with a token bucket.
type UpgradeLimiter struct {
	perSecond rate.Limit
	burst     int
	idleAfter time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewUpgradeLimiter allows perSecond handshakes per IP with the given burst.
// Buckets untouched for idleAfter are dropped by Cleanup.
func NewUpgradeLimiter(perSecond float64, burst int, idleAfter time.Duration) *UpgradeLimiter {
	return &UpgradeLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		idleAfter: idleAfter,
		visitors:  make(map[string]*visitor),
	}
}

// Allow reports whether ip may attempt another handshake now.
func (u *UpgradeLimiter) Allow(ip string) bool {
	if ip == "" {
		return true
	}

	u.mu.Lock()
	v, ok := u.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(u.perSecond, u.burst)}
		u.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	u.mu.Unlock()

	if !v.limiter.Allow() {
		logger.Debug("Handshake rate limit exceeded", zap.String("client_ip", ip))
		return false
	}
	return true
}

// Cleanup removes buckets idle for longer than idleAfter and returns how many went.
func (u *UpgradeLimiter) Cleanup() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-u.idleAfter)
	for ip, v := range u.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(u.visitors, ip)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked IPs.
func (u *UpgradeLimiter) Size() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.visitors)
}

// Run calls Cleanup every interval until ctx is done.
func (u *UpgradeLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := u.Cleanup(); n > 0 {
				logger.Debug("Dropped idle handshake buckets", zap.Int("count", n))
			}
		}
	}
}
