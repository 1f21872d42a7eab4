package fetch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RateLimiter spaces out requests to the same host.
// The sitemap walker uses it between nested sitemap fetches.
type RateLimiter struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time // host -> last request attempt
	minDelay time.Duration
	log      *logrus.Entry
}

// NewRateLimiter creates a RateLimiter; a zero minDelay disables waiting
func NewRateLimiter(minDelay time.Duration, log *logrus.Entry) *RateLimiter {
	return &RateLimiter{
		lastSeen: make(map[string]time.Time),
		minDelay: minDelay,
		log:      log,
	}
}

// Wait blocks until minDelay (+/-10% jitter) has passed since the last request to host,
// then records the current time as that host's last request. Returns ctx.Err() if ctx ends first.
func (rl *RateLimiter) Wait(ctx context.Context, host string) error {
	if rl.minDelay <= 0 {
		return nil
	}

	rl.mu.Lock()
	last, seen := rl.lastSeen[host]
	rl.mu.Unlock()

	if seen {
		if sleep := rl.remaining(time.Since(last)); sleep > 0 {
			rl.log.WithFields(logrus.Fields{"host": host, "sleep": sleep}).Debug("Rate limit applying sleep")
			timer := time.NewTimer(sleep)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}

	rl.mu.Lock()
	rl.lastSeen[host] = time.Now()
	rl.mu.Unlock()
	return nil
}

func (rl *RateLimiter) remaining(elapsed time.Duration) time.Duration {
	if elapsed >= rl.minDelay {
		return 0
	}
	sleep := rl.minDelay - elapsed
	if spread := int64(sleep) / 5; spread > 0 {
		sleep += time.Duration(rand.Int63n(spread)) - sleep/10
	}
	if sleep < 0 {
		return 0
	}
	return sleep
}
