package chat

import (
	"time"

	"github.com/Tyrowin/roomchat/internal/config"
)

// tokenBucket throttles the frames of one session. It is only touched by the
// session goroutine, so it needs no lock.
type tokenBucket struct {
	tokens    float64
	capacity  float64
	perSecond float64
	last      time.Time
	now       func() time.Time
}

func newTokenBucket(cfg config.RateLimitConfig, now func() time.Time) *tokenBucket {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}
	if now == nil {
		now = time.Now
	}

	return &tokenBucket{
		tokens:    float64(burst),
		capacity:  float64(burst),
		perSecond: float64(burst) / interval.Seconds(),
		last:      now(),
		now:       now,
	}
}

// allow takes one token if available.
func (b *tokenBucket) allow() bool {
	now := b.now()
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.perSecond)
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
