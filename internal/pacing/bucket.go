package pacing

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket with continuous refill. It wraps rate.Limiter so
// waiting callers park on the limiter's own timer instead of holding any lock
// owned by this package.
type Bucket struct {
	name string
	lim  *rate.Limiter
}

// NewBucket builds a bucket that refills at refillPerSec up to capacity.
// A full bucket is handed out at start.
func NewBucket(name string, capacity int, refillPerSec float64) *Bucket {
	return &Bucket{
		name: name,
		lim:  rate.NewLimiter(rate.Limit(refillPerSec), capacity),
	}
}

// Take blocks until n tokens are available or ctx is done.
func (b *Bucket) Take(ctx context.Context, n int) error {
	return b.lim.WaitN(ctx, n)
}

// TryTake consumes n tokens if they are available right now.
func (b *Bucket) TryTake(n int) bool {
	return b.lim.AllowN(time.Now(), n)
}

// Tokens reports the tokens currently available.
func (b *Bucket) Tokens() float64 {
	return b.lim.Tokens()
}

// NextDelay probes how long a single-token take would wait.
func (b *Bucket) NextDelay() time.Duration {
	r := b.lim.Reserve()
	delay := r.Delay()
	r.Cancel()
	return delay
}

// Name identifies the bucket in logs and stats.
func (b *Bucket) Name() string {
	return b.name
}
