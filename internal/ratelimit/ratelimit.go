package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Waiter blocks between retries.
type Waiter interface {
	Wait(ctx context.Context) error
}

// JitterBackoff sleeps base plus a uniformly random extra in [0, spread).
type JitterBackoff struct {
	base   time.Duration
	spread time.Duration
	mu     sync.Mutex
	rand   *rand.Rand
}

func NewJitterBackoff(base, spread time.Duration) *JitterBackoff {
	return &JitterBackoff{
		base:   base,
		spread: spread,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next delay without sleeping.
func (b *JitterBackoff) Next() time.Duration {
	if b.spread <= 0 {
		return b.base
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.base + time.Duration(b.rand.Int63n(int64(b.spread)))
}

func (b *JitterBackoff) Wait(ctx context.Context) error {
	return Sleep(ctx, b.Next())
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RandomBetween returns a duration in [min, max]; used for human-like pauses.
func RandomBetween(r *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(r.Int63n(int64(max-min)+1))
}
