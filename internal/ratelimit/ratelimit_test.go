package ratelimit

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJitterBackoffRange(t *testing.T) {
	b := NewJitterBackoff(1000*time.Millisecond, 2000*time.Millisecond)

	for i := 0; i < 200; i++ {
		d := b.Next()
		if d < time.Second || d >= 3*time.Second {
			t.Fatalf("Next() = %v, expected within [1s, 3s)", d)
		}
	}
}

func TestJitterBackoffNoSpread(t *testing.T) {
	b := NewJitterBackoff(250*time.Millisecond, 0)
	assert.Equal(t, 250*time.Millisecond, b.Next())
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWait(t *testing.T) {
	b := NewJitterBackoff(10*time.Millisecond, 10*time.Millisecond)

	start := time.Now()
	assert.NoError(t, b.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestRandomBetween(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d := RandomBetween(r, 5*time.Millisecond, 15*time.Millisecond)
		assert.GreaterOrEqual(t, d, 5*time.Millisecond)
		assert.LessOrEqual(t, d, 15*time.Millisecond)
	}
	assert.Equal(t, 5*time.Millisecond, RandomBetween(r, 5*time.Millisecond, time.Millisecond))
}
