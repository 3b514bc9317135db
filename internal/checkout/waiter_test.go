package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/gpu-drop-agent/internal/models"
)

type noWait struct {
	mu    sync.Mutex
	calls int
}

func (n *noWait) Wait(ctx context.Context) error {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
	return ctx.Err()
}

// steppingClock advances by step on every read.
type steppingClock struct {
	mu    sync.Mutex
	now   time.Time
	step  time.Duration
	reads int
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	c.now = c.now.Add(c.step)
	return c.now
}

func newTestWaiter(s *fakeSession, clk *steppingClock) (*Waiter, *noWait) {
	cfg := DefaultWaiterConfig()
	cfg.SpinInterval = time.Millisecond
	cfg.ChallengeTimeout = time.Second

	w := NewWaiter(newTestDriver(s), clk, cfg, nil)
	backoff := &noWait{}
	w.backoff = backoff
	return w, backoff
}

func TestWaiterSpinsUntilTarget(t *testing.T) {
	sel := DefaultSelectors()
	s := newFakeSession()
	s.show(sel.AddToBasket)
	s.onClick = func(f *fakeSession, selector string) { f.show(sel.CartMarker) }

	start := time.Date(2025, 5, 28, 12, 59, 59, 0, time.UTC)
	clk := &steppingClock{now: start, step: 250 * time.Millisecond}
	w, _ := newTestWaiter(s, clk)

	outcome, err := w.Run(context.Background(), start.Add(time.Second), productURL)
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	assert.GreaterOrEqual(t, clk.reads, 4)
	assert.Equal(t, []string{productURL}, s.navigations)
	assert.Equal(t, 0, s.reloads)
	assert.Equal(t, 200*time.Millisecond, s.waits[sel.AddToBasket])
}

func TestWaiterReloadsUntilAffordance(t *testing.T) {
	sel := DefaultSelectors()
	s := newFakeSession()
	s.onReload = func(f *fakeSession, n int) {
		if n == 3 {
			f.show(sel.AddToBasket)
		}
	}
	s.onClick = func(f *fakeSession, selector string) { f.show(sel.CheckoutLink) }

	clk := &steppingClock{now: time.Now(), step: time.Millisecond}
	w, backoff := newTestWaiter(s, clk)

	outcome, err := w.Run(context.Background(), time.Time{}, productURL)
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	assert.Equal(t, "NVIDIA-GeForce-RTX-5080-Founders-Edition", outcome.Product)
	assert.Len(t, s.navigations, 1, "navigates once then reloads")
	assert.Equal(t, 3, s.reloads)
	assert.Equal(t, 3, backoff.calls)
	assert.Equal(t, []string{sel.AddToBasket}, s.clicks)
	assert.Empty(t, s.mouse)
}

func TestWaiterCommitFailure(t *testing.T) {
	s := newFakeSession()
	s.show(DefaultSelectors().AddToBasket)

	w, _ := newTestWaiter(s, &steppingClock{now: time.Now(), step: time.Millisecond})

	outcome, err := w.Run(context.Background(), time.Time{}, productURL)
	require.NoError(t, err)
	assert.False(t, outcome.Success)
}

func TestWaiterCommitPanicIsFailure(t *testing.T) {
	sel := DefaultSelectors()
	s := newFakeSession()
	s.show(sel.AddToBasket)
	s.onClick = func(f *fakeSession, selector string) { panic("target closed") }

	w, _ := newTestWaiter(s, &steppingClock{now: time.Now(), step: time.Millisecond})

	var (
		outcome models.CartOutcome
		err     error
	)
	require.NotPanics(t, func() {
		outcome, err = w.Run(context.Background(), time.Time{}, productURL)
	})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Reason, "target closed")
	assert.False(t, outcome.FinishedAt.IsZero())

	// the session lock is released again
	assert.True(t, w.driver.mu.TryLock())
	w.driver.mu.Unlock()
}

func TestWaiterRunsChallengeRoutine(t *testing.T) {
	sel := DefaultSelectors()
	s := newFakeSession()
	s.evalVal = map[string]any{"x": 215.5, "y": 310}
	s.onReload = func(f *fakeSession, n int) {
		switch n {
		case 1:
			f.emit("https://challenges.cloudflare.com/cdn-cgi/challenge-platform/h/g/turnstile")
		case 2:
			f.show(sel.AddToBasket)
		}
	}
	s.onMouseUp = func(f *fakeSession) {
		f.emit("https://www.proshop.fi/api/session/refresh")
	}
	s.onClick = func(f *fakeSession, selector string) { f.show(sel.CartMarker) }

	w, _ := newTestWaiter(s, &steppingClock{now: time.Now(), step: time.Millisecond})

	outcome, err := w.Run(context.Background(), time.Time{}, productURL)
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	assert.Equal(t, 2, s.reloads)
	require.GreaterOrEqual(t, len(s.mouse), 4)
	assert.Equal(t, []string{"move", "down", "up"}, s.mouse[len(s.mouse)-3:])
}

func TestWaiterChallengeFromPageContent(t *testing.T) {
	sel := DefaultSelectors()
	s := newFakeSession()
	s.content = `<html><head><title>Just a moment...</title></head><body></body></html>`
	s.onReload = func(f *fakeSession, n int) {
		f.mu.Lock()
		f.content = "<html><body>ok</body></html>"
		f.mu.Unlock()
		f.show(sel.AddToBasket)
	}
	s.onMouseUp = func(f *fakeSession) { f.emit("https://www.proshop.fi/") }
	s.onClick = func(f *fakeSession, selector string) { f.show(sel.CartMarker) }

	w, _ := newTestWaiter(s, &steppingClock{now: time.Now(), step: time.Millisecond})

	outcome, err := w.Run(context.Background(), time.Time{}, productURL)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Contains(t, s.mouse, "down")
}

func TestWaiterDismissesConsentDialog(t *testing.T) {
	sel := DefaultSelectors()
	s := newFakeSession()
	s.content = `<html><body><div id="cookieConsent"><button id="declineButton">Hylkää</button></div></body></html>`
	s.show(sel.ConsentDecline)
	s.onReload = func(f *fakeSession, n int) { f.show(sel.AddToBasket) }
	s.onClick = func(f *fakeSession, selector string) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch selector {
		case sel.ConsentDecline:
			f.elements[sel.ConsentDecline] = false
			f.content = "<html><body>tuote</body></html>"
		case sel.AddToBasket:
			f.elements[sel.CartMarker] = true
		}
	}

	w, _ := newTestWaiter(s, &steppingClock{now: time.Now(), step: time.Millisecond})

	outcome, err := w.Run(context.Background(), time.Time{}, productURL)
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	assert.Equal(t, []string{sel.ConsentDecline, sel.AddToBasket}, s.clicks)
	assert.Empty(t, s.mouse)
}

func TestWaiterChallengeTimeout(t *testing.T) {
	s := newFakeSession()
	s.content = `<html><body><div class="cf-turnstile"></div></body></html>`

	w, _ := newTestWaiter(s, &steppingClock{now: time.Now(), step: time.Millisecond})
	w.cfg.ChallengeTimeout = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := w.Run(ctx, time.Time{}, productURL)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, s.mouse, "up")
}

func TestWaiterCancelledBeforeTarget(t *testing.T) {
	s := newFakeSession()
	clk := &steppingClock{now: time.Now(), step: 0}
	w, _ := newTestWaiter(s, clk)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	outcome, err := w.Run(ctx, clk.now.Add(time.Hour), productURL)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, outcome.Success)
	assert.Empty(t, s.navigations)
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "proshop.fi", hostOf("https://www.proshop.fi/Basket"))
	assert.Equal(t, "proshop.fi", hostOf("https://proshop.fi/"))
	assert.Equal(t, "challenges.cloudflare.com", hostOf("https://challenges.cloudflare.com/x"))
	assert.Equal(t, "", hostOf("::"))
}
