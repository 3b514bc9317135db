package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/maltedev/gpu-drop-agent/internal/browser"
	"github.com/maltedev/gpu-drop-agent/internal/clock"
	"github.com/maltedev/gpu-drop-agent/internal/models"
	"github.com/maltedev/gpu-drop-agent/internal/pagestate"
	"github.com/maltedev/gpu-drop-agent/internal/ratelimit"
)

type WaiterConfig struct {
	SpinInterval      time.Duration
	AffordanceTimeout time.Duration
	BackoffBase       time.Duration
	BackoffSpread     time.Duration
	ChallengeMarker   string
	ChallengeTimeout  time.Duration
}

func DefaultWaiterConfig() WaiterConfig {
	return WaiterConfig{
		SpinInterval:      100 * time.Millisecond,
		AffordanceTimeout: 200 * time.Millisecond,
		BackoffBase:       1000 * time.Millisecond,
		BackoffSpread:     2000 * time.Millisecond,
		ChallengeMarker:   "challenges.cloudflare.com",
		ChallengeTimeout:  15 * time.Second,
	}
}

// Waiter handles scheduled drops: it waits for the drop instant and then
// reloads the product page until the buy control shows up.
type Waiter struct {
	driver  *Driver
	clock   clock.Clock
	backoff ratelimit.Waiter
	cfg     WaiterConfig
	logger  *slog.Logger
	rand    *rand.Rand
}

func NewWaiter(driver *Driver, clk clock.Clock, cfg WaiterConfig, logger *slog.Logger) *Waiter {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	def := DefaultWaiterConfig()
	if cfg.SpinInterval <= 0 {
		cfg.SpinInterval = def.SpinInterval
	}
	if cfg.AffordanceTimeout <= 0 {
		cfg.AffordanceTimeout = def.AffordanceTimeout
	}
	if cfg.ChallengeMarker == "" {
		cfg.ChallengeMarker = def.ChallengeMarker
	}
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = def.ChallengeTimeout
	}

	return &Waiter{
		driver:  driver,
		clock:   clk,
		backoff: ratelimit.NewJitterBackoff(cfg.BackoffBase, cfg.BackoffSpread),
		cfg:     cfg,
		logger:  logger.With("component", "waiter"),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run blocks until target, then polls productURL until the product can be
// committed. The only error is context cancellation; a failed commit is
// reported through the outcome.
func (w *Waiter) Run(ctx context.Context, target time.Time, productURL string) (outcome models.CartOutcome, err error) {
	outcome = w.driver.newOutcome("", productURL)
	logger := w.logger.With("attempt_id", outcome.AttemptID, "product", outcome.Product)

	if err := w.waitUntil(ctx, target, logger); err != nil {
		outcome.Reason = err.Error()
		return outcome, err
	}

	d := w.driver
	d.mu.Lock()
	defer d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			outcome.Success = false
			outcome.Reason = fmt.Sprintf("panic: %v", r)
			d.finish(&outcome, "drop", logger)
			err = nil
		}
	}()

	responses, stop := d.session.Responses()
	defer stop()

	loaded := false
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			outcome.Reason = err.Error()
			return outcome, err
		}

		var err error
		if loaded {
			err = d.session.Reload(browser.WaitDOMContentLoaded)
		} else {
			err = d.session.Navigate(productURL, browser.WaitDOMContentLoaded)
			loaded = err == nil
		}
		if err != nil {
			logger.Warn("page load failed", "attempt", attempt, "error", err)
		} else if d.session.WaitForSelector(d.cfg.Selectors.AddToBasket, w.cfg.AffordanceTimeout) == nil {
			logger.Info("buy control available", "attempt", attempt)
			outcome.Success, outcome.Reason = d.commit(logger)
			d.finish(&outcome, "drop", logger)
			return outcome, nil
		}

		switch w.blocker(responses) {
		case pagestate.Challenge:
			logger.Info("challenge detected", "attempt", attempt)
			passed := w.solveChallenge(ctx, responses, productURL, logger)
			d.cfg.Metrics.ObserveChallenge(passed)
		case pagestate.Consent:
			w.dismissConsent(logger)
		}

		if err := w.backoff.Wait(ctx); err != nil {
			outcome.Reason = err.Error()
			return outcome, err
		}
	}
}

func (w *Waiter) waitUntil(ctx context.Context, target time.Time, logger *slog.Logger) error {
	if now := w.clock.Now(); now.Before(target) {
		logger.Info("waiting for drop", "target", target, "in", target.Sub(now).Round(time.Second))
	}
	for w.clock.Now().Before(target) {
		if err := ratelimit.Sleep(ctx, w.cfg.SpinInterval); err != nil {
			return err
		}
	}
	return nil
}

// blocker drains buffered response URLs looking for the challenge provider,
// then falls back to inspecting the page itself.
func (w *Waiter) blocker(responses <-chan string) pagestate.Interstitial {
	seen := false
drain:
	for {
		select {
		case u := <-responses:
			if strings.Contains(u, w.cfg.ChallengeMarker) {
				seen = true
			}
		default:
			break drain
		}
	}
	if seen {
		return pagestate.Challenge
	}

	html, err := w.driver.session.Content()
	if err != nil {
		return pagestate.None
	}
	kind, err := pagestate.Detect(html)
	if err != nil {
		return pagestate.None
	}
	return kind
}

// dismissConsent declines the cookie dialog if its button is actually shown.
func (w *Waiter) dismissConsent(logger *slog.Logger) {
	s := w.driver.session
	decline := w.driver.cfg.Selectors.ConsentDecline

	if err := s.WaitForSelector(decline, w.cfg.AffordanceTimeout); err != nil {
		return
	}
	if err := s.Click(decline); err != nil {
		logger.Debug("consent decline failed", "error", err)
		return
	}
	logger.Info("consent dialog dismissed")
}

const widgetCenterJS = `(selector) => {
	const el = document.querySelector(selector);
	if (!el) return null;
	const r = el.getBoundingClientRect();
	return {x: r.left + Math.min(30, r.width / 2), y: r.top + r.height / 2};
}`

// solveChallenge moves the pointer over the challenge widget and presses it,
// then waits for a response from the product's own host. Best effort only.
func (w *Waiter) solveChallenge(ctx context.Context, responses <-chan string, productURL string, logger *slog.Logger) bool {
	s := w.driver.session

	x, y := w.widgetPosition()
	for i := 0; i < 2+w.rand.Intn(3); i++ {
		jx := x + float64(w.rand.Intn(300)-150)
		jy := y + float64(w.rand.Intn(200)-100)
		if err := s.MouseMove(jx, jy); err != nil {
			logger.Debug("pointer move failed", "error", err)
			return false
		}
		_ = ratelimit.Sleep(ctx, ratelimit.RandomBetween(w.rand, 20*time.Millisecond, 80*time.Millisecond))
	}

	if err := s.MouseMove(x, y); err != nil {
		return false
	}
	if err := s.MouseDown(); err != nil {
		return false
	}
	_ = ratelimit.Sleep(ctx, ratelimit.RandomBetween(w.rand, 60*time.Millisecond, 140*time.Millisecond))
	if err := s.MouseUp(); err != nil {
		return false
	}

	host := hostOf(productURL)
	timer := time.NewTimer(w.cfg.ChallengeTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			logger.Warn("challenge not cleared", "timeout", w.cfg.ChallengeTimeout)
			return false
		case u := <-responses:
			if host != "" && hostOf(u) == host {
				logger.Info("challenge cleared", "response", u)
				return true
			}
		}
	}
}

func (w *Waiter) widgetPosition() (float64, float64) {
	s := w.driver.session
	expr := fmt.Sprintf("(%s)(%q)", widgetCenterJS, w.driver.cfg.Selectors.ChallengeFrame)

	if v, err := s.Evaluate(expr); err == nil {
		if m, ok := v.(map[string]any); ok {
			x, okX := toFloat(m["x"])
			y, okY := toFloat(m["y"])
			if okX && okY {
				return x, y
			}
		}
	}

	// Managed challenges render near the top left of the content area.
	return float64(200 + w.rand.Intn(200)), float64(250 + w.rand.Intn(100))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
