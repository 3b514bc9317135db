// Package handoff passes a finished cart attempt to the human: the basket is
// opened in the desktop browser on success, the product page otherwise.
package handoff

import (
	"context"
	"log/slog"
	"sync"

	sysbrowser "github.com/pkg/browser"

	"github.com/maltedev/gpu-drop-agent/internal/events"
	"github.com/maltedev/gpu-drop-agent/internal/models"
)

const DefaultBasketURL = "https://www.proshop.fi/Basket"

type Opener interface {
	Open(url string) error
}

// SystemOpener opens URLs with the platform's default browser.
type SystemOpener struct{}

func (SystemOpener) Open(url string) error {
	return sysbrowser.OpenURL(url)
}

type Publisher interface {
	Publish(ctx context.Context, eventType, aggregateID string, payload any) error
}

type Config struct {
	BasketURL string
	// NoOpen skips the desktop browser, for servers without a display.
	NoOpen      bool
	HistorySize int
}

type Handoff struct {
	opener    Opener
	publisher Publisher
	cfg       Config
	logger    *slog.Logger

	mu      sync.RWMutex
	history []models.CartOutcome
}

func New(opener Opener, publisher Publisher, cfg Config, logger *slog.Logger) *Handoff {
	if opener == nil {
		opener = SystemOpener{}
	}
	if cfg.BasketURL == "" {
		cfg.BasketURL = DefaultBasketURL
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handoff{
		opener:    opener,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "handoff"),
	}
}

// Deliver records the outcome, publishes it and opens the page the human
// continues from. It returns the URL that was (or would have been) opened.
// Failures that arrive after ctx is done are recorded but not opened: they
// are attempts abandoned by a shutdown.
func (h *Handoff) Deliver(ctx context.Context, outcome models.CartOutcome) string {
	h.record(outcome)

	if h.publisher != nil {
		if err := h.publisher.Publish(ctx, events.TypeCartOutcome, string(outcome.GPU), outcome); err != nil {
			h.logger.Warn("failed to publish outcome", "attempt_id", outcome.AttemptID, "error", err)
		}
	}

	if !outcome.Success && ctx.Err() != nil {
		h.logger.Debug("shutting down, not opening failed attempt", "attempt_id", outcome.AttemptID, "url", outcome.URL)
		return ""
	}

	target := outcome.URL
	if outcome.Success {
		target = h.cfg.BasketURL
	}
	if target == "" {
		return ""
	}

	if h.cfg.NoOpen {
		h.logger.Info("continue checkout manually", "url", target, "success", outcome.Success)
		return target
	}

	if err := h.opener.Open(target); err != nil {
		h.logger.Error("failed to open browser", "url", target, "error", err)
		return target
	}
	h.logger.Info("opened browser for checkout", "url", target, "success", outcome.Success)
	return target
}

func (h *Handoff) record(outcome models.CartOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, outcome)
	if over := len(h.history) - h.cfg.HistorySize; over > 0 {
		h.history = append([]models.CartOutcome(nil), h.history[over:]...)
	}
}

// Recent returns the retained outcomes, newest first.
func (h *Handoff) Recent() []models.CartOutcome {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]models.CartOutcome, len(h.history))
	for i, o := range h.history {
		out[len(h.history)-1-i] = o
	}
	return out
}
