package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/gpu-drop-agent/internal/browser"
	"github.com/maltedev/gpu-drop-agent/internal/metrics"
	"github.com/maltedev/gpu-drop-agent/internal/models"
)

var ErrBootstrap = errors.New("session bootstrap failed")

// Selectors locate the retailer controls the driver interacts with.
type Selectors struct {
	ConsentTrigger string
	ConsentDecline string
	LoginOpen      string
	LoginUsername  string
	LoginPassword  string
	LoginSubmit    string
	AccountLabel   string
	AddToBasket    string
	CartMarker     string
	CheckoutLink   string
	ChallengeFrame string
}

func DefaultSelectors() Selectors {
	return Selectors{
		ConsentTrigger: "#search-input",
		ConsentDecline: "#declineButton",
		LoginOpen:      "#openLogin",
		LoginUsername:  "#UserName",
		LoginPassword:  "#Password",
		LoginSubmit:    "#loginForm button[type=\"submit\"]",
		AccountLabel:   "#openLogin .site-login-name",
		AddToBasket:    "button[data-form-action=\"addToBasket\"]",
		CartMarker:     "#cartApp",
		CheckoutLink:   "a[href*=\"/Basket/CheckOut\"]",
		ChallengeFrame: "iframe[src*=\"challenges.cloudflare.com\"]",
	}
}

type Credentials struct {
	Username string
	Password string
	RealName string
}

type Config struct {
	SiteURL           string
	AffordanceTimeout time.Duration
	ControlTimeout    time.Duration
	Selectors         Selectors
	Metrics           *metrics.Metrics
}

// Driver pushes products into the basket of the single authenticated session.
// It owns the session lock; every page interaction happens under mu.
type Driver struct {
	mu      sync.Mutex
	session browser.PageSession
	creds   Credentials
	cfg     Config
	logger  *slog.Logger
	newID   func() string
}

func NewDriver(session browser.PageSession, creds Credentials, cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SiteURL == "" {
		cfg.SiteURL = "https://www.proshop.fi"
	}
	if cfg.AffordanceTimeout <= 0 {
		cfg.AffordanceTimeout = 5 * time.Second
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = 15 * time.Second
	}
	if cfg.Selectors == (Selectors{}) {
		cfg.Selectors = DefaultSelectors()
	}

	return &Driver{
		session: session,
		creds:   creds,
		cfg:     cfg,
		logger:  logger.With("component", "checkout"),
		newID:   func() string { return uuid.New().String() },
	}
}

// Bootstrap dismisses the consent dialog and logs in. A nil return means the
// account label showed the configured real name.
func (d *Driver) Bootstrap(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if strings.TrimSpace(d.creds.RealName) == "" {
		return fmt.Errorf("%w: account real name is empty", ErrBootstrap)
	}

	sel := d.cfg.Selectors
	d.logger.Info("bootstrapping session", "site", d.cfg.SiteURL)

	if err := d.session.Navigate(d.cfg.SiteURL, browser.WaitDOMContentLoaded); err != nil {
		return fmt.Errorf("%w: %v", ErrBootstrap, err)
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"open consent", func() error { return d.waitAndClick(sel.ConsentTrigger) }},
		{"decline consent", func() error { return d.waitAndClick(sel.ConsentDecline) }},
		{"open login", func() error { return d.waitAndClick(sel.LoginOpen) }},
		{"fill username", func() error { return d.waitAndFill(sel.LoginUsername, d.creds.Username) }},
		{"fill password", func() error { return d.waitAndFill(sel.LoginPassword, d.creds.Password) }},
		{"submit login", func() error { return d.session.Click(sel.LoginSubmit) }},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrBootstrap, err)
		}
		if err := step.run(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBootstrap, step.name, err)
		}
		d.logger.Debug("bootstrap step done", "step", step.name)
	}

	if err := d.session.WaitForSelector(sel.AccountLabel, d.cfg.ControlTimeout); err != nil {
		return fmt.Errorf("%w: login label: %v", ErrBootstrap, err)
	}
	label, err := d.session.ReadText(sel.AccountLabel)
	if err != nil {
		return fmt.Errorf("%w: read login label: %v", ErrBootstrap, err)
	}
	if !strings.Contains(label, strings.TrimSpace(d.creds.RealName)) {
		return fmt.Errorf("%w: login label %q does not contain %q", ErrBootstrap, strings.TrimSpace(label), d.creds.RealName)
	}

	d.logger.Info("session authenticated")
	return nil
}

func (d *Driver) waitAndClick(selector string) error {
	if err := d.session.WaitForSelector(selector, d.cfg.ControlTimeout); err != nil {
		return err
	}
	return d.session.Click(selector)
}

func (d *Driver) waitAndFill(selector, value string) error {
	if err := d.session.WaitForSelector(selector, d.cfg.ControlTimeout); err != nil {
		return err
	}
	return d.session.Fill(selector, value)
}

// AddToCart runs one attempt against productURL. It never returns an error:
// anything that goes wrong is a failed outcome, and retrying is up to the caller.
func (d *Driver) AddToCart(ctx context.Context, gpu models.GpuModel, productURL string) models.CartOutcome {
	d.mu.Lock()
	defer d.mu.Unlock()

	outcome := d.newOutcome(gpu, productURL)
	logger := d.logger.With("attempt_id", outcome.AttemptID, "gpu", gpu, "product", outcome.Product)

	func() {
		defer func() {
			if r := recover(); r != nil {
				outcome.Success = false
				outcome.Reason = fmt.Sprintf("panic: %v", r)
			}
		}()

		if err := ctx.Err(); err != nil {
			outcome.Reason = err.Error()
			return
		}

		if err := d.session.Navigate(productURL, browser.WaitNetworkIdle); err != nil {
			outcome.Reason = err.Error()
			return
		}

		state, err := ClassifyCartState(d.session, d.cfg.Selectors)
		if state == InCart {
			outcome.Success = true
			outcome.Reason = "already in cart"
			return
		}
		if err != nil {
			logger.Debug("cart probe failed", "error", err)
		}

		if err := d.session.WaitForSelector(d.cfg.Selectors.AddToBasket, d.cfg.AffordanceTimeout); err != nil {
			if errors.Is(err, browser.ErrTimeout) {
				outcome.Reason = "add to basket control not found"
			} else {
				outcome.Reason = err.Error()
			}
			return
		}

		outcome.Success, outcome.Reason = d.commit(logger)
	}()

	d.finish(&outcome, "reactive", logger)
	return outcome
}

// commit clicks the buy control and re-checks the cart signals. Caller holds mu.
// A panic in the page layer is reported as a failed commit.
func (d *Driver) commit(logger *slog.Logger) (ok bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			ok, reason = false, fmt.Sprintf("panic: %v", r)
		}
	}()

	if err := d.session.Click(d.cfg.Selectors.AddToBasket); err != nil {
		return false, err.Error()
	}

	if err := d.session.WaitForLoad(browser.WaitNetworkIdle); err != nil {
		// The basket widget keeps polling on some pages; inspect whatever loaded.
		logger.Debug("page did not settle after commit", "error", err)
	}

	state, err := ClassifyCartState(d.session, d.cfg.Selectors)
	if state == InCart {
		return true, "added to cart"
	}
	if err != nil {
		return false, err.Error()
	}
	return false, "no cart signal after commit"
}

func (d *Driver) newOutcome(gpu models.GpuModel, productURL string) models.CartOutcome {
	return models.CartOutcome{
		AttemptID: d.newID(),
		Product:   ProductIdentifier(productURL),
		URL:       productURL,
		GPU:       gpu,
	}
}

func (d *Driver) finish(outcome *models.CartOutcome, mode string, logger *slog.Logger) {
	outcome.FinishedAt = time.Now().UTC()
	d.cfg.Metrics.ObserveCart(mode, outcome.Success)

	if outcome.Success {
		logger.Info("product in cart", "reason", outcome.Reason)
		return
	}
	logger.Warn("add to cart failed", "reason", outcome.Reason)
}

// CartState is the result of inspecting the page for basket signals.
type CartState int

const (
	NotInCart CartState = iota
	InCart
)

func (s CartState) String() string {
	if s == InCart {
		return "in_cart"
	}
	return "not_in_cart"
}

// ClassifyCartState reports InCart when any one of the basket URL, the cart
// app marker or the checkout link is present. Probe errors are returned only
// when no signal was found.
func ClassifyCartState(session browser.PageSession, sel Selectors) (CartState, error) {
	if strings.Contains(strings.ToLower(session.URL()), "basket") {
		return InCart, nil
	}

	var errs []error
	for _, selector := range []string{sel.CartMarker, sel.CheckoutLink} {
		if selector == "" {
			continue
		}
		found, err := session.HasElement(selector)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if found {
			return InCart, nil
		}
	}

	return NotInCart, errors.Join(errs...)
}

// ProductIdentifier returns the fifth slash-separated piece of the URL (the
// product slug on retailer URLs) or the full URL when there is none.
func ProductIdentifier(productURL string) string {
	parts := strings.Split(productURL, "/")
	if len(parts) > 4 && parts[4] != "" {
		return parts[4]
	}
	return productURL
}
