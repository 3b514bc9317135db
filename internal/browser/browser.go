package browser

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// WaitCondition selects when a navigation counts as finished.
type WaitCondition string

const (
	WaitLoad             WaitCondition = "load"
	WaitDOMContentLoaded WaitCondition = "domcontentloaded"
	WaitNetworkIdle      WaitCondition = "networkidle"
)

var ErrTimeout = errors.New("timed out waiting for page")

// PageSession is the capability the checkout code drives. Implementations hold
// a single active page and are not safe for concurrent navigation.
type PageSession interface {
	Navigate(url string, wait WaitCondition) error
	Reload(wait WaitCondition) error
	WaitForLoad(wait WaitCondition) error
	WaitForSelector(selector string, timeout time.Duration) error
	HasElement(selector string) (bool, error)
	Click(selector string) error
	Fill(selector, value string) error
	ReadText(selector string) (string, error)
	URL() string
	Content() (string, error)
	Evaluate(expression string) (any, error)
	MouseMove(x, y float64) error
	MouseDown() error
	MouseUp() error
	// Responses streams the URL of every network response until cancel is called.
	Responses() (urls <-chan string, cancel func())
}

type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	Locale         string
	TimezoneID     string
	ExtraHeaders   map[string]string
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.7049.95 Safari/537.36",
		ViewportWidth:  1280,
		ViewportHeight: 720,
		Locale:         "fi-FI",
		TimezoneID:     "Europe/Helsinki",
		ExtraHeaders: map[string]string{
			"Accept-Language": "fi-FI,fi;q=0.9,en;q=0.8",
		},
	}
}

// Browser owns the playwright driver, the browser process and its context.
type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	opts    *Options
	logger  *slog.Logger
}

func New(opts *Options, logger *slog.Logger) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			fmt.Sprintf("--window-size=%d,%d", opts.ViewportWidth, opts.ViewportHeight),
		},
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent:         &opts.UserAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &opts.Locale,
		TimezoneId:        &opts.TimezoneID,
		Viewport: &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		},
		ExtraHttpHeaders: opts.ExtraHeaders,
	}

	context, err := browser.NewContext(contextOpts)
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	return &Browser{
		pw:      pw,
		browser: browser,
		context: context,
		opts:    opts,
		logger:  logger.With("component", "browser"),
	}, nil
}

// OpenSession creates the single page the agent drives for its lifetime.
func (b *Browser) OpenSession() (*Session, error) {
	page, err := b.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}

	page.SetDefaultTimeout(float64(b.opts.Timeout.Milliseconds()))

	s := &Session{
		page:        page,
		timeout:     b.opts.Timeout,
		subscribers: make(map[int]chan string),
		logger:      b.logger,
	}
	page.OnResponse(func(resp playwright.Response) {
		s.publish(resp.URL())
	})

	return s, nil
}

func (b *Browser) Close() error {
	var errs []error

	if b.context != nil {
		if err := b.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}

	return nil
}

// Session is the playwright-backed PageSession.
type Session struct {
	page    playwright.Page
	timeout time.Duration
	logger  *slog.Logger

	mu          sync.Mutex
	nextID      int
	subscribers map[int]chan string
}

var _ PageSession = (*Session)(nil)

func (s *Session) Navigate(url string, wait WaitCondition) error {
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: waitUntil(wait),
		Timeout:   playwright.Float(float64(s.timeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, mapErr(err))
	}
	return nil
}

func (s *Session) Reload(wait WaitCondition) error {
	_, err := s.page.Reload(playwright.PageReloadOptions{
		WaitUntil: waitUntil(wait),
		Timeout:   playwright.Float(float64(s.timeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("reload: %w", mapErr(err))
	}
	return nil
}

func (s *Session) WaitForLoad(wait WaitCondition) error {
	err := s.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   loadState(wait),
		Timeout: playwright.Float(float64(s.timeout.Milliseconds())),
	})
	return mapErr(err)
}

func (s *Session) WaitForSelector(selector string, timeout time.Duration) error {
	_, err := s.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("wait for %s: %w", selector, mapErr(err))
	}
	return nil
}

func (s *Session) HasElement(selector string) (bool, error) {
	count, err := s.page.Locator(selector).Count()
	if err != nil {
		return false, fmt.Errorf("count %s: %w", selector, mapErr(err))
	}
	return count > 0, nil
}

func (s *Session) Click(selector string) error {
	if err := s.page.Locator(selector).First().Click(); err != nil {
		return fmt.Errorf("click %s: %w", selector, mapErr(err))
	}
	return nil
}

func (s *Session) Fill(selector, value string) error {
	if err := s.page.Locator(selector).First().Fill(value); err != nil {
		return fmt.Errorf("fill %s: %w", selector, mapErr(err))
	}
	return nil
}

func (s *Session) ReadText(selector string) (string, error) {
	text, err := s.page.Locator(selector).First().TextContent()
	if err != nil {
		return "", fmt.Errorf("read text %s: %w", selector, mapErr(err))
	}
	return text, nil
}

func (s *Session) URL() string {
	return s.page.URL()
}

func (s *Session) Content() (string, error) {
	return s.page.Content()
}

func (s *Session) Evaluate(expression string) (any, error) {
	return s.page.Evaluate(expression)
}

func (s *Session) MouseMove(x, y float64) error {
	return s.page.Mouse().Move(x, y, playwright.MouseMoveOptions{Steps: playwright.Int(8)})
}

func (s *Session) MouseDown() error {
	return s.page.Mouse().Down()
}

func (s *Session) MouseUp() error {
	return s.page.Mouse().Up()
}

func (s *Session) Responses() (<-chan string, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan string, 64)
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Session) Close() error {
	return s.page.Close()
}

// publish fans a response URL out to subscribers without blocking the
// playwright event loop; slow subscribers lose URLs.
func (s *Session) publish(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- url:
		default:
		}
	}
}

func waitUntil(w WaitCondition) *playwright.WaitUntilState {
	switch w {
	case WaitLoad:
		return playwright.WaitUntilStateLoad
	case WaitNetworkIdle:
		return playwright.WaitUntilStateNetworkidle
	default:
		return playwright.WaitUntilStateDomcontentloaded
	}
}

func loadState(w WaitCondition) *playwright.LoadState {
	switch w {
	case WaitLoad:
		return playwright.LoadStateLoad
	case WaitNetworkIdle:
		return playwright.LoadStateNetworkidle
	default:
		return playwright.LoadStateDomcontentloaded
	}
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
