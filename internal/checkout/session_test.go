package checkout

import (
	"fmt"
	"sync"
	"time"

	"github.com/maltedev/gpu-drop-agent/internal/browser"
)

// fakeSession is a scripted PageSession. Hooks run with the lock released so
// they may mutate the fake through its helpers.
type fakeSession struct {
	mu sync.Mutex

	url      string
	elements map[string]bool
	texts    map[string]string
	content  string
	evalVal  any
	navErr   error
	redirect map[string]string

	onClick   func(f *fakeSession, selector string)
	onReload  func(f *fakeSession, n int)
	onMouseUp func(f *fakeSession)

	navigations []string
	reloads     int
	clicks      []string
	fills       map[string]string
	waits       map[string]time.Duration
	mouse       []string

	responses chan string
}

var _ browser.PageSession = (*fakeSession)(nil)

func newFakeSession() *fakeSession {
	return &fakeSession{
		url:       "about:blank",
		elements:  make(map[string]bool),
		texts:     make(map[string]string),
		redirect:  make(map[string]string),
		fills:     make(map[string]string),
		waits:     make(map[string]time.Duration),
		responses: make(chan string, 64),
	}
}

func (f *fakeSession) show(selector string) {
	f.mu.Lock()
	f.elements[selector] = true
	f.mu.Unlock()
}

func (f *fakeSession) emit(url string) {
	f.responses <- url
}

func (f *fakeSession) Navigate(url string, wait browser.WaitCondition) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.navigations = append(f.navigations, url)
	if f.navErr != nil {
		return f.navErr
	}
	if to, ok := f.redirect[url]; ok {
		url = to
	}
	f.url = url
	return nil
}

func (f *fakeSession) Reload(wait browser.WaitCondition) error {
	f.mu.Lock()
	f.reloads++
	n := f.reloads
	hook := f.onReload
	f.mu.Unlock()

	if hook != nil {
		hook(f, n)
	}
	return nil
}

func (f *fakeSession) WaitForLoad(wait browser.WaitCondition) error { return nil }

func (f *fakeSession) WaitForSelector(selector string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.waits[selector] = timeout
	if f.elements[selector] {
		return nil
	}
	return fmt.Errorf("wait for %s: %w", selector, browser.ErrTimeout)
}

func (f *fakeSession) HasElement(selector string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.elements[selector], nil
}

func (f *fakeSession) Click(selector string) error {
	f.mu.Lock()
	f.clicks = append(f.clicks, selector)
	hook := f.onClick
	f.mu.Unlock()

	if hook != nil {
		hook(f, selector)
	}
	return nil
}

func (f *fakeSession) Fill(selector, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fills[selector] = value
	return nil
}

func (f *fakeSession) ReadText(selector string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts[selector], nil
}

func (f *fakeSession) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

func (f *fakeSession) Content() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content, nil
}

func (f *fakeSession) Evaluate(expression string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evalVal, nil
}

func (f *fakeSession) MouseMove(x, y float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mouse = append(f.mouse, "move")
	return nil
}

func (f *fakeSession) MouseDown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mouse = append(f.mouse, "down")
	return nil
}

func (f *fakeSession) MouseUp() error {
	f.mu.Lock()
	f.mouse = append(f.mouse, "up")
	hook := f.onMouseUp
	f.mu.Unlock()

	if hook != nil {
		hook(f)
	}
	return nil
}

func (f *fakeSession) Responses() (<-chan string, func()) {
	return f.responses, func() {}
}
