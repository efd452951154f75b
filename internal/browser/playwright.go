package browser

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

// PlaywrightLibrary drives playwright attached over CDP to the browser the
// session manager controls. Create, use and close it on the bridge worker.
type PlaywrightLibrary struct {
	pw       *playwright.Playwright
	browser  playwright.Browser
	timeouts PlaywrightTimeouts
	logger   *zap.Logger

	mu    sync.Mutex
	pages map[playwright.Page]*pwPage
}

// PlaywrightTimeouts are the library-side bounds. Action and Navigation become
// the default timeouts of every page, so calls without an explicit timeout
// still give up on their own.
type PlaywrightTimeouts struct {
	Connect    time.Duration
	Action     time.Duration
	Navigation time.Duration
}

// ConnectPlaywright starts the playwright driver and attaches it to cdpURL.
func ConnectPlaywright(cdpURL string, timeouts PlaywrightTimeouts, logger *zap.Logger) (*PlaywrightLibrary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cdpURL == "" {
		return nil, errors.New("playwright: empty CDP url")
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("playwright driver not installed or failed to start: %w", err)
	}
	var opts playwright.BrowserTypeConnectOverCDPOptions
	if timeouts.Connect > 0 {
		opts.Timeout = ms(timeouts.Connect)
	}
	browser, err := pw.Chromium.ConnectOverCDP(cdpURL, opts)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("playwright connect over cdp: %w", err)
	}
	logger.Named("playwright").Info("attached over CDP", zap.String("url", cdpURL))
	return &PlaywrightLibrary{
		pw:       pw,
		browser:  browser,
		timeouts: timeouts,
		logger:   logger.Named("playwright"),
		pages:    make(map[playwright.Page]*pwPage),
	}, nil
}

// Close detaches from the browser and stops the driver. The browser itself keeps
// running; it belongs to the session manager.
func (l *PlaywrightLibrary) Close() {
	if l == nil {
		return
	}
	if l.browser != nil {
		if err := l.browser.Close(); err != nil {
			l.logger.Debug("browser detach failed", zap.Error(err))
		}
	}
	if l.pw != nil {
		if err := l.pw.Stop(); err != nil {
			l.logger.Debug("driver stop failed", zap.Error(err))
		}
	}
}

func (l *PlaywrightLibrary) wrap(p playwright.Page) *pwPage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.pages[p]; ok {
		return w
	}
	if l.timeouts.Action > 0 {
		p.SetDefaultTimeout(float64(l.timeouts.Action.Milliseconds()))
	}
	if l.timeouts.Navigation > 0 {
		p.SetDefaultNavigationTimeout(float64(l.timeouts.Navigation.Milliseconds()))
	}
	w := &pwPage{page: p}
	l.pages[p] = w
	return w
}

func (l *PlaywrightLibrary) Pages() ([]PageHandle, error) {
	var out []PageHandle
	for _, bctx := range l.browser.Contexts() {
		for _, p := range bctx.Pages() {
			out = append(out, l.wrap(p))
		}
	}
	return out, nil
}

func (l *PlaywrightLibrary) NewPage() (PageHandle, error) {
	contexts := l.browser.Contexts()
	var (
		p   playwright.Page
		err error
	)
	if len(contexts) > 0 {
		p, err = contexts[0].NewPage()
	} else {
		p, err = l.browser.NewPage()
	}
	if err != nil {
		return nil, fmt.Errorf("playwright new page: %w", err)
	}
	return l.wrap(p), nil
}

func ms(d time.Duration) *float64 {
	return playwright.Float(float64(d.Milliseconds()))
}

type pwPage struct {
	page playwright.Page
}

func (p *pwPage) URL() string    { return p.page.URL() }
func (p *pwPage) IsClosed() bool { return p.page.IsClosed() }

func (p *pwPage) Goto(url string, timeout time.Duration) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   ms(timeout),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	return err
}

func (p *pwPage) GoBack(timeout time.Duration) error {
	_, err := p.page.GoBack(playwright.PageGoBackOptions{Timeout: ms(timeout)})
	return err
}

func (p *pwPage) GoForward(timeout time.Duration) error {
	_, err := p.page.GoForward(playwright.PageGoForwardOptions{Timeout: ms(timeout)})
	return err
}

func (p *pwPage) Reload(timeout time.Duration) error {
	_, err := p.page.Reload(playwright.PageReloadOptions{Timeout: ms(timeout)})
	return err
}

func (p *pwPage) Locator(selector string) Locator {
	return &pwLocator{loc: p.page.Locator(selector).First()}
}

func (p *pwPage) GetByText(text string) Locator {
	return &pwLocator{loc: p.page.GetByText(text, playwright.PageGetByTextOptions{Exact: playwright.Bool(false)}).First()}
}

func (p *pwPage) TypeText(text string, delay time.Duration) error {
	return p.page.Keyboard().Type(text, playwright.KeyboardTypeOptions{Delay: ms(delay)})
}

// Keyboard and mouse input take no timeout in playwright; they only dispatch
// input events. A hang there is left to the bridge.
func (p *pwPage) PressKey(key string) error { return p.page.Keyboard().Press(key) }

func (p *pwPage) ClickAt(x, y float64) error { return p.page.Mouse().Click(x, y) }

type pwLocator struct {
	loc playwright.Locator
}

func (l *pwLocator) ScrollIntoView(timeout time.Duration) error {
	return l.loc.ScrollIntoViewIfNeeded(playwright.LocatorScrollIntoViewIfNeededOptions{Timeout: ms(timeout)})
}

func (l *pwLocator) WaitVisible(timeout time.Duration) error {
	return l.loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: ms(timeout),
	})
}

func (l *pwLocator) BoundingBox() (*Box, error) {
	r, err := l.loc.BoundingBox()
	if err != nil || r == nil {
		return nil, err
	}
	return &Box{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}, nil
}

func (l *pwLocator) Click(timeout time.Duration) error {
	return l.loc.Click(playwright.LocatorClickOptions{Timeout: ms(timeout)})
}

func (l *pwLocator) Fill(value string, timeout time.Duration) error {
	return l.loc.Fill(value, playwright.LocatorFillOptions{Timeout: ms(timeout)})
}

func (l *pwLocator) Clear(timeout time.Duration) error {
	return l.loc.Clear(playwright.LocatorClearOptions{Timeout: ms(timeout)})
}

func (l *pwLocator) SelectOption(by SelectBy, value string, timeout time.Duration) error {
	var values playwright.SelectOptionValues
	switch by {
	case SelectByValue:
		values.Values = &[]string{value}
	case SelectByIndex:
		idx, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("option index %q: %w", value, err)
		}
		values.Indexes = &[]int{idx}
	default:
		values.Labels = &[]string{value}
	}
	_, err := l.loc.SelectOption(values, playwright.LocatorSelectOptionOptions{Timeout: ms(timeout)})
	return err
}

func (l *pwLocator) SetInputFiles(paths []string, timeout time.Duration) error {
	return l.loc.SetInputFiles(paths, playwright.LocatorSetInputFilesOptions{Timeout: ms(timeout)})
}

func (l *pwLocator) Evaluate(expression string, arg any, timeout time.Duration) (any, error) {
	return l.loc.Evaluate(expression, arg, playwright.LocatorEvaluateOptions{Timeout: ms(timeout)})
}
