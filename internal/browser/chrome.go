package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"
)

// pageSettings are applied to every tab opened on a process.
type pageSettings struct {
	width     int64
	height    int64
	userAgent string
}

// chromeProcess drives a browser over CDP, whether it was spawned locally or lives in a container.
type chromeProcess struct {
	logger        *zap.Logger
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	settings      pageSettings
	onClose       func(ctx context.Context) error

	mu        sync.Mutex
	firstUsed bool
	tabs      []context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// startChrome connects to the browser behind allocCtx and configures downloads.
// On failure everything it was handed is released.
func startChrome(ctx context.Context, allocCtx context.Context, allocCancel context.CancelFunc,
	downloadPath string, settings pageSettings, timeout time.Duration, logger *zap.Logger) (*chromeProcess, error) {

	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Debugf),
	)

	// The first Run allocates the browser, so it must run on browserCtx itself
	// and not on a derived timeout context.
	errc := make(chan error, 1)
	go func() {
		errc <- chromedp.Run(browserCtx,
			cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllow).
				WithDownloadPath(downloadPath),
		)
	}()

	fail := func(err error) (*chromeProcess, error) {
		browserCancel()
		allocCancel()
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errc:
		if err != nil {
			return fail(fmt.Errorf("failed to start browser: %w", err))
		}
	case <-timer.C:
		browserCancel()
		<-errc
		return fail(ErrStartupTimeout)
	case <-ctx.Done():
		browserCancel()
		<-errc
		return fail(ctx.Err())
	}

	p := &chromeProcess{
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		settings:      settings,
		done:          make(chan struct{}),
	}

	lost := chromedp.FromContext(browserCtx).Browser.LostConnection
	go func() {
		select {
		case <-lost:
			logger.Warn("Lost connection to browser")
		case <-browserCtx.Done():
		}
		close(p.done)
	}()

	return p, nil
}

func (p *chromeProcess) Done() <-chan struct{} {
	return p.done
}

// NewPage hands out the tab created at startup first, then opens new tabs.
func (p *chromeProcess) NewPage(ctx context.Context) (Page, error) {
	select {
	case <-p.done:
		return nil, errors.New("browser is not connected")
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tabCtx, cancel := p.browserCtx, context.CancelFunc(func() {})
	if p.firstUsed {
		tabCtx, cancel = chromedp.NewContext(p.browserCtx)
	}

	cp := newChromePage(tabCtx, cancel)
	// The tab must exist before its target id is known.
	if err := cp.run(ctx,
		chromedp.EmulateViewport(p.settings.width, p.settings.height),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if p.settings.userAgent == "" {
				return nil
			}
			return emulation.SetUserAgentOverride(p.settings.userAgent).Do(ctx)
		}),
	); err != nil {
		if p.firstUsed {
			cancel()
		}
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	cp.watch()

	if p.firstUsed {
		p.tabs = append(p.tabs, cancel)
	}
	p.firstUsed = true
	return cp, nil
}

// Close cancels the browser contexts and runs the launcher's cleanup.
func (p *chromeProcess) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		for _, cancel := range p.tabs {
			cancel()
		}
		p.tabs = nil
		p.mu.Unlock()

		// Cancel closes the browser gracefully and waits for it to exit.
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(p.browserCtx) }()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Debug("Browser did not close cleanly", zap.Error(err))
			}
		case <-ctx.Done():
			p.browserCancel()
		}
		p.allocCancel()

		if p.onClose != nil {
			p.closeErr = p.onClose(ctx)
		}
	})
	return p.closeErr
}

// chromePage is one CDP target.
type chromePage struct {
	tabCtx context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func newChromePage(tabCtx context.Context, cancel context.CancelFunc) *chromePage {
	return &chromePage{tabCtx: tabCtx, cancel: cancel}
}

// watch marks the page closed once its target is detached or destroyed.
func (cp *chromePage) watch() {
	c := chromedp.FromContext(cp.tabCtx)
	if c == nil || c.Target == nil {
		return
	}
	id := c.Target.TargetID
	chromedp.ListenTarget(cp.tabCtx, func(ev any) {
		switch ev.(type) {
		case *inspector.EventDetached, *inspector.EventTargetCrashed:
			cp.closed.Store(true)
		}
	})
	chromedp.ListenBrowser(cp.tabCtx, func(ev any) {
		if e, ok := ev.(*target.EventTargetDestroyed); ok && e.TargetID == id {
			cp.closed.Store(true)
		}
	})
}

func (cp *chromePage) Closed() bool {
	return cp.closed.Load() || cp.tabCtx.Err() != nil
}

// run executes actions on the tab, bounded by the caller's context.
func (cp *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(cp.tabCtx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return err
}

func (cp *chromePage) Navigate(ctx context.Context, url string) error {
	var ready bool
	return cp.run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var res page.NavigateReturns
			if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
				return err
			}
			if res.ErrorText != "" {
				return fmt.Errorf("page load error %s", res.ErrorText)
			}
			return nil
		}),
		// domcontentloaded, not load or network idle
		chromedp.Poll(`document.readyState !== "loading"`, &ready, chromedp.WithPollingInterval(100*time.Millisecond)),
	)
}

func (cp *chromePage) Info(ctx context.Context) (string, string, error) {
	var url, title string
	err := cp.run(ctx, chromedp.Location(&url), chromedp.Title(&title))
	return url, title, err
}

func (cp *chromePage) WaitVisible(ctx context.Context, selector string) error {
	return cp.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (cp *chromePage) WaitReady(ctx context.Context, selector string) error {
	return cp.run(ctx, chromedp.WaitReady(selector, chromedp.ByQuery))
}

func (cp *chromePage) Click(ctx context.Context, selector string) error {
	return cp.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (cp *chromePage) ClickJS(ctx context.Context, selector string) error {
	found, err := cp.evalOnElement(ctx, selector, `el.click(); return true;`)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return nil
}

func (cp *chromePage) Clear(ctx context.Context, selector string) error {
	// A missing element is not an error here; the caller already waited for it.
	_, err := cp.evalOnElement(ctx, selector, `if ("value" in el) { el.value = ""; } return true;`)
	return err
}

func (cp *chromePage) Focus(ctx context.Context, selector string) error {
	return cp.run(ctx, chromedp.Focus(selector, chromedp.ByQuery))
}

func (cp *chromePage) SendKeys(ctx context.Context, text string) error {
	return cp.run(ctx, chromedp.KeyEvent(text))
}

func (cp *chromePage) PressEnter(ctx context.Context) error {
	return cp.run(ctx, chromedp.KeyEvent(kb.Enter))
}

func (cp *chromePage) SetOption(ctx context.Context, selector, value string) error {
	sel, _ := json.Marshal(selector)
	val, _ := json.Marshal(value)
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return "missing";
		if (el.tagName !== "SELECT") return "not-select";
		const v = %s;
		if (!Array.from(el.options).some(o => o.value === v)) return "no-option";
		el.value = v;
		el.dispatchEvent(new Event("input", { bubbles: true }));
		el.dispatchEvent(new Event("change", { bubbles: true }));
		return "ok";
	})()`, sel, val)

	var res string
	if err := cp.run(ctx, chromedp.Evaluate(script, &res)); err != nil {
		return err
	}
	switch res {
	case "ok":
		return nil
	case "missing":
		return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	case "not-select":
		return fmt.Errorf("%w: %s", ErrNotSelect, selector)
	default:
		return fmt.Errorf("%w: %q in %s", ErrOptionNotFound, value, selector)
	}
}

func (cp *chromePage) ScrollBy(ctx context.Context, dy int) error {
	return cp.run(ctx, chromedp.Evaluate(fmt.Sprintf(`window.scrollBy(0, %d)`, dy), nil))
}

func (cp *chromePage) Text(ctx context.Context, selector string) (string, bool, error) {
	var res struct {
		Found bool   `json:"found"`
		Text  string `json:"text"`
	}
	script := `(() => ({ found: true, text: document.body ? document.body.innerText : "" }))()`
	if selector != "" {
		sel, _ := json.Marshal(selector)
		script = fmt.Sprintf(`(() => {
			const el = document.querySelector(%s);
			return el ? { found: true, text: el.innerText || "" } : { found: false, text: "" };
		})()`, sel)
	}
	if err := cp.run(ctx, chromedp.Evaluate(script, &res)); err != nil {
		return "", false, err
	}
	return res.Text, res.Found, nil
}

func (cp *chromePage) Screenshot(ctx context.Context, quality int) ([]byte, error) {
	var buf []byte
	err := cp.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(int64(quality)).
			Do(ctx)
		return err
	}))
	return buf, err
}

// evalOnElement runs body with `el` bound to the first match of selector.
// It reports false when nothing matched.
func (cp *chromePage) evalOnElement(ctx context.Context, selector, body string) (bool, error) {
	sel, _ := json.Marshal(selector)
	script := fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (!el) return false; %s })()`, sel, body)
	var found bool
	if err := cp.run(ctx, chromedp.Evaluate(script, &found)); err != nil {
		return false, err
	}
	return found, nil
}
