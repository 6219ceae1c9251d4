// Package browsertest provides in-memory browser fakes for tests.
package browsertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shehryarbajwa/browserbot/internal/browser"
)

// Launcher is a browser.Launcher that hands out fake processes.
type Launcher struct {
	mu        sync.Mutex
	Err       error // returned by the next Launch calls while set
	Launches  []browser.LaunchOptions
	Processes []*Process
	Events    []string // "launch:<profile>" and "close:<profile>" in order
	live      int
	MaxLive   int
	// NewPageHook, when set, configures every page created by any process.
	NewPageHook func(*Page)
}

// Launch records the call and returns a new Process.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Launches = append(l.Launches, opts)
	if l.Err != nil {
		return nil, l.Err
	}
	p := &Process{launcher: l, Profile: opts.ProfileID, done: make(chan struct{})}
	l.Processes = append(l.Processes, p)
	l.Events = append(l.Events, "launch:"+opts.ProfileID)
	l.live++
	if l.live > l.MaxLive {
		l.MaxLive = l.live
	}
	return p, nil
}

// Live returns how many processes are running.
func (l *Launcher) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live
}

// EventLog returns a copy of the launch/close sequence.
func (l *Launcher) EventLog() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.Events...)
}

// LaunchCount returns how many times Launch was called.
func (l *Launcher) LaunchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Launches)
}

// Process returns the i-th launched process.
func (l *Launcher) Process(i int) *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Processes[i]
}

func (l *Launcher) stopped(p *Process) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.live--
	l.Events = append(l.Events, "close:"+p.Profile)
}

// Process is a fake browser process.
type Process struct {
	launcher *Launcher
	Profile  string

	mu     sync.Mutex
	Pages  []*Page
	closed bool
	done   chan struct{}
	once   sync.Once
}

func (p *Process) NewPage(ctx context.Context) (browser.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("process closed")
	}
	page := NewPage()
	if p.launcher != nil && p.launcher.NewPageHook != nil {
		p.launcher.NewPageHook(page)
	}
	p.Pages = append(p.Pages, page)
	return page, nil
}

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Close(ctx context.Context) error {
	p.stop()
	return nil
}

// Crash simulates the browser dying on its own.
func (p *Process) Crash() {
	p.stop()
}

// Closed reports whether the process has stopped.
func (p *Process) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// PageCount returns how many pages were opened.
func (p *Process) PageCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Pages)
}

// Page returns the i-th page opened on the process.
func (p *Process) Page(i int) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Pages[i]
}

func (p *Process) stop() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		for _, pg := range p.Pages {
			pg.Close()
		}
		p.mu.Unlock()
		close(p.done)
		if p.launcher != nil {
			p.launcher.stopped(p)
		}
	})
}

// Page is a scriptable fake tab. Every call is appended to Calls.
type Page struct {
	mu    sync.Mutex
	Calls []string

	URL   string
	Title string
	Body  string
	// Elements maps selectors to their inner text. Absent selectors do not exist.
	Elements map[string]string
	// Hidden selectors exist but never become visible.
	Hidden map[string]bool
	// Options maps select selectors to their option values.
	Options map[string][]string
	// Values holds the current value of input elements.
	Values map[string]string
	// Errs forces a method (by name) to fail.
	Errs map[string]error
	// Shot is returned by Screenshot; when nil a screenshot describing the page state is produced.
	Shot   []byte
	closed bool
}

// NewPage returns an empty page at about:blank.
func NewPage() *Page {
	return &Page{
		URL:      "about:blank",
		Elements: map[string]string{},
		Hidden:   map[string]bool{},
		Options:  map[string][]string{},
		Values:   map[string]string{},
		Errs:     map[string]error{},
	}
}

// Close marks the page closed.
func (p *Page) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// CallLog returns a copy of the recorded calls.
func (p *Page) CallLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Calls...)
}

// Record appends an arbitrary marker to the call log, used to interleave test events.
func (p *Page) Record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, call)
}

func (p *Page) begin(call, method string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, call)
	if p.closed {
		return fmt.Errorf("page closed")
	}
	return p.Errs[method]
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.begin("navigate "+url, "Navigate"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.URL = url
	if p.Title == "" {
		p.Title = "Page at " + url
	}
	return nil
}

func (p *Page) Info(ctx context.Context) (string, string, error) {
	if err := p.begin("info", "Info"); err != nil {
		return "", "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.URL, p.Title, nil
}

func (p *Page) exists(selector string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.Elements[selector]
	return ok
}

func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	if err := p.begin("waitVisible "+selector, "WaitVisible"); err != nil {
		return err
	}
	p.mu.Lock()
	_, ok := p.Elements[selector]
	hidden := p.Hidden[selector]
	p.mu.Unlock()
	if !ok || hidden {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *Page) WaitReady(ctx context.Context, selector string) error {
	if err := p.begin("waitReady "+selector, "WaitReady"); err != nil {
		return err
	}
	if !p.exists(selector) {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	return p.begin("click "+selector, "Click")
}

func (p *Page) ClickJS(ctx context.Context, selector string) error {
	if err := p.begin("clickJS "+selector, "ClickJS"); err != nil {
		return err
	}
	if !p.exists(selector) {
		return fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
	}
	return nil
}

func (p *Page) Clear(ctx context.Context, selector string) error {
	if err := p.begin("clear "+selector, "Clear"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Values[selector] = ""
	return nil
}

func (p *Page) Focus(ctx context.Context, selector string) error {
	return p.begin("focus "+selector, "Focus")
}

func (p *Page) SendKeys(ctx context.Context, text string) error {
	return p.begin("key "+text, "SendKeys")
}

func (p *Page) PressEnter(ctx context.Context) error {
	return p.begin("enter", "PressEnter")
}

func (p *Page) SetOption(ctx context.Context, selector, value string) error {
	if err := p.begin("select "+selector+"="+value, "SetOption"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	opts, ok := p.Options[selector]
	if !ok {
		return fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
	}
	for _, o := range opts {
		if o == value {
			p.Values[selector] = value
			return nil
		}
	}
	return fmt.Errorf("%w: %q", browser.ErrOptionNotFound, value)
}

func (p *Page) ScrollBy(ctx context.Context, dy int) error {
	return p.begin(fmt.Sprintf("scroll %d", dy), "ScrollBy")
}

func (p *Page) Text(ctx context.Context, selector string) (string, bool, error) {
	if err := p.begin("text "+selector, "Text"); err != nil {
		return "", false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if selector == "" {
		return p.Body, true, nil
	}
	text, ok := p.Elements[selector]
	return text, ok, nil
}

func (p *Page) Screenshot(ctx context.Context, quality int) ([]byte, error) {
	if err := p.begin(fmt.Sprintf("screenshot q=%d", quality), "Screenshot"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Shot != nil {
		return p.Shot, nil
	}
	// Encode the state the screenshot was taken in so tests can check ordering.
	return []byte(fmt.Sprintf("url=%s;calls=%s", p.URL, strings.Join(p.Calls, "|"))), nil
}

func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

var (
	_ browser.Launcher = (*Launcher)(nil)
	_ browser.Process  = (*Process)(nil)
	_ browser.Page     = (*Page)(nil)
)
