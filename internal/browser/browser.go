package browser

import (
	"context"
	"encoding/base64"
	"errors"
)

var (
	// ErrElementNotFound is returned when a selector matches nothing in the DOM.
	ErrElementNotFound = errors.New("element not found")
	// ErrOptionNotFound is returned when a select element has no option with the requested value.
	ErrOptionNotFound = errors.New("option not found")
	// ErrNotSelect is returned when SetOption targets something other than a select element.
	ErrNotSelect = errors.New("element is not a select")
	// ErrStartupTimeout is returned when the browser does not answer within the startup timeout.
	ErrStartupTimeout = errors.New("browser startup timed out")
)

// LaunchOptions scope a browser process to one profile.
type LaunchOptions struct {
	ProfileID   string
	UserDataDir string
	DownloadDir string
}

// Launcher starts browser processes.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Process, error)
}

// Process is one running browser.
type Process interface {
	// NewPage opens a fresh page on the running browser.
	NewPage(ctx context.Context) (Page, error)
	// Done is closed once the connection to the browser is lost, whoever caused it.
	Done() <-chan struct{}
	// Close shuts the browser down and releases everything it holds.
	Close(ctx context.Context) error
}

// Page is a single tab. Selectors are CSS selectors.
type Page interface {
	// Navigate loads url and returns once the document has been parsed.
	Navigate(ctx context.Context, url string) error
	Info(ctx context.Context) (url, title string, err error)
	WaitVisible(ctx context.Context, selector string) error
	WaitReady(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	// ClickJS calls element.click() directly, bypassing visibility and occlusion.
	ClickJS(ctx context.Context, selector string) error
	// Clear empties the value of an input-like element.
	Clear(ctx context.Context, selector string) error
	Focus(ctx context.Context, selector string) error
	// SendKeys types text into the focused element.
	SendKeys(ctx context.Context, text string) error
	PressEnter(ctx context.Context) error
	SetOption(ctx context.Context, selector, value string) error
	ScrollBy(ctx context.Context, dy int) error
	// Text returns the visible text of the element, or of the body when selector is empty.
	Text(ctx context.Context, selector string) (text string, found bool, err error)
	Screenshot(ctx context.Context, quality int) ([]byte, error)
	// Closed reports whether the tab is gone.
	Closed() bool
}

// CaptureScreenshot returns the page as a JPEG data URI, or "" if anything goes wrong.
func CaptureScreenshot(ctx context.Context, page Page, quality int) (uri string) {
	if page == nil || page.Closed() {
		return ""
	}
	defer func() {
		if recover() != nil {
			uri = ""
		}
	}()
	buf, err := page.Screenshot(ctx, quality)
	if err != nil || len(buf) == 0 {
		return ""
	}
	return DataURI(buf)
}

// DataURI encodes JPEG bytes as a data URI.
func DataURI(jpeg []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
}
