// Package action executes the remote browser actions against the session engine.
package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbot/internal/browser"
	"github.com/shehryarbajwa/browserbot/internal/config"
	"github.com/shehryarbajwa/browserbot/internal/profile"
	"github.com/shehryarbajwa/browserbot/internal/session"
	"github.com/shehryarbajwa/browserbot/pkg/models"
)

var (
	ErrURLRequired       = errors.New("url is required")
	ErrSelectorRequired  = errors.New("selector is required")
	ErrValueRequired     = errors.New("value is required")
	ErrUnknownAction     = errors.New("unknown action type")
	ErrNavigationTimeout = errors.New("navigation timed out")
	// ErrSessionLost means the browser or its page went away mid-action. Retrying is safe.
	ErrSessionLost     = errors.New("browser session was lost")
	ErrElementNotFound = browser.ErrElementNotFound
	ErrOptionNotFound  = browser.ErrOptionNotFound
)

// NotFoundText is what Extract returns when the selector matches nothing.
const NotFoundText = "Element not found"

const (
	statusSuccess = "success"
	statusError   = "error"
)

// IsInputError reports whether err was caused by the caller's request.
func IsInputError(err error) bool {
	return errors.Is(err, ErrURLRequired) ||
		errors.Is(err, ErrSelectorRequired) ||
		errors.Is(err, ErrValueRequired) ||
		errors.Is(err, ErrUnknownAction) ||
		errors.Is(err, profile.ErrInvalidID)
}

// Sessions hands out exclusive access to a profile's page.
type Sessions interface {
	Acquire(ctx context.Context, profileID string) (*session.Lease, error)
}

// Profiles resolves and lazily registers profiles.
type Profiles interface {
	Ensure(ctx context.Context, id string) (string, error)
	Paths(id string) profile.Dirs
}

// Executor runs actions. Every action writes a pending and a terminal log entry.
type Executor struct {
	sessions Sessions
	profiles Profiles
	recorder *Recorder
	cfg      config.ActionConfig
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewExecutor(sessions Sessions, profiles Profiles, recorder *Recorder, cfg config.ActionConfig, logger *zap.Logger) *Executor {
	return &Executor{
		sessions: sessions,
		profiles: profiles,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger.Named("action"),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute dispatches req by its type. On failure of a page action the
// returned result is non-nil and carries the error screenshot.
func (e *Executor) Execute(ctx context.Context, req models.ActionRequest) (*models.ActionResult, error) {
	switch req.Type {
	case models.ActionNavigate:
		return e.Navigate(ctx, models.NavigateRequest{URL: req.ValueOr(req.Selector), ProfileID: req.ProfileID})
	case models.ActionListDownloads:
		files, err := e.Downloads(ctx, req.ProfileID)
		if err != nil {
			return nil, err
		}
		return &models.ActionResult{Status: statusSuccess, Files: files}, nil
	case models.ActionExtract:
		data, err := e.Extract(ctx, models.ExtractRequest{Selector: req.Selector, ProfileID: req.ProfileID})
		if err != nil {
			return nil, err
		}
		return &models.ActionResult{Status: statusSuccess, Data: data}, nil
	case models.ActionClick, models.ActionType, models.ActionSelect, models.ActionScroll, models.ActionWait:
		return e.act(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.Type)
	}
}

func (e *Executor) act(ctx context.Context, req models.ActionRequest) (*models.ActionResult, error) {
	profileID, err := e.profiles.Ensure(ctx, req.ProfileID)
	if err != nil {
		return nil, err
	}
	attempt := e.recorder.Begin(ctx, profileID, string(req.Type), firstNonEmpty(req.Selector, req.ValueOr("")))

	if err := validate(req); err != nil {
		attempt.Fail(err)
		return nil, err
	}

	lease, err := e.sessions.Acquire(ctx, profileID)
	if err != nil {
		attempt.Fail(err)
		return nil, err
	}
	defer lease.Release()
	page := lease.Page()

	e.logger.Info("Executing action",
		zap.String("profile", profileID),
		zap.String("type", string(req.Type)),
		zap.String("selector", req.Selector))

	err = e.perform(ctx, page, req)
	if err == nil {
		// let the page render before capturing it
		err = e.sleep(ctx, e.cfg.SettleDelay)
	}
	shot := e.capture(ctx, page)

	if err != nil {
		err = e.classify(lease, err)
		e.logger.Warn("Action failed", zap.String("profile", profileID), zap.String("type", string(req.Type)), zap.Error(err))
		attempt.Fail(err)
		return &models.ActionResult{Status: statusError, Screenshot: shot, Detail: err.Error()}, err
	}
	attempt.Succeed("Action completed")
	return &models.ActionResult{Status: statusSuccess, Screenshot: shot}, nil
}

func validate(req models.ActionRequest) error {
	switch req.Type {
	case models.ActionClick:
		if req.Selector == "" {
			return fmt.Errorf("%w for click", ErrSelectorRequired)
		}
	case models.ActionType:
		if req.Selector == "" {
			return fmt.Errorf("%w for type", ErrSelectorRequired)
		}
		if req.Value == nil {
			return fmt.Errorf("%w for type", ErrValueRequired)
		}
	case models.ActionSelect:
		if req.Selector == "" {
			return fmt.Errorf("%w for select", ErrSelectorRequired)
		}
		if req.ValueOr("") == "" {
			return fmt.Errorf("%w for select", ErrValueRequired)
		}
	}
	return nil
}

func (e *Executor) perform(ctx context.Context, page browser.Page, req models.ActionRequest) error {
	switch req.Type {
	case models.ActionClick:
		return e.click(ctx, page, req.Selector)
	case models.ActionType:
		return e.typeInto(ctx, page, req.Selector, req.ValueOr(""))
	case models.ActionSelect:
		if err := e.waitFor(ctx, page, req.Selector, page.WaitReady); err != nil {
			return err
		}
		return page.SetOption(ctx, req.Selector, req.ValueOr(""))
	case models.ActionScroll:
		return page.ScrollBy(ctx, leadingInt(req.ValueOr(""), e.cfg.DefaultScroll))
	case models.ActionWait:
		ms := leadingInt(req.ValueOr(""), int(e.cfg.DefaultWait/time.Millisecond))
		return e.sleep(ctx, time.Duration(max(ms, 0))*time.Millisecond)
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, req.Type)
}

func (e *Executor) click(ctx context.Context, page browser.Page, selector string) error {
	err := e.waitFor(ctx, page, selector, page.WaitVisible)
	if err == nil {
		err = page.Click(ctx, selector)
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	e.logger.Debug("Native click failed, falling back to element click", zap.String("selector", selector), zap.Error(err))
	return page.ClickJS(ctx, selector)
}

func (e *Executor) typeInto(ctx context.Context, page browser.Page, selector, value string) error {
	if err := e.waitFor(ctx, page, selector, page.WaitReady); err != nil {
		return err
	}
	if err := page.Clear(ctx, selector); err != nil {
		return err
	}
	if err := page.Focus(ctx, selector); err != nil {
		return err
	}

	text, enter := splitEnter(value)
	first := true
	for _, r := range text {
		if !first {
			if err := e.sleep(ctx, e.cfg.TypeDelay); err != nil {
				return err
			}
		}
		first = false
		if err := page.SendKeys(ctx, string(r)); err != nil {
			return err
		}
	}
	if enter {
		return page.PressEnter(ctx)
	}
	return nil
}

// splitEnter strips newline markers (a real newline or a literal backslash-n)
// from value and reports whether an Enter key press should follow the typing.
// The word "Enter" also requests the key press but is typed as written.
func splitEnter(value string) (string, bool) {
	enter := strings.Contains(value, "\n") || strings.Contains(value, `\n`) || strings.Contains(value, "Enter")
	text := strings.NewReplacer("\r\n", "", "\n", "", `\n`, "").Replace(value)
	return text, enter
}

// waitFor bounds wait by the visible timeout and reports a missing element as ErrElementNotFound.
func (e *Executor) waitFor(ctx context.Context, page browser.Page, selector string, wait func(context.Context, string) error) error {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.VisibleTimeout)
	defer cancel()
	err := wait(waitCtx, selector)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return err
}

func (e *Executor) capture(ctx context.Context, page browser.Page) string {
	shotCtx := context.WithoutCancel(ctx)
	if e.cfg.ScreenshotTimeout > 0 {
		var cancel context.CancelFunc
		shotCtx, cancel = context.WithTimeout(shotCtx, e.cfg.ScreenshotTimeout)
		defer cancel()
	}
	return browser.CaptureScreenshot(shotCtx, page, e.cfg.ScreenshotQuality)
}

func (e *Executor) classify(lease *session.Lease, err error) error {
	if lease.Lost() && !errors.Is(err, ErrSessionLost) {
		return fmt.Errorf("%w: %w", ErrSessionLost, err)
	}
	return err
}

// Navigate loads req.URL and returns the final URL, title, page text and a screenshot.
func (e *Executor) Navigate(ctx context.Context, req models.NavigateRequest) (*models.ActionResult, error) {
	profileID, err := e.profiles.Ensure(ctx, req.ProfileID)
	if err != nil {
		return nil, err
	}
	attempt := e.recorder.Begin(ctx, profileID, string(models.ActionNavigate), req.URL)

	if strings.TrimSpace(req.URL) == "" {
		attempt.Fail(ErrURLRequired)
		return nil, ErrURLRequired
	}

	lease, err := e.sessions.Acquire(ctx, profileID)
	if err != nil {
		attempt.Fail(err)
		return nil, err
	}
	defer lease.Release()
	page := lease.Page()

	e.logger.Info("Navigating", zap.String("profile", profileID), zap.String("url", req.URL))

	navCtx, cancel := context.WithTimeout(ctx, e.cfg.NavigationTimeout)
	err = page.Navigate(navCtx, req.URL)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s: %s", ErrNavigationTimeout, e.cfg.NavigationTimeout, req.URL)
	}
	if err != nil {
		err = e.classify(lease, err)
		e.logger.Warn("Navigation failed", zap.String("profile", profileID), zap.Error(err))
		attempt.Fail(err)
		shot := e.capture(ctx, page)
		return &models.ActionResult{Status: statusError, Screenshot: shot, Detail: err.Error()}, err
	}

	content, _, err := page.Text(ctx, "")
	if err != nil {
		e.logger.Debug("Failed to read page text", zap.Error(err))
		content = ""
	}
	url, title, err := page.Info(ctx)
	if err != nil {
		url = req.URL
	}
	shot := e.capture(ctx, page)

	attempt.Succeed("Navigated to: " + title)
	return &models.ActionResult{
		Status:     statusSuccess,
		URL:        url,
		Title:      title,
		Screenshot: shot,
		Content:    truncate(content, e.cfg.TextLimit),
	}, nil
}

// Downloads lists finished downloads of a profile. It never starts a browser.
func (e *Executor) Downloads(ctx context.Context, profileID string) ([]string, error) {
	profileID, err := e.profiles.Ensure(ctx, profileID)
	if err != nil {
		return nil, err
	}
	attempt := e.recorder.Begin(ctx, profileID, string(models.ActionListDownloads), "")

	files, err := e.listDownloads(e.profiles.Paths(profileID).Downloads)
	if err != nil {
		attempt.Fail(err)
		return nil, err
	}
	attempt.Succeed(fmt.Sprintf("%d files", len(files)))
	return files, nil
}

func (e *Executor) listDownloads(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read downloads: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, e.cfg.PartialSuffix) {
			continue
		}
		files = append(files, name)
	}
	return files, nil
}

// Extract returns the visible text of the page, or of the element matched by
// req.Selector. A selector that matches nothing yields NotFoundText.
func (e *Executor) Extract(ctx context.Context, req models.ExtractRequest) (string, error) {
	profileID, err := e.profiles.Ensure(ctx, req.ProfileID)
	if err != nil {
		return "", err
	}
	attempt := e.recorder.Begin(ctx, profileID, string(models.ActionExtract), req.Selector)

	lease, err := e.sessions.Acquire(ctx, profileID)
	if err != nil {
		attempt.Fail(err)
		return "", err
	}
	defer lease.Release()

	text, found, err := lease.Page().Text(ctx, req.Selector)
	if err != nil {
		err = e.classify(lease, err)
		attempt.Fail(err)
		return "", err
	}
	if !found {
		text = NotFoundText
	}
	attempt.Succeed(fmt.Sprintf("%d characters", utf8.RuneCountInString(text)))
	return text, nil
}

// leadingInt parses the integer prefix of s. Zero, absent or unparsable
// values yield def.
func leadingInt(s string, def int) int {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return def
	}
	n := 0
	for _, c := range s[digits:end] {
		n = n*10 + int(c-'0')
		if n > 1<<30 {
			break
		}
	}
	if s[0] == '-' {
		n = -n
	}
	if n == 0 {
		return def
	}
	return n
}

// truncate cuts s to at most limit runes.
func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
