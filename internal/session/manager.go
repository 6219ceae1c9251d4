package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/browserbot/internal/browser"
	"github.com/shehryarbajwa/browserbot/internal/events"
	"github.com/shehryarbajwa/browserbot/internal/profile"
	"github.com/shehryarbajwa/browserbot/pkg/models"
)

var (
	// ErrEngineStartup means the browser could not be launched. It is not retried.
	ErrEngineStartup = errors.New("browser engine failed to start")
	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("session manager is shut down")
	// ErrProfileLive means the profile owns the running browser.
	ErrProfileLive = errors.New("profile has a live browser session")
)

const closeTimeout = 15 * time.Second

// Profiles resolves the on-disk directories of a profile.
type Profiles interface {
	Prepare(id string) (profile.Dirs, error)
}

// live is the one browser the manager owns. Fields are written under Manager.mu.
type live struct {
	generation uint64
	info       models.BrowserSession
	proc       browser.Process
	page       browser.Page
}

func (l *live) disconnected() bool {
	if l.proc == nil {
		return false
	}
	select {
	case <-l.proc.Done():
		return true
	default:
		return false
	}
}

// disconnected is posted by a process watcher when its browser goes away.
type disconnected struct {
	profileID  string
	generation uint64
}

// Manager owns at most one live browser system-wide and hands out exclusive,
// per-profile leases on it.
//
// Lock order: a profile semaphore may be awaited only while mu is NOT held.
// A goroutine holding a lease must release it before acquiring another.
type Manager struct {
	launcher browser.Launcher
	profiles Profiles
	pub      events.Publisher
	logger   *zap.Logger
	quality  int

	mu         sync.Mutex
	locks      map[string]*semaphore.Weighted
	active     *live
	generation uint64
	closed     bool

	events chan disconnected
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a session manager and starts its event loop.
// Session transitions are published to pub, which may be nil.
// Call Shutdown to close the browser and stop the loop.
func NewManager(launcher browser.Launcher, profiles Profiles, pub events.Publisher, screenshotQuality int, logger *zap.Logger) *Manager {
	if pub == nil {
		pub = events.Nop{}
	}
	m := &Manager{
		launcher: launcher,
		profiles: profiles,
		pub:      pub,
		logger:   logger.Named("session"),
		quality:  screenshotQuality,
		locks:    make(map[string]*semaphore.Weighted),
		events:   make(chan disconnected, 16),
		stop:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// run is the only consumer of disconnect events.
func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.events:
			m.mu.Lock()
			cur := m.active
			stale := cur == nil || cur.generation != ev.generation
			m.mu.Unlock()
			if stale {
				continue
			}
			m.logger.Warn("Browser disconnected, discarding session", zap.String("profile", ev.profileID))
			m.discard(cur, models.StatusDead)
		case <-m.stop:
			return
		}
	}
}

// Acquire returns an exclusive lease on the profile's page, launching or
// switching the browser as needed. Launch failures wrap ErrEngineStartup.
func (m *Manager) Acquire(ctx context.Context, profileID string) (*Lease, error) {
	sem := m.lockFor(profileID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	lease, err := m.prepare(ctx, profileID, sem)
	if err != nil {
		sem.Release(1)
		return nil, err
	}
	return lease, nil
}

func (m *Manager) prepare(ctx context.Context, profileID string, sem *semaphore.Weighted) (*Lease, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrShutdown
		}
		cur := m.active

		switch {
		case cur != nil && cur.info.ProfileID != profileID:
			m.mu.Unlock()
			if err := m.evict(ctx, cur); err != nil {
				return nil, err
			}
			continue

		case cur != nil && cur.disconnected():
			m.mu.Unlock()
			m.discard(cur, models.StatusDead)
			continue

		case cur == nil:
			entry := m.reserve(profileID)
			m.mu.Unlock()
			if err := m.launch(ctx, entry); err != nil {
				return nil, err
			}
			continue
		}

		page := cur.page
		m.mu.Unlock()

		if page == nil || page.Closed() {
			// The browser survived but the tab did not.
			newPage, err := cur.proc.NewPage(ctx)
			if err != nil {
				m.logger.Warn("Failed to reopen page, discarding session", zap.String("profile", profileID), zap.Error(err))
				m.discard(cur, models.StatusDead)
				continue
			}
			m.mu.Lock()
			cur.page = newPage
			m.mu.Unlock()
			m.logger.Info("Reattached new page", zap.String("profile", profileID))
			page = newPage
		}

		return &Lease{entry: cur, page: page, sem: sem}, nil
	}
}

// reserve installs a starting placeholder so no other profile can launch concurrently.
// Caller must hold m.mu.
func (m *Manager) reserve(profileID string) *live {
	m.generation++
	entry := &live{
		generation: m.generation,
		info: models.BrowserSession{
			ProfileID: profileID,
			Status:    models.StatusStarting,
		},
	}
	m.active = entry
	return entry
}

// launch starts the browser for a reserved entry. The caller holds the profile's semaphore.
func (m *Manager) launch(ctx context.Context, entry *live) error {
	profileID := entry.info.ProfileID
	unreserve := func() {
		m.mu.Lock()
		if m.active == entry {
			m.active = nil
		}
		m.mu.Unlock()
	}

	dirs, err := m.profiles.Prepare(profileID)
	if err != nil {
		unreserve()
		return fmt.Errorf("%w: %w", ErrEngineStartup, err)
	}

	started := time.Now()
	proc, err := m.launcher.Launch(ctx, browser.LaunchOptions{
		ProfileID:   profileID,
		UserDataDir: dirs.Data,
		DownloadDir: dirs.Downloads,
	})
	if err != nil {
		unreserve()
		m.logger.Error("Browser launch failed", zap.String("profile", profileID), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrEngineStartup, err)
	}

	page, err := proc.NewPage(ctx)
	if err != nil {
		unreserve()
		m.closeProcess(ctx, proc)
		return fmt.Errorf("%w: %w", ErrEngineStartup, err)
	}

	m.mu.Lock()
	if m.closed || m.active != entry {
		m.mu.Unlock()
		m.closeProcess(ctx, proc)
		return ErrShutdown
	}
	entry.proc = proc
	entry.page = page
	entry.info.Status = models.StatusRunning
	entry.info.StartedAt = started
	entry.info.UserDataDir = dirs.Data
	entry.info.DownloadDir = dirs.Downloads
	// Registered under mu so Shutdown never waits on a group that is still growing.
	m.watch(profileID, entry.generation, proc)
	info := entry.info
	m.mu.Unlock()

	m.publish(info)
	m.logger.Info("Browser session started",
		zap.String("profile", profileID),
		zap.Duration("took", time.Since(started)))
	return nil
}

// watch posts a disconnect event when proc goes away, whoever caused it.
func (m *Manager) watch(profileID string, generation uint64, proc browser.Process) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-proc.Done():
			select {
			case m.events <- disconnected{profileID: profileID, generation: generation}:
			case <-m.stop:
			}
		case <-m.stop:
		}
	}()
}

// evict tears down another profile's browser once its in-flight action has finished.
func (m *Manager) evict(ctx context.Context, cur *live) error {
	sem := m.lockFor(cur.info.ProfileID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)

	m.logger.Info("Switching profile, closing browser", zap.String("profile", cur.info.ProfileID))
	m.discard(cur, models.StatusClosed)
	return nil
}

// discard clears cur if it is still the active session and closes its process.
// Every path that drops the handle goes through here.
func (m *Manager) discard(cur *live, status models.SessionStatus) {
	m.mu.Lock()
	if m.active != cur {
		m.mu.Unlock()
		return
	}
	m.active = nil
	cur.info.Status = status
	info := cur.info
	proc := cur.proc
	m.mu.Unlock()

	if proc != nil {
		m.closeProcess(context.Background(), proc)
		m.publish(info)
	}
}

func (m *Manager) publish(info models.BrowserSession) {
	m.pub.Publish(events.Event{
		Kind:      events.KindSession,
		ProfileID: info.ProfileID,
		Time:      time.Now(),
		Payload:   info,
	})
}

func (m *Manager) closeProcess(ctx context.Context, proc browser.Process) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := proc.Close(closeCtx); err != nil {
		m.logger.Warn("Failed to close browser", zap.Error(err))
	}
}

func (m *Manager) lockFor(profileID string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.locks[profileID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		m.locks[profileID] = sem
	}
	return sem
}

// Active returns a snapshot of the live session, if any.
func (m *Manager) Active() (models.BrowserSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return models.BrowserSession{}, false
	}
	return m.active.info, true
}

// IsLive reports whether profileID currently owns the browser.
func (m *Manager) IsLive(profileID string) bool {
	s, ok := m.Active()
	return ok && s.ProfileID == profileID
}

// Offline runs fn while holding the profile's lease, so no browser can start
// on its directories until fn returns. It fails with ErrProfileLive when the
// profile owns the running browser.
func (m *Manager) Offline(ctx context.Context, profileID string, fn func() error) error {
	sem := m.lockFor(profileID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)

	if m.IsLive(profileID) {
		return fmt.Errorf("%w: %s", ErrProfileLive, profileID)
	}
	return fn()
}

// Status reports the live page's URL, title and a screenshot.
func (m *Manager) Status(ctx context.Context) (*models.SessionStatusResponse, error) {
	inactive := &models.SessionStatusResponse{Active: false, Message: "No active browser session"}

	m.mu.Lock()
	cur := m.active
	m.mu.Unlock()
	if cur == nil {
		return inactive, nil
	}

	sem := m.lockFor(cur.info.ProfileID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	m.mu.Lock()
	same := m.active == cur
	page := cur.page
	profileID := cur.info.ProfileID
	m.mu.Unlock()
	if !same || cur.disconnected() || page == nil || page.Closed() {
		return inactive, nil
	}

	url, title, err := page.Info(ctx)
	if err != nil {
		return &models.SessionStatusResponse{Active: false, ProfileID: profileID, Error: err.Error()}, err
	}
	return &models.SessionStatusResponse{
		Active:     true,
		ProfileID:  profileID,
		URL:        url,
		Title:      title,
		Screenshot: browser.CaptureScreenshot(ctx, page, m.quality),
	}, nil
}

// Shutdown closes the live browser, waiting for an in-flight action until ctx expires,
// and stops the event loop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cur := m.active
	m.mu.Unlock()

	if cur != nil {
		sem := m.lockFor(cur.info.ProfileID)
		if err := sem.Acquire(ctx, 1); err == nil {
			defer sem.Release(1)
		} else {
			m.logger.Warn("Closing browser with an action still running", zap.String("profile", cur.info.ProfileID))
		}
		m.discard(cur, models.StatusClosed)
		m.logger.Info("Browser closed", zap.String("profile", cur.info.ProfileID))
	}

	close(m.stop)
	m.wg.Wait()
	return nil
}

// Lease is exclusive access to a profile's page until Release is called.
type Lease struct {
	entry *live
	page  browser.Page
	sem   *semaphore.Weighted
	once  sync.Once
}

// Page returns the leased page.
func (l *Lease) Page() browser.Page { return l.page }

// ProfileID returns the profile the lease belongs to.
func (l *Lease) ProfileID() string { return l.entry.info.ProfileID }

// DownloadDir returns the profile's download directory.
func (l *Lease) DownloadDir() string { return l.entry.info.DownloadDir }

// Lost reports whether the browser or the page went away during the lease.
func (l *Lease) Lost() bool {
	return l.entry.disconnected() || l.page.Closed()
}

// Release gives the profile back. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { l.sem.Release(1) })
}
