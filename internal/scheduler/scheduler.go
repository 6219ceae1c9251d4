// Package scheduler injects scheduled commands into profile conversations
// at their wall-clock time of day.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbot/internal/config"
	"github.com/shehryarbajwa/browserbot/internal/events"
	"github.com/shehryarbajwa/browserbot/pkg/models"
)

// Trigger receives the synthesized command of a due task.
type Trigger interface {
	Submit(ctx context.Context, profileID, text string) (*models.ChatResponse, error)
}

// TaskSource is the part of the store the tick reads and stamps.
type TaskSource interface {
	ActiveTasksAt(ctx context.Context, hhmm string) ([]models.ScheduledTask, error)
	StampLastFired(ctx context.Context, id string, ts time.Time) error
}

// Scheduler polls the task table on a fixed cadence.
type Scheduler struct {
	tasks   TaskSource
	trigger Trigger
	pub     events.Publisher
	cfg     config.SchedulerConfig
	logger  *zap.Logger

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(tasks TaskSource, trigger Trigger, pub events.Publisher, cfg config.SchedulerConfig, logger *zap.Logger) *Scheduler {
	if pub == nil {
		pub = events.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:   tasks,
		trigger: trigger,
		pub:     pub,
		cfg:     cfg,
		logger:  logger.Named("scheduler"),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
}

// Start registers the tick with cron and starts it.
func (s *Scheduler) Start() error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Cadence), func() {
		s.Tick(s.now())
	}); err != nil {
		return fmt.Errorf("failed to schedule tick: %w", err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("Scheduler started",
		zap.Duration("cadence", s.cfg.Cadence),
		zap.Duration("cooldown", s.cfg.Cooldown))
	return nil
}

// Stop halts the ticker, cancels in-flight submissions and waits for them.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron != nil {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
			s.cancel()
			return ctx.Err()
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick fires every active task due at now's minute that has not fired
// within the cooldown. It returns the tasks it fired. The submissions
// themselves run in the background.
func (s *Scheduler) Tick(now time.Time) []models.ScheduledTask {
	hhmm := now.Format("15:04")
	due, err := s.tasks.ActiveTasksAt(s.ctx, hhmm)
	if err != nil {
		s.logger.Error("Failed to load due tasks", zap.String("time", hhmm), zap.Error(err))
		return nil
	}

	var fired []models.ScheduledTask
	for _, t := range due {
		if t.LastFired != nil && now.Sub(*t.LastFired) <= s.cfg.Cooldown {
			continue
		}
		// Stamp first so a slow submission cannot be fired twice.
		if err := s.tasks.StampLastFired(s.ctx, t.ID, now); err != nil {
			s.logger.Error("Failed to stamp task", zap.String("task", t.ID), zap.Error(err))
			continue
		}
		stamped := now
		t.LastFired = &stamped
		fired = append(fired, t)

		s.pub.Publish(events.Event{Kind: events.KindTask, ProfileID: t.ProfileID, Time: now, Payload: t})
		s.fire(t, Command(s.cfg.Prefix, hhmm, t.Command))
	}
	return fired
}

func (s *Scheduler) fire(t models.ScheduledTask, text string) {
	s.logger.Info("Firing scheduled task",
		zap.String("task", t.ID),
		zap.String("profile", t.ProfileID),
		zap.String("time", t.Time))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.trigger.Submit(s.ctx, t.ProfileID, text); err != nil {
			s.logger.Error("Scheduled submission failed", zap.String("task", t.ID), zap.Error(err))
		}
	}()
}

// Command renders the text injected for a task. The first %s in prefix,
// if any, is replaced by the time.
func Command(prefix, hhmm, command string) string {
	if prefix == "" {
		return command
	}
	return strings.Replace(prefix, "%s", hhmm, 1) + " " + command
}
