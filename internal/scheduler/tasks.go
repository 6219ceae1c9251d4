package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/browserbot/internal/events"
	"github.com/shehryarbajwa/browserbot/pkg/models"
)

var (
	ErrInvalidTime     = errors.New("time must be HH:mm (24h)")
	ErrCommandRequired = errors.New("command is required")
)

// TaskStore persists scheduled tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, t models.ScheduledTask) error
	UpdateTask(ctx context.Context, t models.ScheduledTask) error
	GetTask(ctx context.Context, profileID, id string) (*models.ScheduledTask, error)
	ListTasks(ctx context.Context, profileID string) ([]models.ScheduledTask, error)
	DeleteTask(ctx context.Context, profileID, id string) error
}

// Profiles resolves and lazily registers profiles.
type Profiles interface {
	Ensure(ctx context.Context, id string) (string, error)
}

// Tasks is the CRUD surface for scheduled tasks.
type Tasks struct {
	store    TaskStore
	profiles Profiles
	pub      events.Publisher
}

func NewTasks(store TaskStore, profiles Profiles, pub events.Publisher) *Tasks {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Tasks{store: store, profiles: profiles, pub: pub}
}

// IsInputError reports whether err was caused by an invalid task payload.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidTime) || errors.Is(err, ErrCommandRequired)
}

func validate(req models.CreateTaskRequest) error {
	if !models.ValidTaskTime(req.Time) {
		return fmt.Errorf("%w: %q", ErrInvalidTime, req.Time)
	}
	if strings.TrimSpace(req.Command) == "" {
		return ErrCommandRequired
	}
	return nil
}

func (t *Tasks) List(ctx context.Context, profileID string) ([]models.ScheduledTask, error) {
	profileID, err := t.profiles.Ensure(ctx, profileID)
	if err != nil {
		return nil, err
	}
	return t.store.ListTasks(ctx, profileID)
}

// Create adds a task. Tasks are active unless the request says otherwise.
func (t *Tasks) Create(ctx context.Context, profileID string, req models.CreateTaskRequest) (*models.ScheduledTask, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	profileID, err := t.profiles.Ensure(ctx, profileID)
	if err != nil {
		return nil, err
	}
	task := models.ScheduledTask{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		Time:      req.Time,
		Command:   strings.TrimSpace(req.Command),
		Active:    req.Active == nil || *req.Active,
		CreatedAt: time.Now().UTC(),
	}
	if err := t.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	t.publish(task)
	return &task, nil
}

// Update replaces time and command, and the active flag when given.
func (t *Tasks) Update(ctx context.Context, profileID, id string, req models.CreateTaskRequest) (*models.ScheduledTask, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	task, err := t.store.GetTask(ctx, profileID, id)
	if err != nil {
		return nil, err
	}
	task.Time = req.Time
	task.Command = strings.TrimSpace(req.Command)
	if req.Active != nil {
		task.Active = *req.Active
	}
	if err := t.store.UpdateTask(ctx, *task); err != nil {
		return nil, err
	}
	t.publish(*task)
	return task, nil
}

// Toggle flips the active flag.
func (t *Tasks) Toggle(ctx context.Context, profileID, id string) (*models.ScheduledTask, error) {
	task, err := t.store.GetTask(ctx, profileID, id)
	if err != nil {
		return nil, err
	}
	task.Active = !task.Active
	if err := t.store.UpdateTask(ctx, *task); err != nil {
		return nil, err
	}
	t.publish(*task)
	return task, nil
}

func (t *Tasks) Delete(ctx context.Context, profileID, id string) error {
	if err := t.store.DeleteTask(ctx, profileID, id); err != nil {
		return err
	}
	t.pub.Publish(events.Event{
		Kind:      events.KindTask,
		ProfileID: profileID,
		Time:      time.Now(),
		Payload:   map[string]any{"id": id, "deleted": true},
	})
	return nil
}

func (t *Tasks) publish(task models.ScheduledTask) {
	t.pub.Publish(events.Event{Kind: events.KindTask, ProfileID: task.ProfileID, Time: time.Now(), Payload: task})
}
