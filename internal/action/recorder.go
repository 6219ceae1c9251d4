package action

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbot/internal/events"
	"github.com/shehryarbajwa/browserbot/pkg/models"
)

// LogStore persists action log entries.
type LogStore interface {
	AppendLog(ctx context.Context, l models.ActionLog) error
}

// Recorder appends immutable action log entries and publishes them.
// Persisting is best effort: a failing store never fails the action.
type Recorder struct {
	store  LogStore
	pub    events.Publisher
	logger *zap.Logger
	now    func() time.Time
}

func NewRecorder(store LogStore, pub events.Publisher, logger *zap.Logger) *Recorder {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Recorder{store: store, pub: pub, logger: logger.Named("action-log"), now: time.Now}
}

// Attempt is an action that has been logged as pending.
type Attempt struct {
	r         *Recorder
	ctx       context.Context
	profileID string
	action    string
}

// Begin records a pending entry for action.
func (r *Recorder) Begin(ctx context.Context, profileID, action, detail string) *Attempt {
	a := &Attempt{r: r, ctx: context.WithoutCancel(ctx), profileID: profileID, action: action}
	a.append(detail, models.ActionPending)
	return a
}

// Succeed records the terminal success entry.
func (a *Attempt) Succeed(detail string) {
	a.append(detail, models.ActionSuccess)
}

// Fail records the terminal error entry.
func (a *Attempt) Fail(err error) {
	a.append(err.Error(), models.ActionError)
}

func (a *Attempt) append(detail string, status models.ActionStatus) {
	entry := models.ActionLog{
		ID:        uuid.NewString(),
		ProfileID: a.profileID,
		Timestamp: a.r.now(),
		Action:    a.action,
		Detail:    detail,
		Status:    status,
	}
	if a.r.store != nil {
		if err := a.r.store.AppendLog(a.ctx, entry); err != nil {
			a.r.logger.Warn("Failed to persist action log", zap.String("profile", a.profileID), zap.Error(err))
		}
	}
	a.r.pub.Publish(events.Event{
		Kind:      events.KindLog,
		ProfileID: a.profileID,
		Time:      entry.Timestamp,
		Payload:   entry,
	})
}
