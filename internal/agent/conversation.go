package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbot/internal/events"
	"github.com/shehryarbajwa/browserbot/internal/llm"
	"github.com/shehryarbajwa/browserbot/pkg/models"
)

var (
	ErrEmptyInput     = errors.New("message text is required")
	ErrNothingToRetry = errors.New("no failed message to retry")
)

// MessageStore persists conversation turns.
type MessageStore interface {
	AppendMessage(ctx context.Context, m models.Message) error
	ListMessages(ctx context.Context, profileID string) ([]models.Message, error)
	DeleteErrorTurns(ctx context.Context, profileID string) (int64, error)
}

// Profiles resolves and lazily registers profiles.
type Profiles interface {
	Ensure(ctx context.Context, id string) (string, error)
}

// Conversations owns every profile's transcript. Submissions for one
// profile run one at a time; different profiles do not wait on each other
// except where they share the browser.
type Conversations struct {
	loop       *Loop
	store      MessageStore
	profiles   Profiles
	dispatcher Dispatcher
	pub        events.Publisher
	timeout    time.Duration
	logger     *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	now   func() time.Time
}

func NewConversations(loop *Loop, store MessageStore, profiles Profiles, dispatcher Dispatcher,
	pub events.Publisher, timeout time.Duration, logger *zap.Logger) *Conversations {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Conversations{
		loop:       loop,
		store:      store,
		profiles:   profiles,
		dispatcher: dispatcher,
		pub:        pub,
		timeout:    timeout,
		logger:     logger.Named("conversation"),
		locks:      make(map[string]*sync.Mutex),
		now:        time.Now,
	}
}

func (c *Conversations) lock(profileID string) func() {
	c.mu.Lock()
	l, ok := c.locks[profileID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[profileID] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// History returns the full transcript of a profile, oldest first.
func (c *Conversations) History(ctx context.Context, profileID string) ([]models.Message, error) {
	profileID, err := c.profiles.Ensure(ctx, profileID)
	if err != nil {
		return nil, err
	}
	return c.store.ListMessages(ctx, profileID)
}

// Submit appends the user turn, runs the loop and appends either the
// assistant's answer or exactly one error turn that can be retried.
// A failed loop is reported in the response, not as an error.
func (c *Conversations) Submit(ctx context.Context, profileID, text string) (*models.ChatResponse, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	profileID, err := c.profiles.Ensure(ctx, profileID)
	if err != nil {
		return nil, err
	}
	defer c.lock(profileID)()
	return c.submit(ctx, profileID, text)
}

// Retry drops the error turns of a profile and resubmits the input that failed last.
func (c *Conversations) Retry(ctx context.Context, profileID string) (*models.ChatResponse, error) {
	profileID, err := c.profiles.Ensure(ctx, profileID)
	if err != nil {
		return nil, err
	}
	defer c.lock(profileID)()

	history, err := c.store.ListMessages(ctx, profileID)
	if err != nil {
		return nil, err
	}
	input := ""
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].IsError && history[i].RetryInput != "" {
			input = history[i].RetryInput
			break
		}
	}
	if input == "" {
		return nil, ErrNothingToRetry
	}

	removed, err := c.store.DeleteErrorTurns(ctx, profileID)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Retrying last input", zap.String("profile", profileID), zap.Int64("removed_error_turns", removed))
	return c.submit(ctx, profileID, input)
}

func (c *Conversations) submit(ctx context.Context, profileID, text string) (*models.ChatResponse, error) {
	history, err := c.store.ListMessages(ctx, profileID)
	if err != nil {
		return nil, err
	}

	resp := &models.ChatResponse{}
	record := func(m models.Message) error {
		m.ID = uuid.NewString()
		m.ProfileID = profileID
		m.Timestamp = c.now()
		if err := c.store.AppendMessage(context.WithoutCancel(ctx), m); err != nil {
			return err
		}
		resp.Messages = append(resp.Messages, m)
		c.pub.Publish(events.Event{Kind: events.KindMessage, ProfileID: profileID, Time: m.Timestamp, Payload: m})
		return nil
	}

	if err := record(models.Message{Sender: models.SenderUser, Text: text}); err != nil {
		return nil, err
	}

	loopCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		loopCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	observe := func(call llm.ToolCall) {
		if err := record(models.Message{
			Sender:       models.SenderSystem,
			Text:         describe(call),
			IsToolOutput: true,
			ToolName:     call.Name,
		}); err != nil {
			c.logger.Warn("Failed to record tool turn", zap.Error(err))
		}
	}

	answer, err := c.loop.Converse(loopCtx, history, text, NewToolbox(c.dispatcher, profileID), observe)

	var reply models.Message
	if err != nil {
		var loopErr *Error
		if !errors.As(err, &loopErr) {
			loopErr = classify(phaseSend, err)
		}
		c.logger.Error("Conversation turn failed",
			zap.String("profile", profileID),
			zap.String("kind", string(loopErr.Kind)),
			zap.Error(loopErr.Err))
		reply = models.Message{
			Sender:     models.SenderSystem,
			Text:       loopErr.UserMessage(),
			IsError:    true,
			RetryInput: text,
		}
	} else {
		reply = models.Message{Sender: models.SenderAssistant, Text: answer}
	}

	if err := record(reply); err != nil {
		return nil, err
	}
	resp.Reply = &resp.Messages[len(resp.Messages)-1]
	return resp, nil
}
