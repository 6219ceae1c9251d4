// Package agent runs the conversation loop in which the language model
// drives the browser through tool calls.
package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbot/internal/llm"
	"github.com/shehryarbajwa/browserbot/pkg/models"
)

// DefaultSystemPrompt describes what the agent can do.
const DefaultSystemPrompt = `You are browserbot, an autonomous browsing agent with real persistence.
You control a real Chrome instance.

What you can do:
1. Session memory: if you log in to a site, the session stays saved in the user's profile.
2. Downloads: you can click download buttons. Files are stored on the server. Use check_downloads to list them.
3. Full interaction: you can fill in forms, click and choose options.

How to work:
- Use precise CSS selectors. If one fails, suggest the user verify it.
- To press Enter after typing, end the text of the type tool with '\n'.
- To download something, navigate, click the download link, then verify with check_downloads.
- If asked for a scheduled task (e.g. "do this at 5pm"), tell the user to set it up as a scheduled task for this profile.

Always answer professionally and concisely.`

// ErrorKind classifies a failed conversation turn.
type ErrorKind string

const (
	KindNetwork           ErrorKind = "network"
	KindMissingCredential ErrorKind = "missing_credential"
	KindProtocol          ErrorKind = "protocol"
	KindUnknown           ErrorKind = "unknown"
)

// Error is a classified loop failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// UserMessage is the copy shown to the user instead of the raw error.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindNetwork:
		return "Network error: verify the backend is reachable."
	case KindMissingCredential:
		return "Missing API key."
	case KindProtocol:
		return "Protocol error. Retrying..."
	default:
		return "Unknown error."
	}
}

type phase int

const (
	phaseStart phase = iota
	phaseSend
	phaseToolResults
)

func classify(p phase, err error) *Error {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr
	}
	switch {
	case errors.Is(err, llm.ErrMissingCredential):
		return &Error{Kind: KindMissingCredential, Err: err}
	case errors.Is(err, llm.ErrNetwork):
		return &Error{Kind: KindNetwork, Err: err}
	case p == phaseToolResults:
		return &Error{Kind: KindProtocol, Err: err}
	default:
		return &Error{Kind: KindUnknown, Err: err}
	}
}

// Observer is told about every tool call right before it is dispatched.
type Observer func(call llm.ToolCall)

type state int

const (
	awaitingModel state = iota
	dispatchingTools
	done
)

// Loop is the model/tool state machine. It holds no per-conversation state.
type Loop struct {
	model         llm.Model
	system        string
	tools         []llm.Tool
	maxRoundTrips int
	logger        *zap.Logger
}

func NewLoop(model llm.Model, system string, maxRoundTrips int, logger *zap.Logger) *Loop {
	if system == "" {
		system = DefaultSystemPrompt
	}
	return &Loop{
		model:         model,
		system:        system,
		tools:         Declarations(),
		maxRoundTrips: maxRoundTrips,
		logger:        logger.Named("agent"),
	}
}

// Converse sends text with the model-visible part of history and dispatches
// tool calls until the model answers without any, or until maxRoundTrips
// batches of tool results have been sent. It returns the text of the last reply.
// Failures are returned as *Error.
func (l *Loop) Converse(ctx context.Context, history []models.Message, text string, tools ToolRunner, observe Observer) (string, error) {
	chat, err := l.model.StartChat(ctx, llm.ChatOptions{
		System:  l.system,
		Tools:   l.tools,
		History: modelHistory(history),
	})
	if err != nil {
		return "", classify(phaseStart, err)
	}

	reply, err := chat.Send(ctx, text)
	if err != nil {
		return "", classify(phaseSend, err)
	}

	roundTrips := 0
	st := awaitingModel
	var results []llm.ToolResult

	for st != done {
		switch st {
		case awaitingModel:
			switch {
			case len(reply.ToolCalls) == 0:
				st = done
			case roundTrips >= l.maxRoundTrips:
				l.logger.Warn("Round-trip limit reached, returning last reply",
					zap.Int("limit", l.maxRoundTrips),
					zap.Int("pending_calls", len(reply.ToolCalls)))
				st = done
			default:
				st = dispatchingTools
			}

		case dispatchingTools:
			results = l.dispatch(ctx, reply.ToolCalls, tools, observe)
			roundTrips++
			reply, err = chat.SendToolResults(ctx, results)
			if err != nil {
				return "", classify(phaseToolResults, err)
			}
			st = awaitingModel
		}
	}
	return reply.Text, nil
}

// dispatch runs calls one after another. A failing tool becomes an error
// string for the model rather than a loop failure.
func (l *Loop) dispatch(ctx context.Context, calls []llm.ToolCall, tools ToolRunner, observe Observer) []llm.ToolResult {
	results := make([]llm.ToolResult, 0, len(calls))
	for _, call := range calls {
		if observe != nil {
			observe(call)
		}
		l.logger.Info("Calling tool", zap.String("tool", call.Name), zap.Any("args", call.Args))

		output, err := tools.Run(ctx, call)
		if err != nil {
			l.logger.Warn("Tool failed", zap.String("tool", call.Name), zap.Error(err))
			output = "Error executing tool: " + err.Error()
		}
		results = append(results, llm.ToolResult{CallID: call.ID, Name: call.Name, Output: output})
	}
	return results
}

func modelHistory(history []models.Message) []llm.Turn {
	turns := make([]llm.Turn, 0, len(history))
	for _, m := range history {
		if !m.ModelVisible() {
			continue
		}
		role := llm.RoleUser
		if m.Sender == models.SenderAssistant {
			role = llm.RoleModel
		}
		turns = append(turns, llm.Turn{Role: role, Text: m.Text})
	}
	return turns
}
