// Package llm talks to the language model that drives the agent. Providers
// share one chat abstraction: plain text in, text and tool calls out.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbot/internal/config"
)

var (
	// ErrMissingCredential means no API key is configured, or the provider rejected it.
	ErrMissingCredential = errors.New("missing API key")
	// ErrNetwork means the provider could not be reached.
	ErrNetwork = errors.New("network error contacting the language model")
)

// ParamType is the JSON type of a tool parameter.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeNumber ParamType = "number"
)

// Param is one named argument of a tool.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
}

// Tool declares a function the model may call.
type Tool struct {
	Name        string
	Description string
	Params      []Param
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	CallID string
	Name   string
	Output string
}

// Reply is one model turn.
type Reply struct {
	Text      string
	ToolCalls []ToolCall
}

// Role of a replayed history turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is a replayed text turn of the conversation.
type Turn struct {
	Role Role
	Text string
}

// ChatOptions configure a new chat.
type ChatOptions struct {
	System  string
	Tools   []Tool
	History []Turn
}

// Model starts chats. Implementations must be safe for concurrent use.
type Model interface {
	StartChat(ctx context.Context, opts ChatOptions) (Chat, error)
}

// Chat is a stateful exchange with the model. It is not safe for concurrent use.
type Chat interface {
	Send(ctx context.Context, text string) (*Reply, error)
	// SendToolResults answers every call of the previous reply in one batch.
	SendToolResults(ctx context.Context, results []ToolResult) (*Reply, error)
}

// New builds the configured provider.
func New(cfg config.AgentConfig, logger *zap.Logger) (Model, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGemini(cfg, logger), nil
	case "openai":
		return NewOpenAI(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown language model provider %q", cfg.Provider)
	}
}

// wrapTransport marks errors that never reached the provider as ErrNetwork.
func wrapTransport(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return err
}

// rejectedKey reports whether a provider status means the API key was refused.
// Gemini answers an invalid key with 400.
func rejectedKey(code int, message string) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	case http.StatusBadRequest:
		return strings.Contains(strings.ToLower(message), "api key")
	}
	return false
}

func requireKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: set agent.api_key or GEMINI_API_KEY/OPENAI_API_KEY", ErrMissingCredential)
	}
	return nil
}
