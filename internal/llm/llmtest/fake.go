// Package llmtest provides a scripted language model for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/shehryarbajwa/browserbot/internal/llm"
)

// Step is one scripted model reply, or an error.
type Step struct {
	Reply *llm.Reply
	Err   error
}

// Model replays Steps in order across all chats. When the script runs out,
// Fallback (if set) produces the remaining replies.
type Model struct {
	mu       sync.Mutex
	Steps    []Step
	Fallback func(n int) Step
	StartErr error

	// Recorded traffic.
	Chats    []llm.ChatOptions
	Sent     []string
	Results  [][]llm.ToolResult
	requests int
}

func (m *Model) StartChat(ctx context.Context, opts llm.ChatOptions) (llm.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return nil, m.StartErr
	}
	m.Chats = append(m.Chats, opts)
	return &chat{model: m}, nil
}

// Requests returns how many replies were requested.
func (m *Model) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// ToolBatches returns a copy of every tool result batch sent.
func (m *Model) ToolBatches() [][]llm.ToolResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]llm.ToolResult(nil), m.Results...)
}

// LastChat returns the options of the most recent chat.
func (m *Model) LastChat() llm.ChatOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Chats[len(m.Chats)-1]
}

func (m *Model) next() (*llm.Reply, error) {
	n := m.requests
	m.requests++
	var step Step
	switch {
	case n < len(m.Steps):
		step = m.Steps[n]
	case m.Fallback != nil:
		step = m.Fallback(n)
	default:
		step = Step{Reply: &llm.Reply{}}
	}
	return step.Reply, step.Err
}

type chat struct {
	model *Model
}

func (c *chat) Send(ctx context.Context, text string) (*llm.Reply, error) {
	c.model.mu.Lock()
	defer c.model.mu.Unlock()
	c.model.Sent = append(c.model.Sent, text)
	return c.model.next()
}

func (c *chat) SendToolResults(ctx context.Context, results []llm.ToolResult) (*llm.Reply, error) {
	c.model.mu.Lock()
	defer c.model.mu.Unlock()
	c.model.Results = append(c.model.Results, results)
	return c.model.next()
}

// Text is a reply with no tool calls.
func Text(s string) Step {
	return Step{Reply: &llm.Reply{Text: s}}
}

// Call is a reply requesting the given tool calls.
func Call(calls ...llm.ToolCall) Step {
	return Step{Reply: &llm.Reply{ToolCalls: calls}}
}

var _ llm.Model = (*Model)(nil)
