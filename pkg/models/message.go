package models

import (
	"strings"
	"time"
)

// Sender identifies who authored a conversation turn
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

// Message is one append-only conversation turn
type Message struct {
	ID           string    `json:"id"`
	ProfileID    string    `json:"profileId"`
	Sender       Sender    `json:"sender"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
	IsToolOutput bool      `json:"isToolOutput,omitempty"`
	ToolName     string    `json:"toolName,omitempty"`
	IsError      bool      `json:"isError,omitempty"`
	RetryInput   string    `json:"retryInput,omitempty"`
}

// ModelVisible reports whether the turn is replayed to the language model
func (m Message) ModelVisible() bool {
	if m.IsToolOutput || m.IsError {
		return false
	}
	if m.Sender != SenderUser && m.Sender != SenderAssistant {
		return false
	}
	return strings.TrimSpace(m.Text) != ""
}

// ChatRequest is the payload of POST /v1/profiles/{id}/chat
type ChatRequest struct {
	Text string `json:"text"`
}

// ChatResponse carries the final answer or the error turn of one submission
type ChatResponse struct {
	Reply    *Message  `json:"reply"`
	Messages []Message `json:"messages,omitempty"`
}
