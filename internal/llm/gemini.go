package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/shehryarbajwa/browserbot/internal/config"
)

// Gemini uses the Gemini API chat sessions.
type Gemini struct {
	cfg    config.AgentConfig
	logger *zap.Logger

	mu     sync.Mutex
	client *genai.Client
}

func NewGemini(cfg config.AgentConfig, logger *zap.Logger) *Gemini {
	return &Gemini{cfg: cfg, logger: logger.Named("llm.gemini")}
}

func (g *Gemini) getClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	if err := requireKey(g.cfg.APIKey); err != nil {
		return nil, err
	}
	cc := &genai.ClientConfig{
		APIKey:  g.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if g.cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: g.cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	g.client = client
	return client, nil
}

// StartChat opens a chat seeded with opts.History.
func (g *Gemini) StartChat(ctx context.Context, opts ChatOptions) (Chat, error) {
	client, err := g.getClient(ctx)
	if err != nil {
		return nil, err
	}

	gc := &genai.GenerateContentConfig{}
	if opts.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(opts.System, genai.RoleUser)
	}
	if len(opts.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(opts.Tools))
		for _, t := range opts.Tools {
			decls = append(decls, geminiDeclaration(t))
		}
		gc.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	history := make([]*genai.Content, 0, len(opts.History))
	for _, turn := range opts.History {
		role := genai.Role(genai.RoleUser)
		if turn.Role == RoleModel {
			role = genai.RoleModel
		}
		history = append(history, genai.NewContentFromText(turn.Text, role))
	}

	chat, err := client.Chats.Create(ctx, g.cfg.Model, gc, history)
	if err != nil {
		return nil, wrapGemini(err)
	}
	return &geminiChat{chat: chat, logger: g.logger}, nil
}

func geminiDeclaration(t Tool) *genai.FunctionDeclaration {
	schema := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(t.Params)),
	}
	for _, p := range t.Params {
		typ := genai.TypeString
		if p.Type == TypeNumber {
			typ = genai.TypeNumber
		}
		schema.Properties[p.Name] = &genai.Schema{Type: typ, Description: p.Description}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return &genai.FunctionDeclaration{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  schema,
	}
}

type geminiChat struct {
	chat   *genai.Chat
	logger *zap.Logger
}

func (c *geminiChat) Send(ctx context.Context, text string) (*Reply, error) {
	resp, err := c.chat.SendMessage(ctx, genai.Part{Text: text})
	if err != nil {
		return nil, wrapGemini(err)
	}
	return geminiReply(resp), nil
}

func (c *geminiChat) SendToolResults(ctx context.Context, results []ToolResult) (*Reply, error) {
	parts := make([]genai.Part, 0, len(results))
	for _, r := range results {
		part := genai.NewPartFromFunctionResponse(r.Name, map[string]any{"result": r.Output})
		part.FunctionResponse.ID = r.CallID
		parts = append(parts, *part)
	}
	resp, err := c.chat.SendMessage(ctx, parts...)
	if err != nil {
		return nil, wrapGemini(err)
	}
	return geminiReply(resp), nil
}

func wrapGemini(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && rejectedKey(apiErr.Code, apiErr.Message) {
		return fmt.Errorf("%w: %w", ErrMissingCredential, err)
	}
	return wrapTransport(err)
}

func geminiReply(resp *genai.GenerateContentResponse) *Reply {
	reply := &Reply{Text: resp.Text()}
	for _, fc := range resp.FunctionCalls() {
		reply.ToolCalls = append(reply.ToolCalls, ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
	}
	return reply
}
