package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbot/internal/config"
)

// OpenAI uses the chat completions API of OpenAI or any compatible endpoint.
type OpenAI struct {
	cfg    config.AgentConfig
	logger *zap.Logger
	opts   []option.RequestOption
}

// NewOpenAI creates the provider. Extra options are applied after the configured ones.
func NewOpenAI(cfg config.AgentConfig, logger *zap.Logger, extra ...option.RequestOption) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	return &OpenAI{
		cfg:    cfg,
		logger: logger.Named("llm.openai"),
		opts:   append(opts, extra...),
	}
}

func (o *OpenAI) StartChat(ctx context.Context, opts ChatOptions) (Chat, error) {
	if err := requireKey(o.cfg.APIKey); err != nil {
		return nil, err
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if opts.System != "" {
		messages = append(messages, openai.SystemMessage(opts.System))
	}
	for _, turn := range opts.History {
		if turn.Role == RoleModel {
			messages = append(messages, openai.AssistantMessage(turn.Text))
		} else {
			messages = append(messages, openai.UserMessage(turn.Text))
		}
	}

	tools := make([]openai.ChatCompletionToolParam, 0, len(opts.Tools))
	for _, t := range opts.Tools {
		tools = append(tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  jsonSchema(t),
			},
		})
	}

	return &openaiChat{
		client:   openai.NewClient(o.opts...),
		model:    o.cfg.Model,
		messages: messages,
		tools:    tools,
		logger:   o.logger,
	}, nil
}

func jsonSchema(t Tool) shared.FunctionParameters {
	props := make(map[string]any, len(t.Params))
	required := []string{}
	for _, p := range t.Params {
		props[p.Name] = map[string]any{
			"type":        string(p.Type),
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return shared.FunctionParameters{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

type openaiChat struct {
	client   openai.Client
	model    string
	messages []openai.ChatCompletionMessageParamUnion
	tools    []openai.ChatCompletionToolParam
	logger   *zap.Logger
}

func (c *openaiChat) Send(ctx context.Context, text string) (*Reply, error) {
	c.messages = append(c.messages, openai.UserMessage(text))
	return c.complete(ctx)
}

func (c *openaiChat) SendToolResults(ctx context.Context, results []ToolResult) (*Reply, error) {
	for _, r := range results {
		c.messages = append(c.messages, openai.ToolMessage(r.Output, r.CallID))
	}
	return c.complete(ctx)
}

func (c *openaiChat) complete(ctx context.Context) (*Reply, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: c.messages,
	}
	if len(c.tools) > 0 {
		params.Tools = c.tools
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && rejectedKey(apiErr.StatusCode, apiErr.Message) {
			return nil, fmt.Errorf("%w: %w", ErrMissingCredential, err)
		}
		return nil, wrapTransport(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}

	msg := resp.Choices[0].Message
	reply := &Reply{Text: msg.Content}

	assistant := openai.ChatCompletionAssistantMessageParam{}
	if msg.Content != "" {
		assistant.Content.OfString = openai.String(msg.Content)
	}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to parse arguments for %s: %w", tc.Function.Name, err)
			}
		}
		reply.ToolCalls = append(reply.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	c.messages = append(c.messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

	c.logger.Debug("Completion received",
		zap.Int("tool_calls", len(reply.ToolCalls)),
		zap.Int64("total_tokens", resp.Usage.TotalTokens))
	return reply, nil
}
