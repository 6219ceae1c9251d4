package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shehryarbajwa/browserbot/internal/llm"
	"github.com/shehryarbajwa/browserbot/pkg/models"
)

// ErrInvalidArgs is returned when a tool call lacks a required argument.
var ErrInvalidArgs = errors.New("invalid tool arguments")

const extractPreview = 500

// Dispatcher executes actions for the agent, in process or over HTTP.
type Dispatcher interface {
	Navigate(ctx context.Context, req models.NavigateRequest) (*models.ActionResult, error)
	Execute(ctx context.Context, req models.ActionRequest) (*models.ActionResult, error)
	Downloads(ctx context.Context, profileID string) ([]string, error)
	Extract(ctx context.Context, req models.ExtractRequest) (string, error)
}

// ToolRunner executes one tool call and returns the text handed back to the model.
type ToolRunner interface {
	Run(ctx context.Context, call llm.ToolCall) (string, error)
}

// Declarations returns the tools the model may call. extract is served by
// the Toolbox but deliberately not offered to the model.
func Declarations() []llm.Tool {
	return []llm.Tool{
		{
			Name:        "navigate",
			Description: "Navigate the real remote browser to a URL.",
			Params: []llm.Param{
				{Name: "url", Type: llm.TypeString, Description: "Full URL, e.g. https://google.com", Required: true},
			},
		},
		{
			Name:        "click",
			Description: "Click an element.",
			Params: []llm.Param{
				{Name: "selector", Type: llm.TypeString, Description: "CSS selector of the element", Required: true},
			},
		},
		{
			Name:        "type",
			Description: "Type text into a field.",
			Params: []llm.Param{
				{Name: "selector", Type: llm.TypeString, Description: "CSS selector of the field", Required: true},
				{Name: "text", Type: llm.TypeString, Description: `Text to type. End it with '\n' to press Enter.`, Required: true},
			},
		},
		{
			Name:        "select",
			Description: "Choose an option of a select menu.",
			Params: []llm.Param{
				{Name: "selector", Type: llm.TypeString, Description: "CSS selector", Required: true},
				{Name: "value", Type: llm.TypeString, Description: "Option value", Required: true},
			},
		},
		{
			Name:        "wait",
			Description: "Wait before the next action.",
			Params: []llm.Param{
				{Name: "duration", Type: llm.TypeString, Description: "Duration in milliseconds, e.g. '3000'", Required: true},
			},
		},
		{
			Name:        "check_downloads",
			Description: "List the files downloaded in the current profile.",
		},
	}
}

// Toolbox maps tool calls of one profile onto a Dispatcher.
type Toolbox struct {
	dispatcher Dispatcher
	profileID  string
}

func NewToolbox(d Dispatcher, profileID string) *Toolbox {
	return &Toolbox{dispatcher: d, profileID: profileID}
}

func (t *Toolbox) Run(ctx context.Context, call llm.ToolCall) (string, error) {
	switch call.Name {
	case "navigate":
		url, err := requiredArg(call, "url")
		if err != nil {
			return "", err
		}
		res, err := t.dispatcher.Navigate(ctx, models.NavigateRequest{URL: url, ProfileID: t.profileID})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Success. You are on %q.", res.Title), nil

	case "click":
		selector, err := requiredArg(call, "selector")
		if err != nil {
			return "", err
		}
		return t.act(ctx, models.ActionClick, selector, nil)

	case "type":
		selector, err := requiredArg(call, "selector")
		if err != nil {
			return "", err
		}
		text, err := requiredArg(call, "text")
		if err != nil {
			return "", err
		}
		return t.act(ctx, models.ActionType, selector, &text)

	case "select":
		selector, err := requiredArg(call, "selector")
		if err != nil {
			return "", err
		}
		value, err := requiredArg(call, "value")
		if err != nil {
			return "", err
		}
		return t.act(ctx, models.ActionSelect, selector, &value)

	case "wait":
		duration, _ := stringArg(call.Args, "duration")
		return t.act(ctx, models.ActionWait, "", &duration)

	case "check_downloads":
		files, err := t.dispatcher.Downloads(ctx, t.profileID)
		if err != nil {
			return "", err
		}
		if len(files) == 0 {
			return "The downloads folder is empty.", nil
		}
		return "Downloaded files found: " + strings.Join(files, ", "), nil

	case "extract":
		selector, _ := stringArg(call.Args, "selector")
		text, err := t.dispatcher.Extract(ctx, models.ExtractRequest{Selector: selector, ProfileID: t.profileID})
		if err != nil {
			return "", err
		}
		runes := []rune(text)
		if len(runes) > extractPreview {
			text = string(runes[:extractPreview]) + "..."
		}
		return "Current page text: " + text, nil

	default:
		return "Tool not found: " + call.Name, nil
	}
}

func (t *Toolbox) act(ctx context.Context, kind models.ActionKind, selector string, value *string) (string, error) {
	_, err := t.dispatcher.Execute(ctx, models.ActionRequest{
		Type:      kind,
		Selector:  selector,
		Value:     value,
		ProfileID: t.profileID,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Action %s executed.", kind), nil
}

func requiredArg(call llm.ToolCall, name string) (string, error) {
	v, ok := stringArg(call.Args, name)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s requires %q", ErrInvalidArgs, call.Name, name)
	}
	return v, nil
}

// stringArg reads any scalar argument as text.
func stringArg(args map[string]any, name string) (string, bool) {
	v, ok := args[name]
	if !ok || v == nil {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return fmt.Sprint(x), true
	}
}

// describe renders the transcript line shown while a tool runs.
func describe(call llm.ToolCall) string {
	target, _ := stringArg(call.Args, "url")
	if target == "" {
		target, _ = stringArg(call.Args, "selector")
	}
	return strings.TrimSpace("Executing: " + call.Name + " " + target)
}
