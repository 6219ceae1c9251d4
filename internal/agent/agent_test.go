package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbot/internal/llm"
	"github.com/shehryarbajwa/browserbot/internal/llm/llmtest"
	"github.com/shehryarbajwa/browserbot/internal/profile"
	"github.com/shehryarbajwa/browserbot/internal/store"
	"github.com/shehryarbajwa/browserbot/pkg/models"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	calls     []string
	navErr    error
	files     []string
	text      string
	delay     time.Duration
	active    int
	maxActive int
}

func (d *fakeDispatcher) enter(call string) func() {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.active++
	d.maxActive = max(d.maxActive, d.active)
	delay := d.delay
	d.mu.Unlock()
	time.Sleep(delay)
	return func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}
}

func (d *fakeDispatcher) Navigate(ctx context.Context, req models.NavigateRequest) (*models.ActionResult, error) {
	defer d.enter("navigate " + req.URL + " @" + req.ProfileID)()
	if d.navErr != nil {
		return nil, d.navErr
	}
	return &models.ActionResult{Status: "success", URL: req.URL, Title: "Example"}, nil
}

func (d *fakeDispatcher) Execute(ctx context.Context, req models.ActionRequest) (*models.ActionResult, error) {
	defer d.enter(fmt.Sprintf("%s %s=%s", req.Type, req.Selector, req.ValueOr("<nil>")))()
	return &models.ActionResult{Status: "success"}, nil
}

func (d *fakeDispatcher) Downloads(ctx context.Context, profileID string) ([]string, error) {
	defer d.enter("downloads")()
	return d.files, nil
}

func (d *fakeDispatcher) Extract(ctx context.Context, req models.ExtractRequest) (string, error) {
	defer d.enter("extract " + req.Selector)()
	return d.text, nil
}

func (d *fakeDispatcher) log() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func navigateCall(id, url string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: "navigate", Args: map[string]any{"url": url}}
}

func TestDeclarations(t *testing.T) {
	var names []string
	for _, tool := range Declarations() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"navigate", "click", "type", "select", "wait", "check_downloads"}, names)
}

func TestLoop_TerminatesAfterMaxRoundTrips(t *testing.T) {
	model := &llmtest.Model{Fallback: func(n int) llmtest.Step {
		return llmtest.Step{Reply: &llm.Reply{
			Text:      fmt.Sprintf("reply %d", n),
			ToolCalls: []llm.ToolCall{navigateCall(fmt.Sprint(n), "https://example.com")},
		}}
	}}
	d := &fakeDispatcher{}
	loop := NewLoop(model, "", 10, zap.NewNop())

	text, err := loop.Converse(context.Background(), nil, "go forever", NewToolbox(d, "p1"), nil)
	require.NoError(t, err)

	assert.Len(t, model.ToolBatches(), 10)
	assert.Equal(t, 11, model.Requests())
	assert.Equal(t, "reply 10", text)
	assert.Len(t, d.log(), 10)
}

func TestLoop_BatchesResultsOfOneTurn(t *testing.T) {
	model := &llmtest.Model{Steps: []llmtest.Step{
		llmtest.Call(
			navigateCall("a", "https://example.com"),
			llm.ToolCall{ID: "b", Name: "type", Args: map[string]any{"selector": "#q", "text": "hello\n"}},
		),
		llmtest.Text("All done."),
	}}
	d := &fakeDispatcher{}
	var observed []string

	text, err := NewLoop(model, "", 10, zap.NewNop()).Converse(context.Background(), nil, "search", NewToolbox(d, "p1"),
		func(call llm.ToolCall) { observed = append(observed, describe(call)) })
	require.NoError(t, err)
	assert.Equal(t, "All done.", text)

	batches := model.ToolBatches()
	require.Len(t, batches, 1)
	assert.Equal(t, []llm.ToolResult{
		{CallID: "a", Name: "navigate", Output: `Success. You are on "Example".`},
		{CallID: "b", Name: "type", Output: "Action type executed."},
	}, batches[0])
	assert.Equal(t, []string{"Executing: navigate https://example.com", "Executing: type #q"}, observed)
	assert.Equal(t, []string{"navigate https://example.com @p1", "type #q=hello\n"}, d.log())

	chat := model.LastChat()
	assert.Equal(t, DefaultSystemPrompt, chat.System)
	assert.Len(t, chat.Tools, 6)
}

func TestLoop_ToolErrorsGoBackToTheModel(t *testing.T) {
	model := &llmtest.Model{Steps: []llmtest.Step{
		llmtest.Call(navigateCall("a", "https://down.example")),
		llmtest.Text("The site is down."),
	}}
	d := &fakeDispatcher{navErr: errors.New("navigation timed out")}

	text, err := NewLoop(model, "", 10, zap.NewNop()).Converse(context.Background(), nil, "open it", NewToolbox(d, "p1"), nil)
	require.NoError(t, err)
	assert.Equal(t, "The site is down.", text)
	assert.Equal(t, "Error executing tool: navigation timed out", model.ToolBatches()[0][0].Output)
}

func TestLoop_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name  string
		model *llmtest.Model
		kind  ErrorKind
		copy  string
	}{
		{
			name:  "missing key",
			model: &llmtest.Model{StartErr: fmt.Errorf("%w: unset", llm.ErrMissingCredential)},
			kind:  KindMissingCredential,
			copy:  "Missing API key.",
		},
		{
			name:  "network",
			model: &llmtest.Model{Steps: []llmtest.Step{{Err: fmt.Errorf("%w: dial tcp", llm.ErrNetwork)}}},
			kind:  KindNetwork,
			copy:  "Network error: verify the backend is reachable.",
		},
		{
			name: "tool results rejected",
			model: &llmtest.Model{Steps: []llmtest.Step{
				llmtest.Call(navigateCall("a", "https://example.com")),
				{Err: errors.New("400 invalid function response")},
			}},
			kind: KindProtocol,
			copy: "Protocol error. Retrying...",
		},
		{
			name:  "anything else",
			model: &llmtest.Model{Steps: []llmtest.Step{{Err: errors.New("boom")}}},
			kind:  KindUnknown,
			copy:  "Unknown error.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoop(tt.model, "", 10, zap.NewNop()).Converse(context.Background(), nil, "hi", NewToolbox(&fakeDispatcher{}, "p1"), nil)
			var loopErr *Error
			require.ErrorAs(t, err, &loopErr)
			assert.Equal(t, tt.kind, loopErr.Kind)
			assert.Equal(t, tt.copy, loopErr.UserMessage())
		})
	}
}

func TestLoop_ReplaysOnlyModelVisibleHistory(t *testing.T) {
	model := &llmtest.Model{Steps: []llmtest.Step{llmtest.Text("ok")}}
	history := []models.Message{
		{Sender: models.SenderUser, Text: "first"},
		{Sender: models.SenderSystem, Text: "Executing: navigate x", IsToolOutput: true, ToolName: "navigate"},
		{Sender: models.SenderAssistant, Text: "answer"},
		{Sender: models.SenderAssistant, Text: "   "},
		{Sender: models.SenderSystem, Text: "Unknown error.", IsError: true, RetryInput: "first"},
	}

	_, err := NewLoop(model, "custom", 10, zap.NewNop()).Converse(context.Background(), history, "next", NewToolbox(&fakeDispatcher{}, "p1"), nil)
	require.NoError(t, err)

	chat := model.LastChat()
	assert.Equal(t, "custom", chat.System)
	assert.Equal(t, []llm.Turn{{Role: llm.RoleUser, Text: "first"}, {Role: llm.RoleModel, Text: "answer"}}, chat.History)
	assert.Equal(t, []string{"next"}, model.Sent)
}

func TestToolbox(t *testing.T) {
	ctx := context.Background()
	d := &fakeDispatcher{text: strings.Repeat("x", 600)}
	tb := NewToolbox(d, "p1")

	out, err := tb.Run(ctx, llm.ToolCall{Name: "check_downloads"})
	require.NoError(t, err)
	assert.Equal(t, "The downloads folder is empty.", out)

	d.files = []string{"a.pdf", "b.csv"}
	out, err = tb.Run(ctx, llm.ToolCall{Name: "check_downloads"})
	require.NoError(t, err)
	assert.Equal(t, "Downloaded files found: a.pdf, b.csv", out)

	out, err = tb.Run(ctx, llm.ToolCall{Name: "wait", Args: map[string]any{"duration": float64(3000)}})
	require.NoError(t, err)
	assert.Equal(t, "Action wait executed.", out)

	out, err = tb.Run(ctx, llm.ToolCall{Name: "select", Args: map[string]any{"selector": "#size", "value": "m"}})
	require.NoError(t, err)
	assert.Equal(t, "Action select executed.", out)

	out, err = tb.Run(ctx, llm.ToolCall{Name: "extract"})
	require.NoError(t, err)
	assert.Equal(t, "Current page text: "+strings.Repeat("x", 500)+"...", out)

	_, err = tb.Run(ctx, llm.ToolCall{Name: "navigate", Args: map[string]any{}})
	assert.ErrorIs(t, err, ErrInvalidArgs)
	_, err = tb.Run(ctx, llm.ToolCall{Name: "type", Args: map[string]any{"selector": "#q"}})
	assert.ErrorIs(t, err, ErrInvalidArgs)

	out, err = tb.Run(ctx, llm.ToolCall{Name: "hover"})
	require.NoError(t, err)
	assert.Equal(t, "Tool not found: hover", out)

	assert.Equal(t, []string{"downloads", "downloads", "wait =3000", "select #size=m", "extract "}, d.log())
}

func newConversations(t *testing.T, model llm.Model, d Dispatcher) (*Conversations, *store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	root := t.TempDir()
	profiles, err := profile.NewManager(s, root+"/data", root+"/downloads")
	require.NoError(t, err)

	loop := NewLoop(model, "", 10, zap.NewNop())
	return NewConversations(loop, s, profiles, d, nil, time.Minute, zap.NewNop()), s
}

func TestConversations_SubmitRecordsTranscript(t *testing.T) {
	model := &llmtest.Model{Steps: []llmtest.Step{
		llmtest.Call(navigateCall("a", "https://example.com")),
		llmtest.Text("You are on Example."),
	}}
	conv, s := newConversations(t, model, &fakeDispatcher{})
	ctx := context.Background()

	resp, err := conv.Submit(ctx, "p1", "open example")
	require.NoError(t, err)
	require.NotNil(t, resp.Reply)
	assert.Equal(t, models.SenderAssistant, resp.Reply.Sender)
	assert.Equal(t, "You are on Example.", resp.Reply.Text)

	stored, err := s.ListMessages(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, models.SenderUser, stored[0].Sender)
	assert.True(t, stored[1].IsToolOutput)
	assert.Equal(t, "navigate", stored[1].ToolName)
	assert.Equal(t, "Executing: navigate https://example.com", stored[1].Text)
	assert.Equal(t, "You are on Example.", stored[2].Text)

	_, err = conv.Submit(ctx, "p1", "  ")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestConversations_ErrorTurnAndRetry(t *testing.T) {
	model := &llmtest.Model{Steps: []llmtest.Step{
		{Err: fmt.Errorf("%w: connection refused", llm.ErrNetwork)},
		{Err: fmt.Errorf("%w: connection refused", llm.ErrNetwork)},
		llmtest.Text("Back online."),
	}}
	conv, s := newConversations(t, model, &fakeDispatcher{})
	ctx := context.Background()

	_, err := conv.Retry(ctx, "p1")
	assert.ErrorIs(t, err, ErrNothingToRetry)

	resp, err := conv.Submit(ctx, "p1", "check my inbox")
	require.NoError(t, err)
	assert.True(t, resp.Reply.IsError)
	assert.Equal(t, "check my inbox", resp.Reply.RetryInput)
	assert.Equal(t, "Network error: verify the backend is reachable.", resp.Reply.Text)

	// a failing retry still leaves exactly one error turn
	resp, err = conv.Retry(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, resp.Reply.IsError)
	countErrors := func() int {
		msgs, err := s.ListMessages(ctx, "p1")
		require.NoError(t, err)
		n := 0
		for _, m := range msgs {
			if m.IsError {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 1, countErrors())

	resp, err = conv.Retry(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, resp.Reply.IsError)
	assert.Equal(t, "Back online.", resp.Reply.Text)
	assert.Equal(t, 0, countErrors())
	assert.Equal(t, []string{"check my inbox", "check my inbox", "check my inbox"}, model.Sent)
}

func TestConversations_SameProfileIsSerialized(t *testing.T) {
	model := &llmtest.Model{Fallback: func(n int) llmtest.Step {
		if n%2 == 0 {
			return llmtest.Call(navigateCall(fmt.Sprint(n), "https://example.com"))
		}
		return llmtest.Text("done")
	}}
	d := &fakeDispatcher{delay: 20 * time.Millisecond}
	conv, _ := newConversations(t, model, d)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := conv.Submit(context.Background(), "p1", "go")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, d.log(), 3)
	assert.Equal(t, 1, d.maxActive)
}
