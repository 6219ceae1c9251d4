package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbot/internal/action"
	"github.com/shehryarbajwa/browserbot/internal/agent"
	"github.com/shehryarbajwa/browserbot/internal/browser/browsertest"
	"github.com/shehryarbajwa/browserbot/internal/config"
	"github.com/shehryarbajwa/browserbot/internal/events"
	"github.com/shehryarbajwa/browserbot/internal/llm"
	"github.com/shehryarbajwa/browserbot/internal/llm/llmtest"
	"github.com/shehryarbajwa/browserbot/internal/profile"
	"github.com/shehryarbajwa/browserbot/internal/ratelimit"
	"github.com/shehryarbajwa/browserbot/internal/scheduler"
	"github.com/shehryarbajwa/browserbot/internal/session"
	"github.com/shehryarbajwa/browserbot/internal/store"
	"github.com/shehryarbajwa/browserbot/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type fixture struct {
	srv      *httptest.Server
	launcher *browsertest.Launcher
	model    *llmtest.Model
	hub      *events.Hub
}

type options struct {
	limiter *ratelimit.Limiter
	page    func(*browsertest.Page)
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	s, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	root := t.TempDir()
	profiles, err := profile.NewManager(s, filepath.Join(root, "user_data"), filepath.Join(root, "downloads"))
	require.NoError(t, err)

	hub := events.NewHub(logger)

	launcher := &browsertest.Launcher{NewPageHook: opts.page}
	sessions := session.NewManager(launcher, profiles, hub, 60, logger)
	t.Cleanup(func() { _ = sessions.Shutdown(ctx) })

	cfg := config.NewDefaultConfig().Actions
	cfg.VisibleTimeout = 50 * time.Millisecond
	cfg.TypeDelay = 0
	cfg.SettleDelay = 0
	exec := action.NewExecutor(sessions, profiles, action.NewRecorder(s, hub, logger), cfg, logger)

	model := &llmtest.Model{}
	loop := agent.NewLoop(model, "", 10, logger)
	chats := agent.NewConversations(loop, s, profiles, exec, hub, time.Minute, logger)

	server := NewServer(Deps{
		Actions:  exec,
		Sessions: sessions,
		Profiles: profiles,
		Tasks:    scheduler.NewTasks(s, profiles, hub),
		Chats:    chats,
		Logs:     s,
		Events:   hub,
		Limiter:  opts.limiter,
		MaxBody:  1 << 20,
	}, logger)

	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	return &fixture{srv: srv, launcher: launcher, model: model, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func TestNavigateAndStatus(t *testing.T) {
	f := newFixture(t, options{page: func(p *browsertest.Page) { p.Body = "Welcome" }})

	resp, raw := f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[models.SessionStatusResponse](t, raw).Active)

	resp, raw = f.do(t, http.MethodPost, "/navigate", models.NavigateRequest{URL: "https://example.com", ProfileID: "work"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	res := decode[models.ActionResult](t, raw)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "https://example.com", res.URL)
	assert.Equal(t, "Page at https://example.com", res.Title)
	assert.Equal(t, "Welcome", res.Content)
	assert.True(t, strings.HasPrefix(res.Screenshot, "data:image/jpeg;base64,"))

	resp, raw = f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[models.SessionStatusResponse](t, raw)
	assert.True(t, status.Active)
	assert.Equal(t, "work", status.ProfileID)
	assert.Equal(t, "https://example.com", status.URL)
	assert.NotEmpty(t, status.Screenshot)
}

func TestNavigate_MissingURL(t *testing.T) {
	f := newFixture(t, options{})

	resp, raw := f.do(t, http.MethodPost, "/navigate", models.NavigateRequest{ProfileID: "work"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "url is required", decode[ErrorResponse](t, raw).Error)
	assert.Zero(t, f.launcher.LaunchCount())
}

func TestAction_InputErrors(t *testing.T) {
	f := newFixture(t, options{})

	tests := []struct {
		name string
		body any
	}{
		{"missing selector", models.ActionRequest{Type: models.ActionClick}},
		{"unknown type", models.ActionRequest{Type: "hover", Selector: "#a"}},
		{"malformed json", `{"type":`},
		{"invalid profile", models.ActionRequest{Type: models.ActionScroll, ProfileID: "../etc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := f.do(t, http.MethodPost, "/action", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(raw))
			assert.NotEmpty(t, decode[ErrorResponse](t, raw).Error)
		})
	}
}

func TestAction_FailureCarriesScreenshot(t *testing.T) {
	f := newFixture(t, options{})

	resp, raw := f.do(t, http.MethodPost, "/action", models.ActionRequest{Type: models.ActionClick, Selector: "#missing", ProfileID: "work"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decode[ErrorResponse](t, raw)
	assert.Contains(t, body.Error, "#missing")
	assert.True(t, strings.HasPrefix(body.Screenshot, "data:image/jpeg;base64,"))
}

func TestAction_Succeeds(t *testing.T) {
	f := newFixture(t, options{page: func(p *browsertest.Page) { p.Elements["#go"] = "Go" }})

	resp, raw := f.do(t, http.MethodPost, "/action", models.ActionRequest{Type: models.ActionClick, Selector: "#go", ProfileID: "work"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	res := decode[models.ActionResult](t, raw)
	assert.Equal(t, "success", res.Status)
	assert.NotEmpty(t, res.Screenshot)
}

func TestAction_EngineStartupFailure(t *testing.T) {
	f := newFixture(t, options{})
	f.launcher.Err = errors.New("chrome not installed")

	resp, raw := f.do(t, http.MethodPost, "/action", models.ActionRequest{Type: models.ActionScroll, ProfileID: "work"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, decode[ErrorResponse](t, raw).Error, "chrome not installed")
}

func TestDownloadsAndExtract(t *testing.T) {
	f := newFixture(t, options{page: func(p *browsertest.Page) { p.Elements["h1"] = "Title" }})

	resp, raw := f.do(t, http.MethodPost, "/downloads", models.DownloadsRequest{ProfileID: "work"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"files":[]}`, string(raw))
	assert.Zero(t, f.launcher.LaunchCount())

	resp, raw = f.do(t, http.MethodPost, "/extract", models.ExtractRequest{Selector: "h1", ProfileID: "work"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"data":"Title"}`, string(raw))
}

func TestRateLimitPerProfile(t *testing.T) {
	f := newFixture(t, options{limiter: ratelimit.NewLimiter(3600, 1)})

	resp, _ := f.do(t, http.MethodPost, "/downloads", models.DownloadsRequest{ProfileID: "work"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "3600", resp.Header.Get("X-RateLimit-Limit"))

	resp, raw := f.do(t, http.MethodPost, "/downloads", models.DownloadsRequest{ProfileID: "work"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, decode[ErrorResponse](t, raw).Error, "Rate limit exceeded")

	// the body is still readable after the profile id was peeked
	resp, raw = f.do(t, http.MethodPost, "/downloads", models.DownloadsRequest{ProfileID: "home"})
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, options{})

	resp, _ := f.do(t, http.MethodOptions, "/action", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestProfiles(t *testing.T) {
	f := newFixture(t, options{})

	resp, raw := f.do(t, http.MethodPost, "/v1/profiles", models.CreateProfileRequest{ID: "work", Name: "Work"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	assert.Equal(t, "Work", decode[models.Profile](t, raw).Name)

	resp, _ = f.do(t, http.MethodPost, "/v1/profiles", models.CreateProfileRequest{ID: "work"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, raw = f.do(t, http.MethodGet, "/v1/profiles/work", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "work", decode[models.Profile](t, raw).ID)

	resp, raw = f.do(t, http.MethodGet, "/v1/profiles", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.Profile](t, raw), 1)

	resp, _ = f.do(t, http.MethodDelete, "/v1/profiles/work", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/v1/profiles/work", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestArchive_ConflictWhileLive(t *testing.T) {
	f := newFixture(t, options{})

	resp, _ := f.do(t, http.MethodPost, "/navigate", models.NavigateRequest{URL: "https://example.com", ProfileID: "work"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/profiles/work/archive", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPut, "/v1/profiles/work/archive", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/v1/profiles/work", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/profiles", models.CreateProfileRequest{ID: "home"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, archive := f.do(t, http.MethodGet, "/v1/profiles/home/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/gzip", resp.Header.Get("Content-Type"))

	resp, _ = f.do(t, http.MethodPut, "/v1/profiles/home/archive", string(archive))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestTasks(t *testing.T) {
	f := newFixture(t, options{})

	resp, raw := f.do(t, http.MethodPost, "/v1/profiles/work/tasks", models.CreateTaskRequest{Time: "25:00", Command: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(raw))

	resp, raw = f.do(t, http.MethodPost, "/v1/profiles/work/tasks", models.CreateTaskRequest{Time: "09:00", Command: "check email"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	task := decode[models.ScheduledTask](t, raw)
	assert.True(t, task.Active)

	resp, raw = f.do(t, http.MethodPost, "/v1/profiles/work/tasks/"+task.ID+"/toggle", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[models.ScheduledTask](t, raw).Active)

	resp, raw = f.do(t, http.MethodPut, "/v1/profiles/work/tasks/"+task.ID, models.CreateTaskRequest{Time: "10:15", Command: "check email"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "10:15", decode[models.ScheduledTask](t, raw).Time)

	resp, raw = f.do(t, http.MethodGet, "/v1/profiles/work/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.ScheduledTask](t, raw), 1)

	resp, _ = f.do(t, http.MethodDelete, "/v1/profiles/work/tasks/"+task.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/v1/profiles/work/tasks/"+task.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChat(t *testing.T) {
	f := newFixture(t, options{})
	f.model.Steps = []llmtest.Step{
		llmtest.Call(llm.ToolCall{ID: "1", Name: "navigate", Args: map[string]any{"url": "https://example.com"}}),
		llmtest.Text("You are on Example."),
	}

	resp, _ := f.do(t, http.MethodPost, "/v1/profiles/work/chat/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/v1/profiles/work/chat", models.ChatRequest{Text: " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw := f.do(t, http.MethodPost, "/v1/profiles/work/chat", models.ChatRequest{Text: "open example"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	chat := decode[models.ChatResponse](t, raw)
	require.NotNil(t, chat.Reply)
	assert.Equal(t, "You are on Example.", chat.Reply.Text)

	resp, raw = f.do(t, http.MethodGet, "/v1/profiles/work/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.Message](t, raw), 3)

	resp, raw = f.do(t, http.MethodGet, "/v1/profiles/work/logs?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	logs := decode[[]models.ActionLog](t, raw)
	require.Len(t, logs, 1)
	assert.Equal(t, "navigate", logs[0].Action)
	assert.Equal(t, models.ActionSuccess, logs[0].Status)

	resp, _ = f.do(t, http.MethodGet, "/v1/profiles/work/logs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEvents_StreamsActionLogs(t *testing.T) {
	f := newFixture(t, options{})

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/events?profile=work"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, _ := f.do(t, http.MethodPost, "/downloads", models.DownloadsRequest{ProfileID: "work"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ev events.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.KindLog, ev.Kind)
	assert.Equal(t, "work", ev.ProfileID)
}

func TestEvents_StreamsSessionTransitions(t *testing.T) {
	f := newFixture(t, options{})

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/events?profile=work"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, _ := f.do(t, http.MethodPost, "/navigate", models.NavigateRequest{URL: "https://example.com", ProfileID: "work"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var ev struct {
			Kind    string                `json:"kind"`
			Payload models.BrowserSession `json:"payload"`
		}
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Kind != events.KindSession {
			continue
		}
		assert.Equal(t, "work", ev.Payload.ProfileID)
		assert.Equal(t, models.StatusRunning, ev.Payload.Status)
		return
	}
}

func TestClient(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()
	c := NewClient(f.srv.URL+"/", 5*time.Second)

	res, err := c.Navigate(ctx, models.NavigateRequest{URL: "https://example.com", ProfileID: "work"})
	require.NoError(t, err)
	assert.Equal(t, "Page at https://example.com", res.Title)

	_, err = c.Execute(ctx, models.ActionRequest{Type: models.ActionClick, ProfileID: "work"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
	assert.Contains(t, statusErr.Message, "selector is required")

	files, err := c.Downloads(ctx, "work")
	require.NoError(t, err)
	assert.Empty(t, files)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Active)

	// the agent can drive a remote backend through the client
	out, err := agent.NewToolbox(c, "work").Run(ctx, llm.ToolCall{Name: "navigate", Args: map[string]any{"url": "https://example.org"}})
	require.NoError(t, err)
	assert.Equal(t, `Success. You are on "Page at https://example.com".`, out)
}

type slowChats struct {
	delay time.Duration
}

func (c slowChats) History(context.Context, string) ([]models.Message, error) { return nil, nil }

func (c slowChats) Submit(ctx context.Context, profileID, text string) (*models.ChatResponse, error) {
	time.Sleep(c.delay)
	return &models.ChatResponse{Reply: &models.Message{ProfileID: profileID, Text: "done: " + text}}, nil
}

func (c slowChats) Retry(ctx context.Context, profileID string) (*models.ChatResponse, error) {
	return c.Submit(ctx, profileID, "retry")
}

func TestChat_OutlivesServerWriteTimeout(t *testing.T) {
	server := NewServer(Deps{
		Chats:       slowChats{delay: 300 * time.Millisecond},
		ChatTimeout: time.Second,
	}, zap.NewNop())

	srv := httptest.NewUnstartedServer(server.Routes())
	srv.Config.WriteTimeout = 100 * time.Millisecond
	srv.Start()
	t.Cleanup(srv.Close)
	f := &fixture{srv: srv}

	resp, raw := f.do(t, http.MethodPost, "/v1/profiles/p/chat", models.ChatRequest{Text: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, "done: hi", decode[models.ChatResponse](t, raw).Reply.Text)

	resp, raw = f.do(t, http.MethodPost, "/v1/profiles/p/chat/retry", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, "done: retry", decode[models.ChatResponse](t, raw).Reply.Text)
}
