package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shehryarbajwa/browserbot/internal/agent"
	"github.com/shehryarbajwa/browserbot/pkg/models"
)

// StatusError is a non-2xx answer from the action backend.
type StatusError struct {
	Code       int
	Message    string
	Screenshot string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Message)
}

// Client drives a remote action backend over the HTTP action routes.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Navigate(ctx context.Context, req models.NavigateRequest) (*models.ActionResult, error) {
	var res models.ActionResult
	if err := c.post(ctx, "/navigate", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Execute(ctx context.Context, req models.ActionRequest) (*models.ActionResult, error) {
	var res models.ActionResult
	if err := c.post(ctx, "/action", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Downloads(ctx context.Context, profileID string) ([]string, error) {
	var res struct {
		Files []string `json:"files"`
	}
	if err := c.post(ctx, "/downloads", models.DownloadsRequest{ProfileID: profileID}, &res); err != nil {
		return nil, err
	}
	return res.Files, nil
}

func (c *Client) Extract(ctx context.Context, req models.ExtractRequest) (string, error) {
	var res struct {
		Data string `json:"data"`
	}
	if err := c.post(ctx, "/extract", req, &res); err != nil {
		return "", err
	}
	return res.Data, nil
}

// Status fetches GET /status.
func (c *Client) Status(ctx context.Context) (*models.SessionStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	var res models.SessionStatusResponse
	if err := c.do(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &StatusError{Code: resp.StatusCode, Message: e.Error, Screenshot: e.Screenshot}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var _ agent.Dispatcher = (*Client)(nil)
