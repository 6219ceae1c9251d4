package models

import "time"

// SessionStatus represents the current state of a browser session
type SessionStatus string

const (
	StatusStarting SessionStatus = "STARTING"
	StatusRunning  SessionStatus = "RUNNING"
	StatusDead     SessionStatus = "DEAD"
	StatusClosed   SessionStatus = "CLOSED"
)

// BrowserSession describes the live browser process bound to one profile
type BrowserSession struct {
	ProfileID   string        `json:"profileId"`
	Status      SessionStatus `json:"status"`
	StartedAt   time.Time     `json:"startedAt"`
	DownloadDir string        `json:"-"`
	UserDataDir string        `json:"-"`
}

// SessionStatusResponse is the payload of GET /status
type SessionStatusResponse struct {
	Active     bool   `json:"active"`
	ProfileID  string `json:"profileId,omitempty"`
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
	Screenshot string `json:"screenshot,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}
