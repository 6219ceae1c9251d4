package models

import "time"

// ActionKind names one remote browser operation
type ActionKind string

const (
	ActionNavigate      ActionKind = "navigate"
	ActionClick         ActionKind = "click"
	ActionType          ActionKind = "type"
	ActionSelect        ActionKind = "select"
	ActionScroll        ActionKind = "scroll"
	ActionWait          ActionKind = "wait"
	ActionListDownloads ActionKind = "list-downloads"
	ActionExtract       ActionKind = "extract"
)

// ActionRequest is the payload of POST /action
type ActionRequest struct {
	Type      ActionKind `json:"type"`
	Selector  string     `json:"selector,omitempty"`
	Value     *string    `json:"value,omitempty"`
	ProfileID string     `json:"profileId"`
}

// ValueOr returns the request value, or def when the value is absent
func (r ActionRequest) ValueOr(def string) string {
	if r.Value == nil {
		return def
	}
	return *r.Value
}

// NavigateRequest is the payload of POST /navigate
type NavigateRequest struct {
	URL       string `json:"url"`
	ProfileID string `json:"profileId"`
}

// DownloadsRequest is the payload of POST /downloads
type DownloadsRequest struct {
	ProfileID string `json:"profileId"`
}

// ExtractRequest is the payload of POST /extract
type ExtractRequest struct {
	Selector  string `json:"selector,omitempty"`
	ProfileID string `json:"profileId"`
}

// ActionResult is what every action returns to its caller
type ActionResult struct {
	Status     string   `json:"status"`
	Screenshot string   `json:"screenshot"`
	Detail     string   `json:"detail,omitempty"`
	URL        string   `json:"url,omitempty"`
	Title      string   `json:"title,omitempty"`
	Content    string   `json:"content,omitempty"`
	Files      []string `json:"files,omitempty"`
	Data       string   `json:"data,omitempty"`
}

// ActionStatus is the lifecycle marker of an action log entry
type ActionStatus string

const (
	ActionPending ActionStatus = "pending"
	ActionSuccess ActionStatus = "success"
	ActionError   ActionStatus = "error"
)

// ActionLog is an immutable record of one action attempt
type ActionLog struct {
	ID        string       `json:"id"`
	ProfileID string       `json:"profileId"`
	Timestamp time.Time    `json:"timestamp"`
	Action    string       `json:"action"`
	Detail    string       `json:"detail"`
	Status    ActionStatus `json:"status"`
}
