package models

import (
	"time"
)

// ScheduledTask is a recurring command injected into the agent at a time of day
type ScheduledTask struct {
	ID        string     `json:"id"`
	ProfileID string     `json:"profileId"`
	Time      string     `json:"time"` // "HH:mm", 24h
	Command   string     `json:"command"`
	Active    bool       `json:"active"`
	LastFired *time.Time `json:"lastFired,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// CreateTaskRequest is the payload for creating or updating a task
type CreateTaskRequest struct {
	Time    string `json:"time"`
	Command string `json:"command"`
	Active  *bool  `json:"active,omitempty"`
}

// ValidTaskTime reports whether s is a 24-hour HH:mm time of day
func ValidTaskTime(s string) bool {
	if len(s) != 5 {
		return false
	}
	_, err := time.Parse("15:04", s)
	return err == nil
}
