package models

import (
	"regexp"
	"time"
)

// DefaultProfileID is used when a request does not name a profile
const DefaultProfileID = "default"

var profileIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Profile is an isolated identity with its own persistent browser state and downloads
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateProfileRequest is the payload for creating a profile
type CreateProfileRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// ValidProfileID reports whether id can be used as a directory name
func ValidProfileID(id string) bool {
	return profileIDPattern.MatchString(id)
}

// NormalizeProfileID maps an empty id to the default profile
func NormalizeProfileID(id string) string {
	if id == "" {
		return DefaultProfileID
	}
	return id
}
