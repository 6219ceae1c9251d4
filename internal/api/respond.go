package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/shehryarbajwa/browserbot/internal/action"
	"github.com/shehryarbajwa/browserbot/internal/agent"
	"github.com/shehryarbajwa/browserbot/internal/profile"
	"github.com/shehryarbajwa/browserbot/internal/scheduler"
	"github.com/shehryarbajwa/browserbot/internal/session"
	"github.com/shehryarbajwa/browserbot/internal/store"
)

var errBadBody = errors.New("invalid request body")

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error      string `json:"error"`
	Screenshot string `json:"screenshot,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, screenshot string) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error(), Screenshot: screenshot})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadBody),
		action.IsInputError(err),
		scheduler.IsInputError(err),
		errors.Is(err, agent.ErrEmptyInput),
		errors.Is(err, profile.ErrUnsafeArchive):
		return http.StatusBadRequest
	case errors.Is(err, profile.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, profile.ErrExists),
		errors.Is(err, session.ErrProfileLive),
		errors.Is(err, agent.ErrNothingToRetry):
		return http.StatusConflict
	case errors.Is(err, session.ErrEngineStartup), errors.Is(err, action.ErrSessionLost):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	if s.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}
