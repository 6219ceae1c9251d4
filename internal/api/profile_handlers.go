package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbot/pkg/models"
)

const (
	defaultLogLimit = 100
	// chatWriteMargin leaves room to write the error turn of a timed out chat.
	chatWriteMargin = 30 * time.Second
)

// ListProfiles handles GET /v1/profiles
func (s *Server) ListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.profiles.List(r.Context())
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

// CreateProfile handles POST /v1/profiles
func (s *Server) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var req models.CreateProfileRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err, "")
		return
	}

	p, err := s.profiles.Create(r.Context(), req)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetProfile handles GET /v1/profiles/{id}
func (s *Server) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.profiles.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeleteProfile handles DELETE /v1/profiles/{id}
func (s *Server) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.sessions.Offline(r.Context(), id, func() error {
		return s.profiles.Delete(r.Context(), id)
	})
	if err != nil {
		writeError(w, err, "")
		return
	}
	if s.limiter != nil {
		s.limiter.Forget(id)
	}
	s.logger.Info("Profile deleted", zap.String("profile", id))
	w.WriteHeader(http.StatusNoContent)
}

// ExportProfile handles GET /v1/profiles/{id}/archive
func (s *Server) ExportProfile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	streaming := false
	err := s.sessions.Offline(r.Context(), id, func() error {
		if _, err := s.profiles.Get(r.Context(), id); err != nil {
			return err
		}
		w.Header().Set("Content-Type", "application/gzip")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.tar.gz"`, id))
		streaming = true
		return s.profiles.Export(r.Context(), id, w)
	})
	switch {
	case err == nil:
	case streaming:
		// Headers are gone at this point; the truncated archive fails to decompress.
		s.logger.Error("Profile export failed", zap.String("profile", id), zap.Error(err))
	default:
		writeError(w, err, "")
	}
}

// RestoreProfile handles PUT /v1/profiles/{id}/archive
func (s *Server) RestoreProfile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.sessions.Offline(r.Context(), id, func() error {
		return s.profiles.Restore(r.Context(), id, r.Body)
	})
	if err != nil {
		writeError(w, err, "")
		return
	}
	s.logger.Info("Profile restored", zap.String("profile", id))
	w.WriteHeader(http.StatusNoContent)
}

// ListTasks handles GET /v1/profiles/{id}/tasks
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.List(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// CreateTask handles POST /v1/profiles/{id}/tasks
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req models.CreateTaskRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err, "")
		return
	}

	task, err := s.tasks.Create(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// UpdateTask handles PUT /v1/profiles/{id}/tasks/{taskId}
func (s *Server) UpdateTask(w http.ResponseWriter, r *http.Request) {
	var req models.CreateTaskRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err, "")
		return
	}

	vars := mux.Vars(r)
	task, err := s.tasks.Update(r.Context(), vars["id"], vars["taskId"], req)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ToggleTask handles POST /v1/profiles/{id}/tasks/{taskId}/toggle
func (s *Server) ToggleTask(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	task, err := s.tasks.Toggle(r.Context(), vars["id"], vars["taskId"])
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// DeleteTask handles DELETE /v1/profiles/{id}/tasks/{taskId}
func (s *Server) DeleteTask(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.tasks.Delete(r.Context(), vars["id"], vars["taskId"]); err != nil {
		writeError(w, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMessages handles GET /v1/profiles/{id}/messages
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.chats.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// Chat handles POST /v1/profiles/{id}/chat. A failed model turn is a 200
// whose reply is the error turn.
func (s *Server) Chat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err, "")
		return
	}

	s.extendWriteDeadline(w)
	resp, err := s.chats.Submit(r.Context(), mux.Vars(r)["id"], req.Text)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// RetryChat handles POST /v1/profiles/{id}/chat/retry
func (s *Server) RetryChat(w http.ResponseWriter, r *http.Request) {
	s.extendWriteDeadline(w)
	resp, err := s.chats.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListLogs handles GET /v1/profiles/{id}/logs?limit=N, newest first
func (s *Server) ListLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", errBadBody), "")
			return
		}
		limit = n
	}

	id, err := s.profiles.Ensure(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "")
		return
	}
	logs, err := s.logs.ListLogs(r.Context(), id, limit)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// extendWriteDeadline pushes the connection's write deadline past the longest
// conversation turn.
func (s *Server) extendWriteDeadline(w http.ResponseWriter) {
	if s.chatTimeout <= 0 {
		return
	}
	deadline := time.Now().Add(s.chatTimeout + chatWriteMargin)
	if err := http.NewResponseController(w).SetWriteDeadline(deadline); err != nil {
		s.logger.Debug("Failed to extend write deadline", zap.Error(err))
	}
}
