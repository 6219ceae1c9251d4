package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbot/pkg/models"
)

// Navigate handles POST /navigate
func (s *Server) Navigate(w http.ResponseWriter, r *http.Request) {
	var req models.NavigateRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err, "")
		return
	}

	res, err := s.actions.Navigate(r.Context(), req)
	if err != nil {
		s.logger.Warn("Navigate failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Action handles POST /action. Failures still carry the screenshot taken after the attempt.
func (s *Server) Action(w http.ResponseWriter, r *http.Request) {
	var req models.ActionRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err, "")
		return
	}

	res, err := s.actions.Execute(r.Context(), req)
	if err != nil {
		shot := ""
		if res != nil {
			shot = res.Screenshot
		}
		s.logger.Warn("Action failed", zap.String("type", string(req.Type)), zap.Error(err))
		writeError(w, err, shot)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Downloads handles POST /downloads
func (s *Server) Downloads(w http.ResponseWriter, r *http.Request) {
	var req models.DownloadsRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err, "")
		return
	}

	files, err := s.actions.Downloads(r.Context(), req.ProfileID)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"files": files})
}

// Extract handles POST /extract
func (s *Server) Extract(w http.ResponseWriter, r *http.Request) {
	var req models.ExtractRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err, "")
		return
	}

	data, err := s.actions.Extract(r.Context(), req)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"data": data})
}

// Status handles GET /status
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	status, err := s.sessions.Status(r.Context())
	if err != nil {
		if status == nil {
			status = &models.SessionStatusResponse{}
		}
		status.Active = false
		status.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
