package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbot/internal/ratelimit"
	"github.com/shehryarbajwa/browserbot/pkg/models"
)

// peekLimit bounds how much of a body is buffered to find its profileId.
const peekLimit = 1 << 20

// RateLimitMiddleware creates a middleware that enforces per-profile rate limits
func RateLimitMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			profileID := models.NormalizeProfileID(getProfileID(r))
			limit := strconv.Itoa(limiter.RequestsPerHour())

			if !limiter.Allow(profileID) {
				w.Header().Set("X-RateLimit-Limit", limit)
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
					Error: "Rate limit exceeded. Maximum " + limit + " requests per hour per profile.",
				})
				return
			}

			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens(profileID))))
			next.ServeHTTP(w, r)
		})
	}
}

// getProfileID extracts the profile id from the route, the query, a header
// or the JSON body, in that order. The body is left readable.
func getProfileID(r *http.Request) string {
	if id := mux.Vars(r)["id"]; id != "" {
		return id
	}
	if id := r.URL.Query().Get("profileId"); id != "" {
		return id
	}
	if id := r.Header.Get("X-Profile-ID"); id != "" {
		return id
	}
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, peekLimit))
	rest := r.Body
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(raw), rest), rest}
	if err != nil {
		return ""
	}

	var body struct {
		ProfileID string `json:"profileId"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return ""
	}
	return body.ProfileID
}

// LoggingMiddleware logs every request once it completes
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			}
			if rec.status >= http.StatusInternalServerError {
				logger.Warn("Request failed", fields...)
				return
			}
			logger.Debug("Request served", fields...)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Hijack lets the events route upgrade to a websocket through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
