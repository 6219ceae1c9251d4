// Package api exposes the action protocol and the management routes over HTTP.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbot/internal/agent"
	"github.com/shehryarbajwa/browserbot/internal/ratelimit"
	"github.com/shehryarbajwa/browserbot/pkg/models"
)

// Sessions reports on the live browser.
type Sessions interface {
	Status(ctx context.Context) (*models.SessionStatusResponse, error)
	Offline(ctx context.Context, profileID string, fn func() error) error
}

// Profiles manages the profile registry and its on-disk state.
type Profiles interface {
	Create(ctx context.Context, req models.CreateProfileRequest) (*models.Profile, error)
	Get(ctx context.Context, id string) (*models.Profile, error)
	List(ctx context.Context) ([]models.Profile, error)
	Delete(ctx context.Context, id string) error
	Ensure(ctx context.Context, id string) (string, error)
	Export(ctx context.Context, id string, w io.Writer) error
	Restore(ctx context.Context, id string, r io.Reader) error
}

// Tasks is the scheduled task CRUD surface.
type Tasks interface {
	List(ctx context.Context, profileID string) ([]models.ScheduledTask, error)
	Create(ctx context.Context, profileID string, req models.CreateTaskRequest) (*models.ScheduledTask, error)
	Update(ctx context.Context, profileID, id string, req models.CreateTaskRequest) (*models.ScheduledTask, error)
	Toggle(ctx context.Context, profileID, id string) (*models.ScheduledTask, error)
	Delete(ctx context.Context, profileID, id string) error
}

// Chats runs conversation turns.
type Chats interface {
	History(ctx context.Context, profileID string) ([]models.Message, error)
	Submit(ctx context.Context, profileID, text string) (*models.ChatResponse, error)
	Retry(ctx context.Context, profileID string) (*models.ChatResponse, error)
}

// Logs reads the action log.
type Logs interface {
	ListLogs(ctx context.Context, profileID string, limit int) ([]models.ActionLog, error)
}

// Deps are the components served by the API. Events and Limiter are optional.
// ChatTimeout is how long one conversation turn may run; chat responses get
// at least that long to be written whatever the server's write timeout is.
type Deps struct {
	Actions  agent.Dispatcher
	Sessions Sessions
	Profiles Profiles
	Tasks    Tasks
	Chats    Chats
	Logs     Logs
	Events   http.Handler
	Limiter  *ratelimit.Limiter
	MaxBody  int64

	ChatTimeout time.Duration
}

// Server holds dependencies for HTTP handlers
type Server struct {
	actions  agent.Dispatcher
	sessions Sessions
	profiles Profiles
	tasks    Tasks
	chats    Chats
	logs     Logs
	events   http.Handler
	limiter  *ratelimit.Limiter
	maxBody  int64
	logger   *zap.Logger

	chatTimeout time.Duration
}

func NewServer(d Deps, logger *zap.Logger) *Server {
	return &Server{
		actions:  d.Actions,
		sessions: d.Sessions,
		profiles: d.Profiles,
		tasks:    d.Tasks,
		chats:    d.Chats,
		logs:     d.Logs,
		events:   d.Events,
		limiter:  d.Limiter,
		maxBody:  d.MaxBody,
		logger:   logger.Named("api"),

		chatTimeout: d.ChatTimeout,
	}
}

// Routes configures all HTTP routes
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()

	// Action protocol (rate limited per profile)
	r.Handle("/navigate", s.limited(s.Navigate)).Methods(http.MethodPost, http.MethodOptions)
	r.Handle("/action", s.limited(s.Action)).Methods(http.MethodPost, http.MethodOptions)
	r.Handle("/downloads", s.limited(s.Downloads)).Methods(http.MethodPost, http.MethodOptions)
	r.Handle("/extract", s.limited(s.Extract)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/status", s.Status).Methods(http.MethodGet, http.MethodOptions)

	api := r.PathPrefix("/v1").Subrouter()

	// Profile endpoints
	api.HandleFunc("/profiles", s.ListProfiles).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/profiles", s.CreateProfile).Methods(http.MethodPost)
	api.HandleFunc("/profiles/{id}", s.GetProfile).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/profiles/{id}", s.DeleteProfile).Methods(http.MethodDelete)
	api.HandleFunc("/profiles/{id}/archive", s.ExportProfile).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/profiles/{id}/archive", s.RestoreProfile).Methods(http.MethodPut)

	// Task endpoints
	api.HandleFunc("/profiles/{id}/tasks", s.ListTasks).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/profiles/{id}/tasks", s.CreateTask).Methods(http.MethodPost)
	api.HandleFunc("/profiles/{id}/tasks/{taskId}", s.UpdateTask).Methods(http.MethodPut, http.MethodOptions)
	api.HandleFunc("/profiles/{id}/tasks/{taskId}", s.DeleteTask).Methods(http.MethodDelete)
	api.HandleFunc("/profiles/{id}/tasks/{taskId}/toggle", s.ToggleTask).Methods(http.MethodPost, http.MethodOptions)

	// Conversation endpoints (chat is rate limited like actions)
	api.HandleFunc("/profiles/{id}/messages", s.ListMessages).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/profiles/{id}/logs", s.ListLogs).Methods(http.MethodGet, http.MethodOptions)
	api.Handle("/profiles/{id}/chat", s.limited(s.Chat)).Methods(http.MethodPost, http.MethodOptions)
	api.Handle("/profiles/{id}/chat/retry", s.limited(s.RetryChat)).Methods(http.MethodPost, http.MethodOptions)

	if s.events != nil {
		api.Handle("/events", s.events).Methods(http.MethodGet)
	}

	r.Use(corsMiddleware)
	r.Use(LoggingMiddleware(s.logger))

	return r
}

func (s *Server) limited(h http.HandlerFunc) http.Handler {
	if s.limiter == nil {
		return h
	}
	return RateLimitMiddleware(s.limiter)(h)
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Profile-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
