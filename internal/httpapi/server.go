package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/RLAsoftware/category-of-one/internal/auth"
	"github.com/RLAsoftware/category-of-one/internal/config"
	"github.com/RLAsoftware/category-of-one/internal/conversation"
	"github.com/RLAsoftware/category-of-one/internal/events"
	"github.com/RLAsoftware/category-of-one/internal/interview"
	"github.com/RLAsoftware/category-of-one/internal/lifecycle"
	"github.com/RLAsoftware/category-of-one/internal/llm"
	"github.com/RLAsoftware/category-of-one/internal/logging"
	"github.com/RLAsoftware/category-of-one/internal/observability"
	"github.com/RLAsoftware/category-of-one/internal/store"
	"github.com/RLAsoftware/category-of-one/internal/synthesis"
)

// Conversation is the engine surface the transport drives.
type Conversation interface {
	StartConversation(ctx context.Context, sessionID, clientName string, onUpdate conversation.UpdateFunc) (*interview.Message, error)
	SendMessage(ctx context.Context, sessionID, clientName, content string, onUpdate conversation.UpdateFunc) (conversation.Exchange, error)
	Cancel(sessionID string) bool
	State(sessionID string) conversation.StreamState
	Limits() conversation.Limits
}

type Synthesizer interface {
	SynthesizeSession(ctx context.Context, sessionID, clientName string) (synthesis.Result, error)
}

type Deps struct {
	Config       config.Config
	Store        store.Store
	Conversation Conversation
	Lifecycle    *lifecycle.Manager
	Synthesis    Synthesizer
	Settings     *llm.SettingsSource
	Gateway      llm.Gateway
	Auth         *auth.Authenticator
	Bus          events.Bus
	Logger       *logging.Logger
	Metrics      *observability.Metrics
}

type Server struct {
	cfg       config.Config
	store     store.Store
	conv      Conversation
	lifecycle *lifecycle.Manager
	synth     Synthesizer
	settings  *llm.SettingsSource
	gateway   llm.Gateway
	auth      *auth.Authenticator
	bus       events.Bus
	log       *logging.Logger
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
}

func New(deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = logging.Nop()
	}
	cfg := deps.Config
	return &Server{
		cfg:       cfg,
		store:     deps.Store,
		conv:      deps.Conversation,
		lifecycle: deps.Lifecycle,
		synth:     deps.Synthesis,
		settings:  deps.Settings,
		gateway:   deps.Gateway,
		auth:      deps.Auth,
		bus:       deps.Bus,
		log:       log.With("component", "httpapi"),
		metrics:   deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(cfg, r)
			},
		},
	}
}

// originAllowed accepts same-origin browsers, configured app origins, and
// non-browser clients that send no Origin.
func originAllowed(cfg config.Config, r *http.Request) bool {
	if cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	for _, allowed := range cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), u.Scheme+"://"+u.Host) {
			return true
		}
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware(), recoverMiddleware(s.log), accessLogMiddleware(s.log))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/v1/me", s.handleMe)
		r.Get("/v1/interview/settings", s.handleInterviewSettings)
		r.Post("/v1/interview/session", s.handleLoadOrCreate)
		r.Get("/v1/interview/sessions", s.handleListSessions)
		r.Get("/v1/interview/sessions/deleted", s.handleListDeleted)
		r.Get("/v1/interview/sessions/{id}", s.handleGetSession)
		r.Post("/v1/interview/sessions/{id}/messages", s.handleSendMessage)
		r.Post("/v1/interview/sessions/{id}/cancel", s.handleCancel)
		r.Post("/v1/interview/sessions/{id}/synthesize", s.handleSynthesize)
		r.Post("/v1/interview/sessions/{id}/reset", s.handleReset)
		r.Delete("/v1/interview/sessions/{id}", s.handleDelete)
		r.Post("/v1/interview/sessions/{id}/restore", s.handleRestore)
		r.Get("/v1/interview/sessions/{id}/documents/{kind}", s.handleDocument)
		r.Get("/v1/profiles/latest", s.handleLatestProfile)
		r.Get("/v1/interview/ws", s.handleInterviewWS)
		r.Get("/v1/dashboard/ws", s.handleDashboardWS)

		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Get("/llm-config", s.handleGetLLMConfig)
			r.Put("/llm-config", s.handlePutLLMConfig)
			r.Get("/models", s.handleListModels)
			r.Get("/stats", s.handleStats)
			r.Get("/status", s.handleSetupStatus)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			s.log.Warn("readiness check failed", "error", err)
			respondError(w, http.StatusServiceUnavailable, "store_unavailable", "data store is not reachable")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) storeMode() string {
	if strings.TrimSpace(s.cfg.DatabaseURL) != "" {
		return "postgres"
	}
	return "in-memory"
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
