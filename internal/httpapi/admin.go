package httpapi

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/RLAsoftware/category-of-one/internal/auth"
	"github.com/RLAsoftware/category-of-one/internal/llm"
	"github.com/RLAsoftware/category-of-one/internal/observability"
)

func (s *Server) handleGetLLMConfig(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "llm settings are not configured")
		return
	}
	current, err := s.settings.Current(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, current)
}

func (s *Server) handlePutLLMConfig(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "llm settings are not configured")
		return
	}
	var req llm.Settings
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "request body is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Model) == "" && strings.TrimSpace(req.ChatSystemPrompt) == "" && strings.TrimSpace(req.SynthesisSystemPrompt) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "set at least one of model, chat_system_prompt, synthesis_system_prompt")
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	updatedBy := p.Identity.Email
	if updatedBy == "" {
		updatedBy = p.Identity.UserID
	}
	saved, err := s.settings.Update(r.Context(), req, updatedBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("llm config updated", "model", saved.Model, "updated_by", updatedBy)
	respondJSON(w, http.StatusOK, saved)
}

type modelsResponse struct {
	Models []llm.ModelOption `json:"models"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "llm gateway is not configured")
		return
	}
	models, err := s.gateway.ListModels(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sort.SliceStable(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	respondJSON(w, http.StatusOK, modelsResponse{Models: models})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, observability.StageSnapshot{Stages: []observability.StageStats{}})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Stages.Snapshot())
}

type setupCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type setupStatusResponse struct {
	LLMProvider string       `json:"llm_provider"`
	StoreMode   string       `json:"store_mode"`
	EventsMode  string       `json:"events_mode"`
	Checks      []setupCheck `json:"checks"`
}

func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	provider, checks := s.llmChecks()

	storeCheck := setupCheck{ID: "store", Status: "ok", Label: "Session storage", Detail: s.storeMode()}
	if s.storeMode() == "in-memory" {
		storeCheck.Status = "warn"
		storeCheck.Detail = "in-memory only"
		storeCheck.Fix = "Set DATABASE_URL to keep interviews across restarts."
	} else if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			storeCheck.Status = "error"
			storeCheck.Detail = "postgres unreachable"
			storeCheck.Fix = "Check DATABASE_URL and that the database is running."
		}
	}
	checks = append(checks, storeCheck)

	eventsMode := "in-process"
	eventsCheck := setupCheck{ID: "events", Status: "ok", Label: "Dashboard live updates", Detail: eventsMode}
	if strings.TrimSpace(s.cfg.RedisAddr) != "" {
		eventsMode = "redis"
		eventsCheck.Detail = "redis " + s.cfg.RedisEvents
	}
	checks = append(checks, eventsCheck)

	authCheck := setupCheck{ID: "auth", Status: "ok", Label: "Authentication", Detail: "bearer tokens"}
	if s.cfg.AuthDisabled {
		authCheck.Status = "warn"
		authCheck.Detail = "disabled, X-Dev-Email is trusted"
		authCheck.Fix = "Unset AUTH_DISABLED and set AUTH_JWT_SECRET outside local development."
	}
	checks = append(checks, authCheck)

	respondJSON(w, http.StatusOK, setupStatusResponse{
		LLMProvider: provider,
		StoreMode:   s.storeMode(),
		EventsMode:  eventsMode,
		Checks:      checks,
	})
}

func (s *Server) llmChecks() (string, []setupCheck) {
	provider := strings.ToLower(strings.TrimSpace(s.cfg.LLMProvider))
	if provider == "" {
		provider = "auto"
	}
	hasAnthropic := strings.TrimSpace(s.cfg.AnthropicAPIKey) != ""
	hasOpenAI := strings.TrimSpace(s.cfg.OpenAIAPIKey) != ""
	if provider == "auto" {
		switch {
		case hasAnthropic:
			provider = "anthropic"
		case hasOpenAI:
			provider = "openai"
		default:
			provider = "mock"
		}
	}

	switch provider {
	case "anthropic", "openai":
		return provider, []setupCheck{{ID: "llm_key", Status: "ok", Label: "Model provider", Detail: provider}}
	case "mock":
		return provider, []setupCheck{{
			ID:     "llm_key",
			Status: "warn",
			Label:  "Model provider is mock",
			Detail: "Interview replies and profiles are canned.",
			Fix:    "Set ANTHROPIC_API_KEY (or OPENAI_API_KEY) for real interviews.",
		}}
	default:
		return provider, []setupCheck{{ID: "llm_key", Status: "error", Label: "Model provider", Detail: "unknown provider " + provider}}
	}
}
