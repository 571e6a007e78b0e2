package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RLAsoftware/category-of-one/internal/interview"
)

// Settings is the effective model and prompt configuration.
type Settings struct {
	Model                 string    `json:"model"`
	ChatSystemPrompt      string    `json:"chat_system_prompt"`
	SynthesisSystemPrompt string    `json:"synthesis_system_prompt"`
	UpdatedBy             string    `json:"updated_by,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// ConfigStore is the persistence the settings source reads and writes.
type ConfigStore interface {
	GetLLMConfig(ctx context.Context, name string) (interview.LLMConfig, error)
	SaveLLMConfig(ctx context.Context, cfg interview.LLMConfig) (interview.LLMConfig, error)
}

// SettingsSource resolves the admin-edited configuration row, filling
// anything unset from process defaults.
type SettingsSource struct {
	store    ConfigStore
	defaults Settings
}

func NewSettingsSource(store ConfigStore, defaults Settings) *SettingsSource {
	if strings.TrimSpace(defaults.Model) == "" {
		defaults.Model = DefaultModel
	}
	if strings.TrimSpace(defaults.ChatSystemPrompt) == "" {
		defaults.ChatSystemPrompt = DefaultChatSystemPrompt
	}
	if strings.TrimSpace(defaults.SynthesisSystemPrompt) == "" {
		defaults.SynthesisSystemPrompt = DefaultSynthesisSystemPrompt
	}
	return &SettingsSource{store: store, defaults: defaults}
}

func (s *SettingsSource) Defaults() Settings {
	return s.defaults
}

// Current never fails on a missing row; only store errors surface.
func (s *SettingsSource) Current(ctx context.Context) (Settings, error) {
	out := s.defaults
	if s.store == nil {
		return out, nil
	}
	cfg, err := s.store.GetLLMConfig(ctx, ConfigName)
	if errors.Is(err, interview.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("load llm config: %w", err)
	}
	if v := strings.TrimSpace(cfg.Model); v != "" {
		out.Model = v
	}
	if strings.TrimSpace(cfg.ChatSystemPrompt) != "" {
		out.ChatSystemPrompt = cfg.ChatSystemPrompt
	}
	if strings.TrimSpace(cfg.SynthesisSystemPrompt) != "" {
		out.SynthesisSystemPrompt = cfg.SynthesisSystemPrompt
	}
	out.UpdatedBy = cfg.UpdatedBy
	out.UpdatedAt = cfg.UpdatedAt
	return out, nil
}

// Update persists a new configuration. Blank fields keep their current value.
func (s *SettingsSource) Update(ctx context.Context, next Settings, updatedBy string) (Settings, error) {
	if s.store == nil {
		return Settings{}, errors.New("llm settings store not configured")
	}
	current, err := s.Current(ctx)
	if err != nil {
		return Settings{}, err
	}
	if strings.TrimSpace(next.Model) != "" {
		current.Model = strings.TrimSpace(next.Model)
	}
	if strings.TrimSpace(next.ChatSystemPrompt) != "" {
		current.ChatSystemPrompt = next.ChatSystemPrompt
	}
	if strings.TrimSpace(next.SynthesisSystemPrompt) != "" {
		current.SynthesisSystemPrompt = next.SynthesisSystemPrompt
	}
	saved, err := s.store.SaveLLMConfig(ctx, interview.LLMConfig{
		Name:                  ConfigName,
		Model:                 current.Model,
		ChatSystemPrompt:      current.ChatSystemPrompt,
		SynthesisSystemPrompt: current.SynthesisSystemPrompt,
		UpdatedBy:             updatedBy,
		UpdatedAt:             time.Now().UTC(),
	})
	if err != nil {
		return Settings{}, fmt.Errorf("save llm config: %w", err)
	}
	current.UpdatedBy = saved.UpdatedBy
	current.UpdatedAt = saved.UpdatedAt
	return current, nil
}
