// Package app wires the interview service together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/RLAsoftware/category-of-one/internal/auth"
	"github.com/RLAsoftware/category-of-one/internal/config"
	"github.com/RLAsoftware/category-of-one/internal/conversation"
	"github.com/RLAsoftware/category-of-one/internal/events"
	"github.com/RLAsoftware/category-of-one/internal/httpapi"
	"github.com/RLAsoftware/category-of-one/internal/lifecycle"
	"github.com/RLAsoftware/category-of-one/internal/llm"
	"github.com/RLAsoftware/category-of-one/internal/logging"
	"github.com/RLAsoftware/category-of-one/internal/observability"
	"github.com/RLAsoftware/category-of-one/internal/store"
	"github.com/RLAsoftware/category-of-one/internal/synthesis"
)

type LLMInfo struct {
	Provider     string
	Detail       string
	DefaultModel string
}

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Store     store.Store
	Engine    *conversation.Engine
	Lifecycle *lifecycle.Manager
	Synthesis *synthesis.Pipeline
	Bus       events.Bus
	Metrics   *observability.Metrics
	LLM       LLMInfo

	// Cleanup should be called on shutdown to release external resources (DB, redis).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, log *logging.Logger) (*BuildResult, error) {
	if log == nil {
		log = logging.Nop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	if path := strings.TrimSpace(cfg.BootstrapFile); path != "" {
		f, err := loadBootstrap(path)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		seeder, ok := st.(store.Seeder)
		if !ok {
			_ = st.Close()
			return nil, errors.New("store does not support bootstrap seeding")
		}
		res, err := applyBootstrap(ctx, seeder, f)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		log.Info("directory bootstrapped", "clients", res.Clients, "roles", res.Roles)
	}

	llmSetup, err := resolveGateway(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	settings := llm.NewSettingsSource(st, llm.Settings{
		Model:                 cfg.DefaultModel,
		ChatSystemPrompt:      cfg.ChatSystemPrompt,
		SynthesisSystemPrompt: cfg.SynthesisSystemPrompt,
	})

	var bus events.Bus
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		rb, err := events.NewRedisBus(log, cfg.RedisAddr, cfg.RedisEvents)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("redis events init failed: %w", err)
		}
		bus = rb
	} else {
		bus = events.NewHub()
	}

	pipeline := synthesis.New(synthesis.Deps{
		Store:    st,
		Gateway:  llmSetup.gateway,
		Settings: settings,
		Logger:   log,
		Metrics:  metrics,
		Events:   bus,
	}, cfg.SynthesisTimeout)

	engine := conversation.New(conversation.Deps{
		Store:       st,
		Gateway:     llmSetup.gateway,
		Settings:    settings,
		Synthesizer: pipeline,
		Logger:      log,
		Metrics:     metrics,
		Events:      bus,
	}, conversation.Config{
		Limits: conversation.Limits{
			TriggerCount: cfg.SynthesisTrigger,
			WarnCount:    cfg.WarnThreshold,
			MaxMessages:  cfg.MaxMessages,
		},
		StreamTimeout: cfg.StreamTimeout,
		CoalesceChars: cfg.CoalesceChars,
	})

	manager := lifecycle.New(lifecycle.Deps{
		Store:        st,
		Conversation: engine,
		Logger:       log,
		Metrics:      metrics,
		Events:       bus,
	})

	var verifier *auth.Verifier
	if !cfg.AuthDisabled {
		verifier = auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience)
	} else {
		log.Warn("authentication disabled; X-Dev-Email is trusted")
	}
	authenticator := auth.NewAuthenticator(verifier, st, cfg.AuthDisabled)

	api := httpapi.New(httpapi.Deps{
		Config:       cfg,
		Store:        st,
		Conversation: engine,
		Lifecycle:    manager,
		Synthesis:    pipeline,
		Settings:     settings,
		Gateway:      llmSetup.gateway,
		Auth:         authenticator,
		Bus:          bus,
		Logger:       log,
		Metrics:      metrics,
	})

	cleanup := func() error {
		var errs []error
		if err := bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("events: %w", err))
		}
		if err := st.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Store:     st,
		Engine:    engine,
		Lifecycle: manager,
		Synthesis: pipeline,
		Bus:       bus,
		Metrics:   metrics,
		LLM: LLMInfo{
			Provider:     llmSetup.resolvedProvider,
			Detail:       llmSetup.detail,
			DefaultModel: settings.Defaults().Model,
		},
		Cleanup: cleanup,
	}, nil
}
