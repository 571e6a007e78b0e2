package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/RLAsoftware/category-of-one/internal/config"
	"github.com/RLAsoftware/category-of-one/internal/store"
)

func writeBootstrap(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clients.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestBuildWiresMockStack(t *testing.T) {
	path := writeBootstrap(t, `
[[clients]]
name = "Jo Rivera"
email = "jo@example.com"

[[roles]]
user_id = "dev:boss@example.com"
role = "admin"
`)
	cfg := config.Config{
		MetricsNamespace: "test_app_build",
		AuthDisabled:     true,
		BootstrapFile:    path,
		LLMProvider:      "auto",
		SynthesisTrigger: 40,
		WarnThreshold:    80,
		MaxMessages:      100,
		StreamTimeout:    5 * time.Second,
		SynthesisTimeout: 10 * time.Second,
	}
	ctx := context.Background()
	res, err := Build(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup()

	if res.LLM.Provider != "mock" || res.LLM.DefaultModel == "" {
		t.Fatalf("LLM = %+v, want mock with a default model", res.LLM)
	}
	if got := res.Engine.Limits(); got.TriggerCount != 40 || got.MaxMessages != 100 {
		t.Fatalf("Limits() = %+v", got)
	}
	client, err := res.Store.ClientByEmail(ctx, "jo@example.com")
	if err != nil || client.Name != "Jo Rivera" {
		t.Fatalf("ClientByEmail() = %+v, %v", client, err)
	}
	if role, err := res.Store.UserRole(ctx, "dev:boss@example.com"); err != nil || role != "admin" {
		t.Fatalf("UserRole() = %q, %v", role, err)
	}

	view, err := res.Lifecycle.LoadOrCreate(ctx, client, nil)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if len(view.Messages) != 1 {
		t.Fatalf("messages = %d, want opening message", len(view.Messages))
	}
}

func TestLoadBootstrapRejectsUnknownKeys(t *testing.T) {
	path := writeBootstrap(t, `
[[clients]]
name = "Jo"
emial = "jo@example.com"
`)
	if _, err := loadBootstrap(path); err == nil {
		t.Fatalf("loadBootstrap() error = nil for misspelled key")
	}
}

func TestApplyBootstrapValidates(t *testing.T) {
	st := store.NewInMemoryStore()
	_, err := applyBootstrap(context.Background(), st, bootstrapFile{
		Roles: []bootstrapRole{{UserID: "u1"}},
	})
	if err == nil {
		t.Fatalf("applyBootstrap() error = nil for role without a name")
	}
}
