package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/RLAsoftware/category-of-one/internal/interview"
	"github.com/RLAsoftware/category-of-one/internal/store"
)

func TestRenderChatPrompt(t *testing.T) {
	tests := []struct {
		name     string
		template string
		want     string
	}{
		{name: "mustache tag", template: "Interview {{client_name}} now.", want: "Interview O'Brien now."},
		{name: "legacy token", template: "Hello [CLIENT_NAME], and bye [CLIENT_NAME].", want: "Hello O'Brien, and bye O'Brien."},
		{name: "triple tag", template: "{{{client_name}}}!", want: "O'Brien!"},
		{name: "stray braces", template: "Use {{#broken for [CLIENT_NAME]", want: "Use {{#broken for O'Brien"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := RenderChatPrompt(tc.template, " O'Brien "); got != tc.want {
				t.Fatalf("RenderChatPrompt() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestStripCompletionMarker(t *testing.T) {
	in := "Great, I have everything I need.\n\n" + CompletionMarker + "\n"
	if !HasCompletionMarker(in) {
		t.Fatalf("HasCompletionMarker() = false")
	}
	if got := StripCompletionMarker(in); got != "Great, I have everything I need." {
		t.Fatalf("StripCompletionMarker() = %q", got)
	}
}

func TestSeedTurn(t *testing.T) {
	got := SeedTurn("Jo")
	if got.Role != "user" || got.Content != "Hi, I'm Jo. I'm ready to discover my Category of One positioning." {
		t.Fatalf("SeedTurn() = %+v", got)
	}
}

func TestSettingsSourceFallsBackAndUpdates(t *testing.T) {
	st := store.NewInMemoryStore()
	src := NewSettingsSource(st, Settings{})
	ctx := context.Background()

	cur, err := src.Current(ctx)
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if cur.Model != DefaultModel || cur.ChatSystemPrompt != DefaultChatSystemPrompt {
		t.Fatalf("Current() without row = %+v", cur)
	}

	updated, err := src.Update(ctx, Settings{Model: "claude-3-5-haiku-20241022"}, "admin@example.com")
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Model != "claude-3-5-haiku-20241022" || updated.SynthesisSystemPrompt != DefaultSynthesisSystemPrompt {
		t.Fatalf("Update() = %+v", updated)
	}
	row, err := st.GetLLMConfig(ctx, ConfigName)
	if err != nil {
		t.Fatalf("GetLLMConfig() error = %v", err)
	}
	if row.UpdatedBy != "admin@example.com" {
		t.Fatalf("UpdatedBy = %q", row.UpdatedBy)
	}
}

type failingConfigStore struct{}

func (failingConfigStore) GetLLMConfig(context.Context, string) (interview.LLMConfig, error) {
	return interview.LLMConfig{}, errors.New("db down")
}

func (failingConfigStore) SaveLLMConfig(context.Context, interview.LLMConfig) (interview.LLMConfig, error) {
	return interview.LLMConfig{}, errors.New("db down")
}

func TestSettingsSourceSurfacesStoreErrors(t *testing.T) {
	src := NewSettingsSource(failingConfigStore{}, Settings{})
	cur, err := src.Current(context.Background())
	if err == nil {
		t.Fatalf("Current() error = nil, want error")
	}
	if cur.Model != DefaultModel {
		t.Fatalf("Current() on error should still carry defaults, got %+v", cur)
	}
}

func TestMockGatewaySignalsReadiness(t *testing.T) {
	g := NewMockGateway(2)
	ctx := context.Background()

	read := func(turns []Turn) string {
		s, err := g.StreamChat(ctx, ChatRequest{Turns: turns, ClientName: "Jo"})
		if err != nil {
			t.Fatalf("StreamChat() error = %v", err)
		}
		var b strings.Builder
		for {
			d, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return b.String()
			}
			if err != nil {
				t.Fatalf("Recv() error = %v", err)
			}
			b.WriteString(d)
		}
	}

	opening := read([]Turn{SeedTurn("Jo")})
	if !strings.HasPrefix(opening, "Hi Jo!") || HasCompletionMarker(opening) {
		t.Fatalf("opening = %q", opening)
	}
	final := read([]Turn{SeedTurn("Jo"), {Role: "assistant", Content: opening}, {Role: "user", Content: "coaches"}})
	if !HasCompletionMarker(final) {
		t.Fatalf("final reply missing marker: %q", final)
	}

	raw, err := g.Complete(ctx, CompletionRequest{})
	if err != nil || !strings.Contains(raw, "positioning_statement") {
		t.Fatalf("Complete() = %q, %v", raw, err)
	}
}
