package synthesis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RLAsoftware/category-of-one/internal/interview"
	"github.com/RLAsoftware/category-of-one/internal/llm"
	"github.com/RLAsoftware/category-of-one/internal/store"
)

const validProfile = `{
  "positioning_statement": "Jo helps founders price with confidence.",
  "unique_differentiation": "Works only from real sales calls.",
  "contrarian_position": null,
  "gap_they_fill": {"frustration": "Endless haggling.", "desired_outcome": "Clients who say yes."},
  "unique_methodology": null,
  "transformation": {"before": "Underpaid.", "after": "Booked out."},
  "competitive_landscape": null,
  "proof_points": ["Raised rates 3x"],
  "voice_notes": null
}`

type scriptedGateway struct {
	mu      sync.Mutex
	replies []string
	err     error
	delay   time.Duration
	calls   atomic.Int32
	systems []string
}

func (g *scriptedGateway) StreamChat(context.Context, llm.ChatRequest) (llm.Stream, error) {
	return nil, errors.New("not used")
}

func (g *scriptedGateway) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	n := int(g.calls.Add(1))
	g.mu.Lock()
	g.systems = append(g.systems, req.SystemPrompt)
	g.mu.Unlock()
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if g.err != nil {
		return "", g.err
	}
	if n > len(g.replies) {
		return g.replies[len(g.replies)-1], nil
	}
	return g.replies[n-1], nil
}

func (g *scriptedGateway) ListModels(context.Context) ([]llm.ModelOption, error) {
	return nil, nil
}

func newFixture(t *testing.T, gw llm.Gateway) (*Pipeline, *store.InMemoryStore, interview.Session) {
	t.Helper()
	st := store.NewInMemoryStore()
	ctx := context.Background()
	client := st.PutClient(interview.Client{Name: "Jo", Email: "jo@example.com"})
	sess, err := st.CreateSession(ctx, client.ID)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	for _, m := range []interview.Message{
		{SessionID: sess.ID, Role: interview.RoleAssistant, Content: "Who do you help?"},
		{SessionID: sess.ID, Role: interview.RoleUser, Content: "I help startups with pricing."},
	} {
		if _, err := st.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}
	settings := llm.NewSettingsSource(st, llm.Settings{})
	p := New(Deps{Store: st, Gateway: gw, Settings: settings}, time.Minute)
	return p, st, sess
}

func TestSynthesizeSuccess(t *testing.T) {
	gw := &scriptedGateway{replies: []string{"```json\n" + validProfile + "\n```"}}
	p, st, sess := newFixture(t, gw)

	res, err := p.SynthesizeSession(context.Background(), sess.ID, "Jo")
	if err != nil {
		t.Fatalf("SynthesizeSession() error = %v", err)
	}
	if res.Attempts != 1 || res.Degraded {
		t.Fatalf("result = %+v, want 1 attempt, not degraded", res)
	}
	if !strings.Contains(res.Profile.FullDocumentMD, "## Positioning Statement") {
		t.Fatalf("full document missing positioning: %q", res.Profile.FullDocumentMD)
	}
	if !strings.HasPrefix(res.Profile.BusinessProfileMD, "# Business Profile: Jo") {
		t.Fatalf("business document = %q", res.Profile.BusinessProfileMD)
	}
	got, _ := st.GetSession(context.Background(), sess.ID)
	if got.Status != interview.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("session = %+v, want completed", got)
	}
}

func TestSynthesizeRetriesThenDegrades(t *testing.T) {
	gw := &scriptedGateway{replies: []string{"```json\n{\"client_name\":\"Jo\"}\n```"}}
	p, st, sess := newFixture(t, gw)

	res, err := p.SynthesizeSession(context.Background(), sess.ID, "Jo")
	if err != nil {
		t.Fatalf("SynthesizeSession() error = %v", err)
	}
	if gw.calls.Load() != 2 {
		t.Fatalf("gateway calls = %d, want 2", gw.calls.Load())
	}
	if !strings.Contains(gw.systems[1], "positioning_statement") || !strings.Contains(gw.systems[1], "missing") {
		t.Fatalf("retry prompt lacks strict addendum: %q", gw.systems[1])
	}
	prof := res.Profile
	if !res.Degraded || !prof.NeedsReview || prof.SynthesisAttempts != 2 || prof.SynthesisError == nil {
		t.Fatalf("profile = %+v, want degraded with 2 attempts", prof)
	}
	if prof.RawResponse == "" {
		t.Fatalf("raw response should be retained")
	}
	got, _ := st.GetSession(context.Background(), sess.ID)
	if got.Status != interview.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestSynthesizeSecondAttemptRecovers(t *testing.T) {
	gw := &scriptedGateway{replies: []string{"I could not do that.", validProfile}}
	p, _, sess := newFixture(t, gw)

	res, err := p.SynthesizeSession(context.Background(), sess.ID, "Jo")
	if err != nil {
		t.Fatalf("SynthesizeSession() error = %v", err)
	}
	if res.Attempts != 2 || res.Degraded || res.Profile.NeedsReview {
		t.Fatalf("result = %+v, want clean second attempt", res)
	}
}

func TestSynthesizeGatewayErrorRevertsToChatting(t *testing.T) {
	gw := &scriptedGateway{err: &llm.GatewayError{Provider: "test", Status: 503, Body: "down"}}
	p, st, sess := newFixture(t, gw)

	_, err := p.SynthesizeSession(context.Background(), sess.ID, "Jo")
	var gwErr *llm.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("SynthesizeSession() error = %v, want *llm.GatewayError", err)
	}
	got, _ := st.GetSession(context.Background(), sess.ID)
	if got.Status != interview.StatusChatting {
		t.Fatalf("status = %s, want chatting", got.Status)
	}
	if _, err := st.GetProfileBySession(context.Background(), sess.ID); !errors.Is(err, interview.ErrNotFound) {
		t.Fatalf("GetProfileBySession() error = %v, want ErrNotFound", err)
	}
}

func TestSynthesizeConcurrentCallsProduceOneProfile(t *testing.T) {
	gw := &scriptedGateway{replies: []string{validProfile}, delay: 50 * time.Millisecond}
	p, st, sess := newFixture(t, gw)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.SynthesizeSession(context.Background(), sess.ID, "Jo")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil && !errors.Is(err, ErrAlreadySynthesizing) {
			t.Fatalf("call %d error = %v", i, err)
		}
	}
	if gw.calls.Load() != 1 {
		t.Fatalf("gateway calls = %d, want 1", gw.calls.Load())
	}

	// A later trigger on the completed session returns the stored profile.
	res, err := p.SynthesizeSession(context.Background(), sess.ID, "Jo")
	if err != nil {
		t.Fatalf("SynthesizeSession() error = %v", err)
	}
	if !res.Deduplicated {
		t.Fatalf("Deduplicated = false, want true")
	}
	prof, err := st.GetProfileBySession(context.Background(), sess.ID)
	if err != nil || prof.ID != res.Profile.ID {
		t.Fatalf("stored profile = %+v (%v), want %s", prof, err, res.Profile.ID)
	}
}

func TestSynthesizeCallerCancelDoesNotAbortRun(t *testing.T) {
	gw := &scriptedGateway{replies: []string{validProfile}, delay: 30 * time.Millisecond}
	p, st, sess := newFixture(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.SynthesizeSession(ctx, sess.ID, "Jo"); err != nil {
		t.Fatalf("SynthesizeSession() error = %v", err)
	}
	got, _ := st.GetSession(context.Background(), sess.ID)
	if got.Status != interview.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestBuildTranscript(t *testing.T) {
	got := BuildTranscript("Jo", []interview.Message{
		{Role: interview.RoleAssistant, Content: "Who do you help?"},
		{Role: interview.RoleUser, Content: " Founders. "},
	})
	want := "Client Name: Jo\n\nConversation Transcript:\n\nInterviewer: Who do you help?\n\nJo: Founders."
	if got != want {
		t.Fatalf("BuildTranscript() = %q, want %q", got, want)
	}
}
