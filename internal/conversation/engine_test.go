package conversation

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RLAsoftware/category-of-one/internal/interview"
	"github.com/RLAsoftware/category-of-one/internal/llm"
	"github.com/RLAsoftware/category-of-one/internal/store"
	"github.com/RLAsoftware/category-of-one/internal/synthesis"
)

type fakeGateway struct {
	mu       sync.Mutex
	replies  []string
	requests []llm.ChatRequest
	err      error
	// stall, when set, blocks every Recv after the first word until closed.
	stall chan struct{}
}

func (g *fakeGateway) StreamChat(_ context.Context, req llm.ChatRequest) (llm.Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	reply := "Hello there."
	if n := len(g.requests); len(g.replies) > 0 {
		if n > len(g.replies) {
			n = len(g.replies)
		}
		reply = g.replies[n-1]
	}
	return &fakeStream{words: strings.SplitAfter(reply, " "), stall: g.stall, closed: make(chan struct{})}, nil
}

func (g *fakeGateway) Complete(context.Context, llm.CompletionRequest) (string, error) {
	return "", errors.New("not used")
}

func (g *fakeGateway) ListModels(context.Context) ([]llm.ModelOption, error) {
	return nil, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type fakeStream struct {
	words     []string
	i         int
	stall     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeStream) Recv() (string, error) {
	if s.stall != nil && s.i > 0 {
		select {
		case <-s.stall:
		case <-s.closed:
			return "", errors.New("stream closed")
		}
	}
	if s.i >= len(s.words) {
		return "", io.EOF
	}
	w := s.words[s.i]
	s.i++
	return w, nil
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type fakeSynth struct {
	mu    sync.Mutex
	calls []synthesis.Request
	err   error
}

func (f *fakeSynth) Synthesize(_ context.Context, req synthesis.Request) (synthesis.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return synthesis.Result{}, f.err
	}
	return synthesis.Result{Attempts: 1}, nil
}

type fixture struct {
	engine *Engine
	store  *store.InMemoryStore
	gw     *fakeGateway
	synth  *fakeSynth
	sess   interview.Session
}

func newFixture(t *testing.T, gw *fakeGateway, cfg Config) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	client := st.PutClient(interview.Client{Name: "Jo", Email: "jo@example.com"})
	sess, err := st.CreateSession(context.Background(), client.ID)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	synth := &fakeSynth{}
	if cfg.CoalesceChars == 0 {
		cfg.CoalesceChars = 1
	}
	e := New(Deps{
		Store:       st,
		Gateway:     gw,
		Settings:    llm.NewSettingsSource(st, llm.Settings{}),
		Synthesizer: synth,
	}, cfg)
	return &fixture{engine: e, store: st, gw: gw, synth: synth, sess: sess}
}

func (f *fixture) messages(t *testing.T) []interview.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), f.sess.ID)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	return msgs
}

func (f *fixture) session(t *testing.T) interview.Session {
	t.Helper()
	sess, err := f.store.GetSession(context.Background(), f.sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	return sess
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartConversationAppendsOneOpeningMessage(t *testing.T) {
	f := newFixture(t, &fakeGateway{replies: []string{"Hi Jo! Who do you help?"}}, Config{Limits: DefaultLimits()})
	ctx := context.Background()

	var updates []Update
	msg, err := f.engine.StartConversation(ctx, f.sess.ID, "Jo", func(u Update) { updates = append(updates, u) })
	if err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	if msg == nil || msg.Role != interview.RoleAssistant || msg.Content != "Hi Jo! Who do you help?" {
		t.Fatalf("StartConversation() = %+v", msg)
	}
	if len(updates) < 2 {
		t.Fatalf("updates = %d, want streaming deltas plus a final update", len(updates))
	}
	last := updates[len(updates)-1]
	if last.IsStreaming || last.Content != msg.Content || last.MessageID != msg.ID {
		t.Fatalf("final update = %+v", last)
	}
	for _, u := range updates[:len(updates)-1] {
		if !u.IsStreaming {
			t.Fatalf("intermediate update not streaming: %+v", u)
		}
	}
	req := f.gw.requests[0]
	if len(req.Turns) != 1 || !strings.Contains(req.Turns[0].Content, "Hi, I'm Jo.") {
		t.Fatalf("seed turns = %+v", req.Turns)
	}
	if !strings.Contains(req.SystemPrompt, "Jo") || strings.Contains(req.SystemPrompt, "{{client_name}}") {
		t.Fatalf("system prompt not rendered for client")
	}

	again, err := f.engine.StartConversation(ctx, f.sess.ID, "Jo", nil)
	if err != nil || again != nil {
		t.Fatalf("second StartConversation() = %+v, %v, want no-op", again, err)
	}
	if got := len(f.messages(t)); got != 1 {
		t.Fatalf("messages = %d, want 1", got)
	}
	if got := f.session(t).MessageCount; got != 0 {
		t.Fatalf("MessageCount = %d, want 0", got)
	}
}

func TestSendMessageAppendsExchangeAndCountsTwo(t *testing.T) {
	f := newFixture(t, &fakeGateway{replies: []string{"What do they pay today?"}}, Config{Limits: DefaultLimits()})
	ctx := context.Background()
	if _, err := f.store.RecordExchange(ctx, f.sess.ID, 4, time.Now()); err != nil {
		t.Fatalf("RecordExchange() error = %v", err)
	}

	ex, err := f.engine.SendMessage(ctx, f.sess.ID, "Jo", "I help startups with pricing", nil)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if ex.Session.MessageCount != 6 {
		t.Fatalf("MessageCount = %d, want 6", ex.Session.MessageCount)
	}
	msgs := f.messages(t)
	if len(msgs) != 2 || msgs[0].Role != interview.RoleUser || msgs[1].Role != interview.RoleAssistant {
		t.Fatalf("messages = %+v, want user then assistant", msgs)
	}
	if msgs[0].Content != "I help startups with pricing" || msgs[1].Content != "What do they pay today?" {
		t.Fatalf("message contents = %q, %q", msgs[0].Content, msgs[1].Content)
	}
	if ex.SynthesisTriggered {
		t.Fatalf("synthesis should not trigger")
	}
	if f.engine.State(f.sess.ID) != StateIdle {
		t.Fatalf("State() = %s, want idle", f.engine.State(f.sess.ID))
	}
}

func TestRepeatedExchangesCountTwoEach(t *testing.T) {
	f := newFixture(t, &fakeGateway{}, Config{Limits: DefaultLimits()})
	ctx := context.Background()
	if _, err := f.engine.StartConversation(ctx, f.sess.ID, "Jo", nil); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := f.engine.SendMessage(ctx, f.sess.ID, "Jo", "answer", nil); err != nil {
			t.Fatalf("SendMessage(%d) error = %v", i, err)
		}
	}
	if got := f.session(t).MessageCount; got != 10 {
		t.Fatalf("MessageCount = %d, want 10", got)
	}
	// The persisted opening message is preceded by the seed turn on the wire.
	last := f.gw.requests[len(f.gw.requests)-1]
	if last.Turns[0].Role != "user" || last.Turns[1].Role != "assistant" {
		t.Fatalf("turn order = %+v", last.Turns[:2])
	}
	if len(last.Turns) != 1+1+2*4+1 {
		t.Fatalf("turns = %d, want full transcript plus seed", len(last.Turns))
	}
}

func TestCompletionMarkerStrippedAndTriggersSynthesis(t *testing.T) {
	reply := "Thank you Jo, I have what I need. " + llm.CompletionMarker
	f := newFixture(t, &fakeGateway{replies: []string{reply}}, Config{Limits: DefaultLimits()})

	var display strings.Builder
	ex, err := f.engine.SendMessage(context.Background(), f.sess.ID, "Jo", "That's everything", func(u Update) {
		if u.IsStreaming {
			display.WriteString(u.Delta)
		}
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if strings.Contains(display.String(), "SYNTHESIS") || strings.Contains(display.String(), "[") {
		t.Fatalf("display leaked marker: %q", display.String())
	}
	if ex.AssistantMessage.Content != "Thank you Jo, I have what I need." {
		t.Fatalf("persisted content = %q", ex.AssistantMessage.Content)
	}
	if !ex.SynthesisTriggered || ex.Synthesis == nil {
		t.Fatalf("exchange = %+v, want synthesis triggered", ex)
	}
	if len(f.synth.calls) != 1 || f.synth.calls[0].ClientName != "Jo" {
		t.Fatalf("synth calls = %+v", f.synth.calls)
	}
}

func TestFailsafeThresholdTriggersSynthesisWithoutMarker(t *testing.T) {
	f := newFixture(t, &fakeGateway{}, Config{Limits: DefaultLimits()})
	ctx := context.Background()
	if _, err := f.store.RecordExchange(ctx, f.sess.ID, 38, time.Now()); err != nil {
		t.Fatalf("RecordExchange() error = %v", err)
	}
	ex, err := f.engine.SendMessage(ctx, f.sess.ID, "Jo", "more detail", nil)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if ex.Session.MessageCount != 40 || !ex.SynthesisTriggered {
		t.Fatalf("exchange = %+v, want count 40 and synthesis", ex)
	}
}

func TestSynthesisFailureIsReportedNotReturned(t *testing.T) {
	f := newFixture(t, &fakeGateway{replies: []string{"Done. " + llm.CompletionMarker}}, Config{Limits: DefaultLimits()})
	f.synth.err = errors.New("provider down")
	ex, err := f.engine.SendMessage(context.Background(), f.sess.ID, "Jo", "bye", nil)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if ex.SynthesisErr == nil || ex.Synthesis != nil {
		t.Fatalf("exchange = %+v, want SynthesisErr", ex)
	}
}

func TestCeilingFlagsSessionWithoutChangingStatus(t *testing.T) {
	f := newFixture(t, &fakeGateway{}, Config{Limits: Limits{WarnCount: 80, MaxMessages: 100}})
	ctx := context.Background()
	if _, err := f.store.RecordExchange(ctx, f.sess.ID, 98, time.Now()); err != nil {
		t.Fatalf("RecordExchange() error = %v", err)
	}
	ex, err := f.engine.SendMessage(ctx, f.sess.ID, "Jo", "still going", nil)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	sess := f.session(t)
	if !sess.FlaggedForReview || sess.Status != interview.StatusChatting || sess.MessageCount != 100 {
		t.Fatalf("session = %+v, want flagged, chatting, 100", sess)
	}
	if ex.SynthesisTriggered {
		t.Fatalf("disabled trigger should not synthesize")
	}
}

func TestSendMessageRejections(t *testing.T) {
	f := newFixture(t, &fakeGateway{}, Config{Limits: DefaultLimits()})
	ctx := context.Background()

	if _, err := f.engine.SendMessage(ctx, f.sess.ID, "Jo", "   ", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("SendMessage(blank) error = %v, want ErrEmptyMessage", err)
	}
	if _, err := f.store.TransitionStatus(ctx, f.sess.ID, []interview.Status{interview.StatusChatting}, interview.StatusGeneratingProfile); err != nil {
		t.Fatalf("TransitionStatus() error = %v", err)
	}
	if _, err := f.engine.SendMessage(ctx, f.sess.ID, "Jo", "hello", nil); !errors.Is(err, ErrSessionNotChatting) {
		t.Fatalf("SendMessage(generating) error = %v, want ErrSessionNotChatting", err)
	}
	if got := len(f.messages(t)); got != 0 {
		t.Fatalf("messages = %d, want no side effects", got)
	}
}

func TestBusySessionRejectsAndCancelIsSilent(t *testing.T) {
	gw := &fakeGateway{replies: []string{"This reply never finishes"}, stall: make(chan struct{})}
	f := newFixture(t, gw, Config{Limits: DefaultLimits()})
	ctx := context.Background()

	type result struct {
		ex  Exchange
		err error
	}
	done := make(chan result, 1)
	go func() {
		ex, err := f.engine.SendMessage(ctx, f.sess.ID, "Jo", "first", nil)
		done <- result{ex, err}
	}()
	waitFor(t, "stream to start", func() bool { return gw.callCount() == 1 })

	if _, err := f.engine.SendMessage(ctx, f.sess.ID, "Jo", "second", nil); !errors.Is(err, ErrStreamInProgress) {
		t.Fatalf("concurrent SendMessage() error = %v, want ErrStreamInProgress", err)
	}
	if msg, err := f.engine.StartConversation(ctx, f.sess.ID, "Jo", nil); msg != nil || err != nil {
		t.Fatalf("StartConversation() while busy = %+v, %v, want no-op", msg, err)
	}
	if !f.engine.Cancel(f.sess.ID) {
		t.Fatalf("Cancel() = false, want true")
	}

	res := <-done
	if res.err != nil || !res.ex.Cancelled {
		t.Fatalf("cancelled SendMessage() = %+v, %v", res.ex, res.err)
	}
	msgs := f.messages(t)
	if len(msgs) != 1 || msgs[0].Role != interview.RoleUser || msgs[0].Content != "first" {
		t.Fatalf("messages = %+v, want only the first user turn", msgs)
	}
	if got := f.session(t).MessageCount; got != 0 {
		t.Fatalf("MessageCount = %d, want 0 after cancel", got)
	}
	if f.engine.State(f.sess.ID) != StateIdle {
		t.Fatalf("State() = %s, want idle", f.engine.State(f.sess.ID))
	}
	if f.engine.Cancel(f.sess.ID) {
		t.Fatalf("Cancel() on idle session = true")
	}
}

func TestWatchdogTimesOutStalledStream(t *testing.T) {
	gw := &fakeGateway{replies: []string{"Stalled after one word"}, stall: make(chan struct{})}
	f := newFixture(t, gw, Config{Limits: DefaultLimits(), StreamTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := f.engine.SendMessage(context.Background(), f.sess.ID, "Jo", "hello", nil)
	if !errors.Is(err, ErrStreamTimeout) {
		t.Fatalf("SendMessage() error = %v, want ErrStreamTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("watchdog took %v", time.Since(start))
	}
	if f.engine.State(f.sess.ID) != StateIdle {
		t.Fatalf("State() = %s, want idle after timeout", f.engine.State(f.sess.ID))
	}
	if _, ok := f.engine.Partial(f.sess.ID); ok {
		t.Fatalf("Partial() should be cleared after timeout")
	}
}

func TestGatewayErrorSurfacesAsStreamError(t *testing.T) {
	gw := &fakeGateway{err: &llm.GatewayError{Provider: "test", Status: 529, Body: "overloaded"}}
	f := newFixture(t, gw, Config{Limits: DefaultLimits()})

	_, err := f.engine.SendMessage(context.Background(), f.sess.ID, "Jo", "hello", nil)
	var sErr *StreamError
	if !errors.As(err, &sErr) {
		t.Fatalf("SendMessage() error = %v, want *StreamError", err)
	}
	if !sErr.Retryable {
		t.Fatalf("Retryable = false for 529")
	}
	// The user turn survives the failed reply.
	if got := len(f.messages(t)); got != 1 {
		t.Fatalf("messages = %d, want 1", got)
	}
}
