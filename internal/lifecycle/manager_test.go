package lifecycle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/RLAsoftware/category-of-one/internal/conversation"
	"github.com/RLAsoftware/category-of-one/internal/interview"
	"github.com/RLAsoftware/category-of-one/internal/llm"
	"github.com/RLAsoftware/category-of-one/internal/store"
)

func newManager(t *testing.T) (*Manager, *store.InMemoryStore, interview.Client) {
	t.Helper()
	st := store.NewInMemoryStore()
	client := st.PutClient(interview.Client{Name: "Jo", Email: "jo@example.com"})
	engine := conversation.New(conversation.Deps{
		Store:   st,
		Gateway: llm.NewMockGateway(0),
	}, conversation.Config{Limits: conversation.DefaultLimits()})
	return New(Deps{Store: st, Conversation: engine}), st, client
}

func TestLoadOrCreateFreshSession(t *testing.T) {
	m, st, client := newManager(t)
	ctx := context.Background()

	var last conversation.Update
	view, err := m.LoadOrCreate(ctx, client, func(u conversation.Update) { last = u })
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if view.Session.Status != interview.StatusChatting || view.Session.MessageCount != 0 {
		t.Fatalf("session = %+v, want chatting with count 0", view.Session)
	}
	if len(view.Messages) != 1 || view.Messages[0].Role != interview.RoleAssistant {
		t.Fatalf("messages = %+v, want one opening message", view.Messages)
	}
	if last.IsStreaming {
		t.Fatalf("last update still streaming")
	}

	again, err := m.LoadOrCreate(ctx, client, nil)
	if err != nil {
		t.Fatalf("LoadOrCreate() again error = %v", err)
	}
	if again.Session.ID != view.Session.ID || len(again.Messages) != 1 {
		t.Fatalf("second LoadOrCreate() = %+v, want same session untouched", again.Session)
	}
	all, _ := st.ListSessions(ctx, client.ID, store.SessionFilter{})
	if len(all) != 1 {
		t.Fatalf("sessions = %d, want 1", len(all))
	}
}

func TestLoadOrCreateAfterCompletionStartsNewSession(t *testing.T) {
	m, st, client := newManager(t)
	ctx := context.Background()
	first := completedSession(t, st, client.ID)

	view, err := m.LoadOrCreate(ctx, client, nil)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if view.Session.ID == first.ID {
		t.Fatalf("completed session reused")
	}
}

func TestResumeCompletedIncludesProfile(t *testing.T) {
	m, st, client := newManager(t)
	sess := completedSession(t, st, client.ID)

	view, err := m.Resume(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if view.Profile == nil || view.Profile.SessionID != sess.ID {
		t.Fatalf("Profile = %+v, want the session's profile", view.Profile)
	}
	if len(view.Messages) != 10 {
		t.Fatalf("messages = %d, want 10", len(view.Messages))
	}
	if _, err := m.Resume(context.Background(), "missing"); !errors.Is(err, interview.ErrNotFound) {
		t.Fatalf("Resume(missing) error = %v, want ErrNotFound", err)
	}
}

func TestResetWipesTranscriptAndProfile(t *testing.T) {
	m, st, client := newManager(t)
	ctx := context.Background()
	sess := completedSession(t, st, client.ID)

	view, err := m.Reset(ctx, sess.ID, client.Name, nil)
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if view.Session.Status != interview.StatusChatting || view.Session.MessageCount != 0 || view.Session.CompletedAt != nil {
		t.Fatalf("session = %+v, want fresh chatting", view.Session)
	}
	if view.Profile != nil {
		t.Fatalf("profile survived reset")
	}
	if _, err := st.GetProfileBySession(ctx, sess.ID); !errors.Is(err, interview.ErrNotFound) {
		t.Fatalf("GetProfileBySession() error = %v, want ErrNotFound", err)
	}
	if len(view.Messages) != 1 || view.Messages[0].Role != interview.RoleAssistant {
		t.Fatalf("messages = %+v, want only a new opening message", view.Messages)
	}
}

func TestResetRejectsWhenAnotherSessionIsActive(t *testing.T) {
	m, st, client := newManager(t)
	ctx := context.Background()
	done := completedSession(t, st, client.ID)
	if _, err := m.LoadOrCreate(ctx, client, nil); err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if _, err := m.Reset(ctx, done.ID, client.Name, nil); !errors.Is(err, interview.ErrActiveSessionExists) {
		t.Fatalf("Reset() error = %v, want ErrActiveSessionExists", err)
	}
}

func TestSoftDeleteAndRestore(t *testing.T) {
	m, _, client := newManager(t)
	ctx := context.Background()
	view, err := m.LoadOrCreate(ctx, client, nil)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	id := view.Session.ID

	if _, err := m.SoftDelete(ctx, id); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}
	deleted, err := m.ListDeleted(ctx, client.ID)
	if err != nil || len(deleted) != 1 || deleted[0].Session.ID != id {
		t.Fatalf("ListDeleted() = %+v, %v", deleted, err)
	}
	active, _ := m.ListSessions(ctx, client.ID, store.SessionFilter{})
	if len(active) != 0 {
		t.Fatalf("ListSessions() = %+v, want deleted session hidden", active)
	}

	// A new interview may start while the old one is in the bin...
	replacement, err := m.LoadOrCreate(ctx, client, nil)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if replacement.Session.ID == id {
		t.Fatalf("deleted session was reused")
	}
	// ...but then the old active one cannot come back.
	if _, err := m.Restore(ctx, id); !errors.Is(err, interview.ErrActiveSessionExists) {
		t.Fatalf("Restore() error = %v, want ErrActiveSessionExists", err)
	}
	if _, err := m.SoftDelete(ctx, replacement.Session.ID); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}
	restored, err := m.Restore(ctx, id)
	if err != nil || restored.Deleted() {
		t.Fatalf("Restore() = %+v, %v", restored, err)
	}
}

func TestListSessionsSummaries(t *testing.T) {
	m, st, client := newManager(t)
	ctx := context.Background()
	completedSession(t, st, client.ID)
	view, err := m.LoadOrCreate(ctx, client, nil)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}

	rows, err := m.ListSessions(ctx, client.ID, store.SessionFilter{Status: store.FilterAll})
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	byID := map[string]Summary{}
	for _, r := range rows {
		byID[r.Session.ID] = r
	}
	fresh := byID[view.Session.ID]
	if fresh.Title != untitled || fresh.Completed {
		t.Fatalf("fresh row = %+v", fresh)
	}
	for id, r := range byID {
		if id == view.Session.ID {
			continue
		}
		if !r.Completed || !strings.HasPrefix(r.Title, "Answer 0") {
			t.Fatalf("completed row = %+v", r)
		}
		if !strings.HasSuffix(r.LastActive, "ago") {
			t.Fatalf("LastActive = %q, want humanized", r.LastActive)
		}
	}

	done, _ := m.ListSessions(ctx, client.ID, store.SessionFilter{Status: store.FilterCompleted})
	if len(done) != 1 || !done[0].Completed {
		t.Fatalf("completed filter = %+v", done)
	}
}

func TestTitleFor(t *testing.T) {
	long := strings.Repeat("word ", 30)
	got := titleFor([]interview.Message{
		{Role: interview.RoleAssistant, Content: "Hi!"},
		{Role: interview.RoleUser, Content: long},
	})
	if len([]rune(got)) > 61 || !strings.HasSuffix(got, "…") {
		t.Fatalf("titleFor() = %q", got)
	}
	if titleFor(nil) != untitled {
		t.Fatalf("titleFor(nil) = %q", titleFor(nil))
	}
}

// completedSession builds a finished interview with ten messages and a profile.
func completedSession(t *testing.T, st *store.InMemoryStore, clientID string) interview.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := st.CreateSession(ctx, clientID)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	base := time.Now().Add(-3 * time.Hour)
	for i := 0; i < 5; i++ {
		for _, m := range []interview.Message{
			{SessionID: sess.ID, Role: interview.RoleUser, Content: "Answer " + string(rune('0'+i)), CreatedAt: base.Add(time.Duration(2*i) * time.Minute)},
			{SessionID: sess.ID, Role: interview.RoleAssistant, Content: "Question", CreatedAt: base.Add(time.Duration(2*i+1) * time.Minute)},
		} {
			if _, err := st.AppendMessage(ctx, m); err != nil {
				t.Fatalf("AppendMessage() error = %v", err)
			}
		}
	}
	if _, err := st.RecordExchange(ctx, sess.ID, 10, base.Add(10*time.Minute)); err != nil {
		t.Fatalf("RecordExchange() error = %v", err)
	}
	if _, err := st.TransitionStatus(ctx, sess.ID, []interview.Status{interview.StatusChatting}, interview.StatusGeneratingProfile); err != nil {
		t.Fatalf("TransitionStatus() error = %v", err)
	}
	if _, _, err := st.CompleteWithProfile(ctx, interview.Profile{ClientID: clientID, SessionID: sess.ID, SynthesisAttempts: 1}, time.Now()); err != nil {
		t.Fatalf("CompleteWithProfile() error = %v", err)
	}
	done, _ := st.GetSession(ctx, sess.ID)
	return done
}
