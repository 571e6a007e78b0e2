// Package lifecycle owns session-level operations: finding or creating the
// client's active interview, resuming, resetting, soft deletion, and the
// dashboard queries built on top of them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/RLAsoftware/category-of-one/internal/conversation"
	"github.com/RLAsoftware/category-of-one/internal/events"
	"github.com/RLAsoftware/category-of-one/internal/interview"
	"github.com/RLAsoftware/category-of-one/internal/logging"
	"github.com/RLAsoftware/category-of-one/internal/observability"
	"github.com/RLAsoftware/category-of-one/internal/store"
	"github.com/RLAsoftware/category-of-one/internal/synthesis"
)

var ErrSessionDeleted = errors.New("session is deleted")

const untitled = "Untitled Interview"

// Conversation is the part of the engine the lifecycle manager drives.
type Conversation interface {
	StartConversation(ctx context.Context, sessionID, clientName string, onUpdate conversation.UpdateFunc) (*interview.Message, error)
	CancelAndWait(ctx context.Context, sessionID string) error
	Partial(sessionID string) (interview.LocalMessage, bool)
}

// View is everything a client needs to render one session.
type View struct {
	Session  interview.Session       `json:"session"`
	Messages []interview.Message     `json:"messages"`
	Profile  *interview.Profile      `json:"profile,omitempty"`
	Partial  *interview.LocalMessage `json:"partial,omitempty"`
}

// Summary is one dashboard row.
type Summary struct {
	Session    interview.Session `json:"session"`
	Title      string            `json:"title"`
	LastActive string            `json:"last_active"`
	Completed  bool              `json:"completed"`
}

type Deps struct {
	Store        store.Store
	Conversation Conversation
	Logger       *logging.Logger
	Metrics      *observability.Metrics
	Events       events.Publisher
}

type Manager struct {
	store   store.Store
	conv    Conversation
	log     *logging.Logger
	metrics *observability.Metrics
	events  events.Publisher
	now     func() time.Time

	clientLocks sync.Map // clientID -> *sync.Mutex
}

func New(deps Deps) *Manager {
	log := deps.Logger
	if log == nil {
		log = logging.Nop()
	}
	pub := deps.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return &Manager{
		store:   deps.Store,
		conv:    deps.Conversation,
		log:     log.With("component", "lifecycle"),
		metrics: deps.Metrics,
		events:  pub,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) lockClient(clientID string) func() {
	v, _ := m.clientLocks.LoadOrStore(clientID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// LoadOrCreate returns the client's active session, creating one when none
// exists. A session without messages gets its opening message before
// returning. Calls for the same client are serialized.
func (m *Manager) LoadOrCreate(ctx context.Context, client interview.Client, onUpdate conversation.UpdateFunc) (View, error) {
	unlock := m.lockClient(client.ID)
	defer unlock()

	sess, err := m.store.ActiveSession(ctx, client.ID)
	if errors.Is(err, interview.ErrNotFound) {
		sess, err = m.store.CreateSession(ctx, client.ID)
		if errors.Is(err, interview.ErrActiveSessionExists) {
			// Another replica won the race.
			sess, err = m.store.ActiveSession(ctx, client.ID)
		} else if err == nil {
			m.metrics.SessionEvent("created")
			m.publish(ctx, events.ForSession(events.SessionCreated, sess))
			m.log.Info("session created", "session_id", sess.ID, "client_id", client.ID)
		}
	}
	if err != nil {
		return View{}, err
	}

	msgs, err := m.store.ListMessages(ctx, sess.ID)
	if err != nil {
		return View{}, fmt.Errorf("load messages: %w", err)
	}
	if len(msgs) == 0 && sess.Status == interview.StatusChatting {
		if _, err := m.conv.StartConversation(ctx, sess.ID, client.Name, onUpdate); err != nil {
			m.log.Warn("opening message failed", "session_id", sess.ID, "error", err)
			return View{Session: sess, Messages: msgs}, err
		}
	}
	return m.Resume(ctx, sess.ID)
}

// Resume loads a session with its history and, when completed, its profile.
func (m *Manager) Resume(ctx context.Context, sessionID string) (View, error) {
	var (
		view View
		prof interview.Profile
		hasP bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sess, err := m.store.GetSession(gctx, sessionID)
		view.Session = sess
		return err
	})
	g.Go(func() error {
		msgs, err := m.store.ListMessages(gctx, sessionID)
		view.Messages = msgs
		return err
	})
	g.Go(func() error {
		p, err := m.store.GetProfileBySession(gctx, sessionID)
		if errors.Is(err, interview.ErrNotFound) {
			return nil
		}
		prof, hasP = p, err == nil
		return err
	})
	if err := g.Wait(); err != nil {
		return View{}, err
	}
	if hasP && view.Session.Status == interview.StatusCompleted {
		view.Profile = &prof
	}
	if view.Messages == nil {
		view.Messages = []interview.Message{}
	}
	if partial, ok := m.conv.Partial(sessionID); ok {
		view.Partial = &partial
	}
	return view, nil
}

// Reset wipes the session's transcript and profile and starts the interview
// over. It is destructive; callers must have the user's confirmation.
func (m *Manager) Reset(ctx context.Context, sessionID, clientName string, onUpdate conversation.UpdateFunc) (View, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return View{}, err
	}
	if sess.Deleted() {
		return View{}, ErrSessionDeleted
	}
	if sess.Status == interview.StatusGeneratingProfile {
		return View{}, synthesis.ErrAlreadySynthesizing
	}
	unlock := m.lockClient(sess.ClientID)
	defer unlock()

	if err := m.conv.CancelAndWait(ctx, sessionID); err != nil {
		return View{}, err
	}
	sess, err = m.store.ResetSession(ctx, sessionID)
	if err != nil {
		return View{}, err
	}
	m.metrics.SessionEvent("reset")
	m.publish(ctx, events.ForSession(events.SessionReset, sess))
	m.log.Info("session reset", "session_id", sessionID, "client_id", sess.ClientID)

	if _, err := m.conv.StartConversation(ctx, sessionID, clientName, onUpdate); err != nil {
		m.log.Warn("opening message after reset failed", "session_id", sessionID, "error", err)
		return View{Session: sess, Messages: []interview.Message{}}, err
	}
	return m.Resume(ctx, sessionID)
}

// SoftDelete hides the session from the dashboard. Messages and profile stay.
func (m *Manager) SoftDelete(ctx context.Context, sessionID string) (interview.Session, error) {
	if err := m.conv.CancelAndWait(ctx, sessionID); err != nil {
		return interview.Session{}, err
	}
	at := m.now()
	sess, err := m.store.SetDeleted(ctx, sessionID, &at)
	if err != nil {
		return interview.Session{}, err
	}
	m.metrics.SessionEvent("deleted")
	m.publish(ctx, events.ForSession(events.SessionDeleted, sess))
	return sess, nil
}

// Restore brings a soft-deleted session back. It fails with
// interview.ErrActiveSessionExists when restoring would give the client two
// active sessions.
func (m *Manager) Restore(ctx context.Context, sessionID string) (interview.Session, error) {
	sess, err := m.store.SetDeleted(ctx, sessionID, nil)
	if err != nil {
		return sess, err
	}
	m.metrics.SessionEvent("restored")
	m.publish(ctx, events.ForSession(events.SessionRestored, sess))
	return sess, nil
}

// ListSessions returns dashboard rows for the client's non-deleted sessions.
func (m *Manager) ListSessions(ctx context.Context, clientID string, filter store.SessionFilter) ([]Summary, error) {
	filter.Deleted = false
	return m.summaries(ctx, clientID, filter)
}

// ListDeleted returns the "recently deleted" rows.
func (m *Manager) ListDeleted(ctx context.Context, clientID string) ([]Summary, error) {
	return m.summaries(ctx, clientID, store.SessionFilter{Status: store.FilterAll, Deleted: true})
}

// LatestProfile returns the client's most recent profile from a non-deleted session.
func (m *Manager) LatestProfile(ctx context.Context, clientID string) (interview.Profile, error) {
	return m.store.LatestProfile(ctx, clientID)
}

func (m *Manager) summaries(ctx context.Context, clientID string, filter store.SessionFilter) ([]Summary, error) {
	sessions, err := m.store.ListSessions(ctx, clientID, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, len(sessions))
	now := m.now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, sess := range sessions {
		i, sess := i, sess
		g.Go(func() error {
			msgs, err := m.store.ListMessages(gctx, sess.ID)
			if err != nil {
				return err
			}
			out[i] = Summary{
				Session:    sess,
				Title:      titleFor(msgs),
				LastActive: lastActive(sess, now),
				Completed:  sess.Status == interview.StatusCompleted,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// titleFor names a session after the client's first answer.
func titleFor(msgs []interview.Message) string {
	for _, msg := range msgs {
		if msg.Role != interview.RoleUser {
			continue
		}
		text := strings.Join(strings.Fields(msg.Content), " ")
		if text == "" {
			continue
		}
		if r := []rune(text); len(r) > 60 {
			text = strings.TrimSpace(string(r[:60])) + "…"
		}
		return text
	}
	return untitled
}

func lastActive(sess interview.Session, now time.Time) string {
	at := sess.CreatedAt
	if sess.LastMessageAt != nil {
		at = *sess.LastMessageAt
	}
	if at.IsZero() {
		return ""
	}
	return humanize.RelTime(at, now, "ago", "from now")
}

func (m *Manager) publish(ctx context.Context, ev events.Event) {
	if err := m.events.Publish(ctx, ev); err != nil {
		m.log.Warn("publish event failed", "type", ev.Type, "error", err)
	}
}
