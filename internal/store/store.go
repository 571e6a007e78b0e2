// Package store provides the data-access service shared by the conversation
// engine, the synthesis pipeline, and the session lifecycle manager.
package store

import (
	"context"
	"time"

	"github.com/RLAsoftware/category-of-one/internal/interview"
)

// StatusFilter narrows session listings the way the dashboard does.
type StatusFilter string

const (
	FilterAll        StatusFilter = "all"
	FilterInProgress StatusFilter = "in_progress"
	FilterCompleted  StatusFilter = "completed"
)

// SessionFilter controls ListSessions.
type SessionFilter struct {
	// Query matches message content, case-insensitively.
	Query   string
	Status  StatusFilter
	Deleted bool
	Limit   int
}

func (f SessionFilter) matchesStatus(s interview.Status) bool {
	switch f.Status {
	case FilterInProgress:
		return s.Active()
	case FilterCompleted:
		return s == interview.StatusCompleted
	default:
		return true
	}
}

// SessionStore persists interview sessions.
type SessionStore interface {
	// CreateSession inserts a fresh chatting session. It fails with
	// interview.ErrActiveSessionExists when the client already owns a
	// non-deleted session in an active status.
	CreateSession(ctx context.Context, clientID string) (interview.Session, error)

	// GetSession returns a session regardless of status or soft-deletion.
	GetSession(ctx context.Context, sessionID string) (interview.Session, error)

	// ActiveSession returns the most recent non-deleted session in an active status.
	ActiveSession(ctx context.Context, clientID string) (interview.Session, error)

	// ListSessions returns the client's sessions, newest first.
	ListSessions(ctx context.Context, clientID string, filter SessionFilter) ([]interview.Session, error)

	// TransitionStatus moves the session to `to` only when its current status is one of `from`.
	TransitionStatus(ctx context.Context, sessionID string, from []interview.Status, to interview.Status) (interview.Session, error)

	// RecordExchange atomically adds delta to message_count and stamps last_message_at.
	RecordExchange(ctx context.Context, sessionID string, delta int, at time.Time) (interview.Session, error)

	// FlagForReview marks the session for manual admin follow-up.
	FlagForReview(ctx context.Context, sessionID string) (interview.Session, error)

	// SetDeleted sets or clears the soft-delete marker.
	SetDeleted(ctx context.Context, sessionID string, at *time.Time) (interview.Session, error)

	// ResetSession removes all messages and any profile, clears counters and
	// timestamps, and puts the session back into chatting, in one transaction.
	ResetSession(ctx context.Context, sessionID string) (interview.Session, error)

	// CompleteWithProfile inserts the profile and moves the session from
	// generating_profile to completed, in one transaction.
	CompleteWithProfile(ctx context.Context, profile interview.Profile, completedAt time.Time) (interview.Profile, interview.Session, error)
}

// MessageLog is the append-only per-session turn list.
type MessageLog interface {
	AppendMessage(ctx context.Context, msg interview.Message) (interview.Message, error)

	// ListMessages returns turns in created_at order, insertion order breaking ties.
	ListMessages(ctx context.Context, sessionID string) ([]interview.Message, error)
}

type ProfileStore interface {
	GetProfileBySession(ctx context.Context, sessionID string) (interview.Profile, error)
	LatestProfile(ctx context.Context, clientID string) (interview.Profile, error)
}

type ConfigStore interface {
	GetLLMConfig(ctx context.Context, name string) (interview.LLMConfig, error)
	SaveLLMConfig(ctx context.Context, cfg interview.LLMConfig) (interview.LLMConfig, error)
}

// Directory maps identities from the hosted auth service onto clients.
type Directory interface {
	ClientByEmail(ctx context.Context, email string) (interview.Client, error)
	GetClient(ctx context.Context, clientID string) (interview.Client, error)
	UserRole(ctx context.Context, userID string) (string, error)
}

// Store is the single data-access service injected into every core component.
type Store interface {
	SessionStore
	MessageLog
	ProfileStore
	ConfigStore
	Directory

	Ping(ctx context.Context) error
	Close() error
}
