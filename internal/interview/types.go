package interview

import (
	"errors"
	"time"
)

// Status is the lifecycle state of an interview session.
type Status string

const (
	StatusChatting          Status = "chatting"
	StatusGeneratingProfile Status = "generating_profile"
	StatusCompleted         Status = "completed"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrActiveSessionExists = errors.New("client already has an active session")
	ErrStatusConflict      = errors.New("session status conflict")
	ErrProfileExists       = errors.New("profile already exists for session")
)

// Active reports whether the status counts toward the one-active-session-per-client rule.
func (s Status) Active() bool {
	return s == StatusChatting || s == StatusGeneratingProfile
}

func (s Status) Valid() bool {
	switch s {
	case StatusChatting, StatusGeneratingProfile, StatusCompleted:
		return true
	default:
		return false
	}
}

type Session struct {
	ID               string     `json:"id"`
	ClientID         string     `json:"client_id"`
	Status           Status     `json:"status"`
	MessageCount     int        `json:"message_count"`
	FlaggedForReview bool       `json:"flagged_for_review"`
	LastMessageAt    *time.Time `json:"last_message_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	DeletedAt        *time.Time `json:"deleted_at"`
	CreatedAt        time.Time  `json:"created_at"`
}

func (s Session) Deleted() bool {
	return s.DeletedAt != nil
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one persisted chat turn. Messages are never mutated after they are written.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// LocalMessage is the transient, not-yet-persisted view of an assistant turn.
type LocalMessage struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	Content     string `json:"content"`
	IsStreaming bool   `json:"is_streaming"`
}

type Client struct {
	ID      string `json:"id"`
	UserID  string `json:"user_id,omitempty"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company,omitempty"`
}

// LLMConfig is the admin-editable model and prompt configuration.
type LLMConfig struct {
	Name                  string    `json:"name"`
	Model                 string    `json:"model"`
	ChatSystemPrompt      string    `json:"chat_system_prompt"`
	SynthesisSystemPrompt string    `json:"synthesis_system_prompt"`
	UpdatedBy             string    `json:"updated_by,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
}
