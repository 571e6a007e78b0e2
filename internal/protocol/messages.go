// Package protocol defines the websocket frames exchanged with the interview
// and dashboard clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/RLAsoftware/category-of-one/internal/interview"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeStart       MessageType = "start"
	TypeSendMessage MessageType = "send_message"
	TypeCancel      MessageType = "cancel"

	TypeAssistantDelta   MessageType = "assistant_delta"
	TypeAssistantMessage MessageType = "assistant_message"
	TypeExchangeComplete MessageType = "exchange_complete"
	TypeSynthesisStarted MessageType = "synthesis_started"
	TypeProfileReady     MessageType = "profile_ready"
	TypeSessionState     MessageType = "session_state"
	TypeSessionEvent     MessageType = "session_event"
	TypeErrorEvent       MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Start asks the server to stream the opening message if the session has none.
type Start struct {
	Type MessageType `json:"type"`
}

type SendMessage struct {
	Type    MessageType `json:"type"`
	Content string      `json:"content"`
}

type Cancel struct {
	Type MessageType `json:"type"`
}

type AssistantDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	MessageID string      `json:"message_id"`
	Delta     string      `json:"delta"`
	Content   string      `json:"content"`
}

// AssistantMessage carries a persisted assistant turn; is_streaming is always false.
type AssistantMessage struct {
	Type        MessageType       `json:"type"`
	SessionID   string            `json:"session_id"`
	Message     interview.Message `json:"message"`
	IsStreaming bool              `json:"is_streaming"`
}

type ExchangeComplete struct {
	Type               MessageType        `json:"type"`
	SessionID          string             `json:"session_id"`
	UserMessage        *interview.Message `json:"user_message,omitempty"`
	AssistantMessage   *interview.Message `json:"assistant_message,omitempty"`
	Session            interview.Session  `json:"session"`
	Cancelled          bool               `json:"cancelled"`
	SynthesisTriggered bool               `json:"synthesis_triggered"`
}

type SynthesisStarted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type ProfileReady struct {
	Type        MessageType       `json:"type"`
	SessionID   string            `json:"session_id"`
	Profile     interview.Profile `json:"profile"`
	NeedsReview bool              `json:"needs_review"`
}

type SessionState struct {
	Type        MessageType             `json:"type"`
	Session     interview.Session       `json:"session"`
	Messages    []interview.Message     `json:"messages,omitempty"`
	Profile     *interview.Profile      `json:"profile,omitempty"`
	Partial     *interview.LocalMessage `json:"partial,omitempty"`
	StreamState string                  `json:"stream_state"`
}

// SessionEvent relays a dashboard change notification.
type SessionEvent struct {
	Type  MessageType `json:"type"`
	Event any         `json:"event"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeStart:
		return Start{Type: TypeStart}, nil
	case TypeSendMessage:
		var msg SendMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Content) == "" {
			return nil, errors.New("invalid send_message: content is empty")
		}
		return msg, nil
	case TypeCancel:
		return Cancel{Type: TypeCancel}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
