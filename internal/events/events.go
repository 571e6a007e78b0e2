// Package events fans session changes out to dashboard subscribers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/RLAsoftware/category-of-one/internal/interview"
)

type Type string

const (
	SessionCreated  Type = "session_created"
	SessionUpdated  Type = "session_updated"
	MessageAppended Type = "message_appended"
	ProfileCreated  Type = "profile_created"
	SessionDeleted  Type = "session_deleted"
	SessionRestored Type = "session_restored"
	SessionReset    Type = "session_reset"
)

type Event struct {
	Type         Type             `json:"type"`
	ClientID     string           `json:"client_id"`
	SessionID    string           `json:"session_id"`
	Status       interview.Status `json:"status,omitempty"`
	MessageCount int              `json:"message_count,omitempty"`
	At           time.Time        `json:"at"`
}

// ForSession builds an event describing the session's current state.
func ForSession(t Type, sess interview.Session) Event {
	return Event{
		Type:         t,
		ClientID:     sess.ClientID,
		SessionID:    sess.ID,
		Status:       sess.Status,
		MessageCount: sess.MessageCount,
		At:           time.Now().UTC(),
	}
}

// Publisher is the write side used by the core components.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Bus is a Publisher that also delivers events to per-client subscribers.
type Bus interface {
	Publisher
	Subscribe(clientID string) (<-chan Event, func())
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

const subscriberBuffer = 32

// Hub is the in-process Bus.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.deliver(ev)
	return nil
}

func (h *Hub) deliver(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for ch := range h.subs[ev.ClientID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) Subscribe(clientID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	set, ok := h.subs[clientID]
	if !ok {
		set = make(map[chan Event]struct{})
		h.subs[clientID] = set
	}
	set[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[clientID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(h.subs, clientID)
				}
			}
		})
	}
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, set := range h.subs {
		for ch := range set {
			close(ch)
		}
	}
	h.subs = make(map[string]map[chan Event]struct{})
	return nil
}
