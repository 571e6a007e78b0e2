package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RLAsoftware/category-of-one/internal/interview"
)

// InMemoryStore is a simple in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*interview.Session
	messages map[string][]interview.Message
	profiles map[string]*interview.Profile
	configs  map[string]interview.LLMConfig
	clients  map[string]interview.Client
	roles    map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*interview.Session),
		messages: make(map[string][]interview.Message),
		profiles: make(map[string]*interview.Profile),
		configs:  make(map[string]interview.LLMConfig),
		clients:  make(map[string]interview.Client),
		roles:    make(map[string]string),
	}
}

// PutClient registers a client in the directory.
func (s *InMemoryStore) PutClient(c interview.Client) interview.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.clients[c.ID] = c
	return c
}

func (s *InMemoryStore) SetUserRole(userID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[userID] = role
}

func (s *InMemoryStore) CreateSession(_ context.Context, clientID string) (interview.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ClientID == clientID && sess.Status.Active() && !sess.Deleted() {
			return interview.Session{}, interview.ErrActiveSessionExists
		}
	}
	sess := &interview.Session{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Status:    interview.StatusChatting,
		CreatedAt: time.Now().UTC(),
	}
	s.sessions[sess.ID] = sess
	return *sess, nil
}

func (s *InMemoryStore) GetSession(_ context.Context, sessionID string) (interview.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return interview.Session{}, interview.ErrNotFound
	}
	return *sess, nil
}

func (s *InMemoryStore) ActiveSession(_ context.Context, clientID string) (interview.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *interview.Session
	for _, sess := range s.sessions {
		if sess.ClientID != clientID || sess.Deleted() || !sess.Status.Active() {
			continue
		}
		if best == nil || sess.CreatedAt.After(best.CreatedAt) {
			best = sess
		}
	}
	if best == nil {
		return interview.Session{}, interview.ErrNotFound
	}
	return *best, nil
}

func (s *InMemoryStore) ListSessions(_ context.Context, clientID string, filter SessionFilter) ([]interview.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	out := make([]interview.Session, 0)
	for _, sess := range s.sessions {
		if sess.ClientID != clientID || sess.Deleted() != filter.Deleted {
			continue
		}
		if !filter.matchesStatus(sess.Status) {
			continue
		}
		if query != "" && !s.sessionMentionsLocked(sess.ID, query) {
			continue
		}
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) sessionMentionsLocked(sessionID, query string) bool {
	for _, m := range s.messages[sessionID] {
		if strings.Contains(strings.ToLower(m.Content), query) {
			return true
		}
	}
	return false
}

func (s *InMemoryStore) TransitionStatus(_ context.Context, sessionID string, from []interview.Status, to interview.Status) (interview.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return interview.Session{}, interview.ErrNotFound
	}
	if !statusIn(sess.Status, from) {
		return *sess, interview.ErrStatusConflict
	}
	sess.Status = to
	return *sess, nil
}

func (s *InMemoryStore) RecordExchange(_ context.Context, sessionID string, delta int, at time.Time) (interview.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return interview.Session{}, interview.ErrNotFound
	}
	sess.MessageCount += delta
	at = at.UTC()
	sess.LastMessageAt = &at
	return *sess, nil
}

func (s *InMemoryStore) FlagForReview(_ context.Context, sessionID string) (interview.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return interview.Session{}, interview.ErrNotFound
	}
	sess.FlaggedForReview = true
	return *sess, nil
}

func (s *InMemoryStore) SetDeleted(_ context.Context, sessionID string, at *time.Time) (interview.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return interview.Session{}, interview.ErrNotFound
	}
	if at == nil {
		if sess.Status.Active() {
			for _, other := range s.sessions {
				if other.ID != sess.ID && other.ClientID == sess.ClientID && other.Status.Active() && !other.Deleted() {
					return *sess, interview.ErrActiveSessionExists
				}
			}
		}
		sess.DeletedAt = nil
		return *sess, nil
	}
	t := at.UTC()
	sess.DeletedAt = &t
	return *sess, nil
}

func (s *InMemoryStore) ResetSession(_ context.Context, sessionID string) (interview.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return interview.Session{}, interview.ErrNotFound
	}
	if !sess.Deleted() && !sess.Status.Active() {
		for _, other := range s.sessions {
			if other.ID != sess.ID && other.ClientID == sess.ClientID && other.Status.Active() && !other.Deleted() {
				return *sess, interview.ErrActiveSessionExists
			}
		}
	}
	delete(s.messages, sessionID)
	delete(s.profiles, sessionID)
	sess.Status = interview.StatusChatting
	sess.MessageCount = 0
	sess.FlaggedForReview = false
	sess.CompletedAt = nil
	sess.LastMessageAt = nil
	return *sess, nil
}

func (s *InMemoryStore) CompleteWithProfile(_ context.Context, profile interview.Profile, completedAt time.Time) (interview.Profile, interview.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[profile.SessionID]
	if !ok {
		return interview.Profile{}, interview.Session{}, interview.ErrNotFound
	}
	if _, exists := s.profiles[profile.SessionID]; exists {
		return interview.Profile{}, *sess, interview.ErrProfileExists
	}
	if sess.Status != interview.StatusGeneratingProfile {
		return interview.Profile{}, *sess, interview.ErrStatusConflict
	}
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now().UTC()
	}
	stored := cloneProfile(profile)
	s.profiles[profile.SessionID] = &stored

	at := completedAt.UTC()
	sess.Status = interview.StatusCompleted
	sess.CompletedAt = &at
	return cloneProfile(profile), *sess, nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, msg interview.Message) (interview.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[msg.SessionID]; !ok {
		return interview.Message{}, interview.ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	return msg, nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, sessionID string) ([]interview.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.messages[sessionID]
	out := make([]interview.Message, len(arr))
	copy(out, arr)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) GetProfileBySession(_ context.Context, sessionID string) (interview.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[sessionID]
	if !ok {
		return interview.Profile{}, interview.ErrNotFound
	}
	return cloneProfile(*p), nil
}

func (s *InMemoryStore) LatestProfile(_ context.Context, clientID string) (interview.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *interview.Profile
	for _, p := range s.profiles {
		if p.ClientID != clientID {
			continue
		}
		if sess, ok := s.sessions[p.SessionID]; ok && sess.Deleted() {
			continue
		}
		if best == nil || p.CreatedAt.After(best.CreatedAt) {
			best = p
		}
	}
	if best == nil {
		return interview.Profile{}, interview.ErrNotFound
	}
	return cloneProfile(*best), nil
}

func (s *InMemoryStore) GetLLMConfig(_ context.Context, name string) (interview.LLMConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[name]
	if !ok {
		return interview.LLMConfig{}, interview.ErrNotFound
	}
	return cfg, nil
}

func (s *InMemoryStore) SaveLLMConfig(_ context.Context, cfg interview.LLMConfig) (interview.LLMConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now().UTC()
	}
	s.configs[cfg.Name] = cfg
	return cfg, nil
}

func (s *InMemoryStore) ClientByEmail(_ context.Context, email string) (interview.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = strings.TrimSpace(email)
	for _, c := range s.clients {
		if strings.EqualFold(c.Email, email) {
			return c, nil
		}
	}
	return interview.Client{}, interview.ErrNotFound
}

func (s *InMemoryStore) GetClient(_ context.Context, clientID string) (interview.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return interview.Client{}, interview.ErrNotFound
	}
	return c, nil
}

func (s *InMemoryStore) UserRole(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[userID]
	if !ok {
		return "", interview.ErrNotFound
	}
	return role, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

func statusIn(s interview.Status, set []interview.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func cloneProfile(p interview.Profile) interview.Profile {
	out := p
	if p.Document.ProofPoints != nil {
		out.Document.ProofPoints = append([]string(nil), p.Document.ProofPoints...)
	}
	if p.Document.UniqueMethodology != nil {
		m := *p.Document.UniqueMethodology
		m.Components = append([]string(nil), m.Components...)
		out.Document.UniqueMethodology = &m
	}
	return out
}
