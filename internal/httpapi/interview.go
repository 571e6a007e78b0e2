package httpapi

import (
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/RLAsoftware/category-of-one/internal/auth"
	"github.com/RLAsoftware/category-of-one/internal/conversation"
	"github.com/RLAsoftware/category-of-one/internal/interview"
	"github.com/RLAsoftware/category-of-one/internal/lifecycle"
	"github.com/RLAsoftware/category-of-one/internal/policy"
	"github.com/RLAsoftware/category-of-one/internal/profile"
	"github.com/RLAsoftware/category-of-one/internal/store"
)

const impersonateHeader = "X-Impersonate-Client"

// actingClient resolves the client a request acts for. Admins may name one
// with the impersonation header.
func (s *Server) actingClient(w http.ResponseWriter, r *http.Request) (auth.Principal, interview.Client, bool) {
	p, _ := auth.PrincipalFromContext(r.Context())
	if id := strings.TrimSpace(r.Header.Get(impersonateHeader)); id != "" {
		if !policy.CanImpersonate(p.Actor) {
			respondError(w, http.StatusForbidden, "forbidden", "admin role required to act for another client")
			return p, interview.Client{}, false
		}
		client, err := s.store.GetClient(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return p, interview.Client{}, false
		}
		p.Client = &client
		p.Actor.ClientID = client.ID
		return p, client, true
	}
	if p.Client == nil {
		respondError(w, http.StatusForbidden, "no_client", "no client linked to this account")
		return p, interview.Client{}, false
	}
	return p, *p.Client, true
}

// sessionAccess loads the {id} session and checks the caller may perform action on it.
func (s *Server) sessionAccess(w http.ResponseWriter, r *http.Request, action policy.Action) (interview.Session, interview.Client, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("session_id"))
	}
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "session id is required")
		return interview.Session{}, interview.Client{}, false
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return interview.Session{}, interview.Client{}, false
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if d := policy.Decide(p.Actor, action, sess.ClientID); !d.Allowed {
		respondError(w, http.StatusForbidden, "forbidden", d.Reason)
		return interview.Session{}, interview.Client{}, false
	}
	client, err := s.store.GetClient(r.Context(), sess.ClientID)
	if err != nil {
		s.writeError(w, r, err)
		return interview.Session{}, interview.Client{}, false
	}
	return sess, client, true
}

type meResponse struct {
	UserID string            `json:"user_id"`
	Email  string            `json:"email"`
	Role   string            `json:"role"`
	Client *interview.Client `json:"client"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	respondJSON(w, http.StatusOK, meResponse{
		UserID: p.Identity.UserID,
		Email:  p.Identity.Email,
		Role:   p.Actor.Role,
		Client: p.Client,
	})
}

type interviewSettingsResponse struct {
	SynthesisTrigger int   `json:"synthesis_trigger"`
	WarnThreshold    int   `json:"warn_threshold"`
	MaxMessages      int   `json:"max_messages"`
	StreamTimeoutMS  int64 `json:"stream_timeout_ms"`
}

func (s *Server) handleInterviewSettings(w http.ResponseWriter, _ *http.Request) {
	limits := s.conv.Limits()
	respondJSON(w, http.StatusOK, interviewSettingsResponse{
		SynthesisTrigger: limits.TriggerCount,
		WarnThreshold:    limits.WarnCount,
		MaxMessages:      limits.MaxMessages,
		StreamTimeoutMS:  s.cfg.StreamTimeout.Milliseconds(),
	})
}

func (s *Server) handleLoadOrCreate(w http.ResponseWriter, r *http.Request) {
	_, client, ok := s.actingClient(w, r)
	if !ok {
		return
	}
	view, err := s.lifecycle.LoadOrCreate(r.Context(), client, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.sessionResponse(view))
}

type sessionsResponse struct {
	Sessions []lifecycle.Summary `json:"sessions"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	_, client, ok := s.actingClient(w, r)
	if !ok {
		return
	}
	filter := store.SessionFilter{Query: strings.TrimSpace(r.URL.Query().Get("q"))}
	switch status := store.StatusFilter(strings.TrimSpace(r.URL.Query().Get("status"))); status {
	case "", store.FilterAll:
		filter.Status = store.FilterAll
	case store.FilterInProgress, store.FilterCompleted:
		filter.Status = status
	default:
		respondError(w, http.StatusBadRequest, "invalid_status", "status must be all, in_progress, or completed")
		return
	}
	rows, err := s.lifecycle.ListSessions(r.Context(), client.ID, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionsResponse{Sessions: rows})
}

func (s *Server) handleListDeleted(w http.ResponseWriter, r *http.Request) {
	_, client, ok := s.actingClient(w, r)
	if !ok {
		return
	}
	rows, err := s.lifecycle.ListDeleted(r.Context(), client.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionsResponse{Sessions: rows})
}

type sessionResponse struct {
	lifecycle.View
	StreamState conversation.StreamState `json:"stream_state"`
}

func (s *Server) sessionResponse(view lifecycle.View) sessionResponse {
	return sessionResponse{View: view, StreamState: s.conv.State(view.Session.ID)}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.sessionAccess(w, r, policy.ActionRead)
	if !ok {
		return
	}
	view, err := s.lifecycle.Resume(r.Context(), sess.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.sessionResponse(view))
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type exchangeResponse struct {
	UserMessage        *interview.Message `json:"user_message"`
	AssistantMessage   *interview.Message `json:"assistant_message"`
	Session            interview.Session  `json:"session"`
	Cancelled          bool               `json:"cancelled"`
	SynthesisTriggered bool               `json:"synthesis_triggered"`
	Profile            *interview.Profile `json:"profile,omitempty"`
	SynthesisError     string             `json:"synthesis_error,omitempty"`
}

func newExchangeResponse(exch conversation.Exchange) exchangeResponse {
	out := exchangeResponse{
		UserMessage:        exch.UserMessage,
		AssistantMessage:   exch.AssistantMessage,
		Session:            exch.Session,
		Cancelled:          exch.Cancelled,
		SynthesisTriggered: exch.SynthesisTriggered,
	}
	if exch.Synthesis != nil {
		prof := exch.Synthesis.Profile
		out.Profile = &prof
	}
	if exch.SynthesisErr != nil {
		out.SynthesisError = classify(exch.SynthesisErr).Message
	}
	return out
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sess, client, ok := s.sessionAccess(w, r, policy.ActionChat)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be JSON with a content field")
		return
	}
	exch, err := s.conv.SendMessage(r.Context(), sess.ID, client.Name, req.Content, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newExchangeResponse(exch))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.sessionAccess(w, r, policy.ActionChat)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"cancelled": s.conv.Cancel(sess.ID)})
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	sess, client, ok := s.sessionAccess(w, r, policy.ActionChat)
	if !ok {
		return
	}
	res, err := s.synth.SynthesizeSession(r.Context(), sess.ID, client.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type resetRequest struct {
	Confirm bool `json:"confirm"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sess, client, ok := s.sessionAccess(w, r, policy.ActionManage)
	if !ok {
		return
	}
	var req resetRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !req.Confirm {
		respondError(w, http.StatusBadRequest, "confirmation_required", "resetting deletes the transcript and profile; send {\"confirm\": true}")
		return
	}
	view, err := s.lifecycle.Reset(r.Context(), sess.ID, client.Name, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.sessionResponse(view))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.sessionAccess(w, r, policy.ActionManage)
	if !ok {
		return
	}
	updated, err := s.lifecycle.SoftDelete(r.Context(), sess.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.sessionAccess(w, r, policy.ActionManage)
	if !ok {
		return
	}
	updated, err := s.lifecycle.Restore(r.Context(), sess.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	sess, client, ok := s.sessionAccess(w, r, policy.ActionRead)
	if !ok {
		return
	}
	prof, err := s.store.GetProfileBySession(r.Context(), sess.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	kind := chi.URLParam(r, "kind")
	var body string
	switch kind {
	case profile.KindFull:
		body = prof.FullDocumentMD
	case profile.KindBusiness:
		body = prof.BusinessProfileMD
	default:
		respondError(w, http.StatusNotFound, "unknown_document", "document kind must be full or business")
		return
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{
		"filename": profile.ExportFilename(kind, client.Name),
	})
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", disposition)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (s *Server) handleLatestProfile(w http.ResponseWriter, r *http.Request) {
	_, client, ok := s.actingClient(w, r)
	if !ok {
		return
	}
	prof, err := s.lifecycle.LatestProfile(r.Context(), client.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, prof)
}
