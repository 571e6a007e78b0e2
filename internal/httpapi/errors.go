package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/RLAsoftware/category-of-one/internal/auth"
	"github.com/RLAsoftware/category-of-one/internal/conversation"
	"github.com/RLAsoftware/category-of-one/internal/interview"
	"github.com/RLAsoftware/category-of-one/internal/lifecycle"
	"github.com/RLAsoftware/category-of-one/internal/llm"
	"github.com/RLAsoftware/category-of-one/internal/synthesis"
)

// apiError is the status, code and client-safe message for a core error.
type apiError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func classify(err error) apiError {
	var streamErr *conversation.StreamError
	var gatewayErr *llm.GatewayError
	switch {
	case errors.Is(err, conversation.ErrStreamTimeout):
		return apiError{http.StatusGatewayTimeout, "stream_timeout", conversation.ErrStreamTimeout.Error(), true}
	case errors.Is(err, conversation.ErrStreamInProgress):
		return apiError{http.StatusConflict, "stream_in_progress", err.Error(), true}
	case errors.Is(err, conversation.ErrSessionNotChatting):
		return apiError{http.StatusConflict, "session_not_chatting", err.Error(), false}
	case errors.Is(err, conversation.ErrEmptyMessage):
		return apiError{http.StatusBadRequest, "empty_message", err.Error(), false}
	case errors.As(err, &streamErr):
		return apiError{http.StatusBadGateway, "llm_error", "the assistant could not reply, please try again", streamErr.Retryable}
	case errors.As(err, &gatewayErr):
		return apiError{http.StatusBadGateway, "llm_error", "the model provider returned an error", gatewayErr.Retryable()}
	case errors.Is(err, synthesis.ErrAlreadySynthesizing):
		return apiError{http.StatusConflict, "synthesis_in_progress", "your profile is already being generated", false}
	case errors.Is(err, synthesis.ErrEmptyTranscript):
		return apiError{http.StatusUnprocessableEntity, "empty_transcript", "there is nothing to synthesize yet", false}
	case errors.Is(err, synthesis.ErrSessionDeleted), errors.Is(err, lifecycle.ErrSessionDeleted):
		return apiError{http.StatusGone, "session_deleted", "this interview was deleted", false}
	case errors.Is(err, interview.ErrActiveSessionExists):
		return apiError{http.StatusConflict, "active_session_exists", "you already have an interview in progress", false}
	case errors.Is(err, interview.ErrStatusConflict):
		return apiError{http.StatusConflict, "status_conflict", "the interview changed state, reload and try again", false}
	case errors.Is(err, interview.ErrNotFound):
		return apiError{http.StatusNotFound, "not_found", "not found", false}
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return apiError{http.StatusUnauthorized, "unauthorized", err.Error(), false}
	case errors.Is(err, context.DeadlineExceeded):
		return apiError{http.StatusGatewayTimeout, "timeout", "the request timed out", true}
	case errors.Is(err, llm.ErrNoContent):
		return apiError{http.StatusBadGateway, "llm_empty", "the model returned no content", true}
	default:
		return apiError{http.StatusInternalServerError, "internal_error", "internal server error", false}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	if e.Status >= http.StatusInternalServerError {
		s.log.Error("request failed", "request_id", requestIDFromContext(r.Context()), "path", r.URL.Path, "error", err)
	}
	respondJSON(w, e.Status, errorResponse{Error: e.Message, Code: e.Code, Retryable: e.Retryable})
}
