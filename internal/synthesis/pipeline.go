// Package synthesis turns a finished interview transcript into a structured
// Category of One profile and persists it with the session's completion.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/RLAsoftware/category-of-one/internal/events"
	"github.com/RLAsoftware/category-of-one/internal/interview"
	"github.com/RLAsoftware/category-of-one/internal/llm"
	"github.com/RLAsoftware/category-of-one/internal/logging"
	"github.com/RLAsoftware/category-of-one/internal/observability"
	"github.com/RLAsoftware/category-of-one/internal/profile"
)

const maxAttempts = 2

var (
	ErrAlreadySynthesizing = errors.New("synthesis: profile generation already in progress")
	ErrEmptyTranscript     = errors.New("synthesis: transcript has no messages")
	ErrSessionDeleted      = errors.New("synthesis: session is deleted")
)

// Store is the slice of the data-access service the pipeline needs.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (interview.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]interview.Message, error)
	TransitionStatus(ctx context.Context, sessionID string, from []interview.Status, to interview.Status) (interview.Session, error)
	CompleteWithProfile(ctx context.Context, p interview.Profile, completedAt time.Time) (interview.Profile, interview.Session, error)
	GetProfileBySession(ctx context.Context, sessionID string) (interview.Profile, error)
}

type SettingsProvider interface {
	Current(ctx context.Context) (llm.Settings, error)
}

type Request struct {
	SessionID  string
	ClientID   string
	ClientName string
	// Transcript is loaded from the message log when nil.
	Transcript []interview.Message
}

type Result struct {
	Profile  interview.Profile `json:"profile"`
	Attempts int               `json:"attempts"`
	// Degraded is set when both attempts failed validation and a placeholder was saved.
	Degraded     bool `json:"degraded"`
	Deduplicated bool `json:"deduplicated"`
}

type Deps struct {
	Store    Store
	Gateway  llm.Gateway
	Settings SettingsProvider
	Logger   *logging.Logger
	Metrics  *observability.Metrics
	Events   events.Publisher
}

type Pipeline struct {
	store    Store
	gateway  llm.Gateway
	settings SettingsProvider
	log      *logging.Logger
	metrics  *observability.Metrics
	events   events.Publisher
	timeout  time.Duration
	now      func() time.Time

	group singleflight.Group
}

// New builds a pipeline. timeout bounds one whole run, both attempts included.
func New(deps Deps, timeout time.Duration) *Pipeline {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	log := deps.Logger
	if log == nil {
		log = logging.Nop()
	}
	pub := deps.Events
	if pub == nil {
		pub = events.Nop{}
	}
	var settings SettingsProvider = deps.Settings
	if settings == nil {
		settings = llm.NewSettingsSource(nil, llm.Settings{})
	}
	return &Pipeline{
		store:    deps.Store,
		gateway:  deps.Gateway,
		settings: settings,
		log:      log.With("component", "synthesis"),
		metrics:  deps.Metrics,
		events:   pub,
		timeout:  timeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SynthesizeSession loads the ordered transcript and synthesizes it.
func (p *Pipeline) SynthesizeSession(ctx context.Context, sessionID, clientName string) (Result, error) {
	return p.Synthesize(ctx, Request{SessionID: sessionID, ClientName: clientName})
}

// Synthesize runs at most once per session at a time; concurrent callers share
// the in-flight result. The run is detached from ctx cancellation so a caller
// going away cannot strand the session in generating_profile.
func (p *Pipeline) Synthesize(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return Result{}, interview.ErrNotFound
	}
	v, err, _ := p.group.Do(req.SessionID, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		return p.run(runCtx, req)
	})
	res, _ := v.(Result)
	return res, err
}

func (p *Pipeline) run(ctx context.Context, req Request) (Result, error) {
	started := time.Now()

	current, err := p.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return Result{}, err
	}
	if current.Deleted() {
		return Result{}, ErrSessionDeleted
	}
	sess, err := p.store.TransitionStatus(ctx, req.SessionID,
		[]interview.Status{interview.StatusChatting}, interview.StatusGeneratingProfile)
	if err != nil {
		if errors.Is(err, interview.ErrStatusConflict) {
			return p.alreadyHandled(ctx, sess)
		}
		return Result{}, err
	}
	p.publish(ctx, events.ForSession(events.SessionUpdated, sess))
	log := p.log.With("session_id", sess.ID, "client_id", sess.ClientID)
	log.Info("synthesis started", "message_count", sess.MessageCount)

	transcript := req.Transcript
	if transcript == nil {
		transcript, err = p.store.ListMessages(ctx, sess.ID)
		if err != nil {
			p.revert(ctx, sess.ID)
			return Result{}, fmt.Errorf("load transcript: %w", err)
		}
	}
	if len(transcript) == 0 {
		p.revert(ctx, sess.ID)
		return Result{}, ErrEmptyTranscript
	}

	settings, err := p.settings.Current(ctx)
	if err != nil {
		log.Warn("llm settings unavailable, using defaults", "error", err)
	}

	prompt := BuildTranscript(req.ClientName, transcript)
	var (
		doc      interview.ProfileDocument
		raw      string
		parseErr error
		attempts int
	)
	for attempts < maxAttempts {
		attempts++
		system := settings.SynthesisSystemPrompt
		if attempts > 1 {
			system += StrictAddendum(parseErr)
		}
		raw, err = p.gateway.Complete(ctx, llm.CompletionRequest{
			Model:        settings.Model,
			SystemPrompt: system,
			Prompt:       prompt,
			MaxTokens:    llm.SynthesisMaxTokens,
		})
		if err != nil {
			log.Error("synthesis gateway call failed", "attempt", attempts, "error", err)
			p.revert(ctx, sess.ID)
			p.metrics.SynthesisFinished("reverted", attempts, time.Since(started))
			return Result{}, fmt.Errorf("synthesis: %w", err)
		}
		doc, parseErr = profile.Parse(raw)
		if parseErr == nil {
			break
		}
		log.Warn("synthesis response failed validation", "attempt", attempts, "error", parseErr)
	}

	prof := interview.Profile{
		ClientID:          sess.ClientID,
		SessionID:         sess.ID,
		RawResponse:       raw,
		SynthesisAttempts: attempts,
	}
	degraded := parseErr != nil
	if degraded {
		doc = profile.Placeholder()
		msg := parseErr.Error()
		prof.SynthesisError = &msg
		prof.NeedsReview = true
	}
	if strings.TrimSpace(doc.ClientName) == "" {
		doc.ClientName = strings.TrimSpace(req.ClientName)
	}
	prof.Document = doc

	if prof.FullDocumentMD, err = profile.RenderFull(doc, req.ClientName); err == nil {
		prof.BusinessProfileMD, err = profile.RenderBusiness(doc, req.ClientName)
	}
	if err != nil {
		p.revert(ctx, sess.ID)
		return Result{}, err
	}

	saved, completed, err := p.store.CompleteWithProfile(ctx, prof, p.now())
	if err != nil {
		if errors.Is(err, interview.ErrProfileExists) {
			return p.alreadyHandled(ctx, completed)
		}
		log.Error("persist profile failed", "error", err)
		p.revert(ctx, sess.ID)
		return Result{}, fmt.Errorf("persist profile: %w", err)
	}

	outcome := "ok"
	if degraded {
		outcome = "degraded"
	}
	p.metrics.SynthesisFinished(outcome, attempts, time.Since(started))
	p.publish(ctx, events.ForSession(events.ProfileCreated, completed))
	p.publish(ctx, events.ForSession(events.SessionUpdated, completed))
	log.Info("synthesis finished", "attempts", attempts, "needs_review", degraded)

	return Result{Profile: saved, Attempts: attempts, Degraded: degraded}, nil
}

// alreadyHandled resolves a run that lost the status race.
func (p *Pipeline) alreadyHandled(ctx context.Context, sess interview.Session) (Result, error) {
	switch sess.Status {
	case interview.StatusGeneratingProfile:
		return Result{}, ErrAlreadySynthesizing
	case interview.StatusCompleted:
		prof, err := p.store.GetProfileBySession(ctx, sess.ID)
		if err != nil {
			return Result{}, err
		}
		p.metrics.SynthesisFinished("deduplicated", 0, 0)
		return Result{
			Profile:      prof,
			Attempts:     prof.SynthesisAttempts,
			Degraded:     prof.NeedsReview,
			Deduplicated: true,
		}, nil
	default:
		return Result{}, interview.ErrStatusConflict
	}
}

// revert puts the session back into chatting so the client can retry. It uses
// its own deadline because ctx may already be expired.
func (p *Pipeline) revert(ctx context.Context, sessionID string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	sess, err := p.store.TransitionStatus(rctx, sessionID,
		[]interview.Status{interview.StatusGeneratingProfile}, interview.StatusChatting)
	if err != nil {
		p.log.Error("revert session to chatting failed", "session_id", sessionID, "error", err)
		return
	}
	p.publish(rctx, events.ForSession(events.SessionUpdated, sess))
}

func (p *Pipeline) publish(ctx context.Context, ev events.Event) {
	if err := p.events.Publish(ctx, ev); err != nil {
		p.log.Warn("publish event failed", "type", ev.Type, "error", err)
	}
}
