// Package conversation drives the live interview exchange for a session:
// opening message, user turns, streamed assistant replies, completion
// detection, and turn-count safety limits.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RLAsoftware/category-of-one/internal/events"
	"github.com/RLAsoftware/category-of-one/internal/interview"
	"github.com/RLAsoftware/category-of-one/internal/llm"
	"github.com/RLAsoftware/category-of-one/internal/logging"
	"github.com/RLAsoftware/category-of-one/internal/observability"
	"github.com/RLAsoftware/category-of-one/internal/policy"
	"github.com/RLAsoftware/category-of-one/internal/synthesis"
)

var (
	ErrStreamInProgress   = errors.New("a reply is already streaming for this session")
	ErrSessionNotChatting = errors.New("session is not accepting messages")
	ErrEmptyMessage       = errors.New("message is empty")
	ErrStreamTimeout      = errors.New("the response is taking longer than expected, please try again")

	errCancelled = errors.New("stream cancelled")
)

// StreamError wraps a gateway failure during a chat stream.
type StreamError struct {
	Err       error
	Retryable bool
}

func (e *StreamError) Error() string {
	return "assistant reply failed: " + e.Err.Error()
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

type StreamState string

const (
	StateIdle      StreamState = "idle"
	StateStreaming StreamState = "streaming"
	StateAborting  StreamState = "aborting"
)

// Limits are message-count thresholds. Zero disables a limit.
type Limits struct {
	// TriggerCount starts synthesis even without the completion marker.
	TriggerCount int
	// WarnCount logs a warning when first crossed.
	WarnCount int
	// MaxMessages flags the session for admin review.
	MaxMessages int
}

func DefaultLimits() Limits {
	return Limits{TriggerCount: 40, WarnCount: 80, MaxMessages: 100}
}

type Config struct {
	Limits        Limits
	StreamTimeout time.Duration
	// CoalesceChars is the target size of display chunks sent to onUpdate.
	CoalesceChars int
}

// Store is the slice of the data-access service the engine needs.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (interview.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]interview.Message, error)
	AppendMessage(ctx context.Context, msg interview.Message) (interview.Message, error)
	RecordExchange(ctx context.Context, sessionID string, delta int, at time.Time) (interview.Session, error)
	FlagForReview(ctx context.Context, sessionID string) (interview.Session, error)
}

type SettingsProvider interface {
	Current(ctx context.Context) (llm.Settings, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req synthesis.Request) (synthesis.Result, error)
}

// Update is one display event for an in-flight assistant turn. The final
// update has IsStreaming false and Content equal to the persisted text.
type Update struct {
	SessionID   string `json:"session_id"`
	MessageID   string `json:"message_id"`
	Delta       string `json:"delta,omitempty"`
	Content     string `json:"content"`
	IsStreaming bool   `json:"is_streaming"`
}

type UpdateFunc func(Update)

// Exchange is the outcome of one SendMessage call.
type Exchange struct {
	UserMessage      *interview.Message
	AssistantMessage *interview.Message
	Session          interview.Session
	// Cancelled is set when the stream was aborted; no assistant turn was saved.
	Cancelled          bool
	SynthesisTriggered bool
	Synthesis          *synthesis.Result
	SynthesisErr       error
}

type Deps struct {
	Store       Store
	Gateway     llm.Gateway
	Settings    SettingsProvider
	Synthesizer Synthesizer
	Logger      *logging.Logger
	Metrics     *observability.Metrics
	Events      events.Publisher
}

type Engine struct {
	store    Store
	gateway  llm.Gateway
	settings SettingsProvider
	synth    Synthesizer
	log      *logging.Logger
	metrics  *observability.Metrics
	events   events.Publisher
	cfg      Config
	now      func() time.Time

	mu    sync.Mutex
	slots map[string]*slot
}

// slot tracks the single in-flight stream of a session.
type slot struct {
	state   StreamState
	cancel  context.CancelCauseFunc
	partial interview.LocalMessage
	done    chan struct{}
}

func New(deps Deps, cfg Config) *Engine {
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 60 * time.Second
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
	return &Engine{
		store:    deps.Store,
		gateway:  deps.Gateway,
		settings: settings,
		synth:    deps.Synthesizer,
		log:      log.With("component", "conversation"),
		metrics:  deps.Metrics,
		events:   pub,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		slots:    make(map[string]*slot),
	}
}

func (e *Engine) Limits() Limits {
	return e.cfg.Limits
}

// State reports whether a stream is running for the session.
func (e *Engine) State(sessionID string) StreamState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.slots[sessionID]; ok {
		return s.state
	}
	return StateIdle
}

// Partial returns the transient assistant turn being streamed, if any.
func (e *Engine) Partial(sessionID string) (interview.LocalMessage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[sessionID]
	if !ok || s.partial.ID == "" {
		return interview.LocalMessage{}, false
	}
	return s.partial, true
}

// Cancel aborts the session's in-flight stream. The aborted call returns
// without error and saves no assistant turn.
func (e *Engine) Cancel(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[sessionID]
	if !ok || s.state != StateStreaming {
		return false
	}
	s.state = StateAborting
	s.cancel(errCancelled)
	return true
}

// CancelAndWait aborts any in-flight stream and waits until its call has
// released the session.
func (e *Engine) CancelAndWait(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	s, ok := e.slots[sessionID]
	if ok && s.state == StateStreaming {
		s.state = StateAborting
		s.cancel(errCancelled)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) acquire(ctx context.Context, sessionID string) (context.Context, *slot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.slots[sessionID]; busy {
		return nil, nil, false
	}
	sctx, cancel := context.WithCancelCause(ctx)
	s := &slot{state: StateStreaming, cancel: cancel, done: make(chan struct{})}
	e.slots[sessionID] = s
	return sctx, s, true
}

func (e *Engine) release(sessionID string, s *slot) {
	e.mu.Lock()
	if e.slots[sessionID] == s {
		delete(e.slots, sessionID)
	}
	e.mu.Unlock()
	s.cancel(nil)
	close(s.done)
}

func (e *Engine) setPartial(s *slot, msg interview.LocalMessage) {
	e.mu.Lock()
	s.partial = msg
	e.mu.Unlock()
}

// StartConversation streams and persists the interviewer's opening message.
// It returns nil without error when the session already has messages, is not
// chatting, or is streaming.
func (e *Engine) StartConversation(ctx context.Context, sessionID, clientName string, onUpdate UpdateFunc) (*interview.Message, error) {
	sctx, s, ok := e.acquire(ctx, sessionID)
	if !ok {
		return nil, nil
	}
	defer e.release(sessionID, s)

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Deleted() || sess.Status != interview.StatusChatting {
		return nil, nil
	}
	history, err := e.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	if len(history) > 0 {
		return nil, nil
	}

	log := e.log.With("session_id", sessionID, "client_id", sess.ClientID)
	settings := e.currentSettings(ctx, log)
	req := e.chatRequest(settings, clientName, []llm.Turn{llm.SeedTurn(clientName)})

	messageID := uuid.NewString()
	raw, err := e.stream(sctx, s, sessionID, messageID, req, onUpdate)
	if errors.Is(err, errCancelled) {
		log.Debug("opening message cancelled")
		return nil, nil
	}
	if err != nil {
		log.Warn("opening message failed", "error", err)
		return nil, err
	}

	pctx := context.WithoutCancel(ctx)
	msg, err := e.persistAssistant(pctx, sess, messageID, raw, onUpdate)
	if err != nil {
		return nil, err
	}
	log.Info("conversation started")
	return &msg, nil
}

// SendMessage appends the user's turn, streams and persists the reply, then
// applies safety limits and completion detection. When completion is
// detected synthesis runs before returning; its failure is reported in
// Exchange.SynthesisErr, not as the call's error.
func (e *Engine) SendMessage(ctx context.Context, sessionID, clientName, content string, onUpdate UpdateFunc) (Exchange, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Exchange{}, ErrEmptyMessage
	}
	sctx, s, ok := e.acquire(ctx, sessionID)
	if !ok {
		return Exchange{}, ErrStreamInProgress
	}
	released := false
	release := func() {
		if !released {
			released = true
			e.release(sessionID, s)
		}
	}
	defer release()

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return Exchange{}, err
	}
	if sess.Deleted() || sess.Status != interview.StatusChatting {
		return Exchange{Session: sess}, ErrSessionNotChatting
	}
	log := e.log.With("session_id", sessionID, "client_id", sess.ClientID)

	// The user turn is saved first so it survives a failed reply.
	userMsg, err := e.store.AppendMessage(ctx, interview.Message{
		SessionID: sessionID,
		Role:      interview.RoleUser,
		Content:   content,
		CreatedAt: e.now(),
	})
	if err != nil {
		return Exchange{Session: sess}, fmt.Errorf("persist user turn: %w", err)
	}
	e.publish(ctx, events.ForSession(events.MessageAppended, sess))
	ex := Exchange{UserMessage: &userMsg, Session: sess}
	log.Debug("user turn saved", "preview", policy.LogPreview(content, 80))

	history, err := e.store.ListMessages(ctx, sessionID)
	if err != nil {
		return ex, fmt.Errorf("load messages: %w", err)
	}
	settings := e.currentSettings(ctx, log)
	req := e.chatRequest(settings, clientName, turnsFrom(clientName, history))

	messageID := uuid.NewString()
	raw, err := e.stream(sctx, s, sessionID, messageID, req, onUpdate)
	if errors.Is(err, errCancelled) {
		log.Debug("reply cancelled")
		ex.Cancelled = true
		return ex, nil
	}
	if err != nil {
		log.Warn("reply failed", "error", err)
		return ex, err
	}

	// From here on the reply is complete; finish the bookkeeping even if the
	// caller goes away.
	pctx := context.WithoutCancel(ctx)
	asst, err := e.persistAssistant(pctx, sess, messageID, raw, onUpdate)
	if err != nil {
		return ex, err
	}
	ex.AssistantMessage = &asst

	updated, err := e.store.RecordExchange(pctx, sessionID, 2, e.now())
	if err != nil {
		return ex, fmt.Errorf("record exchange: %w", err)
	}
	updated = e.applyLimits(pctx, log, updated.MessageCount-2, updated)
	ex.Session = updated
	e.publish(pctx, events.ForSession(events.SessionUpdated, updated))

	release()

	markerSeen := llm.HasCompletionMarker(raw)
	limits := e.cfg.Limits
	failsafe := limits.TriggerCount > 0 && updated.MessageCount >= limits.TriggerCount
	if !markerSeen && !failsafe {
		return ex, nil
	}
	ex.SynthesisTriggered = true
	log.Info("interview complete, starting synthesis", "marker", markerSeen, "message_count", updated.MessageCount)
	if e.synth == nil {
		return ex, nil
	}
	res, err := e.synth.Synthesize(pctx, synthesis.Request{
		SessionID:  sessionID,
		ClientID:   updated.ClientID,
		ClientName: clientName,
	})
	if err != nil {
		log.Warn("synthesis failed", "error", err)
		ex.SynthesisErr = err
	} else {
		ex.Synthesis = &res
	}
	if latest, err := e.store.GetSession(pctx, sessionID); err == nil {
		ex.Session = latest
	}
	return ex, nil
}

func (e *Engine) persistAssistant(ctx context.Context, sess interview.Session, messageID, raw string, onUpdate UpdateFunc) (interview.Message, error) {
	msg, err := e.store.AppendMessage(ctx, interview.Message{
		ID:        messageID,
		SessionID: sess.ID,
		Role:      interview.RoleAssistant,
		Content:   llm.StripCompletionMarker(raw),
		CreatedAt: e.now(),
	})
	if err != nil {
		return interview.Message{}, fmt.Errorf("persist assistant turn: %w", err)
	}
	if onUpdate != nil {
		onUpdate(Update{SessionID: sess.ID, MessageID: msg.ID, Content: msg.Content})
	}
	e.publish(ctx, events.ForSession(events.MessageAppended, sess))
	return msg, nil
}

// applyLimits warns when the warning threshold is first crossed and flags the
// session once it reaches the ceiling. Status is never changed here.
func (e *Engine) applyLimits(ctx context.Context, log *logging.Logger, before int, sess interview.Session) interview.Session {
	limits := e.cfg.Limits
	if limits.WarnCount > 0 && before < limits.WarnCount && sess.MessageCount >= limits.WarnCount {
		log.Warn("interview is running long", "message_count", sess.MessageCount, "warn_at", limits.WarnCount)
	}
	if limits.MaxMessages <= 0 || sess.MessageCount < limits.MaxMessages || sess.FlaggedForReview {
		return sess
	}
	flagged, err := e.store.FlagForReview(ctx, sess.ID)
	if err != nil {
		log.Error("flag session for review failed", "error", err)
		return sess
	}
	e.metrics.SessionFlagged()
	log.Warn("session reached message ceiling, flagged for review", "message_count", flagged.MessageCount)
	return flagged
}

func (e *Engine) currentSettings(ctx context.Context, log *logging.Logger) llm.Settings {
	settings, err := e.settings.Current(ctx)
	if err != nil {
		log.Warn("llm settings unavailable, using defaults", "error", err)
	}
	return settings
}

func (e *Engine) chatRequest(settings llm.Settings, clientName string, turns []llm.Turn) llm.ChatRequest {
	return llm.ChatRequest{
		Model:        settings.Model,
		SystemPrompt: llm.RenderChatPrompt(settings.ChatSystemPrompt, clientName),
		Turns:        turns,
		ClientName:   clientName,
		MaxTokens:    llm.ChatMaxTokens,
	}
}

// turnsFrom maps the transcript onto gateway turns. Providers want the
// conversation to open with a user turn, so the seed turn is restored in
// front of the persisted opening message.
func turnsFrom(clientName string, history []interview.Message) []llm.Turn {
	turns := make([]llm.Turn, 0, len(history)+1)
	if len(history) > 0 && history[0].Role == interview.RoleAssistant {
		turns = append(turns, llm.SeedTurn(clientName))
	}
	for _, m := range history {
		turns = append(turns, llm.Turn{Role: string(m.Role), Content: m.Content})
	}
	return turns
}

type streamChunk struct {
	text string
	err  error
}

// stream runs one chat stream under the watchdog and returns the raw reply,
// marker included. Display updates go to onUpdate with the marker removed.
func (e *Engine) stream(ctx context.Context, s *slot, sessionID, messageID string, req llm.ChatRequest, onUpdate UpdateFunc) (string, error) {
	sctx, cancel := context.WithTimeoutCause(ctx, e.cfg.StreamTimeout, ErrStreamTimeout)
	defer cancel()

	started := time.Now()
	e.metrics.StreamStarted()
	outcome := "error"
	defer func() {
		e.metrics.StreamFinished(outcome, time.Since(started))
	}()

	st, err := e.gateway.StreamChat(sctx, req)
	if err != nil {
		err = classifyStreamError(sctx, err)
		outcome = outcomeFor(err)
		return "", err
	}
	defer st.Close()

	// Recv may block past the deadline; pump it so the select below can
	// give up on time. Closing the stream unblocks the pump.
	chunks := make(chan streamChunk, 16)
	go func() {
		defer close(chunks)
		for {
			text, err := st.Recv()
			select {
			case chunks <- streamChunk{text: text, err: err}:
			case <-sctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var (
		raw     strings.Builder
		display strings.Builder
		filter  markerFilter
		first   = true
	)
	coalescer := newDeltaCoalescer(e.cfg.CoalesceChars)
	emit := func(parts []string) {
		for _, p := range parts {
			display.WriteString(p)
			local := interview.LocalMessage{
				ID:          messageID,
				Role:        interview.RoleAssistant,
				Content:     display.String(),
				IsStreaming: true,
			}
			e.setPartial(s, local)
			if onUpdate != nil {
				onUpdate(Update{SessionID: sessionID, MessageID: messageID, Delta: p, Content: local.Content, IsStreaming: true})
			}
		}
	}

	for {
		select {
		case <-sctx.Done():
			err = classifyStreamError(sctx, sctx.Err())
			outcome = outcomeFor(err)
			return "", err
		case c, ok := <-chunks:
			if !ok {
				err = classifyStreamError(sctx, sctx.Err())
				outcome = outcomeFor(err)
				return "", err
			}
			if errors.Is(c.err, io.EOF) {
				emit(coalescer.Consume(filter.Flush()))
				emit(coalescer.Finalize())
				outcome = "ok"
				return raw.String(), nil
			}
			if c.err != nil {
				err = classifyStreamError(sctx, c.err)
				outcome = outcomeFor(err)
				return "", err
			}
			if first && c.text != "" {
				first = false
				e.metrics.ObserveFirstDelta(time.Since(started))
			}
			raw.WriteString(c.text)
			emit(coalescer.Consume(filter.Push(c.text)))
		}
	}
}

// classifyStreamError maps a stream failure onto the engine's errors using
// the cause recorded on the stream context.
func classifyStreamError(sctx context.Context, err error) error {
	cause := context.Cause(sctx)
	switch {
	case errors.Is(cause, ErrStreamTimeout):
		return ErrStreamTimeout
	case cause != nil:
		return errCancelled
	case err == nil:
		return &StreamError{Err: io.ErrUnexpectedEOF, Retryable: true}
	}
	return &StreamError{Err: err, Retryable: llm.IsRetryable(err)}
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errCancelled):
		return "cancelled"
	case errors.Is(err, ErrStreamTimeout):
		return "timeout"
	default:
		return "error"
	}
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.events.Publish(ctx, ev); err != nil {
		e.log.Warn("publish event failed", "type", ev.Type, "error", err)
	}
}
