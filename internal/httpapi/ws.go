package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RLAsoftware/category-of-one/internal/conversation"
	"github.com/RLAsoftware/category-of-one/internal/events"
	"github.com/RLAsoftware/category-of-one/internal/interview"
	"github.com/RLAsoftware/category-of-one/internal/policy"
	"github.com/RLAsoftware/category-of-one/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
	wsOutboundSize = 256
)

// wsConn serializes writes to one websocket through an outbound queue.
type wsConn struct {
	conn     *websocket.Conn
	outbound chan any
	ctx      context.Context
	cancel   context.CancelFunc
	s        *Server
}

func (s *Server) newWSConn(ctx context.Context, conn *websocket.Conn) *wsConn {
	ctx, cancel := context.WithCancel(ctx)
	return &wsConn{
		conn:     conn,
		outbound: make(chan any, wsOutboundSize),
		ctx:      ctx,
		cancel:   cancel,
		s:        s,
	}
}

// send queues v, blocking until there is room or the connection is gone.
func (c *wsConn) send(v any) {
	select {
	case <-c.ctx.Done():
	case c.outbound <- v:
	}
}

// trySend drops v when the queue is saturated.
func (c *wsConn) trySend(v any) {
	select {
	case c.outbound <- v:
		c.s.metrics.WSMessage("outbound_queued", string(messageTypeOf(v)))
	default:
		c.s.metrics.WSMessage("outbound_dropped", string(messageTypeOf(v)))
	}
}

func (c *wsConn) writeLoop(done chan<- struct{}) {
	defer close(done)
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case msg := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.s.metrics.WSMessage("outbound_error", string(messageTypeOf(msg)))
				c.cancel()
				return
			}
			c.s.metrics.WSMessage("outbound", string(messageTypeOf(msg)))
		}
	}
}

func (c *wsConn) prepareRead() {
	c.conn.SetReadLimit(64 << 10)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})
}

func (c *wsConn) errorEvent(sessionID, source string, err error) protocol.ErrorEvent {
	e := classify(err)
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      e.Code,
		Source:    source,
		Retryable: e.Retryable,
		Detail:    e.Message,
	}
}

func (s *Server) handleInterviewWS(w http.ResponseWriter, r *http.Request) {
	sess, client, ok := s.sessionAccess(w, r, policy.ActionChat)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvent("ws_connected")

	c := s.newWSConn(context.WithoutCancel(r.Context()), conn)
	defer c.cancel()
	writerDone := make(chan struct{})
	go c.writeLoop(writerDone)

	if view, err := s.lifecycle.Resume(c.ctx, sess.ID); err == nil {
		c.send(protocol.SessionState{
			Type:        protocol.TypeSessionState,
			Session:     view.Session,
			Messages:    view.Messages,
			Profile:     view.Profile,
			Partial:     view.Partial,
			StreamState: string(s.conv.State(sess.ID)),
		})
	} else {
		c.send(c.errorEvent(sess.ID, "session", err))
	}

	if s.bus != nil {
		feed, unsubscribe := s.bus.Subscribe(sess.ClientID)
		defer unsubscribe()
		go c.relaySynthesisStarts(sess.ID, feed)
	}

	var work sync.WaitGroup
	onUpdate := func(u conversation.Update) {
		if !u.IsStreaming {
			return
		}
		c.send(protocol.AssistantDelta{
			Type:      protocol.TypeAssistantDelta,
			SessionID: u.SessionID,
			MessageID: u.MessageID,
			Delta:     u.Delta,
			Content:   u.Content,
		})
	}

	c.prepareRead()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.trySend(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sess.ID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			})
			continue
		}
		s.metrics.WSMessage("inbound", string(messageTypeOf(parsed)))

		switch m := parsed.(type) {
		case protocol.Start:
			work.Add(1)
			go func() {
				defer work.Done()
				msg, err := s.conv.StartConversation(c.ctx, sess.ID, client.Name, onUpdate)
				if err != nil {
					c.send(c.errorEvent(sess.ID, "conversation", err))
					return
				}
				if msg != nil {
					c.send(assistantFrame(sess.ID, *msg))
				}
			}()
		case protocol.SendMessage:
			work.Add(1)
			go func() {
				defer work.Done()
				s.runExchange(c, sess.ID, client.Name, m.Content, onUpdate)
			}()
		case protocol.Cancel:
			s.conv.Cancel(sess.ID)
		}
	}

	// Leaving the page aborts the in-flight reply; nothing partial is saved.
	c.cancel()
	work.Wait()
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

func (s *Server) runExchange(c *wsConn, sessionID, clientName, content string, onUpdate conversation.UpdateFunc) {
	exch, err := s.conv.SendMessage(c.ctx, sessionID, clientName, content, onUpdate)
	if err != nil {
		c.send(c.errorEvent(sessionID, "conversation", err))
		return
	}
	if exch.AssistantMessage != nil {
		c.send(assistantFrame(sessionID, *exch.AssistantMessage))
	}
	c.send(protocol.ExchangeComplete{
		Type:               protocol.TypeExchangeComplete,
		SessionID:          sessionID,
		UserMessage:        exch.UserMessage,
		AssistantMessage:   exch.AssistantMessage,
		Session:            exch.Session,
		Cancelled:          exch.Cancelled,
		SynthesisTriggered: exch.SynthesisTriggered,
	})
	switch {
	case exch.Synthesis != nil:
		c.send(protocol.ProfileReady{
			Type:        protocol.TypeProfileReady,
			SessionID:   sessionID,
			Profile:     exch.Synthesis.Profile,
			NeedsReview: exch.Synthesis.Profile.NeedsReview,
		})
	case exch.SynthesisErr != nil:
		c.send(c.errorEvent(sessionID, "synthesis", exch.SynthesisErr))
	}
}

// relaySynthesisStarts turns the session's move into generating_profile into
// a synthesis_started frame.
func (c *wsConn) relaySynthesisStarts(sessionID string, feed <-chan events.Event) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			if ev.SessionID == sessionID && ev.Type == events.SessionUpdated && ev.Status == interview.StatusGeneratingProfile {
				c.trySend(protocol.SynthesisStarted{Type: protocol.TypeSynthesisStarted, SessionID: sessionID})
			}
		}
	}
}

func assistantFrame(sessionID string, msg interview.Message) protocol.AssistantMessage {
	return protocol.AssistantMessage{
		Type:      protocol.TypeAssistantMessage,
		SessionID: sessionID,
		Message:   msg,
	}
}

// handleDashboardWS streams the caller's session change events.
func (s *Server) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	_, client, ok := s.actingClient(w, r)
	if !ok {
		return
	}
	if s.bus == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "realtime events are not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := s.newWSConn(context.WithoutCancel(r.Context()), conn)
	defer c.cancel()
	feed, unsubscribe := s.bus.Subscribe(client.ID)
	defer unsubscribe()

	writerDone := make(chan struct{})
	go c.writeLoop(writerDone)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer c.cancel()
		c.prepareRead()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				var closeErr *websocket.CloseError
				if !errors.As(err, &closeErr) {
					s.log.Debug("dashboard websocket read ended", "client_id", client.ID, "error", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			<-writerDone
			_ = conn.Close()
			<-readerDone
			return
		case ev, ok := <-feed:
			if !ok {
				feed = nil
				c.cancel()
				continue
			}
			c.trySend(protocol.SessionEvent{Type: protocol.TypeSessionEvent, Event: ev})
		}
	}
}

func messageTypeOf(v any) protocol.MessageType {
	switch m := v.(type) {
	case protocol.Start:
		return m.Type
	case protocol.SendMessage:
		return m.Type
	case protocol.Cancel:
		return m.Type
	case protocol.AssistantDelta:
		return m.Type
	case protocol.AssistantMessage:
		return m.Type
	case protocol.ExchangeComplete:
		return m.Type
	case protocol.SynthesisStarted:
		return m.Type
	case protocol.ProfileReady:
		return m.Type
	case protocol.SessionState:
		return m.Type
	case protocol.SessionEvent:
		return m.Type
	case protocol.ErrorEvent:
		return m.Type
	default:
		return "unknown"
	}
}
