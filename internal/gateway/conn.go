// ABOUTME: Per-connection protocol loop: identify handshake, then requests, events and heartbeats
// ABOUTME: The read goroutine answers heartbeats; a per-session worker handles the rest in arrival order

package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/mcplink/internal/agent"
	"github.com/2389/mcplink/internal/protocol"
	"github.com/2389/mcplink/internal/store"
	"github.com/2389/mcplink/internal/telemetry"
	"github.com/2389/mcplink/internal/transport"
)

// Error messages sent to agents.
const (
	msgNotIdentified     = "agent not identified"
	msgAlreadyIdentified = "agent already identified"
	msgDuplicateRequest  = "duplicate request id"
)

// ErrUnsupportedVersion rejects an identify with an incompatible protocol version.
var ErrUnsupportedVersion = errors.New("unsupported protocol version")

// ErrInvalidIdentify rejects an identify event with a missing or bad payload.
var ErrInvalidIdentify = errors.New("invalid identify")

// inboxSize bounds the envelopes queued behind a slow handler. A full inbox
// stalls reads from that agent until the worker catches up.
const inboxSize = 64

// maxCloseReason is the websocket limit on close reason length, less headroom.
const maxCloseReason = 100

// inbound is one decoded frame waiting for the session worker. invalid holds
// the validation error for an envelope that parsed but cannot be handled.
type inbound struct {
	env     *protocol.Envelope
	invalid error
}

// ServeConn runs the protocol on conn until it closes or ctx is canceled.
// The flow is:
//  1. Agent sends the identify event (anything else is answered or dropped)
//  2. Gateway replies with the identified event and registers the session
//  3. Requests, batch requests, pings and subscription events follow
//
// After identify the read goroutine records liveness and answers pings
// itself, so a long-running handler never makes a live agent look stale.
// Everything else is queued for a single worker that preserves FIFO order.
func (g *Gateway) ServeConn(ctx context.Context, conn transport.Conn) {
	if !g.trackConn() {
		_ = conn.Close("gateway shutting down")
		return
	}
	defer g.conns.Done()

	sess, err := g.handshake(ctx, conn)
	if err != nil {
		g.logger.Debug("handshake failed", "error", err)
		_ = conn.Close(closeReason(err))
		return
	}

	g.openSession(ctx, sess)
	defer g.closeSession(sess)

	ctx, cancel := context.WithCancel(ctx)
	inbox := make(chan inbound, inboxSize)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		g.drainInbox(ctx, sess, inbox)
	}()
	defer func() {
		cancel()
		<-workerDone
	}()

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			_ = sess.Close(closeReason(err))
			return
		}
		sess.Touch()

		env, err := protocol.Decode(data)
		if env == nil {
			g.logger.Warn("dropping unparseable frame", "agent_id", sess.AgentID, "error", err)
			continue
		}
		if err == nil {
			switch env.Type {
			case protocol.TypePing:
				g.send(ctx, sess, &protocol.Envelope{Type: protocol.TypePong})
				continue
			case protocol.TypePong:
				// Touch already recorded the liveness.
				continue
			}
		}

		select {
		case inbox <- inbound{env: env, invalid: err}:
		case <-sess.Done():
			return
		case <-ctx.Done():
			_ = sess.Close(closeReason(ctx.Err()))
			return
		}
	}
}

// drainInbox handles queued envelopes one at a time until the session closes.
func (g *Gateway) drainInbox(ctx context.Context, sess *agent.Session, inbox <-chan inbound) {
	for {
		select {
		case in := <-inbox:
			if in.invalid != nil {
				g.send(ctx, sess, protocol.NewError(in.env.RequestID, in.invalid.Error()))
				continue
			}
			g.handleEnvelope(ctx, sess, in.env)
		case <-sess.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// closeReason keeps websocket close reasons short without splitting a rune.
func closeReason(err error) string {
	msg := err.Error()
	if len(msg) <= maxCloseReason {
		return msg
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// handshake reads until the agent identifies. Requests that arrive first are
// refused so the agent's callers fail fast instead of timing out.
func (g *Gateway) handshake(ctx context.Context, conn transport.Conn) (*agent.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, g.identifyTimeout)
	defer cancel()

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("awaiting identify: %w", err)
		}

		env, err := protocol.Decode(data)
		if err != nil {
			g.replyMalformed(ctx, conn, env, err)
			continue
		}

		switch {
		case env.Type == protocol.TypeEvent && env.EventName == protocol.EventIdentify:
			return g.identify(ctx, conn, env)

		case env.Type == protocol.TypePing:
			g.writeRaw(ctx, conn, &protocol.Envelope{Type: protocol.TypePong})

		case env.Type == protocol.TypeRequest || env.Type == protocol.TypeBatchRequest:
			g.writeRaw(ctx, conn, protocol.NewError(env.RequestID, msgNotIdentified))

		default:
			g.logger.Debug("dropping envelope before identify", "type", env.Type, "event", env.EventName)
		}
	}
}

// identify validates the identify payload, acknowledges it and builds the
// session. The session is not yet registered.
func (g *Gateway) identify(ctx context.Context, conn transport.Conn, env *protocol.Envelope) (*agent.Session, error) {
	var p protocol.IdentifyPayload
	if err := env.DecodePayload(&p); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidIdentify, err)
		g.writeRaw(ctx, conn, protocol.NewError("", err.Error()))
		return nil, err
	}
	if p.AgentID == "" {
		err := fmt.Errorf("%w: agent_id is required", ErrInvalidIdentify)
		g.writeRaw(ctx, conn, protocol.NewError("", err.Error()))
		return nil, err
	}
	if !supportedVersion(p.ProtocolVersion) {
		err := fmt.Errorf("%w %q (gateway speaks %s)", ErrUnsupportedVersion, p.ProtocolVersion, protocol.Version)
		g.writeRaw(ctx, conn, protocol.NewError("", err.Error()))
		g.logger.Warn("rejected agent", "agent_id", p.AgentID, "error", err)
		return nil, err
	}

	sess := agent.NewSession(agent.SessionParams{
		ID:           uuid.NewString(),
		AgentID:      p.AgentID,
		AgentType:    p.AgentType,
		Capabilities: p.Capabilities,
		Conn:         conn,
		WriteTimeout: g.config.Sessions.WriteTimeout,
		LatencyAlpha: g.config.Sessions.LatencyAlpha,
		Logger:       g.logger,
	})

	ack, err := protocol.NewEvent(protocol.EventIdentified, protocol.IdentifiedPayload{
		AgentID:         sess.AgentID,
		SessionID:       sess.ID,
		ServerID:        g.serverID,
		ProtocolVersion: protocol.Version,
		Capabilities:    g.dispatcher.Methods(),
	})
	if err != nil {
		return nil, err
	}
	if err := sess.Send(ctx, ack); err != nil {
		return nil, fmt.Errorf("sending identified: %w", err)
	}
	return sess, nil
}

// supportedVersion accepts any version with the gateway's major number.
func supportedVersion(v string) bool {
	major, _, _ := strings.Cut(v, ".")
	want, _, _ := strings.Cut(protocol.Version, ".")
	return major != "" && major == want
}

func (g *Gateway) openSession(ctx context.Context, sess *agent.Session) {
	if prev := g.registry.Register(sess); prev != nil {
		// Subscriptions are keyed by agent id; the new session starts clean.
		g.broadcaster.RemoveAgent(sess.AgentID)
		_ = prev.Close("replaced by new session")
	}
	g.metrics.SessionOpened(ctx, sess.AgentType)

	if g.store == nil {
		return
	}
	err := g.store.RecordConnect(ctx, &store.SessionRecord{
		SessionID:    sess.ID,
		AgentID:      sess.AgentID,
		AgentType:    sess.AgentType,
		Capabilities: sess.Capabilities,
		ConnectedAt:  sess.ConnectedAt,
	})
	if err != nil {
		g.logger.Warn("recording session connect", "session_id", sess.ID, "error", err)
	}
}

// closeSession runs the disconnect cleanup. Removing a replaced session
// leaves its successor's registry entry and subscriptions untouched.
func (g *Gateway) closeSession(sess *agent.Session) {
	_ = sess.Close("connection closed")

	if g.registry.Unregister(sess) {
		g.broadcaster.RemoveAgent(sess.AgentID)
	}
	g.dedupe.Forget(sess.ID)

	// The connection context is usually canceled by now.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g.metrics.SessionClosed(ctx, sess.AgentType)

	if g.store == nil {
		return
	}
	info := sess.Info()
	err := g.store.RecordDisconnect(ctx, sess.ID, store.SessionEnd{
		At:           time.Now(),
		Reason:       sess.CloseReason(),
		RequestCount: info.RequestCount,
		AvgLatencyMS: info.AvgLatencyMS,
	})
	if err != nil {
		g.logger.Warn("recording session disconnect", "session_id", sess.ID, "error", err)
	}
}

// handleEnvelope runs on the session worker.
func (g *Gateway) handleEnvelope(ctx context.Context, sess *agent.Session, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRequest, protocol.TypeBatchRequest:
		g.handleRequest(ctx, sess, env)

	case protocol.TypeEvent:
		g.handleEvent(ctx, sess, env)

	default:
		g.logger.Debug("ignoring envelope from agent",
			"agent_id", sess.AgentID,
			"type", env.Type,
			"request_id", env.RequestID,
		)
	}
}

func (g *Gateway) handleRequest(ctx context.Context, sess *agent.Session, env *protocol.Envelope) {
	if g.dedupe.Seen(sess.ID, env.RequestID) {
		g.logger.Warn("duplicate request id",
			"agent_id", sess.AgentID,
			"request_id", env.RequestID,
		)
		g.metrics.RecordRequest(ctx, env.Method, telemetry.OutcomeDuplicate, 0)
		g.send(ctx, sess, protocol.NewError(env.RequestID, msgDuplicateRequest))
		return
	}

	start := time.Now()
	reply := g.dispatcher.Dispatch(ctx, env)
	sess.RecordRequest(time.Since(start))

	g.send(ctx, sess, reply)
}

func (g *Gateway) handleEvent(ctx context.Context, sess *agent.Session, env *protocol.Envelope) {
	switch env.EventName {
	case protocol.EventIdentify:
		g.send(ctx, sess, protocol.NewError("", msgAlreadyIdentified))

	case protocol.EventSubscribe, protocol.EventUnsubscribe:
		var p protocol.SubscribePayload
		if err := env.DecodePayload(&p); err != nil {
			g.send(ctx, sess, protocol.NewError("", fmt.Sprintf("invalid %s: %v", env.EventName, err)))
			return
		}
		if env.EventName == protocol.EventSubscribe {
			g.broadcaster.Subscribe(sess.AgentID, p.Events...)
		} else {
			g.broadcaster.Unsubscribe(sess.AgentID, p.Events...)
		}

	default:
		g.logger.Debug("ignoring agent event", "agent_id", sess.AgentID, "event", env.EventName)
	}
}

// send writes to an identified session. Failures surface through the read
// loop, so they are only logged here.
func (g *Gateway) send(ctx context.Context, sess *agent.Session, env *protocol.Envelope) {
	if err := sess.Send(ctx, env); err != nil {
		g.logger.Debug("sending to agent failed",
			"agent_id", sess.AgentID,
			"type", env.Type,
			"request_id", env.RequestID,
			"error", err,
		)
	}
}

// writeRaw writes before a session exists. Only the handshake goroutine
// writes at that point, so no lock is needed.
func (g *Gateway) writeRaw(ctx context.Context, conn transport.Conn, env *protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		g.logger.Warn("encoding envelope", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.config.Sessions.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		g.logger.Debug("writing to unidentified connection", "error", err)
	}
}

// replyMalformed answers an envelope that parsed as JSON but failed
// validation. Unparseable frames are dropped.
func (g *Gateway) replyMalformed(ctx context.Context, conn transport.Conn, env *protocol.Envelope, err error) {
	if env == nil {
		g.logger.Warn("dropping unparseable frame", "error", err)
		return
	}
	g.writeRaw(ctx, conn, protocol.NewError(env.RequestID, err.Error()))
}
