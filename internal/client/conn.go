// ABOUTME: Connection lifecycle: dial, identify, read loop, heartbeat, reconnect with backoff.
// ABOUTME: A lost connection rejects every pending call before reconnecting.

package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/mcplink/internal/protocol"
	"github.com/2389/mcplink/internal/transport"
)

// State is the connection manager state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Connect opens the connection and identifies the agent. It is a no-op when
// already connected. On failure the client stays Disconnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateShuttingDown:
		err := c.terminal
		c.mu.Unlock()
		return err
	case StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.establish(ctx); err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// establish dials and identifies, then publishes the connection and starts
// its read loop and heartbeat. Identify goes out before the connection is
// visible to callers, so no request can precede it on the wire.
func (c *Client) establish(ctx context.Context) error {
	conn, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	if err := c.identify(ctx, conn); err != nil {
		_ = conn.Close("identify failed")
		return fmt.Errorf("%w: identify: %v", ErrNotConnected, err)
	}

	c.mu.Lock()
	if c.state == StateShuttingDown {
		c.mu.Unlock()
		_ = conn.Close("client closed")
		return c.Err()
	}
	connCtx, cancel := context.WithCancel(c.ctx)
	c.conn = conn
	c.connCancel = cancel
	c.state = StateConnected
	c.attempts = 0
	c.wg.Add(2)
	c.mu.Unlock()

	go c.readLoop(connCtx, conn)
	go c.heartbeat(connCtx, conn)

	if subs := c.subscriptions(); len(subs) > 0 {
		if err := c.sendSubscription(ctx, protocol.EventSubscribe, subs); err != nil {
			c.logger.Warn("re-subscribing after connect", "error", err)
		}
	}

	c.logger.Info("connected to gateway", "url", c.cfg.URL)
	return nil
}

func (c *Client) identify(ctx context.Context, conn transport.Conn) error {
	env, err := protocol.NewEvent(protocol.EventIdentify, protocol.IdentifyPayload{
		AgentID:         c.cfg.AgentID,
		AgentType:       c.cfg.AgentType,
		Capabilities:    c.cfg.Capabilities,
		ProtocolVersion: protocol.Version,
	})
	if err != nil {
		return err
	}
	return c.write(ctx, conn, env)
}

// send writes env on the current connection.
func (c *Client) send(ctx context.Context, env *protocol.Envelope) error {
	c.mu.Lock()
	conn, state, terminal := c.conn, c.state, c.terminal
	c.mu.Unlock()

	if terminal != nil {
		return terminal
	}
	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}
	if err := c.write(ctx, conn, env); err != nil {
		c.handleLoss(conn, err)
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// write serializes writes so frames leave in send order.
func (c *Client) write(ctx context.Context, conn transport.Conn, env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, data)
}

func (c *Client) readLoop(ctx context.Context, conn transport.Conn) {
	defer c.wg.Done()

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.handleLoss(conn, err)
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed envelope", "error", err)
			continue
		}
		c.handleEnvelope(ctx, conn, env)
	}
}

func (c *Client) handleEnvelope(ctx context.Context, conn transport.Conn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeResponse, protocol.TypeBatchResponse:
		c.corr.Resolve(env)

	case protocol.TypeError:
		if env.RequestID == "" {
			c.logger.Warn("gateway reported error", "error", env.Error)
			return
		}
		c.corr.Resolve(env)

	case protocol.TypeEvent:
		c.handleEvent(env)

	case protocol.TypePing:
		if err := c.write(ctx, conn, &protocol.Envelope{Type: protocol.TypePong}); err != nil {
			c.logger.Debug("answering ping", "error", err)
		}

	case protocol.TypePong:
		c.lastPong.Store(time.Now().UnixNano())

	case protocol.TypeRequest, protocol.TypeBatchRequest:
		reply := protocol.NewError(env.RequestID, "agents do not serve requests")
		if err := c.write(ctx, conn, reply); err != nil {
			c.logger.Debug("rejecting inbound request", "error", err)
		}
	}
}

func (c *Client) handleEvent(env *protocol.Envelope) {
	if env.EventName == protocol.EventIdentified {
		var ack protocol.IdentifiedPayload
		if err := env.DecodePayload(&ack); err != nil {
			c.logger.Warn("bad identified payload", "error", err)
		} else {
			c.mu.Lock()
			c.serverCaps = ack.Capabilities
			c.sessionID = ack.SessionID
			c.mu.Unlock()
			c.logger.Debug("identified by gateway",
				"session_id", ack.SessionID,
				"server_id", ack.ServerID,
				"capabilities", ack.Capabilities,
			)
		}
	}

	if c.onEvent != nil {
		c.onEvent(env.EventName, env.Payload)
	}
}

func (c *Client) heartbeat(ctx context.Context, conn transport.Conn) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(ctx, conn, &protocol.Envelope{Type: protocol.TypePing}); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.handleLoss(conn, err)
				return
			}
		}
	}
}

// handleLoss tears down conn, rejects pending calls and starts reconnecting.
// Only the first report for a given connection has any effect.
func (c *Client) handleLoss(conn transport.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || c.state == StateShuttingDown {
		c.mu.Unlock()
		return
	}
	cancel := c.connCancel
	c.conn = nil
	c.connCancel = nil
	c.state = StateReconnecting
	c.wg.Add(1)
	c.mu.Unlock()

	cancel()
	_ = conn.Close("connection lost")

	n := c.corr.RejectAll(fmt.Errorf("%w: %v", ErrConnectionLost, cause))
	c.logger.Warn("connection lost",
		"error", cause,
		"rejected_calls", n,
	)

	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	policy := c.cfg.Reconnect
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		c.mu.Lock()
		if c.state == StateShuttingDown {
			c.mu.Unlock()
			return
		}
		c.attempts = attempt
		c.mu.Unlock()

		delay := policy.Delay(attempt)
		c.logger.Info("reconnecting",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.metrics.RecordReconnect(c.ctx)
		err := c.establish(c.ctx)
		if err == nil {
			return
		}
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}

	c.fail(ErrReconnectExhausted)
}

// fail moves the client to its terminal state with err.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.state == StateShuttingDown {
		c.mu.Unlock()
		return
	}
	c.state = StateShuttingDown
	c.terminal = err
	c.mu.Unlock()

	c.batcher.Close(err)
	c.corr.RejectAll(err)
	c.doneOnce.Do(func() { close(c.done) })
	c.cancel()

	c.logger.Error("giving up on gateway connection", "error", err)
	if c.onFatal != nil {
		c.onFatal(err)
	}
}

// Close shuts the client down. It is idempotent. Pending and queued calls
// fail with ErrClosed (or the terminal error if the client had already
// given up). Background tasks and in-flight batch flushes get ShutdownGrace
// to finish.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateShuttingDown
	if c.terminal == nil {
		c.terminal = ErrClosed
	}
	reason := c.terminal
	conn, cancel := c.conn, c.connCancel
	c.conn = nil
	c.connCancel = nil
	c.mu.Unlock()

	c.batcher.Close(reason)
	c.corr.RejectAll(reason)
	c.doneOnce.Do(func() { close(c.done) })

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close("client shutdown")
	}
	c.cancel()

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		c.batcher.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(c.cfg.ShutdownGrace):
		c.logger.Warn("background tasks did not stop within grace period",
			"grace", c.cfg.ShutdownGrace)
	}

	if errors.Is(reason, ErrClosed) {
		c.logger.Info("client closed")
	}
	return nil
}
