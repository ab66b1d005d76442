// ABOUTME: Error values surfaced to callers of the agent client.
// ABOUTME: Connection errors share ErrConnection so callers can test one sentinel.

package client

import (
	"errors"
	"fmt"
)

// ErrConnection is the parent of every transport-level failure.
var ErrConnection = errors.New("connection error")

var (
	// ErrNotConnected is returned when a call is flushed while no connection is up.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrConnection)

	// ErrConnectionLost rejects calls that were in flight when the socket dropped.
	ErrConnectionLost = fmt.Errorf("%w: connection lost", ErrConnection)

	// ErrReconnectExhausted is terminal: the client gave up reconnecting.
	ErrReconnectExhausted = fmt.Errorf("%w: reconnect attempts exhausted", ErrConnection)

	// ErrClosed is returned after Close.
	ErrClosed = fmt.Errorf("%w: client closed", ErrConnection)

	// ErrConnectInProgress is returned by Connect while another dial is running.
	ErrConnectInProgress = errors.New("connect already in progress")
)

// ErrTimeout is returned when no response arrives within the call deadline.
var ErrTimeout = errors.New("request timed out")

// ErrProtocol is returned for responses that do not fit the request they answer.
var ErrProtocol = errors.New("protocol error")

// ErrDuplicateRequestID indicates a request id is already pending.
var ErrDuplicateRequestID = errors.New("duplicate request id")

// RemoteError is a failure reported by the gateway for one call: a handler
// error, an unknown method, or a rejected request. It is terminal for the call.
type RemoteError struct {
	RequestID string
	Method    string
	Message   string
}

func (e *RemoteError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("remote error (%s): %s", e.Method, e.Message)
	}
	return "remote error: " + e.Message
}
