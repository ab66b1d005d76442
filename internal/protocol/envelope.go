// ABOUTME: Wire envelope exchanged between agents and the gateway over one websocket.
// ABOUTME: Defines message types, batch entries/results, encoding and validation.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol version sent in the identify event.
const Version = "1.0"

// MessageType identifies the kind of envelope on the wire.
type MessageType string

const (
	TypeRequest       MessageType = "request"
	TypeResponse      MessageType = "response"
	TypeBatchRequest  MessageType = "batch_request"
	TypeBatchResponse MessageType = "batch_response"
	TypeEvent         MessageType = "event"
	TypeError         MessageType = "error"
	TypePing          MessageType = "ping"
	TypePong          MessageType = "pong"
)

// Built-in event names handled by the protocol layer itself.
const (
	EventIdentify    = "identify"
	EventIdentified  = "identified"
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
)

// ErrMalformed is returned by Decode for envelopes that cannot be processed.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is one structured message unit on the connection.
type Envelope struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    map[string]any  `json:"params,omitempty"`
	Requests  []BatchEntry    `json:"requests,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Results   []BatchResult   `json:"results,omitempty"`
	EventName string          `json:"event_name,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// BatchEntry is one sub-request inside a batch_request.
type BatchEntry struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// BatchResult is one positional result inside a batch_response.
// Exactly one of Payload or Error is meaningful; a non-empty Error marks failure.
type BatchResult struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Failed reports whether the result is an error marker.
func (r BatchResult) Failed() bool {
	return r.Error != ""
}

// IdentifyPayload is the payload of the identify event sent by an agent.
type IdentifyPayload struct {
	AgentID         string   `json:"agent_id"`
	AgentType       string   `json:"agent_type,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	ProtocolVersion string   `json:"protocol_version"`
}

// IdentifiedPayload is the gateway's acknowledgment of a successful identify.
type IdentifiedPayload struct {
	AgentID         string   `json:"agent_id"`
	SessionID       string   `json:"session_id"`
	ServerID        string   `json:"server_id"`
	ProtocolVersion string   `json:"protocol_version"`
	Capabilities    []string `json:"capabilities"`
}

// SubscribePayload names the events an agent wants to (un)subscribe from.
type SubscribePayload struct {
	Events []string `json:"events"`
}

// NewRequest builds a single request envelope.
func NewRequest(requestID, method string, params map[string]any) *Envelope {
	return &Envelope{Type: TypeRequest, RequestID: requestID, Method: method, Params: params}
}

// NewBatchRequest builds a batch_request envelope from ordered entries.
func NewBatchRequest(requestID string, entries []BatchEntry) *Envelope {
	return &Envelope{Type: TypeBatchRequest, RequestID: requestID, Requests: entries}
}

// NewResponse wraps a handler result. The value is marshaled to JSON.
func NewResponse(requestID string, result any) (*Envelope, error) {
	raw, err := MarshalPayload(result)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: TypeResponse, RequestID: requestID, Payload: raw}, nil
}

// NewError builds an error envelope answering requestID (which may be empty
// when the offending envelope could not be parsed).
func NewError(requestID, message string) *Envelope {
	return &Envelope{Type: TypeError, RequestID: requestID, Error: message}
}

// NewEvent builds an event envelope. The payload is marshaled to JSON.
func NewEvent(name string, payload any) (*Envelope, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: TypeEvent, EventName: name, Payload: raw}, nil
}

// MarshalPayload encodes v for the payload field. Raw JSON passes through.
func MarshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return raw, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return nil
}

// Encode serializes an envelope to a text frame.
func Encode(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// Decode parses and validates a text frame. On validation failure the
// returned envelope is non-nil when the JSON parsed, so callers can still
// answer with the offending request_id.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return &e, err
	}
	return &e, nil
}

// Validate checks the fields required by the envelope's type.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeRequest:
		if e.RequestID == "" || e.Method == "" {
			return fmt.Errorf("%w: request requires request_id and method", ErrMalformed)
		}
	case TypeBatchRequest:
		if e.RequestID == "" {
			return fmt.Errorf("%w: batch_request requires request_id", ErrMalformed)
		}
		if len(e.Requests) == 0 {
			return fmt.Errorf("%w: batch_request has no requests", ErrMalformed)
		}
		for i, r := range e.Requests {
			if r.Method == "" {
				return fmt.Errorf("%w: batch entry %d has no method", ErrMalformed, i)
			}
		}
	case TypeResponse, TypeBatchResponse:
		if e.RequestID == "" {
			return fmt.Errorf("%w: %s requires request_id", ErrMalformed, e.Type)
		}
	case TypeEvent:
		if e.EventName == "" {
			return fmt.Errorf("%w: event requires event_name", ErrMalformed)
		}
	case TypeError, TypePing, TypePong:
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, e.Type)
	}
	return nil
}
