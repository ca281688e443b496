package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the Gateway protocol version this client speaks.
const Version = 3

// Frame kinds.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// Well-known methods.
const (
	MethodConnect    = "connect"
	MethodChatSend   = "chat.send"
	MethodChatAbort  = "chat.abort"
	MethodModelsList = "models.list"
)

// Well-known events.
const (
	EventChallenge     = "connect.challenge"
	EventChat          = "chat"
	EventTick          = "tick"
	EventShutdown      = "shutdown"
	EventStreamTimeout = "chat.stream_timeout" // synthesized locally, never sent by the Gateway
)

// Request is a client-to-Gateway request frame.
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a Gateway reply to a Request.
type Response struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// ErrorShape is the error body of a failed Response.
type ErrorShape struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	Retryable *bool           `json:"retryable,omitempty"`
}

// Event is a server-pushed event frame.
type Event struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

// Frame is a parsed inbound frame. Exactly one of Request, Response or Event is set.
type Frame struct {
	Kind     string
	Request  *Request
	Response *Response
	Event    *Event
}

// NewRequest builds a request frame, encoding params as JSON.
// Params that are already json.RawMessage are used as-is.
func NewRequest(id, method string, params any) (Request, error) {
	req := Request{
		Type:   FrameRequest,
		ID:     id,
		Method: method,
	}

	switch p := params.(type) {
	case nil:
	case json.RawMessage:
		req.Params = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return Request{}, fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = data
	}

	return req, nil
}

// Encode serializes the request for the wire.
func (r Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Err converts a failed response into a classified error. It returns nil for ok responses.
func (r Response) Err() error {
	if r.OK {
		return nil
	}
	if r.Error == nil {
		return &RemoteError{Code: "UNKNOWN", Message: "request failed without error details"}
	}
	return ClassifyRemote(*r.Error)
}

// rawFrame is the union of every frame field, used before validation.
type rawFrame struct {
	Type    *string         `json:"type"`
	ID      *string         `json:"id"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	OK      *bool           `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *ErrorShape     `json:"error"`
	Event   *string         `json:"event"`
	Seq     *int64          `json:"seq"`
}

// ParseFrame validates and decodes one inbound frame.
// Malformed frames yield a *ProtocolAnomaly.
func ParseFrame(data []byte) (Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, &ProtocolAnomaly{Code: "INVALID_JSON", Message: fmt.Sprintf("invalid json: %v", err)}
	}

	if raw.Type == nil {
		return Frame{}, &ProtocolAnomaly{Code: "MISSING_TYPE", Message: "missing 'type' field"}
	}

	switch *raw.Type {
	case FrameRequest:
		if raw.ID == nil {
			return Frame{}, &ProtocolAnomaly{Code: "MISSING_ID", Message: "request missing 'id' field"}
		}
		if raw.Method == nil {
			return Frame{}, &ProtocolAnomaly{Code: "MISSING_METHOD", Message: "request missing 'method' field"}
		}
		return Frame{
			Kind: FrameRequest,
			Request: &Request{
				Type:   FrameRequest,
				ID:     *raw.ID,
				Method: *raw.Method,
				Params: raw.Params,
			},
		}, nil

	case FrameResponse:
		if raw.ID == nil {
			return Frame{}, &ProtocolAnomaly{Code: "MISSING_ID", Message: "response missing 'id' field"}
		}
		ok := raw.OK != nil && *raw.OK
		return Frame{
			Kind: FrameResponse,
			Response: &Response{
				Type:    FrameResponse,
				ID:      *raw.ID,
				OK:      ok,
				Payload: raw.Payload,
				Error:   raw.Error,
			},
		}, nil

	case FrameEvent:
		if raw.Event == nil {
			return Frame{}, &ProtocolAnomaly{Code: "MISSING_EVENT", Message: "event missing 'event' field"}
		}
		return Frame{
			Kind: FrameEvent,
			Event: &Event{
				Type:    FrameEvent,
				Event:   *raw.Event,
				Payload: raw.Payload,
				Seq:     raw.Seq,
			},
		}, nil
	}

	return Frame{}, &ProtocolAnomaly{Code: "UNKNOWN_TYPE", Message: fmt.Sprintf("unknown frame type: %s", *raw.Type)}
}
