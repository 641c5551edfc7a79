// Package protocol defines the wire format spoken over the pairing channel:
// a small JSON frame protocol on top of the backend WebSocket. Importable by
// other clients of the automation backend.
package protocol

import "encoding/json"

// Protocol version negotiated at connect time.
const ProtocolVersion = 1

// Frame types
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Methods the client may invoke over the channel.
const (
	MethodConnect        = "connect"
	MethodPairingTrigger = "pairing.trigger"
)

// RequestFrame is sent by the client to invoke a channel method.
type RequestFrame struct {
	Type   string          `json:"type"`   // always "req"
	ID     string          `json:"id"`     // unique request ID (client-generated)
	Method string          `json:"method"` // method name
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers a request.
type ResponseFrame struct {
	Type    string          `json:"type"` // always "res"
	ID      string          `json:"id"`   // matches request ID
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// ErrorShape describes a protocol-level error.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame is pushed from the backend without a preceding request.
// Payload stays raw: event payloads are untyped and normalized downstream.
type EventFrame struct {
	Type    string          `json:"type"`  // always "event"
	Event   string          `json:"event"` // event name (drifts across backend versions)
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// TriggerParams is the single outbound message of the pairing flow: it asks
// the backend to start issuing a pairing code for the subject.
type TriggerParams struct {
	SubjectID string `json:"subjectId"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// NewRequest builds a request frame with marshaled params.
func NewRequest(id, method string, params any) (*RequestFrame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &RequestFrame{
		Type:   FrameTypeRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}, nil
}

// ParseFrameType extracts the frame type from raw JSON bytes.
func ParseFrameType(data []byte) (string, error) {
	var raw struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	return raw.Type, nil
}
