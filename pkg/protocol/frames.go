// Package protocol defines the wire format shared by the worker gateway,
// its dashboard WebSocket stream and external queue producers.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is checked during the connect handshake.
const ProtocolVersion = 1

// Every frame carries one of these in its "type" field.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame invokes a gateway method. ID is chosen by the client and
// echoed in the response.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers one request: Payload when OK, Error otherwise.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload any         `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// ErrorShape is the error body of a response or an HTTP error reply.
type ErrorShape struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *ErrorShape) Error() string { return e.Code + ": " + e.Message }

// EventFrame is pushed to subscribed clients. Seq increases per server.
type EventFrame struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	Seq     int64  `json:"seq,omitempty"`
}

func NewOKResponse(id string, payload any) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse marks the error retryable when its code is transient.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  FrameTypeResponse,
		ID:    id,
		Error: &ErrorShape{Code: code, Message: message, Retryable: IsRetryable(code)},
	}
}

func NewEvent(event string, payload any) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: event, Payload: payload}
}

// ParseFrameType reads only the "type" field of a frame.
func ParseFrameType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", err
	}
	return head.Type, nil
}

var errMissingMethod = errors.New("request has no method")

// DecodeRequest parses a request frame and checks its type and method.
// The returned frame is usable for an error reply even when err is set,
// so the client still sees its request ID.
func DecodeRequest(data []byte) (*RequestFrame, error) {
	var req RequestFrame
	if err := json.Unmarshal(data, &req); err != nil {
		return &req, fmt.Errorf("malformed request: %w", err)
	}
	if req.Type != FrameTypeRequest {
		return &req, fmt.Errorf("unexpected frame type %q", req.Type)
	}
	if req.Method == "" {
		return &req, errMissingMethod
	}
	return &req, nil
}
