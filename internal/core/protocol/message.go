// Package protocol defines the frames exchanged on the client channel.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/zeusync/remoteserver/internal/core/errs"
)

// Methods handled by the transport itself rather than a dispatcher handler.
const (
	MethodDisconnect = "disconnect"
)

type Status string

const (
	StatusConnected    Status = "connected"
	StatusOK           Status = "ok"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// Frame is a call from a client. Type tags the payload so it can be checked
// before it is decoded.
type Frame struct {
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply answers a Frame with the same ID. The handshake reply has ID 0.
type Reply struct {
	ID       uint64          `json:"id"`
	Status   Status          `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *ErrorBody      `json:"error,omitempty"`
	ServerID string          `json:"server_id,omitempty"`
	ClientID string          `json:"client_id,omitempty"`
}

type ErrorBody struct {
	Code    errs.Code `json:"code"`
	Message string    `json:"message"`
}

// Err rebuilds the error carried by the body, matching the errs sentinel
// of its code.
func (b *ErrorBody) Err() error {
	if b == nil {
		return nil
	}
	return errs.FromCode(b.Code, b.Message)
}

// NewErrorReply encodes err for frame id. Errors without a code are
// reported as internal errors.
func NewErrorReply(id uint64, err error) *Reply {
	code := errs.CodeOf(err)
	if code == errs.CodeUnknown {
		code = errs.CodeInternal
	}
	return &Reply{
		ID:     id,
		Status: StatusError,
		Error:  &ErrorBody{Code: code, Message: err.Error()},
	}
}

// NewResultReply encodes result for frame id.
func NewResultReply(id uint64, result any) (*Reply, error) {
	reply := &Reply{ID: id, Status: StatusOK}
	if result == nil {
		return reply, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	reply.Result = data
	return reply, nil
}

// JSONCodec encodes frames and replies as JSON text.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) DecodeFrame(data []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errs.InvalidArgument("malformed frame: %v", err)
	}
	if frame.Method == "" {
		return nil, errs.InvalidArgument("frame %d has no method", frame.ID)
	}
	return &frame, nil
}

func (JSONCodec) DecodeReply(data []byte) (*Reply, error) {
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("malformed reply: %w", err)
	}
	return &reply, nil
}
