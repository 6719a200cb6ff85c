// Package wire implements the prover wire protocol: a message-based
// protocol between the proxy and its backend workers, transported over
// WebSocket. Every message is a Frame; the job payload inside it stays
// opaque to the proxy.
package wire

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is the protocol envelope. Every message exchanged with a worker
// is a Frame.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation for request frames (e.g., "prove").
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Data carries the method-specific payload.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in a response or error frame.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// ── Well-known methods ──────────────────────────────

const (
	// MethodProve asks a worker to generate a proof for an opaque payload.
	MethodProve = "prove"

	// MethodStatus asks a worker for its current load and version.
	MethodStatus = "status"
)

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest  = 400
	ErrCodeNotFound    = 404
	ErrCodeBusy        = 409
	ErrCodeInternal    = 500
	ErrCodeUnavailable = 503
	ErrCodeTimeout     = 504
)

// ── Request/Response payloads ───────────────────────

// ProveRequest submits a proving job to a worker.
type ProveRequest struct {
	JobID   string `json:"job_id"`
	Payload []byte `json:"payload"`
}

// ProveResponse carries a finished proof back to the proxy.
type ProveResponse struct {
	JobID string `json:"job_id"`
	Proof []byte `json:"proof"`
}

// StatusResponse describes a worker's current condition.
type StatusResponse struct {
	Version string `json:"version,omitempty"`
	Busy    bool   `json:"busy"`
}

// NewRequestFrame creates a new request frame.
func NewRequestFrame(id, method string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        id,
		Type:      FrameRequest,
		Method:    method,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:       GenerateFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewPingFrame creates a liveness probe frame.
func NewPingFrame() *Frame {
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FramePing,
		Timestamp: time.Now().UTC(),
	}
}

var frameSeq atomic.Uint64

// GenerateFrameID returns a new unique frame ID: a timestamp for
// readability plus a process-wide sequence number, so frames created in
// the same clock tick still get distinct IDs.
func GenerateFrameID() string {
	ts := time.Now().UTC().Format("20060102150405.000000000")
	return ts + "-" + strconv.FormatUint(frameSeq.Add(1), 10)
}
