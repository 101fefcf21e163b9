// Package envelope defines the JSON envelopes carried on the broker between
// the submitting client and the document workers, plus the error taxonomy
// shared by both sides of the protocol.
//
// Design principles:
//   - Envelopes are plain UTF-8 JSON; no schema registry, no binary framing.
//   - Decode validates required fields so malformed messages are rejected at
//     the boundary, not deep inside the dispatch loop.
//   - Request identifiers are UUIDv4 (crypto/rand backed); they namespace the
//     reply subject, the ephemeral consumer and the object-store key.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/climateandtech/pdf/internal/engine"
)

// Reply status discriminants.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Request is the control message published on <prefix>.process.<request-id>.
// The payload itself never rides the broker; S3Key points at it.
type Request struct {
	RequestID      string          `json:"request_id"`
	S3Key          string          `json:"s3_key"`
	Bucket         string          `json:"bucket,omitempty"`
	S3URL          string          `json:"s3_url,omitempty"`
	DoclingOptions json.RawMessage `json:"docling_options,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`

	// FileSize and ProcessingTimeout are advisory; workers must not rely
	// on them being present.
	FileSize          int64 `json:"file_size,omitempty"`
	ProcessingTimeout int   `json:"processing_timeout,omitempty"`
}

// Reply is published on <prefix>.result.<request-id>. Exactly one of Result
// or Error is meaningful, selected by Status.
type Reply struct {
	RequestID string         `json:"request_id"`
	Status    string         `json:"status"`
	Result    *engine.Result `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// NewRequestID returns a fresh 128-bit random identifier in UUID form.
func NewRequestID() string {
	return uuid.NewString()
}

// Encode marshals the request after validating it.
func (r *Request) Encode() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// Validate checks the required request fields.
func (r *Request) Validate() error {
	if r.RequestID == "" {
		return E(KindEnvelopeInvalid, "request_id is required")
	}
	if r.S3Key == "" {
		return E(KindEnvelopeInvalid, "s3_key is required")
	}
	return nil
}

// DecodeRequest parses a request envelope. A JSON-level failure and a
// missing-field failure are distinguishable by the caller: the former
// returns an empty RequestID alongside the error, the latter returns
// whatever identifier the envelope carried so an error reply stays routable.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, Wrap(KindEnvelopeInvalid, "malformed request envelope", err)
	}
	if err := req.Validate(); err != nil {
		return &req, err
	}
	return &req, nil
}

// Encode marshals the reply.
func (r *Reply) Encode() ([]byte, error) {
	if r.RequestID == "" {
		return nil, E(KindEnvelopeInvalid, "request_id is required")
	}
	switch r.Status {
	case StatusSuccess, StatusError:
	default:
		return nil, E(KindEnvelopeInvalid, fmt.Sprintf("unknown reply status %q", r.Status))
	}
	return json.Marshal(r)
}

// DecodeReply parses a reply envelope.
func DecodeReply(data []byte) (*Reply, error) {
	var rep Reply
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, Wrap(KindEnvelopeInvalid, "malformed reply envelope", err)
	}
	if rep.RequestID == "" {
		return nil, E(KindEnvelopeInvalid, "reply missing request_id")
	}
	return &rep, nil
}

// SuccessReply builds a success reply for a request.
func SuccessReply(requestID string, res *engine.Result) *Reply {
	return &Reply{RequestID: requestID, Status: StatusSuccess, Result: res}
}

// ErrorReply builds an error reply for a request.
func ErrorReply(requestID, message string) *Reply {
	return &Reply{RequestID: requestID, Status: StatusError, Error: message}
}
