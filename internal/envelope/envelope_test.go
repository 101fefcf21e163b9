package envelope

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/climateandtech/pdf/internal/engine"
)

func TestRequest_RoundTrip(t *testing.T) {
	req := &Request{
		RequestID:         NewRequestID(),
		S3Key:             "raw/abc.pdf",
		Bucket:            "documents",
		S3URL:             "https://minio.local/documents/raw/abc.pdf",
		DoclingOptions:    []byte(`{"do_ocr":true}`),
		Timestamp:         time.Now().UTC().Truncate(time.Second),
		FileSize:          1024,
		ProcessingTimeout: 300,
	}

	data, err := req.Encode()
	require.NoError(t, err)

	got, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestRequest_ValidateRequiredFields(t *testing.T) {
	err := (&Request{S3Key: "raw/x.pdf"}).Validate()
	require.Error(t, err)
	assert.Equal(t, KindEnvelopeInvalid, KindOf(err))

	err = (&Request{RequestID: "abc"}).Validate()
	require.Error(t, err)
	assert.Equal(t, KindEnvelopeInvalid, KindOf(err))
}

func TestDecodeRequest_MalformedJSON(t *testing.T) {
	req, err := DecodeRequest([]byte("not json"))
	require.Error(t, err)
	assert.Nil(t, req)
	assert.Equal(t, KindEnvelopeInvalid, KindOf(err))
}

// A request with an identifier but a missing s3_key must come back alongside
// the error so an error reply can still be routed.
func TestDecodeRequest_InvalidButRoutable(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"request_id": "r-1"}`))
	require.Error(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "r-1", req.RequestID)
}

func TestReply_RoundTrip(t *testing.T) {
	rep := SuccessReply("r-1", &engine.Result{
		Text:     "hello",
		Markdown: "# hello",
		Metadata: engine.Metadata{Pages: 3, Format: "pdf", ProcessedBy: engine.ProducerTag},
	})

	data, err := rep.Encode()
	require.NoError(t, err)

	got, err := DecodeReply(data)
	require.NoError(t, err)
	assert.Equal(t, rep, got)
}

func TestReply_EncodeRejectsUnknownStatus(t *testing.T) {
	_, err := (&Reply{RequestID: "r-1", Status: "pending"}).Encode()
	require.Error(t, err)

	_, err = (&Reply{Status: StatusSuccess}).Encode()
	require.Error(t, err)
}

func TestDecodeReply_MissingRequestID(t *testing.T) {
	_, err := DecodeReply([]byte(`{"status": "success"}`))
	require.Error(t, err)
	assert.Equal(t, KindEnvelopeInvalid, KindOf(err))
}

func TestErrorReply(t *testing.T) {
	rep := ErrorReply("r-2", "engine exploded")
	assert.Equal(t, StatusError, rep.Status)
	assert.Equal(t, "engine exploded", rep.Error)
	assert.Nil(t, rep.Result)
}

func TestNewRequestID_Unique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewRequestID()
		assert.Len(t, id, 36)
		_, dup := seen[id]
		assert.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(E(KindTimeout, "slow")))
	assert.Equal(t, KindBackpressure, KindOf(fmt.Errorf("publish: %w", E(KindBackpressure, "full"))))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(KindObjectStoreTransient, "upload", cause)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "upload: root cause", err.Error())
}
