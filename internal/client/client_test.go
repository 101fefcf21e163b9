package client

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/climateandtech/pdf/internal/config"
	"github.com/climateandtech/pdf/internal/engine"
	"github.com/climateandtech/pdf/internal/envelope"
	"github.com/climateandtech/pdf/internal/objectstore"
)

// ── fakes ─────────────────────────────────────────────────────────────────

type fakeStore struct {
	mu      sync.Mutex
	putErr  error
	deleted []string
	puts    []string

	presignErr error
}

func (f *fakeStore) Put(_ context.Context, key string, _ objectstore.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.puts = append(f.puts, key)
	return nil
}

func (f *fakeStore) Get(context.Context, string) ([]byte, error) { return nil, nil }

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return "https://signed.example/" + key, nil
}

func (f *fakeStore) Bucket() string { return "documents" }

func (f *fakeStore) deletedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeFetcher struct {
	fetchFn func() ([]*nats.Msg, error)
}

func (f *fakeFetcher) Fetch(_ int, _ ...nats.PullOpt) ([]*nats.Msg, error) {
	return f.fetchFn()
}

type fakeBus struct {
	mu           sync.Mutex
	ensureErr    error
	subscribeErr error
	publishErr   error

	subscribed []string
	dropped    []string
	published  []publishedMsg

	// replyFor builds the reply payload for the request id extracted from
	// the reply subject. When nil the fetcher times out.
	replyFor func(requestID string) ([]*nats.Msg, error)
}

type publishedMsg struct {
	subject string
	data    []byte
}

func (f *fakeBus) EnsureStream(nats.StreamConfig) error { return f.ensureErr }

func (f *fakeBus) Subscribe(subject, durable, stream string) (ReplyFetcher, error) {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, durable)
	f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	requestID := subject[strings.LastIndex(subject, ".")+1:]
	return &fakeFetcher{fetchFn: func() ([]*nats.Msg, error) {
		if f.replyFor == nil {
			return nil, nats.ErrTimeout
		}
		return f.replyFor(requestID)
	}}, nil
}

func (f *fakeBus) DropConsumer(_, durable string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, durable)
}

func (f *fakeBus) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMsg{subject: subject, data: data})
	return nil
}

func (f *fakeBus) droppedDurables() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dropped...)
}

func successReplyMsg(t *testing.T, requestID string, res *engine.Result) []*nats.Msg {
	t.Helper()
	data, err := envelope.SuccessReply(requestID, res).Encode()
	require.NoError(t, err)
	return []*nats.Msg{{Data: data}}
}

func testConfig() *config.Config {
	return &config.Config{
		NATS: config.NATSConfig{StreamName: "DOCUMENTS", SubjectPrefix: "docs"},
		S3: config.S3Config{
			Bucket: "documents", MultipartThreshold: 1, PartSize: 1,
			Concurrency: 1, PresignTTL: time.Hour,
		},
		Processing: config.ProcessingConfig{
			Timeout:        time.Second,
			CleanupOnError: true,
		},
	}
}

func newTestClient(t *testing.T, bus *fakeBus, store *fakeStore) *Client {
	t.Helper()
	return newWithBus(bus, store, testConfig(), zaptest.NewLogger(t))
}

// ── Submit ────────────────────────────────────────────────────────────────

func TestSubmit_HappyPath(t *testing.T) {
	bus := &fakeBus{}
	bus.replyFor = func(requestID string) ([]*nats.Msg, error) {
		return successReplyMsg(t, requestID, &engine.Result{
			Text: "converted", Metadata: engine.Metadata{Pages: 2},
		}), nil
	}
	store := &fakeStore{}
	c := newTestClient(t, bus, store)

	res, err := c.Submit(context.Background(), objectstore.FromBytes([]byte("%PDF-1.4")), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "converted", res.Text)
	assert.Equal(t, 2, res.Metadata.Pages)

	// Payload survives the success path.
	assert.Empty(t, store.deletedKeys())
	// The ephemeral consumer is dropped regardless.
	require.Len(t, bus.droppedDurables(), 1)
	assert.True(t, strings.HasPrefix(bus.droppedDurables()[0], "result_"))

	// The published envelope is valid and points at the uploaded key.
	require.Len(t, bus.published, 1)
	req, err := envelope.DecodeRequest(bus.published[0].data)
	require.NoError(t, err)
	assert.Equal(t, "documents", req.Bucket)
	assert.True(t, strings.HasPrefix(req.S3Key, "raw/"))
	assert.True(t, strings.HasSuffix(req.S3Key, ".pdf"))
	assert.Contains(t, req.S3URL, "signed.example")
	assert.Equal(t, int64(8), req.FileSize)
	assert.Equal(t, "docs.process."+req.RequestID, bus.published[0].subject)
}

func TestSubmit_SubscribeBeforePublish(t *testing.T) {
	var order []string
	bus := &fakeBus{}
	store := &fakeStore{}
	c := newTestClient(t, bus, store)

	bus.replyFor = func(requestID string) ([]*nats.Msg, error) {
		order = append(order, "fetch")
		return successReplyMsg(t, requestID, &engine.Result{}), nil
	}

	_, err := c.Submit(context.Background(), objectstore.FromBytes([]byte("x")), nil, 0)
	require.NoError(t, err)

	// Subscription existed before the request was published.
	require.Len(t, bus.subscribed, 1)
	require.Len(t, bus.published, 1)
	require.Equal(t, []string{"fetch"}, order)
}

func TestSubmit_TimeoutCleansUp(t *testing.T) {
	bus := &fakeBus{} // replyFor nil: every fetch times out
	store := &fakeStore{}
	c := newTestClient(t, bus, store)

	_, err := c.Submit(context.Background(), objectstore.FromBytes([]byte("x")), nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, envelope.KindTimeout, envelope.KindOf(err))

	// Error path: consumer dropped and payload deleted.
	assert.Len(t, bus.droppedDurables(), 1)
	require.Len(t, store.deletedKeys(), 1)
	assert.Equal(t, store.puts[0], store.deletedKeys()[0])
}

func TestSubmit_CleanupDisabledKeepsPayload(t *testing.T) {
	bus := &fakeBus{}
	store := &fakeStore{}
	c := newTestClient(t, bus, store)
	c.cfg.Processing.CleanupOnError = false

	_, err := c.Submit(context.Background(), objectstore.FromBytes([]byte("x")), nil, 0)
	require.Error(t, err)
	assert.Empty(t, store.deletedKeys())
	// The consumer is still dropped: only payload cleanup is conditional.
	assert.Len(t, bus.droppedDurables(), 1)
}

func TestSubmit_BackpressureKind(t *testing.T) {
	bus := &fakeBus{publishErr: &nats.APIError{Description: "maximum messages exceeded"}}
	store := &fakeStore{}
	c := newTestClient(t, bus, store)

	_, err := c.Submit(context.Background(), objectstore.FromBytes([]byte("x")), nil, 0)
	require.Error(t, err)
	assert.Equal(t, envelope.KindBackpressure, envelope.KindOf(err))
	assert.Len(t, store.deletedKeys(), 1)
}

func TestSubmit_UploadFailureShortCircuits(t *testing.T) {
	bus := &fakeBus{}
	store := &fakeStore{putErr: envelope.E(envelope.KindObjectStoreTransient, "upload failed")}
	c := newTestClient(t, bus, store)

	_, err := c.Submit(context.Background(), objectstore.FromBytes([]byte("x")), nil, 0)
	require.Error(t, err)
	assert.Equal(t, envelope.KindObjectStoreTransient, envelope.KindOf(err))
	// Nothing was subscribed or published after the failed upload.
	assert.Empty(t, bus.subscribed)
	assert.Empty(t, bus.published)
	// Nothing to delete: the upload never landed.
	assert.Empty(t, store.deletedKeys())
}

func TestSubmit_PresignFailureIsNonFatal(t *testing.T) {
	bus := &fakeBus{}
	bus.replyFor = func(requestID string) ([]*nats.Msg, error) {
		return successReplyMsg(t, requestID, &engine.Result{}), nil
	}
	store := &fakeStore{presignErr: errors.New("presign unsupported")}
	c := newTestClient(t, bus, store)

	_, err := c.Submit(context.Background(), objectstore.FromBytes([]byte("x")), nil, 0)
	require.NoError(t, err)

	req, err := envelope.DecodeRequest(bus.published[0].data)
	require.NoError(t, err)
	assert.Empty(t, req.S3URL)
}

func TestSubmit_ErrorReplyBecomesEngineKind(t *testing.T) {
	bus := &fakeBus{}
	bus.replyFor = func(requestID string) ([]*nats.Msg, error) {
		data, err := envelope.ErrorReply(requestID, "parse failure: bad xref").Encode()
		require.NoError(t, err)
		return []*nats.Msg{{Data: data}}, nil
	}
	store := &fakeStore{}
	c := newTestClient(t, bus, store)

	_, err := c.Submit(context.Background(), objectstore.FromBytes([]byte("x")), nil, 0)
	require.Error(t, err)
	assert.Equal(t, envelope.KindEngine, envelope.KindOf(err))
	assert.Contains(t, err.Error(), "parse failure")
	// Error replies count as errors: payload swept.
	assert.Len(t, store.deletedKeys(), 1)
}

func TestSubmit_MismatchedReplyID(t *testing.T) {
	bus := &fakeBus{}
	bus.replyFor = func(string) ([]*nats.Msg, error) {
		return successReplyMsg(t, "someone-elses-request", &engine.Result{}), nil
	}
	store := &fakeStore{}
	c := newTestClient(t, bus, store)

	_, err := c.Submit(context.Background(), objectstore.FromBytes([]byte("x")), nil, 0)
	require.Error(t, err)
	assert.Equal(t, envelope.KindInternal, envelope.KindOf(err))
}

func TestSubmit_SuccessReplyWithoutResult(t *testing.T) {
	bus := &fakeBus{}
	bus.replyFor = func(requestID string) ([]*nats.Msg, error) {
		data, err := json.Marshal(map[string]any{
			"request_id": requestID, "status": envelope.StatusSuccess,
		})
		require.NoError(t, err)
		return []*nats.Msg{{Data: data}}, nil
	}
	store := &fakeStore{}
	c := newTestClient(t, bus, store)

	_, err := c.Submit(context.Background(), objectstore.FromBytes([]byte("x")), nil, 0)
	require.Error(t, err)
	assert.Equal(t, envelope.KindEnvelopeInvalid, envelope.KindOf(err))
}

// Concurrent submits must never receive each other's replies: the reply-id
// identity check plus per-request subjects keep them isolated.
func TestSubmit_ConcurrentIsolation(t *testing.T) {
	bus := &fakeBus{}
	bus.replyFor = func(requestID string) ([]*nats.Msg, error) {
		return successReplyMsg(t, requestID, &engine.Result{Text: requestID}), nil
	}
	store := &fakeStore{}
	c := newTestClient(t, bus, store)

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Submit(context.Background(), objectstore.FromBytes([]byte("x")), nil, 0)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.NoError(t, errs[i])
	}
	assert.Len(t, bus.droppedDurables(), n)
	assert.Empty(t, store.deletedKeys())
}

func TestSubmit_OptionsForwardedVerbatim(t *testing.T) {
	bus := &fakeBus{}
	bus.replyFor = func(requestID string) ([]*nats.Msg, error) {
		return successReplyMsg(t, requestID, &engine.Result{}), nil
	}
	store := &fakeStore{}
	c := newTestClient(t, bus, store)

	opts := json.RawMessage(`{"do_ocr":true,"vlm_model":"granite"}`)
	_, err := c.Submit(context.Background(), objectstore.FromBytes([]byte("x")), opts, 0)
	require.NoError(t, err)

	req, err := envelope.DecodeRequest(bus.published[0].data)
	require.NoError(t, err)
	assert.JSONEq(t, string(opts), string(req.DoclingOptions))
}

// ── named-resource storage ────────────────────────────────────────────────

func TestDocumentKey(t *testing.T) {
	assert.Equal(t, "documents/report-7.pdf", DocumentKey("Report-7"))
}

func TestStoreDocumentLifecycle(t *testing.T) {
	store := &fakeStore{}
	c := newTestClient(t, &fakeBus{}, store)

	key, err := c.StoreDocument(context.Background(), []byte("%PDF-1.4"), "Annual-Report")
	require.NoError(t, err)
	assert.Equal(t, "documents/annual-report.pdf", key)
	require.Len(t, store.puts, 1)
	assert.Equal(t, key, store.puts[0])

	require.NoError(t, c.DeleteDocument(context.Background(), key))
	assert.Equal(t, []string{key}, store.deletedKeys())
}
