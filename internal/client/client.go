// Package client implements the submitting side of the processing protocol:
// upload the payload, subscribe to the per-request reply subject, publish
// the request envelope, wait for exactly one reply within the budget, and
// clean up on every exit path.
//
// Design principles:
//   - The per-call sequence upload → subscribe → publish is strictly
//     ordered; subscribing before publishing closes the race in which a
//     fast worker replies before the client listens.
//   - The ephemeral consumer is dropped on every exit path; the payload is
//     deleted only on the error path (and only when cleanup-on-error is
//     enabled).
//   - Cleanup is bounded and best-effort: it never masks the primary error.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/climateandtech/pdf/internal/config"
	"github.com/climateandtech/pdf/internal/engine"
	"github.com/climateandtech/pdf/internal/envelope"
	"github.com/climateandtech/pdf/internal/natsclient"
	"github.com/climateandtech/pdf/internal/objectstore"
)

// cleanupBudget bounds teardown so a submit returns within timeout + ε.
const cleanupBudget = 2 * time.Second

// ObjectStore is the slice of the object-store gateway the client needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, src objectstore.Source) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	Bucket() string
}

// ReplyFetcher is the pull side of the ephemeral reply consumer.
type ReplyFetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// Bus is the broker surface the protocol runs on.
type Bus interface {
	EnsureStream(spec nats.StreamConfig) error
	Subscribe(subject, durable, stream string) (ReplyFetcher, error)
	DropConsumer(stream, durable string)
	Publish(subject string, data []byte) error
}

// natsBus adapts natsclient.Client to the Bus interface.
type natsBus struct {
	*natsclient.Client
}

func (b natsBus) Subscribe(subject, durable, stream string) (ReplyFetcher, error) {
	return b.PullConsumer(subject, durable, stream)
}

// Client submits documents for processing. Safe for concurrent use: every
// submit owns its own request id, consumer and object key.
type Client struct {
	bus   Bus
	store ObjectStore
	cfg   *config.Config
	log   *zap.Logger
}

// New builds a Client on a live NATS connection.
func New(nc *natsclient.Client, store ObjectStore, cfg *config.Config, logger *zap.Logger) *Client {
	return newWithBus(natsBus{nc}, store, cfg, logger)
}

func newWithBus(bus Bus, store ObjectStore, cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{bus: bus, store: store, cfg: cfg, log: logger}
}

// Submit processes one document end to end and returns the engine result.
// opts is the raw options descriptor (nil for engine defaults); a
// non-positive timeout falls back to the configured processing timeout.
// All failures come back as *envelope.Error with a kind tag.
func (c *Client) Submit(ctx context.Context, src objectstore.Source, opts json.RawMessage, timeout time.Duration) (res *engine.Result, err error) {
	if timeout <= 0 {
		timeout = c.cfg.Processing.Timeout
	}

	requestID := envelope.NewRequestID()
	key := fmt.Sprintf("raw/%s.%s", requestID, src.Ext())
	log := c.log.With(zap.String("request_id", requestID), zap.String("key", key))

	// start → UPLOADED
	if err := c.store.Put(ctx, key, src); err != nil {
		return nil, err
	}

	// The payload outlives the request only on success.
	defer func() {
		if err != nil && c.cfg.Processing.CleanupOnError {
			c.deletePayload(key, log)
		}
	}()

	size, _ := src.Size()
	presignedURL, presignErr := c.store.PresignGet(ctx, key, c.cfg.S3.PresignTTL)
	if presignErr != nil {
		log.Warn("presign failed, request proceeds without URL", zap.Error(presignErr))
	}

	// UPLOADED → SUBSCRIBED
	if err := c.bus.EnsureStream(natsclient.ResultStreamSpec(c.cfg.NATS)); err != nil {
		return nil, envelope.Wrap(envelope.KindInternal, "ensure result stream", err)
	}
	durable := "result_" + requestID
	sub, err := c.bus.Subscribe(c.cfg.NATS.ResultSubject(requestID), durable, c.cfg.NATS.ResultStream())
	if err != nil {
		return nil, envelope.Wrap(envelope.KindInternal, "create reply consumer", err)
	}
	// any → CLEANED: the ephemeral consumer never survives the call.
	defer c.bus.DropConsumer(c.cfg.NATS.ResultStream(), durable)

	// SUBSCRIBED → PUBLISHED
	req := &envelope.Request{
		RequestID:         requestID,
		S3Key:             key,
		Bucket:            c.store.Bucket(),
		S3URL:             presignedURL,
		DoclingOptions:    opts,
		Timestamp:         time.Now().UTC(),
		FileSize:          size,
		ProcessingTimeout: int(timeout / time.Second),
	}
	data, err := req.Encode()
	if err != nil {
		return nil, err
	}
	if err := c.bus.Publish(c.cfg.NATS.ProcessSubject(requestID), data); err != nil {
		if natsclient.IsStreamLimit(err) {
			return nil, envelope.Wrap(envelope.KindBackpressure, "request stream is full", err)
		}
		return nil, envelope.Wrap(envelope.KindInternal, "publish request", err)
	}
	log.Info("request published", zap.Int64("file_size", size))

	// PUBLISHED → REPLY | TIMEOUT
	return c.awaitReply(sub, requestID, timeout, log)
}

// awaitReply blocks for the first message on the reply consumer. Duplicates
// after a worker redelivery are left behind and vanish with the consumer.
func (c *Client) awaitReply(sub ReplyFetcher, requestID string, timeout time.Duration, log *zap.Logger) (*engine.Result, error) {
	msgs, err := sub.Fetch(1, nats.MaxWait(timeout))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, envelope.E(envelope.KindTimeout,
				fmt.Sprintf("processing timed out after %s", timeout))
		}
		return nil, envelope.Wrap(envelope.KindInternal, "fetch reply", err)
	}
	if len(msgs) == 0 {
		return nil, envelope.E(envelope.KindTimeout,
			fmt.Sprintf("processing timed out after %s", timeout))
	}

	msg := msgs[0]
	if ackErr := msg.Ack(); ackErr != nil {
		log.Debug("reply ack failed", zap.Error(ackErr))
	}

	reply, err := envelope.DecodeReply(msg.Data)
	if err != nil {
		return nil, err
	}
	if reply.RequestID != requestID {
		// The reply subject is scoped by request id, so this indicates
		// identifier collision or broker misrouting.
		return nil, envelope.E(envelope.KindInternal,
			fmt.Sprintf("reply for %s received on subject of %s", reply.RequestID, requestID))
	}
	if reply.Status == envelope.StatusError {
		return nil, envelope.E(envelope.KindEngine, reply.Error)
	}
	if reply.Result == nil {
		return nil, envelope.E(envelope.KindEnvelopeInvalid, "success reply without result")
	}
	log.Info("reply received", zap.Int("pages", reply.Result.Metadata.Pages))
	return reply.Result, nil
}

// deletePayload removes the uploaded object on the error path, on its own
// bounded context so an expired submit context cannot block teardown.
func (c *Client) deletePayload(key string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupBudget)
	defer cancel()
	if err := c.store.Delete(ctx, key); err != nil {
		log.Warn("payload cleanup failed", zap.Error(err))
	}
}
