// Package worker contains the NATS JetStream pull consumer that drives
// document conversion: fetch a request, download the payload, normalize the
// options, invoke the engine, publish the reply, ack.
//
// Design principles:
//   - Pull-based subscription (not push) for backpressure control.
//   - msg.Ack() is called ONLY after a reply — success or structured
//     error — was published; a request whose reply could not be published
//     at all is Nak'd for redelivery.
//   - All worker replicas share one durable name so each request is
//     delivered to exactly one of them (competing consumers).
//   - A per-request failure, panics included, never terminates the loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/climateandtech/pdf/internal/config"
	"github.com/climateandtech/pdf/internal/engine"
	"github.com/climateandtech/pdf/internal/envelope"
	"github.com/climateandtech/pdf/internal/natsclient"
	"github.com/climateandtech/pdf/internal/options"
)

const (
	fetchBatch   = 1
	fetchTimeout = 10 * time.Second
)

// Downloader is the slice of the object-store gateway the worker needs.
type Downloader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Publisher is the broker surface the worker publishes replies through.
type Publisher interface {
	EnsureStream(spec nats.StreamConfig) error
	Publish(subject string, data []byte) error
}

// Worker is one dispatch-loop instance.
type Worker struct {
	nc     *natsclient.Client
	pub    Publisher
	store  Downloader
	conv   engine.Converter
	norm   *options.Normalizer
	cfg    *config.Config
	log    *zap.Logger
	tracer trace.Tracer

	resultStreamReady bool
}

// New constructs a Worker.
func New(nc *natsclient.Client, store Downloader, conv engine.Converter, cfg *config.Config, logger *zap.Logger) *Worker {
	w := &Worker{
		nc:     nc,
		store:  store,
		conv:   conv,
		norm:   options.New(logger, cfg.Processing.StrictOptions),
		cfg:    cfg,
		log:    logger,
		tracer: otel.Tracer("pdf-worker"),
	}
	if nc != nil {
		w.pub = nc
	}
	return w
}

// Start ensures the request stream, creates the shared durable pull
// subscription and launches the processing loop in a background goroutine.
// It returns immediately; the loop exits when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.nc.EnsureStream(natsclient.RequestStreamSpec(w.cfg.NATS)); err != nil {
		return fmt.Errorf("ensure request stream: %w", err)
	}

	sub, err := w.nc.PullConsumer(
		w.cfg.NATS.ProcessSubject("*"),
		engine.ProducerTag,
		w.cfg.NATS.RequestStream(),
	)
	if err != nil {
		return fmt.Errorf("worker subscription: %w", err)
	}

	w.log.Info("worker started",
		zap.String("stream", w.cfg.NATS.RequestStream()),
		zap.String("durable", engine.ProducerTag),
		zap.String("subject", w.cfg.NATS.ProcessSubject("*")),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				w.log.Info("worker stopping")
				return
			default:
			}

			msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchTimeout))
			if err != nil {
				// Timeout is expected when the queue is empty.
				if errors.Is(err, nats.ErrTimeout) {
					continue
				}
				w.log.Error("fetch error", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}

			for _, msg := range msgs {
				w.processMessage(ctx, msg)
			}
		}
	}()

	return nil
}

// processMessage dispatches one request and owns the ack/nak decision;
// handleRequest stays broker-free for unit-testability.
func (w *Worker) processMessage(ctx context.Context, msg *nats.Msg) {
	reply := w.handleRequest(ctx, msg.Data)
	if reply == nil {
		// Undecodable envelope with no routable request id.
		w.log.Warn("nak: request envelope is not routable")
		if err := msg.Nak(); err != nil {
			w.log.Error("nak failed", zap.Error(err))
		}
		return
	}

	if err := w.publishReply(reply); err != nil {
		// No reply reached the client at all; let the broker redeliver.
		w.log.Error("nak: reply publish failed",
			zap.String("request_id", reply.RequestID), zap.Error(err))
		if err := msg.Nak(); err != nil {
			w.log.Error("nak failed", zap.Error(err))
		}
		return
	}

	if err := msg.Ack(); err != nil {
		w.log.Error("ack failed", zap.String("request_id", reply.RequestID), zap.Error(err))
		return
	}
	w.log.Info("request processed",
		zap.String("request_id", reply.RequestID),
		zap.String("status", reply.Status),
	)
}

// handleRequest turns a raw request envelope into the reply to publish. A
// nil return means no reply is possible (the envelope did not even carry a
// request id) and the message must be Nak'd. Engine panics are contained
// here: a panicking converter yields an error reply, not a dead loop.
func (w *Worker) handleRequest(ctx context.Context, data []byte) (reply *envelope.Reply) {
	req, err := envelope.DecodeRequest(data)
	if err != nil {
		if req == nil || req.RequestID == "" {
			return nil
		}
		return envelope.ErrorReply(req.RequestID, err.Error())
	}

	ctx, span := w.tracer.Start(ctx, "pdf.worker.process",
		trace.WithAttributes(attribute.String("request_id", req.RequestID)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("conversion panic",
				zap.String("request_id", req.RequestID), zap.Any("panic", r))
			reply = envelope.ErrorReply(req.RequestID, fmt.Sprintf("conversion panic: %v", r))
		}
	}()

	doc, err := w.store.Get(ctx, req.S3Key)
	if err != nil {
		span.RecordError(err)
		return envelope.ErrorReply(req.RequestID, fmt.Sprintf("download %s: %v", req.S3Key, err))
	}

	cfg, err := w.norm.Normalize(req.DoclingOptions)
	if err != nil {
		// Strict mode only; permissive normalization cannot fail.
		span.RecordError(err)
		return envelope.ErrorReply(req.RequestID, fmt.Sprintf("invalid options: %v", err))
	}

	convertCtx := ctx
	if secs := cfg.PDF().DocumentTimeout; secs > 0 {
		var cancel context.CancelFunc
		convertCtx, cancel = context.WithTimeout(ctx, time.Duration(secs*float64(time.Second)))
		defer cancel()
	}

	result, err := w.conv.Convert(convertCtx, doc, req.S3Key, cfg)
	if err != nil {
		span.RecordError(err)
		return envelope.ErrorReply(req.RequestID, err.Error())
	}
	return envelope.SuccessReply(req.RequestID, result)
}

// publishReply lazily ensures the result stream, then publishes. The client
// may already have created the stream; ensure-stream idempotence makes the
// race benign.
func (w *Worker) publishReply(reply *envelope.Reply) error {
	if !w.resultStreamReady {
		if err := w.pub.EnsureStream(natsclient.ResultStreamSpec(w.cfg.NATS)); err != nil {
			return fmt.Errorf("ensure result stream: %w", err)
		}
		w.resultStreamReady = true
	}

	data, err := reply.Encode()
	if err != nil {
		return err
	}
	return w.pub.Publish(w.cfg.NATS.ResultSubject(reply.RequestID), data)
}
