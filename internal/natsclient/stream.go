package natsclient

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/climateandtech/pdf/internal/config"
)

// Stream limits shared by both streams.
const (
	maxStreamMsgs  = 1000
	maxStreamBytes = 100 * 1024 * 1024
	resultMaxAge   = time.Hour
)

// RequestStreamSpec is the work-queue stream carrying request envelopes.
// Messages are removed on ack; DiscardNew makes a saturated stream refuse
// publishes instead of silently dropping the oldest request.
func RequestStreamSpec(cfg config.NATSConfig) nats.StreamConfig {
	return nats.StreamConfig{
		Name:      cfg.RequestStream(),
		Subjects:  []string{cfg.ProcessSubject("*")},
		Storage:   nats.MemoryStorage,
		Retention: nats.WorkQueuePolicy,
		Discard:   nats.DiscardNew,
		MaxMsgs:   maxStreamMsgs,
		MaxBytes:  maxStreamBytes,
	}
}

// ResultStreamSpec is the limits-retention stream carrying reply envelopes;
// replies a client never collects expire after an hour.
func ResultStreamSpec(cfg config.NATSConfig) nats.StreamConfig {
	return nats.StreamConfig{
		Name:      cfg.ResultStream(),
		Subjects:  []string{cfg.ResultSubject("*")},
		Storage:   nats.MemoryStorage,
		Retention: nats.LimitsPolicy,
		MaxMsgs:   maxStreamMsgs,
		MaxBytes:  maxStreamBytes,
		MaxAge:    resultMaxAge,
	}
}

// EnsureStream idempotently creates a stream. An existing stream with the
// same shape is success; an existing stream whose configuration diverges is
// an error — streams are never silently reshaped.
func (c *Client) EnsureStream(spec nats.StreamConfig) error {
	info, err := c.JS.StreamInfo(spec.Name)
	if err == nil {
		if diffs := streamDivergence(info.Config, spec); len(diffs) > 0 {
			return fmt.Errorf("stream %q exists with divergent configuration: %s",
				spec.Name, strings.Join(diffs, "; "))
		}
		c.Log.Debug("NATS stream exists", zap.String("stream", spec.Name))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to check stream info for %q: %w", spec.Name, err)
	}

	if _, err := c.JS.AddStream(&spec); err != nil {
		// Lost a creation race with the other side; re-read and compare.
		if info, infoErr := c.JS.StreamInfo(spec.Name); infoErr == nil {
			if diffs := streamDivergence(info.Config, spec); len(diffs) > 0 {
				return fmt.Errorf("stream %q exists with divergent configuration: %s",
					spec.Name, strings.Join(diffs, "; "))
			}
			return nil
		}
		return fmt.Errorf("failed to create stream %q: %w", spec.Name, err)
	}

	c.Log.Info("NATS stream provisioned", zap.String("stream", spec.Name))
	return nil
}

// streamDivergence compares the fields this system manages; Storage is
// deliberately excluded so operators may elect file storage. A nil result
// means the existing stream satisfies the requested spec.
func streamDivergence(existing, want nats.StreamConfig) []string {
	var diffs []string
	if !sameSubjects(existing.Subjects, want.Subjects) {
		diffs = append(diffs, fmt.Sprintf("subjects %v != %v", existing.Subjects, want.Subjects))
	}
	if existing.Retention != want.Retention {
		diffs = append(diffs, fmt.Sprintf("retention %v != %v", existing.Retention, want.Retention))
	}
	if existing.Discard != want.Discard {
		// DiscardNew on the request stream is what turns saturation into a
		// refused publish; an old-discard stream drops requests silently.
		diffs = append(diffs, fmt.Sprintf("discard %v != %v", existing.Discard, want.Discard))
	}
	if existing.MaxMsgs != want.MaxMsgs {
		diffs = append(diffs, fmt.Sprintf("max msgs %d != %d", existing.MaxMsgs, want.MaxMsgs))
	}
	if existing.MaxBytes != want.MaxBytes {
		diffs = append(diffs, fmt.Sprintf("max bytes %d != %d", existing.MaxBytes, want.MaxBytes))
	}
	if existing.MaxAge != want.MaxAge {
		diffs = append(diffs, fmt.Sprintf("max age %v != %v", existing.MaxAge, want.MaxAge))
	}
	return diffs
}

func sameSubjects(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// PullConsumer binds a durable pull subscription to an existing stream.
// Binding avoids the subscribe-time stream lookup racing with stream
// creation on the other side.
func (c *Client) PullConsumer(subject, durable, stream string) (*nats.Subscription, error) {
	sub, err := c.JS.PullSubscribe(subject, durable, nats.BindStream(stream))
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %q on stream %q: %w", subject, stream, err)
	}
	return sub, nil
}

// DropConsumer deletes a consumer, logging and suppressing failure: teardown
// runs on every exit path and must never mask the primary error.
func (c *Client) DropConsumer(stream, durable string) {
	if err := c.JS.DeleteConsumer(stream, durable); err != nil {
		c.Log.Warn("consumer teardown failed",
			zap.String("stream", stream),
			zap.String("durable", durable),
			zap.Error(err),
		)
	}
}

// IsStreamLimit reports whether a publish was refused because the target
// stream hit its message or byte limits.
func IsStreamLimit(err error) bool {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) {
		desc := strings.ToLower(apiErr.Description)
		return strings.Contains(desc, "maximum messages exceeded") ||
			strings.Contains(desc, "maximum bytes exceeded")
	}
	return false
}
