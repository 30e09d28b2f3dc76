package stream

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/cache"
	"github.com/JakeFAU/notam-pipeline/internal/metrics"
	"github.com/JakeFAU/notam-pipeline/internal/notice"
	"github.com/JakeFAU/notam-pipeline/internal/parse"
	"github.com/JakeFAU/notam-pipeline/internal/policy/allowlist"
	"github.com/JakeFAU/notam-pipeline/internal/storage"
)

// Disposition records what happened to one message.
type Disposition string

// Message dispositions.
const (
	Accepted  Disposition = "accepted"
	Empty     Disposition = "empty"
	Filtered  Disposition = "filtered"
	Duplicate Disposition = "duplicate"
	Rejected  Disposition = "rejected"
)

// Submitter accepts parsed notices; Batcher implements it.
type Submitter interface {
	Submit(ctx context.Context, raw notice.Raw) error
}

// Consumer turns queue messages into submitted notices.
type Consumer struct {
	source   Source
	sink     Submitter
	allow    *allowlist.Policy
	seen     cache.SeenSet
	archiver *storage.Archiver
	logger   *zap.Logger
	now      func() time.Time
}

// ConsumerOption customizes a Consumer.
type ConsumerOption func(*Consumer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAllowList discards notices for airports outside policy.
func WithAllowList(policy *allowlist.Policy) ConsumerOption {
	return func(c *Consumer) {
		c.allow = policy
	}
}

// WithSeenSet discards notices whose fingerprint was accepted recently.
func WithSeenSet(seen cache.SeenSet) ConsumerOption {
	return func(c *Consumer) {
		if seen != nil {
			c.seen = seen
		}
	}
}

// WithArchiver stores every accepted payload.
func WithArchiver(archiver *storage.Archiver) ConsumerOption {
	return func(c *Consumer) {
		c.archiver = archiver
	}
}

// WithClock overrides the time source used for missing issue times.
func WithClock(now func() time.Time) ConsumerOption {
	return func(c *Consumer) {
		if now != nil {
			c.now = now
		}
	}
}

// NewConsumer builds a Consumer reading from source and submitting to sink.
func NewConsumer(source Source, sink Submitter, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		source: source,
		sink:   sink,
		seen:   cache.Nop{},
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run receives messages until ctx ends or the source stops.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("stream consumer started", zap.Int("monitored_airports", c.allow.Len()))
	if err := c.source.Receive(ctx, c.Handle); err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	c.logger.Info("stream consumer stopped")
	return nil
}

// Handle processes one message and acks or nacks it.
func (c *Consumer) Handle(ctx context.Context, msg Message) {
	d := c.handle(ctx, msg)
	metrics.ObserveStreamMessage(string(d))
}

func (c *Consumer) handle(ctx context.Context, msg Message) Disposition {
	res := parse.Message(msg.Data, c.now())
	raw := res.Raw
	if !raw.Usable() {
		msg.Ack()
		return Empty
	}
	log := c.logger.With(
		zap.String("message_id", msg.ID),
		zap.String("notam_number", raw.Number),
		zap.String("airport", raw.SourceID),
	)
	if !c.allow.Allow(raw.SourceID) {
		msg.Ack()
		log.Debug("notice outside monitored airports")
		return Filtered
	}

	hash := raw.Fingerprint()
	fresh, err := c.seen.Claim(ctx, hash)
	if err != nil {
		log.Warn("seen cache unavailable", zap.Error(err))
		fresh = true
	}
	if !fresh {
		msg.Ack()
		log.Debug("duplicate notice", zap.String("raw_hash", hash))
		return Duplicate
	}

	if err := c.sink.Submit(ctx, raw); err != nil {
		if ferr := c.seen.Forget(ctx, hash); ferr != nil {
			log.Warn("seen cache forget failed", zap.Error(ferr))
		}
		msg.Nack()
		log.Warn("notice not accepted, requesting redelivery", zap.Error(err))
		return Rejected
	}
	msg.Ack()

	if _, err := c.archiver.Archive(ctx, "stream", raw.SourceID, archiveType(res.Format), msg.Data); err != nil {
		log.Warn("archive stream message failed", zap.Error(err))
	}
	log.Debug("notice accepted",
		zap.String("raw_hash", hash),
		zap.String("format", string(res.Format)),
		zap.Bool("number_derived", res.NumberDerived))
	return Accepted
}

func archiveType(f parse.Format) string {
	switch f {
	case parse.FormatJSON:
		return "application/json"
	case parse.FormatAIXM:
		return "application/xml"
	default:
		return "text/plain"
	}
}
