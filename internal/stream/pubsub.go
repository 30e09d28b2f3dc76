package stream

import (
	"context"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"
)

// PubSubConfig selects a subscription and its flow control.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	Subscription   string `mapstructure:"subscription"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
	NumGoroutines  int    `mapstructure:"num_goroutines"`
}

// PubSubSource receives from a Google Cloud Pub/Sub subscription.
type PubSubSource struct {
	sub    *pubsub.Subscriber
	logger *zap.Logger
}

// NewPubSubSource builds a source on an existing client.
func NewPubSubSource(client *pubsub.Client, cfg PubSubConfig, logger *zap.Logger) *PubSubSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	sub := client.Subscriber(cfg.Subscription)
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	if cfg.NumGoroutines > 0 {
		sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines
	}
	return &PubSubSource{sub: sub, logger: logger}
}

// Receive implements Source. Cancellation of ctx is a normal stop.
func (s *PubSubSource) Receive(ctx context.Context, handler Handler) error {
	s.logger.Info("receiving from pubsub", zap.String("subscription", s.sub.String()))
	err := s.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		handler(ctx, NewMessage(m.ID, m.Data, m.Attributes, m.Ack, m.Nack))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pubsub receive %s: %w", s.sub.ID(), err)
	}
	return nil
}
