// Package publisher announces persisted notices to downstream consumers.
package publisher

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/store"
)

// Publisher sends one payload to a topic and returns the broker message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Event is published for every notice a batch created or updated.
type Event struct {
	RawHash string       `json:"raw_hash"`
	NotamID int64        `json:"notam_id"`
	Action  store.Action `json:"action"`
}

// EventsFromResult lists the events of a persisted batch, in batch order.
func EventsFromResult(res store.BatchResult) []Event {
	out := make([]Event, 0, len(res.Persisted))
	for _, p := range res.Persisted {
		out = append(out, Event{RawHash: p.Hash, NotamID: p.ID, Action: p.Action})
	}
	return out
}

// Notifier publishes batch events. A nil Notifier does nothing.
type Notifier struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

// NewNotifier builds a Notifier on pub.
func NewNotifier(pub Publisher, topic string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{pub: pub, topic: topic, logger: logger}
}

// Notify publishes one event per persisted item and returns how many were
// published. Failures are logged; persistence already committed.
func (n *Notifier) Notify(ctx context.Context, res store.BatchResult) int {
	if n == nil || n.pub == nil {
		return 0
	}
	sent := 0
	for _, evt := range EventsFromResult(res) {
		if _, err := n.pub.Publish(ctx, n.topic, evt); err != nil {
			n.logger.Warn("publish notice event failed",
				zap.String("raw_hash", evt.RawHash),
				zap.Int64("notam_id", evt.NotamID),
				zap.Error(err))
			continue
		}
		sent++
	}
	if sent > 0 {
		n.logger.Debug("notice events published", zap.Int("count", sent), zap.String("topic", n.topic))
	}
	return sent
}
