package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/notice"
	"github.com/JakeFAU/notam-pipeline/internal/store"
)

// failure is an item that did not make it into the store. Classified items
// were rejected by persistence, not by the classifier.
type failure struct {
	item       notice.Pending
	reason     string
	classified bool
}

// persistOutcomes writes outcomes and returns the result together with every
// item that was not persisted: error outcomes and items skipped by their
// savepoint. A batch-level error marks every item as failed.
func persistOutcomes(ctx context.Context, notices store.NoticeStore, outcomes []notice.Outcome, opts store.PersistOptions, logger *zap.Logger) (store.BatchResult, []failure, error) {
	res, err := notices.PersistBatch(ctx, outcomes, opts)
	if err != nil {
		failed := make([]failure, 0, len(outcomes))
		for _, o := range outcomes {
			failed = append(failed, failure{item: o.Item, reason: "persist batch: " + err.Error()})
		}
		return store.BatchResult{}, failed, err
	}

	skipped := make(map[string]string, len(res.Skipped))
	for _, s := range res.Skipped {
		skipped[s.Item.Hash] = s.Reason
		logger.Warn("notice skipped by persistence",
			zap.String("notam_number", s.Item.Number),
			zap.String("raw_hash", s.Item.Hash),
			zap.Bool("conflict", s.Conflict),
			zap.String("reason", s.Reason))
	}
	var failed []failure
	for _, o := range outcomes {
		if !o.OK() {
			logger.Warn("notice classification failed",
				zap.String("notam_number", o.Item.Number),
				zap.String("raw_hash", o.Item.Hash),
				zap.Int("attempts", o.Attempts),
				zap.String("reason", o.Reason))
			failed = append(failed, failure{item: o.Item, reason: o.Reason})
			continue
		}
		if reason, ok := skipped[o.Item.Hash]; ok {
			failed = append(failed, failure{item: o.Item, reason: reason, classified: true})
		}
	}
	for _, p := range res.Persisted {
		logger.Debug("notice persisted",
			zap.String("raw_hash", p.Hash),
			zap.Int64("notam_id", p.ID),
			zap.String("action", string(p.Action)))
	}
	return res, failed, nil
}

// splitFailures separates classifier failures, which may be dispatched again,
// from items persistence refused.
func splitFailures(failed []failure) (unclassified, refused []failure) {
	for _, f := range failed {
		if f.classified {
			refused = append(refused, f)
			continue
		}
		unclassified = append(unclassified, f)
	}
	return unclassified, refused
}

func items(failed []failure) []notice.Pending {
	out := make([]notice.Pending, len(failed))
	for i, f := range failed {
		out[i] = f.item
	}
	return out
}
