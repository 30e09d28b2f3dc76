package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/dispatcher"
	"github.com/JakeFAU/notam-pipeline/internal/notice"
	"github.com/JakeFAU/notam-pipeline/internal/publisher"
	"github.com/JakeFAU/notam-pipeline/internal/store"
)

// BatchReport summarizes one stream micro-batch.
type BatchReport struct {
	Received    int
	Pending     int
	Created     int
	Updated     int
	Quarantined int
}

// Processor handles stream micro-batches with a single dispatch pass; its
// failures go straight to the quarantine.
type Processor struct {
	notices    store.NoticeStore
	dispatcher Dispatcher
	quarantine Quarantine
	events     *publisher.Notifier
	settings   dispatcher.Settings
	logger     *zap.Logger
}

// NewProcessor builds a Processor dispatching with settings.
func NewProcessor(notices store.NoticeStore, d Dispatcher, q Quarantine, settings dispatcher.Settings, events *publisher.Notifier, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings == (dispatcher.Settings{}) {
		settings = DefaultConfig().Pass1
	}
	if settings.Name == "" || settings.Name == "pass1" {
		settings.Name = "stream"
	}
	return &Processor{
		notices:    notices,
		dispatcher: d,
		quarantine: q,
		events:     events,
		settings:   settings,
		logger:     logger,
	}
}

// ProcessBatch classifies and persists the notices of batch that are not
// stored yet. It matches stream.FlushFunc.
func (p *Processor) ProcessBatch(ctx context.Context, batch []notice.Raw) error {
	_, err := p.Process(ctx, batch)
	return err
}

// Process is ProcessBatch with a report.
func (p *Processor) Process(ctx context.Context, batch []notice.Raw) (BatchReport, error) {
	rep := BatchReport{Received: len(batch)}
	existing, err := p.notices.ExistingHashes(ctx, Hashes(batch))
	if err != nil {
		return rep, fmt.Errorf("existing hashes: %w", err)
	}
	pending := SelectPending(batch, existing, nil, false)
	rep.Pending = len(pending)
	if len(pending) == 0 {
		p.logger.Debug("stream batch already stored", zap.Int("received", rep.Received))
		return rep, nil
	}

	outcomes := p.dispatcher.DispatchMany(ctx, pending, p.settings)
	res, failed, persistErr := persistOutcomes(ctx, p.notices, outcomes, store.PersistOptions{}, p.logger)
	rep.Created = res.Created()
	rep.Updated = res.Updated()
	p.events.Notify(ctx, res)
	rep.Quarantined = quarantine(context.WithoutCancel(ctx), p.quarantine, failed, p.logger)

	p.logger.Info("stream batch processed",
		zap.Int("received", rep.Received),
		zap.Int("pending", rep.Pending),
		zap.Int("created", rep.Created),
		zap.Int("updated", rep.Updated),
		zap.Int("quarantined", rep.Quarantined))
	if persistErr != nil {
		return rep, fmt.Errorf("persist stream batch: %w", persistErr)
	}
	return rep, nil
}
