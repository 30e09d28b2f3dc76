package store

import (
	"context"
	"time"

	"github.com/JakeFAU/notam-pipeline/internal/notice"
)

// FailedStatus is the derived retry state of a quarantined notice.
type FailedStatus string

// Retry queue states. RESOLVED records are deleted, so they never appear here.
const (
	StatusNew          FailedStatus = "NEW"
	StatusPendingRetry FailedStatus = "PENDING_RETRY"
	StatusExhausted    FailedStatus = "EXHAUSTED"
)

// FailedNotice models the failed_notams table.
type FailedNotice struct {
	ID          int64  `json:"id"`
	NotamNumber string `json:"notam_number"`
	IcaoMessage string `json:"icao_message"`
	// Airport is the monitored entity the notice was fetched for.
	Airport string `json:"airport"`
	// IssueTime keeps the timestamp exactly as received.
	IssueTime     string `json:"issue_time"`
	RawHash       string `json:"raw_hash"`
	FailureReason string `json:"failure_reason"`
	// RetryCount only increases.
	RetryCount  int        `json:"retry_count"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Status derives the retry state for the given attempt budget.
func (f FailedNotice) Status(maxAttempts int) FailedStatus {
	switch {
	case f.RetryCount >= maxAttempts:
		return StatusExhausted
	case f.RetryCount == 0:
		return StatusNew
	default:
		return StatusPendingRetry
	}
}

// Pending rebuilds the dispatchable item from the quarantine record.
func (f FailedNotice) Pending() notice.Pending {
	return notice.Pending{
		Raw: notice.Raw{
			SourceID: f.Airport,
			IssuedAt: f.IssueTime,
			Number:   f.NotamNumber,
			Text:     f.IcaoMessage,
			Origin:   notice.OriginRetry,
		},
		Hash:     f.RawHash,
		FailedID: f.ID,
	}
}

// FailedFromPending maps a pending item and its failure cause to a
// quarantine record.
func FailedFromPending(p notice.Pending, reason string) FailedNotice {
	airport := p.SourceID
	if airport == "" {
		airport = "UNKNOWN"
	}
	return FailedNotice{
		ID:            p.FailedID,
		NotamNumber:   p.Number,
		IcaoMessage:   p.Text,
		Airport:       airport,
		IssueTime:     p.IssuedAt,
		RawHash:       p.Hash,
		FailureReason: reason,
	}
}

// FailedStats counts quarantined notices by state.
type FailedStats struct {
	Total        int `json:"total"`
	New          int `json:"new"`
	PendingRetry int `json:"pending_retry"`
	Exhausted    int `json:"exhausted"`
}

// Retryable counts records still eligible for automatic retry.
func (s FailedStats) Retryable() int {
	return s.New + s.PendingRetry
}

// FailedStore persists the retry queue.
type FailedStore interface {
	// RecordFailure inserts f keyed by (notam_number, raw_hash) with
	// retry_count 0, or increments retry_count of the existing record. Both
	// paths stamp last_retry_at with at and replace the failure reason.
	RecordFailure(ctx context.Context, f FailedNotice, at time.Time) (FailedNotice, error)
	// SelectForRetry returns records with retry_count < maxAttempts whose
	// last_retry_at is not after notAfter, oldest first, at most limit.
	SelectForRetry(ctx context.Context, maxAttempts int, notAfter time.Time, limit int) ([]FailedNotice, error)
	// Resolve deletes a record after a successful retry. Missing ids return ErrNotFound.
	Resolve(ctx context.Context, id int64) error
	// List returns quarantined records, exhausted ones included, newest first.
	List(ctx context.Context, limit int) ([]FailedNotice, error)
	// Stats counts records by derived state.
	Stats(ctx context.Context, maxAttempts int) (FailedStats, error)
}
