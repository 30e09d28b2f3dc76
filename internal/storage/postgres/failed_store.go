package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/notam-pipeline/internal/store"
)

var _ store.FailedStore = (*FailedStore)(nil)

const (
	failedColumns = `id, notam_number, icao_message, airport, COALESCE(issue_time, ''), raw_hash,
	COALESCE(failure_reason, ''), retry_count, last_retry_at, created_at`

	recordFailureSQL = `
INSERT INTO failed_notams (
	notam_number, icao_message, airport, issue_time, raw_hash, failure_reason,
	retry_count, last_retry_at, created_at
) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
ON CONFLICT (notam_number, raw_hash) DO UPDATE SET
	retry_count = failed_notams.retry_count + 1,
	last_retry_at = EXCLUDED.last_retry_at,
	failure_reason = EXCLUDED.failure_reason,
	icao_message = EXCLUDED.icao_message
RETURNING ` + failedColumns

	selectForRetrySQL = `
SELECT ` + failedColumns + `
FROM failed_notams
WHERE retry_count < $1 AND (last_retry_at IS NULL OR last_retry_at <= $2)
ORDER BY last_retry_at ASC NULLS FIRST, id ASC
LIMIT $3`

	resolveFailedSQL = `DELETE FROM failed_notams WHERE id = $1`

	listFailedSQL = `
SELECT ` + failedColumns + `
FROM failed_notams
ORDER BY created_at DESC, id DESC
LIMIT $1`

	failedStatsSQL = `
SELECT
	count(*),
	count(*) FILTER (WHERE retry_count = 0 AND retry_count < $1),
	count(*) FILTER (WHERE retry_count > 0 AND retry_count < $1),
	count(*) FILTER (WHERE retry_count >= $1)
FROM failed_notams`
)

// FailedStore keeps the failed-notice retry queue in Postgres.
type FailedStore struct {
	db DB
}

// NewFailedStore builds a FailedStore on db.
func NewFailedStore(db DB) (*FailedStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &FailedStore{db: db}, nil
}

// RecordFailure implements store.FailedStore.
func (s *FailedStore) RecordFailure(ctx context.Context, f store.FailedNotice, at time.Time) (store.FailedNotice, error) {
	row := s.db.QueryRow(ctx, recordFailureSQL,
		f.NotamNumber,
		f.IcaoMessage,
		f.Airport,
		nullIfEmpty(f.IssueTime),
		f.RawHash,
		f.FailureReason,
		at.UTC(),
	)
	out, err := scanFailed(row)
	if err != nil {
		return store.FailedNotice{}, fmt.Errorf("record failure %s: %w", f.NotamNumber, err)
	}
	return out, nil
}

// SelectForRetry implements store.FailedStore.
func (s *FailedStore) SelectForRetry(ctx context.Context, maxAttempts int, notAfter time.Time, limit int) ([]store.FailedNotice, error) {
	rows, err := s.db.Query(ctx, selectForRetrySQL, maxAttempts, notAfter.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("select failed notices: %w", err)
	}
	return collectFailed(rows)
}

// Resolve implements store.FailedStore.
func (s *FailedStore) Resolve(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, resolveFailedSQL, id)
	if err != nil {
		return fmt.Errorf("resolve failed notice %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// List implements store.FailedStore.
func (s *FailedStore) List(ctx context.Context, limit int) ([]store.FailedNotice, error) {
	rows, err := s.db.Query(ctx, listFailedSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed notices: %w", err)
	}
	return collectFailed(rows)
}

// Stats implements store.FailedStore.
func (s *FailedStore) Stats(ctx context.Context, maxAttempts int) (store.FailedStats, error) {
	var st store.FailedStats
	err := s.db.QueryRow(ctx, failedStatsSQL, maxAttempts).Scan(&st.Total, &st.New, &st.PendingRetry, &st.Exhausted)
	if err != nil {
		return store.FailedStats{}, fmt.Errorf("count failed notices: %w", err)
	}
	return st, nil
}

func scanFailed(row pgx.Row) (store.FailedNotice, error) {
	var f store.FailedNotice
	err := row.Scan(
		&f.ID,
		&f.NotamNumber,
		&f.IcaoMessage,
		&f.Airport,
		&f.IssueTime,
		&f.RawHash,
		&f.FailureReason,
		&f.RetryCount,
		&f.LastRetryAt,
		&f.CreatedAt,
	)
	return f, err
}

func collectFailed(rows pgx.Rows) ([]store.FailedNotice, error) {
	defer rows.Close()
	var out []store.FailedNotice
	for rows.Next() {
		f, err := scanFailed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed notice: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed notices: %w", err)
	}
	return out, nil
}
