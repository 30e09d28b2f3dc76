package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/notam-pipeline/internal/store"
)

var _ store.FailedStore = (*FailedStore)(nil)

type failedKey struct {
	number string
	hash   string
}

// FailedStore is an in-memory retry queue.
type FailedStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]store.FailedNotice
	keys   map[failedKey]int64
}

// NewFailedStore creates an empty retry queue.
func NewFailedStore() *FailedStore {
	return &FailedStore{
		nextID: 1,
		rows:   make(map[int64]store.FailedNotice),
		keys:   make(map[failedKey]int64),
	}
}

// RecordFailure implements store.FailedStore.
func (s *FailedStore) RecordFailure(_ context.Context, f store.FailedNotice, at time.Time) (store.FailedNotice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at = at.UTC()
	key := failedKey{number: f.NotamNumber, hash: f.RawHash}
	if id, ok := s.keys[key]; ok {
		row := s.rows[id]
		row.RetryCount++
		row.LastRetryAt = &at
		row.FailureReason = f.FailureReason
		row.IcaoMessage = f.IcaoMessage
		s.rows[id] = row
		return row, nil
	}

	f.ID = s.nextID
	s.nextID++
	f.RetryCount = 0
	f.LastRetryAt = &at
	f.CreatedAt = at
	s.rows[f.ID] = f
	s.keys[key] = f.ID
	return f, nil
}

// SelectForRetry implements store.FailedStore.
func (s *FailedStore) SelectForRetry(_ context.Context, maxAttempts int, notAfter time.Time, limit int) ([]store.FailedNotice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.FailedNotice
	for _, row := range s.rows {
		if row.RetryCount >= maxAttempts {
			continue
		}
		if row.LastRetryAt != nil && row.LastRetryAt.After(notAfter) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastRetryAt, out[j].LastRetryAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Resolve implements store.FailedStore.
func (s *FailedStore) Resolve(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.rows, id)
	delete(s.keys, failedKey{number: row.NotamNumber, hash: row.RawHash})
	return nil
}

// List implements store.FailedStore.
func (s *FailedStore) List(_ context.Context, limit int) ([]store.FailedNotice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.FailedNotice, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats implements store.FailedStore.
func (s *FailedStore) Stats(_ context.Context, maxAttempts int) (store.FailedStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st store.FailedStats
	for _, row := range s.rows {
		st.Total++
		switch row.Status(maxAttempts) {
		case store.StatusNew:
			st.New++
		case store.StatusPendingRetry:
			st.PendingRetry++
		case store.StatusExhausted:
			st.Exhausted++
		}
	}
	return st, nil
}
