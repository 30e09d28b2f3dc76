// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/notam-pipeline/internal/notice"
	"github.com/JakeFAU/notam-pipeline/internal/store"
)

var _ store.NoticeStore = (*NoticeStore)(nil)

// StoredNotice is a persisted notice record together with its identity.
type StoredNotice struct {
	ID        int64
	Record    store.Record
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HistoryEntry is one append-only audit row.
type HistoryEntry struct {
	NoticeID      int64
	Action        store.Action
	ChangedFields map[string]string
	CreatedAt     time.Time
}

type noticeState struct {
	nextID  int64
	byID    map[int64]StoredNotice
	byHash  map[string]int64
	history []HistoryEntry
}

func (s noticeState) clone() noticeState {
	out := noticeState{
		nextID:  s.nextID,
		byID:    make(map[int64]StoredNotice, len(s.byID)),
		byHash:  make(map[string]int64, len(s.byHash)),
		history: append([]HistoryEntry(nil), s.history...),
	}
	for k, v := range s.byID {
		out.byID[k] = v
	}
	for k, v := range s.byHash {
		out.byHash[k] = v
	}
	return out
}

// NoticeStore keeps notice records in memory with the same batch semantics
// as the Postgres store: per-item isolation, upsert by raw hash, wholesale
// child replacement and a (notice number, issue time) uniqueness rule.
type NoticeStore struct {
	mu    sync.Mutex
	state noticeState
	now   func() time.Time
}

// NewNoticeStore creates an empty store. A nil clock uses time.Now.
func NewNoticeStore(now func() time.Time) *NoticeStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &NoticeStore{
		state: noticeState{nextID: 1, byID: map[int64]StoredNotice{}, byHash: map[string]int64{}},
		now:   now,
	}
}

// PersistBatch implements store.NoticeStore. The batch is applied to a copy
// of the state that replaces the live state only once every item was handled.
func (s *NoticeStore) PersistBatch(ctx context.Context, outcomes []notice.Outcome, opts store.PersistOptions) (store.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return store.BatchResult{}, fmt.Errorf("persist batch: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.state.clone()
	switch {
	case opts.OverwriteAll:
		tx = noticeState{nextID: 1, byID: map[int64]StoredNotice{}, byHash: map[string]int64{}}
	case len(opts.OverwriteIDs) > 0:
		for _, id := range opts.OverwriteIDs {
			if n, ok := tx.byID[id]; ok {
				delete(tx.byHash, n.Record.RawHash)
				delete(tx.byID, id)
			}
		}
	}

	now := s.now()
	var result store.BatchResult
	for _, o := range outcomes {
		if !o.OK() {
			result.Failed++
			continue
		}
		rec, err := store.RecordFromOutcome(o, now)
		if err != nil {
			result.Skipped = append(result.Skipped, store.SkippedItem{Item: o.Item, Reason: err.Error()})
			continue
		}
		if id, clash := tx.conflict(rec); clash {
			result.Skipped = append(result.Skipped, store.SkippedItem{
				Item:     o.Item,
				Reason:   fmt.Sprintf("notice %s issued %s already stored as record %d", rec.NotamNumber, rec.IssueTime.Format(time.RFC3339), id),
				Conflict: true,
			})
			continue
		}
		result.Persisted = append(result.Persisted, tx.upsert(rec, now))
	}

	s.state = tx
	return result, nil
}

// conflict reports a different record sharing the notice number and issue time.
func (s noticeState) conflict(rec store.Record) (int64, bool) {
	for id, n := range s.byID {
		if n.Record.RawHash == rec.RawHash {
			continue
		}
		if n.Record.NotamNumber == rec.NotamNumber && n.Record.IssueTime.Equal(rec.IssueTime) {
			return id, true
		}
	}
	return 0, false
}

func (s *noticeState) upsert(rec store.Record, now time.Time) store.PersistedItem {
	action := store.ActionCreated
	stored := StoredNotice{Record: rec, CreatedAt: now, UpdatedAt: now}
	if id, ok := s.byHash[rec.RawHash]; ok {
		action = store.ActionUpdated
		stored.ID = id
		stored.CreatedAt = s.byID[id].CreatedAt
	} else {
		stored.ID = s.nextID
		s.nextID++
	}
	s.byID[stored.ID] = stored
	s.byHash[rec.RawHash] = stored.ID
	s.history = append(s.history, HistoryEntry{
		NoticeID:      stored.ID,
		Action:        action,
		ChangedFields: store.ChangedFields(action, now),
		CreatedAt:     now,
	})
	return store.PersistedItem{Hash: rec.RawHash, ID: stored.ID, Action: action}
}

// ExistingHashes implements store.NoticeStore.
func (s *NoticeStore) ExistingHashes(_ context.Context, hashes []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	for _, h := range hashes {
		if _, ok := s.state.byHash[h]; ok {
			out[h] = struct{}{}
		}
	}
	return out, nil
}

// HashesForIDs implements store.NoticeStore.
func (s *NoticeStore) HashesForIDs(_ context.Context, ids []int64) (map[int64]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]string)
	for _, id := range ids {
		if n, ok := s.state.byID[id]; ok {
			out[id] = n.Record.RawHash
		}
	}
	return out, nil
}

// Ping implements store.NoticeStore.
func (s *NoticeStore) Ping(context.Context) error { return nil }

// ByHash returns the record stored under hash.
func (s *NoticeStore) ByHash(hash string) (StoredNotice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.state.byHash[hash]
	if !ok {
		return StoredNotice{}, false
	}
	return s.state.byID[id], true
}

// All returns every record ordered by id.
func (s *NoticeStore) All() []StoredNotice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredNotice, 0, len(s.state.byID))
	for _, n := range s.state.byID {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// History returns the audit rows for id in write order.
func (s *NoticeStore) History(id int64) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []HistoryEntry
	for _, h := range s.state.history {
		if h.NoticeID == id {
			out = append(out, h)
		}
	}
	return out
}
