package store

import (
	"context"
	"errors"

	"github.com/JakeFAU/notam-pipeline/internal/notice"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Action is the history entry written for a persisted notice.
type Action string

// History actions persisted in notam_history.action.
const (
	ActionCreated Action = "CREATED"
	ActionUpdated Action = "UPDATED"
)

// PersistOptions carries the destructive overrides of a batch. They are
// applied once, before any item is written.
type PersistOptions struct {
	// OverwriteAll clears every notice record and its children first.
	OverwriteAll bool
	// OverwriteIDs deletes exactly these notice records first. Ignored when
	// OverwriteAll is set.
	OverwriteIDs []int64
}

// PersistedItem reports one notice written by a batch.
type PersistedItem struct {
	// Hash is the raw_hash of the notice.
	Hash string
	// ID is the database id of the notice record.
	ID int64
	// Action tells whether the record was inserted or updated in place.
	Action Action
}

// SkippedItem reports a notice whose savepoint was rolled back.
type SkippedItem struct {
	Item   notice.Pending
	Reason string
	// Conflict is set for uniqueness violations.
	Conflict bool
}

// BatchResult summarizes one PersistBatch call.
type BatchResult struct {
	Persisted []PersistedItem
	Skipped   []SkippedItem
	// Failed counts error outcomes handed to the batch; they are never written.
	Failed int
}

// Created counts inserted records.
func (r BatchResult) Created() int {
	return r.count(ActionCreated)
}

// Updated counts records updated in place.
func (r BatchResult) Updated() int {
	return r.count(ActionUpdated)
}

func (r BatchResult) count(a Action) int {
	n := 0
	for _, p := range r.Persisted {
		if p.Action == a {
			n++
		}
	}
	return n
}

// PersistedHashes returns the fingerprints written by the batch.
func (r BatchResult) PersistedHashes() map[string]struct{} {
	out := make(map[string]struct{}, len(r.Persisted))
	for _, p := range r.Persisted {
		out[p.Hash] = struct{}{}
	}
	return out
}

// NoticeStore persists classified notices.
type NoticeStore interface {
	// PersistBatch writes the successful outcomes inside one transaction,
	// isolating each item in a savepoint. A returned error means nothing was
	// committed and the whole batch must be resubmitted. Callers serialize batches.
	PersistBatch(ctx context.Context, outcomes []notice.Outcome, opts PersistOptions) (BatchResult, error)
	// ExistingHashes returns which of hashes already have a notice record.
	ExistingHashes(ctx context.Context, hashes []string) (map[string]struct{}, error)
	// HashesForIDs resolves record ids to their raw_hash. Unknown ids are omitted.
	HashesForIDs(ctx context.Context, ids []int64) (map[int64]string, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
