package store

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/notam-pipeline/internal/notice"
)

// SerialNoticeStore runs PersistBatch calls one at a time across every
// writer sharing it. Reads pass straight through.
type SerialNoticeStore struct {
	NoticeStore
	slot *semaphore.Weighted
}

var _ NoticeStore = (*SerialNoticeStore)(nil)

// Serialize wraps s. Wrapping an already serialized store returns it as is.
func Serialize(s NoticeStore) *SerialNoticeStore {
	if ss, ok := s.(*SerialNoticeStore); ok {
		return ss
	}
	return &SerialNoticeStore{NoticeStore: s, slot: semaphore.NewWeighted(1)}
}

// Unwrap returns the underlying store.
func (s *SerialNoticeStore) Unwrap() NoticeStore { return s.NoticeStore }

// PersistBatch waits for the previous batch to finish before writing.
func (s *SerialNoticeStore) PersistBatch(ctx context.Context, outcomes []notice.Outcome, opts PersistOptions) (BatchResult, error) {
	if err := s.slot.Acquire(ctx, 1); err != nil {
		return BatchResult{}, fmt.Errorf("wait for persist slot: %w", err)
	}
	defer s.slot.Release(1)
	return s.NoticeStore.PersistBatch(ctx, outcomes, opts)
}
