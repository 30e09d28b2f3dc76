package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
)

var errSourceClosed = errors.New("memory source closed")

// MemorySource is a bounded in-process queue for development and tests.
// Nacked messages are queued again.
type MemorySource struct {
	ch      chan memoryItem
	closeMu sync.Mutex
	closed  bool
	seq     atomic.Int64

	acked  atomic.Int64
	nacked atomic.Int64
}

type memoryItem struct {
	id   string
	data []byte
}

// NewMemorySource creates a queue with the given capacity.
func NewMemorySource(capacity int) *MemorySource {
	return &MemorySource{ch: make(chan memoryItem, capacity)}
}

// Publish enqueues data or returns when ctx ends.
func (s *MemorySource) Publish(ctx context.Context, data []byte) error {
	item := memoryItem{id: strconv.FormatInt(s.seq.Add(1), 10), data: data}
	return s.enqueue(ctx, item)
}

func (s *MemorySource) enqueue(ctx context.Context, item memoryItem) error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return errSourceClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("publish canceled: %w", ctx.Err())
	case s.ch <- item:
		return nil
	}
}

// requeue puts a nacked item back without blocking; it is dropped when the
// queue is full or closed.
func (s *MemorySource) requeue(item memoryItem) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- item:
	default:
	}
}

// Receive delivers messages sequentially until ctx ends or Close drains the queue.
func (s *MemorySource) Receive(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-s.ch:
			if !ok {
				return nil
			}
			msg := NewMessage(item.id, item.data, nil,
				func() { s.acked.Add(1) },
				func() {
					s.nacked.Add(1)
					s.requeue(item)
				})
			handler(ctx, msg)
		}
	}
}

// Acked returns the number of acknowledged deliveries.
func (s *MemorySource) Acked() int64 { return s.acked.Load() }

// Nacked returns the number of negatively acknowledged deliveries.
func (s *MemorySource) Nacked() int64 { return s.nacked.Load() }

// Close stops accepting messages. Receive returns once the queue is empty.
func (s *MemorySource) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
