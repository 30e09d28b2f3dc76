// Package stream consumes notices from a durable message queue. Messages are
// parsed, filtered, deduplicated and handed to a micro-batcher; they are
// acknowledged once the batcher accepts them and negatively acknowledged when
// it cannot.
package stream

import "context"

// Message is one queue delivery.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string

	ack  func()
	nack func()
}

// NewMessage builds a Message whose Ack and Nack call the given functions.
func NewMessage(id string, data []byte, attrs map[string]string, ack, nack func()) Message {
	return Message{ID: id, Data: data, Attributes: attrs, ack: ack, nack: nack}
}

// Ack confirms the message so the queue will not redeliver it.
func (m Message) Ack() {
	if m.ack != nil {
		m.ack()
	}
}

// Nack asks the queue to redeliver the message.
func (m Message) Nack() {
	if m.nack != nil {
		m.nack()
	}
}

// Handler processes one message and must Ack or Nack it before returning.
type Handler func(ctx context.Context, msg Message)

// Source delivers queue messages to a Handler until ctx ends. Handlers may be
// invoked concurrently.
type Source interface {
	Receive(ctx context.Context, handler Handler) error
}
