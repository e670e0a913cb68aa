package message

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// ErrQueueClosed is returned by Push once the batch is closed
var ErrQueueClosed = errors.New("unable to write to closed queue")

// Batch is a closeable FIFO of messages shared by any number of producers
// and a single consuming session. All methods are safe for concurrent use.
type Batch struct {
	mu        sync.Mutex
	messages  []*Message
	pending   []*Message
	processed []*Message
	closed    bool

	// notify is closed and replaced whenever pending or closed changes
	notify chan struct{}
}

// BatchOption is a functional option for configuring a Batch
type BatchOption func(*Batch)

// WithClosed overrides whether a new batch starts closed
func WithClosed(closed bool) BatchOption {
	return func(b *Batch) {
		b.closed = closed
	}
}

// NewBatch creates a batch holding msgs in order. A batch created from a
// non-nil slice starts closed, an empty one starts open, unless WithClosed
// says otherwise.
func NewBatch(msgs []*Message, opts ...BatchOption) *Batch {
	b := &Batch{
		messages: slices.Clone(msgs),
		pending:  slices.Clone(msgs),
		closed:   msgs != nil,
		notify:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// signal wakes every waiting consumer. Callers hold b.mu.
func (b *Batch) signal() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Push appends a message to the batch and the pending queue
func (b *Batch) Push(m *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("push %s: %w", m.ID, ErrQueueClosed)
	}
	b.messages = append(b.messages, m)
	b.pending = append(b.pending, m)
	b.signal()
	return nil
}

// Next pops the head of the pending queue, waiting while the queue is empty
// and the batch is open. It returns false once the batch is complete or ctx
// is done.
func (b *Batch) Next(ctx context.Context) (*Message, bool) {
	for {
		b.mu.Lock()
		if len(b.pending) > 0 {
			m := b.pending[0]
			b.pending[0] = nil
			b.pending = b.pending[1:]
			b.mu.Unlock()
			return m, true
		}
		if b.closed {
			b.mu.Unlock()
			return nil, false
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// All iterates pending messages until the batch is complete or ctx is done
func (b *Batch) All(ctx context.Context) iter.Seq[*Message] {
	return func(yield func(*Message) bool) {
		for {
			m, ok := b.Next(ctx)
			if !ok || !yield(m) {
				return
			}
		}
	}
}

// Each calls fn for every message popped from the queue. It stops at the
// first error.
func (b *Batch) Each(ctx context.Context, fn func(*Message) error) error {
	for m := range b.All(ctx) {
		if err := fn(m); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Requeue puts a message back at the tail of the pending queue. Requeueing
// a message that is already pending is a no-op. It is allowed on a closed
// batch.
func (b *Batch) Requeue(m *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if slices.Contains(b.pending, m) {
		return
	}
	b.pending = append(b.pending, m)
	b.signal()
}

// Processed records a message as done
func (b *Batch) Processed(m *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processed = append(b.processed, m)
}

// Settle records a delivery attempt on m. A Retry outcome requeues the
// message, anything else marks it processed.
func (b *Batch) Settle(m *Message, r DeliveryResult) {
	m.record(r)
	if r.Outcome == Retry {
		b.Requeue(m)
		return
	}
	b.Processed(m)
}

// Close stops further pushes and wakes waiting consumers. Closing twice is
// the same as closing once.
func (b *Batch) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.signal()
}

// Closed reports whether the batch accepts pushes
func (b *Batch) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Complete reports whether the batch is closed and nothing is pending
func (b *Batch) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed && len(b.pending) == 0
}

// Len returns the number of messages ever pushed
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// PendingLen returns the number of messages waiting to be popped
func (b *Batch) PendingLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// ProcessedLen returns the number of messages marked processed
func (b *Batch) ProcessedLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.processed)
}

// Contains reports whether the message belongs to the batch
func (b *Batch) Contains(m *Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Contains(b.messages, m)
}

// Queued reports whether the message is pending
func (b *Batch) Queued(m *Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Contains(b.pending, m)
}

// Pending returns a snapshot of the pending queue
func (b *Batch) Pending() []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.pending)
}

// Messages returns every message in insertion order
func (b *Batch) Messages() []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.messages)
}

// IDs returns the message IDs in insertion order
func (b *Batch) IDs() []string {
	return lo.Map(b.Messages(), func(m *Message, _ int) string { return m.ID })
}

// Report counts messages by delivery state
func (b *Batch) Report() map[DeliveryState]int {
	return lo.CountValuesBy(b.Messages(), func(m *Message) DeliveryState { return m.State() })
}

// MessageResult is the delivery history of one message
type MessageResult struct {
	ID      string
	State   DeliveryState
	Results []DeliveryResult
}

// Results returns the delivery history of every message in insertion order
func (b *Batch) Results() []MessageResult {
	return lo.Map(b.Messages(), func(m *Message, _ int) MessageResult {
		return MessageResult{ID: m.ID, State: m.State(), Results: m.Results()}
	})
}

func (b *Batch) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("batch(length=%d pending=%d processed=%d closed=%t)",
		len(b.messages), len(b.pending), len(b.processed), b.closed)
}
