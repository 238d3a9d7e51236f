package campaign

import (
	"sync"
	"time"

	"github.com/ignite/campaign-mailer/internal/queue"
)

// BatchKind distinguishes how a batch was triggered. The dispatcher treats
// the two the same on success but needs the distinction preserved for its
// retry bookkeeping and for operational logs.
type BatchKind int

const (
	// BatchThreshold means the buffer reached capacity.
	BatchThreshold BatchKind = iota
	// BatchFinal means the idle timer flushed a partial batch.
	BatchFinal
)

func (k BatchKind) String() string {
	if k == BatchFinal {
		return "final"
	}
	return "threshold"
}

// Item is one buffered recipient: the parsed address plus the queue message
// it arrived on. The message stays unacknowledged while buffered so a crash
// before emission lets the broker redeliver it.
type Item struct {
	Recipient EmailAddress
	Message   queue.Message
}

// Batch is an emitted group of items, never larger than the buffer capacity.
type Batch struct {
	Kind  BatchKind
	Items []Item
}

// Addresses returns the recipients of the batch in arrival order.
func (b Batch) Addresses() []EmailAddress {
	addrs := make([]EmailAddress, len(b.Items))
	for i, it := range b.Items {
		addrs[i] = it.Recipient
	}
	return addrs
}

// Messages returns the queue messages carried by the batch.
func (b Batch) Messages() []queue.Message {
	msgs := make([]queue.Message, len(b.Items))
	for i, it := range b.Items {
		msgs[i] = it.Message
	}
	return msgs
}

// Buffer accumulates individually-queued recipients into send batches under
// a dual trigger: a count threshold (capacity) and an idle timeout measured
// from the last Add. Emission and timer rearming happen inside the same
// critical section as the queue mutation, so every added item lands in
// exactly one batch.
type Buffer struct {
	mu       sync.Mutex
	pending  []Item
	capacity int
	idle     time.Duration
	lastAdd  time.Time
	timer    *time.Timer
	out      chan Batch
	closed   bool
}

// NewBuffer creates a buffer emitting batches of at most capacity items.
func NewBuffer(capacity int, idle time.Duration) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	b := &Buffer{
		capacity: capacity,
		idle:     idle,
		out:      make(chan Batch, 64),
	}
	b.timer = time.AfterFunc(idle, b.onIdle)
	b.timer.Stop()
	return b
}

// Batches is the stream of emitted batches. One consumer per buffer.
func (b *Buffer) Batches() <-chan Batch {
	return b.out
}

// Add appends an item and rearms the idle timer. When the pending count
// reaches capacity, exactly capacity items are popped and emitted as a
// threshold batch; anything beyond stays queued for the next trigger.
func (b *Buffer) Add(item Item) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, item)
	b.lastAdd = time.Now()
	b.timer.Reset(b.idle)

	var batch *Batch
	if len(b.pending) >= b.capacity {
		batch = &Batch{Kind: BatchThreshold, Items: b.pop(b.capacity)}
	}
	b.mu.Unlock()

	if batch != nil {
		b.out <- *batch
	}
}

// Len reports the number of items currently pending.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close disarms the timer and drops any future Adds. Pending items are not
// flushed; they remain unacknowledged on the broker.
func (b *Buffer) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.timer.Stop()
	}
	b.mu.Unlock()
}

// onIdle flushes everything left in the buffer, in capacity-sized chunks,
// as final batches. An Add racing the timer fire wins: the flush is skipped
// and the timer rearmed for the remainder of the idle window.
func (b *Buffer) onIdle() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if since := time.Since(b.lastAdd); since < b.idle {
		b.timer.Reset(b.idle - since)
		b.mu.Unlock()
		return
	}
	var batches []Batch
	for len(b.pending) > 0 {
		batches = append(batches, Batch{Kind: BatchFinal, Items: b.pop(b.capacity)})
	}
	b.mu.Unlock()

	for _, batch := range batches {
		b.out <- batch
	}
}

// pop removes and returns up to n items. Caller holds b.mu.
func (b *Buffer) pop(n int) []Item {
	if n > len(b.pending) {
		n = len(b.pending)
	}
	items := make([]Item, n)
	copy(items, b.pending[:n])
	b.pending = b.pending[n:]
	return items
}
