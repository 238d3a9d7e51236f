package queue

// Transport limits for one SendMessageBatch request.
const (
	MaxBatchEntries = 10
	MaxBatchBytes   = 256 * 1024
)

// BatchBuilder accumulates outgoing messages up to the transport's
// per-request limits. Callers TryAdd until it refuses, publish, Reset, and
// re-add the refused message first, the same flow the broker SDKs model
// with their batch objects.
type BatchBuilder struct {
	entries []Outgoing
	bytes   int
}

// NewBatchBuilder returns an empty builder.
func NewBatchBuilder() *BatchBuilder {
	return &BatchBuilder{}
}

// TryAdd appends the message if it fits within both the entry-count and
// payload-size limits, reporting whether it was added.
func (b *BatchBuilder) TryAdd(msg Outgoing) bool {
	size := messageSize(msg)
	if len(b.entries) >= MaxBatchEntries {
		return false
	}
	if b.bytes+size > MaxBatchBytes {
		return false
	}
	b.entries = append(b.entries, msg)
	b.bytes += size
	return true
}

// Len reports the number of buffered entries.
func (b *BatchBuilder) Len() int {
	return len(b.entries)
}

// Messages returns the buffered entries.
func (b *BatchBuilder) Messages() []Outgoing {
	return b.entries
}

// Reset empties the builder for the next batch.
func (b *BatchBuilder) Reset() {
	b.entries = nil
	b.bytes = 0
}

// messageSize approximates the billed request size: body plus message
// attribute names and values.
func messageSize(msg Outgoing) int {
	return len(msg.Body) + len(attrType) + len(msg.Type)
}
