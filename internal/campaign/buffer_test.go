package campaign

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-mailer/internal/queue"
)

func item(n int) Item {
	return Item{
		Recipient: EmailAddress{Address: fmt.Sprintf("user%d@example.com", n)},
		Message:   queue.Message{ID: fmt.Sprintf("msg-%d", n)},
	}
}

func collect(t *testing.T, b *Buffer, n int, timeout time.Duration) []Batch {
	t.Helper()
	var batches []Batch
	deadline := time.After(timeout)
	for len(batches) < n {
		select {
		case batch := <-b.Batches():
			batches = append(batches, batch)
		case <-deadline:
			t.Fatalf("timed out waiting for batch %d of %d", len(batches)+1, n)
		}
	}
	return batches
}

func TestBufferThresholdEmission(t *testing.T) {
	b := NewBuffer(2, time.Hour)
	defer b.Close()

	for i := 0; i < 5; i++ {
		b.Add(item(i))
	}

	batches := collect(t, b, 2, time.Second)
	require.Len(t, batches[0].Items, 2)
	require.Len(t, batches[1].Items, 2)
	assert.Equal(t, BatchThreshold, batches[0].Kind)
	assert.Equal(t, BatchThreshold, batches[1].Kind)

	// Arrival order is preserved across batches.
	assert.Equal(t, "user0@example.com", batches[0].Items[0].Recipient.Address)
	assert.Equal(t, "user3@example.com", batches[1].Items[1].Recipient.Address)

	// The odd item stays pending until a trigger fires.
	assert.Equal(t, 1, b.Len())
}

func TestBufferIdleFlush(t *testing.T) {
	b := NewBuffer(10, 30*time.Millisecond)
	defer b.Close()

	b.Add(item(0))
	b.Add(item(1))

	batches := collect(t, b, 1, time.Second)
	assert.Equal(t, BatchFinal, batches[0].Kind)
	require.Len(t, batches[0].Items, 2)
	assert.Equal(t, 0, b.Len())

	// No second flush from a now-empty buffer.
	select {
	case batch := <-b.Batches():
		t.Fatalf("unexpected batch of %d items", len(batch.Items))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBufferIdleFlushChunksByCapacity(t *testing.T) {
	b := NewBuffer(2, 30*time.Millisecond)
	defer b.Close()

	// 5 items, no further adds: two threshold batches fire on the way in,
	// the remaining 1 flushes as final.
	for i := 0; i < 5; i++ {
		b.Add(item(i))
	}

	batches := collect(t, b, 3, time.Second)
	assert.Equal(t, BatchThreshold, batches[0].Kind)
	assert.Equal(t, BatchThreshold, batches[1].Kind)
	assert.Equal(t, BatchFinal, batches[2].Kind)
	require.Len(t, batches[2].Items, 1)
	assert.Equal(t, "user4@example.com", batches[2].Items[0].Recipient.Address)
}

func TestBufferEveryItemEmittedExactlyOnce(t *testing.T) {
	const total = 57
	b := NewBuffer(5, 25*time.Millisecond)
	defer b.Close()

	for i := 0; i < total; i++ {
		b.Add(item(i))
	}

	seen := make(map[string]int)
	count := 0
	deadline := time.After(2 * time.Second)
	for count < total {
		select {
		case batch := <-b.Batches():
			for _, it := range batch.Items {
				seen[it.Recipient.Address]++
				count++
			}
			assert.LessOrEqual(t, len(batch.Items), 5)
		case <-deadline:
			t.Fatalf("only %d of %d items emitted", count, total)
		}
	}
	for addr, n := range seen {
		assert.Equal(t, 1, n, "duplicate emission for %s", addr)
	}
}

func TestBufferCapacityOne(t *testing.T) {
	b := NewBuffer(1, time.Hour)
	defer b.Close()

	b.Add(item(0))
	b.Add(item(1))

	batches := collect(t, b, 2, time.Second)
	for _, batch := range batches {
		assert.Equal(t, BatchThreshold, batch.Kind)
		assert.Len(t, batch.Items, 1)
	}
}

func TestBufferAddAfterClose(t *testing.T) {
	b := NewBuffer(1, 20*time.Millisecond)
	b.Close()
	b.Add(item(0))

	select {
	case <-b.Batches():
		t.Fatal("closed buffer emitted a batch")
	case <-time.After(80 * time.Millisecond):
	}
	assert.Equal(t, 0, b.Len())
}

func TestBatchAccessors(t *testing.T) {
	batch := Batch{Kind: BatchFinal, Items: []Item{item(0), item(1)}}
	addrs := batch.Addresses()
	msgs := batch.Messages()
	require.Len(t, addrs, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user1@example.com", addrs[1].Address)
	assert.Equal(t, "msg-0", msgs[0].ID)
}
