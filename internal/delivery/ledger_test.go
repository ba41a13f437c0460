package delivery

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLedgerRecordSuppresses(t *testing.T) {
	t.Parallel()
	l := NewLedger(10)
	assert.True(t, l.ShouldDeliver(1, 100))
	l.RecordDelivered(1, 100)
	assert.False(t, l.ShouldDeliver(1, 100))
	// Partitions are independent.
	assert.True(t, l.ShouldDeliver(2, 100))
}

func TestLedgerEvictsOldestFirst(t *testing.T) {
	t.Parallel()
	l := NewLedger(10)
	for id := PostID(1); id <= 11; id++ {
		l.RecordDelivered(7, id)
	}
	got := l.Snapshot(7)
	assert.Len(t, got, 10)
	assert.Equal(t, PostID(2), got[0])
	assert.Equal(t, PostID(11), got[9])
	assert.True(t, l.ShouldDeliver(7, 1), "oldest id must be evicted")
	for id := PostID(2); id <= 11; id++ {
		assert.False(t, l.ShouldDeliver(7, id))
	}
}

func TestLedgerDuplicateRecordIsNoop(t *testing.T) {
	t.Parallel()
	l := NewLedger(3)
	l.RecordDelivered(1, 1)
	l.RecordDelivered(1, 2)
	l.RecordDelivered(1, 1)
	assert.Equal(t, []PostID{1, 2}, l.Snapshot(1))
}

func TestLedgerForget(t *testing.T) {
	t.Parallel()
	l := NewLedger(0)
	assert.Equal(t, DefaultLedgerCapacity, l.Capacity())
	l.RecordDelivered(1, 5)
	l.Forget(1)
	assert.True(t, l.ShouldDeliver(1, 5))
	assert.Nil(t, l.Snapshot(1))
}

func TestLedgerRecipientBound(t *testing.T) {
	t.Parallel()
	l := NewLedgerSize(2, 2)
	l.RecordDelivered(1, 1)
	l.RecordDelivered(2, 1)
	l.RecordDelivered(3, 1)
	assert.Equal(t, 2, l.Len())
	assert.True(t, l.ShouldDeliver(1, 1))
}

func TestLedgerConcurrentRecipients(t *testing.T) {
	t.Parallel()
	l := NewLedger(10)
	var wg sync.WaitGroup
	for r := int64(0); r < 32; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := PostID(0); id < 50; id++ {
				if l.ShouldDeliver(r, id) {
					l.RecordDelivered(r, id)
				}
			}
		}()
	}
	wg.Wait()
	for r := int64(0); r < 32; r++ {
		got := l.Snapshot(r)
		assert.Len(t, got, 10)
		assert.Equal(t, PostID(40), got[0])
	}
}
