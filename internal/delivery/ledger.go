package delivery

import (
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultLedgerCapacity = 10
	// DefaultLedgerRecipients bounds how many recipients keep history. The
	// least recently touched partition is dropped past it.
	DefaultLedgerRecipients = 100_000
)

type PostID int64

// Ledger remembers the most recent post ids delivered to each recipient.
// Each recipient owns a partition with its own lock, so concurrent recipients
// never contend.
type Ledger struct {
	capacity int
	parts    *lru.Cache[int64, *ledgerPartition]
	// mu serializes get-or-create so two callers never race on a new partition.
	mu sync.Mutex
}

type ledgerPartition struct {
	mu  sync.Mutex
	ids []PostID // oldest first
}

func NewLedger(capacity int) *Ledger {
	return NewLedgerSize(capacity, DefaultLedgerRecipients)
}

// NewLedgerSize is NewLedger with an explicit recipient bound.
func NewLedgerSize(capacity, recipients int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	if recipients <= 0 {
		recipients = DefaultLedgerRecipients
	}
	parts, err := lru.New[int64, *ledgerPartition](recipients)
	if err != nil {
		// Only possible for a non-positive size, excluded above.
		panic(err)
	}
	return &Ledger{capacity: capacity, parts: parts}
}

func (l *Ledger) Capacity() int { return l.capacity }

// ShouldDeliver reports false iff postID was already delivered to recipientID.
func (l *Ledger) ShouldDeliver(recipientID int64, postID PostID) bool {
	p, ok := l.parts.Get(recipientID)
	if !ok {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !slices.Contains(p.ids, postID)
}

// RecordDelivered appends postID, evicting the oldest id beyond capacity.
// Recording an id that is already present is a no-op.
func (l *Ledger) RecordDelivered(recipientID int64, postID PostID) {
	p := l.partition(recipientID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if slices.Contains(p.ids, postID) {
		return
	}
	p.ids = append(p.ids, postID)
	if over := len(p.ids) - l.capacity; over > 0 {
		p.ids = slices.Delete(p.ids, 0, over)
	}
}

// Snapshot returns the recorded ids for a recipient, oldest first.
func (l *Ledger) Snapshot(recipientID int64) []PostID {
	p, ok := l.parts.Peek(recipientID)
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.ids)
}

// Forget drops a recipient's history.
func (l *Ledger) Forget(recipientID int64) {
	l.parts.Remove(recipientID)
}

// Len returns the number of recipients with history.
func (l *Ledger) Len() int { return l.parts.Len() }

func (l *Ledger) partition(recipientID int64) *ledgerPartition {
	if p, ok := l.parts.Get(recipientID); ok {
		return p
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.parts.Get(recipientID); ok {
		return p
	}
	p := &ledgerPartition{ids: make([]PostID, 0, l.capacity)}
	l.parts.Add(recipientID, p)
	return p
}
