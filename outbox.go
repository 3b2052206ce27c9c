package chatsync

import (
	"sort"
	"sync"
)

// ============================================================================
// Outbox
// ============================================================================

// Outbox is the durable queue of not-yet-acknowledged sends, keyed by client
// temp id. Implementations must tolerate being read and flushed from a
// freshly initialized engine instance: keys make re-flush idempotent even if
// a previous process died mid-flush.
type Outbox interface {
	// Enqueue stores a record and assigns its flush sequence.
	Enqueue(rec *PendingRecord) error

	// Update rewrites an existing record (attempt counter bumps).
	Update(rec *PendingRecord) error

	// Remove deletes the record for the given client temp id.
	Remove(clientTempID string) error

	// Get returns the record for the given client temp id.
	Get(clientTempID string) (*PendingRecord, bool, error)

	// List returns all records in insertion order.
	List() ([]*PendingRecord, error)

	// Len returns the number of queued records.
	Len() (int, error)

	// Close releases any underlying resources.
	Close() error
}

// ============================================================================
// In-memory outbox
// ============================================================================

// MemoryOutbox is a process-local Outbox for tests and ephemeral sessions.
type MemoryOutbox struct {
	mu   sync.Mutex
	recs map[string]*PendingRecord
	seq  uint64
}

// NewMemoryOutbox creates an empty in-memory outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{recs: make(map[string]*PendingRecord)}
}

func (o *MemoryOutbox) Enqueue(rec *PendingRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.recs[rec.ClientTempID]; ok {
		// Re-enqueue of a known temp id keeps its original slot.
		rec.Seq = existing.Seq
	} else {
		o.seq++
		rec.Seq = o.seq
	}
	cp := *rec
	o.recs[rec.ClientTempID] = &cp
	return nil
}

func (o *MemoryOutbox) Update(rec *PendingRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.recs[rec.ClientTempID]; !ok {
		return nil
	}
	cp := *rec
	o.recs[rec.ClientTempID] = &cp
	return nil
}

func (o *MemoryOutbox) Remove(clientTempID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.recs, clientTempID)
	return nil
}

func (o *MemoryOutbox) Get(clientTempID string) (*PendingRecord, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.recs[clientTempID]
	if !ok {
		return nil, false, nil
	}
	cp := *rec
	return &cp, true, nil
}

func (o *MemoryOutbox) List() ([]*PendingRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*PendingRecord, 0, len(o.recs))
	for _, rec := range o.recs {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (o *MemoryOutbox) Len() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.recs), nil
}

func (o *MemoryOutbox) Close() error { return nil }
