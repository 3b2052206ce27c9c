package chatsync

import "sync"

// ============================================================================
// Reconciliation
// ============================================================================

// Reconcile maps a server-confirmed message onto local state that may already
// contain an optimistic placeholder for it. clientTempID may be "" when the
// message has no local counterpart (plain inbound broadcast).
//
// Dedupe policy, in priority order:
//  1. server id already present: drop the temp entry (if any), change nothing
//     else — duplicate delivery of an already-reconciled message;
//  2. temp entry present: replace it in place with the server message;
//  3. otherwise append the server message as new.
//
// Both the ack path and the broadcast path call this, which makes the two
// arrival orders converge to the same state.
func (e *Engine) Reconcile(clientTempID string, server Message) {
	server.Status = StatusSent

	if e.store.Has(server.ID) {
		if clientTempID != "" && clientTempID != server.ID {
			e.store.Remove(clientTempID)
		}
		e.metrics.duplicatesDropped.Inc()
		return
	}

	if clientTempID != "" && e.store.Has(clientTempID) {
		e.store.Replace(clientTempID, server)
		e.metrics.reconciliations.Inc()
		e.notify(ChangeMessages)
		return
	}

	e.store.InsertSorted(server)
	e.metrics.reconciliations.Inc()
	e.notify(ChangeMessages)
}

// ============================================================================
// Rollback registry
// ============================================================================

// rollbackRegistry holds pre-mutation snapshots keyed by in-flight operation
// id. Capture before an optimistic mutation, Restore on rejection, Discard on
// settle. Shared by every feature that mutates optimistically, so the
// snapshot/restore logic lives in one place.
type rollbackRegistry struct {
	mu    sync.Mutex
	snaps map[string]Message
}

func newRollbackRegistry() *rollbackRegistry {
	return &rollbackRegistry{snaps: make(map[string]Message)}
}

// Capture stores a deep copy of m under opID.
func (r *rollbackRegistry) Capture(opID string, m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps[opID] = m.clone()
}

// Restore returns the snapshot for opID and removes it.
func (r *rollbackRegistry) Restore(opID string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.snaps[opID]
	if ok {
		delete(r.snaps, opID)
	}
	return m, ok
}

// Discard drops the snapshot for opID without applying it.
func (r *rollbackRegistry) Discard(opID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.snaps, opID)
}
