package chatsync

import (
	"context"
	"time"
)

// ============================================================================
// Pagination
// ============================================================================

// LoadResult describes one backward page merge. OldestID/NewestID are the
// post-merge list boundaries; the UI computes its own scroll adjustment from
// Added and the boundaries — the engine does no rendering.
type LoadResult struct {
	Added    int
	HasMore  bool
	OldestID string
	NewestID string
}

// JumpResult describes the outcome of a jump-to-message request.
type JumpResult struct {
	TargetID      string
	AlreadyLoaded bool
	UsedAround    bool
	Added         int
	HasMoreBefore bool
	HasMoreAfter  bool
}

// LoadOlder fetches the page of messages older than the oldest loaded one
// and merges it in. Duplicates are filtered by id; already-loaded messages
// are never reordered. A failed fetch leaves the list unchanged and is
// retryable by calling again.
func (e *Engine) LoadOlder(ctx context.Context) (*LoadResult, error) {
	e.mu.Lock()
	room := e.room
	epoch := e.epoch
	e.mu.Unlock()
	if room == "" {
		return nil, ErrNoConversation
	}

	var before time.Time
	if oldest, ok := e.store.Oldest(); ok {
		before = oldest.CreatedAt
	}

	page, err := e.fetcher.MessagesBefore(ctx, room, before, e.pageSize)
	if err != nil {
		e.metrics.fetchFailures.Inc()
		return nil, &FetchError{Op: "older page", Err: err}
	}
	if e.epochChanged(epoch) {
		return nil, ErrStaleRequest
	}

	added := 0
	for _, m := range page.Messages {
		if m.Status == "" {
			m.Status = StatusSent
		}
		if e.store.InsertSorted(m) {
			added++
		}
	}
	if added > 0 {
		e.notify(ChangeMessages)
	}

	res := &LoadResult{Added: added, HasMore: page.HasMore}
	if oldest, ok := e.store.Oldest(); ok {
		res.OldestID = oldest.ID
	}
	if newest, ok := e.store.Newest(); ok {
		res.NewestID = newest.ID
	}
	return res, nil
}

// JumpTo makes the target message visible. Already-loaded targets are a
// no-op. A target close to the loaded range (within the proximity window)
// is fetched alone and inserted directly — the common case of replying to a
// recent message. Anything further away triggers a windowed "around" fetch
// merged by id-keyed union with a stable sort on createdAt.
func (e *Engine) JumpTo(ctx context.Context, targetID string) (*JumpResult, error) {
	if e.store.Has(targetID) {
		return &JumpResult{TargetID: targetID, AlreadyLoaded: true}, nil
	}

	e.mu.Lock()
	room := e.room
	epoch := e.epoch
	e.mu.Unlock()
	if room == "" {
		return nil, ErrNoConversation
	}

	target, err := e.fetcher.MessageByID(ctx, room, targetID)
	if err != nil {
		e.metrics.fetchFailures.Inc()
		return nil, &FetchError{Op: "jump target", Err: err}
	}
	if e.epochChanged(epoch) {
		return nil, ErrStaleRequest
	}

	if e.nearLoadedRange(target.CreatedAt) {
		m := *target
		if m.Status == "" {
			m.Status = StatusSent
		}
		added := 0
		if e.store.InsertSorted(m) {
			added++
			e.notify(ChangeMessages)
		}
		return &JumpResult{TargetID: targetID, Added: added}, nil
	}

	window, err := e.fetcher.MessagesAround(ctx, room, targetID, e.pageSize)
	if err != nil {
		e.metrics.fetchFailures.Inc()
		return nil, &FetchError{Op: "around window", Err: err}
	}
	if e.epochChanged(epoch) {
		return nil, ErrStaleRequest
	}

	added := 0
	for _, m := range window.Messages {
		if m.Status == "" {
			m.Status = StatusSent
		}
		if e.store.InsertSorted(m) {
			added++
		}
	}
	if added > 0 {
		e.notify(ChangeMessages)
	}
	return &JumpResult{
		TargetID:      targetID,
		UsedAround:    true,
		Added:         added,
		HasMoreBefore: window.HasMoreBefore,
		HasMoreAfter:  window.HasMoreAfter,
	}, nil
}

// nearLoadedRange reports whether a timestamp falls inside the loaded range
// or within the proximity window of its boundaries. An empty store is never
// near: the around fetch builds the initial window in that case.
func (e *Engine) nearLoadedRange(t time.Time) bool {
	oldest, ok := e.store.Oldest()
	if !ok {
		return false
	}
	newest, _ := e.store.Newest()
	lo := oldest.CreatedAt.Add(-e.proximityWindow)
	hi := newest.CreatedAt.Add(e.proximityWindow)
	return !t.Before(lo) && !t.After(hi)
}
