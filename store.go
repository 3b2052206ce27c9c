package chatsync

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Local message store
// ============================================================================

// messageStore holds the ordered, deduplicated message list for the open
// conversation. It is the single source of truth the UI renders from.
// Invariants: ascending CreatedAt order, no duplicate ids.
type messageStore struct {
	mu    sync.RWMutex
	list  []Message
	index map[string]int
}

func newMessageStore() *messageStore {
	return &messageStore{index: make(map[string]int)}
}

func (s *messageStore) reindexFrom(pos int) {
	for i := pos; i < len(s.list); i++ {
		s.index[s.list[i].ID] = i
	}
}

// Has reports whether a message with the given id is loaded.
func (s *messageStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Get returns a copy of the message with the given id.
func (s *messageStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.list[i].clone(), true
}

// Append adds a message at the tail. Used for fresh optimistic sends and
// live inbound messages, which are always newest.
func (s *messageStore) Append(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[m.ID]; ok {
		return
	}
	s.list = append(s.list, m)
	s.index[m.ID] = len(s.list) - 1
}

// InsertSorted places a message at its sorted position by CreatedAt.
// Messages already loaded are never reordered; ties keep existing entries
// first. Duplicate ids are dropped.
func (s *messageStore) InsertSorted(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[m.ID]; ok {
		return false
	}
	pos := sort.Search(len(s.list), func(i int) bool {
		return s.list[i].CreatedAt.After(m.CreatedAt)
	})
	s.list = append(s.list, Message{})
	copy(s.list[pos+1:], s.list[pos:])
	s.list[pos] = m
	s.reindexFrom(pos)
	return true
}

// Replace swaps the entry with oldID for m in place, keeping its slot.
// Retires a temp id the instant its server id is known.
func (s *messageStore) Replace(oldID string, m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[oldID]
	if !ok {
		return false
	}
	if j, dup := s.index[m.ID]; dup && j != i {
		// Server id already present elsewhere: drop the stale entry instead
		// of introducing a duplicate.
		s.removeAtLocked(i)
		return false
	}
	delete(s.index, oldID)
	s.list[i] = m
	s.index[m.ID] = i
	return true
}

// Remove drops the message with the given id, if present.
func (s *messageStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.removeAtLocked(i)
	return true
}

func (s *messageStore) removeAtLocked(i int) {
	delete(s.index, s.list[i].ID)
	s.list = append(s.list[:i], s.list[i+1:]...)
	s.reindexFrom(i)
}

// Update applies fn to the stored message with the given id, in place.
func (s *messageStore) Update(id string, fn func(*Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return false
	}
	fn(&s.list[i])
	return true
}

// Oldest returns the first (oldest) loaded message.
func (s *messageStore) Oldest() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.list) == 0 {
		return Message{}, false
	}
	return s.list[0].clone(), true
}

// Newest returns the last (newest) loaded message.
func (s *messageStore) Newest() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.list) == 0 {
		return Message{}, false
	}
	return s.list[len(s.list)-1].clone(), true
}

// Len returns the number of loaded messages.
func (s *messageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.list)
}

// Snapshot returns a deep copy of the list for rendering.
func (s *messageStore) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.list))
	for i, m := range s.list {
		out[i] = m.clone()
	}
	return out
}

// Clear empties the store (conversation switch).
func (s *messageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = nil
	s.index = make(map[string]int)
}

// ============================================================================
// Conversation summaries
// ============================================================================

// summaryList keeps the sidebar aggregates consistent with the message
// stream. Keyed by counterpart id; snapshots sort by recency.
type summaryList struct {
	mu   sync.RWMutex
	byID map[string]*ConversationSummary
}

func newSummaryList() *summaryList {
	return &summaryList{byID: make(map[string]*ConversationSummary)}
}

// SetAll replaces the list wholesale (initial REST load).
func (l *summaryList) SetAll(summaries []ConversationSummary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID = make(map[string]*ConversationSummary, len(summaries))
	for _, s := range summaries {
		cp := s
		l.byID[s.CounterpartID] = &cp
	}
}

// Touch records a new last message for a counterpart. countUnread increments
// the unread counter; callers pass true only for inbound messages to a
// conversation that is not currently open.
func (l *summaryList) Touch(counterpartID, lastMessage string, at time.Time, countUnread bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.byID[counterpartID]
	if !ok {
		s = &ConversationSummary{CounterpartID: counterpartID}
		l.byID[counterpartID] = s
	}
	s.LastMessage = lastMessage
	s.LastMessageAt = at
	if countUnread {
		s.UnreadCount++
	}
}

// ResetUnread zeroes the unread counter when a conversation becomes active.
func (l *summaryList) ResetUnread(counterpartID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.byID[counterpartID]; ok {
		s.UnreadCount = 0
	}
}

// Unread returns the current unread count for a counterpart.
func (l *summaryList) Unread(counterpartID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.byID[counterpartID]; ok {
		return s.UnreadCount
	}
	return 0
}

// Snapshot returns the summaries sorted by last activity, newest first.
func (l *summaryList) Snapshot() []ConversationSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ConversationSummary, 0, len(l.byID))
	for _, s := range l.byID {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}
