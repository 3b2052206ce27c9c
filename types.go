package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Participants
// ============================================================================

// Role identifies which side of a conversation a participant is on.
type Role string

const (
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
)

// Participant is one end of a conversation.
type Participant struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the delivery state of a message as seen locally.
type MessageStatus string

const (
	// StatusPending means the message is awaiting server acknowledgment.
	StatusPending MessageStatus = "pending"
	// StatusSent means the server confirmed the message (via ack or broadcast).
	StatusSent MessageStatus = "sent"
	// StatusFailed means the transport reported an error for the send attempt.
	// Transient UI state; never persisted.
	StatusFailed MessageStatus = "failed"
)

// DeletedPlaceholder replaces the content of tombstoned messages on every client.
const DeletedPlaceholder = "This message was deleted"

// Reaction is a single participant's reaction to a message.
// A participant has at most one active reaction per message.
type Reaction struct {
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReplyPreview is an immutable snapshot of the message being replied to,
// captured at reply time. The original may later be edited or deleted
// without affecting the snapshot.
type ReplyPreview struct {
	ID        string      `json:"id"`
	Content   string      `json:"content"`
	Sender    Participant `json:"sender"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Message is a single chat message. ID is either a server-assigned
// identifier or a client temp id ("temp-...") prior to acknowledgment.
type Message struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	IsDeleted      bool           `json:"isDeleted,omitempty"`
	Sender         Participant    `json:"sender"`
	Receiver       Participant    `json:"receiver"`
	CreatedAt      time.Time      `json:"createdAt"`
	Status         MessageStatus  `json:"status,omitempty"`
	ReplyTo        *ReplyPreview  `json:"replyTo,omitempty"`
	Reactions      []Reaction     `json:"reactions,omitempty"`
	ReactionCounts map[string]int `json:"reactionCounts,omitempty"`
	SeenBy         []string       `json:"seenBy,omitempty"`
}

// IsTemp reports whether the message still carries a client temp id.
func (m *Message) IsTemp() bool {
	return len(m.ID) > 5 && m.ID[:5] == "temp-"
}

// clone returns a deep copy, so store snapshots never alias engine state.
func (m Message) clone() Message {
	c := m
	if m.ReplyTo != nil {
		rp := *m.ReplyTo
		c.ReplyTo = &rp
	}
	if m.Reactions != nil {
		c.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.ReactionCounts != nil {
		c.ReactionCounts = make(map[string]int, len(m.ReactionCounts))
		for k, v := range m.ReactionCounts {
			c.ReactionCounts[k] = v
		}
	}
	if m.SeenBy != nil {
		c.SeenBy = append([]string(nil), m.SeenBy...)
	}
	return c
}

// ============================================================================
// Outbox
// ============================================================================

// PendingRecord is one outbox entry: an optimistic send that has not been
// acknowledged yet. Entries are never merged or coalesced; order of arrival
// is order of retry.
type PendingRecord struct {
	ClientTempID string        `json:"clientTempId"`
	Content      string        `json:"content"`
	ReceiverID   string        `json:"receiverId"`
	SenderID     string        `json:"senderId"`
	Room         string        `json:"room"`
	CreatedAt    time.Time     `json:"createdAt"`
	Attempt      int           `json:"attempt"`
	ReplyTo      *ReplyPreview `json:"replyTo,omitempty"`

	// Seq is assigned by the outbox on enqueue and fixes flush order.
	Seq uint64 `json:"seq"`
}

// ============================================================================
// Conversation summaries
// ============================================================================

// ConversationSummary is the sidebar-level aggregate for one counterpart.
type ConversationSummary struct {
	CounterpartID string    `json:"counterpartId"`
	Name          string    `json:"name,omitempty"`
	AvatarRef     string    `json:"avatarRef,omitempty"`
	LastMessage   string    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount   int       `json:"unreadCount"`
}

// ============================================================================
// Presence
// ============================================================================

// PresenceState is the tracked {online, typing} pair for a counterpart.
type PresenceState struct {
	Online bool `json:"online"`
	Typing bool `json:"typing"`
}

// ============================================================================
// Fetch results
// ============================================================================

// Page is one backward ("before" cursor) page of history.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// AroundPage is a window of messages centered on a target message.
type AroundPage struct {
	Messages      []Message `json:"messages"`
	HasMoreBefore bool      `json:"hasMoreBefore"`
	HasMoreAfter  bool      `json:"hasMoreAfter"`
}

// ============================================================================
// Wire payloads
// ============================================================================

// Ack is the envelope every acknowledged emit resolves to.
type Ack struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendMessagePayload is the outbound sendMessage payload.
type SendMessagePayload struct {
	ReceiverID   string        `json:"receiverId"`
	Content      string        `json:"content"`
	Room         string        `json:"room"`
	SenderID     string        `json:"senderId"`
	ClientTempID string        `json:"clientTempId"`
	ReplyTo      *ReplyPreview `json:"replyTo,omitempty"`
}

// SendAckData is the data field of a successful sendMessage ack.
type SendAckData struct {
	Message      Message `json:"message"`
	ClientTempID string  `json:"clientTempId"`
}

// NewMessagePayload is the inbound newMessage broadcast.
type NewMessagePayload struct {
	Room         string  `json:"room"`
	ClientTempID string  `json:"clientTempId,omitempty"`
	Message      Message `json:"message"`
}

// ReactionUpdatePayload carries the authoritative reaction state for a
// message, used both as ack data and as the messageReactionUpdated broadcast.
type ReactionUpdatePayload struct {
	MessageID      string         `json:"messageId"`
	ReactionCounts map[string]int `json:"reactionCounts"`
	Reactions      []Reaction     `json:"reactions"`
}

// MessageSeenPayload is the inbound messageSeen broadcast.
type MessageSeenPayload struct {
	MessageID string   `json:"messageId"`
	SeenBy    []string `json:"seenBy"`
}

// MessageDeletedPayload is the inbound messageDeleted broadcast.
type MessageDeletedPayload struct {
	MessageID string     `json:"messageId"`
	DeletedBy string     `json:"deletedBy,omitempty"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// TypingPayload is the bidirectional typing signal.
type TypingPayload struct {
	Room     string `json:"room"`
	UserID   string `json:"userId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// PresencePayload is the inbound presence flip for a participant.
type PresencePayload struct {
	ID     string `json:"id"`
	Role   Role   `json:"role,omitempty"`
	Online bool   `json:"online"`
}

// OnlineStatusData is the data field of a checkOnlineStatus ack.
type OnlineStatusData struct {
	Online bool `json:"online"`
}
