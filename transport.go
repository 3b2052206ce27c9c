package chatsync

import (
	"context"
	"encoding/json"
)

// ============================================================================
// Transport event names
// ============================================================================

const (
	EventIdentify          = "identify"
	EventJoinRoom          = "joinRoom"
	EventLeaveRoom         = "leaveRoom"
	EventNewMessage        = "newMessage"
	EventMarkAsSeen        = "markAsSeen"
	EventMessageSeen       = "messageSeen"
	EventReactToMessage    = "reactToMessage"
	EventRemoveReaction    = "removeMessageReaction"
	EventReactionUpdated   = "messageReactionUpdated"
	EventDeleteMessage     = "deleteMessage"
	EventMessageDeleted    = "messageDeleted"
	EventTyping            = "typing"
	EventCheckOnlineStatus = "checkOnlineStatus"
	EventPresenceChanged   = "presenceChanged"
)

// Role-specific send events. The server routes and validates by sender kind.
const (
	EventInstructorSend = "instructorSendMessage"
	EventStudentSend    = "studentSendMessage"
)

// SendEventForRole returns the sendMessage variant for the given sender role.
func SendEventForRole(r Role) string {
	if r == RoleInstructor {
		return EventInstructorSend
	}
	return EventStudentSend
}

// ============================================================================
// Transport interface
// ============================================================================

// EventHandler receives the raw payload of one inbound event.
type EventHandler func(payload json.RawMessage)

// Transport is the bidirectional event channel the engine is built against.
// The engine never touches a socket directly; tests inject a fake and
// production wires the websocket implementation from this package.
type Transport interface {
	// Connect establishes the channel. Safe to call when already connected.
	Connect(ctx context.Context) error

	// Disconnect tears the channel down intentionally (no reconnect).
	Disconnect() error

	// Connected reports whether the channel is currently up.
	Connected() bool

	// Emit sends a fire-and-forget event.
	Emit(ctx context.Context, event string, payload any) error

	// EmitWithAck sends an event and blocks until the server acknowledges it,
	// the context expires, or the connection drops. The returned Ack carries
	// the server's verdict and data.
	EmitWithAck(ctx context.Context, event string, payload any) (*Ack, error)

	// On registers a handler for a named inbound event.
	On(event string, h EventHandler)

	// OnConnect registers a handler invoked after every (re)connect.
	OnConnect(h func())

	// OnDisconnect registers a handler invoked when the channel drops.
	OnDisconnect(h func(reason string))
}
