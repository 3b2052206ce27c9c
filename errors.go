package chatsync

import (
	"errors"
	"fmt"
)

// ============================================================================
// Error taxonomy
// ============================================================================

// Sentinel errors for the failure classes the engine distinguishes.
var (
	// ErrTransportUnavailable means the transport is not connected. Sends
	// never surface this: they fall back to the outbox instead.
	ErrTransportUnavailable = errors.New("transport not connected")

	// ErrAckTimeout means no acknowledgment arrived in time. Retryable for
	// sends; treated as a rejection for reactions.
	ErrAckTimeout = errors.New("acknowledgment timeout")

	// ErrAlreadyLoaded signals that a jump target is already in the store.
	ErrAlreadyLoaded = errors.New("message already loaded")

	// ErrStaleRequest means the conversation changed while a fetch was in
	// flight; the result was discarded.
	ErrStaleRequest = errors.New("conversation changed during fetch")

	// ErrUnknownMessage means the referenced message id is not in the store.
	ErrUnknownMessage = errors.New("unknown message id")

	// ErrNoConversation means no conversation is open yet.
	ErrNoConversation = errors.New("no open conversation")

	// ErrNotOwnMessage means the caller may not delete a counterpart's message.
	ErrNotOwnMessage = errors.New("only the sender may delete a message")

	// ErrOwnMessage means the caller may not report their own message.
	ErrOwnMessage = errors.New("cannot report own message")

	// ErrEmptyReason rejects a report with no reason before any network call.
	ErrEmptyReason = errors.New("report reason must not be empty")
)

// AckError is an explicit server rejection of an acknowledged emit.
type AckError struct {
	Event   string
	Message string
}

func (e *AckError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: rejected by server", e.Event)
	}
	return fmt.Sprintf("%s: %s", e.Event, e.Message)
}

// FetchError wraps a failed pagination or jump fetch.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
