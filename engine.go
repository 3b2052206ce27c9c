// Package chatsync is the real-time messaging synchronization engine behind
// StudyHall's instructor↔student chat.
//
// The engine owns the message list for the open conversation and exposes an
// intent API to the UI layer: send, react, delete, load older, jump to a
// message, switch conversation. Sends are optimistic with an offline outbox
// and manual retry; acknowledgments and broadcasts reconcile onto the same
// local state; pagination merges are duplicate-free and order-preserving.
//
// Example:
//
//	tr := chatsync.NewWSTransport("wss://chat.studyhall.app", token, nil)
//	fetcher := chatsync.NewHTTPFetcher("https://chat.studyhall.app", token)
//	eng := chatsync.New(chatsync.Participant{ID: "u1", Role: chatsync.RoleStudent}, tr, fetcher)
//	eng.Start(ctx)
//	eng.OpenConversation(ctx, chatsync.Participant{ID: "i9", Role: chatsync.RoleInstructor})
//	eng.Send("hello", "")
package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultAckTimeout      = 10 * time.Second
	DefaultPageSize        = 50
	DefaultProximityWindow = 7 * 24 * time.Hour
	DefaultTypingDebounce  = 2 * time.Second
	DefaultTypingExpiry    = 6 * time.Second
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger injects a structured logger. Defaults to zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithOutbox injects the durable outbox. Defaults to an in-memory outbox.
func WithOutbox(o Outbox) Option {
	return func(e *Engine) { e.outbox = o }
}

// WithMetrics injects engine metrics. Defaults to unregistered metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAckTimeout sets the per-emit acknowledgment deadline.
func WithAckTimeout(d time.Duration) Option {
	return func(e *Engine) { e.ackTimeout = d }
}

// WithPageSize sets the pagination page size.
func WithPageSize(n int) Option {
	return func(e *Engine) { e.pageSize = n }
}

// WithProximityWindow sets how close to the loaded range a jump target must
// be before the engine skips the windowed "around" fetch.
func WithProximityWindow(d time.Duration) Option {
	return func(e *Engine) { e.proximityWindow = d }
}

// WithTypingDebounce sets the typing idle window.
func WithTypingDebounce(d time.Duration) Option {
	return func(e *Engine) { e.typingDebounce = d }
}

// WithTypingExpiry sets how long an inbound typing signal stays on without a
// follow-up before it auto-clears.
func WithTypingExpiry(d time.Duration) Option {
	return func(e *Engine) { e.typingExpiry = d }
}

// ============================================================================
// State-change notifications
// ============================================================================

// ChangeKind names one slice of engine state that just changed.
type ChangeKind string

const (
	ChangeMessages   ChangeKind = "messages"
	ChangeSummaries  ChangeKind = "summaries"
	ChangePresence   ChangeKind = "presence"
	ChangeOutbox     ChangeKind = "outbox"
	ChangeConnection ChangeKind = "connection"
)

// Change is one state-change notification delivered to subscribers.
type Change struct {
	Kind ChangeKind
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the messaging synchronization engine for one participant. It
// owns the local message store and outbox for the open conversation; the UI
// layer holds read projections only and mutates through the intent API.
type Engine struct {
	self    Participant
	tr      Transport
	fetcher Fetcher
	outbox  Outbox
	log     *zap.Logger
	metrics *Metrics

	ackTimeout      time.Duration
	pageSize        int
	proximityWindow time.Duration
	typingDebounce  time.Duration
	typingExpiry    time.Duration

	store     *messageStore
	summaries *summaryList
	rollback  *rollbackRegistry
	presence  *presenceTracker
	typing    *typingEmitter

	mu          sync.Mutex
	counterpart Participant
	room        string
	epoch       uint64
	online      bool
	flushing    bool

	subMu  sync.Mutex
	subs   []chan Change
	closed bool
}

// New creates an engine for the given participant over the given transport
// and fetcher. Call Start to connect and OpenConversation to begin syncing.
func New(self Participant, tr Transport, fetcher Fetcher, opts ...Option) *Engine {
	e := &Engine{
		self:            self,
		tr:              tr,
		fetcher:         fetcher,
		log:             zap.NewNop(),
		ackTimeout:      DefaultAckTimeout,
		pageSize:        DefaultPageSize,
		proximityWindow: DefaultProximityWindow,
		typingDebounce:  DefaultTypingDebounce,
		typingExpiry:    DefaultTypingExpiry,
		store:           newMessageStore(),
		summaries:       newSummaryList(),
		rollback:        newRollbackRegistry(),
		online:          true,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.outbox == nil {
		e.outbox = NewMemoryOutbox()
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}

	e.presence = newPresenceTracker(e.typingExpiry, func() { e.notify(ChangePresence) })
	e.typing = newTypingEmitter(e.typingDebounce, e.emitTyping)

	tr.OnConnect(e.handleConnect)
	tr.OnDisconnect(e.handleDisconnect)
	tr.On(EventNewMessage, e.handleNewMessage)
	tr.On(EventMessageSeen, e.handleMessageSeen)
	tr.On(EventReactionUpdated, e.handleReactionUpdated)
	tr.On(EventMessageDeleted, e.handleMessageDeleted)
	tr.On(EventTyping, e.handleTyping)
	tr.On(EventPresenceChanged, e.handlePresenceChanged)
	return e
}

// RoomFor returns the deterministic room name for an instructor/student pair.
func RoomFor(a, b Participant) string {
	instructor, student := a, b
	if a.Role != RoleInstructor {
		instructor, student = b, a
	}
	return "chat:" + instructor.ID + ":" + student.ID
}

// Start connects the transport.
func (e *Engine) Start(ctx context.Context) error {
	return e.tr.Connect(ctx)
}

// Close stops typing emission, disconnects, and releases subscribers. The
// outbox is left intact for the next session.
func (e *Engine) Close() error {
	e.typing.Stop()
	err := e.tr.Disconnect()

	e.subMu.Lock()
	e.closed = true
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
	e.subMu.Unlock()
	return err
}

// ============================================================================
// Subscriptions and snapshots
// ============================================================================

// Subscribe returns a channel of state-change notifications. Slow consumers
// drop notifications rather than block the engine; re-read snapshots on every
// delivery.
func (e *Engine) Subscribe() <-chan Change {
	ch := make(chan Change, 16)
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if e.closed {
		close(ch)
		return ch
	}
	e.subs = append(e.subs, ch)
	return ch
}

func (e *Engine) notify(kind ChangeKind) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- Change{Kind: kind}:
		default:
		}
	}
}

// Self returns the local participant identity.
func (e *Engine) Self() Participant {
	return e.self
}

// Messages returns an immutable snapshot of the open conversation.
func (e *Engine) Messages() []Message {
	return e.store.Snapshot()
}

// Summaries returns the sidebar summaries, newest activity first.
func (e *Engine) Summaries() []ConversationSummary {
	return e.summaries.Snapshot()
}

// Presence returns the tracked state for the current counterpart.
func (e *Engine) Presence() PresenceState {
	e.mu.Lock()
	id := e.counterpart.ID
	e.mu.Unlock()
	return e.presence.Get(id)
}

// OutboxLen returns the number of queued unacknowledged sends.
func (e *Engine) OutboxLen() int {
	n, err := e.outbox.Len()
	if err != nil {
		e.log.Warn("outbox length", zap.Error(err))
		return 0
	}
	return n
}

// ============================================================================
// Session state
// ============================================================================

// SetOnline records an application-level online/offline transition (the OS
// or browser connectivity signal). Going online triggers a single outbox
// flush pass.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	e.mu.Unlock()
	if changed && online {
		go e.flushOutbox()
	}
}

func (e *Engine) isOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// LoadSummaries fetches the initial sidebar list.
func (e *Engine) LoadSummaries(ctx context.Context) error {
	summaries, err := e.fetcher.Conversations(ctx, e.self)
	if err != nil {
		return &FetchError{Op: "conversations", Err: err}
	}
	e.summaries.SetAll(summaries)
	e.notify(ChangeSummaries)
	return nil
}

// OpenConversation makes the conversation with counterpart active: joins its
// room, resets its unread counter, loads the first history page, and probes
// the counterpart's presence. Any fetch still in flight for the previous
// conversation is discarded when it resolves.
func (e *Engine) OpenConversation(ctx context.Context, counterpart Participant) error {
	e.typing.Stop()

	e.mu.Lock()
	oldRoom := e.room
	e.counterpart = counterpart
	e.room = RoomFor(e.self, counterpart)
	e.epoch++
	epoch := e.epoch
	room := e.room
	e.mu.Unlock()

	e.store.Clear()
	e.summaries.ResetUnread(counterpart.ID)
	e.notify(ChangeMessages)
	e.notify(ChangeSummaries)

	if e.tr.Connected() {
		if oldRoom != "" && oldRoom != room {
			if err := e.tr.Emit(ctx, EventLeaveRoom, map[string]string{"room": oldRoom}); err != nil {
				e.log.Warn("leave room", zap.String("room", oldRoom), zap.Error(err))
			}
		}
		if err := e.tr.Emit(ctx, EventJoinRoom, map[string]string{"room": room}); err != nil {
			e.log.Warn("join room", zap.String("room", room), zap.Error(err))
		}
		go e.probePresence(counterpart, epoch)
	}

	if _, err := e.LoadOlder(ctx); err != nil {
		return err
	}
	return nil
}

// ============================================================================
// Send pipeline
// ============================================================================

func newTempID() string {
	return fmt.Sprintf("temp-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Send appends an optimistic message and hands it to the transport. Returns
// the client temp id immediately; delivery state flows back through the
// store ("pending" → "sent" or "failed"). While disconnected the message
// goes straight to the outbox and stays pending.
func (e *Engine) Send(content, replyToID string) (string, error) {
	e.mu.Lock()
	if e.room == "" {
		e.mu.Unlock()
		return "", ErrNoConversation
	}
	counterpart := e.counterpart
	room := e.room
	e.mu.Unlock()

	e.typing.Stop()

	var reply *ReplyPreview
	if replyToID != "" {
		if orig, ok := e.store.Get(replyToID); ok {
			reply = &ReplyPreview{
				ID:        orig.ID,
				Content:   orig.Content,
				Sender:    orig.Sender,
				CreatedAt: orig.CreatedAt,
			}
		}
	}

	tempID := newTempID()
	now := time.Now().UTC()
	e.store.Append(Message{
		ID:        tempID,
		Content:   content,
		Sender:    e.self,
		Receiver:  counterpart,
		CreatedAt: now,
		Status:    StatusPending,
		ReplyTo:   reply,
	})
	e.summaries.Touch(counterpart.ID, content, now, false)
	e.metrics.sends.Inc()
	e.notify(ChangeMessages)
	e.notify(ChangeSummaries)

	rec := &PendingRecord{
		ClientTempID: tempID,
		Content:      content,
		ReceiverID:   counterpart.ID,
		SenderID:     e.self.ID,
		Room:         room,
		CreatedAt:    now,
		ReplyTo:      reply,
	}

	if !e.tr.Connected() || !e.isOnline() {
		// Known offline: no emit, no "failed" state. The flush on reconnect
		// picks it up.
		if err := e.outbox.Enqueue(rec); err != nil {
			e.log.Error("enqueue pending send", zap.String("clientTempId", tempID), zap.Error(err))
		}
		e.syncOutboxDepth()
		e.notify(ChangeOutbox)
		return tempID, nil
	}

	go e.emitSend(rec)
	return tempID, nil
}

// RetrySend re-emits a failed or queued send using its outbox record,
// synthesizing one from the local message if the record was lost.
func (e *Engine) RetrySend(clientTempID string) error {
	rec, ok, err := e.outbox.Get(clientTempID)
	if err != nil {
		return err
	}
	if !ok {
		msg, found := e.store.Get(clientTempID)
		if !found {
			return ErrUnknownMessage
		}
		e.mu.Lock()
		room := e.room
		e.mu.Unlock()
		rec = &PendingRecord{
			ClientTempID: clientTempID,
			Content:      msg.Content,
			ReceiverID:   msg.Receiver.ID,
			SenderID:     msg.Sender.ID,
			Room:         room,
			CreatedAt:    msg.CreatedAt,
			ReplyTo:      msg.ReplyTo,
		}
	}

	e.store.Update(clientTempID, func(m *Message) { m.Status = StatusPending })
	e.notify(ChangeMessages)

	if !e.tr.Connected() || !e.isOnline() {
		if err := e.outbox.Enqueue(rec); err != nil {
			return err
		}
		e.syncOutboxDepth()
		e.notify(ChangeOutbox)
		return nil
	}

	go e.emitSend(rec)
	return nil
}

// emitSend performs one acknowledged send attempt for rec.
func (e *Engine) emitSend(rec *PendingRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), e.ackTimeout)
	defer cancel()

	payload := SendMessagePayload{
		ReceiverID:   rec.ReceiverID,
		Content:      rec.Content,
		Room:         rec.Room,
		SenderID:     rec.SenderID,
		ClientTempID: rec.ClientTempID,
		ReplyTo:      rec.ReplyTo,
	}
	ack, err := e.tr.EmitWithAck(ctx, SendEventForRole(e.self.Role), payload)
	if err != nil || !ack.OK {
		e.failSend(rec, ack, err)
		return
	}

	data, derr := decodeJSON[SendAckData](ack.Data)
	if derr != nil {
		e.failSend(rec, nil, derr)
		return
	}

	if err := e.outbox.Remove(rec.ClientTempID); err != nil {
		e.log.Warn("remove acked outbox record", zap.String("clientTempId", rec.ClientTempID), zap.Error(err))
	}
	e.metrics.acks.Inc()
	e.syncOutboxDepth()
	e.reconcileAck(rec, data.Message)
	e.notify(ChangeOutbox)
}

// reconcileAck merges an acked send into local state. The store holds only
// the open conversation's messages, so an ack for a record queued in another
// room (conversation switched, or flushed from a restored outbox) updates the
// sidebar summary instead of the message list.
func (e *Engine) reconcileAck(rec *PendingRecord, server Message) {
	e.mu.Lock()
	activeRoom := e.room
	e.mu.Unlock()

	if rec.Room != activeRoom {
		e.summaries.Touch(rec.ReceiverID, summaryContent(server), server.CreatedAt, false)
		e.notify(ChangeSummaries)
		return
	}
	e.Reconcile(rec.ClientTempID, server)
}

// failSend marks the optimistic message failed and persists the record for a
// manual retry. The composed message is never removed: a retry affordance
// beats silently dropping user input.
func (e *Engine) failSend(rec *PendingRecord, ack *Ack, err error) {
	reason := "rejected by server"
	if err != nil {
		reason = err.Error()
	} else if ack != nil && ack.Error != "" {
		reason = ack.Error
	}
	e.log.Warn("send failed",
		zap.String("clientTempId", rec.ClientTempID),
		zap.String("room", rec.Room),
		zap.String("reason", reason),
	)
	e.metrics.sendFailures.Inc()

	e.store.Update(rec.ClientTempID, func(m *Message) { m.Status = StatusFailed })
	rec.Attempt++
	if err := e.outbox.Enqueue(rec); err != nil {
		e.log.Error("enqueue failed send", zap.String("clientTempId", rec.ClientTempID), zap.Error(err))
	}
	e.syncOutboxDepth()
	e.notify(ChangeMessages)
	e.notify(ChangeOutbox)
}

// flushOutbox runs one flush pass in insertion order. Bounded to a single
// pass per reconnect/online event so a just-recovered server is not stormed;
// entries that fail stay queued for manual retry.
func (e *Engine) flushOutbox() {
	e.mu.Lock()
	if e.flushing {
		e.mu.Unlock()
		return
	}
	e.flushing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.flushing = false
		e.mu.Unlock()
	}()

	recs, err := e.outbox.List()
	if err != nil {
		e.log.Error("list outbox", zap.Error(err))
		return
	}
	if len(recs) == 0 {
		return
	}
	e.metrics.outboxFlushes.Inc()

	for _, rec := range recs {
		if !e.tr.Connected() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.ackTimeout)
		ack, err := e.tr.EmitWithAck(ctx, SendEventForRole(e.self.Role), SendMessagePayload{
			ReceiverID:   rec.ReceiverID,
			Content:      rec.Content,
			Room:         rec.Room,
			SenderID:     rec.SenderID,
			ClientTempID: rec.ClientTempID,
			ReplyTo:      rec.ReplyTo,
		})
		cancel()

		if err != nil || !ack.OK {
			reason := "rejected by server"
			if err != nil {
				reason = err.Error()
			} else if ack.Error != "" {
				reason = ack.Error
			}
			e.log.Warn("outbox flush entry failed",
				zap.String("clientTempId", rec.ClientTempID),
				zap.String("reason", reason),
			)
			e.metrics.sendFailures.Inc()
			rec.Attempt++
			if uerr := e.outbox.Update(rec); uerr != nil {
				e.log.Error("update outbox record", zap.String("clientTempId", rec.ClientTempID), zap.Error(uerr))
			}
			e.store.Update(rec.ClientTempID, func(m *Message) { m.Status = StatusFailed })
			e.notify(ChangeMessages)
			continue
		}

		data, derr := decodeJSON[SendAckData](ack.Data)
		if derr != nil {
			e.log.Warn("decode flush ack", zap.String("clientTempId", rec.ClientTempID), zap.Error(derr))
			continue
		}
		if err := e.outbox.Remove(rec.ClientTempID); err != nil {
			e.log.Warn("remove flushed outbox record", zap.String("clientTempId", rec.ClientTempID), zap.Error(err))
		}
		e.metrics.acks.Inc()
		e.reconcileAck(rec, data.Message)
	}

	e.syncOutboxDepth()
	e.notify(ChangeOutbox)
}

func (e *Engine) syncOutboxDepth() {
	if n, err := e.outbox.Len(); err == nil {
		e.metrics.outboxDepth.Set(float64(n))
	}
}

// ============================================================================
// Seen receipts
// ============================================================================

// MarkSeen tells the server this participant has seen a message. The local
// seenBy set updates when the messageSeen broadcast comes back.
func (e *Engine) MarkSeen(ctx context.Context, messageID string) error {
	e.mu.Lock()
	room := e.room
	e.mu.Unlock()
	if room == "" {
		return ErrNoConversation
	}
	if !e.tr.Connected() {
		return ErrTransportUnavailable
	}
	return e.tr.Emit(ctx, EventMarkAsSeen, map[string]string{
		"messageId": messageID,
		"room":      room,
	})
}

// ============================================================================
// Delete / report
// ============================================================================

// Delete requests deletion of one of the caller's own messages. The local
// copy is tombstoned only after the server acknowledges; the messageDeleted
// broadcast applies the same transformation on every other client.
func (e *Engine) Delete(ctx context.Context, messageID string) error {
	msg, ok := e.store.Get(messageID)
	if !ok {
		return ErrUnknownMessage
	}
	if msg.Sender.ID != e.self.ID {
		return ErrNotOwnMessage
	}
	if !e.tr.Connected() {
		return ErrTransportUnavailable
	}

	ctx, cancel := e.withAckTimeout(ctx)
	defer cancel()
	ack, err := e.tr.EmitWithAck(ctx, EventDeleteMessage, map[string]string{"messageId": messageID})
	if err != nil {
		e.log.Warn("delete failed", zap.String("messageId", messageID), zap.Error(err))
		if ctx.Err() != nil {
			return ErrAckTimeout
		}
		return err
	}
	if !ack.OK {
		e.log.Warn("delete rejected", zap.String("messageId", messageID), zap.String("reason", ack.Error))
		return &AckError{Event: EventDeleteMessage, Message: ack.Error}
	}

	e.applyTombstone(messageID)
	return nil
}

// applyTombstone marks a message deleted in place, discarding its content.
// No-op when the message is not loaded.
func (e *Engine) applyTombstone(messageID string) {
	changed := e.store.Update(messageID, func(m *Message) {
		m.IsDeleted = true
		m.Content = DeletedPlaceholder
	})
	if changed {
		e.notify(ChangeMessages)
	}
}

// Report files a report against a counterpart's message. Validation failures
// are rejected before any network call; fetch failures surface to the caller
// and never mutate message state.
func (e *Engine) Report(ctx context.Context, messageID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrEmptyReason
	}
	if msg, ok := e.store.Get(messageID); ok && msg.Sender.ID == e.self.ID {
		return ErrOwnMessage
	}
	if err := e.fetcher.SubmitReport(ctx, messageID, e.self.ID, reason); err != nil {
		e.log.Warn("report failed", zap.String("messageId", messageID), zap.Error(err))
		return &FetchError{Op: "report", Err: err}
	}
	return nil
}

// ============================================================================
// Typing intents
// ============================================================================

// TypingInput is the keystroke-level signal from the composer. The first
// signal of a burst emits typing:true; the debounce window emits typing:false
// after input goes idle.
func (e *Engine) TypingInput() {
	e.typing.Input()
}

// TypingStop ends the current typing burst immediately (send or blur).
func (e *Engine) TypingStop() {
	e.typing.Stop()
}

func (e *Engine) emitTyping(isTyping bool) {
	e.mu.Lock()
	room := e.room
	e.mu.Unlock()
	if room == "" || !e.tr.Connected() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.ackTimeout)
	defer cancel()
	if err := e.tr.Emit(ctx, EventTyping, TypingPayload{Room: room, UserID: e.self.ID, IsTyping: isTyping}); err != nil {
		e.log.Debug("typing emit", zap.Bool("isTyping", isTyping), zap.Error(err))
	}
}

// ============================================================================
// Presence probe
// ============================================================================

// probePresence issues the on-demand catch-up query for a counterpart that
// just became active; presence flips may have been missed before the room
// was joined.
func (e *Engine) probePresence(counterpart Participant, epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), e.ackTimeout)
	defer cancel()
	ack, err := e.tr.EmitWithAck(ctx, EventCheckOnlineStatus, counterpart)
	if err != nil {
		e.log.Debug("presence probe", zap.String("counterpart", counterpart.ID), zap.Error(err))
		return
	}
	if e.epochChanged(epoch) {
		return
	}
	if !ack.OK {
		return
	}
	status, derr := decodeJSON[OnlineStatusData](ack.Data)
	if derr != nil {
		return
	}
	e.presence.SetOnline(counterpart.ID, status.Online)
}

func (e *Engine) epochChanged(epoch uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch != epoch
}

func (e *Engine) withAckTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.ackTimeout)
}

// ============================================================================
// Inbound event handlers
// ============================================================================

func (e *Engine) handleConnect() {
	ctx, cancel := context.WithTimeout(context.Background(), e.ackTimeout)
	defer cancel()

	if err := e.tr.Emit(ctx, EventIdentify, e.self); err != nil {
		e.log.Warn("identify", zap.Error(err))
	}

	e.mu.Lock()
	room := e.room
	counterpart := e.counterpart
	epoch := e.epoch
	e.mu.Unlock()

	if room != "" {
		if err := e.tr.Emit(ctx, EventJoinRoom, map[string]string{"room": room}); err != nil {
			e.log.Warn("rejoin room", zap.String("room", room), zap.Error(err))
		}
		go e.probePresence(counterpart, epoch)
	}

	e.metrics.connects.Inc()
	e.notify(ChangeConnection)
	go e.flushOutbox()
}

func (e *Engine) handleDisconnect(reason string) {
	e.log.Info("transport disconnected", zap.String("reason", reason))
	e.notify(ChangeConnection)
}

func (e *Engine) handleNewMessage(payload json.RawMessage) {
	var p NewMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.log.Warn("decode newMessage", zap.Error(err))
		return
	}

	e.mu.Lock()
	activeRoom := e.room
	e.mu.Unlock()

	inbound := p.Message.Sender.ID != e.self.ID

	if p.Room == "" {
		// A broadcast without a room cannot be attributed to a conversation.
		e.log.Warn("newMessage without room", zap.String("messageId", p.Message.ID))
		return
	}
	if p.Room != activeRoom {
		// Not the open conversation: summary bookkeeping only. Unread counts
		// grow for inbound messages exclusively.
		if inbound {
			e.summaries.Touch(p.Message.Sender.ID, summaryContent(p.Message), p.Message.CreatedAt, true)
			e.notify(ChangeSummaries)
		}
		return
	}

	e.Reconcile(p.ClientTempID, p.Message)

	counterpartID := p.Message.Sender.ID
	if !inbound {
		counterpartID = p.Message.Receiver.ID
	}
	e.summaries.Touch(counterpartID, summaryContent(p.Message), p.Message.CreatedAt, false)
	e.notify(ChangeSummaries)

	if inbound {
		// A message arriving in the open conversation is visible immediately.
		if err := e.MarkSeen(context.Background(), p.Message.ID); err != nil {
			e.log.Debug("auto mark seen", zap.String("messageId", p.Message.ID), zap.Error(err))
		}
	}
}

func summaryContent(m Message) string {
	if m.IsDeleted {
		return DeletedPlaceholder
	}
	return m.Content
}

func (e *Engine) handleMessageSeen(payload json.RawMessage) {
	var p MessageSeenPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.log.Warn("decode messageSeen", zap.Error(err))
		return
	}
	changed := e.store.Update(p.MessageID, func(m *Message) {
		m.SeenBy = append([]string(nil), p.SeenBy...)
	})
	if changed {
		e.notify(ChangeMessages)
	}
}

func (e *Engine) handleMessageDeleted(payload json.RawMessage) {
	var p MessageDeletedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.log.Warn("decode messageDeleted", zap.Error(err))
		return
	}
	e.applyTombstone(p.MessageID)
}

func (e *Engine) handleTyping(payload json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.log.Warn("decode typing", zap.Error(err))
		return
	}
	if p.UserID == "" || p.UserID == e.self.ID {
		return
	}
	e.mu.Lock()
	activeRoom := e.room
	e.mu.Unlock()
	if p.Room != "" && p.Room != activeRoom {
		return
	}
	e.presence.SetTyping(p.UserID, p.IsTyping)
}

func (e *Engine) handlePresenceChanged(payload json.RawMessage) {
	var p PresencePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.log.Warn("decode presence", zap.Error(err))
		return
	}
	e.presence.SetOnline(p.ID, p.Online)
}
