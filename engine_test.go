package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeEmit struct {
	event   string
	payload any
}

// fakeTransport is a scripted in-memory Transport. Inbound events are driven
// with fire(); acknowledged emits are answered by ackFn.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	emits     []fakeEmit
	ackCalls  []fakeEmit
	ackFn     func(event string, payload any) (*Ack, error)

	handlers     map[string][]EventHandler
	onConnect    []func()
	onDisconnect []func(string)
}

func newFakeTransport() *fakeTransport {
	ft := &fakeTransport{handlers: make(map[string][]EventHandler)}
	ft.ackFn = ft.defaultAck
	return ft
}

// defaultAck approves everything: presence probes report online, sends echo a
// server copy of the message with id "srv-<temp>".
func (ft *fakeTransport) defaultAck(event string, payload any) (*Ack, error) {
	switch event {
	case EventCheckOnlineStatus:
		return okAck(OnlineStatusData{Online: true}), nil
	case EventInstructorSend, EventStudentSend:
		p := payload.(SendMessagePayload)
		return okAck(SendAckData{
			ClientTempID: p.ClientTempID,
			Message: Message{
				ID:        "srv-" + p.ClientTempID,
				Content:   p.Content,
				Sender:    Participant{ID: p.SenderID},
				Receiver:  Participant{ID: p.ReceiverID},
				CreatedAt: time.Now().UTC(),
				ReplyTo:   p.ReplyTo,
			},
		}), nil
	default:
		return &Ack{OK: true}, nil
	}
}

func okAck(data any) *Ack {
	b, _ := json.Marshal(data)
	return &Ack{OK: true, Data: b}
}

func (ft *fakeTransport) Connect(ctx context.Context) error {
	ft.mu.Lock()
	ft.connected = true
	handlers := append([]func(){}, ft.onConnect...)
	ft.mu.Unlock()
	for _, h := range handlers {
		h()
	}
	return nil
}

func (ft *fakeTransport) Disconnect() error {
	ft.mu.Lock()
	ft.connected = false
	ft.mu.Unlock()
	return nil
}

// drop simulates an unexpected connection loss.
func (ft *fakeTransport) drop(reason string) {
	ft.mu.Lock()
	ft.connected = false
	handlers := append([]func(string){}, ft.onDisconnect...)
	ft.mu.Unlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (ft *fakeTransport) Connected() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.connected
}

func (ft *fakeTransport) Emit(ctx context.Context, event string, payload any) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if !ft.connected {
		return ErrTransportUnavailable
	}
	ft.emits = append(ft.emits, fakeEmit{event: event, payload: payload})
	return nil
}

func (ft *fakeTransport) EmitWithAck(ctx context.Context, event string, payload any) (*Ack, error) {
	ft.mu.Lock()
	if !ft.connected {
		ft.mu.Unlock()
		return nil, ErrTransportUnavailable
	}
	ft.ackCalls = append(ft.ackCalls, fakeEmit{event: event, payload: payload})
	fn := ft.ackFn
	ft.mu.Unlock()
	return fn(event, payload)
}

func (ft *fakeTransport) On(event string, h EventHandler) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.handlers[event] = append(ft.handlers[event], h)
}

func (ft *fakeTransport) OnConnect(h func()) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.onConnect = append(ft.onConnect, h)
}

func (ft *fakeTransport) OnDisconnect(h func(reason string)) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.onDisconnect = append(ft.onDisconnect, h)
}

func (ft *fakeTransport) setAckFn(fn func(event string, payload any) (*Ack, error)) {
	ft.mu.Lock()
	ft.ackFn = fn
	ft.mu.Unlock()
}

// fire delivers an inbound event to registered handlers synchronously.
func (ft *fakeTransport) fire(event string, payload any) {
	b, _ := json.Marshal(payload)
	ft.mu.Lock()
	handlers := append([]EventHandler(nil), ft.handlers[event]...)
	ft.mu.Unlock()
	for _, h := range handlers {
		h(b)
	}
}

// emitted returns all fire-and-forget emits for one event.
func (ft *fakeTransport) emitted(event string) []fakeEmit {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []fakeEmit
	for _, e := range ft.emits {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

// ackCallsFor returns all acknowledged emits for one event.
func (ft *fakeTransport) ackCallsFor(event string) []fakeEmit {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []fakeEmit
	for _, e := range ft.ackCalls {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

// fakeFetcher is a scripted Fetcher. Unset hooks return empty results.
type fakeFetcher struct {
	mu            sync.Mutex
	conversations []ConversationSummary
	beforeFn      func(room string, before time.Time, limit int) (*Page, error)
	byIDFn        func(room, messageID string) (*Message, error)
	aroundFn      func(room, messageID string, limit int) (*AroundPage, error)
	reports       []string
	reportErr     error
}

func (ff *fakeFetcher) Conversations(ctx context.Context, p Participant) ([]ConversationSummary, error) {
	return ff.conversations, nil
}

func (ff *fakeFetcher) MessagesBefore(ctx context.Context, room string, before time.Time, limit int) (*Page, error) {
	ff.mu.Lock()
	fn := ff.beforeFn
	ff.mu.Unlock()
	if fn == nil {
		return &Page{}, nil
	}
	return fn(room, before, limit)
}

func (ff *fakeFetcher) MessageByID(ctx context.Context, room, messageID string) (*Message, error) {
	ff.mu.Lock()
	fn := ff.byIDFn
	ff.mu.Unlock()
	if fn == nil {
		return nil, errors.New("not found")
	}
	return fn(room, messageID)
}

func (ff *fakeFetcher) MessagesAround(ctx context.Context, room, messageID string, limit int) (*AroundPage, error) {
	ff.mu.Lock()
	fn := ff.aroundFn
	ff.mu.Unlock()
	if fn == nil {
		return &AroundPage{}, nil
	}
	return fn(room, messageID, limit)
}

// setBefore swaps the before-page hook under the fetcher lock.
func (ff *fakeFetcher) setBefore(fn func(room string, before time.Time, limit int) (*Page, error)) {
	ff.mu.Lock()
	ff.beforeFn = fn
	ff.mu.Unlock()
}

// setByID swaps the by-id hook under the fetcher lock.
func (ff *fakeFetcher) setByID(fn func(room, messageID string) (*Message, error)) {
	ff.mu.Lock()
	ff.byIDFn = fn
	ff.mu.Unlock()
}

func (ff *fakeFetcher) SubmitReport(ctx context.Context, messageID, reporterID, reason string) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.reportErr != nil {
		return ff.reportErr
	}
	ff.reports = append(ff.reports, messageID)
	return nil
}

var (
	testInstructor = Participant{ID: "inst-1", Role: RoleInstructor}
	testStudent    = Participant{ID: "stu-1", Role: RoleStudent}
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *fakeTransport, *fakeFetcher) {
	t.Helper()
	ft := newFakeTransport()
	ff := &fakeFetcher{}
	e := New(testInstructor, ft, ff, opts...)
	t.Cleanup(func() { e.Close() })
	return e, ft, ff
}

// openTestConversation connects and opens the instructor/student conversation.
func openTestConversation(t *testing.T, e *Engine, ft *fakeTransport) {
	t.Helper()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.OpenConversation(context.Background(), testStudent); err != nil {
		t.Fatalf("open conversation: %v", err)
	}
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func serverMessage(id, content string, from, to Participant, at time.Time) Message {
	return Message{
		ID:        id,
		Content:   content,
		Sender:    from,
		Receiver:  to,
		CreatedAt: at,
		Status:    StatusSent,
	}
}

// ============================================================================
// Room naming
// ============================================================================

func TestRoomForIsOrderIndependent(t *testing.T) {
	a := RoomFor(testInstructor, testStudent)
	b := RoomFor(testStudent, testInstructor)
	if a != b {
		t.Fatalf("room names differ: %q vs %q", a, b)
	}
	if a != "chat:inst-1:stu-1" {
		t.Fatalf("unexpected room name %q", a)
	}
}

// ============================================================================
// Send pipeline
// ============================================================================

func TestSendOptimisticThenAcknowledged(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openTestConversation(t, e, ft)

	// Hold the ack back so the pending state is observable.
	release := make(chan struct{})
	ft.setAckFn(func(event string, payload any) (*Ack, error) {
		if event == EventInstructorSend {
			<-release
		}
		return newFakeTransport().defaultAck(event, payload)
	})

	tempID, err := e.Send("hello", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.HasPrefix(tempID, "temp-") {
		t.Fatalf("expected temp id, got %q", tempID)
	}

	// The optimistic append is visible before any ack.
	msgs := e.Messages()
	if len(msgs) != 1 || msgs[0].ID != tempID || msgs[0].Status != StatusPending {
		t.Fatalf("expected one pending message with temp id, got %+v", msgs)
	}
	close(release)

	waitUntil(t, func() bool {
		msgs := e.Messages()
		return len(msgs) == 1 && msgs[0].ID == "srv-"+tempID && msgs[0].Status == StatusSent
	})
	if n := e.OutboxLen(); n != 0 {
		t.Fatalf("expected empty outbox after ack, got %d", n)
	}
}

func TestSendWithoutConversationFails(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.Send("hello", ""); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation, got %v", err)
	}
}

func TestSendOfflineQueuesWithoutFailing(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openTestConversation(t, e, ft)
	ft.drop("network gone")

	tempID, err := e.Send("queued while offline", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// No emit attempt, no failed state: the message waits as pending.
	if calls := ft.ackCallsFor(EventInstructorSend); len(calls) != 0 {
		t.Fatalf("expected no send attempts while offline, got %d", len(calls))
	}
	msgs := e.Messages()
	if len(msgs) != 1 || msgs[0].Status != StatusPending {
		t.Fatalf("expected pending message, got %+v", msgs)
	}
	if n := e.OutboxLen(); n != 1 {
		t.Fatalf("expected one queued record, got %d", n)
	}

	rec, ok, err := e.outbox.Get(tempID)
	if err != nil || !ok {
		t.Fatalf("outbox record missing: ok=%v err=%v", ok, err)
	}
	if rec.Content != "queued while offline" || rec.Room == "" {
		t.Fatalf("bad outbox record: %+v", rec)
	}
}

func TestReconnectFlushesOutboxExactlyOnce(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openTestConversation(t, e, ft)
	ft.drop("network gone")

	first, _ := e.Send("first", "")
	second, _ := e.Send("second", "")
	if n := e.OutboxLen(); n != 2 {
		t.Fatalf("expected two queued records, got %d", n)
	}

	if err := ft.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	waitUntil(t, func() bool { return e.OutboxLen() == 0 })
	waitUntil(t, func() bool {
		msgs := e.Messages()
		return len(msgs) == 2 && msgs[0].Status == StatusSent && msgs[1].Status == StatusSent
	})

	// Exactly one acknowledged attempt per queued message.
	calls := ft.ackCallsFor(EventInstructorSend)
	if len(calls) != 2 {
		t.Fatalf("expected 2 send attempts, got %d", len(calls))
	}
	sent := map[string]bool{}
	for _, c := range calls {
		sent[c.payload.(SendMessagePayload).ClientTempID] = true
	}
	if !sent[first] || !sent[second] {
		t.Fatalf("flush skipped a record: %v", sent)
	}
}

func TestFlushAfterConversationSwitchUpdatesSummaryOnly(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openTestConversation(t, e, ft)
	ft.drop("network gone")

	if _, err := e.Send("meant for the first conversation", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	other := Participant{ID: "stu-2", Role: RoleStudent}
	if err := e.OpenConversation(context.Background(), other); err != nil {
		t.Fatalf("open conversation: %v", err)
	}

	if err := ft.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitUntil(t, func() bool { return e.OutboxLen() == 0 })

	// The ack belongs to the closed conversation: the open message list
	// stays untouched and the delivery shows up in the sidebar instead.
	if msgs := e.Messages(); len(msgs) != 0 {
		t.Fatalf("flushed message leaked into open conversation: %+v", msgs)
	}
	waitUntil(t, func() bool {
		for _, s := range e.Summaries() {
			if s.CounterpartID == testStudent.ID {
				return s.LastMessage == "meant for the first conversation" && s.UnreadCount == 0
			}
		}
		return false
	})
}

func TestFlushPreservesEnqueueOrder(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openTestConversation(t, e, ft)
	ft.drop("network gone")

	var temps []string
	for i := 0; i < 5; i++ {
		id, _ := e.Send(fmt.Sprintf("msg %d", i), "")
		temps = append(temps, id)
	}

	ft.Connect(context.Background())
	waitUntil(t, func() bool { return e.OutboxLen() == 0 })

	calls := ft.ackCallsFor(EventInstructorSend)
	if len(calls) != len(temps) {
		t.Fatalf("expected %d attempts, got %d", len(temps), len(calls))
	}
	for i, c := range calls {
		if got := c.payload.(SendMessagePayload).ClientTempID; got != temps[i] {
			t.Fatalf("flush order broken at %d: got %s want %s", i, got, temps[i])
		}
	}
}

func TestRejectedSendMarkedFailedAndRetryable(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openTestConversation(t, e, ft)

	ft.setAckFn(func(event string, payload any) (*Ack, error) {
		if event == EventInstructorSend {
			return &Ack{OK: false, Error: "rate limited"}, nil
		}
		return newFakeTransport().defaultAck(event, payload)
	})

	tempID, err := e.Send("rejected", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	waitUntil(t, func() bool {
		msgs := e.Messages()
		return len(msgs) == 1 && msgs[0].Status == StatusFailed && e.OutboxLen() == 1
	})

	// The composed text is still there for the retry affordance.
	msg, ok := e.store.Get(tempID)
	if !ok || msg.Content != "rejected" {
		t.Fatalf("failed message lost: ok=%v msg=%+v", ok, msg)
	}

	// Server recovers; manual retry succeeds.
	ft.setAckFn(newFakeTransport().defaultAck)
	if err := e.RetrySend(tempID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitUntil(t, func() bool {
		msgs := e.Messages()
		return len(msgs) == 1 && msgs[0].ID == "srv-"+tempID && msgs[0].Status == StatusSent
	})
	if n := e.OutboxLen(); n != 0 {
		t.Fatalf("expected empty outbox after retry, got %d", n)
	}
}

func TestRetryUnknownMessage(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openTestConversation(t, e, ft)
	if err := e.RetrySend("temp-404"); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

func TestSendWithReplySnapshotsOriginal(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openTestConversation(t, e, ft)

	orig := serverMessage("m1", "original text", testStudent, testInstructor, time.Now().Add(-time.Hour))
	ft.fire(EventNewMessage, NewMessagePayload{Room: RoomFor(testInstructor, testStudent), Message: orig})

	tempID, err := e.Send("replying", "m1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	msg, ok := e.store.Get(tempID)
	if !ok {
		// The ack may already have reconciled the temp id away.
		waitUntil(t, func() bool {
			msg, ok = e.store.Get("srv-" + tempID)
			return ok
		})
	}
	if msg.ReplyTo == nil || msg.ReplyTo.ID != "m1" || msg.ReplyTo.Content != "original text" {
		t.Fatalf("reply preview not captured: %+v", msg.ReplyTo)
	}
}

// ============================================================================
// Inbound messages and summaries
// ============================================================================

func TestInboundMessageInOpenConversationIsSeenAutomatically(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openTestConversation(t, e, ft)
	room := RoomFor(testInstructor, testStudent)

	inbound := serverMessage("m7", "hi there", testStudent, testInstructor, time.Now())
	ft.fire(EventNewMessage, NewMessagePayload{Room: room, Message: inbound})

	msgs := e.Messages()
	if len(msgs) != 1 || msgs[0].ID != "m7" {
		t.Fatalf("inbound message not stored: %+v", msgs)
	}

	seen := ft.emitted(EventMarkAsSeen)
	if len(seen) != 1 {
		t.Fatalf("expected one markAsSeen emit, got %d", len(seen))
	}
	if e.summaries.Unread(testStudent.ID) != 0 {
		t.Fatalf("open conversation must not accrue unread")
	}
}

func TestInboundMessageInOtherRoomCountsUnread(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openTestConversation(t, e, ft)

	other := Participant{ID: "stu-2", Role: RoleStudent}
	inbound := serverMessage("m8", "pst", other, testInstructor, time.Now())
	ft.fire(EventNewMessage, NewMessagePayload{Room: RoomFor(testInstructor, other), Message: inbound})

	if len(e.Messages()) != 0 {
		t.Fatalf("message for another room leaked into the open list")
	}
	if got := e.summaries.Unread(other.ID); got != 1 {
		t.Fatalf("expected unread 1, got %d", got)
	}

	// Opening that conversation clears the counter.
	if err := e.OpenConversation(context.Background(), other); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := e.summaries.Unread(other.ID); got != 0 {
		t.Fatalf("expected unread reset, got %d", got)
	}
}

func TestBroadcastWithoutRoomIsIgnored(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openTestConversation(t, e, ft)

	inbound := serverMessage("m9", "no room attached", testStudent, testInstructor, time.Now())
	ft.fire(EventNewMessage, NewMessagePayload{Message: inbound})

	if msgs := e.Messages(); len(msgs) != 0 {
		t.Fatalf("room-less broadcast reconciled into the open list: %+v", msgs)
	}
	if got := e.summaries.Unread(testStudent.ID); got != 0 {
		t.Fatalf("room-less broadcast counted unread: %d", got)
	}
}

func TestMessageSeenBroadcastUpdatesSeenBy(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openTestConversation(t, e, ft)
	room := RoomFor(testInstructor, testStudent)

	ft.fire(EventNewMessage, NewMessagePayload{Room: room, Message: serverMessage("m1", "x", testInstructor, testStudent, time.Now())})
	ft.fire(EventMessageSeen, MessageSeenPayload{MessageID: "m1", SeenBy: []string{"stu-1"}})

	msg, _ := e.store.Get("m1")
	if len(msg.SeenBy) != 1 || msg.SeenBy[0] != "stu-1" {
		t.Fatalf("seenBy not applied: %+v", msg.SeenBy)
	}
}

// ============================================================================
// Delete and report
// ============================================================================

func TestDeleteOwnMessageTombstones(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openTestConversation(t, e, ft)
	room := RoomFor(testInstructor, testStudent)

	ft.fire(EventNewMessage, NewMessagePayload{Room: room, Message: serverMessage("m1", "secret", testInstructor, testStudent, time.Now())})

	if err := e.Delete(context.Background(), "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	msg, _ := e.store.Get("m1")
	if !msg.IsDeleted || msg.Content != DeletedPlaceholder {
		t.Fatalf("tombstone not applied: %+v", msg)
	}
}

func TestDeleteCounterpartMessageRejected(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openTestConversation(t, e, ft)
	room := RoomFor(testInstructor, testStudent)

	ft.fire(EventNewMessage, NewMessagePayload{Room: room, Message: serverMessage("m2", "theirs", testStudent, testInstructor, time.Now())})

	if err := e.Delete(context.Background(), "m2"); !errors.Is(err, ErrNotOwnMessage) {
		t.Fatalf("expected ErrNotOwnMessage, got %v", err)
	}
	msg, _ := e.store.Get("m2")
	if msg.IsDeleted {
		t.Fatalf("message must stay intact after rejected delete")
	}
}

func TestDeleteRejectedByServerLeavesMessage(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openTestConversation(t, e, ft)
	room := RoomFor(testInstructor, testStudent)

	ft.fire(EventNewMessage, NewMessagePayload{Room: room, Message: serverMessage("m1", "keep", testInstructor, testStudent, time.Now())})
	ft.setAckFn(func(event string, payload any) (*Ack, error) {
		if event == EventDeleteMessage {
			return &Ack{OK: false, Error: "too old"}, nil
		}
		return newFakeTransport().defaultAck(event, payload)
	})

	var ackErr *AckError
	if err := e.Delete(context.Background(), "m1"); !errors.As(err, &ackErr) {
		t.Fatalf("expected AckError, got %v", err)
	}
	msg, _ := e.store.Get("m1")
	if msg.IsDeleted || msg.Content != "keep" {
		t.Fatalf("rejected delete must not tombstone: %+v", msg)
	}
}

func TestMessageDeletedBroadcastTombstones(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openTestConversation(t, e, ft)
	room := RoomFor(testInstructor, testStudent)

	ft.fire(EventNewMessage, NewMessagePayload{Room: room, Message: serverMessage("m9", "gone soon", testStudent, testInstructor, time.Now())})
	ft.fire(EventMessageDeleted, MessageDeletedPayload{MessageID: "m9"})

	msg, _ := e.store.Get("m9")
	if !msg.IsDeleted || msg.Content != DeletedPlaceholder {
		t.Fatalf("broadcast tombstone not applied: %+v", msg)
	}
}

func TestReportValidation(t *testing.T) {
	e, ft, ff := newTestEngine(t)
	openTestConversation(t, e, ft)
	room := RoomFor(testInstructor, testStudent)

	ft.fire(EventNewMessage, NewMessagePayload{Room: room, Message: serverMessage("mine", "x", testInstructor, testStudent, time.Now())})
	ft.fire(EventNewMessage, NewMessagePayload{Room: room, Message: serverMessage("theirs", "y", testStudent, testInstructor, time.Now())})

	if err := e.Report(context.Background(), "theirs", "   "); !errors.Is(err, ErrEmptyReason) {
		t.Fatalf("expected ErrEmptyReason, got %v", err)
	}
	if err := e.Report(context.Background(), "mine", "spam"); !errors.Is(err, ErrOwnMessage) {
		t.Fatalf("expected ErrOwnMessage, got %v", err)
	}
	if err := e.Report(context.Background(), "theirs", "spam"); err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(ff.reports) != 1 || ff.reports[0] != "theirs" {
		t.Fatalf("report not submitted: %v", ff.reports)
	}
}

func TestReportFailureDoesNotTouchMessage(t *testing.T) {
	e, ft, ff := newTestEngine(t)
	openTestConversation(t, e, ft)
	room := RoomFor(testInstructor, testStudent)

	ft.fire(EventNewMessage, NewMessagePayload{Room: room, Message: serverMessage("theirs", "y", testStudent, testInstructor, time.Now())})
	ff.reportErr = errors.New("backend down")

	var fetchErr *FetchError
	if err := e.Report(context.Background(), "theirs", "spam"); !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	msg, ok := e.store.Get("theirs")
	if !ok || msg.Content != "y" || msg.IsDeleted {
		t.Fatalf("failed report must not mutate message: %+v", msg)
	}
}

// ============================================================================
// Conversation switching
// ============================================================================

func TestOpenConversationClearsAndRejoins(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	openTestConversation(t, e, ft)
	room := RoomFor(testInstructor, testStudent)

	ft.fire(EventNewMessage, NewMessagePayload{Room: room, Message: serverMessage("m1", "x", testStudent, testInstructor, time.Now())})
	if len(e.Messages()) != 1 {
		t.Fatalf("seed message missing")
	}

	other := Participant{ID: "stu-2", Role: RoleStudent}
	if err := e.OpenConversation(context.Background(), other); err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(e.Messages()) != 0 {
		t.Fatalf("switching conversations must clear the list")
	}

	joins := ft.emitted(EventJoinRoom)
	if len(joins) < 2 {
		t.Fatalf("expected joinRoom for both conversations, got %d", len(joins))
	}
	leaves := ft.emitted(EventLeaveRoom)
	if len(leaves) != 1 {
		t.Fatalf("expected one leaveRoom, got %d", len(leaves))
	}
}

// ============================================================================
// Subscriptions
// ============================================================================

func TestSubscribeDeliversAndCloseReleases(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	sub := e.Subscribe()
	openTestConversation(t, e, ft)

	select {
	case _, ok := <-sub:
		if !ok {
			t.Fatalf("subscription closed early")
		}
	case <-time.After(time.Second):
		t.Fatalf("no change notification delivered")
	}

	e.Close()
	waitUntil(t, func() bool {
		for {
			select {
			case _, ok := <-sub:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	})
}
