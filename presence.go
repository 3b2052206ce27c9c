package chatsync

import (
	"sync"
	"time"
)

// ============================================================================
// Presence tracker
// ============================================================================

// presenceTracker keeps the {online, typing} pair per counterpart. Online
// flips come from inbound events and the on-demand probe; typing flips come
// from inbound typing signals and auto-clear after the expiry window in case
// the counterpart's typing:false was lost.
type presenceTracker struct {
	mu       sync.Mutex
	states   map[string]PresenceState
	timers   map[string]*time.Timer
	expiry   time.Duration
	onChange func()
}

func newPresenceTracker(expiry time.Duration, onChange func()) *presenceTracker {
	return &presenceTracker{
		states:   make(map[string]PresenceState),
		timers:   make(map[string]*time.Timer),
		expiry:   expiry,
		onChange: onChange,
	}
}

// Get returns the tracked state for a participant id.
func (p *presenceTracker) Get(id string) PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[id]
}

// SetOnline flips the online bit.
func (p *presenceTracker) SetOnline(id string, online bool) {
	p.mu.Lock()
	s := p.states[id]
	changed := s.Online != online
	s.Online = online
	if !online {
		// Going offline clears typing too.
		if s.Typing {
			s.Typing = false
			changed = true
		}
		p.stopTimerLocked(id)
	}
	p.states[id] = s
	p.mu.Unlock()
	if changed {
		p.onChange()
	}
}

// SetTyping flips the typing bit. typing=true arms the auto-clear timer;
// every repeat signal re-arms it.
func (p *presenceTracker) SetTyping(id string, typing bool) {
	p.mu.Lock()
	s := p.states[id]
	changed := s.Typing != typing
	s.Typing = typing
	p.states[id] = s
	if typing {
		p.armTimerLocked(id)
	} else {
		p.stopTimerLocked(id)
	}
	p.mu.Unlock()
	if changed {
		p.onChange()
	}
}

func (p *presenceTracker) armTimerLocked(id string) {
	if t, ok := p.timers[id]; ok {
		t.Reset(p.expiry)
		return
	}
	p.timers[id] = time.AfterFunc(p.expiry, func() {
		p.SetTyping(id, false)
	})
}

func (p *presenceTracker) stopTimerLocked(id string) {
	if t, ok := p.timers[id]; ok {
		t.Stop()
		delete(p.timers, id)
	}
}

// ============================================================================
// Typing emitter
// ============================================================================

// typingEmitter debounces local keystroke signals into paired typing:true /
// typing:false emissions: at most one typing:true per burst of input, and a
// typing:false once the burst ends (idle window, send, or blur).
type typingEmitter struct {
	mu       sync.Mutex
	sent     bool
	timer    *time.Timer
	debounce time.Duration
	emit     func(isTyping bool)
}

func newTypingEmitter(debounce time.Duration, emit func(bool)) *typingEmitter {
	return &typingEmitter{debounce: debounce, emit: emit}
}

// Input registers one keystroke-level signal.
func (t *typingEmitter) Input() {
	t.mu.Lock()
	first := !t.sent
	t.sent = true
	if t.timer == nil {
		t.timer = time.AfterFunc(t.debounce, t.expire)
	} else {
		t.timer.Reset(t.debounce)
	}
	t.mu.Unlock()
	if first {
		t.emit(true)
	}
}

// Stop ends the burst immediately, emitting typing:false if one was open.
func (t *typingEmitter) Stop() {
	t.mu.Lock()
	wasSent := t.sent
	t.sent = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	if wasSent {
		t.emit(false)
	}
}

func (t *typingEmitter) expire() {
	t.mu.Lock()
	wasSent := t.sent
	t.sent = false
	t.timer = nil
	t.mu.Unlock()
	if wasSent {
		t.emit(false)
	}
}
