package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

// ============================================================================
// Reconnector
// ============================================================================

func TestReconnectorBackoffGrowsAndCaps(t *testing.T) {
	cfg := &WSConfig{}
	cfg.defaults()
	r := newReconnector(cfg)

	var prev time.Duration
	for i := 0; i < 10; i++ {
		d := r.nextDelay()
		if d > cfg.ReconnectMaxDelay {
			t.Fatalf("delay %v exceeds cap %v", d, cfg.ReconnectMaxDelay)
		}
		if i > 0 && d < prev && d != cfg.ReconnectMaxDelay {
			t.Fatalf("delay shrank before reaching the cap: %v after %v", d, prev)
		}
		prev = d
	}
	if prev != cfg.ReconnectMaxDelay {
		t.Fatalf("repeated failures must reach the max delay, got %v", prev)
	}
}

func TestReconnectorAttemptResetAfterStableConnection(t *testing.T) {
	cfg := &WSConfig{}
	cfg.defaults()
	r := newReconnector(cfg)

	for i := 0; i < 6; i++ {
		r.nextDelay()
	}
	r.connectedAt = time.Now().Add(-2 * time.Minute)

	d := r.nextDelay()
	// Attempt counter reset: back to the base-delay range (plus jitter).
	if d >= 2*cfg.ReconnectBaseDelay {
		t.Fatalf("expected near-base delay after stable connection, got %v", d)
	}
}

func TestReconnectorRespectsMaxAttempts(t *testing.T) {
	cfg := &WSConfig{MaxReconnectAttempts: 3}
	cfg.defaults()
	r := newReconnector(cfg)

	for i := 0; i < 3; i++ {
		if !r.shouldReconnect() {
			t.Fatalf("attempt %d should be allowed", i)
		}
		r.nextDelay()
	}
	if r.shouldReconnect() {
		t.Fatalf("attempts beyond the limit must be refused")
	}
}

// ============================================================================
// WSTransport
// ============================================================================

func TestWSTransportStartsDisconnected(t *testing.T) {
	tr := NewWSTransport("https://chat.example.com", "tok", nil)
	if tr.Connected() {
		t.Fatalf("fresh transport must not report connected")
	}
	if tr.State() != StateDisconnected {
		t.Fatalf("unexpected state %s", tr.State())
	}
}

func TestWSTransportEmitWhileDisconnected(t *testing.T) {
	tr := NewWSTransport("https://chat.example.com", "tok", nil)

	if err := tr.Emit(context.Background(), EventTyping, nil); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
	if _, err := tr.EmitWithAck(context.Background(), EventDeleteMessage, nil); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}

	// A failed acknowledged emit must not leak a pending entry.
	tr.pendingMu.Lock()
	n := len(tr.pendingAcks)
	tr.pendingMu.Unlock()
	if n != 0 {
		t.Fatalf("pending ack leaked: %d entries", n)
	}
}

func TestWSTransportDisconnectReleasesPendingAcks(t *testing.T) {
	tr := NewWSTransport("https://chat.example.com", "tok", nil)

	ch := make(chan *Ack, 1)
	tr.pendingMu.Lock()
	tr.pendingAcks["req-1"] = ch
	tr.pendingMu.Unlock()

	if err := tr.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	select {
	case ack, ok := <-ch:
		if ok && ack != nil {
			t.Fatalf("expected closed channel, got ack %+v", ack)
		}
	default:
		t.Fatalf("pending ack channel not released")
	}
}

func TestWSTransportResolveAckCorrelatesByRequestID(t *testing.T) {
	tr := NewWSTransport("https://chat.example.com", "tok", nil)

	ch := make(chan *Ack, 1)
	tr.pendingMu.Lock()
	tr.pendingAcks["req-7"] = ch
	tr.pendingMu.Unlock()

	tr.resolveAck(wireFrame{Event: ackEvent, RequestID: "req-9", Payload: []byte(`{"ok":true}`)})
	select {
	case <-ch:
		t.Fatalf("ack for a different request must not resolve")
	default:
	}

	tr.resolveAck(wireFrame{Event: ackEvent, RequestID: "req-7", Payload: []byte(`{"ok":false,"error":"nope"}`)})
	select {
	case ack := <-ch:
		if ack.OK || ack.Error != "nope" {
			t.Fatalf("ack payload mangled: %+v", ack)
		}
	default:
		t.Fatalf("matching ack not delivered")
	}

	tr.pendingMu.Lock()
	_, still := tr.pendingAcks["req-7"]
	tr.pendingMu.Unlock()
	if still {
		t.Fatalf("resolved entry must be deregistered")
	}
}
