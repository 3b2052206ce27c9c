package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// wireFrame is the envelope for every frame on the socket. Client frames
// carrying a requestId expect an "ack" frame echoing it back.
type wireFrame struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

const ackEvent = "ack"

// ============================================================================
// Configuration
// ============================================================================

// WSConfig configures the websocket transport.
type WSConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *zap.Logger
}

func (c *WSConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ConnState is the transport connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes exponential backoff with jitter. The attempt counter
// resets after a connection stayed up for a minute.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *WSConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is the production Transport: a websocket channel with JSON
// envelopes, per-request ack correlation, heartbeat, and auto-reconnect.
type WSTransport struct {
	baseURL string
	token   string
	cfg     *WSConfig
	log     *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc
	recon            *reconnector

	handlerMu    sync.RWMutex
	handlers     map[string][]EventHandler
	onConnect    []func()
	onDisconnect []func(reason string)

	pendingMu   sync.Mutex
	pendingAcks map[string]chan *Ack
}

// NewWSTransport creates a websocket transport against baseURL ("https://"
// or "wss://" forms both accepted). cfg may be nil for defaults.
func NewWSTransport(baseURL, token string, cfg *WSConfig) *WSTransport {
	c := WSConfig{}
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	return &WSTransport{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		cfg:         &c,
		log:         c.Logger,
		state:       StateDisconnected,
		recon:       newReconnector(&c),
		handlers:    make(map[string][]EventHandler),
		pendingAcks: make(map[string]chan *Ack),
	}
}

// State returns the current connection state.
func (t *WSTransport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connected reports whether the socket is up.
func (t *WSTransport) Connected() bool {
	return t.State() == StateConnected
}

// On registers a handler for a named inbound event.
func (t *WSTransport) On(event string, h EventHandler) {
	t.handlerMu.Lock()
	t.handlers[event] = append(t.handlers[event], h)
	t.handlerMu.Unlock()
}

// OnConnect registers a handler invoked after every (re)connect.
func (t *WSTransport) OnConnect(h func()) {
	t.handlerMu.Lock()
	t.onConnect = append(t.onConnect, h)
	t.handlerMu.Unlock()
}

// OnDisconnect registers a handler invoked when the socket drops.
func (t *WSTransport) OnDisconnect(h func(reason string)) {
	t.handlerMu.Lock()
	t.onDisconnect = append(t.onDisconnect, h)
	t.handlerMu.Unlock()
}

// Connect establishes the websocket connection.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.intentionalClose = false
	t.mu.Unlock()

	wsURL := strings.Replace(t.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/socket"
	if t.token != "" {
		wsURL += "?token=" + t.token
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.state = StateConnected
	t.mu.Unlock()
	t.recon.markConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancelFn = cancel
	t.mu.Unlock()

	go t.readLoop(connCtx)
	go t.heartbeatLoop(connCtx)

	t.emitConnected()
	return nil
}

// Disconnect gracefully closes the connection. No reconnect follows.
func (t *WSTransport) Disconnect() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	t.clearPendingAcks()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends a fire-and-forget event.
func (t *WSTransport) Emit(ctx context.Context, event string, payload any) error {
	return t.write(ctx, event, payload, "")
}

// EmitWithAck sends an event and waits for the server's acknowledgment.
func (t *WSTransport) EmitWithAck(ctx context.Context, event string, payload any) (*Ack, error) {
	requestID := uuid.NewString()
	ch := make(chan *Ack, 1)
	t.pendingMu.Lock()
	t.pendingAcks[requestID] = ch
	t.pendingMu.Unlock()

	if err := t.write(ctx, event, payload, requestID); err != nil {
		t.dropPending(requestID)
		return nil, err
	}

	select {
	case ack := <-ch:
		if ack == nil {
			// Channel closed by a disconnect.
			return nil, ErrTransportUnavailable
		}
		return ack, nil
	case <-ctx.Done():
		t.dropPending(requestID)
		return nil, ctx.Err()
	}
}

func (t *WSTransport) write(ctx context.Context, event string, payload any, requestID string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrTransportUnavailable
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = b
	}
	data, err := json.Marshal(wireFrame{Event: event, Payload: raw, RequestID: requestID})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *WSTransport) dropPending(requestID string) {
	t.pendingMu.Lock()
	delete(t.pendingAcks, requestID)
	t.pendingMu.Unlock()
}

func (t *WSTransport) clearPendingAcks() {
	t.pendingMu.Lock()
	for id, ch := range t.pendingAcks {
		close(ch)
		delete(t.pendingAcks, id)
	}
	t.pendingMu.Unlock()
}

func (t *WSTransport) readLoop(ctx context.Context) {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.intentionalClose
			t.mu.Unlock()
			if intentional {
				return
			}

			t.mu.Lock()
			t.state = StateDisconnected
			t.conn = nil
			if t.cancelFn != nil {
				t.cancelFn()
				t.cancelFn = nil
			}
			t.mu.Unlock()

			t.clearPendingAcks()
			t.emitDisconnected(err.Error())

			if t.cfg.AutoReconnect && t.recon.shouldReconnect() {
				t.scheduleReconnect()
			}
			return
		}

		var frame wireFrame
		if json.Unmarshal(data, &frame) != nil {
			continue
		}

		if frame.Event == ackEvent {
			t.resolveAck(frame)
			continue
		}
		t.dispatch(frame)
	}
}

func (t *WSTransport) resolveAck(frame wireFrame) {
	if frame.RequestID == "" {
		return
	}
	var ack Ack
	if frame.Payload != nil {
		if err := json.Unmarshal(frame.Payload, &ack); err != nil {
			t.log.Warn("decode ack", zap.String("requestId", frame.RequestID), zap.Error(err))
			return
		}
	}
	t.pendingMu.Lock()
	ch, ok := t.pendingAcks[frame.RequestID]
	if ok {
		delete(t.pendingAcks, frame.RequestID)
	}
	t.pendingMu.Unlock()
	if ok {
		ch <- &ack
	}
}

func (t *WSTransport) dispatch(frame wireFrame) {
	t.handlerMu.RLock()
	handlers := append([]EventHandler(nil), t.handlers[frame.Event]...)
	t.handlerMu.RUnlock()
	for _, h := range handlers {
		handler := h
		go handler(frame.Payload)
	}
}

func (t *WSTransport) emitConnected() {
	t.handlerMu.RLock()
	handlers := append([]func(){}, t.onConnect...)
	t.handlerMu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (t *WSTransport) emitDisconnected(reason string) {
	t.handlerMu.RLock()
	handlers := append([]func(string){}, t.onDisconnect...)
	t.handlerMu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (t *WSTransport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.Connected() {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, err := t.EmitWithAck(pingCtx, "ping", nil)
			cancel()
			if err != nil {
				// Heartbeat failed: force close so the read loop reconnects.
				t.mu.Lock()
				conn := t.conn
				t.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (t *WSTransport) scheduleReconnect() {
	delay := t.recon.nextDelay()
	t.mu.Lock()
	t.state = StateReconnecting
	t.mu.Unlock()
	t.log.Info("reconnecting", zap.Int("attempt", t.recon.attempt), zap.Duration("delay", delay))

	time.Sleep(delay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := t.Connect(ctx)
	cancel()
	if err != nil {
		if t.cfg.AutoReconnect && t.recon.shouldReconnect() {
			t.scheduleReconnect()
			return
		}
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
	}
}
