// Package channel owns the live pairing websocket: one connection per
// (session, subject) key, held only while a pairing code is on screen, and
// translates the backend's push events into a normalized three-kind union.
//
// Reconnection after a drop is deliberately not automatic. The manager
// surfaces a failed event and leaves retrying to the coordinator's explicit
// policy; uncontrolled auto-reconnect causes duplicate pairing codes.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/botlink/pkg/protocol"
)

// Key identifies one pairing channel.
type Key struct {
	SessionID string
	SubjectID string
}

func (k Key) String() string { return k.SessionID + "/" + k.SubjectID }

// ConnState is the transport-level state of a channel, distinct from the
// pairing session state. A connected channel is necessary but not
// sufficient for a live pairing.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "disconnected"
}

const (
	// DefaultDebounce coalesces Open calls landing within this window of a
	// prior dial into a single transport connection.
	DefaultDebounce = 500 * time.Millisecond

	maxMessageSize = 512 * 1024
	readIdle       = 60 * time.Second
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
)

// Options tunes the manager. Zero values get production defaults.
type Options struct {
	Dialer   Dialer
	Debounce time.Duration
	Now      func() time.Time
}

// Manager opens and tracks pairing channels.
// Safe for concurrent use.
type Manager struct {
	url      string
	dialer   Dialer
	debounce time.Duration
	now      func() time.Time

	mu       sync.Mutex
	handles  map[Key]*Handle
	opens    map[Key]*openCall
	lastDial map[Key]time.Time
	lastErr  map[Key]error
}

type openCall struct {
	done   chan struct{}
	handle *Handle
	err    error
}

// NewManager creates a manager dialing the given websocket URL.
func NewManager(url string, opts Options) *Manager {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = NewWSDialer()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		url:      url,
		dialer:   dialer,
		debounce: debounce,
		now:      now,
		handles:  make(map[Key]*Handle),
		opens:    make(map[Key]*openCall),
		lastDial: make(map[Key]time.Time),
		lastErr:  make(map[Key]error),
	}
}

// Open returns the live handle for key, dialing at most one transport
// connection no matter how many callers race. Calling Open while already
// connected for the same key is a no-op returning the existing handle; a
// call landing within the debounce window of a previous dial attempt is
// held and coalesced with any other waiters.
func (m *Manager) Open(ctx context.Context, key Key, token string) (*Handle, error) {
	m.mu.Lock()
	if h := m.handles[key]; h != nil && !h.closed() {
		m.mu.Unlock()
		return h, nil
	}
	if call := m.opens[key]; call != nil {
		m.mu.Unlock()
		return awaitOpen(ctx, call)
	}

	call := &openCall{done: make(chan struct{})}
	m.opens[key] = call
	hold := m.debounce - m.now().Sub(m.lastDial[key])
	m.mu.Unlock()

	go m.dial(ctx, key, token, call, hold)
	return awaitOpen(ctx, call)
}

func awaitOpen(ctx context.Context, call *openCall) (*Handle, error) {
	select {
	case <-call.done:
		return call.handle, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) dial(ctx context.Context, key Key, token string, call *openCall, hold time.Duration) {
	if hold > 0 {
		slog.Debug("channel: open deferred", "key", key.String(), "hold", hold)
		select {
		case <-time.After(hold):
		case <-ctx.Done():
			m.finishOpen(key, call, nil, ctx.Err())
			return
		}
	}

	m.mu.Lock()
	m.lastDial[key] = m.now()
	m.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Pairing-Session", key.SessionID)

	conn, err := m.dialer.Dial(ctx, m.url, header)
	if err != nil {
		m.finishOpen(key, call, nil, fmt.Errorf("channel open failed: %w", err))
		return
	}

	h := newHandle(m, key, conn)
	m.finishOpen(key, call, h, nil)

	go h.readPump()
	go h.writePump()

	// The waiter may have given up while the dial was in flight; nobody
	// owns the handle then, so drop it instead of leaking the connection.
	if ctx.Err() != nil {
		h.Close()
		return
	}
	slog.Info("channel: connected", "key", key.String())
}

func (m *Manager) finishOpen(key Key, call *openCall, h *Handle, err error) {
	m.mu.Lock()
	delete(m.opens, key)
	if h != nil {
		m.handles[key] = h
		delete(m.lastErr, key)
	} else {
		m.lastErr[key] = err
	}
	m.mu.Unlock()

	call.handle = h
	call.err = err
	close(call.done)
}

// State reports the transport state for key.
func (m *Manager) State(key Key) ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.handles[key]; h != nil && !h.closed() {
		return StateConnected
	}
	if m.opens[key] != nil {
		return StateConnecting
	}
	if m.lastErr[key] != nil {
		return StateFailed
	}
	return StateDisconnected
}

func (m *Manager) remove(key Key, h *Handle) {
	m.mu.Lock()
	if m.handles[key] == h {
		delete(m.handles, key)
	}
	m.mu.Unlock()
}

// Handle is one live pairing channel. Obtained from Manager.Open; callers
// consume Events and Close it after any terminal pairing outcome.
type Handle struct {
	key  Key
	conn Conn
	mgr  *Manager

	events chan Event
	send   chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newHandle(m *Manager, key Key, conn Conn) *Handle {
	return &Handle{
		key:    key,
		conn:   conn,
		mgr:    m,
		events: make(chan Event, 16),
		send:   make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

// Events delivers the normalized event union. The channel is closed when
// the handle is closed or the transport drops.
func (h *Handle) Events() <-chan Event { return h.events }

// Key returns the handle's channel key.
func (h *Handle) Key() Key { return h.key }

// Close terminates the channel. Safe to call multiple times.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.conn.Close()
		h.mgr.remove(h.key, h)
		slog.Debug("channel: closed", "key", h.key.String())
	})
}

func (h *Handle) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// TriggerPairing sends the one outbound message of the pairing flow.
func (h *Handle) TriggerPairing() error {
	req, err := protocol.NewRequest(uuid.NewString(), protocol.MethodPairingTrigger, protocol.TriggerParams{
		SubjectID: h.key.SubjectID,
		SessionID: h.key.SessionID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	select {
	case h.send <- data:
		return nil
	case <-h.done:
		return errors.New("channel: closed")
	}
}

// readPump reads frames until the transport drops or the handle closes,
// normalizing event frames onto the events channel. The events channel is
// closed on exit; an unexpected drop emits a failed event first so the
// coordinator can apply its retry policy.
func (h *Handle) readPump() {
	defer func() {
		h.Close()
		close(h.events)
	}()

	h.conn.SetReadLimit(maxMessageSize)
	h.conn.SetReadDeadline(time.Now().Add(readIdle))
	h.conn.SetPongHandler(func(string) error {
		h.conn.SetReadDeadline(time.Now().Add(readIdle))
		return nil
	})

	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			if !h.closed() {
				slog.Warn("channel: read error", "key", h.key.String(), "error", err)
				h.emit(Event{Kind: KindFailed, Reason: "channel dropped: " + err.Error()})
			}
			return
		}
		h.conn.SetReadDeadline(time.Now().Add(readIdle))
		h.handleFrame(data)
	}
}

func (h *Handle) handleFrame(data []byte) {
	frameType, err := protocol.ParseFrameType(data)
	if err != nil {
		slog.Warn("channel: invalid frame", "key", h.key.String(), "error", err)
		return
	}

	switch frameType {
	case protocol.FrameTypeEvent:
		var ev protocol.EventFrame
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("channel: malformed event", "key", h.key.String(), "error", err)
			return
		}
		norm, ok := Normalize(ev.Event, ev.Payload)
		if !ok {
			slog.Debug("channel: ignoring event", "key", h.key.String(), "event", ev.Event)
			return
		}
		h.emit(norm)

	case protocol.FrameTypeResponse:
		var resp protocol.ResponseFrame
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		if !resp.OK && resp.Error != nil {
			slog.Warn("channel: request failed", "key", h.key.String(),
				"code", resp.Error.Code, "message", resp.Error.Message)
			h.emit(Event{Kind: KindFailed, Reason: resp.Error.Message})
		}
	}
}

func (h *Handle) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// writePump writes queued frames and keepalive pings.
func (h *Handle) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.Close()
	}()

	for {
		select {
		case <-h.done:
			return
		case msg := <-h.send:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
