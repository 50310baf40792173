// Package client implements the session manager consumed by a rendering
// frontend: it owns one websocket to the relay, drives the connection
// state machine, decodes inbound messages and forwards input events.
package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vncrelay_go/internal/protocol"
	"vncrelay_go/internal/shared/logger"
)

// ErrMaxReconnects is the terminal connection error text surfaced after
// the retry budget is spent.
const ErrMaxReconnects = "Max reconnection attempts reached"

// Callbacks is the observer surface of a SessionManager. Nil entries are
// skipped. Callbacks run on the manager's internal goroutines and must
// not block.
type Callbacks struct {
	OnConnectionChange func(connected bool)
	OnScreenUpdate     func(update *protocol.ScreenUpdate)
	OnError            func(message string)
}

// Options configures a SessionManager.
type Options struct {
	// URL of the relay's /vnc endpoint, ws:// or wss://.
	URL string
	// Connect is the session request sent once the socket is open.
	Connect protocol.ConnectRequest

	// MaxAttempts bounds automatic reconnects (default 5).
	MaxAttempts int
	// RetryBaseDelay is the backoff unit: attempt n waits n times this
	// (default 2s).
	RetryBaseDelay time.Duration
	// HandshakeTimeout bounds the websocket dial (default 15s).
	HandshakeTimeout time.Duration
}

// SessionManager owns one relay connection. Connect and Disconnect
// return immediately; outcomes are reported through state transitions
// and Callbacks.
type SessionManager struct {
	opts Options
	cb   Callbacks

	mu         sync.Mutex
	state      State
	ws         *websocket.Conn
	gen        int // bumped on every dial and Disconnect; stale goroutines no-op
	manual     bool
	connErr    string
	lastSeq    uint64
	lastUpdate time.Time
	rc         reconnector

	writeMu sync.Mutex
}

// New creates a SessionManager. It does not open a socket; call Connect.
func New(opts Options, cb Callbacks) *SessionManager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 2 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	return &SessionManager{
		opts: opts,
		cb:   cb,
		rc:   reconnector{baseDelay: opts.RetryBaseDelay, maxAttempts: opts.MaxAttempts},
	}
}

// State returns the current connection state.
func (m *SessionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectionError returns the last surfaced connection error, if any.
func (m *SessionManager) ConnectionError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connErr
}

// LastUpdate returns the receive time of the most recent screen update.
func (m *SessionManager) LastUpdate() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUpdate
}

// Connect opens the relay socket. No-op while a connection attempt or a
// streaming session is already in progress. An explicit call restores a
// fresh reconnect budget after exhaustion.
func (m *SessionManager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateConnecting, StateAwaitingSession, StateStreaming:
		return
	}
	m.rc.reset()
	m.connectLocked()
}

// connectLocked starts a dial under the caller-held mutex. Shared by
// Connect and the reconnect timer.
func (m *SessionManager) connectLocked() {
	m.rc.cancel()
	m.manual = false
	if m.ws != nil {
		m.ws.Close()
		m.ws = nil
	}
	m.gen++
	m.state = StateConnecting
	go m.dial(m.gen)
}

// Disconnect cancels any pending reconnect timer, closes the socket and
// resets the state machine. Idempotent.
func (m *SessionManager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.rc.cancel()
	m.gen++
	ws := m.ws
	m.ws = nil
	wasStreaming := m.state == StateStreaming
	m.state = StateDisconnected
	m.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	if wasStreaming {
		m.emitConnectionChange(false)
	}
}

// SendPointer forwards a pointer event. Dropped unless streaming: there
// is no session to receive it in any other state.
func (m *SessionManager) SendPointer(ev protocol.PointerEvent) {
	if ws := m.streamingSocket(); ws != nil {
		m.write(ws, protocol.TypeMouseEvent, &ev)
	}
}

// SendKey forwards a key event. Dropped unless streaming.
func (m *SessionManager) SendKey(ev protocol.KeyEvent) {
	if ws := m.streamingSocket(); ws != nil {
		m.write(ws, protocol.TypeKeyboardEvent, &ev)
	}
}

// RequestScreen asks the relay for one immediate capture outside the
// periodic cadence. Dropped unless streaming.
func (m *SessionManager) RequestScreen() {
	if ws := m.streamingSocket(); ws != nil {
		m.write(ws, protocol.TypeRequestScreen, nil)
	}
}

func (m *SessionManager) streamingSocket() *websocket.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStreaming {
		return nil
	}
	return m.ws
}

// dial runs off the caller's goroutine; gen identifies the attempt so a
// Disconnect issued meanwhile invalidates the result.
func (m *SessionManager) dial(gen int) {
	dialer := websocket.Dialer{HandshakeTimeout: m.opts.HandshakeTimeout}
	ws, _, err := dialer.Dial(m.opts.URL, nil)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		m.connErr = err.Error()
		m.mu.Unlock()
		logger.Debug().Err(err).Str("url", m.opts.URL).Msg("Relay dial failed")
		m.handleClosure(gen)
		return
	}
	m.ws = ws
	m.mu.Unlock()

	// The session request goes out as soon as the socket is open; the
	// relay's connected ack moves the state machine forward.
	if err := m.write(ws, protocol.TypeVNCConnect, &m.opts.Connect); err != nil {
		ws.Close()
		m.handleClosure(gen)
		return
	}
	go m.readLoop(ws, gen)
}

func (m *SessionManager) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			m.handleClosure(gen)
			return
		}
		m.dispatch(raw, gen)
	}
}

// dispatch handles one inbound frame. Messages are processed strictly
// sequentially on the read loop goroutine. Frames read off a socket
// that Disconnect has since invalidated carry a stale gen and are
// dropped before they can touch the state machine.
func (m *SessionManager) dispatch(raw []byte, gen int) {
	env, err := protocol.Parse(raw)
	if err != nil {
		logger.Debug().Err(err).Msg("Discarding unparseable relay frame")
		return
	}

	switch env.Type {
	case protocol.TypeConnected:
		m.mu.Lock()
		if gen == m.gen && m.state == StateConnecting {
			m.state = StateAwaitingSession
		}
		m.mu.Unlock()

	case protocol.TypeVNCConnected:
		var info protocol.SessionInfo
		if err := env.Decode(&info); err != nil {
			logger.Debug().Err(err).Msg("Bad vnc_connected payload")
		}
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.state = StateStreaming
		m.connErr = ""
		m.lastSeq = 0
		m.rc.reset()
		m.mu.Unlock()
		logger.Info().Str("session_id", info.ID).Msg("Session streaming")
		m.emitConnectionChange(true)

	case protocol.TypeScreenUpdate:
		var update protocol.ScreenUpdate
		if err := env.Decode(&update); err != nil {
			logger.Debug().Err(err).Msg("Bad screen update payload")
			return
		}
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		var dropped uint64
		if m.lastSeq != 0 && update.Seq > m.lastSeq+1 {
			dropped = update.Seq - m.lastSeq - 1
		}
		m.lastSeq = update.Seq
		m.lastUpdate = time.Now()
		m.mu.Unlock()
		if dropped > 0 {
			m.emitError(fmt.Sprintf("Dropped %d screen update(s)", dropped))
		}
		if m.cb.OnScreenUpdate != nil {
			m.cb.OnScreenUpdate(&update)
		}

	case protocol.TypeVNCError, protocol.TypeError:
		var info protocol.ErrorInfo
		if err := env.Decode(&info); err != nil {
			info.Error = "unknown relay error"
		}
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.connErr = info.Error
		if m.state == StateConnecting || m.state == StateAwaitingSession {
			m.state = StateError
		}
		m.mu.Unlock()
		m.emitError(info.Error)

	default:
		logger.Debug().Str("type", env.Type).Msg("Ignoring unknown relay message")
	}
}

// handleClosure reacts to the socket going away for the given attempt
// generation: manual disconnects just settle the state, anything else
// schedules a reconnect until the budget is spent.
func (m *SessionManager) handleClosure(gen int) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	wasStreaming := m.state == StateStreaming
	m.ws = nil
	m.state = StateDisconnected

	if m.manual {
		m.mu.Unlock()
		return
	}

	delay, ok := m.rc.next()
	if !ok {
		m.connErr = ErrMaxReconnects
		m.mu.Unlock()
		if wasStreaming {
			m.emitConnectionChange(false)
		}
		m.emitError(ErrMaxReconnects)
		return
	}

	attempt := m.rc.attempts
	timerGen := m.gen
	m.rc.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if timerGen != m.gen || m.manual {
			return
		}
		m.connectLocked()
	})
	m.mu.Unlock()

	logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Scheduling reconnect")
	if wasStreaming {
		m.emitConnectionChange(false)
	}
}

func (m *SessionManager) write(ws *websocket.Conn, msgType string, payload any) error {
	raw, err := protocol.Marshal(msgType, payload)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, raw)
}

func (m *SessionManager) emitConnectionChange(connected bool) {
	if m.cb.OnConnectionChange != nil {
		m.cb.OnConnectionChange(connected)
	}
}

func (m *SessionManager) emitError(msg string) {
	if m.cb.OnError != nil {
		m.cb.OnError(msg)
	}
}
