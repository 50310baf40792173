package relay

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"vncrelay_go/internal/backend"
	"vncrelay_go/internal/protocol"
	"vncrelay_go/internal/shared/types"
)

// fakeBackend records everything the relay forwards to it.
type fakeBackend struct {
	openErr error

	mu       sync.Mutex
	sessions []*fakeSession
}

func (b *fakeBackend) Open(cfg protocol.ConnectRequest) (backend.Session, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	s := &fakeSession{
		info: protocol.SessionInfo{
			ID: "fake-session", Host: cfg.Host, Port: cfg.Port,
			Width: cfg.Width, Height: cfg.Height, Depth: cfg.Depth,
		},
	}
	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()
	return s, nil
}

func (b *fakeBackend) lastSession(t *testing.T) *fakeSession {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) == 0 {
		t.Fatal("backend was never opened")
	}
	return b.sessions[len(b.sessions)-1]
}

type fakeSession struct {
	info protocol.SessionInfo

	mu       sync.Mutex
	pointers []protocol.PointerEvent
	keys     []protocol.KeyEvent
	captures int
	closed   bool
}

func (s *fakeSession) Info() protocol.SessionInfo { return s.info }

func (s *fakeSession) Capture() (*protocol.ScreenUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures++
	return &protocol.ScreenUpdate{
		Width: s.info.Width, Height: s.info.Height,
		Data:      make([]byte, 4*s.info.Width*s.info.Height),
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

func (s *fakeSession) SendPointer(ev protocol.PointerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointers = append(s.pointers, ev)
	return nil
}

func (s *fakeSession) SendKey(ev protocol.KeyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, ev)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// newTestConn mounts a relay on an httptest server and dials it. The
// periodic producer is effectively disabled unless mutate lowers the
// interval.
func newTestConn(t *testing.T, b backend.SessionBackend, mutate func(*types.Config)) *websocket.Conn {
	t.Helper()
	cfg := new(types.Config)
	cfg.ApplyDefaults()
	cfg.RelayConf.UpdateIntervalMs = 3600 * 1000
	if mutate != nil {
		mutate(cfg)
	}

	s := New(cfg, b)
	s.startIdleSweep()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop()
		ts.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/vnc"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s failed: %v", wsURL, err)
	}
	t.Cleanup(func() { ws.Close() })

	// Every accepted socket is greeted with a connected ack.
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeConnected {
		t.Fatalf("first message type = %q, want %q", env.Type, protocol.TypeConnected)
	}
	var ack protocol.ConnectedAck
	if err := env.Decode(&ack); err != nil {
		t.Fatalf("bad connected ack: %v", err)
	}
	if ack.Timestamp == "" {
		t.Fatal("connected ack has no timestamp")
	}
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	env, err := protocol.Parse(raw)
	if err != nil {
		t.Fatalf("unparseable frame %q: %v", raw, err)
	}
	return env
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, msgType string, payload any) {
	t.Helper()
	raw, err := protocol.Marshal(msgType, payload)
	if err != nil {
		t.Fatalf("marshal %s failed: %v", msgType, err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write %s failed: %v", msgType, err)
	}
}

func validConnect() *protocol.ConnectRequest {
	return &protocol.ConnectRequest{Host: "localhost", Port: 5900, Width: 100, Height: 100, Depth: 24}
}

func openSession(t *testing.T, ws *websocket.Conn) protocol.SessionInfo {
	t.Helper()
	sendEnvelope(t, ws, protocol.TypeVNCConnect, validConnect())
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeVNCConnected {
		t.Fatalf("connect reply type = %q, want %q", env.Type, protocol.TypeVNCConnected)
	}
	var info protocol.SessionInfo
	if err := env.Decode(&info); err != nil {
		t.Fatalf("bad session info: %v", err)
	}
	return info
}

func TestConnectEstablishesSession(t *testing.T) {
	b := &fakeBackend{}
	ws := newTestConn(t, b, nil)

	info := openSession(t, ws)
	if info.Host != "localhost" || info.Port != 5900 {
		t.Fatalf("unexpected session info: %+v", info)
	}
	if b.lastSession(t).isClosed() {
		t.Fatal("session closed right after open")
	}
}

func TestConnectRejectsInvalidConfig(t *testing.T) {
	b := &fakeBackend{}
	ws := newTestConn(t, b, nil)

	bad := validConnect()
	bad.Port = 0
	sendEnvelope(t, ws, protocol.TypeVNCConnect, bad)
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeVNCError {
		t.Fatalf("reply type = %q, want %q", env.Type, protocol.TypeVNCError)
	}

	// The connection survives and a corrected retry succeeds.
	openSession(t, ws)
}

func TestConnectBackendFailure(t *testing.T) {
	b := &fakeBackend{openErr: errors.New("connection refused")}
	ws := newTestConn(t, b, nil)

	sendEnvelope(t, ws, protocol.TypeVNCConnect, validConnect())
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeVNCError {
		t.Fatalf("reply type = %q, want %q", env.Type, protocol.TypeVNCError)
	}
	var info protocol.ErrorInfo
	if err := env.Decode(&info); err != nil {
		t.Fatalf("bad error payload: %v", err)
	}
	if info.Error != "connection refused" {
		t.Fatalf("error = %q, want backend error text", info.Error)
	}

	// Connection stays open: the relay still answers protocol traffic.
	sendEnvelope(t, ws, protocol.TypeRequestScreen, nil)
	env = readEnvelope(t, ws)
	if env.Type != protocol.TypeError {
		t.Fatalf("reply type = %q, want %q", env.Type, protocol.TypeError)
	}
}

func TestUnknownMessageType(t *testing.T) {
	b := &fakeBackend{}
	ws := newTestConn(t, b, nil)

	sendEnvelope(t, ws, "bogus", nil)
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeError {
		t.Fatalf("reply type = %q, want %q", env.Type, protocol.TypeError)
	}
	var info protocol.ErrorInfo
	if err := env.Decode(&info); err != nil {
		t.Fatalf("bad error payload: %v", err)
	}
	if info.Error != "Unknown message type: bogus" {
		t.Fatalf("error = %q, want %q", info.Error, "Unknown message type: bogus")
	}

	// Registry still holds the connection; valid messages keep working.
	openSession(t, ws)
}

func TestMalformedEnvelope(t *testing.T) {
	b := &fakeBackend{}
	ws := newTestConn(t, b, nil)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeError {
		t.Fatalf("reply type = %q, want %q", env.Type, protocol.TypeError)
	}

	openSession(t, ws)
}

func TestInputWithoutSession(t *testing.T) {
	b := &fakeBackend{}
	ws := newTestConn(t, b, nil)

	sendEnvelope(t, ws, protocol.TypeMouseEvent, &protocol.PointerEvent{X: 1, Y: 1})
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeError {
		t.Fatalf("reply type = %q, want %q", env.Type, protocol.TypeError)
	}
	var info protocol.ErrorInfo
	if err := env.Decode(&info); err != nil {
		t.Fatalf("bad error payload: %v", err)
	}
	if info.Error != "Not connected" {
		t.Fatalf("error = %q, want %q", info.Error, "Not connected")
	}
}

func TestInputOrderingPreserved(t *testing.T) {
	b := &fakeBackend{}
	ws := newTestConn(t, b, nil)
	openSession(t, ws)

	const n = 20
	for i := 0; i < n; i++ {
		sendEnvelope(t, ws, protocol.TypeMouseEvent, &protocol.PointerEvent{X: i, Y: i, Button: 1, Pressed: true})
	}
	// The request_screen reply acts as a sync point: once the screen
	// update arrives, all earlier messages on this connection have been
	// dispatched.
	sendEnvelope(t, ws, protocol.TypeRequestScreen, nil)
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeScreenUpdate {
		t.Fatalf("reply type = %q, want %q", env.Type, protocol.TypeScreenUpdate)
	}

	sess := b.lastSession(t)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.pointers) != n {
		t.Fatalf("forwarded %d pointer events, want %d", len(sess.pointers), n)
	}
	for i, ev := range sess.pointers {
		if ev.X != i {
			t.Fatalf("event %d has X=%d, ordering not preserved", i, ev.X)
		}
	}
}

func TestPointerEventForwardedExactlyOnce(t *testing.T) {
	b := &fakeBackend{}
	ws := newTestConn(t, b, nil)
	openSession(t, ws)

	sendEnvelope(t, ws, protocol.TypeMouseEvent, &protocol.PointerEvent{X: 50, Y: 50, Button: 1, Pressed: true})
	sendEnvelope(t, ws, protocol.TypeRequestScreen, nil)
	if env := readEnvelope(t, ws); env.Type != protocol.TypeScreenUpdate {
		t.Fatalf("reply type = %q, want %q", env.Type, protocol.TypeScreenUpdate)
	}

	sess := b.lastSession(t)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	want := protocol.PointerEvent{X: 50, Y: 50, Button: 1, Pressed: true}
	if len(sess.pointers) != 1 || sess.pointers[0] != want {
		t.Fatalf("forwarded pointers = %+v, want exactly one %+v", sess.pointers, want)
	}
}

func TestRequestScreenImmediateCapture(t *testing.T) {
	b := &fakeBackend{}
	ws := newTestConn(t, b, nil)
	openSession(t, ws)

	sendEnvelope(t, ws, protocol.TypeRequestScreen, nil)
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeScreenUpdate {
		t.Fatalf("reply type = %q, want %q", env.Type, protocol.TypeScreenUpdate)
	}
	var update protocol.ScreenUpdate
	if err := env.Decode(&update); err != nil {
		t.Fatalf("bad screen update: %v", err)
	}
	if update.Seq != 1 {
		t.Fatalf("first update seq = %d, want 1", update.Seq)
	}
	if len(update.Data) != 4*update.Width*update.Height {
		t.Fatalf("payload %d bytes, want %d", len(update.Data), 4*update.Width*update.Height)
	}

	sess := b.lastSession(t)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.captures != 1 {
		t.Fatalf("captures = %d, want 1", sess.captures)
	}
}

func TestPeriodicProducerStreamsFrames(t *testing.T) {
	b := &fakeBackend{}
	ws := newTestConn(t, b, func(cfg *types.Config) {
		cfg.RelayConf.UpdateIntervalMs = 20
	})
	openSession(t, ws)

	var lastSeq uint64
	for i := 0; i < 3; i++ {
		env := readEnvelope(t, ws)
		if env.Type != protocol.TypeScreenUpdate {
			t.Fatalf("frame %d type = %q, want %q", i, env.Type, protocol.TypeScreenUpdate)
		}
		var update protocol.ScreenUpdate
		if err := env.Decode(&update); err != nil {
			t.Fatalf("bad screen update: %v", err)
		}
		if update.Seq != lastSeq+1 {
			t.Fatalf("seq jumped from %d to %d", lastSeq, update.Seq)
		}
		lastSeq = update.Seq
	}
}

func TestSecondConnectRejected(t *testing.T) {
	b := &fakeBackend{}
	ws := newTestConn(t, b, nil)
	openSession(t, ws)

	sendEnvelope(t, ws, protocol.TypeVNCConnect, validConnect())
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeVNCError {
		t.Fatalf("reply type = %q, want %q", env.Type, protocol.TypeVNCError)
	}
}

func TestCloseReleasesSession(t *testing.T) {
	b := &fakeBackend{}
	ws := newTestConn(t, b, nil)
	openSession(t, ws)
	sess := b.lastSession(t)

	ws.Close()

	deadline := time.Now().Add(5 * time.Second)
	for !sess.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("session not closed after socket close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIdleConnectionSwept(t *testing.T) {
	b := &fakeBackend{}
	ws := newTestConn(t, b, func(cfg *types.Config) {
		cfg.RelayConf.IdleTimeoutSec = 1
	})
	openSession(t, ws)
	sess := b.lastSession(t)

	// No further client traffic: the sweep must close the socket and
	// release the session.
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for !sess.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("session not closed after idle timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTestPatternBackendPayloadSize(t *testing.T) {
	ws := newTestConn(t, backend.NewTestPattern(), nil)
	openSession(t, ws)

	sendEnvelope(t, ws, protocol.TypeRequestScreen, nil)
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeScreenUpdate {
		t.Fatalf("reply type = %q, want %q", env.Type, protocol.TypeScreenUpdate)
	}
	var update protocol.ScreenUpdate
	if err := env.Decode(&update); err != nil {
		t.Fatalf("bad screen update: %v", err)
	}
	if want := 4 * 100 * 100; len(update.Data) != want {
		t.Fatalf("payload %d bytes, want %d", len(update.Data), want)
	}
}
