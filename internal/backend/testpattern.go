package backend

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"vncrelay_go/internal/protocol"
)

// TestPatternBackend serves deterministic gradient frames instead of a
// real desktop. It backs the relayd default mode and the test suites; a
// production deployment swaps in a real SessionBackend.
type TestPatternBackend struct{}

func NewTestPattern() *TestPatternBackend { return &TestPatternBackend{} }

func (b *TestPatternBackend) Open(cfg protocol.ConnectRequest) (Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &testPatternSession{
		info: protocol.SessionInfo{
			ID:     uuid.NewString(),
			Host:   cfg.Host,
			Port:   cfg.Port,
			Width:  cfg.Width,
			Height: cfg.Height,
			Depth:  cfg.Depth,
		},
	}, nil
}

type testPatternSession struct {
	info protocol.SessionInfo

	mu     sync.Mutex
	frame  int
	closed bool
}

func (s *testPatternSession) Info() protocol.SessionInfo { return s.info }

// Capture renders a full-frame RGBA gradient that shifts with every call,
// so consecutive frames are distinguishable on a render sink.
func (s *testPatternSession) Capture() (*protocol.ScreenUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.frame++

	w, h := s.info.Width, s.info.Height
	data := make([]byte, 4*w*h)
	shift := byte(s.frame * 8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := 4 * (y*w + x)
			data[i] = byte(x*255/w) + shift
			data[i+1] = byte(y * 255 / h)
			data[i+2] = shift
			data[i+3] = 0xff
		}
	}

	return &protocol.ScreenUpdate{
		X:         0,
		Y:         0,
		Width:     w,
		Height:    h,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

func (s *testPatternSession) SendPointer(protocol.PointerEvent) error {
	return s.checkOpen()
}

func (s *testPatternSession) SendKey(protocol.KeyEvent) error {
	return s.checkOpen()
}

func (s *testPatternSession) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *testPatternSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
