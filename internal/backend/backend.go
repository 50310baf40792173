// Package backend defines the contract between the relay and the
// remote-desktop implementation behind it. The relay never looks inside
// pixel payloads; it only sizes and forwards them.
package backend

import (
	"vncrelay_go/internal/protocol"
)

// SessionBackend opens desktop sessions on behalf of relay connections.
type SessionBackend interface {
	Open(cfg protocol.ConnectRequest) (Session, error)
}

// Session is one live desktop connection. Implementations must tolerate
// Close being called more than once.
type Session interface {
	Info() protocol.SessionInfo
	Capture() (*protocol.ScreenUpdate, error)
	SendPointer(ev protocol.PointerEvent) error
	SendKey(ev protocol.KeyEvent) error
	Close() error
}
