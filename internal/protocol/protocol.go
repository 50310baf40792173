// Package protocol defines the JSON message envelopes exchanged between
// the relay server and its clients. Every frame on the wire is an
// Envelope; the Data payload is one of the typed structs below, selected
// by the Type field.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types, client → server.
const (
	TypeVNCConnect    = "vnc_connect"
	TypeMouseEvent    = "vnc_mouse_event"
	TypeKeyboardEvent = "vnc_keyboard_event"
	TypeRequestScreen = "vnc_request_screen"
)

// Message types, server → client.
const (
	TypeConnected    = "connected"
	TypeVNCConnected = "vnc_connected"
	TypeVNCError     = "vnc_error"
	TypeScreenUpdate = "vnc_screen_update"
	TypeError        = "error"
)

// Envelope wraps every message on the wire.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ConnectedAck is sent by the relay as soon as a socket is accepted.
type ConnectedAck struct {
	Timestamp string `json:"timestamp"`
}

// ConnectRequest asks the relay to open a desktop session.
type ConnectRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password,omitempty"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Depth    int    `json:"depth"`
}

const (
	MinDimension = 100
	MaxPort      = 65535
)

// Validate checks the request against the protocol constraints.
func (r *ConnectRequest) Validate() error {
	if r.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if r.Port < 1 || r.Port > MaxPort {
		return fmt.Errorf("port %d out of range [1,%d]", r.Port, MaxPort)
	}
	if r.Width < MinDimension || r.Height < MinDimension {
		return fmt.Errorf("dimensions %dx%d below minimum %dx%d", r.Width, r.Height, MinDimension, MinDimension)
	}
	return nil
}

// SessionInfo describes an established desktop session.
type SessionInfo struct {
	ID     string `json:"id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Depth  int    `json:"depth"`
}

// PointerEvent is a forwarded mouse event.
type PointerEvent struct {
	X       int  `json:"x"`
	Y       int  `json:"y"`
	Button  int  `json:"button"`
	Pressed bool `json:"pressed"`
}

// KeyEvent is a forwarded keyboard event.
type KeyEvent struct {
	Key     string `json:"key"`
	Pressed bool   `json:"pressed"`
}

// ScreenUpdate is one rectangle of framebuffer pixels. Data is raw RGBA,
// 4*Width*Height bytes, base64-encoded on the wire by encoding/json.
// Seq increases by one per update within a session so the client can
// detect dropped frames.
type ScreenUpdate struct {
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Data      []byte `json:"data"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorInfo carries the error text of vnc_error and error envelopes.
type ErrorInfo struct {
	Error string `json:"error"`
}

// Marshal builds a complete wire frame for the given type and payload.
// A nil payload produces an envelope without a data field.
func Marshal(msgType string, payload any) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Data = data
	}
	return json.Marshal(&env)
}

// Parse decodes a raw wire frame into an Envelope.
func Parse(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
