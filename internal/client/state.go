package client

// State is the connection state of a SessionManager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingSession
	StateStreaming
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingSession:
		return "awaiting_session"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
