package backend

import "errors"

// ErrSessionClosed is returned by session operations after Close.
var ErrSessionClosed = errors.New("session closed")
