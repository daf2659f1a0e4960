package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned for outbound frames outside the connected
	// state.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrAlreadyStarted is returned by a second Connect.
	ErrAlreadyStarted = errors.New("transport: already started")
	// ErrAuthExpired means the server no longer accepts the credential.
	ErrAuthExpired = errors.New("transport: authorization expired")
	// ErrSessionGone means the server no longer knows the session.
	ErrSessionGone = errors.New("transport: session no longer exists")
	// ErrChannelClosed is returned by a Channel whose peer closed cleanly.
	ErrChannelClosed = errors.New("transport: channel closed")
)

// Heartbeat rejections. A Heartbeater returns these (possibly wrapped) when
// the server answers not found or forbidden.
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// ConnectionError is a failure of the underlying channel.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// isRejection reports whether a heartbeat result counts toward stopping.
func isRejection(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden)
}
