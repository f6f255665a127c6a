package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when no session became available within
	// the acquire timeout.
	ErrNotConnected = errors.New("chat backend not connected")
	// ErrClosed is returned once the manager has shut down.
	ErrClosed = errors.New("connection manager closed")
	// ErrCommandRejected matches any *RejectedError.
	ErrCommandRejected = errors.New("command rejected by chat backend")
	// ErrNotSent marks a command abandoned before anything reached the
	// socket. The session is untouched.
	ErrNotSent = errors.New("command not sent")
)

// RejectedError is a well-formed error reply from the backend. The session
// that produced it is still healthy.
type RejectedError struct {
	Type   string
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("chat backend rejected command: %s", e.Type)
	}
	return fmt.Sprintf("chat backend rejected command: %s: %s", e.Type, e.Detail)
}

func (e *RejectedError) Unwrap() error { return ErrCommandRejected }
