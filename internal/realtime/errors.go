package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrDisposed is returned by Connect after Dispose.
	ErrDisposed = errors.New("realtime: manager disposed")
	// ErrNoToken is returned when no credential is available to connect with.
	ErrNoToken = errors.New("realtime: no credential")
	// ErrUnauthorized reports that the server rejected the credential.
	ErrUnauthorized = errors.New("realtime: credential rejected")
	// ErrRetriesExhausted reports that automatic reconnection gave up.
	ErrRetriesExhausted = errors.New("realtime: reconnect attempts exhausted")
)

// ConnectionError is a transient transport failure. It is what OnError
// listeners receive for connect_error.
type ConnectionError struct {
	Attempt int // automatic attempt number, 0 for a manual connect
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("connect_error (attempt %d): %v", e.Attempt, e.Err)
	}
	return fmt.Sprintf("connect_error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
