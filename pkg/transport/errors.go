package transport

import (
	"errors"
	"fmt"
	"time"
)

// ConnectionError is a socket-level failure: dial, write, or a read that
// ended with the peer closing or breaking the connection. The relay treats
// it as transient and reconnects.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("websocket %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError means no frame with the expected correlation token arrived
// before the deadline. The session itself may still be healthy.
type TimeoutError struct {
	CorrID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no response for corrId=%s within %s", e.CorrID, e.Timeout)
}

// IsTransient reports whether err is a connection or timeout error, i.e.
// one that counts against the relay's consecutive-error budget instead of
// being fatal.
func IsTransient(err error) bool {
	var connErr *ConnectionError
	var timeoutErr *TimeoutError
	return errors.As(err, &connErr) || errors.As(err, &timeoutErr)
}
