package broker

import (
	"errors"
	"fmt"
)

// SessionError marks a failure where broker truth cannot be distinguished from
// broker silence: invalid session, unreachable endpoint, or a response that
// does not normalize into the expected shape. Callers must propagate it (or
// escalate); swallowing it into an empty result would let the layers above
// make capital decisions on darkness.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// IsSessionError reports whether err carries a SessionError anywhere in its chain.
func IsSessionError(err error) bool {
	var se *SessionError
	return errors.As(err, &se)
}

var (
	// ErrNotLoggedIn is wrapped into a SessionError when a call is attempted
	// on a session that could not be established.
	ErrNotLoggedIn = errors.New("session not established")

	// ErrBadPayload is wrapped into a SessionError when a broker response
	// cannot be normalized.
	ErrBadPayload = errors.New("unrecognized broker payload")
)
