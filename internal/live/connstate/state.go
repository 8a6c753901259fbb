// Package connstate tracks the lifecycle of a push subscription and owns its
// reconnect policy.
//
// The machine has four states. Transitions are validated; an invalid one is
// rejected with ErrInvalidTransition and leaves the state unchanged.
//
//	disconnected -> connecting
//	connecting   -> connected | error | disconnected
//	connected    -> disconnected | error
//	error        -> connecting | disconnected
package connstate

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for a transition the machine does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrAlreadyRunning is returned by Run when another Run loop owns the machine.
var ErrAlreadyRunning = errors.New("connection loop already running")

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "invalid"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseState converts the textual form back to a State.
func ParseState(s string) (State, error) {
	switch s {
	case "disconnected":
		return Disconnected, nil
	case "connecting":
		return Connecting, nil
	case "connected":
		return Connected, nil
	case "error":
		return Error, nil
	}
	return Disconnected, fmt.Errorf("unknown connection state %q", s)
}

func (s State) validateTransitionTo(next State) error {
	switch s {
	case Disconnected:
		if next == Connecting {
			return nil
		}
	case Connecting:
		switch next {
		case Connected, Error, Disconnected:
			return nil
		}
	case Connected:
		switch next {
		case Disconnected, Error:
			return nil
		}
	case Error:
		switch next {
		case Connecting, Disconnected:
			return nil
		}
	}
	return fmt.Errorf("%w from %v to %v", ErrInvalidTransition, s, next)
}
