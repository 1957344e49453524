package channel

import (
	"errors"
	"fmt"
	"time"
)

type State int

const (
	Idle State = iota
	Connecting
	Open
	Reconnecting
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// validTransition encodes the automatic edges plus the caller-driven ones:
// Open() from Failed or Closed, and Close() from any live state.
func validTransition(from, to State) bool {
	switch {
	case from == Idle && to == Connecting:
	case from == Connecting && (to == Open || to == Failed):
	case from == Open && (to == Reconnecting || to == Closed):
	case from == Reconnecting && (to == Open || to == Failed):
	case (from == Failed || from == Closed) && to == Connecting:
	case to == Closed && from != Closed:
	default:
		return false
	}
	return true
}

// StateChange is delivered to subscribers on every transition.
type StateChange struct {
	From    State
	To      State
	Err     error
	Attempt int
	At      time.Time
}

type SendResult int

const (
	Sent SendResult = iota
	Queued
	Rejected
)

func (r SendResult) String() string {
	switch r {
	case Sent:
		return "sent"
	case Queued:
		return "queued-for-retry"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

var (
	ErrOffline = errors.New("network offline")
	ErrStale   = errors.New("no message from backend within pong timeout")
)

// TransportError wraps connect, read and write failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
