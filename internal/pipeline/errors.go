package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrThrottled  = errors.New("landmark rate limit exceeded")
	ErrStopped    = errors.New("pipeline stopped")
	ErrNotStarted = errors.New("pipeline not started")
)

type ErrorKind string

const (
	KindDecode         ErrorKind = "decode"
	KindMalformedFrame ErrorKind = "malformed_frame"
	KindBackend        ErrorKind = "backend"
	KindTransport      ErrorKind = "transport"
)

// Error is what OnError receives. None of these stop the pipeline.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a pipeline error, or "internal" for anything
// else.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return "internal"
}
