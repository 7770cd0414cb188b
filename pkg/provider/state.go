package provider

import (
	"errors"
	"fmt"
)

// ErrDone is the cause wrapped by a State with StatusDone.
var ErrDone = errors.New("provider: done")

// Status of a finished stream.
type Status int

const (
	StatusOK Status = iota
	StatusDone
	StatusTruncated
	StatusBlocked
	StatusError
)

// Usage accounts tokens consumed by one completion.
type Usage struct {
	PromptTokenCount        int64
	CachedContentTokenCount int64
	GeneratedTokenCount     int64
}

// State is the terminal error of a Stream. Unwrap exposes the cause so
// errors.Is(err, ErrDone) works on a normal completion.
type State struct {
	usage  Usage
	status Status
	err    error
}

func Done(usage Usage) *State {
	return &State{
		usage:  usage,
		status: StatusDone,
		err:    ErrDone,
	}
}

func Truncated(usage Usage) *State {
	return &State{
		usage:  usage,
		status: StatusTruncated,
		err:    errors.New("provider: generate truncated"),
	}
}

func Blocked(usage Usage, refusal string) *State {
	return &State{
		usage:  usage,
		status: StatusBlocked,
		err:    fmt.Errorf("provider: generate blocked: %s", refusal),
	}
}

func Failed(usage Usage, err error) *State {
	return &State{
		usage:  usage,
		status: StatusError,
		err:    fmt.Errorf("provider: generate error: %w", err),
	}
}

func (s State) Usage() Usage {
	return s.usage
}

func (s State) Status() Status {
	return s.status
}

func (s State) Unwrap() error {
	return s.err
}

func (s State) Error() string {
	switch s.status {
	case StatusDone:
		return "provider: generate done"
	case StatusTruncated, StatusBlocked, StatusError:
		return s.err.Error()
	default:
		return fmt.Sprintf("provider: unexpected stream status: %v", s.status)
	}
}
