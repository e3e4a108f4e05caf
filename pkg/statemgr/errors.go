package statemgr

import (
	"errors"
	"fmt"
)

// Kind classifies state manager failures so callers can branch without
// matching on message text.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindContention
	KindTransport
	KindCorruptState
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindContention:
		return "contention"
	case KindTransport:
		return "transport"
	case KindCorruptState:
		return "corrupt_state"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// ContentionMessage is the user-visible text of a contention failure.
const ContentionMessage = "High contention: failed to update task after multiple attempts."

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("task not found")
	ErrContention   = errors.New("update contention")
	ErrTransport    = errors.New("store transport error")
	ErrCorruptState = errors.New("corrupt plan document")
	ErrIntegrity    = errors.New("plan integrity error")
)

// Error is the typed failure returned by Manager operations.
type Error struct {
	Kind   Kind
	TaskID string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotFound:
		return fmt.Sprintf("Task %s not found.", e.TaskID)
	case KindContention:
		return ContentionMessage
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindContention:
		return ErrContention
	case KindTransport:
		return ErrTransport
	case KindCorruptState:
		return ErrCorruptState
	case KindIntegrity:
		return ErrIntegrity
	}
	return nil
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, taskID string, err error) *Error {
	return &Error{Kind: kind, TaskID: taskID, Err: err}
}
