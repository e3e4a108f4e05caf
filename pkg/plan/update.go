package plan

import (
	"errors"
	"fmt"
)

const (
	MinProgress = 0
	MaxProgress = 100
)

// ErrEmptyUpdate is returned when an update carries neither progress nor status.
var ErrEmptyUpdate = errors.New("either progress or status must be provided")

// Update describes a change to one task. Nil fields are left untouched.
type Update struct {
	Progress *int
	Status   *Status
}

// Validate checks that the update changes something and that an explicit
// status is known. Progress is not range-checked here: ApplyUpdate clamps.
func (u Update) Validate() error {
	if u.Progress == nil && u.Status == nil {
		return ErrEmptyUpdate
	}
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, *u.Status)
	}
	return nil
}

// WithProgress returns an update that sets progress only.
func WithProgress(p int) Update {
	return Update{Progress: &p}
}

// WithStatus returns an update that sets status only.
func WithStatus(s Status) Update {
	return Update{Status: &s}
}

// ClampProgress bounds p to [MinProgress, MaxProgress].
func ClampProgress(p int) int {
	if p < MinProgress {
		return MinProgress
	}
	if p > MaxProgress {
		return MaxProgress
	}
	return p
}

// ApplyUpdate mutates t in place.
//
// Progress is clamped. An explicit status is set as given. Without one,
// the status is derived from the current status and the new progress,
// see DeriveStatus.
func ApplyUpdate(t *Task, u Update) {
	if u.Progress != nil {
		t.Progress = ClampProgress(*u.Progress)
	}
	if u.Status != nil {
		t.Status = *u.Status
		return
	}
	t.Status = DeriveStatus(t.Status, t.Progress)
}

// DeriveStatus computes the status implied by progress.
//
// BLOCKED is never changed by progress. Progress 100 completes the task
// and any other positive value marks it in progress. Progress 0 moves the
// task back to PENDING, except that a task already IN_PROGRESS stays
// IN_PROGRESS.
func DeriveStatus(current Status, progress int) Status {
	switch {
	case current == StatusBlocked:
		return current
	case progress >= MaxProgress:
		return StatusCompleted
	case progress > MinProgress:
		return StatusInProgress
	case current == StatusInProgress:
		return current
	default:
		return StatusPending
	}
}
