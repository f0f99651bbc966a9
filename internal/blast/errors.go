package blast

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyTargetSet is returned when a blast has no valid recipient.
	ErrEmptyTargetSet = errors.New("blast has no valid targets")
	// ErrInvalidSchedule covers batch size, interval and start/end time violations.
	ErrInvalidSchedule = errors.New("invalid blast schedule")
	// ErrIllegalTransition is returned when a control call does not fit the current status.
	ErrIllegalTransition = errors.New("illegal blast status transition")
	// ErrChannelUnavailable is transient; the batch is retried on the next tick.
	ErrChannelUnavailable = errors.New("channel unavailable")
	// ErrFatalChannel is permanent; the blast fails.
	ErrFatalChannel = errors.New("fatal channel error")
	// ErrTargetRejected is the sentinel behind every TargetRejectedError.
	ErrTargetRejected = errors.New("target rejected")
)

// TargetRejectedError is a per-target refusal by the gateway, for example an
// invalid number. It is recorded on the target and never fails the blast.
type TargetRejectedError struct {
	Reason string
}

func (e *TargetRejectedError) Error() string {
	return fmt.Sprintf("target rejected: %s", e.Reason)
}

func (e *TargetRejectedError) Unwrap() error {
	return ErrTargetRejected
}

// Rejected builds a TargetRejectedError with the given reason.
func Rejected(reason string) error {
	return &TargetRejectedError{Reason: reason}
}

// TransitionError wraps ErrIllegalTransition with the statuses involved.
type TransitionError struct {
	Action string
	From   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a blast in status %q", e.Action, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}
