package claims

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrPaidAmountRequired   = errors.New("paid_amount is required when marking a claim paid")
	ErrPaidAmountNotAllowed = errors.New("paid_amount is only accepted when marking a claim paid")
	ErrInvalidResubmission  = errors.New("resubmission code must be 7 (replacement) or 8 (void)")
	ErrNoOpenForm           = errors.New("no claim form is open")
	ErrValidation           = errors.New("validation failed")
	ErrCollaborator         = errors.New("collaborator call failed")
)

// ValidationError blocks a single action with a reason the operator can act on.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Unwrap() error { return ErrValidation }

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// PrecheckError aborts a batch before any claim is created.
type PrecheckError struct {
	Disqualified int
}

func (e *PrecheckError) Error() string {
	if e.Disqualified == 1 {
		return "1 selected session is missing a patient id; batch not started"
	}
	return fmt.Sprintf("%d selected sessions are missing a patient id; batch not started", e.Disqualified)
}

func (e *PrecheckError) Unwrap() error { return ErrValidation }

// collaboratorErr tags a failed network/backend call so callers can tell it apart
// from validation failures.
func collaboratorErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrCollaborator, err)
}
