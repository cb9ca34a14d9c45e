package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAlreadyAtTarget is returned by AdjustBalance when the requested
// target equals the current balance. Nothing is posted in that case.
var ErrAlreadyAtTarget = errors.New("balance already at target")

// ValidationError rejects an operation before any write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// ReferentialError reports a linked record that no longer exists or is
// soft-deleted. Operations fail before partially applying.
type ReferentialError struct {
	Kind string // "invoice", "item", "party", "payment"
	ID   int
	Err  error
}

func (e *ReferentialError) Error() string {
	return fmt.Sprintf("referential: %s %d: %v", e.Kind, e.ID, e.Err)
}

func (e *ReferentialError) Unwrap() error { return e.Err }

// PartialApplyError reports a multi-step write sequence that failed after
// some steps already committed. There is no automatic rollback; the caller
// must surface the failure and allow manual reconciliation.
type PartialApplyError struct {
	Op        string
	Completed []string
	Failed    string
	Err       error
}

func (e *PartialApplyError) Error() string {
	return fmt.Sprintf("%s partially applied: completed [%s], failed at %s: %v",
		e.Op, strings.Join(e.Completed, ", "), e.Failed, e.Err)
}

func (e *PartialApplyError) Unwrap() error { return e.Err }
