package remediation

import "errors"

var (
	// ErrProcedureNotFound indicates no procedure exists for a category.
	ErrProcedureNotFound = errors.New("procedure not found")

	// ErrAttemptCancelled indicates the attempt was cancelled externally.
	// Cancelled attempts are discarded: no record is persisted and no
	// scores are mutated.
	ErrAttemptCancelled = errors.New("attempt cancelled")

	// ErrEmptyCategory indicates a procedure was supplied without a category.
	ErrEmptyCategory = errors.New("category is required")

	// ErrNoSteps indicates a procedure was supplied without steps.
	ErrNoSteps = errors.New("procedure has no steps")
)
