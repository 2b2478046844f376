package signature

import "errors"

var (
	// ErrNoMatch indicates no signature matched the raw message. Recoverable:
	// the miss feeds candidate learning and no remediation is attempted.
	ErrNoMatch = errors.New("no signature matched")

	// ErrSignatureNotFound indicates the referenced signature does not exist.
	ErrSignatureNotFound = errors.New("signature not found")

	// ErrCandidateNotFound indicates the referenced candidate does not exist.
	ErrCandidateNotFound = errors.New("candidate not found")

	// ErrEmptyPattern indicates a signature was supplied without a pattern.
	ErrEmptyPattern = errors.New("pattern is required")

	// ErrEmptyCategory indicates a signature was supplied without a category.
	ErrEmptyCategory = errors.New("category is required")
)
