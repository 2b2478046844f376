package escalation

import "errors"

var (
	// ErrEpisodeNotFound indicates the target has never reported a failure.
	ErrEpisodeNotFound = errors.New("episode not found")

	// ErrReportNotFound indicates no diagnostic report exists for the target.
	ErrReportNotFound = errors.New("diagnostic report not found")

	// ErrNotQuarantined indicates a reset was requested for a target that is
	// not quarantined.
	ErrNotQuarantined = errors.New("target is not quarantined")
)
