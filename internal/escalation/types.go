package escalation

import (
	"time"

	"github.com/fyrsmithlabs/mendd/internal/remediation"
	"github.com/fyrsmithlabs/mendd/internal/signature"
)

// State is a target's position in the escalation lifecycle.
type State string

const (
	// StateHealthy means the target has no active failure episode.
	StateHealthy State = "healthy"
	// StateDegraded means a failure was reported and no attempt is in flight.
	StateDegraded State = "degraded"
	// StateHealing means a remediation attempt has been dispatched.
	StateHealing State = "healing"
	// StateQuarantined is terminal until an explicit external reset.
	StateQuarantined State = "quarantined"
)

// Episode is the rolling failure state for one target.
type Episode struct {
	TargetID string `json:"target_id"`

	State State `json:"state"`

	// ConsecutiveFailures resets to zero on any successful remediation.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// TotalFailures counts every reported failure plus every failed retry.
	// It never resets, for audit.
	TotalFailures int64 `json:"total_failures"`

	// FirstFailureAt is when this target first reported a failure. Fixed.
	FirstFailureAt time.Time `json:"first_failure_at"`

	// EpisodeStartedAt is when the current failure episode began. Advances
	// whenever the target returns to Healthy.
	EpisodeStartedAt time.Time `json:"episode_started_at"`

	LastFailureAt time.Time `json:"last_failure_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ActionKind enumerates what the caller should do next.
type ActionKind int

const (
	// ActionNone means no remediation should be dispatched.
	ActionNone ActionKind = iota
	// ActionRemediate means dispatch a remediation attempt now.
	ActionRemediate
	// ActionRetry means dispatch another attempt after the backoff.
	ActionRetry
	// ActionQuarantine means the target was quarantined.
	ActionQuarantine
)

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionRemediate:
		return "remediate"
	case ActionRetry:
		return "retry"
	case ActionQuarantine:
		return "quarantine"
	default:
		return "unknown"
	}
}

// NextAction is the escalation manager's instruction to the pipeline.
type NextAction struct {
	Kind ActionKind

	// Diagnosis is set for ActionRemediate.
	Diagnosis *signature.Diagnosis

	// Attempt is the attempt number to dispatch, for ActionRemediate and
	// ActionRetry.
	Attempt int

	// Backoff is the delay before the next attempt, for ActionRetry.
	Backoff time.Duration

	// ReportID references the diagnostic report, for ActionQuarantine.
	ReportID string
}

// Report is the immutable diagnostic artifact produced on quarantine entry.
type Report struct {
	ID          string    `json:"id"`
	TargetID    string    `json:"target_id"`
	GeneratedAt time.Time `json:"generated_at"`

	// Attempts are all remediation attempts in the quarantining episode.
	Attempts []*remediation.Attempt `json:"attempts"`

	// CategoryCounts is the frequency breakdown of matched categories.
	CategoryCounts map[string]int `json:"category_counts"`

	// FailureRatePerDay is cumulative failures divided by days since the
	// target's first failure.
	FailureRatePerDay float64 `json:"failure_rate_per_day"`

	// Recommendations are rule-derived operator hints.
	Recommendations []string `json:"recommendations"`

	ConsecutiveFailures int   `json:"consecutive_failures"`
	TotalFailures       int64 `json:"total_failures"`
}
