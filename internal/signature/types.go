package signature

import (
	"time"
)

// CategoryLearned is the category assigned to candidate signatures. Candidates
// keep it until an operator promotes them with a real category.
const CategoryLearned = "LEARNED"

// Signature is a stored failure pattern with its effectiveness history.
type Signature struct {
	// ID is the unique identifier for this signature.
	ID string `json:"id"`

	// Pattern is the textual matcher tested against raw error messages.
	// Interpreted as a case-insensitive regex when it compiles, as a
	// case-insensitive substring otherwise. Unique within the repository.
	Pattern string `json:"pattern"`

	// Category is the failure category label, e.g. PORT_IN_USE.
	Category string `json:"category"`

	// ProcedureRef is a free-text reference to the remediation procedure
	// for this category.
	ProcedureRef string `json:"procedure_ref"`

	// Score is the current effectiveness score in [0, 1]. Recomputed from
	// (SuccessCount, UsageCount) on every outcome report; never set
	// directly except at creation (default 0.5).
	Score float64 `json:"score"`

	// UsageCount is how many times this signature has matched a diagnosis.
	UsageCount int64 `json:"usage_count"`

	// SuccessCount is how many remediation attempts against this signature
	// succeeded.
	SuccessCount int64 `json:"success_count"`

	// LastUsedAt is when this signature last matched. Zero if never used.
	LastUsedAt time.Time `json:"last_used_at,omitempty"`

	// CreatedAt is when this signature was created.
	CreatedAt time.Time `json:"created_at"`
}

// Candidate is an unconfirmed pattern extracted from unmatched error
// messages. Candidates never short-circuit remediation; they exist so
// operators can curate new signatures from recurring unknown failures.
type Candidate struct {
	// ID is the unique identifier for this candidate.
	ID string `json:"id"`

	// Keyword is the keyword cluster extracted from unmatched messages.
	// Multiple co-occurring vocabulary terms are joined with "+".
	Keyword string `json:"keyword"`

	// Category is always CategoryLearned until promotion.
	Category string `json:"category"`

	// Confidence is observations/(observations+K) for the configured
	// smoothing constant K. Only increases.
	Confidence float64 `json:"confidence"`

	// Observations is how many unmatched messages contained this cluster.
	// Only increases.
	Observations int64 `json:"observations"`

	// FirstSeenAt is when this cluster was first observed.
	FirstSeenAt time.Time `json:"first_seen_at"`

	// LastSeenAt is when this cluster was last observed.
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Diagnosis is the result of matching a raw error message against the
// signature repository.
type Diagnosis struct {
	// SignatureID is the matched signature.
	SignatureID string `json:"signature_id"`

	// Category is the matched signature's failure category.
	Category string `json:"category"`

	// Score is the signature's effectiveness score at match time.
	Score float64 `json:"score"`

	// ProcedureRef is the matched signature's procedure reference.
	ProcedureRef string `json:"procedure_ref"`
}

// Seed describes an operator-supplied signature for initial population.
type Seed struct {
	Pattern      string `json:"pattern" koanf:"pattern"`
	Category     string `json:"category" koanf:"category"`
	ProcedureRef string `json:"procedure_ref" koanf:"procedure_ref"`
}
