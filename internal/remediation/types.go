package remediation

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepKind is the closed set of remediation step kinds. Steps dispatch to
// external collaborators through a handler table built at service
// construction, so adding a kind without a handler fails fast.
type StepKind int

const (
	// StepWait pauses for the step's Wait duration.
	StepWait StepKind = iota
	// StepReleasePort asks the port collaborator to free the target's port.
	StepReleasePort
	// StepRestartTarget asks the process supervisor to restart the target.
	StepRestartTarget
	// StepInstallDependency installs the dependency named by Arg.
	StepInstallDependency
	// StepRepairPermissions repairs permissions on the path named by Arg.
	StepRepairPermissions
	// StepMaterializeFile creates the file named by Arg with Contents.
	StepMaterializeFile
)

var stepKindNames = map[StepKind]string{
	StepWait:              "wait",
	StepReleasePort:       "release-bound-port",
	StepRestartTarget:     "restart-target",
	StepInstallDependency: "install-dependency",
	StepRepairPermissions: "repair-permissions",
	StepMaterializeFile:   "materialize-file",
}

// String returns the wire name of the step kind.
func (k StepKind) String() string {
	if name, ok := stepKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// ParseStepKind resolves a wire name back to a StepKind.
func ParseStepKind(name string) (StepKind, error) {
	for k, n := range stepKindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown step kind %q", name)
}

// MarshalJSON encodes the kind as its wire name.
func (k StepKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a wire name into a kind.
func (k *StepKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStepKind(name)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Step is one named action within a procedure.
type Step struct {
	Kind StepKind `json:"kind"`

	// Arg carries the step parameter: dependency name, file path, or port.
	Arg string `json:"arg,omitempty"`

	// Contents is the file body for StepMaterializeFile.
	Contents string `json:"contents,omitempty"`

	// Wait is the pause duration for StepWait.
	Wait time.Duration `json:"wait,omitempty"`
}

// Procedure is an ordered list of remediation steps for one failure
// category, with the same effectiveness accounting as a signature.
type Procedure struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Steps        []Step    `json:"steps"`
	Score        float64   `json:"score"`
	UsageCount   int64     `json:"usage_count"`
	SuccessCount int64     `json:"success_count"`
	LastUsedAt   time.Time `json:"last_used_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AttemptContext carries per-attempt execution parameters.
type AttemptContext struct {
	// Number is the attempt number within the current failure episode,
	// starting at 1.
	Number int

	// StepTimeout bounds each step; a timed-out step counts as failed.
	StepTimeout time.Duration
}

// NoProcedureStep is the failed-step marker recorded when the diagnosis
// category has no remediation procedure.
const NoProcedureStep = "no-procedure"

// Outcome is the result of one remediation attempt.
type Outcome struct {
	// Success is true when every step completed.
	Success bool `json:"success"`

	// FailedStep names the step that aborted the attempt, or NoProcedureStep
	// when no procedure exists for the category. Empty on success.
	FailedStep string `json:"failed_step,omitempty"`

	// Duration is the wall time of the attempt.
	Duration time.Duration `json:"duration"`

	// AttemptID references the persisted attempt record. Empty when the
	// attempt was discarded (cancellation).
	AttemptID string `json:"attempt_id,omitempty"`
}

// Attempt is the immutable audit record of one remediation attempt.
type Attempt struct {
	ID          string        `json:"id"`
	TargetID    string        `json:"target_id"`
	Message     string        `json:"message"`
	Category    string        `json:"category"`
	ProcedureID string        `json:"procedure_id,omitempty"`
	Success     bool          `json:"success"`
	FailedStep  string        `json:"failed_step,omitempty"`
	Duration    time.Duration `json:"duration"`
	Number      int           `json:"number"`
	CreatedAt   time.Time     `json:"created_at"`
}
