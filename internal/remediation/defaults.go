package remediation

import (
	"time"

	"github.com/fyrsmithlabs/mendd/internal/signature"
)

// DefaultProcedure pairs a category with its seeded step sequence.
type DefaultProcedure struct {
	Category string
	Steps    []Step
}

// DefaultProcedures returns the seeded procedure set, one per default
// signature category. Steps that need per-failure arguments (dependency
// name, file path) take them from operator-tuned procedures; the defaults
// lean on restart-centric sequences that need none.
func DefaultProcedures() []DefaultProcedure {
	return []DefaultProcedure{
		{
			Category: signature.CategoryPortInUse,
			Steps: []Step{
				{Kind: StepReleasePort},
				{Kind: StepWait, Wait: 2 * time.Second},
				{Kind: StepRestartTarget},
			},
		},
		{
			Category: signature.CategoryPermissionDenied,
			Steps: []Step{
				{Kind: StepRepairPermissions},
				{Kind: StepRestartTarget},
			},
		},
		{
			Category: signature.CategoryDependencyMissing,
			Steps: []Step{
				{Kind: StepInstallDependency},
				{Kind: StepRestartTarget},
			},
		},
		{
			Category: signature.CategoryFileMissing,
			Steps: []Step{
				{Kind: StepMaterializeFile},
				{Kind: StepRestartTarget},
			},
		},
		{
			Category: signature.CategoryConnectionRefused,
			Steps: []Step{
				{Kind: StepWait, Wait: 5 * time.Second},
				{Kind: StepRestartTarget},
			},
		},
		{
			Category: signature.CategoryTimeout,
			Steps: []Step{
				{Kind: StepWait, Wait: 5 * time.Second},
				{Kind: StepRestartTarget},
			},
		},
		{
			Category: signature.CategoryOutOfMemory,
			Steps: []Step{
				{Kind: StepRestartTarget},
			},
		},
		{
			Category: signature.CategoryCrash,
			Steps: []Step{
				{Kind: StepWait, Wait: time.Second},
				{Kind: StepRestartTarget},
			},
		},
	}
}
