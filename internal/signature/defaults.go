package signature

// Failure categories shared with the remediation engine's default procedures.
const (
	CategoryPortInUse         = "PORT_IN_USE"
	CategoryPermissionDenied  = "PERMISSION_DENIED"
	CategoryDependencyMissing = "DEPENDENCY_MISSING"
	CategoryFileMissing       = "FILE_MISSING"
	CategoryConnectionRefused = "CONNECTION_REFUSED"
	CategoryTimeout           = "TIMEOUT"
	CategoryOutOfMemory       = "OUT_OF_MEMORY"
	CategoryCrash             = "CRASH"
)

// DefaultSeeds is the operator seed set loaded on first start. Order matters:
// signatures are matched in insertion order and the first match wins, so more
// specific patterns come first.
func DefaultSeeds() []Seed {
	return []Seed{
		{
			Pattern:      `address already in use|bind: address|port .* in use`,
			Category:     CategoryPortInUse,
			ProcedureRef: "release-port-and-restart",
		},
		{
			Pattern:      `permission denied|operation not permitted|access denied`,
			Category:     CategoryPermissionDenied,
			ProcedureRef: "repair-permissions-and-restart",
		},
		{
			Pattern:      `cannot find module|module not found|no module named|package .* is not installed`,
			Category:     CategoryDependencyMissing,
			ProcedureRef: "install-dependency-and-restart",
		},
		{
			Pattern:      `no such file or directory|file not found|ENOENT`,
			Category:     CategoryFileMissing,
			ProcedureRef: "materialize-file-and-restart",
		},
		{
			Pattern:      `connection refused|ECONNREFUSED`,
			Category:     CategoryConnectionRefused,
			ProcedureRef: "wait-and-restart",
		},
		{
			Pattern:      `out of memory|OOM|cannot allocate memory`,
			Category:     CategoryOutOfMemory,
			ProcedureRef: "restart-target",
		},
		{
			Pattern:      `deadline exceeded|timed out|timeout`,
			Category:     CategoryTimeout,
			ProcedureRef: "wait-and-restart",
		},
		{
			Pattern:      `panic:|segmentation fault|fatal error`,
			Category:     CategoryCrash,
			ProcedureRef: "restart-target",
		},
	}
}
