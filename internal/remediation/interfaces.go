package remediation

import "context"

// Supervisor is the external process supervisor consumed by remediation
// steps and by quarantine entry. The pipeline never launches processes
// itself; it only commands the supervisor.
type Supervisor interface {
	IsAlive(ctx context.Context, targetID string) bool
	Restart(ctx context.Context, targetID string) error
	Stop(ctx context.Context, targetID string) error
}

// DependencyInstaller installs a missing dependency by name.
type DependencyInstaller interface {
	InstallDependency(ctx context.Context, name string) error
}

// PermissionRepairer repairs filesystem permissions on a path.
type PermissionRepairer interface {
	RepairPermissions(ctx context.Context, path string) error
}

// FileMaterializer creates a missing file with the given contents.
type FileMaterializer interface {
	CreateFile(ctx context.Context, path, contents string) error
}

// PortReleaser frees a port bound by a stale holder on behalf of the target.
type PortReleaser interface {
	ReleasePort(ctx context.Context, targetID, port string) error
}

// Collaborators bundles the external backends remediation steps dispatch to.
// The engine has no knowledge of how any of them operate.
type Collaborators struct {
	Supervisor Supervisor
	Installer  DependencyInstaller
	Perms      PermissionRepairer
	Files      FileMaterializer
	Ports      PortReleaser
}
