// Package collaborators provides shell-command backed implementations of the
// external actions remediation steps dispatch to. Each action is a command
// template from configuration with {target} and {arg} tokens expanded, so
// deployments plug in systemctl, docker, a package manager, or anything else
// without code changes.
package collaborators

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/config"
)

// ErrActionUnavailable is returned when no command template is configured
// for the requested action.
var ErrActionUnavailable = errors.New("no command configured for action")

// Runner executes an expanded command line. Overridable in tests.
type Runner func(ctx context.Context, name string, args ...string) error

func defaultRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Exec implements the remediation collaborator interfaces on top of
// configured command templates.
type Exec struct {
	cfg    config.StepsConfig
	run    Runner
	logger *zap.Logger
}

// NewExec builds the command-backed collaborator set.
func NewExec(cfg config.StepsConfig, logger *zap.Logger) *Exec {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exec{cfg: cfg, run: defaultRunner, logger: logger}
}

// expand splits a command template into argv with tokens substituted.
func expand(template, targetID, arg string) []string {
	fields := strings.Fields(template)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, "{target}", targetID)
		f = strings.ReplaceAll(f, "{arg}", arg)
		out = append(out, f)
	}
	return out
}

func (e *Exec) runTemplate(ctx context.Context, action, template, targetID, arg string) error {
	if strings.TrimSpace(template) == "" {
		return fmt.Errorf("%w: %s", ErrActionUnavailable, action)
	}
	argv := expand(template, targetID, arg)
	e.logger.Debug("running collaborator command",
		zap.String("action", action),
		zap.String("target_id", targetID),
		zap.Strings("argv", argv),
	)
	if err := e.run(ctx, argv[0], argv[1:]...); err != nil {
		return fmt.Errorf("%s failed: %w", action, err)
	}
	return nil
}

// IsAlive reports whether the target's process is running, by exit status of
// the configured liveness command. An unconfigured command reports alive so
// a restart step is never skipped for lack of a probe.
func (e *Exec) IsAlive(ctx context.Context, targetID string) bool {
	if strings.TrimSpace(e.cfg.AliveCommand) == "" {
		return true
	}
	argv := expand(e.cfg.AliveCommand, targetID, "")
	return e.run(ctx, argv[0], argv[1:]...) == nil
}

// Restart restarts the target via the supervisor command.
func (e *Exec) Restart(ctx context.Context, targetID string) error {
	return e.runTemplate(ctx, "restart", e.cfg.RestartCommand, targetID, "")
}

// Stop stops the target via the supervisor command.
func (e *Exec) Stop(ctx context.Context, targetID string) error {
	return e.runTemplate(ctx, "stop", e.cfg.StopCommand, targetID, "")
}

// ReleasePort frees a port bound by a stale holder.
func (e *Exec) ReleasePort(ctx context.Context, targetID, port string) error {
	return e.runTemplate(ctx, "release-port", e.cfg.ReleasePortCommand, targetID, port)
}

// InstallDependency installs a missing dependency by name.
func (e *Exec) InstallDependency(ctx context.Context, name string) error {
	return e.runTemplate(ctx, "install-dependency", e.cfg.InstallCommand, "", name)
}

// RepairPermissions repairs filesystem permissions on a path.
func (e *Exec) RepairPermissions(ctx context.Context, path string) error {
	return e.runTemplate(ctx, "repair-permissions", e.cfg.RepairPermsCommand, "", path)
}

// CreateFile materializes a missing file with the given contents, creating
// parent directories as needed. File creation is done in-process; no
// command template applies.
func (e *Exec) CreateFile(ctx context.Context, path, contents string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if path == "" {
		return errors.New("file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		// Existing files are never clobbered.
		return nil
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return fmt.Errorf("materializing file: %w", err)
	}
	return nil
}
