package collaborators

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/config"
)

type call struct {
	name string
	args []string
}

func newRecording(cfg config.StepsConfig, fail bool) (*Exec, *[]call) {
	e := NewExec(cfg, zap.NewNop())
	calls := &[]call{}
	e.run = func(ctx context.Context, name string, args ...string) error {
		*calls = append(*calls, call{name: name, args: args})
		if fail {
			return errors.New("exit status 1")
		}
		return nil
	}
	return e, calls
}

func TestExec_TokenExpansion(t *testing.T) {
	e, calls := newRecording(config.StepsConfig{
		RestartCommand:     "systemctl restart {target}",
		ReleasePortCommand: "fuser -k {arg}/tcp",
		InstallCommand:     "apt-get install -y {arg}",
		RepairPermsCommand: "chown -R app: {arg}",
	}, false)
	ctx := context.Background()

	require.NoError(t, e.Restart(ctx, "web-1"))
	require.NoError(t, e.ReleasePort(ctx, "web-1", "8080"))
	require.NoError(t, e.InstallDependency(ctx, "libfoo"))
	require.NoError(t, e.RepairPermissions(ctx, "/srv/app"))

	require.Len(t, *calls, 4)
	assert.Equal(t, call{"systemctl", []string{"restart", "web-1"}}, (*calls)[0])
	assert.Equal(t, call{"fuser", []string{"-k", "8080/tcp"}}, (*calls)[1])
	assert.Equal(t, call{"apt-get", []string{"install", "-y", "libfoo"}}, (*calls)[2])
	assert.Equal(t, call{"chown", []string{"-R", "app:", "/srv/app"}}, (*calls)[3])
}

func TestExec_UnconfiguredActionUnavailable(t *testing.T) {
	e, calls := newRecording(config.StepsConfig{}, false)

	err := e.Restart(context.Background(), "web-1")
	require.ErrorIs(t, err, ErrActionUnavailable)
	assert.Empty(t, *calls)
}

func TestExec_CommandFailurePropagates(t *testing.T) {
	e, _ := newRecording(config.StepsConfig{StopCommand: "systemctl stop {target}"}, true)

	err := e.Stop(context.Background(), "web-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop failed")
}

func TestExec_IsAlive(t *testing.T) {
	// Unconfigured probe reports alive.
	e, _ := newRecording(config.StepsConfig{}, false)
	assert.True(t, e.IsAlive(context.Background(), "web-1"))

	ok, _ := newRecording(config.StepsConfig{AliveCommand: "systemctl is-active {target}"}, false)
	assert.True(t, ok.IsAlive(context.Background(), "web-1"))

	dead, _ := newRecording(config.StepsConfig{AliveCommand: "systemctl is-active {target}"}, true)
	assert.False(t, dead.IsAlive(context.Background(), "web-1"))
}

func TestExec_CreateFile(t *testing.T) {
	e := NewExec(config.StepsConfig{}, zap.NewNop())
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "app.conf")

	require.NoError(t, e.CreateFile(context.Background(), path, "key=value\n"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "key=value\n", string(data))

	// Existing files are left alone.
	require.NoError(t, e.CreateFile(context.Background(), path, "clobbered"))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "key=value\n", string(data))

	require.Error(t, e.CreateFile(context.Background(), "", "x"))
}
