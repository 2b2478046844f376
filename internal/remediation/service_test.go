package remediation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/events"
	"github.com/fyrsmithlabs/mendd/internal/scoring"
	"github.com/fyrsmithlabs/mendd/internal/signature"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu       sync.Mutex
	procs    []*Procedure
	attempts []*Attempt
}

func (m *memStore) ListProcedures(ctx context.Context) ([]*Procedure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Procedure, len(m.procs))
	copy(out, m.procs)
	return out, nil
}

func (m *memStore) GetProcedureByCategory(ctx context.Context, category string) (*Procedure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.procs {
		if p.Category == category {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrProcedureNotFound
}

func (m *memStore) InsertProcedure(ctx context.Context, proc *Procedure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *proc
	m.procs = append(m.procs, &cp)
	return nil
}

func (m *memStore) UpdateProcedureScore(ctx context.Context, id string, success bool) (*Procedure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.procs {
		if p.ID == id {
			p.UsageCount++
			if success {
				p.SuccessCount++
			}
			p.Score = scoring.Score(p.SuccessCount, p.UsageCount, success)
			p.LastUsedAt = time.Now()
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrProcedureNotFound
}

func (m *memStore) InsertAttempt(ctx context.Context, attempt *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *attempt
	m.attempts = append(m.attempts, &cp)
	return nil
}

// recordingReporter captures signature outcome reports.
type recordingReporter struct {
	mu    sync.Mutex
	calls []struct {
		SignatureID string
		Success     bool
	}
}

func (r *recordingReporter) RecordOutcome(ctx context.Context, signatureID string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		SignatureID string
		Success     bool
	}{signatureID, success})
	return nil
}

// recordingPublisher captures success events.
type recordingPublisher struct {
	events.NopPublisher
	mu        sync.Mutex
	succeeded []*events.RemediationSucceeded
}

func (p *recordingPublisher) PublishRemediationSucceeded(ctx context.Context, ev *events.RemediationSucceeded) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.succeeded = append(p.succeeded, ev)
	return nil
}

// fakeCollab records which actions ran, in order, and fails on request.
type fakeCollab struct {
	mu      sync.Mutex
	actions []string
	failOn  string
	block   time.Duration
}

func (f *fakeCollab) record(ctx context.Context, action string) error {
	if f.block > 0 {
		select {
		case <-time.After(f.block):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.actions = append(f.actions, action)
	f.mu.Unlock()
	if action == f.failOn {
		return errors.New("boom")
	}
	return nil
}

func (f *fakeCollab) IsAlive(ctx context.Context, targetID string) bool { return true }
func (f *fakeCollab) Restart(ctx context.Context, targetID string) error {
	return f.record(ctx, "restart")
}
func (f *fakeCollab) Stop(ctx context.Context, targetID string) error {
	return f.record(ctx, "stop")
}
func (f *fakeCollab) ReleasePort(ctx context.Context, targetID, port string) error {
	return f.record(ctx, "release-port")
}
func (f *fakeCollab) InstallDependency(ctx context.Context, name string) error {
	return f.record(ctx, "install")
}
func (f *fakeCollab) RepairPermissions(ctx context.Context, path string) error {
	return f.record(ctx, "repair-perms")
}
func (f *fakeCollab) CreateFile(ctx context.Context, path, contents string) error {
	return f.record(ctx, "create-file")
}

type fixture struct {
	svc       Service
	store     *memStore
	reporter  *recordingReporter
	publisher *recordingPublisher
	collab    *fakeCollab
}

func newFixture(t *testing.T, cfg *Config) *fixture {
	t.Helper()
	f := &fixture{
		store:     &memStore{},
		reporter:  &recordingReporter{},
		publisher: &recordingPublisher{},
		collab:    &fakeCollab{},
	}
	var n int
	svc, err := NewService(cfg, f.store, f.reporter, f.publisher, Collaborators{
		Supervisor: f.collab,
		Installer:  f.collab,
		Perms:      f.collab,
		Files:      f.collab,
		Ports:      f.collab,
	}, func() string {
		n++
		return fmt.Sprintf("rem-%d", n)
	}, zap.NewNop())
	require.NoError(t, err)
	f.svc = svc
	return f
}

func portDiag() *signature.Diagnosis {
	return &signature.Diagnosis{
		SignatureID:  "sig-port",
		Category:     signature.CategoryPortInUse,
		Score:        0.5,
		ProcedureRef: "release-port-and-restart",
	}
}

func TestRemediate_SuccessRunsStepsInOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	proc, err := f.svc.UpsertProcedure(ctx, signature.CategoryPortInUse, []Step{
		{Kind: StepReleasePort, Arg: "8080"},
		{Kind: StepWait, Wait: time.Millisecond},
		{Kind: StepRestartTarget},
	})
	require.NoError(t, err)

	outcome, err := f.svc.Remediate(ctx, "web-1", "bind: address already in use", portDiag(), AttemptContext{Number: 1})
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	assert.Empty(t, outcome.FailedStep)
	assert.NotEmpty(t, outcome.AttemptID)
	assert.Equal(t, []string{"release-port", "restart"}, f.collab.actions)

	// Attempt persisted with the procedure reference.
	require.Len(t, f.store.attempts, 1)
	assert.Equal(t, proc.ID, f.store.attempts[0].ProcedureID)
	assert.True(t, f.store.attempts[0].Success)

	// Procedure scored: first use, success, score 1.0.
	stored, err := f.store.GetProcedureByCategory(ctx, signature.CategoryPortInUse)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.UsageCount)
	assert.InDelta(t, 1.0, stored.Score, 1e-9)

	// Signature outcome forwarded.
	require.Len(t, f.reporter.calls, 1)
	assert.Equal(t, "sig-port", f.reporter.calls[0].SignatureID)
	assert.True(t, f.reporter.calls[0].Success)

	// Success event published.
	require.Len(t, f.publisher.succeeded, 1)
	assert.Equal(t, "web-1", f.publisher.succeeded[0].TargetID)
}

func TestRemediate_StepFailureAbortsSequence(t *testing.T) {
	f := newFixture(t, nil)
	f.collab.failOn = "release-port"
	ctx := context.Background()

	_, err := f.svc.UpsertProcedure(ctx, signature.CategoryPortInUse, []Step{
		{Kind: StepReleasePort, Arg: "8080"},
		{Kind: StepRestartTarget},
	})
	require.NoError(t, err)

	outcome, err := f.svc.Remediate(ctx, "web-1", "bind: address already in use", portDiag(), AttemptContext{Number: 1})
	require.NoError(t, err)

	assert.False(t, outcome.Success)
	assert.Equal(t, "release-bound-port", outcome.FailedStep)
	assert.Equal(t, []string{"release-port"}, f.collab.actions, "later steps must not run")

	// Failure still audited and scored.
	require.Len(t, f.store.attempts, 1)
	assert.False(t, f.store.attempts[0].Success)
	stored, err := f.store.GetProcedureByCategory(ctx, signature.CategoryPortInUse)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, stored.Score, 1e-9)
	require.Len(t, f.reporter.calls, 1)
	assert.False(t, f.reporter.calls[0].Success)
	assert.Empty(t, f.publisher.succeeded)
}

func TestRemediate_MissingProcedure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	diag := &signature.Diagnosis{SignatureID: "sig-x", Category: "UNKNOWN_CATEGORY"}
	outcome, err := f.svc.Remediate(ctx, "web-1", "weird failure", diag, AttemptContext{Number: 1})
	require.NoError(t, err)

	assert.False(t, outcome.Success)
	assert.Equal(t, NoProcedureStep, outcome.FailedStep)

	// Audited but not scored: nothing was actually tested.
	require.Len(t, f.store.attempts, 1)
	assert.Equal(t, NoProcedureStep, f.store.attempts[0].FailedStep)
	assert.Empty(t, f.reporter.calls)
	assert.Empty(t, f.collab.actions)
}

func TestRemediate_CancelledAttemptIsDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	f.collab.block = time.Second
	ctx, cancel := context.WithCancel(context.Background())

	_, err := f.svc.UpsertProcedure(ctx, signature.CategoryPortInUse, []Step{
		{Kind: StepReleasePort, Arg: "8080"},
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = f.svc.Remediate(ctx, "web-1", "bind: address already in use", portDiag(), AttemptContext{Number: 1})
	require.ErrorIs(t, err, ErrAttemptCancelled)

	assert.Empty(t, f.store.attempts, "cancelled attempts leave no audit record")
	assert.Empty(t, f.reporter.calls, "cancelled attempts are never scored")
}

func TestRemediate_StepTimeoutCountsAsFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.collab.block = time.Second
	ctx := context.Background()

	_, err := f.svc.UpsertProcedure(ctx, signature.CategoryTimeout, []Step{
		{Kind: StepRestartTarget},
	})
	require.NoError(t, err)

	diag := &signature.Diagnosis{SignatureID: "sig-t", Category: signature.CategoryTimeout}
	outcome, err := f.svc.Remediate(ctx, "web-1", "timed out", diag, AttemptContext{
		Number:      1,
		StepTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.False(t, outcome.Success)
	assert.Equal(t, "restart-target", outcome.FailedStep)
	require.Len(t, f.reporter.calls, 1)
	assert.False(t, f.reporter.calls[0].Success)
}

func TestRemediate_NilDiagnosis(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Remediate(context.Background(), "web-1", "x", nil, AttemptContext{Number: 1})
	require.Error(t, err)
}

func TestRemediate_TruncatesStoredMessage(t *testing.T) {
	f := newFixture(t, &Config{StepTimeout: time.Second, MessageTruncateLen: 10, DefaultScore: 0.5})
	ctx := context.Background()

	_, err := f.svc.UpsertProcedure(ctx, signature.CategoryCrash, []Step{{Kind: StepRestartTarget}})
	require.NoError(t, err)

	diag := &signature.Diagnosis{SignatureID: "sig-c", Category: signature.CategoryCrash}
	_, err = f.svc.Remediate(ctx, "web-1", "panic: runtime error: index out of range", diag, AttemptContext{Number: 1})
	require.NoError(t, err)

	require.Len(t, f.store.attempts, 1)
	assert.Equal(t, "panic: run", f.store.attempts[0].Message)
}

func TestUpsertProcedure_DuplicateCategoryIsNoOp(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.UpsertProcedure(ctx, signature.CategoryCrash, []Step{{Kind: StepRestartTarget}})
	require.NoError(t, err)

	second, err := f.svc.UpsertProcedure(ctx, signature.CategoryCrash, []Step{{Kind: StepWait}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Steps, 1)
	assert.Equal(t, StepRestartTarget, second.Steps[0].Kind)
}

func TestUpsertProcedure_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.UpsertProcedure(ctx, "", []Step{{Kind: StepWait}})
	require.ErrorIs(t, err, ErrEmptyCategory)

	_, err = f.svc.UpsertProcedure(ctx, "X", nil)
	require.ErrorIs(t, err, ErrNoSteps)
}

func TestDefaultProcedures_CoverAllDefaultCategories(t *testing.T) {
	byCategory := make(map[string]DefaultProcedure)
	for _, dp := range DefaultProcedures() {
		byCategory[dp.Category] = dp
	}
	for _, seed := range signature.DefaultSeeds() {
		dp, ok := byCategory[seed.Category]
		require.True(t, ok, "category %s has no default procedure", seed.Category)
		assert.NotEmpty(t, dp.Steps)
	}
}

func TestStepKind_JSONRoundTrip(t *testing.T) {
	for kind, name := range map[StepKind]string{
		StepWait:              "wait",
		StepReleasePort:       "release-bound-port",
		StepRestartTarget:     "restart-target",
		StepInstallDependency: "install-dependency",
		StepRepairPermissions: "repair-permissions",
		StepMaterializeFile:   "materialize-file",
	} {
		assert.Equal(t, name, kind.String())
		parsed, err := ParseStepKind(name)
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	_, err := ParseStepKind("reboot-universe")
	require.Error(t, err)
}
