package signature

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/scoring"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu         sync.Mutex
	sigs       []*Signature
	candidates map[string]*Candidate
	nextID     int
}

func newMemStore() *memStore {
	return &memStore{candidates: make(map[string]*Candidate)}
}

func (m *memStore) id() string {
	m.nextID++
	return fmt.Sprintf("mem-%d", m.nextID)
}

func (m *memStore) ListSignatures(ctx context.Context) ([]*Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Signature, len(m.sigs))
	for i, s := range m.sigs {
		cp := *s
		out[i] = &cp
	}
	return out, nil
}

func (m *memStore) InsertSignature(ctx context.Context, sig *Signature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sig
	m.sigs = append(m.sigs, &cp)
	return nil
}

func (m *memStore) GetSignatureByPattern(ctx context.Context, pattern string) (*Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sigs {
		if s.Pattern == pattern {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSignatureNotFound
}

func (m *memStore) getByID(id string) *Signature {
	for _, s := range m.sigs {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (m *memStore) TouchSignatureUsage(ctx context.Context, id string, at time.Time) (*Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getByID(id)
	if s == nil {
		return nil, ErrSignatureNotFound
	}
	s.UsageCount++
	s.LastUsedAt = at
	cp := *s
	return &cp, nil
}

func (m *memStore) UpdateSignatureScore(ctx context.Context, id string, success bool) (*Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getByID(id)
	if s == nil {
		return nil, ErrSignatureNotFound
	}
	if success {
		s.SuccessCount++
	}
	s.Score = scoring.Score(s.SuccessCount, s.UsageCount, success)
	cp := *s
	return &cp, nil
}

func (m *memStore) ObserveCandidate(ctx context.Context, keyword string, smoothingK int, at time.Time) (*Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.candidates {
		if c.Keyword == keyword {
			c.Observations++
			c.Confidence = scoring.CandidateConfidence(c.Observations, smoothingK)
			c.LastSeenAt = at
			cp := *c
			return &cp, nil
		}
	}
	c := &Candidate{
		ID:           m.id(),
		Keyword:      keyword,
		Category:     CategoryLearned,
		Observations: 1,
		Confidence:   scoring.CandidateConfidence(1, smoothingK),
		FirstSeenAt:  at,
		LastSeenAt:   at,
	}
	m.candidates[c.ID] = c
	cp := *c
	return &cp, nil
}

func (m *memStore) ListCandidates(ctx context.Context) ([]*Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Candidate, 0, len(m.candidates))
	for _, c := range m.candidates {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) GetCandidate(ctx context.Context, id string) (*Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.candidates[id]
	if !ok {
		return nil, ErrCandidateNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) DeleteCandidate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.candidates[id]; !ok {
		return ErrCandidateNotFound
	}
	delete(m.candidates, id)
	return nil
}

func newTestService(t *testing.T, store Store) Service {
	t.Helper()
	var n int
	svc, err := NewService(context.Background(), nil, store, func() string {
		n++
		return fmt.Sprintf("sig-%d", n)
	}, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestDiagnose_FirstMatchWins(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, Seed{Pattern: "address already in use", Category: CategoryPortInUse, ProcedureRef: "port-in-use"})
	require.NoError(t, err)
	_, err = svc.Upsert(ctx, Seed{Pattern: "in use", Category: "BROAD", ProcedureRef: "broad"})
	require.NoError(t, err)

	diag, err := svc.Diagnose(ctx, "web-1", "listen tcp :8080: bind: address already in use")
	require.NoError(t, err)
	assert.Equal(t, CategoryPortInUse, diag.Category, "earlier signature must win over a later broader one")
	assert.Equal(t, "port-in-use", diag.ProcedureRef)
}

func TestDiagnose_CaseInsensitive(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, Seed{Pattern: "permission denied", Category: CategoryPermissionDenied})
	require.NoError(t, err)

	diag, err := svc.Diagnose(ctx, "web-1", "open /etc/app.conf: PERMISSION DENIED")
	require.NoError(t, err)
	assert.Equal(t, CategoryPermissionDenied, diag.Category)
}

func TestDiagnose_IncrementsUsage(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	sig, err := svc.Upsert(ctx, Seed{Pattern: "timed out", Category: CategoryTimeout})
	require.NoError(t, err)

	_, err = svc.Diagnose(ctx, "web-1", "request timed out after 30s")
	require.NoError(t, err)
	_, err = svc.Diagnose(ctx, "web-1", "request timed out after 30s")
	require.NoError(t, err)

	stored := store.getByID(sig.ID)
	assert.Equal(t, int64(2), stored.UsageCount)
	assert.False(t, stored.LastUsedAt.IsZero())
}

func TestDiagnose_NoMatchLearnsCandidate(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	_, err := svc.Diagnose(ctx, "web-1", "dial tcp 10.0.0.5:5432: connection refused")
	require.ErrorIs(t, err, ErrNoMatch)

	cands, err := svc.ListCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "connection refused", cands[0].Keyword)
	assert.Equal(t, CategoryLearned, cands[0].Category)
	assert.Equal(t, int64(1), cands[0].Observations)
	assert.InDelta(t, 0.25, cands[0].Confidence, 1e-9)

	// A second observation only raises confidence, never auto-promotes.
	_, err = svc.Diagnose(ctx, "web-2", "connect: connection refused")
	require.ErrorIs(t, err, ErrNoMatch)

	cands, err = svc.ListCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, int64(2), cands[0].Observations)
	assert.InDelta(t, 0.4, cands[0].Confidence, 1e-9)

	sigs, err := svc.ListSignatures(ctx)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestDiagnose_NoMatchNoKeywords(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)

	_, err := svc.Diagnose(context.Background(), "web-1", "something completely unrecognizable happened")
	require.ErrorIs(t, err, ErrNoMatch)

	cands, err := svc.ListCandidates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestDiagnose_EmptyMessage(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)

	_, err := svc.Diagnose(context.Background(), "web-1", "   ")
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestRecordOutcome_ScoreSequence(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	sig, err := svc.Upsert(ctx, Seed{Pattern: "out of memory", Category: CategoryOutOfMemory})
	require.NoError(t, err)
	assert.Equal(t, 0.5, sig.Score)

	// First use succeeds: score rises to 1.0.
	_, err = svc.Diagnose(ctx, "web-1", "runtime: out of memory")
	require.NoError(t, err)
	require.NoError(t, svc.RecordOutcome(ctx, sig.ID, true))
	assert.InDelta(t, 1.0, store.getByID(sig.ID).Score, 1e-9)

	// Second use fails: score drops to 1/3.
	_, err = svc.Diagnose(ctx, "web-1", "runtime: out of memory")
	require.NoError(t, err)
	require.NoError(t, svc.RecordOutcome(ctx, sig.ID, false))
	assert.InDelta(t, 1.0/3.0, store.getByID(sig.ID).Score, 1e-9)
}

func TestUpsert_DuplicatePatternIsNoOp(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	first, err := svc.Upsert(ctx, Seed{Pattern: "broken pipe", Category: CategoryCrash})
	require.NoError(t, err)

	second, err := svc.Upsert(ctx, Seed{Pattern: "broken pipe", Category: "OTHER"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, CategoryCrash, second.Category, "existing signature is returned unchanged")

	sigs, err := svc.ListSignatures(ctx)
	require.NoError(t, err)
	assert.Len(t, sigs, 1)
}

func TestUpsert_Validation(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, Seed{Category: "X"})
	require.ErrorIs(t, err, ErrEmptyPattern)

	_, err = svc.Upsert(ctx, Seed{Pattern: "x"})
	require.ErrorIs(t, err, ErrEmptyCategory)
}

func TestPromoteCandidate(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	_, err := svc.Diagnose(ctx, "web-1", "tls handshake timed out; upstream unreachable")
	require.ErrorIs(t, err, ErrNoMatch)

	cands, err := svc.ListCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "timed out+unreachable", cands[0].Keyword)

	sig, err := svc.PromoteCandidate(ctx, cands[0].ID, "UPSTREAM_DOWN", "restart-upstream", "")
	require.NoError(t, err)
	assert.Equal(t, "timed out.*unreachable", sig.Pattern)
	assert.Equal(t, "UPSTREAM_DOWN", sig.Category)

	// Candidate is consumed; the new signature now matches.
	cands, err = svc.ListCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, cands)

	diag, err := svc.Diagnose(ctx, "web-1", "tls handshake timed out; upstream unreachable")
	require.NoError(t, err)
	assert.Equal(t, "UPSTREAM_DOWN", diag.Category)
}

func TestPromoteCandidate_NotFound(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)

	_, err := svc.PromoteCandidate(context.Background(), "missing", "X", "", "")
	require.ErrorIs(t, err, ErrCandidateNotFound)
}

func TestPromoteCandidate_EmptyCategory(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)

	_, err := svc.PromoteCandidate(context.Background(), "any", "", "", "")
	require.ErrorIs(t, err, ErrEmptyCategory)
}

func TestNewService_WarmsCacheFromStore(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.InsertSignature(context.Background(), &Signature{
		ID:       "pre",
		Pattern:  "no such file",
		Category: CategoryFileMissing,
		Score:    0.5,
	}))

	svc := newTestService(t, store)
	diag, err := svc.Diagnose(context.Background(), "web-1", "open config.yaml: no such file or directory")
	require.NoError(t, err)
	assert.Equal(t, CategoryFileMissing, diag.Category)
}

func TestDiagnose_TruncatesLongMessages(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, Seed{Pattern: "needle", Category: "NEEDLE"})
	require.NoError(t, err)

	// The pattern sits past the truncation boundary, so it must not match.
	message := strings.Repeat("x", maxMessageLength) + " needle"
	_, err = svc.Diagnose(ctx, "web-1", message)
	require.ErrorIs(t, err, ErrNoMatch)
}
