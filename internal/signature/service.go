package signature

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/mendd/internal/signature"

// Store is the durable signature repository. Implemented by storage/sqlite.
type Store interface {
	// ListSignatures returns all signatures in insertion order.
	ListSignatures(ctx context.Context) ([]*Signature, error)

	// InsertSignature persists a new signature. Returns the stored row.
	InsertSignature(ctx context.Context, sig *Signature) error

	// GetSignatureByPattern returns the signature with the given pattern,
	// or ErrSignatureNotFound.
	GetSignatureByPattern(ctx context.Context, pattern string) (*Signature, error)

	// TouchSignatureUsage atomically increments the signature's usage count
	// and stamps last-used. Returns the updated signature.
	TouchSignatureUsage(ctx context.Context, id string, at time.Time) (*Signature, error)

	// UpdateSignatureScore atomically applies the outcome to the signature's
	// success count and recomputes its score. Returns the updated signature.
	UpdateSignatureScore(ctx context.Context, id string, success bool) (*Signature, error)

	// ObserveCandidate increments the observation count for the keyword
	// cluster, creating the candidate on first observation. Confidence is
	// recomputed as observations/(observations+smoothingK). Returns the
	// updated candidate.
	ObserveCandidate(ctx context.Context, keyword string, smoothingK int, at time.Time) (*Candidate, error)

	// ListCandidates returns all candidate signatures.
	ListCandidates(ctx context.Context) ([]*Candidate, error)

	// GetCandidate returns a candidate by id, or ErrCandidateNotFound.
	GetCandidate(ctx context.Context, id string) (*Candidate, error)

	// DeleteCandidate removes a candidate after promotion.
	DeleteCandidate(ctx context.Context, id string) error
}

// IDGenerator mints signature and candidate ids.
type IDGenerator func() string

// Config configures the signature service.
type Config struct {
	// SmoothingK is the K in the candidate confidence formula
	// observations/(observations+K). Default 3.
	SmoothingK int

	// DefaultScore is the effectiveness score assigned at creation,
	// meaning "unknown, assume coin-flip". Default 0.5.
	DefaultScore float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SmoothingK:   3,
		DefaultScore: 0.5,
	}
}

// Service owns the signature repository and answers diagnosis queries.
type Service interface {
	// Diagnose classifies a raw failure message. Returns ErrNoMatch when no
	// signature matches; unmatched messages feed candidate learning as a
	// side channel and never trigger remediation.
	//
	// A match counts one usage even when the caller retries remediation
	// against the same diagnosis: retried attempts report several outcomes
	// against that single usage touch, and a retried signature's score
	// moves more slowly than one-usage-per-attempt accounting would move
	// it. Revisit together with first-match-wins ordering (cache.firstMatch)
	// if curation needs change.
	Diagnose(ctx context.Context, targetID, rawMessage string) (*Diagnosis, error)

	// RecordOutcome applies a remediation outcome to the matched signature's
	// score. Called by the remediation engine after every attempt.
	RecordOutcome(ctx context.Context, signatureID string, success bool) error

	// Upsert adds a signature, or is a no-op when the pattern already exists.
	Upsert(ctx context.Context, seed Seed) (*Signature, error)

	// PromoteCandidate converts a learned candidate into a full signature.
	// Promotion is strictly an operator action; the pipeline never
	// auto-promotes.
	PromoteCandidate(ctx context.Context, candidateID, category, procedureRef, pattern string) (*Signature, error)

	// ListSignatures returns all signatures in matching order.
	ListSignatures(ctx context.Context) ([]*Signature, error)

	// ListCandidates returns all learned candidates.
	ListCandidates(ctx context.Context) ([]*Candidate, error)
}

type service struct {
	config *Config
	store  Store
	cache  *cache
	newID  IDGenerator
	logger *zap.Logger

	tracer           trace.Tracer
	meter            metric.Meter
	diagnoseCounter  metric.Int64Counter
	missCounter      metric.Int64Counter
	candidateCounter metric.Int64Counter
}

// NewService builds the service and warms the in-memory cache from the store.
func NewService(ctx context.Context, cfg *Config, store Store, newID IDGenerator, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if newID == nil {
		return nil, errors.New("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config: cfg,
		store:  store,
		cache:  newCache(),
		newID:  newID,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()

	sigs, err := store.ListSignatures(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signatures: %w", err)
	}
	s.cache.replaceAll(sigs)

	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.diagnoseCounter, err = s.meter.Int64Counter(
		"mendd.signature.diagnoses_total",
		metric.WithDescription("Total diagnosis requests, labeled by matched category"),
		metric.WithUnit("{diagnosis}"),
	)
	if err != nil {
		s.logger.Warn("failed to create diagnose counter", zap.Error(err))
	}

	s.missCounter, err = s.meter.Int64Counter(
		"mendd.signature.misses_total",
		metric.WithDescription("Total diagnosis requests that matched no signature"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		s.logger.Warn("failed to create miss counter", zap.Error(err))
	}

	s.candidateCounter, err = s.meter.Int64Counter(
		"mendd.signature.candidate_observations_total",
		metric.WithDescription("Total candidate signature observations from unmatched messages"),
		metric.WithUnit("{observation}"),
	)
	if err != nil {
		s.logger.Warn("failed to create candidate counter", zap.Error(err))
	}
}

// Diagnose scans signatures in insertion order; first match wins.
func (s *service) Diagnose(ctx context.Context, targetID, rawMessage string) (*Diagnosis, error) {
	ctx, span := s.tracer.Start(ctx, "signature.diagnose")
	defer span.End()

	span.SetAttributes(attribute.String("target_id", targetID))

	message := strings.TrimSpace(rawMessage)
	if len(message) > maxMessageLength {
		message = message[:maxMessageLength]
	}
	if message == "" {
		s.recordMiss(ctx, span)
		s.logger.Debug("empty failure message", zap.String("target_id", targetID))
		return nil, ErrNoMatch
	}

	matched, ok := s.cache.firstMatch(message)
	if !ok {
		s.recordMiss(ctx, span)
		s.learnCandidate(ctx, targetID, message)
		return nil, ErrNoMatch
	}

	updated, err := s.store.TouchSignatureUsage(ctx, matched.ID, time.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to record signature usage: %w", err)
	}
	s.cache.put(updated)

	if s.diagnoseCounter != nil {
		s.diagnoseCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("category", updated.Category),
		))
	}
	span.SetAttributes(
		attribute.String("category", updated.Category),
		attribute.String("signature_id", updated.ID),
	)

	return &Diagnosis{
		SignatureID:  updated.ID,
		Category:     updated.Category,
		Score:        updated.Score,
		ProcedureRef: updated.ProcedureRef,
	}, nil
}

func (s *service) recordMiss(ctx context.Context, span trace.Span) {
	if s.missCounter != nil {
		s.missCounter.Add(ctx, 1)
	}
	span.SetAttributes(attribute.Bool("matched", false))
}

// learnCandidate feeds the unmatched message into the slow-learning side
// channel. Failures here are logged and swallowed: candidate learning must
// never break the diagnosis path.
func (s *service) learnCandidate(ctx context.Context, targetID, message string) {
	cluster := extractCluster(message)
	if cluster == "" {
		s.logger.Debug("unmatched message with no recognizable keywords",
			zap.String("target_id", targetID),
		)
		return
	}

	cand, err := s.store.ObserveCandidate(ctx, cluster, s.config.SmoothingK, time.Now())
	if err != nil {
		s.logger.Warn("failed to record candidate observation",
			zap.String("keyword", cluster),
			zap.Error(err),
		)
		return
	}

	if s.candidateCounter != nil {
		s.candidateCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("keyword", cluster),
		))
	}
	s.logger.Debug("observed candidate signature",
		zap.String("keyword", cand.Keyword),
		zap.Int64("observations", cand.Observations),
		zap.Float64("confidence", cand.Confidence),
	)
}

// RecordOutcome applies the asymmetric score update to the matched signature.
func (s *service) RecordOutcome(ctx context.Context, signatureID string, success bool) error {
	ctx, span := s.tracer.Start(ctx, "signature.record_outcome")
	defer span.End()

	span.SetAttributes(
		attribute.String("signature_id", signatureID),
		attribute.Bool("success", success),
	)

	updated, err := s.store.UpdateSignatureScore(ctx, signatureID, success)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update signature score: %w", err)
	}
	s.cache.put(updated)

	s.logger.Debug("updated signature score",
		zap.String("signature_id", signatureID),
		zap.Bool("success", success),
		zap.Float64("score", updated.Score),
	)
	return nil
}

// Upsert inserts a signature, treating a duplicate pattern as a no-op.
func (s *service) Upsert(ctx context.Context, seed Seed) (*Signature, error) {
	ctx, span := s.tracer.Start(ctx, "signature.upsert")
	defer span.End()

	if seed.Pattern == "" {
		return nil, ErrEmptyPattern
	}
	if seed.Category == "" {
		return nil, ErrEmptyCategory
	}

	existing, err := s.store.GetSignatureByPattern(ctx, seed.Pattern)
	if err == nil {
		s.cache.put(existing)
		return existing, nil
	}
	if !errors.Is(err, ErrSignatureNotFound) {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to look up pattern: %w", err)
	}

	sig := &Signature{
		ID:           s.newID(),
		Pattern:      seed.Pattern,
		Category:     seed.Category,
		ProcedureRef: seed.ProcedureRef,
		Score:        s.config.DefaultScore,
		CreatedAt:    time.Now(),
	}
	if err := s.store.InsertSignature(ctx, sig); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to insert signature: %w", err)
	}
	s.cache.put(sig)

	s.logger.Info("added signature",
		zap.String("id", sig.ID),
		zap.String("category", sig.Category),
		zap.String("pattern", sig.Pattern),
	)
	return sig, nil
}

// PromoteCandidate converts a candidate into a full signature and removes the
// candidate. When pattern is empty, the candidate's keyword cluster terms
// joined by ".*" become the pattern.
func (s *service) PromoteCandidate(ctx context.Context, candidateID, category, procedureRef, pattern string) (*Signature, error) {
	ctx, span := s.tracer.Start(ctx, "signature.promote_candidate")
	defer span.End()

	span.SetAttributes(attribute.String("candidate_id", candidateID))

	if category == "" {
		return nil, ErrEmptyCategory
	}

	cand, err := s.store.GetCandidate(ctx, candidateID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if pattern == "" {
		pattern = strings.Join(strings.Split(cand.Keyword, "+"), ".*")
	}

	sig, err := s.Upsert(ctx, Seed{
		Pattern:      pattern,
		Category:     category,
		ProcedureRef: procedureRef,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.DeleteCandidate(ctx, candidateID); err != nil {
		s.logger.Warn("failed to delete promoted candidate",
			zap.String("candidate_id", candidateID),
			zap.Error(err),
		)
	}

	s.logger.Info("promoted candidate",
		zap.String("candidate_id", candidateID),
		zap.String("signature_id", sig.ID),
		zap.String("category", category),
		zap.Int64("observations", cand.Observations),
	)
	return sig, nil
}

// ListSignatures returns the cached signatures in matching order.
func (s *service) ListSignatures(ctx context.Context) ([]*Signature, error) {
	return s.cache.list(), nil
}

// ListCandidates returns all learned candidates from the store.
func (s *service) ListCandidates(ctx context.Context) ([]*Candidate, error) {
	return s.store.ListCandidates(ctx)
}
