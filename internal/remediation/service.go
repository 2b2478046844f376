package remediation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/events"
	"github.com/fyrsmithlabs/mendd/internal/signature"
)

const instrumentationName = "github.com/fyrsmithlabs/mendd/internal/remediation"

// Store is the durable procedure and attempt store. Implemented by
// storage/sqlite.
type Store interface {
	// ListProcedures returns all procedures.
	ListProcedures(ctx context.Context) ([]*Procedure, error)

	// GetProcedureByCategory returns the procedure for a category, or
	// ErrProcedureNotFound.
	GetProcedureByCategory(ctx context.Context, category string) (*Procedure, error)

	// InsertProcedure persists a new procedure.
	InsertProcedure(ctx context.Context, proc *Procedure) error

	// UpdateProcedureScore atomically increments the procedure's usage
	// count, applies the outcome to its success count, recomputes its
	// score, and stamps last-used. Returns the updated procedure.
	UpdateProcedureScore(ctx context.Context, id string, success bool) (*Procedure, error)

	// InsertAttempt appends an immutable attempt record.
	InsertAttempt(ctx context.Context, attempt *Attempt) error
}

// ScoreReporter feeds attempt outcomes back to the signature repository.
// Both the matched signature and the category's procedure are scored
// independently: a correct diagnosis can be paired with an ineffective
// procedure and vice versa.
type ScoreReporter interface {
	RecordOutcome(ctx context.Context, signatureID string, success bool) error
}

// IDGenerator mints procedure and attempt ids.
type IDGenerator func() string

// Config configures the remediation engine.
type Config struct {
	// StepTimeout bounds each step when the attempt context does not
	// supply one. Default 30s.
	StepTimeout time.Duration

	// MessageTruncateLen caps the raw message stored on attempt records.
	// Default 512.
	MessageTruncateLen int

	// DefaultScore is the effectiveness score assigned to new procedures.
	// Default 0.5.
	DefaultScore float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		StepTimeout:        30 * time.Second,
		MessageTruncateLen: 512,
		DefaultScore:       0.5,
	}
}

// Service executes remediation procedures and scores their outcomes.
type Service interface {
	// Remediate executes the procedure for the diagnosis category once.
	// Retry scheduling between attempts belongs to the escalation manager;
	// the engine holds no session state across calls.
	Remediate(ctx context.Context, targetID, rawMessage string, diag *signature.Diagnosis, actx AttemptContext) (*Outcome, error)

	// UpsertProcedure adds a procedure for a category, or is a no-op when
	// the category already has one.
	UpsertProcedure(ctx context.Context, category string, steps []Step) (*Procedure, error)

	// ListProcedures returns all procedures.
	ListProcedures(ctx context.Context) ([]*Procedure, error)
}

type stepHandler func(ctx context.Context, targetID string, step Step) error

type service struct {
	config    *Config
	store     Store
	reporter  ScoreReporter
	publisher events.Publisher
	handlers  map[StepKind]stepHandler
	newID     IDGenerator
	logger    *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	attemptCounter  metric.Int64Counter
	stepFailCounter metric.Int64Counter
	attemptDur      metric.Float64Histogram
}

// NewService builds the engine with a handler per step kind. Construction
// fails if any step kind lacks a handler, giving compile-adjacent
// exhaustiveness instead of a runtime string-match fallthrough.
func NewService(cfg *Config, store Store, reporter ScoreReporter, publisher events.Publisher, collab Collaborators, newID IDGenerator, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if reporter == nil {
		return nil, errors.New("score reporter is required")
	}
	if publisher == nil {
		publisher = events.NewNopPublisher()
	}
	if newID == nil {
		return nil, errors.New("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config:    cfg,
		store:     store,
		reporter:  reporter,
		publisher: publisher,
		newID:     newID,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	s.handlers = buildHandlerTable(collab)

	for kind := range stepKindNames {
		if _, ok := s.handlers[kind]; !ok {
			return nil, fmt.Errorf("no handler for step kind %s", kind)
		}
	}

	s.initMetrics()
	return s, nil
}

func buildHandlerTable(collab Collaborators) map[StepKind]stepHandler {
	return map[StepKind]stepHandler{
		StepWait: func(ctx context.Context, _ string, step Step) error {
			wait := step.Wait
			if wait <= 0 {
				wait = time.Second
			}
			select {
			case <-time.After(wait):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		StepReleasePort: func(ctx context.Context, targetID string, step Step) error {
			if collab.Ports == nil {
				return errors.New("no port releaser configured")
			}
			return collab.Ports.ReleasePort(ctx, targetID, step.Arg)
		},
		StepRestartTarget: func(ctx context.Context, targetID string, _ Step) error {
			if collab.Supervisor == nil {
				return errors.New("no supervisor configured")
			}
			return collab.Supervisor.Restart(ctx, targetID)
		},
		StepInstallDependency: func(ctx context.Context, _ string, step Step) error {
			if collab.Installer == nil {
				return errors.New("no dependency installer configured")
			}
			return collab.Installer.InstallDependency(ctx, step.Arg)
		},
		StepRepairPermissions: func(ctx context.Context, _ string, step Step) error {
			if collab.Perms == nil {
				return errors.New("no permission repairer configured")
			}
			return collab.Perms.RepairPermissions(ctx, step.Arg)
		},
		StepMaterializeFile: func(ctx context.Context, _ string, step Step) error {
			if collab.Files == nil {
				return errors.New("no file materializer configured")
			}
			return collab.Files.CreateFile(ctx, step.Arg, step.Contents)
		},
	}
}

func (s *service) initMetrics() {
	var err error

	s.attemptCounter, err = s.meter.Int64Counter(
		"mendd.remediation.attempts_total",
		metric.WithDescription("Total remediation attempts, labeled by category and outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		s.logger.Warn("failed to create attempt counter", zap.Error(err))
	}

	s.stepFailCounter, err = s.meter.Int64Counter(
		"mendd.remediation.step_failures_total",
		metric.WithDescription("Total failed remediation steps, labeled by step kind"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		s.logger.Warn("failed to create step failure counter", zap.Error(err))
	}

	s.attemptDur, err = s.meter.Float64Histogram(
		"mendd.remediation.attempt_duration_seconds",
		metric.WithDescription("Remediation attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		s.logger.Warn("failed to create attempt duration histogram", zap.Error(err))
	}
}

// Remediate executes one attempt. Every attempt, successful or not, is
// durably recorded before the call returns. Cancelled attempts are the one
// exception: they are discarded without scoring.
func (s *service) Remediate(ctx context.Context, targetID, rawMessage string, diag *signature.Diagnosis, actx AttemptContext) (*Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "remediation.remediate")
	defer span.End()

	if diag == nil {
		return nil, errors.New("diagnosis is required")
	}

	span.SetAttributes(
		attribute.String("target_id", targetID),
		attribute.String("category", diag.Category),
		attribute.Int("attempt", actx.Number),
	)

	proc, err := s.store.GetProcedureByCategory(ctx, diag.Category)
	if errors.Is(err, ErrProcedureNotFound) {
		return s.finishMissingProcedure(ctx, span, targetID, rawMessage, diag, actx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to look up procedure: %w", err)
	}

	start := time.Now()
	failedStep := s.executeSteps(ctx, targetID, proc, actx.StepTimeout)
	duration := time.Since(start)

	if ctx.Err() != nil {
		// Cancelled episodes happen only when the target is being
		// decommissioned. The attempt is discarded, not scored.
		s.logger.Info("remediation attempt cancelled",
			zap.String("target_id", targetID),
			zap.String("category", diag.Category),
		)
		return nil, ErrAttemptCancelled
	}

	success := failedStep == ""
	outcome := &Outcome{
		Success:    success,
		FailedStep: failedStep,
		Duration:   duration,
	}

	attempt := &Attempt{
		ID:          s.newID(),
		TargetID:    targetID,
		Message:     s.truncate(rawMessage),
		Category:    diag.Category,
		ProcedureID: proc.ID,
		Success:     success,
		FailedStep:  failedStep,
		Duration:    duration,
		Number:      actx.Number,
		CreatedAt:   time.Now(),
	}
	if err := s.store.InsertAttempt(ctx, attempt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}
	outcome.AttemptID = attempt.ID

	if _, err := s.store.UpdateProcedureScore(ctx, proc.ID, success); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to update procedure score: %w", err)
	}
	if err := s.reporter.RecordOutcome(ctx, diag.SignatureID, success); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to update signature score: %w", err)
	}

	s.recordAttemptMetrics(ctx, diag.Category, success, duration)

	if success {
		ev := &events.RemediationSucceeded{
			TargetID:    targetID,
			Category:    diag.Category,
			ProcedureID: proc.ID,
			AttemptID:   attempt.ID,
			Attempt:     actx.Number,
			Duration:    duration,
			Timestamp:   time.Now(),
		}
		if err := s.publisher.PublishRemediationSucceeded(ctx, ev); err != nil {
			s.logger.Warn("failed to publish remediation event", zap.Error(err))
		}
		s.logger.Info("remediation succeeded",
			zap.String("target_id", targetID),
			zap.String("category", diag.Category),
			zap.Int("attempt", actx.Number),
			zap.Duration("duration", duration),
		)
	} else {
		s.logger.Warn("remediation failed",
			zap.String("target_id", targetID),
			zap.String("category", diag.Category),
			zap.String("failed_step", failedStep),
			zap.Int("attempt", actx.Number),
		)
	}

	return outcome, nil
}

// executeSteps runs steps strictly in order, aborting on the first failure.
// No partial rollback is performed: steps are individually idempotent, not
// transactional. Returns the failing step name, or "" on success.
func (s *service) executeSteps(ctx context.Context, targetID string, proc *Procedure, timeout time.Duration) string {
	if timeout <= 0 {
		timeout = s.config.StepTimeout
	}

	for _, step := range proc.Steps {
		handler, ok := s.handlers[step.Kind]
		if !ok {
			return step.Kind.String()
		}

		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		err := handler(stepCtx, targetID, step)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				// Parent cancellation; reported by the caller.
				return step.Kind.String()
			}
			if s.stepFailCounter != nil {
				s.stepFailCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("step", step.Kind.String()),
				))
			}
			s.logger.Debug("remediation step failed",
				zap.String("target_id", targetID),
				zap.String("step", step.Kind.String()),
				zap.Error(err),
			)
			return step.Kind.String()
		}
	}
	return ""
}

// finishMissingProcedure records the attempt for audit but scores nothing:
// no procedure was executed, so neither the procedure nor the diagnosis was
// actually tested.
func (s *service) finishMissingProcedure(ctx context.Context, span trace.Span, targetID, rawMessage string, diag *signature.Diagnosis, actx AttemptContext) (*Outcome, error) {
	attempt := &Attempt{
		ID:         s.newID(),
		TargetID:   targetID,
		Message:    s.truncate(rawMessage),
		Category:   diag.Category,
		Success:    false,
		FailedStep: NoProcedureStep,
		Number:     actx.Number,
		CreatedAt:  time.Now(),
	}
	if err := s.store.InsertAttempt(ctx, attempt); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}

	s.recordAttemptMetrics(ctx, diag.Category, false, 0)
	s.logger.Warn("no procedure for category",
		zap.String("target_id", targetID),
		zap.String("category", diag.Category),
	)

	return &Outcome{
		Success:    false,
		FailedStep: NoProcedureStep,
		AttemptID:  attempt.ID,
	}, nil
}

func (s *service) recordAttemptMetrics(ctx context.Context, category string, success bool, duration time.Duration) {
	if s.attemptCounter != nil {
		s.attemptCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("category", category),
			attribute.Bool("success", success),
		))
	}
	if s.attemptDur != nil && duration > 0 {
		s.attemptDur.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("category", category),
		))
	}
}

func (s *service) truncate(message string) string {
	limit := s.config.MessageTruncateLen
	if limit <= 0 || len(message) <= limit {
		return message
	}
	return message[:limit]
}

// UpsertProcedure inserts a procedure, treating a duplicate category as a
// no-op.
func (s *service) UpsertProcedure(ctx context.Context, category string, steps []Step) (*Procedure, error) {
	ctx, span := s.tracer.Start(ctx, "remediation.upsert_procedure")
	defer span.End()

	if category == "" {
		return nil, ErrEmptyCategory
	}
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}

	existing, err := s.store.GetProcedureByCategory(ctx, category)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrProcedureNotFound) {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to look up procedure: %w", err)
	}

	proc := &Procedure{
		ID:        s.newID(),
		Category:  category,
		Steps:     steps,
		Score:     s.config.DefaultScore,
		CreatedAt: time.Now(),
	}
	if err := s.store.InsertProcedure(ctx, proc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to insert procedure: %w", err)
	}

	s.logger.Info("added procedure",
		zap.String("id", proc.ID),
		zap.String("category", category),
		zap.Int("steps", len(steps)),
	)
	return proc, nil
}

// ListProcedures returns all procedures from the store.
func (s *service) ListProcedures(ctx context.Context) ([]*Procedure, error) {
	return s.store.ListProcedures(ctx)
}
