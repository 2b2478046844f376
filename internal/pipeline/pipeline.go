// Package pipeline wires diagnosis, remediation, and escalation into the
// end-to-end failure handling loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/escalation"
	"github.com/fyrsmithlabs/mendd/internal/remediation"
	"github.com/fyrsmithlabs/mendd/internal/signature"
)

const instrumentationName = "github.com/fyrsmithlabs/mendd/internal/pipeline"

// Remediator is the slice of the remediation service the pipeline drives.
type Remediator interface {
	Remediate(ctx context.Context, targetID, rawMessage string, diag *signature.Diagnosis, actx remediation.AttemptContext) (*remediation.Outcome, error)
}

// Escalator is the slice of the escalation manager the pipeline drives.
type Escalator interface {
	ReportFailure(ctx context.Context, targetID, rawMessage string) (*escalation.NextAction, error)
	ReportOutcome(ctx context.Context, targetID string, outcome *remediation.Outcome) (*escalation.NextAction, error)
	GetEpisode(ctx context.Context, targetID string) (*escalation.Episode, error)
}

// Config configures the pipeline.
type Config struct {
	// StepTimeout bounds each remediation step.
	StepTimeout time.Duration

	// MaxAttemptsPerFailure caps the retry loop for a single reported
	// failure, independent of the quarantine threshold, so one ingest call
	// cannot spin forever if the threshold is raised.
	MaxAttemptsPerFailure int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		StepTimeout:           30 * time.Second,
		MaxAttemptsPerFailure: 10,
	}
}

// Disposition is the terminal outcome of handling one reported failure.
type Disposition string

const (
	// DispositionRecovered means a remediation attempt succeeded.
	DispositionRecovered Disposition = "recovered"
	// DispositionUnmatched means no signature matched the message.
	DispositionUnmatched Disposition = "unmatched"
	// DispositionNoProcedure means the category has no remediation procedure.
	DispositionNoProcedure Disposition = "no_procedure"
	// DispositionQuarantined means the target crossed the failure threshold.
	DispositionQuarantined Disposition = "quarantined"
	// DispositionSuppressed means the target is already quarantined.
	DispositionSuppressed Disposition = "suppressed"
	// DispositionCancelled means the caller cancelled mid-attempt.
	DispositionCancelled Disposition = "cancelled"
	// DispositionExhausted means the per-failure attempt cap was hit.
	DispositionExhausted Disposition = "exhausted"
)

// Result summarizes how one reported failure was handled.
type Result struct {
	Disposition Disposition `json:"disposition"`

	// Category is the matched diagnosis category, when one matched.
	Category string `json:"category,omitempty"`

	// Attempts is the number of remediation attempts dispatched.
	Attempts int `json:"attempts"`

	// ReportID references the diagnostic report on quarantine.
	ReportID string `json:"report_id,omitempty"`
}

// Service handles reported failures end to end.
type Service interface {
	// HandleFailure drives one reported failure through diagnosis,
	// remediation, retries, and escalation until a terminal disposition.
	// Calls for the same target are serialized; distinct targets proceed
	// concurrently.
	HandleFailure(ctx context.Context, targetID, rawMessage string) (*Result, error)
}

type service struct {
	config     *Config
	remediator Remediator
	escalator  Escalator
	logger     *zap.Logger

	// locks serializes failure handling per target: no two remediation
	// attempts for the same target ever run concurrently.
	locks sync.Map // targetID -> *sync.Mutex

	tracer          trace.Tracer
	meter           metric.Meter
	failureCounter  metric.Int64Counter
	handleHistogram metric.Float64Histogram
}

// NewService builds the pipeline service.
func NewService(cfg *Config, remediator Remediator, escalator Escalator, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.StepTimeout <= 0 {
		return nil, fmt.Errorf("step timeout must be positive, got %s", cfg.StepTimeout)
	}
	if cfg.MaxAttemptsPerFailure < 1 {
		return nil, fmt.Errorf("max attempts per failure must be >= 1, got %d", cfg.MaxAttemptsPerFailure)
	}
	if remediator == nil {
		return nil, errors.New("remediator is required")
	}
	if escalator == nil {
		return nil, errors.New("escalator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config:     cfg,
		remediator: remediator,
		escalator:  escalator,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.failureCounter, err = s.meter.Int64Counter(
		"mendd.pipeline.failures_total",
		metric.WithDescription("Total reported failures, labeled by disposition"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		s.logger.Warn("failed to create failure counter", zap.Error(err))
	}

	s.handleHistogram, err = s.meter.Float64Histogram(
		"mendd.pipeline.handle_duration_seconds",
		metric.WithDescription("Wall time from failure report to terminal disposition"),
		metric.WithUnit("s"),
	)
	if err != nil {
		s.logger.Warn("failed to create handle histogram", zap.Error(err))
	}
}

// HandleFailure drives one reported failure to a terminal disposition.
func (s *service) HandleFailure(ctx context.Context, targetID, rawMessage string) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.handle_failure")
	defer span.End()

	span.SetAttributes(attribute.String("target_id", targetID))
	start := time.Now()

	result, err := s.handle(ctx, targetID, rawMessage)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("disposition", string(result.Disposition)),
		attribute.Int("attempts", result.Attempts),
	)
	if s.failureCounter != nil {
		s.failureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("disposition", string(result.Disposition)),
		))
	}
	if s.handleHistogram != nil {
		s.handleHistogram.Record(ctx, time.Since(start).Seconds())
	}
	return result, nil
}

func (s *service) lock(targetID string) func() {
	mu, _ := s.locks.LoadOrStore(targetID, &sync.Mutex{})
	mutex := mu.(*sync.Mutex)
	mutex.Lock()
	return mutex.Unlock
}

func (s *service) handle(ctx context.Context, targetID, rawMessage string) (*Result, error) {
	unlock := s.lock(targetID)
	defer unlock()

	action, err := s.escalator.ReportFailure(ctx, targetID, rawMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to report failure: %w", err)
	}

	if action.Kind != escalation.ActionRemediate {
		// Either the message matched no signature or the target is already
		// quarantined. In both cases nothing is dispatched.
		return &Result{Disposition: s.idleDisposition(ctx, targetID)}, nil
	}

	diag := action.Diagnosis
	attempt := action.Attempt
	dispatched := 0

	for {
		if dispatched >= s.config.MaxAttemptsPerFailure {
			s.logger.Warn("attempt cap reached for reported failure",
				zap.String("target_id", targetID),
				zap.Int("attempts", dispatched),
			)
			return &Result{
				Disposition: DispositionExhausted,
				Category:    diag.Category,
				Attempts:    dispatched,
			}, nil
		}

		outcome, err := s.remediator.Remediate(ctx, targetID, rawMessage, diag, remediation.AttemptContext{
			Number:      attempt,
			StepTimeout: s.config.StepTimeout,
		})
		if errors.Is(err, remediation.ErrAttemptCancelled) {
			return &Result{
				Disposition: DispositionCancelled,
				Category:    diag.Category,
				Attempts:    dispatched,
			}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("remediation failed: %w", err)
		}
		dispatched++

		next, err := s.escalator.ReportOutcome(ctx, targetID, outcome)
		if err != nil {
			return nil, fmt.Errorf("failed to report outcome: %w", err)
		}

		switch next.Kind {
		case escalation.ActionRetry:
			if err := sleep(ctx, next.Backoff); err != nil {
				return &Result{
					Disposition: DispositionCancelled,
					Category:    diag.Category,
					Attempts:    dispatched,
				}, nil
			}
			attempt = next.Attempt

		case escalation.ActionQuarantine:
			return &Result{
				Disposition: DispositionQuarantined,
				Category:    diag.Category,
				Attempts:    dispatched,
				ReportID:    next.ReportID,
			}, nil

		default:
			disposition := DispositionRecovered
			if outcome.FailedStep == remediation.NoProcedureStep {
				disposition = DispositionNoProcedure
			}
			return &Result{
				Disposition: disposition,
				Category:    diag.Category,
				Attempts:    dispatched,
			}, nil
		}
	}
}

// idleDisposition distinguishes a quarantine suppression from a diagnosis
// miss when ReportFailure dispatched nothing.
func (s *service) idleDisposition(ctx context.Context, targetID string) Disposition {
	ep, err := s.escalator.GetEpisode(ctx, targetID)
	if err == nil && ep.State == escalation.StateQuarantined {
		return DispositionSuppressed
	}
	return DispositionUnmatched
}

// sleep waits for the backoff or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
