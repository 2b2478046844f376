package escalation

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

	"github.com/fyrsmithlabs/mendd/internal/events"
	"github.com/fyrsmithlabs/mendd/internal/remediation"
	"github.com/fyrsmithlabs/mendd/internal/signature"
)

const instrumentationName = "github.com/fyrsmithlabs/mendd/internal/escalation"

// Diagnoser classifies failure messages. Implemented by the signature
// service.
type Diagnoser interface {
	Diagnose(ctx context.Context, targetID, rawMessage string) (*signature.Diagnosis, error)
}

// Supervisor is the slice of the process supervisor the manager needs:
// quarantine entry stops the target instead of letting it flap.
type Supervisor interface {
	Stop(ctx context.Context, targetID string) error
}

// Store is the durable episode and report store. Implemented by
// storage/sqlite.
type Store interface {
	// GetEpisode returns the target's episode, or ErrEpisodeNotFound.
	GetEpisode(ctx context.Context, targetID string) (*Episode, error)

	// SaveEpisode inserts or updates an episode.
	SaveEpisode(ctx context.Context, ep *Episode) error

	// ListEpisodes returns all known episodes.
	ListEpisodes(ctx context.Context) ([]*Episode, error)

	// InsertReport persists an immutable diagnostic report.
	InsertReport(ctx context.Context, report *Report) error

	// GetLatestReport returns the most recent report for the target, or
	// ErrReportNotFound.
	GetLatestReport(ctx context.Context, targetID string) (*Report, error)

	// ListAttemptsSince returns the target's attempts at or after the given
	// time, oldest first.
	ListAttemptsSince(ctx context.Context, targetID string, since time.Time) ([]*remediation.Attempt, error)
}

// IDGenerator mints report ids.
type IDGenerator func() string

// Config configures the escalation manager.
type Config struct {
	// FailureThreshold is the consecutive-failure count that triggers
	// quarantine. Default 3.
	FailureThreshold int

	// RetryBackoff is the base delay before re-dispatching an attempt,
	// doubling per consecutive failure up to RetryBackoffMax.
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 3,
		RetryBackoff:     2 * time.Second,
		RetryBackoffMax:  30 * time.Second,
	}
}

// Manager owns per-target failure history and drives the escalation state
// machine.
type Manager interface {
	// ReportFailure records a raw failure and decides the next action.
	ReportFailure(ctx context.Context, targetID, rawMessage string) (*NextAction, error)

	// ReportOutcome records a remediation outcome and decides the next
	// transition.
	ReportOutcome(ctx context.Context, targetID string, outcome *remediation.Outcome) (*NextAction, error)

	// GetEpisode returns the target's episode.
	GetEpisode(ctx context.Context, targetID string) (*Episode, error)

	// ListEpisodes returns all known episodes.
	ListEpisodes(ctx context.Context) ([]*Episode, error)

	// GetDiagnosticReport returns the target's latest diagnostic report.
	GetDiagnosticReport(ctx context.Context, targetID string) (*Report, error)

	// ResetQuarantine returns a quarantined target to Healthy. Consecutive
	// counters clear; cumulative counts and attempt history are retained
	// for audit.
	ResetQuarantine(ctx context.Context, targetID string) error
}

type manager struct {
	config     *Config
	store      Store
	diagnoser  Diagnoser
	supervisor Supervisor
	publisher  events.Publisher
	newID      IDGenerator
	logger     *zap.Logger

	// locks serializes episode mutations per target.
	locks sync.Map // targetID -> *sync.Mutex

	tracer            trace.Tracer
	meter             metric.Meter
	transitionCounter metric.Int64Counter
	quarantineCounter metric.Int64Counter
}

// NewManager builds the escalation manager.
func NewManager(cfg *Config, store Store, diagnoser Diagnoser, supervisor Supervisor, publisher events.Publisher, newID IDGenerator, logger *zap.Logger) (Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.FailureThreshold < 1 {
		return nil, fmt.Errorf("failure threshold must be >= 1, got %d", cfg.FailureThreshold)
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if diagnoser == nil {
		return nil, errors.New("diagnoser is required")
	}
	if supervisor == nil {
		return nil, errors.New("supervisor is required")
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

	m := &manager{
		config:     cfg,
		store:      store,
		diagnoser:  diagnoser,
		supervisor: supervisor,
		publisher:  publisher,
		newID:      newID,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	m.initMetrics()
	return m, nil
}

func (m *manager) initMetrics() {
	var err error

	m.transitionCounter, err = m.meter.Int64Counter(
		"mendd.escalation.transitions_total",
		metric.WithDescription("Total episode state transitions, labeled by resulting state"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		m.logger.Warn("failed to create transition counter", zap.Error(err))
	}

	m.quarantineCounter, err = m.meter.Int64Counter(
		"mendd.escalation.quarantines_total",
		metric.WithDescription("Total quarantine entries"),
		metric.WithUnit("{quarantine}"),
	)
	if err != nil {
		m.logger.Warn("failed to create quarantine counter", zap.Error(err))
	}
}

func (m *manager) lock(targetID string) func() {
	mu, _ := m.locks.LoadOrStore(targetID, &sync.Mutex{})
	mutex := mu.(*sync.Mutex)
	mutex.Lock()
	return mutex.Unlock
}

// ReportFailure records a failure, diagnoses it, and decides whether to
// dispatch remediation.
func (m *manager) ReportFailure(ctx context.Context, targetID, rawMessage string) (*NextAction, error) {
	ctx, span := m.tracer.Start(ctx, "escalation.report_failure")
	defer span.End()

	span.SetAttributes(attribute.String("target_id", targetID))

	unlock := m.lock(targetID)
	defer unlock()

	now := time.Now()
	ep, err := m.store.GetEpisode(ctx, targetID)
	if errors.Is(err, ErrEpisodeNotFound) {
		ep = &Episode{
			TargetID:         targetID,
			State:            StateHealthy,
			FirstFailureAt:   now,
			EpisodeStartedAt: now,
		}
	} else if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load episode: %w", err)
	}

	if ep.State == StateQuarantined {
		// Terminal until external reset: never auto-remediate.
		m.logger.Debug("failure reported for quarantined target",
			zap.String("target_id", targetID),
		)
		return &NextAction{Kind: ActionNone}, nil
	}

	if ep.State == StateHealthy {
		ep.EpisodeStartedAt = now
	}
	ep.TotalFailures++
	ep.LastFailureAt = now

	diag, err := m.diagnoser.Diagnose(ctx, targetID, rawMessage)
	if errors.Is(err, signature.ErrNoMatch) {
		// Diagnosis miss: candidate learning already happened inside the
		// matcher. No remediation, no retry storm.
		m.setState(ctx, ep, StateDegraded)
		if err := m.store.SaveEpisode(ctx, ep); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to save episode: %w", err)
		}
		m.logger.Info("failure did not match any signature",
			zap.String("target_id", targetID),
		)
		return &NextAction{Kind: ActionNone}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("diagnosis failed: %w", err)
	}

	m.setState(ctx, ep, StateHealing)
	if err := m.store.SaveEpisode(ctx, ep); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to save episode: %w", err)
	}

	attempt := ep.ConsecutiveFailures + 1
	span.SetAttributes(
		attribute.String("category", diag.Category),
		attribute.Int("attempt", attempt),
	)
	return &NextAction{
		Kind:      ActionRemediate,
		Diagnosis: diag,
		Attempt:   attempt,
	}, nil
}

// ReportOutcome applies a remediation outcome to the episode state machine.
func (m *manager) ReportOutcome(ctx context.Context, targetID string, outcome *remediation.Outcome) (*NextAction, error) {
	ctx, span := m.tracer.Start(ctx, "escalation.report_outcome")
	defer span.End()

	span.SetAttributes(
		attribute.String("target_id", targetID),
		attribute.Bool("success", outcome.Success),
	)

	unlock := m.lock(targetID)
	defer unlock()

	ep, err := m.store.GetEpisode(ctx, targetID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load episode: %w", err)
	}

	if ep.State == StateQuarantined {
		return &NextAction{Kind: ActionNone}, nil
	}

	if outcome.Success {
		ep.ConsecutiveFailures = 0
		m.setState(ctx, ep, StateHealthy)
		if err := m.store.SaveEpisode(ctx, ep); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to save episode: %w", err)
		}
		m.logger.Info("target recovered",
			zap.String("target_id", targetID),
		)
		return &NextAction{Kind: ActionNone}, nil
	}

	if outcome.FailedStep == remediation.NoProcedureStep {
		// Surfaced to the operator; the target stays degraded without an
		// auto-retry loop and without counting toward quarantine.
		m.setState(ctx, ep, StateDegraded)
		if err := m.store.SaveEpisode(ctx, ep); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to save episode: %w", err)
		}
		return &NextAction{Kind: ActionNone}, nil
	}

	if ep.ConsecutiveFailures > 0 {
		// The first failed attempt belongs to the failure counted at
		// ReportFailure; every failed retry after it is a recurrence.
		ep.TotalFailures++
	}
	ep.ConsecutiveFailures++
	ep.LastFailureAt = time.Now()

	if ep.ConsecutiveFailures >= m.config.FailureThreshold {
		reportID, err := m.quarantine(ctx, ep)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		return &NextAction{Kind: ActionQuarantine, ReportID: reportID}, nil
	}

	// Threshold not reached: loop back through Healing for the next attempt.
	m.setState(ctx, ep, StateHealing)
	if err := m.store.SaveEpisode(ctx, ep); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to save episode: %w", err)
	}

	backoff := m.backoffFor(ep.ConsecutiveFailures)
	return &NextAction{
		Kind:    ActionRetry,
		Attempt: ep.ConsecutiveFailures + 1,
		Backoff: backoff,
	}, nil
}

// backoffFor doubles the base backoff per consecutive failure, capped.
func (m *manager) backoffFor(consecutive int) time.Duration {
	backoff := m.config.RetryBackoff
	for i := 1; i < consecutive; i++ {
		backoff *= 2
		if backoff >= m.config.RetryBackoffMax {
			return m.config.RetryBackoffMax
		}
	}
	if backoff > m.config.RetryBackoffMax {
		return m.config.RetryBackoffMax
	}
	return backoff
}

// quarantine freezes the target, compiles the diagnostic report, and
// notifies external collaborators. Called with the target lock held.
func (m *manager) quarantine(ctx context.Context, ep *Episode) (string, error) {
	m.setState(ctx, ep, StateQuarantined)

	if err := m.supervisor.Stop(ctx, ep.TargetID); err != nil {
		// The quarantine still proceeds: a target we failed to stop is
		// still isolated from further remediation.
		m.logger.Warn("failed to stop quarantined target",
			zap.String("target_id", ep.TargetID),
			zap.Error(err),
		)
	}

	report, err := m.buildReport(ctx, ep)
	if err != nil {
		return "", fmt.Errorf("failed to build diagnostic report: %w", err)
	}
	if err := m.store.InsertReport(ctx, report); err != nil {
		return "", fmt.Errorf("failed to persist diagnostic report: %w", err)
	}
	if err := m.store.SaveEpisode(ctx, ep); err != nil {
		return "", fmt.Errorf("failed to save episode: %w", err)
	}

	if m.quarantineCounter != nil {
		m.quarantineCounter.Add(ctx, 1)
	}

	ev := &events.TargetQuarantined{
		TargetID:            ep.TargetID,
		ConsecutiveFailures: ep.ConsecutiveFailures,
		ReportID:            report.ID,
		Timestamp:           time.Now(),
	}
	if err := m.publisher.PublishTargetQuarantined(ctx, ev); err != nil {
		m.logger.Warn("failed to publish quarantine event", zap.Error(err))
	}

	m.logger.Error("target quarantined",
		zap.String("target_id", ep.TargetID),
		zap.Int("consecutive_failures", ep.ConsecutiveFailures),
		zap.String("report_id", report.ID),
	)
	return report.ID, nil
}

// buildReport aggregates the episode's attempts into a diagnostic report.
func (m *manager) buildReport(ctx context.Context, ep *Episode) (*Report, error) {
	attempts, err := m.store.ListAttemptsSince(ctx, ep.TargetID, ep.EpisodeStartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}

	counts := make(map[string]int)
	for _, a := range attempts {
		counts[a.Category]++
	}

	days := time.Since(ep.FirstFailureAt).Hours() / 24
	if days < 1.0/(24*60) {
		days = 1.0 / (24 * 60) // Floor at one minute to keep the rate finite.
	}

	return &Report{
		ID:                  m.newID(),
		TargetID:            ep.TargetID,
		GeneratedAt:         time.Now(),
		Attempts:            attempts,
		CategoryCounts:      counts,
		FailureRatePerDay:   float64(ep.TotalFailures) / days,
		Recommendations:     recommendations(attempts, counts),
		ConsecutiveFailures: ep.ConsecutiveFailures,
		TotalFailures:       ep.TotalFailures,
	}, nil
}

// GetEpisode returns the target's episode.
func (m *manager) GetEpisode(ctx context.Context, targetID string) (*Episode, error) {
	return m.store.GetEpisode(ctx, targetID)
}

// ListEpisodes returns all known episodes.
func (m *manager) ListEpisodes(ctx context.Context) ([]*Episode, error) {
	return m.store.ListEpisodes(ctx)
}

// GetDiagnosticReport returns the latest persisted report for the target.
func (m *manager) GetDiagnosticReport(ctx context.Context, targetID string) (*Report, error) {
	return m.store.GetLatestReport(ctx, targetID)
}

// ResetQuarantine returns a quarantined target to Healthy. Only an explicit
// external reset leaves Quarantined.
func (m *manager) ResetQuarantine(ctx context.Context, targetID string) error {
	ctx, span := m.tracer.Start(ctx, "escalation.reset_quarantine")
	defer span.End()

	span.SetAttributes(attribute.String("target_id", targetID))

	unlock := m.lock(targetID)
	defer unlock()

	ep, err := m.store.GetEpisode(ctx, targetID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if ep.State != StateQuarantined {
		return ErrNotQuarantined
	}

	ep.ConsecutiveFailures = 0
	ep.EpisodeStartedAt = time.Now()
	m.setState(ctx, ep, StateHealthy)
	if err := m.store.SaveEpisode(ctx, ep); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save episode: %w", err)
	}

	m.logger.Info("quarantine reset",
		zap.String("target_id", targetID),
		zap.Int64("total_failures", ep.TotalFailures),
	)
	return nil
}

func (m *manager) setState(ctx context.Context, ep *Episode, next State) {
	if ep.State != next && m.transitionCounter != nil {
		m.transitionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("state", string(next)),
		))
	}
	ep.State = next
	ep.UpdatedAt = time.Now()
}
