// Package events publishes pipeline lifecycle events for external consumers.
//
// Events are strictly a side channel: dashboards, notifiers, and knowledge
// stores subscribe to them, but the pipeline never depends on a subscriber
// being present. Publish failures are logged and swallowed by callers.
package events

import (
	"context"
	"time"
)

// RemediationSucceeded is emitted after a remediation attempt completes
// successfully. External consumers may persist a durable knowledge artifact
// describing the fix.
type RemediationSucceeded struct {
	TargetID    string        `json:"target_id"`
	Category    string        `json:"category"`
	ProcedureID string        `json:"procedure_id"`
	AttemptID   string        `json:"attempt_id"`
	Attempt     int           `json:"attempt"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
}

// TargetQuarantined is emitted when a target enters the Quarantined state.
type TargetQuarantined struct {
	TargetID            string    `json:"target_id"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ReportID            string    `json:"report_id"`
	Timestamp           time.Time `json:"timestamp"`
}

// Publisher delivers pipeline events to external consumers.
type Publisher interface {
	PublishRemediationSucceeded(ctx context.Context, ev *RemediationSucceeded) error
	PublishTargetQuarantined(ctx context.Context, ev *TargetQuarantined) error
	Close() error
}

// NopPublisher discards all events. Used when event publishing is disabled.
type NopPublisher struct{}

// NewNopPublisher returns a publisher that discards everything.
func NewNopPublisher() *NopPublisher { return &NopPublisher{} }

func (*NopPublisher) PublishRemediationSucceeded(context.Context, *RemediationSucceeded) error {
	return nil
}

func (*NopPublisher) PublishTargetQuarantined(context.Context, *TargetQuarantined) error {
	return nil
}

func (*NopPublisher) Close() error { return nil }
