package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher publishes pipeline events to NATS subjects.
//
// Subjects are derived from the configured prefix:
//
//	<prefix>.remediation.succeeded
//	<prefix>.target.quarantined
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher connects to NATS and returns a publisher.
func NewNATSPublisher(url, subjectPrefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if subjectPrefix == "" {
		subjectPrefix = "mendd"
	}

	conn, err := nats.Connect(url,
		nats.Name("mendd"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	return &NATSPublisher{
		conn:   conn,
		prefix: subjectPrefix,
		logger: logger,
	}, nil
}

// PublishRemediationSucceeded publishes a remediation success event.
func (p *NATSPublisher) PublishRemediationSucceeded(ctx context.Context, ev *RemediationSucceeded) error {
	return p.publish(ctx, p.prefix+".remediation.succeeded", ev)
}

// PublishTargetQuarantined publishes a quarantine event.
func (p *NATSPublisher) PublishTargetQuarantined(ctx context.Context, ev *TargetQuarantined) error {
	return p.publish(ctx, p.prefix+".target.quarantined", ev)
}

func (p *NATSPublisher) publish(ctx context.Context, subject string, ev any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	p.logger.Debug("published event",
		zap.String("subject", subject),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Flush(); err != nil {
		p.logger.Warn("failed to flush NATS connection", zap.Error(err))
	}
	p.conn.Close()
	return nil
}
