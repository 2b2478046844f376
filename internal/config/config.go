// Package config provides configuration loading for mendd.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/mendd/internal/logging"
)

// Config is the root configuration for the mendd daemon.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   logging.Config  `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Storage   StorageConfig   `koanf:"storage"`
	Events    EventsConfig    `koanf:"events"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Steps     StepsConfig     `koanf:"steps"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	Enabled        bool    `koanf:"enabled"`
	ServiceName    string  `koanf:"service_name"`
	ServiceVersion string  `koanf:"service_version"`
	Endpoint       string  `koanf:"endpoint"`
	Protocol       string  `koanf:"protocol"`
	Insecure       bool    `koanf:"insecure"`
	TLSSkipVerify  bool    `koanf:"tls_skip_verify"`
	SampleRate     float64 `koanf:"sample_rate"`
	MetricsEnabled bool    `koanf:"metrics_enabled"`
}

// StorageConfig holds the embedded store configuration.
type StorageConfig struct {
	Path string `koanf:"path"`
}

// EventsConfig holds NATS event publishing configuration.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// PipelineConfig tunes the diagnose/remediate/escalate loop.
type PipelineConfig struct {
	// FailureThreshold is the number of consecutive failed remediation
	// attempts before a target is quarantined.
	FailureThreshold int `koanf:"failure_threshold"`

	// StepTimeout bounds a single remediation step.
	StepTimeout time.Duration `koanf:"step_timeout"`

	// RetryBackoff is the delay before re-dispatching a remediation attempt
	// after a failed one. Doubles per attempt up to RetryBackoffMax.
	RetryBackoff    time.Duration `koanf:"retry_backoff"`
	RetryBackoffMax time.Duration `koanf:"retry_backoff_max"`

	// CandidateSmoothing is the smoothing constant K in the candidate
	// signature confidence formula observations/(observations+K).
	CandidateSmoothing int `koanf:"candidate_smoothing"`

	// MessageTruncateLen caps raw error messages stored on attempt records.
	MessageTruncateLen int `koanf:"message_truncate_len"`
}

// StepsConfig maps remediation step kinds to shell command templates.
// The token {target} is replaced with the target id, {arg} with the step
// argument. Empty commands leave the corresponding step unavailable.
type StepsConfig struct {
	RestartCommand     string `koanf:"restart_command"`
	StopCommand        string `koanf:"stop_command"`
	AliveCommand       string `koanf:"alive_command"`
	ReleasePortCommand string `koanf:"release_port_command"`
	InstallCommand     string `koanf:"install_command"`
	RepairPermsCommand string `koanf:"repair_perms_command"`
}

// NewDefaultConfig returns the hardcoded defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9340,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: *logging.NewDefaultConfig(),
		Telemetry: TelemetryConfig{
			Enabled:        false,
			ServiceName:    "mendd",
			ServiceVersion: "dev",
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			SampleRate:     1.0,
			MetricsEnabled: true,
		},
		Storage: StorageConfig{
			Path: "mendd.db",
		},
		Events: EventsConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			SubjectPrefix: "mendd",
		},
		Pipeline: PipelineConfig{
			FailureThreshold:   3,
			StepTimeout:        30 * time.Second,
			RetryBackoff:       2 * time.Second,
			RetryBackoffMax:    30 * time.Second,
			CandidateSmoothing: 3,
			MessageTruncateLen: 512,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in (0, 65535], got %d", c.Server.Port)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry endpoint is required when telemetry is enabled")
		}
		if p := c.Telemetry.Protocol; p != "grpc" && p != "http/protobuf" {
			return fmt.Errorf("telemetry protocol must be 'grpc' or 'http/protobuf', got %q", p)
		}
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	if c.Events.Enabled && c.Events.URL == "" {
		return fmt.Errorf("events url is required when events are enabled")
	}
	if c.Pipeline.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be >= 1, got %d", c.Pipeline.FailureThreshold)
	}
	if c.Pipeline.StepTimeout <= 0 {
		return fmt.Errorf("step timeout must be > 0")
	}
	if c.Pipeline.CandidateSmoothing < 1 {
		return fmt.Errorf("candidate smoothing must be >= 1, got %d", c.Pipeline.CandidateSmoothing)
	}
	return nil
}
