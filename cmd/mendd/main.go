// Mendd is the adaptive error remediation daemon.
//
// It ingests failure reports over HTTP, diagnoses them against a learned
// signature repository, executes remediation procedures through an external
// supervisor, and quarantines targets that keep failing.
//
// Usage:
//
//	# Start the daemon with defaults
//	mendd
//
//	# Load a config file and override via environment
//	MENDD_SERVER_PORT=9999 mendd -config mendd.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/collaborators"
	"github.com/fyrsmithlabs/mendd/internal/config"
	"github.com/fyrsmithlabs/mendd/internal/escalation"
	"github.com/fyrsmithlabs/mendd/internal/events"
	"github.com/fyrsmithlabs/mendd/internal/httpapi"
	"github.com/fyrsmithlabs/mendd/internal/logging"
	"github.com/fyrsmithlabs/mendd/internal/pipeline"
	"github.com/fyrsmithlabs/mendd/internal/remediation"
	"github.com/fyrsmithlabs/mendd/internal/signature"
	"github.com/fyrsmithlabs/mendd/internal/storage/sqlite"
	"github.com/fyrsmithlabs/mendd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  mendd            Start the mendd daemon\n")
			fmt.Fprintf(os.Stderr, "  mendd version    Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("mendd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("Starting mendd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_path", cfg.Storage.Path),
		zap.Int("failure_threshold", cfg.Pipeline.FailureThreshold))

	tel, err := telemetry.Setup(ctx, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	newID := func() string { return uuid.NewString() }

	store, err := sqlite.New(cfg.Storage.Path, newID)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	publisher, err := initPublisher(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize event publisher: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("publisher close failed", zap.Error(err))
		}
	}()

	sigService, err := signature.NewService(ctx, &signature.Config{
		SmoothingK:   cfg.Pipeline.CandidateSmoothing,
		DefaultScore: 0.5,
	}, store, newID, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize signature service: %w", err)
	}

	exec := collaborators.NewExec(cfg.Steps, logger)
	remService, err := remediation.NewService(&remediation.Config{
		StepTimeout:        cfg.Pipeline.StepTimeout,
		MessageTruncateLen: cfg.Pipeline.MessageTruncateLen,
	}, store, sigService, publisher, remediation.Collaborators{
		Supervisor: exec,
		Installer:  exec,
		Perms:      exec,
		Files:      exec,
		Ports:      exec,
	}, newID, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize remediation service: %w", err)
	}

	if err := seedDefaults(ctx, sigService, remService, logger); err != nil {
		return fmt.Errorf("failed to seed defaults: %w", err)
	}

	manager, err := escalation.NewManager(&escalation.Config{
		FailureThreshold: cfg.Pipeline.FailureThreshold,
		RetryBackoff:     cfg.Pipeline.RetryBackoff,
		RetryBackoffMax:  cfg.Pipeline.RetryBackoffMax,
	}, store, sigService, exec, publisher, newID, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize escalation manager: %w", err)
	}

	pipe, err := pipeline.NewService(&pipeline.Config{
		StepTimeout:           cfg.Pipeline.StepTimeout,
		MaxAttemptsPerFailure: cfg.Pipeline.FailureThreshold + 1,
	}, remService, manager, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	server, err := httpapi.NewServer(pipe, sigService, remService, manager, logger, &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// initPublisher connects to NATS when events are enabled, otherwise returns
// a no-op publisher.
func initPublisher(cfg *config.Config, logger *zap.Logger) (events.Publisher, error) {
	if !cfg.Events.Enabled {
		return events.NewNopPublisher(), nil
	}
	return events.NewNATSPublisher(cfg.Events.URL, cfg.Events.SubjectPrefix, logger)
}

// seedDefaults installs the built-in signatures and procedures. Upserts are
// no-ops for patterns and categories that already exist, so restarts never
// clobber learned scores.
func seedDefaults(ctx context.Context, sigs signature.Service, procs remediation.Service, logger *zap.Logger) error {
	for _, seed := range signature.DefaultSeeds() {
		if _, err := sigs.Upsert(ctx, seed); err != nil {
			return fmt.Errorf("seeding signature %q: %w", seed.Pattern, err)
		}
	}
	for _, dp := range remediation.DefaultProcedures() {
		if _, err := procs.UpsertProcedure(ctx, dp.Category, dp.Steps); err != nil {
			return fmt.Errorf("seeding procedure %q: %w", dp.Category, err)
		}
	}
	logger.Info("seeded default signatures and procedures")
	return nil
}
