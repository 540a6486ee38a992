// Package main provides the exchanger binary entry point. One binary
// hosts the three services of the bridge: the engine-side worker, the
// task-creator and the completion tracker.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/imena/camunda-exchanger/bitrix"
	"github.com/imena/camunda-exchanger/config"
	"github.com/imena/camunda-exchanger/creator"
	"github.com/imena/camunda-exchanger/engine"
	"github.com/imena/camunda-exchanger/metrics"
	"github.com/imena/camunda-exchanger/mq"
	"github.com/imena/camunda-exchanger/tracker"
	"github.com/imena/camunda-exchanger/worker"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "exchanger"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Bridge between a BPMN engine and downstream work-management systems",
		Long: `Exchanger bridges a BPMN process engine (External Task pattern) and
downstream work-management systems.

It runs three cooperating services:
- worker locks external tasks and routes them to system queues, and
  completes engine tasks from observed downstream completions
- creator materializes downstream tasks from templates and process context
- tracker polls the downstream system and reports finished tasks

The active environment is selected with ` + config.EnvVar + `.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default config.{env}.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	for _, role := range []struct {
		name  string
		short string
	}{
		{"worker", "Run the engine-side worker service"},
		{"creator", "Run the task-creator service"},
		{"tracker", "Run the completion tracker service"},
		{"all", "Run all three services in one process"},
	} {
		role := role
		cmd.AddCommand(&cobra.Command{
			Use:   role.name,
			Short: role.short,
			RunE: func(*cobra.Command, []string) error {
				return run(role.name, configPath, logLevel)
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check-fields",
		Short: "Verify the downstream system exposes the required custom task fields",
		RunE: func(*cobra.Command, []string) error {
			return runCheckFields(configPath, logLevel)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// run starts the services of one role and blocks until shutdown.
func run(role, configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	lock, err := config.AcquireInstanceLock(role, cfg.Env)
	if err != nil {
		return fmt.Errorf("another %s instance is running for %s: %w", role, cfg.Env, err)
	}
	defer lock.Release()

	logger, closeLog, err := buildLogger(cfg, role, logLevel)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	logger.Info("Exchanger starting",
		"version", Version,
		"role", role,
		"env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mqc, err := mq.Connect(ctx, cfg.MQ.URL, cfg.MQ.StreamPrefix, logger)
	if err != nil {
		return err
	}
	defer mqc.Close()
	if err := mqc.EnsureTopology(ctx); err != nil {
		return err
	}

	portal, err := bitrix.NewClient(cfg.Downstream.WebhookURL, cfg.Downstream.Timeout, logger)
	if err != nil {
		return err
	}

	// Precondition: the roles that read or write downstream linkage
	// fields refuse to start when the portal lacks them.
	if role != "worker" {
		if err := portal.CheckRequiredFields(ctx); err != nil {
			return fmt.Errorf("downstream precondition failed: %w", err)
		}
	}

	eng, err := buildEngineClient(cfg, logger)
	if err != nil {
		return err
	}

	var services []service
	switch role {
	case "worker":
		svc, err := buildWorker(ctx, cfg, eng, mqc, logger)
		if err != nil {
			return err
		}
		services = append(services, svc)
	case "creator":
		svc, err := buildCreator(ctx, cfg, eng, portal, mqc, logger)
		if err != nil {
			return err
		}
		services = append(services, svc)
	case "tracker":
		svc, err := buildTracker(ctx, cfg, portal, mqc, logger)
		if err != nil {
			return err
		}
		services = append(services, svc)
	case "all":
		w, err := buildWorker(ctx, cfg, eng, mqc, logger)
		if err != nil {
			return err
		}
		c, err := buildCreator(ctx, cfg, eng, portal, mqc, logger)
		if err != nil {
			return err
		}
		t, err := buildTracker(ctx, cfg, portal, mqc, logger)
		if err != nil {
			return err
		}
		services = append(services, w, c, t)
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	var metricsServer *metrics.Server
	if cfg.HTTP.Addr != "" {
		metricsServer = metrics.NewServer(cfg.HTTP.Addr, logger)
		metricsServer.Start()
	}

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start service: %w", err)
		}
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	for _, svc := range services {
		svc.Stop()
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Stop(shutdownCtx)
	}

	logger.Info("Exchanger stopped")
	return nil
}

// service is the common lifecycle of the three components.
type service interface {
	Start(ctx context.Context) error
	Stop()
}

// runCheckFields validates the downstream custom fields and exits.
func runCheckFields(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevel)}))
	portal, err := bitrix.NewClient(cfg.Downstream.WebhookURL, cfg.Downstream.Timeout, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Downstream.Timeout)
	defer cancel()

	if err := portal.CheckRequiredFields(ctx); err != nil {
		return err
	}
	fmt.Println("All required custom task fields are present.")
	return nil
}

// buildLogger writes structured logs to stderr and to the per-environment
// log file of the role.
func buildLogger(cfg *config.Config, role, logLevel string) (*slog.Logger, func(), error) {
	dir, err := cfg.LogDir()
	if err != nil {
		return nil, nil, err
	}

	path := filepath.Join(dir, role+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, file), &slog.HandlerOptions{
		Level: parseLevel(logLevel),
	})
	return slog.New(handler), func() { _ = file.Close() }, nil
}

func parseLevel(logLevel string) slog.Level {
	switch strings.ToLower(logLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildEngineClient creates the engine client with a worker identity
// unique to this process and a timeout that outlives the long poll.
func buildEngineClient(cfg *config.Config, logger *slog.Logger) (*engine.Client, error) {
	workerID := fmt.Sprintf("%s-%s", cfg.Engine.WorkerID, uuid.NewString()[:8])

	timeout := cfg.Engine.CompleteTimeout
	if longPoll := time.Duration(cfg.Worker.AsyncResponseTimeout)*time.Millisecond + 10*time.Second; longPoll > timeout {
		timeout = longPoll
	}

	return engine.NewClient(cfg.Engine.BaseURL, workerID, cfg.Engine.TenantID, timeout, logger)
}

func buildWorker(ctx context.Context, cfg *config.Config, eng *engine.Client, mqc *mq.Client, logger *slog.Logger) (service, error) {
	cache, err := engine.NewMetadataCache(eng, engine.CacheConfig{
		MaxSize: cfg.Engine.MetadataCacheSize,
		TTL:     cfg.Engine.MetadataTTL,
	}, logger)
	if err != nil {
		return nil, err
	}

	responses, err := mqc.ResponseFetcher(ctx)
	if err != nil {
		return nil, err
	}

	return worker.New(cfg.Worker, eng, cache, mqc, responses, logger)
}

func buildCreator(ctx context.Context, cfg *config.Config, eng *engine.Client, portal *bitrix.Client, mqc *mq.Client, logger *slog.Logger) (service, error) {
	cached, err := bitrix.NewCachedClient(portal, cfg.Downstream.TemplateTTL)
	if err != nil {
		return nil, err
	}

	fetchers := make(map[string]mq.Fetcher, len(cfg.Creator.Queues))
	for _, queue := range cfg.Creator.Queues {
		fetcher, err := mqc.TaskFetcher(ctx, queue)
		if err != nil {
			return nil, err
		}
		fetchers[queue] = fetcher
	}

	return creator.New(cfg.Creator, cached, eng, mqc, fetchers, cfg.Downstream.DefaultPriority, logger)
}

func buildTracker(ctx context.Context, cfg *config.Config, portal *bitrix.Client, mqc *mq.Client, logger *slog.Logger) (service, error) {
	fetchers := make(map[string]mq.Fetcher, len(cfg.Tracker.Systems))
	for _, system := range cfg.Tracker.Systems {
		fetcher, err := mqc.SentFetcher(ctx, system)
		if err != nil {
			return nil, err
		}
		fetchers[system] = fetcher
	}

	return tracker.New(cfg.Tracker, portal, mqc, fetchers,
		cfg.Downstream.CompletedStatuses, cfg.Downstream.AnswerLabels, logger)
}
