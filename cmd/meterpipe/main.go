package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/meterpipe/meterpipe/internal/migrate"
	"github.com/meterpipe/meterpipe/internal/pipeline"
	"github.com/meterpipe/meterpipe/internal/source"
	"github.com/meterpipe/meterpipe/internal/version"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meterpipe",
		Short: "Periodic batching counter-export pipeline",
		Long: `meterpipe records monotonic counter increments, aggregates them
per label set, and exports snapshots on a fixed interval to an OTLP,
ClickHouse, or HTTP collector with bounded retry and a guaranteed
final flush on shutdown.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cmd.Flags().StringVar(
		&cfgFile, "config", "",
		"path to config file (required)",
	)
	cmd.Flags().StringVar(
		&logLevel, "log-level", "",
		"override log level (debug, info, warn, error)",
	)

	if err := cmd.MarkFlagRequired("config"); err != nil {
		fmt.Fprintf(os.Stderr, "error marking flag required: %v\n", err)
		os.Exit(1)
	}

	cmd.AddCommand(demoCmd())
	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(versionCmd())

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.FullWithPlatform())
		},
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg, err := pipeline.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// CLI flag overrides config file.
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level %q: %w", cfg.LogLevel, err)
	}

	log.SetLevel(level)

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	p, err := pipeline.New(log, cfg)
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}

	log.Info("Starting meterpipe")

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}

	<-ctx.Done()

	log.Info("Shutting down meterpipe")

	if err := shutdown(p, cfg); err != nil {
		log.WithError(err).Error("Error during shutdown")
		return fmt.Errorf("stopping pipeline: %w", err)
	}

	log.Info("Shutdown complete")

	return nil
}

// demoCmd runs the built-in workload against a local collector: 100
// work_done increments, one point per batch, flushed on exit.
func demoCmd() *cobra.Command {
	var (
		endpoint   string
		iterations int
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Record a demo workload and export it over OTLP gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			cfg := pipeline.DefaultConfig()
			cfg.ServiceName = "meterpipe-demo"
			cfg.Exporter.OTLP.Endpoint = endpoint
			cfg.Health.Addr = "127.0.0.1:0"

			ctx, cancel := signal.NotifyContext(
				context.Background(),
				syscall.SIGINT,
				syscall.SIGTERM,
			)
			defer cancel()

			p, err := pipeline.New(log, cfg)
			if err != nil {
				return fmt.Errorf("creating pipeline: %w", err)
			}

			if err := p.Start(ctx); err != nil {
				return fmt.Errorf("starting pipeline: %w", err)
			}

			w := source.NewWorkload(log, source.WorkloadConfig{
				Iterations: iterations,
			}, p.Meter())

			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("starting workload: %w", err)
			}

			select {
			case <-w.Done():
				log.Info("Workload finished, flushing")
			case <-ctx.Done():
				log.Info("Interrupted, flushing")
			}

			if err := w.Stop(); err != nil {
				log.WithError(err).Warn("Error stopping workload")
			}

			if err := shutdown(p, cfg); err != nil {
				return fmt.Errorf("stopping pipeline: %w", err)
			}

			log.Info("Done")

			return nil
		},
	}

	cmd.Flags().StringVar(
		&endpoint, "endpoint", "localhost:4317",
		"OTLP gRPC endpoint",
	)
	cmd.Flags().IntVar(
		&iterations, "iterations", 100,
		"number of work items to record",
	)

	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ClickHouse schema for counter points",
	}

	cmd.PersistentFlags().StringVar(
		&cfgFile, "config", "",
		"path to config file (required)",
	)

	if err := cmd.MarkPersistentFlagRequired("config"); err != nil {
		fmt.Fprintf(os.Stderr, "error marking flag required: %v\n", err)
		os.Exit(1)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := newMigrator()
				if err != nil {
					return err
				}

				return m.Up(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := newMigrator()
				if err != nil {
					return err
				}

				return m.Down(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the current migration version",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := newMigrator()
				if err != nil {
					return err
				}

				ver, dirty, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}

				if ver == 0 && !dirty {
					fmt.Println("No migrations applied")
					return nil
				}

				fmt.Printf("Version: %d, dirty: %t\n", ver, dirty)

				return nil
			},
		},
	)

	return cmd
}

func newMigrator() (migrate.Migrator, error) {
	log := newLogger()

	cfg, err := pipeline.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if cfg.Exporter.ClickHouse.Endpoint == "" {
		return nil, fmt.Errorf("exporter.clickhouse.endpoint is required to migrate")
	}

	return migrate.New(log, cfg.Exporter.ClickHouse), nil
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return log
}

func shutdown(p *pipeline.Pipeline, cfg *pipeline.Config) error {
	ctx, cancel := context.WithTimeout(
		context.Background(), cfg.ShutdownTimeout,
	)
	defer cancel()

	return p.Shutdown(ctx)
}
