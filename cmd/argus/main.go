package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/argus-sec/argus/internal/config"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/telemetry"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "argus",
	Short:   "Argus - multi-tenant security-event polling and alerting engine",
	Long:    `Argus polls sign-in, security-alert, and audit-activity feeds across monitored tenants, evaluates declarative detection rules, and emits alerts to a log-ingestion sink and a chat webhook.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runEngine(false)
	},
}

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Execute a single polling run and exit",
	Run: func(cmd *cobra.Command, args []string) {
		runEngine(true)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Argus %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(runOnceCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runEngine(once bool) {
	// Baseline logger for early startup messages
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "argus",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "argus",
	})

	log.Info().Str("version", Version).Msg("Starting Argus polling engine")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, cleanup, err := buildEngine(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize engine")
	}
	defer cleanup()

	telemetry.Serve(ctx, cfg.MetricsAddr)

	// SIGHUP forces a catalog re-read before the next run; the alerts
	// delivery config is read from the store every run anyway.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			log.Info().Msg("Reload requested, rule catalog will be re-read")
			engine.loader.MarkDirty()
		}
	}()

	if once {
		if err := engine.poller.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Polling run failed")
			os.Exit(1)
		}
		return
	}

	engine.scheduler.Start(ctx)
	log.Info().Msg("Engine stopped")
}
