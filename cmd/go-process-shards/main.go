// Package main provides the go-process-shards CLI entry point.
//
// go-process-shards keeps a fixed pool of worker processes running and feeds
// them batches from a message broker, republishing whatever they write to
// stdout and stderr.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/randomizedcoder/go-process-shards/internal/config"
	"github.com/randomizedcoder/go-process-shards/internal/logging"
	"github.com/randomizedcoder/go-process-shards/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-process-shards
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("go-process-shards %s\n", version)
			return 0
		}
	}

	// Parse command-line flags
	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	// Initialize logger
	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", "info")
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	// Apply --check mode modifications
	if cfg.Check {
		config.ApplyCheckMode(cfg)
		logger.Info("check_mode_enabled", "shards", cfg.Shards, "duration", cfg.Duration)
	}

	// Handle --print-cmd mode
	if cfg.PrintCmd {
		fmt.Println("# Worker command that would be run for each shard:")
		fmt.Println()
		fmt.Println(orchestrator.NewRunner(cfg).CommandString())
		return 0
	}

	logger.Info("starting",
		"version", version,
		"shards", cfg.Shards,
		"command", cfg.Command,
		"broker", cfg.Broker,
		"config_file", cfg.File,
		"metrics_addr", cfg.MetricsAddr,
	)

	opts := []orchestrator.Option{orchestrator.WithVersion(version)}
	if cfg.Broker == config.BrokerMemory && !cfg.TUIEnabled {
		// Demo mode: stdin lines in, worker output lines out.
		opts = append(opts,
			orchestrator.WithInput(os.Stdin),
			orchestrator.WithEcho(os.Stdout),
		)
	} else if !cfg.TUIEnabled {
		printBanner(cfg)
	}

	orch := orchestrator.New(cfg, logger, opts...)
	if err := orch.Run(context.Background()); err != nil {
		logger.Error("orchestrator_failed", "error", err)
		return 1
	}

	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                        go-process-shards                          ║")
	fmt.Println("║        Fixed-size worker process pool fed by a broker             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Shards:      %d x %s\n", cfg.Shards, orchestrator.NewRunner(cfg).CommandString())
	fmt.Printf("  Broker:      %s (%s -> %s, errors -> %s)\n", cfg.Broker, cfg.InputTopic, cfg.OutputTopic, cfg.ErrorTopic)
	fmt.Printf("  Group:       %s (batch %d, %s)\n", cfg.Group, cfg.BatchSize, cfg.BatchTimeout)
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	if cfg.AutoRestart > 0 {
		fmt.Printf("  Recycle:     every %s\n", cfg.AutoRestart)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}
