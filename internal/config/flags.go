package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// stringList is a custom flag type for repeatable flags.
type stringList []string

func (l *stringList) String() string {
	return strings.Join(*l, ", ")
}

func (l *stringList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

// ParseFlags parses the process command line.
func ParseFlags() (*Config, error) {
	return ParseArgs(flag.CommandLine, os.Args[1:])
}

// ParseArgs parses args into a Config. A -config file is loaded first so
// that explicit flags override it. The first positional argument is the
// worker command and the rest are its arguments.
func ParseArgs(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := DefaultConfig()
	if path := findConfigArg(args); path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	env := stringList(cfg.Env)
	var configPath string

	fs.Usage = func() { printUsage(fs, fs.Output()) }

	fs.StringVar(&configPath, "config", cfg.File, "YAML config file (flags override it)")

	// Pool
	fs.IntVar(&cfg.Shards, "shards", cfg.Shards, "Number of worker processes in the pool")
	fs.DurationVar(&cfg.PriorityInterval, "priority-interval", cfg.PriorityInterval, "How often free shard priorities are recomputed")
	fs.DurationVar(&cfg.PriorityTimeout, "priority-timeout", cfg.PriorityTimeout, "Bound for one shard readiness check")
	fs.DurationVar(&cfg.Duration, "duration", cfg.Duration, "Run duration (0 = forever)")

	// Worker
	fs.StringVar(&cfg.Dir, "dir", cfg.Dir, "Working directory for workers")
	fs.Var(&env, "env", "Extra worker environment KEY=VALUE (can repeat)")
	fs.DurationVar(&cfg.GracefulStopTimeout, "graceful-stop", cfg.GracefulStopTimeout, "Time between SIGTERM and SIGKILL")
	fs.DurationVar(&cfg.StatusCheckInterval, "status-interval", cfg.StatusCheckInterval, "Readiness and liveness polling period")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "How long to drain pipes after a worker exits")
	fs.DurationVar(&cfg.QuietPeriod, "quiet-period", cfg.QuietPeriod, "Output silence after which a worker is considered ready")
	fs.IntVar(&cfg.OutputQueueSize, "output-queue", cfg.OutputQueueSize, "Output queue capacity per shard")
	fs.IntVar(&cfg.ErrorQueueSize, "error-queue", cfg.ErrorQueueSize, "Error queue capacity per shard (oldest dropped when full)")
	fs.BoolVar(&cfg.EnrichHeaders, "enrich-headers", cfg.EnrichHeaders, "Add shard_id and process_id headers to outputs")

	// Restart policy
	fs.StringVar(&cfg.RestartPolicy, "restart-policy", cfg.RestartPolicy, `Crash restart delay: "constant", "linear", "exponential"`)
	fs.DurationVar(&cfg.RestartMin, "restart-min", cfg.RestartMin, "First restart delay")
	fs.DurationVar(&cfg.RestartMax, "restart-max", cfg.RestartMax, "Restart delay cap")
	fs.Float64Var(&cfg.RestartBase, "restart-base", cfg.RestartBase, "Exponential restart base")
	fs.IntVar(&cfg.RestartSteps, "restart-steps", cfg.RestartSteps, "Linear restart steps from min to max")
	fs.Float64Var(&cfg.RestartJitter, "restart-jitter", cfg.RestartJitter, "Spread each shard's crash restart delays by this fraction (0 = off)")
	fs.DurationVar(&cfg.AutoRestart, "auto-restart", cfg.AutoRestart, "Recycle each worker this often (0 = never)")
	fs.BoolVar(&cfg.AutoRestartForce, "auto-restart-force", cfg.AutoRestartForce, "Recycle workers even while busy")

	// Pipeline
	fs.StringVar(&cfg.Broker, "broker", cfg.Broker, `Message broker: "memory", "nats", "redis", "kafka"`)
	fs.StringVar(&cfg.InputTopic, "input-topic", cfg.InputTopic, "Topic batches are consumed from")
	fs.StringVar(&cfg.OutputTopic, "output-topic", cfg.OutputTopic, "Topic worker outputs are published to")
	fs.StringVar(&cfg.ErrorTopic, "error-topic", cfg.ErrorTopic, "Topic worker errors are published to")
	fs.StringVar(&cfg.Group, "group", cfg.Group, "Consumer group")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Maximum messages per batch")
	fs.DurationVar(&cfg.BatchTimeout, "batch-timeout", cfg.BatchTimeout, "Maximum wait to fill a batch")
	fs.DurationVar(&cfg.ReserveTimeout, "reserve-timeout", cfg.ReserveTimeout, "Maximum wait for a free shard per attempt")

	// Broker connections
	fs.StringVar(&cfg.NATS.URL, "nats-url", cfg.NATS.URL, "NATS server URL")
	fs.StringVar(&cfg.NATS.Stream, "nats-stream", cfg.NATS.Stream, "JetStream stream name")
	fs.StringVar(&cfg.Redis.Addr, "redis-addr", cfg.Redis.Addr, "Redis address")
	fs.StringVar(&cfg.Redis.ConsumerName, "redis-consumer", cfg.Redis.ConsumerName, "Redis stream consumer name")
	kafkaBrokers := strings.Join(cfg.Kafka.Brokers, ",")
	fs.StringVar(&kafkaBrokers, "kafka-brokers", kafkaBrokers, "Comma-separated Kafka bootstrap servers")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = disabled)")
	fs.DurationVar(&cfg.MonitorInterval, "monitor-interval", cfg.MonitorInterval, "Shard resource sampling period")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn", "error"`)
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")

	// Safety & Diagnostics
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print the worker command and exit")
	fs.BoolVar(&cfg.Check, "check", cfg.Check, "Validate config and run 1 shard for 10 seconds")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Env = env
	cfg.File = configPath
	if kafkaBrokers != "" {
		cfg.Kafka.Brokers = strings.Split(kafkaBrokers, ",")
	}

	// Positional arguments: worker command and its args
	if rest := fs.Args(); len(rest) >= 1 {
		cfg.Command = rest[0]
		cfg.Args = rest[1:]
	}

	return cfg, nil
}

// findConfigArg returns the value of -config or --config in args.
func findConfigArg(args []string) string {
	for i, a := range args {
		if a == "--" {
			return ""
		}
		name := strings.TrimLeft(a, "-")
		if len(name) == len(a) {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// printUsage prints flags grouped by category.
func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `go-process-shards - fixed-size pool of worker processes fed from a message broker

Usage:
  go-process-shards [flags] [--] <command> [args...]

Pool Flags:
`)
	printFlagCategory(fs, w, []string{"shards", "priority-interval", "priority-timeout", "duration", "config"})

	fmt.Fprintf(w, "\nWorker:\n")
	printFlagCategory(fs, w, []string{"dir", "env", "graceful-stop", "status-interval", "drain-timeout", "quiet-period", "output-queue", "error-queue", "enrich-headers"})

	fmt.Fprintf(w, "\nRestart Policy:\n")
	printFlagCategory(fs, w, []string{"restart-policy", "restart-min", "restart-max", "restart-base", "restart-steps", "restart-jitter", "auto-restart", "auto-restart-force"})

	fmt.Fprintf(w, "\nPipeline:\n")
	printFlagCategory(fs, w, []string{"broker", "input-topic", "output-topic", "error-topic", "group", "batch-size", "batch-timeout", "reserve-timeout"})

	fmt.Fprintf(w, "\nBroker Connections:\n")
	printFlagCategory(fs, w, []string{"nats-url", "nats-stream", "redis-addr", "redis-consumer", "kafka-brokers"})

	fmt.Fprintf(w, "\nObservability:\n")
	printFlagCategory(fs, w, []string{"metrics", "monitor-interval", "v", "log-format", "log-level", "tui"})

	fmt.Fprintf(w, "\nSafety & Diagnostics:\n")
	printFlagCategory(fs, w, []string{"print-cmd", "check", "skip-preflight"})

	fmt.Fprintf(w, `
Examples:
  # Line-oriented workers fed from the in-memory broker
  go-process-shards -shards 4 -- cat

  # Python workers consuming from NATS JetStream
  go-process-shards -shards 8 -broker nats -nats-url nats://127.0.0.1:4222 -- python3 worker.py

  # Settings from a file, pool size overridden
  go-process-shards -config shards.yaml -shards 16

`)
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, w io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
					fmt.Fprintf(w, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(w)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	if _, err := strconv.Atoi(f.DefValue); err == nil {
		return "int"
	}
	if _, err := strconv.ParseFloat(f.DefValue, 64); err == nil {
		return "float"
	}

	return "string"
}
