package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/randomizedcoder/go-process-shards/internal/supervisor"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing every problem.
func Validate(cfg *Config) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Command == "" {
		add("command", "worker command is required")
	}
	if cfg.Shards < 1 {
		add("shards", "must be at least 1")
	}
	if cfg.PriorityInterval <= 0 {
		add("priority_interval", "must be positive")
	}
	if cfg.PriorityTimeout <= 0 {
		add("priority_timeout", "must be positive")
	}
	if cfg.Duration < 0 {
		add("duration", "must not be negative")
	}

	if cfg.StatusCheckInterval <= 0 {
		add("status_check_interval", "must be positive")
	}
	if cfg.GracefulStopTimeout < 0 {
		add("graceful_stop_timeout", "must not be negative")
	}
	if cfg.DrainTimeout <= 0 {
		add("drain_timeout", "must be positive")
	}
	if cfg.QuietPeriod <= 0 {
		add("quiet_period", "must be positive")
	}
	if cfg.OutputQueueSize < 1 {
		add("output_queue_size", "must be at least 1")
	}
	if cfg.ErrorQueueSize < 1 {
		add("error_queue_size", "must be at least 1")
	}
	for _, kv := range cfg.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			add("env", "must be KEY=VALUE (got %q)", kv)
		}
	}

	switch cfg.RestartPolicy {
	case RestartConstant, RestartLinear, RestartExponential:
	default:
		add("restart_policy", "must be one of: constant, linear, exponential (got %q)", cfg.RestartPolicy)
	}
	if cfg.RestartMin <= 0 {
		add("restart_min", "must be positive")
	}
	if cfg.RestartMax < cfg.RestartMin {
		add("restart_max", "must be >= restart_min")
	}
	if cfg.RestartPolicy == RestartExponential && cfg.RestartBase <= 1.0 {
		add("restart_base", "must be > 1.0")
	}
	if cfg.RestartPolicy == RestartLinear && cfg.RestartSteps < 1 {
		add("restart_steps", "must be at least 1")
	}
	if cfg.RestartJitter < 0 || cfg.RestartJitter > 1 {
		add("restart_jitter", "must be between 0 and 1")
	}
	if cfg.AutoRestart < 0 {
		add("auto_restart", "must not be negative")
	}

	switch cfg.Broker {
	case BrokerMemory:
	case BrokerNATS:
		if cfg.NATS.URL != "" && !strings.Contains(cfg.NATS.URL, "://") {
			add("nats.url", "must be a URL (got %q)", cfg.NATS.URL)
		}
	case BrokerRedis:
	case BrokerKafka:
		for _, b := range cfg.Kafka.Brokers {
			if b == "" {
				add("kafka.brokers", "must not contain empty addresses")
				break
			}
		}
	default:
		add("broker", "must be one of: memory, nats, redis, kafka (got %q)", cfg.Broker)
	}
	if cfg.InputTopic == "" {
		add("input_topic", "must not be empty")
	}
	if cfg.OutputTopic == "" {
		add("output_topic", "must not be empty")
	}
	if cfg.ErrorTopic == "" {
		add("error_topic", "must not be empty")
	}
	if cfg.InputTopic != "" && (cfg.InputTopic == cfg.OutputTopic || cfg.InputTopic == cfg.ErrorTopic) {
		add("input_topic", "must differ from output and error topics")
	}
	if cfg.Group == "" {
		add("group", "must not be empty")
	}
	if cfg.BatchSize < 1 {
		add("batch_size", "must be at least 1")
	}
	if cfg.BatchTimeout <= 0 {
		add("batch_timeout", "must be positive")
	}
	if cfg.ReserveTimeout <= 0 {
		add("reserve_timeout", "must be positive")
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		add("log_format", "must be 'json' or 'text' (got %q)", cfg.LogFormat)
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log_level", "must be one of: debug, info, warn, error (got %q)", cfg.LogLevel)
	}
	if cfg.MonitorInterval <= 0 {
		add("monitor_interval", "must be positive")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// RestartDelay builds the crash restart schedule.
func (c *Config) RestartDelay() supervisor.DelayFunc {
	switch c.RestartPolicy {
	case RestartConstant:
		return supervisor.Constant(c.RestartMin)
	case RestartLinear:
		return supervisor.Linear(c.RestartMin, c.RestartMax, c.RestartSteps)
	}
	if c.RestartBase == 2 {
		return supervisor.ExponentialBase2(c.RestartMin, c.RestartMax)
	}
	return supervisor.Exponential(c.RestartMin, c.RestartMax, c.RestartBase)
}

// RestartPolicyFor returns the supervisor policy for shard restarts:
// clean completions are rerun after RestartMin, crashes follow
// RestartDelay.
func (c *Config) RestartPolicyFor() supervisor.Policy {
	return supervisor.Policy{
		OnSuccess: supervisor.Constant(c.RestartMin),
		OnError:   c.RestartDelay(),
	}
}

// ApplyCheckMode modifies config for --check mode.
func ApplyCheckMode(cfg *Config) {
	cfg.Shards = 1
	cfg.Duration = 10 * time.Second
	cfg.Verbose = true
	cfg.Broker = BrokerMemory
	cfg.TUIEnabled = false
}
