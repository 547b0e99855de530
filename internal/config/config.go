// Package config provides configuration management for go-process-shards.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randomizedcoder/go-process-shards/internal/broker/kafkabroker"
	"github.com/randomizedcoder/go-process-shards/internal/broker/natsbroker"
	"github.com/randomizedcoder/go-process-shards/internal/broker/redisbroker"
)

// Broker kinds.
const (
	BrokerMemory = "memory"
	BrokerNATS   = "nats"
	BrokerRedis  = "redis"
	BrokerKafka  = "kafka"
)

// Restart policy kinds.
const (
	RestartConstant    = "constant"
	RestartLinear      = "linear"
	RestartExponential = "exponential"
)

// Config holds all configuration options for the orchestrator.
type Config struct {
	// Pool
	Shards           int           `json:"shards" yaml:"shards"`
	PriorityInterval time.Duration `json:"priority_interval" yaml:"priority_interval"`
	PriorityTimeout  time.Duration `json:"priority_timeout" yaml:"priority_timeout"`
	Duration         time.Duration `json:"duration" yaml:"duration"` // 0 = forever

	// Worker process
	Command             string        `json:"command" yaml:"command"`
	Args                []string      `json:"args" yaml:"args"`
	Env                 []string      `json:"env" yaml:"env"`
	Dir                 string        `json:"dir" yaml:"dir"`
	GracefulStopTimeout time.Duration `json:"graceful_stop_timeout" yaml:"graceful_stop_timeout"`
	StatusCheckInterval time.Duration `json:"status_check_interval" yaml:"status_check_interval"`
	DrainTimeout        time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
	QuietPeriod         time.Duration `json:"quiet_period" yaml:"quiet_period"`
	OutputQueueSize     int           `json:"output_queue_size" yaml:"output_queue_size"`
	ErrorQueueSize      int           `json:"error_queue_size" yaml:"error_queue_size"`
	EnrichHeaders       bool          `json:"enrich_headers" yaml:"enrich_headers"`

	// Restart policy
	RestartPolicy    string        `json:"restart_policy" yaml:"restart_policy"`
	RestartMin       time.Duration `json:"restart_min" yaml:"restart_min"`
	RestartMax       time.Duration `json:"restart_max" yaml:"restart_max"`
	RestartBase      float64       `json:"restart_base" yaml:"restart_base"`
	RestartSteps     int           `json:"restart_steps" yaml:"restart_steps"`
	RestartJitter    float64       `json:"restart_jitter" yaml:"restart_jitter"`
	AutoRestart      time.Duration `json:"auto_restart" yaml:"auto_restart"` // 0 = disabled
	AutoRestartForce bool          `json:"auto_restart_force" yaml:"auto_restart_force"`

	// Pipeline
	Broker         string        `json:"broker" yaml:"broker"`
	InputTopic     string        `json:"input_topic" yaml:"input_topic"`
	OutputTopic    string        `json:"output_topic" yaml:"output_topic"`
	ErrorTopic     string        `json:"error_topic" yaml:"error_topic"`
	Group          string        `json:"group" yaml:"group"`
	BatchSize      int           `json:"batch_size" yaml:"batch_size"`
	BatchTimeout   time.Duration `json:"batch_timeout" yaml:"batch_timeout"`
	ReserveTimeout time.Duration `json:"reserve_timeout" yaml:"reserve_timeout"`

	// Broker connections
	NATS  natsbroker.Config  `json:"nats" yaml:"nats"`
	Redis redisbroker.Config `json:"redis" yaml:"redis"`
	Kafka kafkabroker.Config `json:"kafka" yaml:"kafka"`

	// Observability
	MetricsAddr     string        `json:"metrics_addr" yaml:"metrics_addr"`
	MonitorInterval time.Duration `json:"monitor_interval" yaml:"monitor_interval"`
	Verbose         bool          `json:"verbose" yaml:"verbose"`
	LogFormat       string        `json:"log_format" yaml:"log_format"` // json, text
	LogLevel        string        `json:"log_level" yaml:"log_level"`
	TUIEnabled      bool          `json:"tui" yaml:"tui"`

	// Diagnostic modes
	PrintCmd      bool `json:"print_cmd" yaml:"-"`
	Check         bool `json:"check" yaml:"-"`
	SkipPreflight bool `json:"skip_preflight" yaml:"skip_preflight"`

	// File is the YAML file the config was loaded from, if any.
	File string `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Pool
		Shards:           4,
		PriorityInterval: time.Second,
		PriorityTimeout:  5 * time.Second,

		// Worker process
		GracefulStopTimeout: 5 * time.Second,
		StatusCheckInterval: 50 * time.Millisecond,
		DrainTimeout:        2 * time.Second,
		QuietPeriod:         100 * time.Millisecond,
		OutputQueueSize:     10000,
		ErrorQueueSize:      10000,
		EnrichHeaders:       true,

		// Restart policy
		RestartPolicy: RestartExponential,
		RestartMin:    250 * time.Millisecond,
		RestartMax:    5 * time.Second,
		RestartBase:   1.618,
		RestartSteps:  10,
		RestartJitter: 0.4,

		// Pipeline
		Broker:         BrokerMemory,
		InputTopic:     "shards.in",
		OutputTopic:    "shards.out",
		ErrorTopic:     "shards.err",
		Group:          "go-process-shards",
		BatchSize:      100,
		BatchTimeout:   time.Second,
		ReserveTimeout: time.Second,

		// Observability
		MetricsAddr:     "0.0.0.0:17091",
		MonitorInterval: 2 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",
		TUIEnabled:      false,
	}
}

// LoadFile overlays the YAML document at path onto cfg. Fields absent from
// the file keep their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.File = path
	return nil
}
