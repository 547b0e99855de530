package config

import (
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// Flag helpers
// ============================================================================

func TestStringList_String(t *testing.T) {
	testCases := []struct {
		input    stringList
		expected string
	}{
		{stringList{}, ""},
		{stringList{"A=1"}, "A=1"},
		{stringList{"A=1", "B=2"}, "A=1, B=2"},
	}

	for _, tc := range testCases {
		result := tc.input.String()
		if result != tc.expected {
			t.Errorf("String() = %q, want %q", result, tc.expected)
		}
	}
}

func TestStringList_Set(t *testing.T) {
	var l stringList

	if err := l.Set("A=1"); err != nil {
		t.Errorf("Set returned error: %v", err)
	}
	if err := l.Set("B=2"); err != nil {
		t.Errorf("Set returned error: %v", err)
	}
	if len(l) != 2 || l[0] != "A=1" || l[1] != "B=2" {
		t.Errorf("After two Sets: %v", l)
	}
}

func TestFlagType(t *testing.T) {
	testCases := []struct {
		name     string
		defValue string
		expected string
	}{
		{"bool true", "true", ""},
		{"bool false", "false", ""},
		{"int", "42", "int"},
		{"negative int", "-1", "int"},
		{"float", "1.618", "float"},
		{"string", "memory", "string"},
		{"address", "0.0.0.0:17091", "string"},
		{"duration seconds", "5s", "duration"},
		{"duration minutes", "5m", "duration"},
		{"duration hours", "1h", "duration"},
		{"empty", "", "string"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := &flag.Flag{DefValue: tc.defValue}
			if got := flagType(f); got != tc.expected {
				t.Errorf("flagType(%q) = %q, want %q", tc.defValue, got, tc.expected)
			}
		})
	}
}

func TestFindConfigArg(t *testing.T) {
	testCases := []struct {
		name string
		args []string
		want string
	}{
		{"absent", []string{"-shards", "2", "cat"}, ""},
		{"single dash", []string{"-config", "a.yaml"}, "a.yaml"},
		{"double dash", []string{"--config", "b.yaml"}, "b.yaml"},
		{"equals", []string{"-config=c.yaml"}, "c.yaml"},
		{"after terminator", []string{"--", "cat", "-config", "d.yaml"}, ""},
		{"missing value", []string{"-config"}, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := findConfigArg(tc.args); got != tc.want {
				t.Errorf("findConfigArg(%v) = %q, want %q", tc.args, got, tc.want)
			}
		})
	}
}

// ============================================================================
// Defaults and parsing
// ============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Shards != 4 {
		t.Errorf("Shards = %d, want 4", cfg.Shards)
	}
	if cfg.PriorityInterval != time.Second {
		t.Errorf("PriorityInterval = %v, want 1s", cfg.PriorityInterval)
	}
	if cfg.Broker != BrokerMemory {
		t.Errorf("Broker = %q, want %q", cfg.Broker, BrokerMemory)
	}
	if cfg.RestartPolicy != RestartExponential {
		t.Errorf("RestartPolicy = %q, want %q", cfg.RestartPolicy, RestartExponential)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if cfg.TUIEnabled {
		t.Error("TUI should be disabled by default")
	}

	// Defaults are valid once a command is supplied.
	cfg.Command = "cat"
	if err := Validate(cfg); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseArgs_Flags(t *testing.T) {
	args := []string{
		"-shards", "8",
		"-broker", "redis",
		"-redis-addr", "127.0.0.1:6380",
		"-env", "A=1",
		"-env", "B=2",
		"-restart-policy", "linear",
		"-kafka-brokers", "k1:9092,k2:9092",
		"--", "python3", "worker.py", "-x",
	}

	cfg, err := ParseArgs(newFlagSet(), args)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	if cfg.Shards != 8 {
		t.Errorf("Shards = %d, want 8", cfg.Shards)
	}
	if cfg.Broker != BrokerRedis {
		t.Errorf("Broker = %q, want redis", cfg.Broker)
	}
	if cfg.Redis.Addr != "127.0.0.1:6380" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if strings.Join(cfg.Env, " ") != "A=1 B=2" {
		t.Errorf("Env = %v", cfg.Env)
	}
	if cfg.RestartPolicy != RestartLinear {
		t.Errorf("RestartPolicy = %q", cfg.RestartPolicy)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("Kafka.Brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Command != "python3" {
		t.Errorf("Command = %q, want python3", cfg.Command)
	}
	if strings.Join(cfg.Args, " ") != "worker.py -x" {
		t.Errorf("Args = %v", cfg.Args)
	}
}

func TestParseArgs_NoCommand(t *testing.T) {
	cfg, err := ParseArgs(newFlagSet(), []string{"-shards", "2"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if cfg.Command != "" || len(cfg.Args) != 0 {
		t.Errorf("expected no command, got %q %v", cfg.Command, cfg.Args)
	}
	if err := Validate(cfg); err == nil {
		t.Error("missing command should fail validation")
	}
}

func TestParseArgs_UnknownFlag(t *testing.T) {
	if _, err := ParseArgs(newFlagSet(), []string{"-nope"}); err == nil {
		t.Error("unknown flag should fail")
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shards.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseArgs_ConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
shards: 6
command: ./worker
args: ["--mode", "fast"]
broker: nats
priority_interval: 250ms
restart_policy: constant
nats:
  url: nats://127.0.0.1:4333
  stream: JOBS
`)

	cfg, err := ParseArgs(newFlagSet(), []string{"-config", path, "-shards", "3"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	// Explicit flags override the file.
	if cfg.Shards != 3 {
		t.Errorf("Shards = %d, want 3 (flag wins)", cfg.Shards)
	}
	if cfg.Command != "./worker" {
		t.Errorf("Command = %q, want ./worker", cfg.Command)
	}
	if strings.Join(cfg.Args, " ") != "--mode fast" {
		t.Errorf("Args = %v", cfg.Args)
	}
	if cfg.Broker != BrokerNATS {
		t.Errorf("Broker = %q, want nats", cfg.Broker)
	}
	if cfg.PriorityInterval != 250*time.Millisecond {
		t.Errorf("PriorityInterval = %v, want 250ms", cfg.PriorityInterval)
	}
	if cfg.NATS.URL != "nats://127.0.0.1:4333" || cfg.NATS.Stream != "JOBS" {
		t.Errorf("NATS = %+v", cfg.NATS)
	}
	// Fields missing from the file keep their defaults.
	if cfg.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want default 100", cfg.BatchSize)
	}
	if cfg.File != path {
		t.Errorf("File = %q, want %q", cfg.File, path)
	}
}

func TestParseArgs_ConfigFileCommandOverridden(t *testing.T) {
	path := writeConfigFile(t, "command: ./worker\nargs: [a]\n")

	cfg, err := ParseArgs(newFlagSet(), []string{"--config=" + path, "cat"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if cfg.Command != "cat" || len(cfg.Args) != 0 {
		t.Errorf("positional command should win, got %q %v", cfg.Command, cfg.Args)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	cfg := DefaultConfig()
	if err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), cfg); err == nil {
		t.Error("missing file should fail")
	}

	bad := writeConfigFile(t, "shards: [not, a, number]\n")
	if err := LoadFile(bad, cfg); err == nil {
		t.Error("malformed file should fail")
	}
}

// ============================================================================
// Validation
// ============================================================================

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Command = "cat"
	return cfg
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing command", func(c *Config) { c.Command = "" }, "command"},
		{"zero shards", func(c *Config) { c.Shards = 0 }, "shards"},
		{"zero priority interval", func(c *Config) { c.PriorityInterval = 0 }, "priority_interval"},
		{"zero priority timeout", func(c *Config) { c.PriorityTimeout = 0 }, "priority_timeout"},
		{"negative duration", func(c *Config) { c.Duration = -time.Second }, "duration"},
		{"zero status interval", func(c *Config) { c.StatusCheckInterval = 0 }, "status_check_interval"},
		{"zero quiet period", func(c *Config) { c.QuietPeriod = 0 }, "quiet_period"},
		{"zero output queue", func(c *Config) { c.OutputQueueSize = 0 }, "output_queue_size"},
		{"zero error queue", func(c *Config) { c.ErrorQueueSize = 0 }, "error_queue_size"},
		{"bad env", func(c *Config) { c.Env = []string{"NOEQUALS"} }, "env"},
		{"empty env key", func(c *Config) { c.Env = []string{"=x"} }, "env"},
		{"bad restart policy", func(c *Config) { c.RestartPolicy = "random" }, "restart_policy"},
		{"zero restart min", func(c *Config) { c.RestartMin = 0 }, "restart_min"},
		{"restart max below min", func(c *Config) { c.RestartMax = c.RestartMin / 2 }, "restart_max"},
		{"restart base", func(c *Config) { c.RestartBase = 1.0 }, "restart_base"},
		{"restart steps", func(c *Config) { c.RestartPolicy = RestartLinear; c.RestartSteps = 0 }, "restart_steps"},
		{"negative restart jitter", func(c *Config) { c.RestartJitter = -0.1 }, "restart_jitter"},
		{"restart jitter above one", func(c *Config) { c.RestartJitter = 1.5 }, "restart_jitter"},
		{"bad broker", func(c *Config) { c.Broker = "rabbit" }, "broker"},
		{"nats url", func(c *Config) { c.Broker = BrokerNATS; c.NATS.URL = "localhost" }, "nats.url"},
		{"kafka broker", func(c *Config) { c.Broker = BrokerKafka; c.Kafka.Brokers = []string{""} }, "kafka.brokers"},
		{"empty input topic", func(c *Config) { c.InputTopic = "" }, "input_topic"},
		{"empty output topic", func(c *Config) { c.OutputTopic = "" }, "output_topic"},
		{"input equals output", func(c *Config) { c.OutputTopic = c.InputTopic }, "input_topic"},
		{"empty group", func(c *Config) { c.Group = "" }, "group"},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }, "batch_size"},
		{"zero batch timeout", func(c *Config) { c.BatchTimeout = 0 }, "batch_timeout"},
		{"zero reserve timeout", func(c *Config) { c.ReserveTimeout = 0 }, "reserve_timeout"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"zero monitor interval", func(c *Config) { c.MonitorInterval = 0 }, "monitor_interval"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := Validate(cfg)

			if tc.field == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error on %s", tc.field)
			}
			if !strings.Contains(err.Error(), tc.field+":") {
				t.Errorf("error %q does not mention %s", err, tc.field)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Command = ""
	cfg.Shards = 0
	cfg.LogFormat = "xml"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}

	var count int
	for _, field := range []string{"command", "shards", "log_format"} {
		if strings.Contains(err.Error(), field+":") {
			count++
		}
	}
	if count != 3 {
		t.Errorf("expected all three problems reported, got %q", err)
	}

	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Error("joined error should unwrap to ValidationError")
	}
}

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "test_field",
		Message: "test message",
	}

	errStr := err.Error()
	if errStr != "test_field: test message" {
		t.Errorf("Error string = %q, want %q", errStr, "test_field: test message")
	}
}

// ============================================================================
// Restart policy and check mode
// ============================================================================

func TestRestartDelay(t *testing.T) {
	testCases := []struct {
		policy string
		first  time.Duration
		late   time.Duration
	}{
		{RestartConstant, 250 * time.Millisecond, 250 * time.Millisecond},
		{RestartLinear, 250 * time.Millisecond, 5 * time.Second},
		{RestartExponential, 250 * time.Millisecond, 5 * time.Second},
	}

	for _, tc := range testCases {
		t.Run(tc.policy, func(t *testing.T) {
			cfg := validConfig()
			cfg.RestartPolicy = tc.policy
			delay := cfg.RestartDelay()

			if got := delay(0); got != tc.first {
				t.Errorf("delay(0) = %v, want %v", got, tc.first)
			}
			if got := delay(100); got != tc.late {
				t.Errorf("delay(100) = %v, want %v", got, tc.late)
			}
		})
	}
}

func TestRestartDelay_Base2(t *testing.T) {
	cfg := validConfig()
	cfg.RestartPolicy = RestartExponential
	cfg.RestartBase = 2
	delay := cfg.RestartDelay()

	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := delay(i); got != w {
			t.Errorf("delay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestRestartPolicyFor(t *testing.T) {
	cfg := validConfig()
	p := cfg.RestartPolicyFor()

	if p.OnSuccess == nil || p.OnError == nil {
		t.Fatal("policy should set both delays")
	}
	if got := p.OnSuccess(50); got != cfg.RestartMin {
		t.Errorf("OnSuccess(50) = %v, want %v", got, cfg.RestartMin)
	}
	if got := p.OnError(50); got != cfg.RestartMax {
		t.Errorf("OnError(50) = %v, want %v", got, cfg.RestartMax)
	}
}

func TestApplyCheckMode(t *testing.T) {
	cfg := validConfig()
	cfg.Shards = 100
	cfg.Verbose = false
	cfg.Broker = BrokerKafka
	cfg.TUIEnabled = true

	ApplyCheckMode(cfg)

	if cfg.Shards != 1 {
		t.Errorf("Check mode should set shards=1, got %d", cfg.Shards)
	}
	if !cfg.Verbose {
		t.Error("Check mode should enable verbose")
	}
	if cfg.Duration != 10*time.Second {
		t.Errorf("Check mode should set duration=10s, got %v", cfg.Duration)
	}
	if cfg.Broker != BrokerMemory {
		t.Errorf("Check mode should use the memory broker, got %q", cfg.Broker)
	}
	if cfg.TUIEnabled {
		t.Error("Check mode should disable the TUI")
	}
}
