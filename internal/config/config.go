// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Destination configures the path-parser's destination regex (spec
// section 4.1).
type Destination struct {
	Regex string `mapstructure:"regex"`
}

// Triggers names the basenames the coordinator reacts to (spec section
// 6); StartBackfill is unset by default, which disables that gate.
type Triggers struct {
	SuccessFilename       string `mapstructure:"success_filename"`
	StartBackfillFilename string `mapstructure:"start_backfill_filename"`
}

// Batching bounds one batch's cumulative size and cardinality (spec
// section 4.4).
type Batching struct {
	MaxBatchBytes int64 `mapstructure:"max_batch_bytes"`
	MaxSourceURIs int   `mapstructure:"max_source_uris"`
}

// Warehouse configures job submission and the fail-fast watch (spec
// section 4.5).
type Warehouse struct {
	Project             string `mapstructure:"project"`
	JobPrefix           string `mapstructure:"job_prefix"`
	WaitForJobSeconds   int    `mapstructure:"wait_for_job_seconds"`
	JobPollIntervalSecs int    `mapstructure:"job_poll_interval_seconds"`
}

// Backlog configures the publisher/subscriber pair guarding ordered
// dispatch (spec sections 4.7-4.8).
type Backlog struct {
	OrderAllJobs         bool `mapstructure:"order_all_jobs"`
	RestartBufferSeconds int  `mapstructure:"restart_buffer_seconds"`
	EnsureSubscriberSecs int  `mapstructure:"ensure_subscriber_seconds"`
	FunctionTimeoutSec   int  `mapstructure:"function_timeout_sec"`
	PollingTimeoutSecs   int  `mapstructure:"polling_timeout_seconds"`
}

// CircuitBreaker holds circuit-breaker settings (same shape as a
// Redis-backed worker's breaker config). They are loaded and defaulted
// here but not passed to warehouse.Planner, which builds its breaker with
// fixed settings (1m window, 30s cooldown, 0.5 threshold, 5 min samples).
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	LogJSON     bool          `mapstructure:"log_json"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// HTTPConfig configures the notification webhook adapter.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type Config struct {
	Destination    Destination         `mapstructure:"destination"`
	Triggers       Triggers            `mapstructure:"triggers"`
	Batching       Batching            `mapstructure:"batching"`
	Warehouse      Warehouse           `mapstructure:"warehouse"`
	Backlog        Backlog             `mapstructure:"backlog"`
	CircuitBreaker CircuitBreaker      `mapstructure:"circuit_breaker"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
	HTTP           HTTPConfig          `mapstructure:"http"`
}

func defaultConfig() *Config {
	return &Config{
		Destination: Destination{Regex: ""}, // empty -> pathparser.DefaultPattern
		Triggers: Triggers{
			SuccessFilename:       "_SUCCESS",
			StartBackfillFilename: "",
		},
		Batching: Batching{
			MaxBatchBytes: 15_000_000_000_000,
			MaxSourceURIs: 10_000,
		},
		Warehouse: Warehouse{
			JobPrefix:           "gcf-ingest-",
			WaitForJobSeconds:   5,
			JobPollIntervalSecs: 1,
		},
		Backlog: Backlog{
			OrderAllJobs:         false,
			RestartBufferSeconds: 30,
			EnsureSubscriberSecs: 30,
			FunctionTimeoutSec:   60,
			PollingTimeoutSecs:   5,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			LogLevel:    "info",
			LogJSON:     true,
			Tracing:     TracingConfig{Enabled: false},
		},
		HTTP: HTTPConfig{Addr: ":8080"},
	}
}

// Load reads configuration from a YAML file and environment overrides,
// the same viper wiring a Redis-backed worker config uses: env vars take the
// mapstructure path upper-cased with underscores, e.g.
// WAREHOUSE_JOB_PREFIX overrides warehouse.job_prefix. The top-level
// spec section 6 names (DESTINATION_REGEX, SUCCESS_FILENAME, ...) are
// bound explicitly below since they don't nest under a mapstructure
// prefix.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("destination.regex", def.Destination.Regex)
	v.SetDefault("triggers.success_filename", def.Triggers.SuccessFilename)
	v.SetDefault("triggers.start_backfill_filename", def.Triggers.StartBackfillFilename)
	v.SetDefault("batching.max_batch_bytes", def.Batching.MaxBatchBytes)
	v.SetDefault("batching.max_source_uris", def.Batching.MaxSourceURIs)
	v.SetDefault("warehouse.job_prefix", def.Warehouse.JobPrefix)
	v.SetDefault("warehouse.wait_for_job_seconds", def.Warehouse.WaitForJobSeconds)
	v.SetDefault("warehouse.job_poll_interval_seconds", def.Warehouse.JobPollIntervalSecs)
	v.SetDefault("backlog.order_all_jobs", def.Backlog.OrderAllJobs)
	v.SetDefault("backlog.restart_buffer_seconds", def.Backlog.RestartBufferSeconds)
	v.SetDefault("backlog.ensure_subscriber_seconds", def.Backlog.EnsureSubscriberSecs)
	v.SetDefault("backlog.function_timeout_sec", def.Backlog.FunctionTimeoutSec)
	v.SetDefault("backlog.polling_timeout_seconds", def.Backlog.PollingTimeoutSecs)
	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)
	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.log_json", def.Observability.LogJSON)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("http.addr", def.HTTP.Addr)

	// Spec section 6's bare env var names are the operator-facing
	// contract (this is how the original Cloud Function was
	// configured); bind them onto the nested keys above so both
	// YAML and the historical env names work.
	bindings := map[string]string{
		"DESTINATION_REGEX":         "destination.regex",
		"SUCCESS_FILENAME":          "triggers.success_filename",
		"START_BACKFILL_FILENAME":   "triggers.start_backfill_filename",
		"MAX_BATCH_BYTES":           "batching.max_batch_bytes",
		"WAIT_FOR_JOB_SECONDS":      "warehouse.wait_for_job_seconds",
		"JOB_POLL_INTERVAL_SECONDS": "warehouse.job_poll_interval_seconds",
		"RESTART_BUFFER_SECONDS":    "backlog.restart_buffer_seconds",
		"ENSURE_SUBSCRIBER_SECONDS": "backlog.ensure_subscriber_seconds",
		"ORDER_ALL_JOBS":            "backlog.order_all_jobs",
		"JOB_PREFIX":                "warehouse.job_prefix",
		"FUNCTION_TIMEOUT_SEC":      "backlog.function_timeout_sec",
		"BQ_PROJECT":                "warehouse.project",
		"GCP_PROJECT":               "warehouse.project",
	}
	for env, key := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid
// settings.
func Validate(cfg *Config) error {
	if cfg.Batching.MaxBatchBytes <= 0 {
		return fmt.Errorf("batching.max_batch_bytes must be > 0")
	}
	if cfg.Batching.MaxSourceURIs <= 0 {
		return fmt.Errorf("batching.max_source_uris must be > 0")
	}
	if cfg.Warehouse.JobPrefix == "" {
		return fmt.Errorf("warehouse.job_prefix must be non-empty")
	}
	if cfg.Warehouse.WaitForJobSeconds <= 0 {
		return fmt.Errorf("warehouse.wait_for_job_seconds must be > 0")
	}
	if cfg.Warehouse.JobPollIntervalSecs <= 0 {
		return fmt.Errorf("warehouse.job_poll_interval_seconds must be > 0")
	}
	if cfg.Backlog.FunctionTimeoutSec <= cfg.Backlog.RestartBufferSeconds {
		return fmt.Errorf("backlog.function_timeout_sec must be > backlog.restart_buffer_seconds")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
