// Package config loads the manager and agent configuration. Values come from
// built-in defaults, an optional YAML file, and SOURCEFLEET_ prefixed
// environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// SOURCEFLEET_DATABASE_URL for database.url.
const EnvPrefix = "SOURCEFLEET"

// Config represents the top-level configuration.
type Config struct {
	Web       WebConfig       `mapstructure:"web"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Poll      PollConfig      `mapstructure:"poll"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Retention RetentionConfig `mapstructure:"retention"`
	Agent     AgentConfig     `mapstructure:"agent"`
}

// WebConfig holds the HTTP listeners.
type WebConfig struct {
	APIHost         string        `mapstructure:"api_host"`
	DebugHost       string        `mapstructure:"debug_host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig selects the source store. An empty URL keeps all state in
// memory, which is only suitable for a single replica.
type DatabaseConfig struct {
	URL           string `mapstructure:"url"`
	MaxConns      int32  `mapstructure:"max_conns"`
	MigrateOnBoot bool   `mapstructure:"migrate_on_boot"`
}

// KafkaConfig configures the domain event bus. With no brokers events stay
// on an in-process bus.
type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	LifecycleTopic string   `mapstructure:"lifecycle_topic"`
	AuditTopic     string   `mapstructure:"audit_topic"`
	GroupID        string   `mapstructure:"group_id"`
	ClientID       string   `mapstructure:"client_id"`
}

// Enabled reports whether a Kafka cluster is configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	ServiceName      string   `mapstructure:"service_name"`
	ExporterEndpoint string   `mapstructure:"exporter_endpoint"`
	Insecure         bool     `mapstructure:"insecure"`
	SamplingRatio    float64  `mapstructure:"sampling_ratio"`
	ExcludedRoutes   []string `mapstructure:"excluded_routes"`
}

// DispatchConfig tunes the dispatch coordinator and binding.
type DispatchConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"`
	Strategy    string        `mapstructure:"strategy"`
	// PinsFile points at a YAML file of static source and group pins.
	PinsFile string `mapstructure:"pins_file"`
}

// PollConfig tunes the agent poll service.
type PollConfig struct {
	PageSize              int           `mapstructure:"page_size"`
	FinalizeWorkers       int           `mapstructure:"finalize_workers"`
	FinalizeQueue         int           `mapstructure:"finalize_queue"`
	FinalizeGrace         time.Duration `mapstructure:"finalize_grace"`
	FinalizeSweepInterval time.Duration `mapstructure:"finalize_sweep_interval"`
}

// HeartbeatConfig tunes liveness tracking.
type HeartbeatConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	TimeoutMultiplier int           `mapstructure:"timeout_multiplier"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
}

// Timeout is how long a source or agent may stay silent before it is
// considered gone.
func (c HeartbeatConfig) Timeout() time.Duration {
	return c.Interval * time.Duration(c.TimeoutMultiplier)
}

// SnapshotConfig bounds reported snapshots.
type SnapshotConfig struct {
	MaxBytes int `mapstructure:"max_bytes"`
}

// RetentionConfig tunes the purge of deleted sources.
type RetentionConfig struct {
	Days     int           `mapstructure:"days"`
	Interval time.Duration `mapstructure:"interval"`
}

// Window is the retention period as a duration.
func (r RetentionConfig) Window() time.Duration {
	return time.Duration(r.Days) * 24 * time.Hour
}

// AgentConfig configures the reference agent.
type AgentConfig struct {
	ManagerURL        string        `mapstructure:"manager_url"`
	IP                string        `mapstructure:"ip"`
	ClusterName       string        `mapstructure:"cluster_name"`
	GroupSelector     string        `mapstructure:"group_selector"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("web.api_host", "0.0.0.0:8080")
	v.SetDefault("web.debug_host", "0.0.0.0:8090")
	v.SetDefault("web.read_timeout", 5*time.Second)
	v.SetDefault("web.write_timeout", 10*time.Second)
	v.SetDefault("web.idle_timeout", 120*time.Second)
	v.SetDefault("web.shutdown_timeout", 20*time.Second)
	v.SetDefault("web.cors_origins", []string{})

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.migrate_on_boot", true)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.lifecycle_topic", "source-lifecycle")
	v.SetDefault("kafka.audit_topic", "source-audit")
	v.SetDefault("kafka.group_id", "")
	v.SetDefault("kafka.client_id", "sourcefleet")

	v.SetDefault("telemetry.service_name", "sourcefleet-manager")
	v.SetDefault("telemetry.exporter_endpoint", "")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sampling_ratio", 0.1)
	v.SetDefault("telemetry.excluded_routes", []string{"/v1/health", "/v1/readiness"})

	v.SetDefault("dispatch.interval", 5*time.Second)
	v.SetDefault("dispatch.batch_size", 500)
	v.SetDefault("dispatch.concurrency", 8)
	v.SetDefault("dispatch.strategy", "round_robin")
	v.SetDefault("dispatch.pins_file", "")

	v.SetDefault("poll.page_size", 200)
	v.SetDefault("poll.finalize_workers", 4)
	v.SetDefault("poll.finalize_queue", 1024)
	v.SetDefault("poll.finalize_grace", 30*time.Second)
	v.SetDefault("poll.finalize_sweep_interval", 15*time.Second)

	v.SetDefault("heartbeat.interval", 10*time.Second)
	v.SetDefault("heartbeat.timeout_multiplier", 3)
	v.SetDefault("heartbeat.flush_interval", 3*time.Second)
	v.SetDefault("heartbeat.sweep_interval", 15*time.Second)
	v.SetDefault("heartbeat.batch_size", 1000)

	v.SetDefault("snapshot.max_bytes", 64*1024)

	v.SetDefault("retention.days", 7)
	v.SetDefault("retention.interval", time.Hour)

	v.SetDefault("agent.manager_url", "http://localhost:8080")
	v.SetDefault("agent.ip", "")
	v.SetDefault("agent.cluster_name", "")
	v.SetDefault("agent.group_selector", "")
	v.SetDefault("agent.poll_interval", 5*time.Second)
	v.SetDefault("agent.heartbeat_interval", 10*time.Second)
	v.SetDefault("agent.requests_per_second", 2.0)
	v.SetDefault("agent.burst", 4)
	v.SetDefault("agent.request_timeout", 10*time.Second)
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment overrides apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, errors.New("heartbeat.interval must be positive"))
	}
	if c.Heartbeat.TimeoutMultiplier < 1 {
		errs = append(errs, errors.New("heartbeat.timeout_multiplier must be at least 1"))
	}
	if c.Snapshot.MaxBytes <= 0 {
		errs = append(errs, errors.New("snapshot.max_bytes must be positive"))
	}
	if c.Retention.Days < 0 {
		errs = append(errs, errors.New("retention.days must not be negative"))
	}
	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		errs = append(errs, errors.New("telemetry.sampling_ratio must be within [0, 1]"))
	}
	if c.Kafka.Enabled() && (c.Kafka.LifecycleTopic == "" || c.Kafka.AuditTopic == "") {
		errs = append(errs, errors.New("kafka topics are required when brokers are set"))
	}
	return errors.Join(errs...)
}
