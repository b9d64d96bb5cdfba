// Package config loads inferout's process configuration through viper.
//
// Values resolve in the usual viper order: explicit flags, INFEROUT_*
// environment variables (dots become underscores, so cluster.redis_url is
// INFEROUT_CLUSTER_REDIS_URL), an optional YAML file, then the defaults
// registered by SetDefaults.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "INFEROUT"

// Config is the complete configuration of an inferout process.
type Config struct {
	Cluster    ClusterConfig   `mapstructure:"cluster"`
	Log        LogConfig       `mapstructure:"log"`
	Management ListenConfig    `mapstructure:"management"`
	Serving    ServingConfig   `mapstructure:"serving"`
	Worker     WorkerConfig    `mapstructure:"worker"`
	Scheduler  SchedulerConfig `mapstructure:"scheduler"`
}

// ClusterConfig identifies the cluster and its Redis store.
type ClusterConfig struct {
	Name      string `mapstructure:"name"`
	RedisURL  string `mapstructure:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ListenConfig is a TCP listen address.
type ListenConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port.
func (l ListenConfig) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// ServingConfig is the serving API listener plus the endpoint other workers
// use to reach it. An empty Endpoint is derived from the listen address.
type ServingConfig struct {
	ListenConfig `mapstructure:",squash"`
	Endpoint     string `mapstructure:"endpoint"`
}

// WorkerConfig controls the worker runtime.
type WorkerConfig struct {
	HeartbeatInterval   time.Duration             `mapstructure:"heartbeat_interval"`
	StorageEngines      []string                  `mapstructure:"storage_engines"`
	ServingEngines      []string                  `mapstructure:"serving_engines"`
	EngineOptions       map[string]map[string]any `mapstructure:"engine_options"`
	ExecutorConcurrency int                       `mapstructure:"executor_concurrency"`
}

// SchedulerConfig controls the reconciliation loop.
type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	WarnThreshold time.Duration `mapstructure:"warn_threshold"`
	LockRetry     time.Duration `mapstructure:"lock_retry"`
	AssignDelay   time.Duration `mapstructure:"assign_delay"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Cluster: ClusterConfig{
			KeyPrefix: "inferout",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Management: ListenConfig{Host: "0.0.0.0", Port: 9500},
		Serving: ServingConfig{
			ListenConfig: ListenConfig{Host: "0.0.0.0", Port: 9510},
		},
		Worker: WorkerConfig{
			HeartbeatInterval:   5 * time.Second,
			StorageEngines:      []string{"local_files"},
			ServingEngines:      []string{"echo"},
			EngineOptions:       map[string]map[string]any{},
			ExecutorConcurrency: 8,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			Interval:      5 * time.Second,
			WarnThreshold: 3 * time.Second,
			LockRetry:     500 * time.Millisecond,
			AssignDelay:   100 * time.Millisecond,
		},
	}
}

// SetDefaults registers every default with v so that environment variables
// and flags can override keys that are absent from the config file.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("cluster.name", d.Cluster.Name)
	v.SetDefault("cluster.redis_url", d.Cluster.RedisURL)
	v.SetDefault("cluster.key_prefix", d.Cluster.KeyPrefix)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("management.host", d.Management.Host)
	v.SetDefault("management.port", d.Management.Port)

	v.SetDefault("serving.host", d.Serving.Host)
	v.SetDefault("serving.port", d.Serving.Port)
	v.SetDefault("serving.endpoint", d.Serving.Endpoint)

	v.SetDefault("worker.heartbeat_interval", d.Worker.HeartbeatInterval)
	v.SetDefault("worker.storage_engines", d.Worker.StorageEngines)
	v.SetDefault("worker.serving_engines", d.Worker.ServingEngines)
	v.SetDefault("worker.engine_options", d.Worker.EngineOptions)
	v.SetDefault("worker.executor_concurrency", d.Worker.ExecutorConcurrency)

	v.SetDefault("scheduler.enabled", d.Scheduler.Enabled)
	v.SetDefault("scheduler.interval", d.Scheduler.Interval)
	v.SetDefault("scheduler.warn_threshold", d.Scheduler.WarnThreshold)
	v.SetDefault("scheduler.lock_retry", d.Scheduler.LockRetry)
	v.SetDefault("scheduler.assign_delay", d.Scheduler.AssignDelay)
}

// New returns a viper instance with defaults and environment binding in
// place. If file is not empty it is read as the config file.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return v, nil
}

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}
