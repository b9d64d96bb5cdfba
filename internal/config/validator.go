package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/exp/slices"
)

// ValidationError is a single invalid configuration value.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every problem found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// keyPrefixRegex keeps the prefix free of the key separator and of glob
// characters that would break SCAN patterns.
var keyPrefixRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// ValidLogLevels returns the accepted log.level values.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the accepted log.format values.
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// Validate returns every invalid value in c.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Cluster.Name == "" {
		add("cluster.name", c.Cluster.Name, "is required")
	}
	if c.Cluster.RedisURL == "" {
		add("cluster.redis_url", c.Cluster.RedisURL, "is required")
	} else if u, err := url.Parse(c.Cluster.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss" && u.Scheme != "unix") {
		add("cluster.redis_url", c.Cluster.RedisURL, "must be a redis://, rediss:// or unix:// URL")
	}
	if !keyPrefixRegex.MatchString(c.Cluster.KeyPrefix) {
		add("cluster.key_prefix", c.Cluster.KeyPrefix, "must contain only letters, digits, dash and underscore")
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Log.Level)) {
		add("log.level", c.Log.Level, fmt.Sprintf("must be one of %v", ValidLogLevels()))
	}
	if !slices.Contains(ValidLogFormats(), strings.ToLower(c.Log.Format)) {
		add("log.format", c.Log.Format, fmt.Sprintf("must be one of %v", ValidLogFormats()))
	}

	if c.Management.Port < 1 || c.Management.Port > 65535 {
		add("management.port", c.Management.Port, "must be between 1 and 65535")
	}
	if c.Serving.Port < 1 || c.Serving.Port > 65535 {
		add("serving.port", c.Serving.Port, "must be between 1 and 65535")
	}
	if c.Serving.Endpoint != "" {
		if u, err := url.Parse(c.Serving.Endpoint); err != nil || u.Host == "" {
			add("serving.endpoint", c.Serving.Endpoint, "must be an absolute URL")
		}
	}

	if c.Worker.HeartbeatInterval <= 0 {
		add("worker.heartbeat_interval", c.Worker.HeartbeatInterval, "must be positive")
	}
	if len(c.Worker.StorageEngines) == 0 {
		add("worker.storage_engines", c.Worker.StorageEngines, "at least one engine is required")
	}
	if len(c.Worker.ServingEngines) == 0 {
		add("worker.serving_engines", c.Worker.ServingEngines, "at least one engine is required")
	}
	if c.Worker.ExecutorConcurrency < 1 {
		add("worker.executor_concurrency", c.Worker.ExecutorConcurrency, "must be at least 1")
	}

	if c.Scheduler.Interval <= 0 {
		add("scheduler.interval", c.Scheduler.Interval, "must be positive")
	}
	if c.Scheduler.WarnThreshold < 0 || c.Scheduler.WarnThreshold >= c.Scheduler.Interval {
		add("scheduler.warn_threshold", c.Scheduler.WarnThreshold, "must be non-negative and below scheduler.interval")
	}
	if c.Scheduler.LockRetry <= 0 {
		add("scheduler.lock_retry", c.Scheduler.LockRetry, "must be positive")
	}
	if c.Scheduler.AssignDelay < 0 {
		add("scheduler.assign_delay", c.Scheduler.AssignDelay, "must not be negative")
	}

	return errs
}
