// Package config loads ELSPETH's process configuration from the environment
// and fingerprints secret-shaped fields before they are ever persisted into
// runs.config_json (spec.md §6).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Env loads configuration from environment variables, optionally namespaced
// under a prefix ("ELSPETH" + "_" + key).
type Env struct {
	prefix string
}

// NewEnv creates an environment loader for prefix.
func NewEnv(prefix string) *Env {
	return &Env{prefix: prefix}
}

func (e *Env) buildKey(key string) string {
	if e.prefix != "" {
		return e.prefix + "_" + key
	}
	return key
}

// GetString returns key's value, or defaultValue if unset.
func (e *Env) GetString(key, defaultValue string) string {
	if v := os.Getenv(e.buildKey(key)); v != "" {
		return v
	}
	return defaultValue
}

// MustGetString returns key's value, panicking if unset.
func (e *Env) MustGetString(key string) string {
	fullKey := e.buildKey(key)
	v := os.Getenv(fullKey)
	if v == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	return v
}

// GetInt returns key's value parsed as an int, or defaultValue if unset or
// unparseable.
func (e *Env) GetInt(key string, defaultValue int) int {
	if v := os.Getenv(e.buildKey(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetInt64 returns key's value parsed as an int64, or defaultValue if unset
// or unparseable.
func (e *Env) GetInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(e.buildKey(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetBool returns key's value parsed as a bool, or defaultValue if unset or
// unparseable.
func (e *Env) GetBool(key string, defaultValue bool) bool {
	if v := os.Getenv(e.buildKey(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetDuration returns key's value parsed as a time.Duration, or defaultValue
// if unset or unparseable.
func (e *Env) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(e.buildKey(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// RuntimeConfig is the process-level configuration the CLI host loads before
// building an orchestrator.Config (spec.md §6's "config intake"): connection
// and concurrency knobs common to every run, independent of the pipeline's
// own YAML/JSON definition.
type RuntimeConfig struct {
	DatabaseURL      string
	MaxWorkers       int
	CheckpointEveryN int64
	LogLevel         string
	LogFormat        string
	MetricsAddr      string
	FingerprintKey   string
}

// LoadRuntimeConfig reads RuntimeConfig from the environment under the
// "ELSPETH" prefix.
func LoadRuntimeConfig() RuntimeConfig {
	env := NewEnv("ELSPETH")
	return RuntimeConfig{
		DatabaseURL:      env.GetString("DATABASE_URL", "postgres://localhost:5432/elspeth"),
		MaxWorkers:       env.GetInt("MAX_WORKERS", 4),
		CheckpointEveryN: env.GetInt64("CHECKPOINT_EVERY_N", 100),
		LogLevel:         env.GetString("LOG_LEVEL", "info"),
		LogFormat:        env.GetString("LOG_FORMAT", "text"),
		MetricsAddr:      env.GetString("METRICS_ADDR", ":9090"),
		FingerprintKey:   env.GetString("FINGERPRINT_KEY", ""),
	}
}
