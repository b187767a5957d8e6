// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the layered Flux configuration. Precedence,
// highest first: FLUX_* environment variables (FLUX_<GROUP>__<KEY> for
// nested keys), a flux.toml file at the project root, compiled defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// Config is the immutable process-wide configuration. It is built once
// at startup and handed to components by value or pointer; nothing
// mutates it afterwards.
type Config struct {
	// Debug enables debug logging and source locations.
	Debug bool `mapstructure:"debug"`

	// LogLevel sets the minimum log level (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level"`

	// ServerHost is the address the server binds to.
	ServerHost string `mapstructure:"server_host"`

	// ServerPort is the port the server binds to.
	ServerPort int `mapstructure:"server_port"`

	// APIURL is the base URL clients use to reach the server.
	APIURL string `mapstructure:"api_url"`

	// Home is the Flux home directory for local state.
	Home string `mapstructure:"home"`

	// CachePath is the directory for the local task cache.
	CachePath string `mapstructure:"cache_path"`

	// LocalStoragePath is the directory for by-ref output storage.
	LocalStoragePath string `mapstructure:"local_storage_path"`

	// Serializer selects the default codec: "json" or "general".
	Serializer string `mapstructure:"serializer"`

	// DatabaseURL is the repository location. "sqlite://<path>" or
	// ":memory:" for the in-memory backend.
	DatabaseURL string `mapstructure:"database_url"`

	Executor ExecutorConfig `mapstructure:"executor"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Security SecurityConfig `mapstructure:"security"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Cache    CacheConfig    `mapstructure:"cache"`
}

// ExecutorConfig holds task execution defaults applied when a task does
// not configure its own values.
type ExecutorConfig struct {
	// MaxWorkers bounds concurrent executions on a single worker.
	MaxWorkers int `mapstructure:"max_workers"`

	// DefaultTimeout is the per-attempt deadline. Zero disables it.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`

	// RetryAttempts is the default retry budget.
	RetryAttempts int `mapstructure:"retry_attempts"`

	// RetryDelay is the default initial retry delay.
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	// RetryBackoff is the default geometric backoff multiplier.
	RetryBackoff float64 `mapstructure:"retry_backoff"`
}

// WorkersConfig holds worker-node settings.
type WorkersConfig struct {
	// BootstrapToken authenticates worker registration.
	BootstrapToken string `mapstructure:"bootstrap_token"`

	// ServerURL is the control plane base URL workers connect to.
	ServerURL string `mapstructure:"server_url"`

	// DefaultTimeout is the worker-side HTTP request timeout.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`

	// RetryAttempts bounds reconnect/registration retries per cycle.
	RetryAttempts int `mapstructure:"retry_attempts"`

	// RetryDelay is the initial reconnect backoff.
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	// RetryBackoff is the reconnect backoff multiplier.
	RetryBackoff float64 `mapstructure:"retry_backoff"`
}

// SecurityConfig holds security settings.
type SecurityConfig struct {
	// EncryptionKey is the master key material for the secrets vault.
	// Required before any secret can be stored or read.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// CatalogConfig holds workflow catalog settings.
type CatalogConfig struct {
	// AutoRegister watches WorkflowsDir and registers graph workflow
	// files as they appear or change.
	AutoRegister bool `mapstructure:"auto_register"`

	// WorkflowsDir is the directory watched when AutoRegister is set.
	WorkflowsDir string `mapstructure:"workflows_dir"`
}

// CacheConfig holds task-output cache settings. The in-process layer is
// a bounded LRU; the durable layer is the repository, or Redis when
// RedisURL is set.
type CacheConfig struct {
	// Size is the in-process LRU capacity in entries.
	Size int `mapstructure:"size"`

	// TTL is applied to durable entries. Zero keeps entries forever.
	TTL time.Duration `mapstructure:"ttl"`

	// RedisURL selects the Redis cache backend when non-empty.
	RedisURL string `mapstructure:"redis_url"`
}

// Load builds the configuration from defaults, an optional flux.toml at
// path (or the working directory when path is empty), and FLUX_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("flux")
	v.SetConfigType("toml")
	if path != "" {
		v.AddConfigPath(path)
	} else {
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FLUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; a malformed one is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, &fluxerrors.ConfigError{Reason: "failed to read flux.toml", Cause: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &fluxerrors.ConfigError{Reason: "failed to unmarshal configuration", Cause: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults registers compiled defaults, the lowest-precedence layer.
func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("server_host", "localhost")
	v.SetDefault("server_port", 8000)
	v.SetDefault("api_url", "")
	v.SetDefault("home", ".flux")
	v.SetDefault("cache_path", ".cache")
	v.SetDefault("local_storage_path", ".data")
	v.SetDefault("serializer", "json")
	v.SetDefault("database_url", "sqlite://.flux/flux.db")

	v.SetDefault("executor.max_workers", 10)
	v.SetDefault("executor.default_timeout", time.Duration(0))
	v.SetDefault("executor.retry_attempts", 0)
	v.SetDefault("executor.retry_delay", time.Second)
	v.SetDefault("executor.retry_backoff", 2.0)

	v.SetDefault("workers.bootstrap_token", "")
	v.SetDefault("workers.server_url", "http://localhost:8000")
	v.SetDefault("workers.default_timeout", 30*time.Second)
	v.SetDefault("workers.retry_attempts", 3)
	v.SetDefault("workers.retry_delay", time.Second)
	v.SetDefault("workers.retry_backoff", 2.0)

	v.SetDefault("security.encryption_key", "")

	v.SetDefault("catalog.auto_register", false)
	v.SetDefault("catalog.workflows_dir", "")

	v.SetDefault("cache.size", 1024)
	v.SetDefault("cache.ttl", time.Duration(0))
	v.SetDefault("cache.redis_url", "")
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c.Serializer != "json" && c.Serializer != "general" {
		return &fluxerrors.ConfigError{
			Key:    "serializer",
			Reason: fmt.Sprintf("must be %q or %q, got %q", "json", "general", c.Serializer),
		}
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return &fluxerrors.ConfigError{
			Key:    "server_port",
			Reason: fmt.Sprintf("must be in (0, 65535], got %d", c.ServerPort),
		}
	}
	if c.Executor.RetryBackoff < 1 {
		return &fluxerrors.ConfigError{
			Key:    "executor.retry_backoff",
			Reason: "must be >= 1",
		}
	}
	if c.Cache.Size <= 0 {
		return &fluxerrors.ConfigError{
			Key:    "cache.size",
			Reason: "must be > 0",
		}
	}
	if c.Catalog.AutoRegister && c.Catalog.WorkflowsDir == "" {
		return &fluxerrors.ConfigError{
			Key:    "catalog.workflows_dir",
			Reason: "required when catalog.auto_register is enabled",
		}
	}
	return nil
}

// ServerAddr returns the host:port the server binds to.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// BaseURL returns the URL clients should use, preferring api_url.
func (c *Config) BaseURL() string {
	if c.APIURL != "" {
		return strings.TrimSuffix(c.APIURL, "/")
	}
	return fmt.Sprintf("http://%s", c.ServerAddr())
}
