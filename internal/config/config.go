// Package config loads orchestrator configuration from built-in defaults,
// an optional YAML file, and environment variables prefixed ORCH_, in that
// increasing order of precedence.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the orchestrator's full runtime configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	HTTP HTTPConfig `mapstructure:"http"`

	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`

	Persistence PersistenceConfig `mapstructure:"persistence"`

	NATS NATSConfig `mapstructure:"nats"`
}

// HTTPConfig configures the ingress HTTP surface.
type HTTPConfig struct {
	Addr                 string `mapstructure:"addr"`
	SubmitRateLimitBurst int    `mapstructure:"submit_rate_limit_burst"`
	SubmitRateLimitPerS  int    `mapstructure:"submit_rate_limit_per_second"`
}

// OrchestratorConfig configures the worker pool and retry policy. Field
// names and defaults follow spec §4.3/§6 exactly; the backoff sequence
// itself is fixed, not configurable, per spec §4.3.
type OrchestratorConfig struct {
	MaxConcurrentAgents int           `mapstructure:"max_concurrent_agents"`
	AgentTimeoutSeconds int           `mapstructure:"agent_timeout_seconds"`
	TaskRetryLimit      int           `mapstructure:"task_retry_limit"`
	TerminatedRetention int           `mapstructure:"terminated_retention"`
	DequeuePollInterval time.Duration `mapstructure:"dequeue_poll_interval"`
}

// PersistenceConfig configures the BoltDB-backed store.
type PersistenceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// NATSConfig configures the optional NATS connection used for event-driven
// workflow triggers.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// Load reads configuration from defaults, configPath (if non-empty), and
// environment variables prefixed ORCH_, in that order of increasing
// precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	if configPath != "" {
		if filepath.IsAbs(configPath) {
			v.SetConfigFile(configPath)
		} else {
			v.AddConfigPath(filepath.Dir(configPath))
			ext := filepath.Ext(configPath)
			v.SetConfigName(filepath.Base(configPath[:len(configPath)-len(ext)]))
		}
	} else {
		v.SetConfigName("orchestrator")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/orchestrator")
	}

	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.submit_rate_limit_burst", 50)
	v.SetDefault("http.submit_rate_limit_per_second", 20)

	v.SetDefault("orchestrator.max_concurrent_agents", 20)
	v.SetDefault("orchestrator.agent_timeout_seconds", 300)
	v.SetDefault("orchestrator.task_retry_limit", 3)
	v.SetDefault("orchestrator.terminated_retention", 500)
	v.SetDefault("orchestrator.dequeue_poll_interval", 100*time.Millisecond)

	v.SetDefault("persistence.enabled", true)
	v.SetDefault("persistence.dir", "./data")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
}
