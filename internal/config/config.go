// Package config loads service configuration from an optional YAML file
// with environment-variable overrides for every knob.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	RedisURL string `mapstructure:"redis_url"`

	Models struct {
		// Main is the reasoning model used for planning, workers, and
		// the corrector. Mini handles routing and subject generation.
		Main      string `mapstructure:"main"`
		Mini      string `mapstructure:"mini"`
		Embedding string `mapstructure:"embedding"`
		BaseURL   string `mapstructure:"base_url"`
	} `mapstructure:"models"`

	Agent struct {
		MaxIterations    int `mapstructure:"max_iterations"`
		WorkerToolBudget int `mapstructure:"worker_tool_budget"`
		CorrectorBudget  int `mapstructure:"corrector_budget"`
		MaxTopicWorkers  int `mapstructure:"max_topic_workers"`
		TruncationLimit  int `mapstructure:"truncation_limit"`

		// RiskPatternsPath points at the corrector gating catalog;
		// compiled-in defaults apply when empty or unreadable.
		RiskPatternsPath string `mapstructure:"risk_patterns_path"`
	} `mapstructure:"agent"`

	Worker struct {
		Concurrency       int           `mapstructure:"concurrency"`
		RedeliveryTimeout time.Duration `mapstructure:"redelivery_timeout"`
	} `mapstructure:"worker"`

	Observability struct {
		MetricsPort  int    `mapstructure:"metrics_port"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
		LogLevel     string `mapstructure:"log_level"`
	} `mapstructure:"observability"`
}

// Load reads CONFIG_PATH (optional) and applies env overrides and
// defaults. A missing config file is not an error; env and defaults
// carry the full configuration.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.RedisURL = "redis://localhost:6379/0"
	c.Models.Main = "gpt-4o"
	c.Models.Mini = "gpt-4o-mini"
	c.Models.Embedding = "text-embedding-3-small"
	c.Agent.MaxIterations = 6
	c.Agent.WorkerToolBudget = 3
	c.Agent.CorrectorBudget = 2
	c.Agent.MaxTopicWorkers = 4
	c.Agent.TruncationLimit = 400
	c.Worker.Concurrency = 2
	c.Worker.RedeliveryTimeout = 120 * time.Second
	c.Observability.MetricsPort = 2112
	c.Observability.LogLevel = "info"
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("SRE_MODEL"); v != "" {
		c.Models.Main = v
	}
	if v := os.Getenv("SRE_MINI_MODEL"); v != "" {
		c.Models.Mini = v
	}
	if v := os.Getenv("SRE_EMBEDDING_MODEL"); v != "" {
		c.Models.Embedding = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.Models.BaseURL = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("TASK_REDELIVERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Worker.RedeliveryTimeout = d
		}
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Observability.MetricsPort = n
		}
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Observability.OTLPEndpoint = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Observability.LogLevel = v
	}
	if v := os.Getenv("SRE_RISK_PATTERNS"); v != "" {
		c.Agent.RiskPatternsPath = v
	}
}
