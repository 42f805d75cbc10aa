// Package config loads the service configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Engine   EngineConfig   `yaml:"engine"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Stipend  StipendConfig  `yaml:"stipend"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TradeRateLimit  float64       `yaml:"trade_rate_limit"` // requests/second per client
	TradeBurst      int           `yaml:"trade_burst"`
}

// RedisConfig configures the persistent state backend. An empty URL starts
// the process in fallback mode.
type RedisConfig struct {
	URL       string        `yaml:"url"`
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// PostgresConfig configures the trade archive. Empty disables it.
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// KafkaConfig configures the event mirror. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// EngineConfig tunes the price simulation.
type EngineConfig struct {
	TickInterval         time.Duration `yaml:"tick_interval"`
	FlowWindow           time.Duration `yaml:"flow_window"`
	SampleRetention      time.Duration `yaml:"sample_retention"`
	HistoryRetention     time.Duration `yaml:"history_retention"`
	ActivityWeight       float64       `yaml:"activity_weight"`
	FlowWeight           float64       `yaml:"flow_weight"`
	VolatilityTarget     float64       `yaml:"volatility_target"`
	MaxChangePerTick     float64       `yaml:"max_change_per_tick"`
	FreezeThreshold      float64       `yaml:"freeze_threshold"`
	LeaderboardThreshold float64       `yaml:"leaderboard_threshold"`
	RunOnStart           *bool         `yaml:"run_on_start"`
}

// LedgerConfig tunes trade execution.
type LedgerConfig struct {
	DefaultStipend float64 `yaml:"default_stipend"`
	TradeLogCap    int     `yaml:"trade_log_cap"`
}

// StipendConfig tunes the reputation-to-cash curve.
type StipendConfig struct {
	Max      float64       `yaml:"max"`
	Slope    float64       `yaml:"slope"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return &cfg, nil
}

// LoadAndValidate loads path (or starts from an empty config when path is
// empty), applies environment overrides and defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides file values with the deployment environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.HTTP.Port = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.URL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
	}
}

// RunTickOnStart reports whether the scheduler ticks immediately.
func (e EngineConfig) RunTickOnStart() bool {
	return e.RunOnStart == nil || *e.RunOnStart
}
