// Package config assembles the pipeline configuration from the layered YAML
// files, secrets and environment overrides, and validates it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"smarttasks/internal/classifier"
	"smarttasks/internal/dispatcher"
	"smarttasks/internal/feed"
	"smarttasks/internal/notifier"
	"smarttasks/internal/reconciler"
	"smarttasks/internal/reprocessor"
	"smarttasks/internal/worker"
	"smarttasks/pkg/config"
	"smarttasks/pkg/otel"
)

// StoreConfig selects the document store driver.
type StoreConfig struct {
	Driver           string        `yaml:"driver" validate:"oneof=postgres memory"`
	FeedPollInterval time.Duration `yaml:"feed_poll_interval"`
	// ChangeRetention is how long change feed history is kept.
	ChangeRetention time.Duration `yaml:"change_retention"`
}

// OperatorConfig is the single admin account of the HTTP API.
type OperatorConfig struct {
	Username     string `yaml:"username" validate:"required"`
	PasswordHash string `yaml:"password_hash" validate:"required"`
}

// FeedConfig enables the change feed listener.
type FeedConfig struct {
	Enabled     bool `yaml:"enabled"`
	feed.Config `yaml:",inline"`
}

// ScheduleConfig holds job cadences.
type ScheduleConfig struct {
	ReprocessAt string        `yaml:"reprocess_at" validate:"required"`
	DigestAt    string        `yaml:"digest_at" validate:"required"`
	PruneEvery  time.Duration `yaml:"prune_every"`
}

// RedisUsage tunes the Redis-backed helpers.
type RedisUsage struct {
	DedupTTL          time.Duration `yaml:"dedup_ttl"`
	FailureCounterTTL time.Duration `yaml:"failure_counter_ttl"`
}

type Config struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	// Timezone is the owner's zone; daily cadences and dispatch windows use it.
	Timezone string `yaml:"timezone"`

	Store  StoreConfig         `yaml:"store"`
	DB     config.DBConfig     `yaml:"db" validate:"-"`
	Redis  config.RedisConfig  `yaml:"redis"`
	MQ     config.MQConfig     `yaml:"mq"`
	JWT    config.JWTConfig    `yaml:"jwt"`
	Server config.ServerConfig `yaml:"server"`
	OTel   otel.Config         `yaml:"otel"`

	Operator   OperatorConfig `yaml:"operator"`
	OwnerEmail string         `yaml:"owner_email" validate:"required,email"`

	Worker      worker.Config      `yaml:"worker"`
	Feed        FeedConfig         `yaml:"feed"`
	Reconciler  reconciler.Config  `yaml:"reconciler"`
	Reprocessor reprocessor.Config `yaml:"reprocessor"`
	Dispatcher  dispatcher.Config  `yaml:"dispatcher"`
	Schedule    ScheduleConfig     `yaml:"schedule"`
	RedisUsage  RedisUsage         `yaml:"redis_usage"`

	Classifier classifier.Config `yaml:"classifier"`
	Notifier   notifier.Config   `yaml:"notifier"`
}

// Load reads .env, the layered config for CONFIG_ENV from CONFIG_DIR, then
// applies environment overrides and validates the result.
func Load() (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	env := config.GetConfigEnv()
	dir := config.GetEnv("CONFIG_DIR", "config")
	return LoadFrom(env, dir)
}

// LoadFrom is Load without .env handling.
func LoadFrom(env, dir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}
	if cfg.Env == "" {
		cfg.Env = env
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	overrideFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("OWNER_EMAIL"); v != "" {
		cfg.OwnerEmail = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OWNER_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("CLASSIFIER_BACKEND"); v != "" {
		cfg.Classifier.Backend = v
	}
	if v := os.Getenv("AGENT_SERVICE_URL"); v != "" {
		cfg.Classifier.AgentURL = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Classifier.GeminiAPIKey = v
	}
	if v := os.Getenv("OPERATOR_PASSWORD_HASH"); v != "" {
		cfg.Operator.PasswordHash = v
	}
}

// Validate checks struct tags, and the database settings when the postgres
// driver is selected.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Store.Driver == "postgres" {
		if err := v.Struct(c.DB); err != nil {
			return fmt.Errorf("invalid db config: %w", err)
		}
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}
	return nil
}

// Location resolves Timezone, defaulting to the process zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}
