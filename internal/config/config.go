package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the warmup engine.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Redis     RedisConfig      `yaml:"redis"`
	Storage   StorageConfig    `yaml:"storage"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Response  ResponseConfig   `yaml:"response"`
	Bounce    BounceConfig     `yaml:"bounce"`
	Providers []ProviderConfig `yaml:"providers"`
}

// ServerConfig holds the ops API listener settings.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection used for entity leases.
// If URL is empty, the engine falls back to PostgreSQL advisory locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// StorageConfig holds the credential encryption settings for the storage
// adapter. The key is read from the named env var, never from YAML.
type StorageConfig struct {
	EncryptionKeyEnv string `yaml:"encryption_key_env"`
}

// SchedulerConfig holds campaign scheduling policy.
type SchedulerConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	Concurrency      int           `yaml:"concurrency"`
	LeaseTTL         time.Duration `yaml:"lease_ttl"`
	PassBudget       time.Duration `yaml:"pass_budget"`
	BounceCeiling    float64       `yaml:"bounce_ceiling"`
	MinSendGap       time.Duration `yaml:"min_send_gap"`
	InterSendDelay   time.Duration `yaml:"inter_send_delay"`
	BusinessHourFrom int           `yaml:"business_hour_from"`
	BusinessHourTo   int           `yaml:"business_hour_to"`
	Timezone         string        `yaml:"timezone"`
}

// ResponseConfig holds inbox processing policy for receiver accounts.
type ResponseConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	Concurrency  int           `yaml:"concurrency"`
	ReplyRate    float64       `yaml:"reply_rate"`
}

// BounceConfig holds bounce scanning policy for sender accounts.
type BounceConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	Concurrency  int           `yaml:"concurrency"`
}

// ProviderConfig describes one AI content provider in the fallback chain.
// Providers are attempted in ascending Priority order. Credentials are
// looked up from APIKeyEnv at startup, never stored in YAML.
type ProviderConfig struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"` // anthropic, openai, bedrock, template
	Priority  int    `yaml:"priority"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	Region    string `yaml:"region"` // bedrock only
	RPM       int    `yaml:"rpm"`
	RPD       int    `yaml:"rpd"`
}

// Load reads configuration from a YAML file and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("BOUNCE_CEILING"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Scheduler.BounceCeiling = f
		}
	}
	if v := os.Getenv("REPLY_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Response.ReplyRate = f
		}
	}

	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Storage.EncryptionKeyEnv == "" {
		cfg.Storage.EncryptionKeyEnv = "WARMUP_ENCRYPTION_KEY"
	}
	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = time.Hour
	}
	if cfg.Scheduler.Concurrency == 0 {
		cfg.Scheduler.Concurrency = 4
	}
	if cfg.Scheduler.LeaseTTL == 0 {
		cfg.Scheduler.LeaseTTL = 10 * time.Minute
	}
	if cfg.Scheduler.PassBudget == 0 {
		cfg.Scheduler.PassBudget = 30 * time.Minute
	}
	if cfg.Scheduler.BounceCeiling == 0 {
		cfg.Scheduler.BounceCeiling = 0.05
	}
	if cfg.Scheduler.MinSendGap == 0 {
		cfg.Scheduler.MinSendGap = 30 * time.Minute
	}
	if cfg.Scheduler.InterSendDelay == 0 {
		cfg.Scheduler.InterSendDelay = 3 * time.Minute
	}
	if cfg.Scheduler.BusinessHourFrom == 0 {
		cfg.Scheduler.BusinessHourFrom = 9
	}
	if cfg.Scheduler.BusinessHourTo == 0 {
		cfg.Scheduler.BusinessHourTo = 18
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "Local"
	}
	if cfg.Response.TickInterval == 0 {
		cfg.Response.TickInterval = 20 * time.Minute
	}
	if cfg.Response.Concurrency == 0 {
		cfg.Response.Concurrency = 4
	}
	if cfg.Response.ReplyRate == 0 {
		cfg.Response.ReplyRate = 0.85
	}
	if cfg.Bounce.TickInterval == 0 {
		cfg.Bounce.TickInterval = 30 * time.Minute
	}
	if cfg.Bounce.Concurrency == 0 {
		cfg.Bounce.Concurrency = 2
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.RPM == 0 {
			p.RPM = 20
		}
		if p.RPD == 0 {
			p.RPD = 2000
		}
	}
}

func (cfg *Config) validate() error {
	if cfg.Scheduler.BusinessHourFrom >= cfg.Scheduler.BusinessHourTo {
		return fmt.Errorf("business hours: from (%d) must be before to (%d)",
			cfg.Scheduler.BusinessHourFrom, cfg.Scheduler.BusinessHourTo)
	}
	if cfg.Response.ReplyRate < 0 || cfg.Response.ReplyRate > 1 {
		return fmt.Errorf("reply_rate must be in [0,1], got %v", cfg.Response.ReplyRate)
	}
	seen := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "anthropic", "openai", "bedrock", "template":
		default:
			return fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type)
		}
	}
	return nil
}

// Location resolves the configured business-hours timezone.
func (cfg *Config) Location() *time.Location {
	if cfg.Scheduler.Timezone == "" || cfg.Scheduler.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
