// Package config loads tollgate configuration from a YAML file, an optional
// .env file and TOLLGATE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mikepea/tollgate/pkg/tollgate/logging"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port    int    `yaml:"port"`
	GinMode string `yaml:"gin_mode"`

	// RequestTimeout bounds processing when the plan sets no timeout.
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the database connection information.
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // sqlite, postgres or mysql
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// AuthConfig holds the static tier keys and the admin shared secret.
type AuthConfig struct {
	OwnerKeys        []string `yaml:"owner_keys"`
	PublicKeys       []string `yaml:"public_keys"`
	AdminSecret      string   `yaml:"admin_secret"`
	PublicDailyLimit int64    `yaml:"public_daily_limit"`
}

// Argon2Config tunes the Argon2id strategy.
type Argon2Config struct {
	MemoryKiB uint32 `yaml:"memory_kib"`
	Time      uint32 `yaml:"time"`
	Threads   uint8  `yaml:"threads"`
}

// HashingConfig selects and tunes key hashing algorithms. Algorithms is the
// preference order; scrypt is always appended as the last resort.
type HashingConfig struct {
	Algorithms []string     `yaml:"algorithms"`
	BcryptCost int          `yaml:"bcrypt_cost"`
	Argon2     Argon2Config `yaml:"argon2"`
	ScryptLogN uint8        `yaml:"scrypt_log_n"`
}

// RedisConfig holds the shared rate limit store connection.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RateLimitConfig selects the public tier counter backend.
type RateLimitConfig struct {
	Backend string      `yaml:"backend"` // memory or redis
	Redis   RedisConfig `yaml:"redis"`
}

// JobConfig is the schedule shared by every reconciler job.
type JobConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	BatchSize    int           `yaml:"batch_size"`
}

// ExpiryJobConfig configures the ExpiryWatcher and its purge stage.
type ExpiryJobConfig struct {
	JobConfig    `yaml:",inline"`
	PurgeEnabled bool `yaml:"purge_enabled"`
}

// RetentionJobConfig configures the RetentionCleanup job.
type RetentionJobConfig struct {
	JobConfig   `yaml:",inline"`
	UsageMonths int    `yaml:"usage_months"`
	LogDays     int    `yaml:"log_days"`
	SummaryFile string `yaml:"summary_file"`
}

// JobsConfig groups the reconciler jobs.
type JobsConfig struct {
	Expiry    ExpiryJobConfig    `yaml:"expiry"`
	Orphans   JobConfig          `yaml:"orphans"`
	Retention RetentionJobConfig `yaml:"retention"`
}

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       logging.Config  `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	Hashing   HashingConfig   `yaml:"hashing"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Jobs      JobsConfig      `yaml:"jobs"`
}

// Default returns a configuration that runs a single-node SQLite deployment.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080, GinMode: "release", RequestTimeout: time.Minute, ShutdownTimeout: 30 * time.Second},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "tollgate.db"},
		Log:      logging.Config{Level: "info", Format: "json"},
		Auth:     AuthConfig{PublicDailyLimit: 50},
		Hashing: HashingConfig{
			Algorithms: []string{"argon2id", "bcrypt", "scrypt"},
			BcryptCost: 10,
			Argon2:     Argon2Config{MemoryKiB: 19 * 1024, Time: 2, Threads: 1},
			ScryptLogN: 15,
		},
		RateLimit: RateLimitConfig{
			Backend: "memory",
			Redis:   RedisConfig{Address: "localhost:6379", Prefix: "tollgate:"},
		},
		Jobs: JobsConfig{
			Expiry: ExpiryJobConfig{
				JobConfig:    JobConfig{Enabled: true, Interval: 15 * time.Minute, InitialDelay: 30 * time.Second, BatchSize: 500},
				PurgeEnabled: true,
			},
			Orphans: JobConfig{Enabled: true, Interval: 6 * time.Hour, InitialDelay: 2 * time.Minute, BatchSize: 1000},
			Retention: RetentionJobConfig{
				JobConfig:   JobConfig{Enabled: true, Interval: 24 * time.Hour, InitialDelay: 5 * time.Minute, BatchSize: 1000},
				UsageMonths: 13,
				LogDays:     90,
			},
		},
	}
}

// Load reads path (a missing file is not an error), applies .env and
// environment overrides, fills defaults and validates. The returned warnings
// describe defaults that were silently applied.
func Load(path string) (*Config, []string, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, nil, err
	}

	warnings := applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, warnings, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("TOLLGATE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TOLLGATE_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("TOLLGATE_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("TOLLGATE_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("TOLLGATE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TOLLGATE_OWNER_KEYS"); v != "" {
		cfg.Auth.OwnerKeys = splitList(v)
	}
	if v := os.Getenv("TOLLGATE_PUBLIC_KEYS"); v != "" {
		cfg.Auth.PublicKeys = splitList(v)
	}
	if v := os.Getenv("TOLLGATE_ADMIN_SECRET"); v != "" {
		cfg.Auth.AdminSecret = v
	}
	if v := os.Getenv("TOLLGATE_REDIS_ADDR"); v != "" {
		cfg.RateLimit.Backend = "redis"
		cfg.RateLimit.Redis.Address = v
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func applyDefaults(cfg *Config) []string {
	var warnings []string
	if len(cfg.Auth.OwnerKeys) == 0 && len(cfg.Auth.PublicKeys) == 0 {
		warnings = append(warnings, "auth.owner_keys and auth.public_keys are empty: every request is granted owner access")
	}
	if cfg.Auth.AdminSecret == "" {
		warnings = append(warnings, "auth.admin_secret not set: admin endpoints are disabled")
	}
	fix := func(name string, job *JobConfig) {
		if job.BatchSize <= 0 {
			job.BatchSize = 500
			warnings = append(warnings, name+".batch_size not set, using 500")
		}
		if job.Interval <= 0 {
			job.Interval = time.Hour
			warnings = append(warnings, name+".interval not set, using 1h")
		}
	}
	fix("jobs.expiry", &cfg.Jobs.Expiry.JobConfig)
	fix("jobs.orphans", &cfg.Jobs.Orphans)
	fix("jobs.retention", &cfg.Jobs.Retention.JobConfig)
	return warnings
}

// Validate reports configuration errors that would prevent startup.
func (c *Config) Validate() error {
	var errList []error
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errList = append(errList, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errList = append(errList, errors.New("database.dsn is required"))
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		errList = append(errList, fmt.Errorf("unsupported ratelimit backend %q", c.RateLimit.Backend))
	}
	if c.Jobs.Retention.UsageMonths < 0 || c.Jobs.Retention.LogDays < 0 {
		errList = append(errList, errors.New("retention thresholds must not be negative"))
	}
	return errors.Join(errList...)
}
