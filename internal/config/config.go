package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Email transports
const (
	TransportSMTP = "smtp"
	TransportSES  = "ses"
	TransportLog  = "log"
)

type Config struct {
	Port     int    `koanf:"port"`
	LogLevel string `koanf:"log_level"`
	Env      string `koanf:"env"`

	// Database
	DBDriver   string `koanf:"db_driver"`
	DBHost     string `koanf:"db_host"`
	DBPort     int    `koanf:"db_port"`
	DBUser     string `koanf:"db_user"`
	DBPassword string `koanf:"db_password"`
	DBName     string `koanf:"db_name"`
	DBSSLMode  string `koanf:"db_sslmode"`
	DBMaxConns int    `koanf:"db_max_conns"`
	SQLitePath string `koanf:"sqlite_path"`

	MigrationsDir string `koanf:"migrations_dir"`

	// Redis config
	RedisEnabled  bool   `koanf:"redis_enabled"`
	RedisHost     string `koanf:"redis_host"`
	RedisPort     int    `koanf:"redis_port"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// Auth
	JWTSecret string `koanf:"jwt_secret"`

	// Outbound email. Missing SMTP credentials is a valid "not configured" state.
	EmailTransport string `koanf:"email_transport"`
	SMTPHost       string `koanf:"smtp_host"`
	SMTPPort       int    `koanf:"smtp_port"`
	SMTPUsername   string `koanf:"smtp_username"`
	SMTPPassword   string `koanf:"smtp_password"`
	SMTPFrom       string `koanf:"smtp_from"`
	AWSRegion      string `koanf:"aws_region"`
	SESFromEmail   string `koanf:"ses_from_email"`

	// Reminder scheduler
	ReminderWorkerEnabled     bool `koanf:"reminder_worker_enabled"`
	ReminderPollIntervalMs    int  `koanf:"reminder_poll_interval_ms"`
	ReminderBatchSize         int  `koanf:"reminder_batch_size"`
	ReminderCleanupEvery      int  `koanf:"reminder_cleanup_every"`
	ReminderRetentionDays     int  `koanf:"reminder_retention_days"`
	ReminderDispatchTimeoutMs int  `koanf:"reminder_dispatch_timeout_ms"`
	ReminderDistributedLock   bool `koanf:"reminder_distributed_lock"`

	// Circuit breaker around the email transport
	BreakerMaxFailures int `koanf:"breaker_max_failures"`
	BreakerRecoverySec int `koanf:"breaker_recovery_sec"`

	RateLimitPerMinute int `koanf:"rate_limit_per_minute"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"port":      8080,
		"log_level": "info",
		"env":       "development",

		"db_driver":    DriverPostgres,
		"db_host":      "localhost",
		"db_port":      5432,
		"db_user":      "notekeeper",
		"db_password":  "",
		"db_name":      "notekeeper",
		"db_sslmode":   "disable",
		"db_max_conns": 25,
		"sqlite_path":  "notekeeper.db",

		"migrations_dir": "migrations",

		"redis_enabled":  true,
		"redis_host":     "localhost",
		"redis_port":     6379,
		"redis_password": "",
		"redis_db":       0,

		"jwt_secret": "",

		"email_transport": TransportSMTP,
		"smtp_host":       "",
		"smtp_port":       587,
		"smtp_username":   "",
		"smtp_password":   "",
		"smtp_from":       "",
		"aws_region":      "us-east-1",
		"ses_from_email":  "",

		"reminder_worker_enabled":      true,
		"reminder_poll_interval_ms":    30000,
		"reminder_batch_size":          25,
		"reminder_cleanup_every":       60,
		"reminder_retention_days":      30,
		"reminder_dispatch_timeout_ms": 30000,
		"reminder_distributed_lock":    false,

		"breaker_max_failures": 5,
		"breaker_recovery_sec": 30,

		"rate_limit_per_minute": 100,
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// CONFIG_FILE, and environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey(defaults())), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// envKey maps an environment variable to its config key, dropping anything
// that is not a known key so unrelated variables like PATH never reach the
// config.
func envKey(known map[string]interface{}) func(string) string {
	return func(s string) string {
		key := strings.ToLower(s)
		if _, ok := known[key]; !ok {
			return ""
		}
		return key
	}
}

// Validate checks enumerations and ranges. It does not require SMTP
// credentials: an unconfigured transport is reported per delivery instead.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unknown db_driver: %s (supported: %s, %s)", c.DBDriver, DriverPostgres, DriverSQLite)
	}

	switch c.EmailTransport {
	case TransportSMTP, TransportSES, TransportLog:
	default:
		return fmt.Errorf("unknown email_transport: %s (supported: %s, %s, %s)",
			c.EmailTransport, TransportSMTP, TransportSES, TransportLog)
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if c.ReminderPollIntervalMs <= 0 {
		return fmt.Errorf("reminder_poll_interval_ms must be positive")
	}
	if c.ReminderBatchSize <= 0 {
		return fmt.Errorf("reminder_batch_size must be positive")
	}
	if c.ReminderCleanupEvery <= 0 {
		return fmt.Errorf("reminder_cleanup_every must be positive")
	}
	if c.ReminderRetentionDays <= 0 {
		return fmt.Errorf("reminder_retention_days must be positive")
	}
	if c.ReminderDispatchTimeoutMs <= 0 {
		return fmt.Errorf("reminder_dispatch_timeout_ms must be positive")
	}
	if c.ReminderDistributedLock && !c.RedisEnabled {
		return fmt.Errorf("reminder_distributed_lock requires redis_enabled")
	}

	return nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.ReminderPollIntervalMs) * time.Millisecond
}

func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.ReminderDispatchTimeoutMs) * time.Millisecond
}

// SMTPConfigured reports whether every SMTP setting needed to send is present.
func (c *Config) SMTPConfigured() bool {
	return c.SMTPHost != "" && c.SMTPPort != 0 && c.SMTPUsername != "" && c.SMTPPassword != "" && c.SMTPFrom != ""
}
