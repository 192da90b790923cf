package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the response core service
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Debug         bool                `mapstructure:"debug"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Override      OverrideConfig      `mapstructure:"override"`
	Escalation    EscalationConfig    `mapstructure:"escalation"`
	Sync          SyncConfig          `mapstructure:"sync"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig contains the health/metrics HTTP listener configuration
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	Name            string        `mapstructure:"name" validate:"required"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig contains Redis configuration for counters, override flags
// and sync session state
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// KafkaConfig contains Kafka configuration
type KafkaConfig struct {
	Brokers []string     `mapstructure:"brokers"`
	Topics  TopicsConfig `mapstructure:"topics"`
}

// TopicsConfig contains Kafka topic configuration
type TopicsConfig struct {
	AuditEvents       string `mapstructure:"audit_events"`
	IncidentEscalated string `mapstructure:"incident_escalated"`
}

// ActionLimitConfig is the limit applied to one action within one window
type ActionLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests" validate:"min=1"`
	WindowSeconds int `mapstructure:"window_seconds" validate:"min=1"`
}

// RateLimitConfig contains steady-state and burst admission control
// configuration. Actions absent from either table fall back to Default;
// actions absent from Burst carry no burst policy at all.
type RateLimitConfig struct {
	Store        string                       `mapstructure:"store" validate:"oneof=redis memory"`
	StoreTimeout time.Duration                `mapstructure:"store_timeout"`
	Default      ActionLimitConfig            `mapstructure:"default"`
	Actions      map[string]ActionLimitConfig `mapstructure:"actions" validate:"dive"`
	Burst        map[string]ActionLimitConfig `mapstructure:"burst" validate:"dive"`
}

// OverrideConfig bounds administratively granted limiter bypasses.
// PrivilegedUsers is the set of actors allowed to grant them.
type OverrideConfig struct {
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	MaxTTL          time.Duration `mapstructure:"max_ttl"`
	PrivilegedUsers []string      `mapstructure:"privileged_users"`
}

// EscalationConfig contains escalation sweep configuration
type EscalationConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepTimeout  time.Duration `mapstructure:"sweep_timeout"`
}

// SyncConfig contains offline sync session configuration
type SyncConfig struct {
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	MaxBatchItems     int           `mapstructure:"max_batch_items"`
}

// NotificationsConfig contains outbound delivery configuration
type NotificationsConfig struct {
	QueueSize   int           `mapstructure:"queue_size"`
	WorkerCount int           `mapstructure:"worker_count"`
	Email       EmailConfig   `mapstructure:"email"`
	SMS         SMSConfig     `mapstructure:"sms"`
	Webhook     WebhookConfig `mapstructure:"webhook"`
}

// EmailConfig contains email delivery configuration
type EmailConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	FromName        string `mapstructure:"from_name"`
	FromAddress     string `mapstructure:"from_address"`
	SendGridAPIKey  string `mapstructure:"sendgrid_api_key"`
	RateLimitPerMin int    `mapstructure:"rate_limit_per_min"`
}

// SMSConfig contains SMS delivery configuration
type SMSConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	FromNumber       string `mapstructure:"from_number"`
	TwilioAccountSID string `mapstructure:"twilio_account_sid"`
	TwilioAuthToken  string `mapstructure:"twilio_auth_token"`
	RateLimitPerMin  int    `mapstructure:"rate_limit_per_min"`
}

// WebhookConfig contains push/webhook delivery configuration
type WebhookConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Endpoint        string        `mapstructure:"endpoint"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RateLimitPerMin int           `mapstructure:"rate_limit_per_min"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/response-core")

	viper.SetEnvPrefix("RESPONSE_CORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for invalid or inconsistent values
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.RateLimit.StoreTimeout <= 0 || c.RateLimit.StoreTimeout > time.Second {
		return fmt.Errorf("rate_limit.store_timeout must be within (0s, 1s], got %s", c.RateLimit.StoreTimeout)
	}
	if c.Override.MaxTTL <= 0 {
		return fmt.Errorf("override.max_ttl must be positive, got %s", c.Override.MaxTTL)
	}
	if c.Override.DefaultTTL > c.Override.MaxTTL {
		return fmt.Errorf("override.default_ttl %s exceeds override.max_ttl %s", c.Override.DefaultTTL, c.Override.MaxTTL)
	}
	if c.Sync.InactivityTimeout > c.Sync.SessionTTL {
		return fmt.Errorf("sync.inactivity_timeout %s exceeds sync.session_ttl %s", c.Sync.InactivityTimeout, c.Sync.SessionTTL)
	}
	for action, limit := range c.RateLimit.Burst {
		if steady, ok := c.RateLimit.Actions[action]; ok && limit.WindowSeconds >= steady.WindowSeconds {
			return fmt.Errorf("burst window for action %q must be shorter than its steady window", action)
		}
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("debug", false)

	// Server
	viper.SetDefault("server.http_port", 8086)
	viper.SetDefault("server.shutdown_timeout", "15s")

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "response_core")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.migrations_path", "file://migrations")

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	// Kafka
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topics.audit_events", "audit-events")
	viper.SetDefault("kafka.topics.incident_escalated", "incident-escalated")

	// Rate limiting
	viper.SetDefault("rate_limit.store", "redis")
	viper.SetDefault("rate_limit.store_timeout", "250ms")
	viper.SetDefault("rate_limit.default.max_requests", 10)
	viper.SetDefault("rate_limit.default.window_seconds", 60)

	// Overrides
	viper.SetDefault("override.default_ttl", "15m")
	viper.SetDefault("override.max_ttl", "24h")
	viper.SetDefault("override.privileged_users", []string{})

	// Escalation
	viper.SetDefault("escalation.sweep_interval", "30s")
	viper.SetDefault("escalation.sweep_timeout", "2m")

	// Sync
	viper.SetDefault("sync.session_ttl", "24h")
	viper.SetDefault("sync.inactivity_timeout", "1h")
	viper.SetDefault("sync.max_batch_items", 500)

	// Notifications
	viper.SetDefault("notifications.queue_size", 1000)
	viper.SetDefault("notifications.worker_count", 4)
	viper.SetDefault("notifications.email.enabled", false)
	viper.SetDefault("notifications.email.from_name", "Community Watch")
	viper.SetDefault("notifications.email.rate_limit_per_min", 60)
	viper.SetDefault("notifications.sms.enabled", false)
	viper.SetDefault("notifications.sms.rate_limit_per_min", 30)
	viper.SetDefault("notifications.webhook.enabled", false)
	viper.SetDefault("notifications.webhook.timeout", "10s")
	viper.SetDefault("notifications.webhook.rate_limit_per_min", 120)

	// Logging
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}
