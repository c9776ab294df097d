package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the root configuration for the engine, loaded from YAML
// with ORTHRUS_-prefixed environment overrides.
type Config struct {
	Server        ServerConfig        `mapstructure:"server" validate:"required"`
	Auth          AuthConfig          `mapstructure:"auth"`
	SOAR          SOARConfig          `mapstructure:"soar" validate:"required"`
	Queue         QueueConfig         `mapstructure:"queue" validate:"required"`
	Storage       StorageConfig       `mapstructure:"storage" validate:"required"`
	ClickHouse    ClickHouseConfig    `mapstructure:"clickhouse"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Secrets       SecretsConfig       `mapstructure:"secrets"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	TokenExpiry   time.Duration `mapstructure:"token_expiry"`
	AdminUser     string        `mapstructure:"admin_user"`
	AdminPassword string        `mapstructure:"admin_password"`
}

// SOARConfig configures the playbook engine itself.
type SOARConfig struct {
	Workers                   int            `mapstructure:"workers" validate:"min=1"`
	DefaultStepTimeout        time.Duration  `mapstructure:"default_step_timeout"`
	DefaultMaxRetries         int            `mapstructure:"default_max_retries" validate:"min=0"`
	DefaultRetryDelay         time.Duration  `mapstructure:"default_retry_delay"`
	RetryBackoffMultiplier    float64        `mapstructure:"retry_backoff_multiplier"`
	DefaultOnError            string         `mapstructure:"default_on_error" validate:"oneof=abort continue rollback"`
	DestructiveActionsEnabled bool           `mapstructure:"destructive_actions_enabled"`
	AllowedWebhookHosts       []string       `mapstructure:"allowed_webhook_hosts"`
	OrgConcurrencyLimit       int            `mapstructure:"org_concurrency_limit" validate:"min=0"`
	OrgConcurrencyOverrides   map[string]int `mapstructure:"org_concurrency_overrides"`
}

// QueueConfig configures the dispatch queue.
type QueueConfig struct {
	Size int `mapstructure:"size" validate:"min=1"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	Path            string `mapstructure:"path" validate:"required"`
	MaxOpenReadConn int    `mapstructure:"max_open_read_conn"`
}

// ClickHouseConfig configures the audit log backend. Disabled unless an
// address is set; the engine then audits to the structured log only.
type ClickHouseConfig struct {
	Addr     string `mapstructure:"addr"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// BufferSize bounds the async audit buffer; events past it drop.
	BufferSize int `mapstructure:"buffer_size"`
}

// Enabled reports whether ClickHouse auditing is configured.
func (c ClickHouseConfig) Enabled() bool { return c.Addr != "" }

// RedisConfig configures the cross-replica concurrency limiter.
// Without an address the engine uses the in-process limiter.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether Redis is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// NotificationsConfig configures outbound notification channels.
type NotificationsConfig struct {
	Channels map[string]ChannelConfig `mapstructure:"channels"`
}

// ChannelConfig is one named notification channel.
type ChannelConfig struct {
	Type string `mapstructure:"type" validate:"omitempty,oneof=email webhook"`
	// Webhook channels.
	URL string `mapstructure:"url"`
	// Email channels.
	SMTPHost string   `mapstructure:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
}

// SecretsConfig selects where secret:// references resolve from.
type SecretsConfig struct {
	Provider string `mapstructure:"provider" validate:"omitempty,oneof=env vault aws"`
	Vault    struct {
		Addr  string `mapstructure:"addr"`
		Token string `mapstructure:"token"`
		Mount string `mapstructure:"mount"`
	} `mapstructure:"vault"`
	AWS struct {
		Region string `mapstructure:"region"`
	} `mapstructure:"aws"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json console"`
}

// Load reads configuration from the given file (empty means defaults
// plus environment only), applies defaults and env overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ORTHRUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8585)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.rate_limit_rps", 50.0)
	v.SetDefault("server.rate_limit_burst", 100)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token_expiry", 24*time.Hour)

	v.SetDefault("soar.workers", 8)
	v.SetDefault("soar.default_step_timeout", 30*time.Second)
	v.SetDefault("soar.default_max_retries", 3)
	v.SetDefault("soar.default_retry_delay", 1*time.Second)
	v.SetDefault("soar.retry_backoff_multiplier", 2.0)
	v.SetDefault("soar.default_on_error", "abort")
	v.SetDefault("soar.destructive_actions_enabled", false)
	v.SetDefault("soar.org_concurrency_limit", 4)

	v.SetDefault("queue.size", 1024)

	v.SetDefault("storage.path", "orthrus.db")
	v.SetDefault("storage.max_open_read_conn", 4)

	v.SetDefault("clickhouse.database", "orthrus")
	v.SetDefault("clickhouse.buffer_size", 4096)

	v.SetDefault("secrets.provider", "env")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks cross-field constraints the struct tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("invalid config: auth.jwt_secret is required when auth is enabled")
	}
	for name, ch := range c.Notifications.Channels {
		switch ch.Type {
		case "webhook":
			if ch.URL == "" {
				return fmt.Errorf("invalid config: notification channel %q: webhook channels require a url", name)
			}
		case "email":
			if ch.SMTPHost == "" || len(ch.To) == 0 {
				return fmt.Errorf("invalid config: notification channel %q: email channels require smtp_host and recipients", name)
			}
		}
	}
	return nil
}
