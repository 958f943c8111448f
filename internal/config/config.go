package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

const (
	RolePrimary = "primary"
	RolePassive = "passive"

	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	envPrefix = "CASEFLOW"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	Log          LogConfig          `mapstructure:"log"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	SLA          SLAConfig          `mapstructure:"sla"`
	Notification NotificationConfig `mapstructure:"notification"`
	SMTP         SMTPConfig         `mapstructure:"smtp"`
	SMS          SMSConfig          `mapstructure:"sms"`
	Directory    DirectoryConfig    `mapstructure:"directory"`
	// DryRun makes the sweeper and the notification worker log intended
	// mutations and sends without performing them.
	DryRun bool `mapstructure:"dry_run"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	HealthPort      int           `mapstructure:"health_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// DSN prefers the URL form when set.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type SLAConfig struct {
	Hours           map[string]int `mapstructure:"hours"`
	DefaultHours    int            `mapstructure:"default_hours"`
	ResponseTimeout time.Duration  `mapstructure:"response_timeout"`
	SweepInterval   time.Duration  `mapstructure:"sweep_interval"`
	BatchSize       int            `mapstructure:"batch_size"`
	Role            string         `mapstructure:"role"`
	AdminUserIDs    []string       `mapstructure:"admin_user_ids"`
	// LeaseTTL bounds the Redis sweeper lease. Zero disables the lease.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

type NotificationConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	DeliveryTimeout   time.Duration `mapstructure:"delivery_timeout"`
	ClaimLease        time.Duration `mapstructure:"claim_lease"`
	// RatePerSecond throttles sends per channel. Zero means unlimited.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	RateBurst     int     `mapstructure:"rate_burst"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type SMSConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Sender   string        `mapstructure:"sender"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type DirectoryConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// envOverrides are the deployment knobs read from the environment after the
// file. Unset variables leave the file value alone.
type envOverrides struct {
	SLAHours                   map[string]int `envconfig:"SLA_HOURS"`
	DoctorResponseTimeoutHours *float64       `envconfig:"DOCTOR_RESPONSE_TIMEOUT_HOURS"`
	SweepIntervalMS            *int64         `envconfig:"SLA_SWEEP_INTERVAL_MS"`
	NotifyMaxRetries           *int           `envconfig:"NOTIFY_MAX_RETRIES"`
	NotifyBackoffBaseMS        *int64         `envconfig:"NOTIFY_BACKOFF_BASE_MS"`
	NotifyBackoffMultiplier    *float64       `envconfig:"NOTIFY_BACKOFF_MULTIPLIER"`
	DryRun                     *bool          `envconfig:"DRY_RUN"`
	SLARole                    *string        `envconfig:"SLA_ROLE"`
	SLAAdminUserIDs            []string       `envconfig:"SLA_ADMIN_USER_IDS"`
	DatabaseURL                *string        `envconfig:"DATABASE_URL"`
	DatabaseDriver             *string        `envconfig:"DATABASE_DRIVER"`
	RedisURL                   *string        `envconfig:"REDIS_URL"`
	JWTSecret                  *string        `envconfig:"JWT_SECRET"`
	LogLevel                   *string        `envconfig:"LOG_LEVEL"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.health_port", 8081)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "caseflow")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("jwt.issuer", "caseflow")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 20.0)
	v.SetDefault("rate_limit.burst", 40)

	v.SetDefault("sla.hours", map[string]int{"standard_72h": 72, "priority_24h": 24})
	v.SetDefault("sla.default_hours", 72)
	v.SetDefault("sla.response_timeout", 6*time.Hour)
	v.SetDefault("sla.sweep_interval", 5*time.Minute)
	v.SetDefault("sla.batch_size", 200)
	v.SetDefault("sla.role", RolePrimary)
	v.SetDefault("sla.lease_ttl", 0)

	v.SetDefault("notification.max_retries", 3)
	v.SetDefault("notification.backoff_base", 30*time.Second)
	v.SetDefault("notification.backoff_multiplier", 2.0)
	v.SetDefault("notification.poll_interval", 5*time.Second)
	v.SetDefault("notification.batch_size", 50)
	v.SetDefault("notification.delivery_timeout", 15*time.Second)
	v.SetDefault("notification.claim_lease", 2*time.Minute)
	v.SetDefault("notification.rate_per_second", 0)
	v.SetDefault("notification.rate_burst", 1)

	v.SetDefault("smtp.port", 587)
	v.SetDefault("sms.timeout", 10*time.Second)

	v.SetDefault("directory.cache_ttl", 30*time.Second)

	v.SetDefault("dry_run", false)
}

// LoadConfig reads config.yaml from the usual locations (or path when
// non-empty), then applies environment overrides. A missing file is not an
// error; every knob has a default.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app/config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}

	if len(env.SLAHours) > 0 {
		if c.SLA.Hours == nil {
			c.SLA.Hours = map[string]int{}
		}
		for k, h := range env.SLAHours {
			c.SLA.Hours[strings.ToLower(k)] = h
		}
	}
	if env.DoctorResponseTimeoutHours != nil {
		c.SLA.ResponseTimeout = time.Duration(*env.DoctorResponseTimeoutHours * float64(time.Hour))
	}
	if env.SweepIntervalMS != nil {
		c.SLA.SweepInterval = time.Duration(*env.SweepIntervalMS) * time.Millisecond
	}
	if env.NotifyMaxRetries != nil {
		c.Notification.MaxRetries = *env.NotifyMaxRetries
	}
	if env.NotifyBackoffBaseMS != nil {
		c.Notification.BackoffBase = time.Duration(*env.NotifyBackoffBaseMS) * time.Millisecond
	}
	if env.NotifyBackoffMultiplier != nil {
		c.Notification.BackoffMultiplier = *env.NotifyBackoffMultiplier
	}
	if env.DryRun != nil {
		c.DryRun = *env.DryRun
	}
	if env.SLARole != nil {
		c.SLA.Role = strings.ToLower(*env.SLARole)
	}
	if len(env.SLAAdminUserIDs) > 0 {
		c.SLA.AdminUserIDs = env.SLAAdminUserIDs
	}
	if env.DatabaseURL != nil {
		c.Database.URL = *env.DatabaseURL
	}
	if env.DatabaseDriver != nil {
		c.Database.Driver = *env.DatabaseDriver
	}
	if env.RedisURL != nil {
		c.Redis.URL = *env.RedisURL
	}
	if env.JWTSecret != nil {
		c.JWT.Secret = *env.JWTSecret
	}
	if env.LogLevel != nil {
		c.Log.Level = *env.LogLevel
	}
	return nil
}

// Validate rejects settings the workers cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.SLA.SweepInterval <= 0:
		return fmt.Errorf("sla.sweep_interval must be positive")
	case c.SLA.ResponseTimeout <= 0:
		return fmt.Errorf("sla.response_timeout must be positive")
	case c.SLA.BatchSize <= 0:
		return fmt.Errorf("sla.batch_size must be positive")
	case c.SLA.DefaultHours <= 0:
		return fmt.Errorf("sla.default_hours must be positive")
	case c.SLA.Role != RolePrimary && c.SLA.Role != RolePassive:
		return fmt.Errorf("sla.role must be %q or %q, got %q", RolePrimary, RolePassive, c.SLA.Role)
	case c.Notification.MaxRetries <= 0:
		return fmt.Errorf("notification.max_retries must be positive")
	case c.Notification.BackoffBase <= 0:
		return fmt.Errorf("notification.backoff_base must be positive")
	case c.Notification.BackoffMultiplier < 1:
		return fmt.Errorf("notification.backoff_multiplier must be at least 1")
	case c.Notification.PollInterval <= 0:
		return fmt.Errorf("notification.poll_interval must be positive")
	case c.Notification.BatchSize <= 0:
		return fmt.Errorf("notification.batch_size must be positive")
	case c.Notification.DeliveryTimeout <= 0:
		return fmt.Errorf("notification.delivery_timeout must be positive")
	case c.Notification.ClaimLease <= c.Notification.DeliveryTimeout:
		return fmt.Errorf("notification.claim_lease must exceed delivery_timeout")
	case c.Database.Driver != DriverPostgres && c.Database.Driver != DriverMemory:
		return fmt.Errorf("database.driver must be %q or %q", DriverPostgres, DriverMemory)
	}
	for k, h := range c.SLA.Hours {
		if h <= 0 {
			return fmt.Errorf("sla.hours[%s] must be positive", k)
		}
	}
	admins, err := c.SLA.AdminIDs()
	if err != nil {
		return err
	}
	// breach escalation on the primary has nobody to notify without admins
	if c.SLA.IsPrimary() && !c.DryRun && len(admins) == 0 {
		return fmt.Errorf("sla.admin_user_ids must not be empty when sla.role is %q", RolePrimary)
	}
	return nil
}

// SLADurations converts the hour map for the lifecycle service.
func (c *SLAConfig) SLADurations() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Hours))
	for k, h := range c.Hours {
		out[k] = time.Duration(h) * time.Hour
	}
	return out
}

func (c *SLAConfig) DefaultSLA() time.Duration {
	return time.Duration(c.DefaultHours) * time.Hour
}

func (c *SLAConfig) IsPrimary() bool {
	return c.Role == RolePrimary
}

// AdminIDs parses sla.admin_user_ids.
func (c *SLAConfig) AdminIDs() ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(c.AdminUserIDs))
	for _, raw := range c.AdminUserIDs {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("sla.admin_user_ids: invalid id %q: %w", raw, err)
		}
		out = append(out, id)
	}
	return out, nil
}
