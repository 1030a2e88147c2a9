package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Throttle   ThrottleConfig   `mapstructure:"throttle"`
	Membership MembershipConfig `mapstructure:"membership"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PoolConfig holds capacity ledger configuration.
type PoolConfig struct {
	// PendingWindow bounds how long an unaccepted invite keeps a seat
	// reserved. Invites older than this stop counting against capacity.
	PendingWindow time.Duration `mapstructure:"pending_window"`
}

// DispatchConfig holds dispatch worker pool configuration.
type DispatchConfig struct {
	Workers          int           `mapstructure:"workers"`
	BatchSize        int           `mapstructure:"batch_size"`
	BatchWait        time.Duration `mapstructure:"batch_wait"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	LockRetries      int           `mapstructure:"lock_retries"`
	SerialRetryDelay time.Duration `mapstructure:"serial_retry_delay"`
	SoftTimeout      time.Duration `mapstructure:"soft_timeout"`
	HardTimeout      time.Duration `mapstructure:"hard_timeout"`
}

// ReconcilerConfig holds waiting-queue reconciler configuration.
type ReconcilerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
	MaxBatch int           `mapstructure:"max_batch"`
}

// ThrottleConfig holds redemption throttle configuration.
type ThrottleConfig struct {
	SemaphoreLimit    int           `mapstructure:"semaphore_limit"`
	SemaphoreTTL      time.Duration `mapstructure:"semaphore_ttl"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"`
	WriteBackInterval time.Duration `mapstructure:"write_back_interval"`
	ShedRate          float64       `mapstructure:"shed_rate"`
	ShedBurst         int           `mapstructure:"shed_burst"`
}

// MembershipConfig holds membership service client configuration.
type MembershipConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/seatpool")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults and env
	}

	v.SetEnvPrefix("SEATPOOL")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override with environment variables for sensitive values
	if password := os.Getenv("SEATPOOL_DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if password := os.Getenv("SEATPOOL_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if token := os.Getenv("SEATPOOL_MEMBERSHIP_TOKEN"); token != "" {
		cfg.Membership.Token = token
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "seatpool")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", 30*time.Minute)

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Pool defaults
	v.SetDefault("pool.pending_window", 24*time.Hour)

	// Dispatch defaults
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.batch_size", 10)
	v.SetDefault("dispatch.batch_wait", 2*time.Second)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("dispatch.retry_max_delay", 30*time.Second)
	v.SetDefault("dispatch.lock_retries", 3)
	v.SetDefault("dispatch.serial_retry_delay", 200*time.Millisecond)
	v.SetDefault("dispatch.soft_timeout", 30*time.Second)
	v.SetDefault("dispatch.hard_timeout", 2*time.Minute)

	// Reconciler defaults
	v.SetDefault("reconciler.interval", time.Minute)
	v.SetDefault("reconciler.lock_ttl", 30*time.Second)
	v.SetDefault("reconciler.max_batch", 50)

	// Throttle defaults
	v.SetDefault("throttle.semaphore_limit", 20)
	v.SetDefault("throttle.semaphore_ttl", time.Minute)
	v.SetDefault("throttle.acquire_timeout", 5*time.Second)
	v.SetDefault("throttle.write_back_interval", 10*time.Second)
	v.SetDefault("throttle.shed_rate", 50)
	v.SetDefault("throttle.shed_burst", 100)

	// Membership defaults
	v.SetDefault("membership.base_url", "http://localhost:9090")
	v.SetDefault("membership.timeout", 15*time.Second)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
