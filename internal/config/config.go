package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kode4food/stalwart/pkg/api"
)

type (
	// Config holds configuration settings for a stalwart replica
	Config struct {
		// API Server
		APIHost  string
		APIPort  int
		LogLevel string
		Env      string

		// Membership
		ReplicaID                 api.ReplicaID
		ReplicaHeartbeatFrequency time.Duration

		// Storage
		StoreType  string
		Redis      RedisConfig
		SQLitePath string

		// Flow defaults, overridable per flow type
		Flow FlowConfig

		// Engine
		StartupDelay    time.Duration
		ShutdownTimeout time.Duration

		// Fault reporting
		SentryDSN string
	}

	// FlowConfig holds the recovery settings applied to a flow type
	FlowConfig struct {
		LeaseLength             time.Duration
		CrashCheckFrequency     time.Duration
		PostponedCheckFrequency time.Duration
		MaxParallelRetries      int
	}

	// RedisConfig locates the redis store
	RedisConfig struct {
		Addr     string
		Password string
		DB       int
		Prefix   string
	}
)

// Store types
const (
	StoreMemory  = "memory"
	StoreRedis   = "redis"
	StoreSQLite  = "sqlite"
	StoreTimebox = "timebox"
)

const (
	DefaultLeaseLength               = 10 * time.Second
	DefaultCrashCheckFrequency       = 5 * time.Second
	DefaultPostponedCheckFrequency   = time.Second
	DefaultReplicaHeartbeatFrequency = time.Second
	DefaultMaxParallelRetries        = 10
	DefaultShutdownTimeout           = 10 * time.Second

	DefaultAPIPort = 8080
	DefaultAPIHost = "0.0.0.0"
	MaxTCPPort     = 65535

	DefaultRedisEndpoint = "localhost:6379"
	DefaultRedisPrefix   = "stalwart"
	DefaultRedisDB       = 0
	DefaultSQLitePath    = "stalwart.db"

	MaxDuration           = 24 * time.Hour
	MaxParallelRetries    = 10_000
	MaxRedisDB            = 15
	MaxReplicaIDLength    = 128
	defaultEnvDescription = "development"
)

var (
	ErrInvalidAPIPort            = errors.New("invalid API port")
	ErrInvalidReplicaID          = errors.New("invalid replica id")
	ErrInvalidLeaseLength        = errors.New("lease length cannot be negative")
	ErrInvalidCheckFrequency     = errors.New("check frequency must be positive")
	ErrInvalidHeartbeatFrequency = errors.New(
		"replica heartbeat frequency must be positive",
	)
	ErrInvalidStartupDelay = errors.New("startup delay cannot be negative")
	ErrInvalidParallelism  = errors.New(
		"max parallel retries must be positive",
	)
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")
	ErrInvalidStoreType       = errors.New("invalid store type")
	ErrMissingSQLitePath      = errors.New("sqlite path is required")
	ErrMissingRedisAddr       = errors.New("redis address is required")
)

// NewDefaultConfig creates a configuration with sensible defaults for every
// replica, storage, and recovery setting
func NewDefaultConfig() *Config {
	return &Config{
		APIPort:                   DefaultAPIPort,
		APIHost:                   DefaultAPIHost,
		LogLevel:                  "info",
		Env:                       defaultEnvDescription,
		ReplicaID:                 api.ReplicaID(uuid.NewString()),
		ReplicaHeartbeatFrequency: DefaultReplicaHeartbeatFrequency,
		StoreType:                 StoreMemory,
		Redis: RedisConfig{
			Addr:   DefaultRedisEndpoint,
			DB:     DefaultRedisDB,
			Prefix: DefaultRedisPrefix,
		},
		SQLitePath:      DefaultSQLitePath,
		Flow:            DefaultFlowConfig(),
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// DefaultFlowConfig returns the recovery settings used when neither the
// environment nor a flow type overrides them
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		LeaseLength:             DefaultLeaseLength,
		CrashCheckFrequency:     DefaultCrashCheckFrequency,
		PostponedCheckFrequency: DefaultPostponedCheckFrequency,
		MaxParallelRetries:      DefaultMaxParallelRetries,
	}
}

// LoadFromEnv populates configuration values from environment variables.
// Returns an error if any env var cannot be parsed.
func (c *Config) LoadFromEnv() error {
	if apiHost := os.Getenv("API_HOST"); apiHost != "" {
		c.APIHost = apiHost
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.LogLevel = logLevel
	}
	if env := os.Getenv("ENV"); env != "" {
		c.Env = env
	}
	if replicaID := os.Getenv("REPLICA_ID"); replicaID != "" {
		c.ReplicaID = api.ReplicaID(replicaID)
	}
	if storeType := os.Getenv("STORE_TYPE"); storeType != "" {
		c.StoreType = storeType
	}
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		c.SQLitePath = path
	}
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		c.SentryDSN = dsn
	}
	LoadRedisConfigFromEnv(&c.Redis, "REDIS")

	if err := loadEnvInt("API_PORT", &c.APIPort, 0, MaxTCPPort); err != nil {
		return err
	}
	if err := loadEnvInt(
		"REDIS_DB", &c.Redis.DB, -1, MaxRedisDB,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"MAX_PARALLEL_RETRIES", &c.Flow.MaxParallelRetries, 0,
		MaxParallelRetries,
	); err != nil {
		return err
	}

	durations := []struct {
		key string
		dst *time.Duration
		min time.Duration
	}{
		{"LEASE_LENGTH", &c.Flow.LeaseLength, 0},
		{"CRASH_CHECK_FREQUENCY", &c.Flow.CrashCheckFrequency, 1},
		{"POSTPONED_CHECK_FREQUENCY", &c.Flow.PostponedCheckFrequency, 1},
		{"REPLICA_HEARTBEAT_FREQUENCY", &c.ReplicaHeartbeatFrequency, 1},
		{"STARTUP_DELAY", &c.StartupDelay, 0},
		{"SHUTDOWN_TIMEOUT", &c.ShutdownTimeout, 1},
	}
	for _, d := range durations {
		err := loadEnvDuration(d.key, d.dst, d.min, MaxDuration)
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > MaxTCPPort {
		return fmt.Errorf("%w: %d", ErrInvalidAPIPort, c.APIPort)
	}

	if c.ReplicaID == "" || len(c.ReplicaID) > MaxReplicaIDLength {
		return fmt.Errorf("%w: %q", ErrInvalidReplicaID, c.ReplicaID)
	}

	if c.ReplicaHeartbeatFrequency <= 0 {
		return ErrInvalidHeartbeatFrequency
	}

	if err := c.Flow.Validate(); err != nil {
		return err
	}

	if c.StartupDelay < 0 {
		return ErrInvalidStartupDelay
	}

	if c.ShutdownTimeout <= 0 {
		return ErrInvalidShutdownTimeout
	}

	switch c.StoreType {
	case StoreMemory:
	case StoreRedis, StoreTimebox:
		if c.Redis.Addr == "" {
			return ErrMissingRedisAddr
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return ErrMissingSQLitePath
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidStoreType, c.StoreType)
	}

	return nil
}

// Validate checks that the flow recovery settings are usable
func (c FlowConfig) Validate() error {
	if c.LeaseLength < 0 {
		return ErrInvalidLeaseLength
	}
	if c.CrashCheckFrequency <= 0 || c.PostponedCheckFrequency <= 0 {
		return ErrInvalidCheckFrequency
	}
	if c.MaxParallelRetries <= 0 {
		return ErrInvalidParallelism
	}
	return nil
}

// LoadRedisConfigFromEnv loads redis settings from environment variables with
// the given prefix (e.g., "REDIS" reads REDIS_ADDR)
func LoadRedisConfigFromEnv(r *RedisConfig, prefix string) {
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		r.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		r.Password = password
	}
	if envPrefix := os.Getenv(prefix + "_PREFIX"); envPrefix != "" {
		r.Prefix = envPrefix
	}
}

// loadEnvInt reads key from the environment, parses it as an integer, and
// sets *dst if the value is in the range (min, max]. Returns an error if
// the value cannot be parsed or falls outside the valid range.
func loadEnvInt[T ~int | ~int64](key string, dst *T, min, max T) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	tv := T(v)
	if tv <= min || tv > max {
		return fmt.Errorf("invalid %s: %d out of range [%d, %d]",
			key, tv, min+1, max)
	}
	*dst = tv
	return nil
}

// loadEnvDuration reads key from the environment as a Go duration string and
// sets *dst if the value is in the range [min, max]
func loadEnvDuration(
	key string, dst *time.Duration, min, max time.Duration,
) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	if v < min || v > max {
		return fmt.Errorf("invalid %s: %s out of range [%s, %s]",
			key, v, min, max)
	}
	*dst = v
	return nil
}
