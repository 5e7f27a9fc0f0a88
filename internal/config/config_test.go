package config_test

import (
	"testing"
	"time"

	testify "github.com/stretchr/testify/assert"

	"github.com/kode4food/stalwart/internal/assert"
	"github.com/kode4food/stalwart/internal/assert/helpers"
	"github.com/kode4food/stalwart/internal/config"
	"github.com/kode4food/stalwart/pkg/api"
)

func TestConfigValidation(t *testing.T) {
	as := assert.New(t)

	t.Run("valid_default_config", func(t *testing.T) {
		cfg := config.NewDefaultConfig()
		as.ConfigValid(cfg)
	})

	t.Run("valid_test_config", func(t *testing.T) {
		cfg := helpers.NewTestConfig()
		as.ConfigValid(cfg)
	})

	tests := []struct {
		name      string
		configMod func(*config.Config)
		err       error
	}{
		{
			name:      "invalid_api_port_zero",
			configMod: func(c *config.Config) { c.APIPort = 0 },
			err:       config.ErrInvalidAPIPort,
		},
		{
			name:      "invalid_api_port_too_high",
			configMod: func(c *config.Config) { c.APIPort = 70000 },
			err:       config.ErrInvalidAPIPort,
		},
		{
			name:      "empty_replica_id",
			configMod: func(c *config.Config) { c.ReplicaID = "" },
			err:       config.ErrInvalidReplicaID,
		},
		{
			name: "negative_lease_length",
			configMod: func(c *config.Config) {
				c.Flow.LeaseLength = -1
			},
			err: config.ErrInvalidLeaseLength,
		},
		{
			name: "zero_crash_check_frequency",
			configMod: func(c *config.Config) {
				c.Flow.CrashCheckFrequency = 0
			},
			err: config.ErrInvalidCheckFrequency,
		},
		{
			name: "zero_postponed_check_frequency",
			configMod: func(c *config.Config) {
				c.Flow.PostponedCheckFrequency = 0
			},
			err: config.ErrInvalidCheckFrequency,
		},
		{
			name: "zero_parallel_retries",
			configMod: func(c *config.Config) {
				c.Flow.MaxParallelRetries = 0
			},
			err: config.ErrInvalidParallelism,
		},
		{
			name: "zero_heartbeat",
			configMod: func(c *config.Config) {
				c.ReplicaHeartbeatFrequency = 0
			},
			err: config.ErrInvalidHeartbeatFrequency,
		},
		{
			name:      "negative_startup_delay",
			configMod: func(c *config.Config) { c.StartupDelay = -1 },
			err:       config.ErrInvalidStartupDelay,
		},
		{
			name:      "zero_shutdown_timeout",
			configMod: func(c *config.Config) { c.ShutdownTimeout = 0 },
			err:       config.ErrInvalidShutdownTimeout,
		},
		{
			name:      "unknown_store",
			configMod: func(c *config.Config) { c.StoreType = "etcd" },
			err:       config.ErrInvalidStoreType,
		},
		{
			name: "redis_without_addr",
			configMod: func(c *config.Config) {
				c.StoreType = config.StoreRedis
				c.Redis.Addr = ""
			},
			err: config.ErrMissingRedisAddr,
		},
		{
			name: "timebox_without_addr",
			configMod: func(c *config.Config) {
				c.StoreType = config.StoreTimebox
				c.Redis.Addr = ""
			},
			err: config.ErrMissingRedisAddr,
		},
		{
			name: "sqlite_without_path",
			configMod: func(c *config.Config) {
				c.StoreType = config.StoreSQLite
				c.SQLitePath = ""
			},
			err: config.ErrMissingSQLitePath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := helpers.NewTestConfig()
			tt.configMod(cfg)
			testify.ErrorIs(t, cfg.Validate(), tt.err)
		})
	}
}

func TestDefaultConfigValues(t *testing.T) {
	as := assert.New(t)

	cfg := config.NewDefaultConfig()

	as.Equal(config.DefaultAPIPort, cfg.APIPort)
	as.Equal("0.0.0.0", cfg.APIHost)
	as.Equal(config.DefaultShutdownTimeout, cfg.ShutdownTimeout)
	as.Equal(config.StoreMemory, cfg.StoreType)
	as.Equal(config.DefaultFlowConfig(), cfg.Flow)
	as.Equal("info", cfg.LogLevel)
	as.NotEmpty(cfg.ReplicaID)
	as.NotEqual(cfg.ReplicaID, config.NewDefaultConfig().ReplicaID)
}

func TestConfigLoadFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(*testing.T, *config.Config)
	}{
		{
			name:    "load_api_port",
			envVars: map[string]string{"API_PORT": "9090"},
			check: func(t *testing.T, c *config.Config) {
				testify.Equal(t, 9090, c.APIPort)
			},
		},
		{
			name:    "load_api_host",
			envVars: map[string]string{"API_HOST": "127.0.0.1"},
			check: func(t *testing.T, c *config.Config) {
				testify.Equal(t, "127.0.0.1", c.APIHost)
			},
		},
		{
			name:    "load_replica_id",
			envVars: map[string]string{"REPLICA_ID": "node-7"},
			check: func(t *testing.T, c *config.Config) {
				testify.Equal(t, api.ReplicaID("node-7"), c.ReplicaID)
			},
		},
		{
			name: "load_flow_settings",
			envVars: map[string]string{
				"LEASE_LENGTH":              "30s",
				"CRASH_CHECK_FREQUENCY":     "15s",
				"POSTPONED_CHECK_FREQUENCY": "250ms",
				"MAX_PARALLEL_RETRIES":      "4",
			},
			check: func(t *testing.T, c *config.Config) {
				testify.Equal(t, config.FlowConfig{
					LeaseLength:             30 * time.Second,
					CrashCheckFrequency:     15 * time.Second,
					PostponedCheckFrequency: 250 * time.Millisecond,
					MaxParallelRetries:      4,
				}, c.Flow)
			},
		},
		{
			name:    "zero_lease_length",
			envVars: map[string]string{"LEASE_LENGTH": "0s"},
			check: func(t *testing.T, c *config.Config) {
				testify.Zero(t, c.Flow.LeaseLength)
			},
		},
		{
			name: "load_replica_settings",
			envVars: map[string]string{
				"REPLICA_HEARTBEAT_FREQUENCY": "2s",
				"STARTUP_DELAY":               "1s",
				"SHUTDOWN_TIMEOUT":            "3s",
			},
			check: func(t *testing.T, c *config.Config) {
				testify.Equal(t, 2*time.Second, c.ReplicaHeartbeatFrequency)
				testify.Equal(t, time.Second, c.StartupDelay)
				testify.Equal(t, 3*time.Second, c.ShutdownTimeout)
			},
		},
		{
			name: "load_store_settings",
			envVars: map[string]string{
				"STORE_TYPE":     "redis",
				"REDIS_ADDR":     "redis.example.com:6379",
				"REDIS_PASSWORD": "secret123",
				"REDIS_DB":       "5",
				"REDIS_PREFIX":   "custom-prefix",
				"SQLITE_PATH":    "/tmp/flows.db",
			},
			check: func(t *testing.T, c *config.Config) {
				testify.Equal(t, config.StoreRedis, c.StoreType)
				testify.Equal(t, config.RedisConfig{
					Addr:     "redis.example.com:6379",
					Password: "secret123",
					DB:       5,
					Prefix:   "custom-prefix",
				}, c.Redis)
				testify.Equal(t, "/tmp/flows.db", c.SQLitePath)
			},
		},
		{
			name: "load_logging_and_sentry",
			envVars: map[string]string{
				"LOG_LEVEL":  "debug",
				"ENV":        "production",
				"SENTRY_DSN": "https://key@sentry.example.com/1",
			},
			check: func(t *testing.T, c *config.Config) {
				testify.Equal(t, "debug", c.LogLevel)
				testify.Equal(t, "production", c.Env)
				testify.Equal(t,
					"https://key@sentry.example.com/1", c.SentryDSN,
				)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			cfg := config.NewDefaultConfig()
			testify.NoError(t, cfg.LoadFromEnv())
			tt.check(t, cfg)
		})
	}
}

func TestConfigLoadFromEnvErrors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad_port", "API_PORT", "not_a_number"},
		{"port_out_of_range", "API_PORT", "70000"},
		{"bad_duration", "LEASE_LENGTH", "soon"},
		{"negative_lease", "LEASE_LENGTH", "-1s"},
		{"zero_frequency", "CRASH_CHECK_FREQUENCY", "0s"},
		{"huge_frequency", "POSTPONED_CHECK_FREQUENCY", "48h"},
		{"zero_parallelism", "MAX_PARALLEL_RETRIES", "0"},
		{"bad_redis_db", "REDIS_DB", "16"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			cfg := config.NewDefaultConfig()
			err := cfg.LoadFromEnv()
			testify.Error(t, err)
			testify.Contains(t, err.Error(), tt.key)
		})
	}
}
