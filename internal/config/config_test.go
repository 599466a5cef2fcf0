package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns defaults completed with the credentials that the
// full mode requires.
func validConfig() Config {
	cfg := Defaults()
	cfg.Exchange.APIKey = "key"
	cfg.Exchange.SecretKey = "secret"
	return cfg
}

func TestDefaultsValidateWithCredentials(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			"full mode requires exchange credentials",
			func(cfg *Config) { cfg.Exchange.APIKey = "" },
			"api_key and secret_key",
		},
		{
			"server mode trades nothing and needs no credentials",
			func(cfg *Config) {
				cfg.Mode = "server"
				cfg.Exchange.APIKey = ""
				cfg.Exchange.SecretKey = ""
			},
			"",
		},
		{
			"unknown mode rejected",
			func(cfg *Config) { cfg.Mode = "batch" },
			"unknown mode",
		},
		{
			"unknown log level rejected",
			func(cfg *Config) { cfg.LogLevel = "trace" },
			"unknown log_level",
		},
		{
			"lock grace below lock ttl rejected",
			func(cfg *Config) {
				cfg.Engine.LockTTL = duration{10 * time.Minute}
				cfg.Engine.LockGrace = duration{time.Minute}
			},
			"lock_grace must be >= lock_ttl",
		},
		{
			"liquidation warn pct out of range",
			func(cfg *Config) { cfg.Engine.LiquidationWarnPct = 1.5 },
			"liquidation_warn_pct",
		},
		{
			"dsn substitutes for host parameters",
			func(cfg *Config) {
				cfg.Postgres.DSN = "postgres://u:p@db:5432/posengine"
				cfg.Postgres.Host = ""
				cfg.Postgres.Database = ""
			},
			"",
		},
		{
			"missing postgres host without dsn",
			func(cfg *Config) { cfg.Postgres.Host = "" },
			"postgres: host",
		},
		{
			"s3 enabled requires a bucket",
			func(cfg *Config) {
				cfg.S3.Enabled = true
				cfg.S3.Bucket = ""
			},
			"s3: bucket",
		},
		{
			"server port range checked when enabled",
			func(cfg *Config) { cfg.Server.Port = 70000 },
			"server: port",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "batch"
	cfg.Redis.Addr = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "redis: addr")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
mode = "worker"
log_level = "debug"

[exchange]
api_key = "file-key"
secret_key = "file-secret"
use_testnet = true

[engine]
lock_ttl = "2m"
retry_max_attempts = 7
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "worker", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "file-key", cfg.Exchange.APIKey)
	assert.True(t, cfg.Exchange.UseTestnet)
	assert.Equal(t, 2*time.Minute, cfg.Engine.LockTTL.Duration)
	assert.Equal(t, 7, cfg.Engine.RetryMaxAttempts)

	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost", cfg.Postgres.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
mode = "worker"

[exchange]
api_key = "file-key"
secret_key = "file-secret"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	t.Setenv("POSENGINE_MODE", "sweeper")
	t.Setenv("POSENGINE_EXCHANGE_API_KEY", "env-key")
	t.Setenv("POSENGINE_ENGINE_LOCK_TTL", "90s")
	t.Setenv("POSENGINE_NOTIFY_COMMANDS", "position_closed, stop_failed")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sweeper", cfg.Mode)
	assert.Equal(t, "env-key", cfg.Exchange.APIKey)
	assert.Equal(t, "file-secret", cfg.Exchange.SecretKey, "unset variables leave the file value alone")
	assert.Equal(t, 90*time.Second, cfg.Engine.LockTTL.Duration)
	assert.Equal(t, []string{"position_closed", "stop_failed"}, cfg.Notify.Commands)
}

func TestDurationUnmarshalText(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("45s")))
	assert.Equal(t, 45*time.Second, d.Duration)

	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
