package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POSENGINE_* environment variable
// overrides, and returns the final Config. The returned Config has NOT
// been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POSENGINE_* environment variables
// and overwrites the corresponding Config fields when a variable is
// set. This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Exchange.APIKey, "POSENGINE_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.SecretKey, "POSENGINE_EXCHANGE_SECRET_KEY")
	setBool(&cfg.Exchange.UseTestnet, "POSENGINE_EXCHANGE_USE_TESTNET")

	setStr(&cfg.Postgres.DSN, "POSENGINE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POSENGINE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSENGINE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSENGINE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSENGINE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSENGINE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSENGINE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSENGINE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSENGINE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSENGINE_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "POSENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POSENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POSENGINE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POSENGINE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POSENGINE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POSENGINE_REDIS_TLS_ENABLED")

	setBool(&cfg.S3.Enabled, "POSENGINE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POSENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POSENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "POSENGINE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POSENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POSENGINE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POSENGINE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POSENGINE_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "POSENGINE_S3_PREFIX")

	setStr(&cfg.Engine.WorkerID, "POSENGINE_ENGINE_WORKER_ID")
	setDuration(&cfg.Engine.LockTTL, "POSENGINE_ENGINE_LOCK_TTL")
	setDuration(&cfg.Engine.LockGrace, "POSENGINE_ENGINE_LOCK_GRACE")
	setDuration(&cfg.Engine.ScanInterval, "POSENGINE_ENGINE_SCAN_INTERVAL")
	setDuration(&cfg.Engine.SweepInterval, "POSENGINE_ENGINE_SWEEP_INTERVAL")
	setDuration(&cfg.Engine.DequeueWait, "POSENGINE_ENGINE_DEQUEUE_WAIT")
	setInt(&cfg.Engine.RetryMaxAttempts, "POSENGINE_ENGINE_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Engine.RetryBackoff, "POSENGINE_ENGINE_RETRY_BACKOFF")
	setDuration(&cfg.Engine.AccountingDelayBase, "POSENGINE_ENGINE_ACCOUNTING_DELAY_BASE")
	setInt(&cfg.Engine.AccountingAlertThreshold, "POSENGINE_ENGINE_ACCOUNTING_ALERT_THRESHOLD")
	setFloat64(&cfg.Engine.LiquidationWarnPct, "POSENGINE_ENGINE_LIQUIDATION_WARN_PCT")

	setBool(&cfg.Server.Enabled, "POSENGINE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POSENGINE_SERVER_PORT")

	setStr(&cfg.Notify.TelegramToken, "POSENGINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POSENGINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POSENGINE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Commands, "POSENGINE_NOTIFY_COMMANDS")

	setStr(&cfg.Mode, "POSENGINE_MODE")
	setStr(&cfg.LogLevel, "POSENGINE_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the
// environment variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
