package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/openfolio/posengine/internal/blob/s3"
	"github.com/openfolio/posengine/internal/cache/redis"
	"github.com/openfolio/posengine/internal/config"
	"github.com/openfolio/posengine/internal/domain"
	"github.com/openfolio/posengine/internal/exchange/binance"
	"github.com/openfolio/posengine/internal/notify"
	"github.com/openfolio/posengine/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the
// application modes need. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	Store      domain.PositionStore
	Queue      domain.Queue
	SoftLocker domain.SoftLocker
	Events     domain.EventBus

	// Prices serves both the accounting settlement lookups and the
	// stream-side fill price recording.
	Prices *redis.PriceCache

	// Gateway is nil for modes that never talk to the venue.
	Gateway *binance.Gateway

	// Archiver is nil unless S3 archival is enabled.
	Archiver domain.Archiver

	Notifier *notify.Notifier
}

// needsPostgres returns true for modes that require the position store.
func needsPostgres(mode string) bool {
	switch mode {
	case "worker", "server", "sweeper", "full":
		return true
	default:
		return false
	}
}

// needsExchange returns true for modes that talk to the venue.
func needsExchange(mode string) bool {
	switch mode {
	case "worker", "stream", "full":
		return true
	default:
		return false
	}
}

// needsS3 returns true for modes that run accounting post-processing.
func needsS3(mode string) bool {
	switch mode {
	case "worker", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL (only for modes that need persistence) ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.Store = postgres.NewPositionStore(pgClient.Pool())
	}

	// --- Redis (queues, soft locks, price cache, event bus) ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Queue = redis.NewWorkQueue(redisClient)
	deps.SoftLocker = redis.NewSoftLocker(redisClient)
	deps.Events = redis.NewEventBus(redisClient)
	deps.Prices = redis.NewPriceCache(redisClient)

	// --- Exchange gateway (only for modes that trade) ---
	if needsExchange(cfg.Mode) {
		deps.Gateway = binance.New(binance.Config{
			APIKey:     cfg.Exchange.APIKey,
			SecretKey:  cfg.Exchange.SecretKey,
			UseTestnet: cfg.Exchange.UseTestnet,
		}, logger)
	}

	// --- S3 cold-storage archive ---
	if cfg.S3.Enabled && needsS3(cfg.Mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.Archiver = s3blob.NewPositionArchiver(s3blob.NewWriter(s3Client), cfg.S3.Prefix)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Commands, logger)

	return deps, cleanup, nil
}
