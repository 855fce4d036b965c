package app

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	s3blob "github.com/alanyoungcy/yellowbet/internal/blob/s3"
	"github.com/alanyoungcy/yellowbet/internal/cache/memory"
	"github.com/alanyoungcy/yellowbet/internal/cache/redis"
	"github.com/alanyoungcy/yellowbet/internal/config"
	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/alanyoungcy/yellowbet/internal/notify"
	"github.com/alanyoungcy/yellowbet/internal/server/handler"
	"github.com/alanyoungcy/yellowbet/internal/store/postgres"
	"github.com/alanyoungcy/yellowbet/internal/store/sqlite"
)

// Dependencies bundles the infrastructure the modes build services on. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	MarketStore  domain.MarketStore
	BetStore     domain.BetStore
	SessionStore domain.SessionStore
	AuditStore   domain.AuditStore

	// Caches
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage. All nil when S3 is disabled.
	BlobReader    domain.BlobReader
	Archiver      domain.Archiver
	AuditExporter *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Health probes each dependency by name.
	Health map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Health: make(map[string]handler.Check)}

	// --- Store ---
	switch cfg.Store.Driver {
	case config.DriverPostgres:
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
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.MarketStore = postgres.NewMarketStore(pool)
		deps.BetStore = postgres.NewBetStore(pool)
		deps.SessionStore = postgres.NewSessionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }

	default:
		db, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return fail(fmt.Errorf("wire: sqlite: %w", err))
		}
		closers = append(closers, func() { _ = sqlite.Close(db) })

		deps.MarketStore = sqlite.NewMarketStore(db)
		deps.BetStore = sqlite.NewBetStore(db)
		deps.SessionStore = sqlite.NewSessionStore(db)
		deps.AuditStore = sqlite.NewAuditStore(db)
		deps.Health["sqlite"] = pingGorm(db)
	}

	// --- Redis, or in-process equivalents ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Prefix:     cfg.Redis.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Redis.MarketTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Health["redis"] = redisClient.Ping
	} else {
		deps.MarketCache = memory.NewMarketCache()
		deps.RateLimiter = memory.NewLimiter()
		deps.LockManager = memory.NewLocks()
		deps.SignalBus = memory.NewBus()
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}

		archiver := s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.AuditStore, logger)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = archiver
		deps.AuditExporter = archiver
		deps.Health["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPI,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	return deps, cleanup, nil
}

func pingGorm(db *gorm.DB) handler.Check {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}
