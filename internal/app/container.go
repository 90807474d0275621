package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felixgeelhaar/davsync/internal/shared/infrastructure/crypto"
	"github.com/felixgeelhaar/davsync/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/davsync/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/davsync/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/davsync/internal/sync/application"
	"github.com/felixgeelhaar/davsync/internal/sync/domain"
	"github.com/felixgeelhaar/davsync/internal/sync/infrastructure/caldav"
	"github.com/felixgeelhaar/davsync/internal/sync/infrastructure/google"
	"github.com/felixgeelhaar/davsync/internal/sync/infrastructure/persistence"
	"github.com/felixgeelhaar/davsync/pkg/config"
)

// Container holds all application dependencies.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Database
	DBDriver database.Driver
	SQLiteDB *sql.DB
	Pool     *pgxpool.Pool

	// Repositories (interfaces, driver-agnostic)
	Accounts       domain.CalDAVAccountRepository
	Credentials    domain.OAuthCredentialRepository
	Mappings       domain.MappingRepository
	EventMappings  domain.EventMappingRepository
	SyncLogs       domain.SyncLogRepository
	WebhookRetries domain.WebhookRetryRepository

	// Infrastructure
	Encrypter      crypto.Encrypter
	EventPublisher eventbus.Publisher
	CalDAVClient   *caldav.Client
	TokenProvider  *google.TokenProvider
	GoogleClient   *google.Client

	// Application
	Webhooks       *application.WebhookPipeline
	RetryProcessor *application.RetryProcessor
	Engine         *application.Engine
	Scheduler      *application.Scheduler
}

// NewContainer creates and wires all dependencies. The database driver is
// selected by DATABASE_URL: a postgres:// URL opens a pgx pool, anything
// else falls back to the local sqlite file.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		Logger: logger,
	}

	encrypter, err := crypto.NewAESGCM(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("initialize encrypter: %w", err)
	}
	c.Encrypter = encrypter

	if err := c.connectDatabase(ctx); err != nil {
		return nil, err
	}

	// Event publisher: RabbitMQ when configured, noop otherwise.
	if cfg.RabbitMQURL != "" {
		publisher, err := eventbus.NewRabbitMQPublisher(cfg.RabbitMQURL, logger)
		if err != nil {
			if !cfg.IsDevelopment() {
				c.Close()
				return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
			}
			logger.Warn("RabbitMQ not available, using noop publisher", "error", err)
			c.EventPublisher = eventbus.NewNoopPublisher(logger)
		} else {
			c.EventPublisher = publisher
		}
	} else {
		c.EventPublisher = eventbus.NewNoopPublisher(logger)
	}

	c.CalDAVClient = caldav.NewClient(cfg.CalDAVConnectTimeout, cfg.CalDAVReadTimeout, logger)

	c.TokenProvider = google.NewTokenProvider(
		cfg.GoogleClientID,
		cfg.GoogleClientSecret,
		cfg.GoogleRedirectURL,
		cfg.GoogleScopes,
		c.Credentials,
		c.Encrypter,
		logger,
	)

	googleCfg := google.DefaultConfig()
	googleCfg.RequestTimeout = cfg.GoogleRequestTimeout
	googleCfg.MaxRetries = cfg.GoogleMaxRetries
	googleCfg.RateLimitDelay = cfg.GoogleRateLimitDelay
	googleCfg.MaxResults = cfg.GoogleMaxResults
	c.GoogleClient = google.NewClient(c.TokenProvider, googleCfg, logger)

	webhookCfg := application.DefaultWebhookConfig()
	webhookCfg.Timeout = cfg.WebhookTimeout
	webhookCfg.MaxAttempts = cfg.WebhookMaxRetries
	webhookCfg.RetryDelays = cfg.WebhookRetryDelays
	webhookCfg.IncludeEventDetails = cfg.WebhookIncludeEventDetails
	c.Webhooks = application.NewWebhookPipeline(c.WebhookRetries, webhookCfg, logger)

	retryCfg := application.DefaultRetryProcessorConfig()
	retryCfg.Retention = time.Duration(cfg.WebhookRetryRetentionDays) * 24 * time.Hour
	c.RetryProcessor = application.NewRetryProcessor(c.Webhooks, c.WebhookRetries, retryCfg, logger)

	c.Engine = application.NewEngine(application.EngineDeps{
		CalDAV:        c.CalDAVClient,
		Google:        c.GoogleClient,
		Credentials:   c.TokenProvider,
		Accounts:      c.Accounts,
		Mappings:      c.Mappings,
		EventMappings: c.EventMappings,
		SyncLogs:      c.SyncLogs,
		Encrypter:     c.Encrypter,
		Webhooks:      c.Webhooks,
		Events:        c.EventPublisher,
		Logger:        logger,
	})

	schedulerCfg := application.DefaultSchedulerConfig()
	schedulerCfg.MaxConcurrent = cfg.MaxConcurrentSyncs
	schedulerCfg.MisfireGrace = cfg.MisfireGrace
	c.Scheduler = application.NewScheduler(c.Engine, c.Mappings, schedulerCfg, logger)

	return c, nil
}

func (c *Container) connectDatabase(ctx context.Context) error {
	c.DBDriver = database.DetectDriver(c.Config.DatabaseURL)

	switch c.DBDriver {
	case database.DriverPostgres:
		pool, err := database.NewPostgresPool(ctx, c.Config.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		if err := migrations.RunPostgres(ctx, pool); err != nil {
			pool.Close()
			return fmt.Errorf("run postgres migrations: %w", err)
		}
		c.Pool = pool
		c.Accounts = persistence.NewPostgresAccountRepository(pool)
		c.Credentials = persistence.NewPostgresCredentialRepository(pool)
		c.Mappings = persistence.NewPostgresMappingRepository(pool)
		c.EventMappings = persistence.NewPostgresEventMappingRepository(pool)
		c.SyncLogs = persistence.NewPostgresSyncLogRepository(pool)
		c.WebhookRetries = persistence.NewPostgresWebhookRetryRepository(pool)
		c.Logger.Info("connected to postgres")

	default:
		db, err := database.OpenSQLite(c.Config.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite database: %w", err)
		}
		if err := migrations.RunSQLite(ctx, db); err != nil {
			db.Close()
			return fmt.Errorf("run sqlite migrations: %w", err)
		}
		c.SQLiteDB = db
		c.Accounts = persistence.NewSQLiteAccountRepository(db)
		c.Credentials = persistence.NewSQLiteCredentialRepository(db)
		c.Mappings = persistence.NewSQLiteMappingRepository(db)
		c.EventMappings = persistence.NewSQLiteEventMappingRepository(db)
		c.SyncLogs = persistence.NewSQLiteSyncLogRepository(db)
		c.WebhookRetries = persistence.NewSQLiteWebhookRetryRepository(db)
		c.Logger.Info("opened sqlite database", "path", c.Config.SQLitePath)
	}
	return nil
}

// Close releases all held connections.
func (c *Container) Close() {
	if c.EventPublisher != nil {
		if err := c.EventPublisher.Close(); err != nil {
			c.Logger.Warn("close event publisher", "error", err)
		}
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
	if c.SQLiteDB != nil {
		if err := c.SQLiteDB.Close(); err != nil {
			c.Logger.Warn("close sqlite database", "error", err)
		}
	}
}
