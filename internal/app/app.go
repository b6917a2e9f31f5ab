package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/cobra-ai/credits/internal/config"
	"github.com/cobra-ai/credits/internal/domain/credit"
	"github.com/cobra-ai/credits/internal/domain/user"
	"github.com/cobra-ai/credits/internal/pkg/database"
	"github.com/cobra-ai/credits/internal/pkg/email"
	"github.com/cobra-ai/credits/internal/pkg/joblock"
	"github.com/cobra-ai/credits/internal/pkg/metrics"
)

// App holds the ledger wiring shared by the API, the worker and creditctl
type App struct {
	Config    *config.Config
	DB        *sqlx.DB
	Redis     *redis.Client
	Registry  *credit.Registry
	Events    *credit.EventBus
	Credits   *credit.Service
	Scheduler *credit.Scheduler
	Users     user.Repository
}

// New connects storage, migrates the schema and builds the ledger services.
// Redis is optional: without it events stay in-process and job locks are local.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := database.Migrate(ctx, db, user.Migrations(cfg.DatabaseDriver), credit.Migrations(cfg.DatabaseDriver)); err != nil {
		database.Close(db)
		return nil, err
	}

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, using local job locks and in-process events")
		rdb = nil
	}

	registry := credit.NewRegistry()
	if cfg.CreditTypesFile != "" {
		n, err := registry.LoadTypeFile(cfg.CreditTypesFile)
		if err != nil {
			closeAll(db, rdb)
			return nil, fmt.Errorf("load credit types: %w", err)
		}
		log.Info().Int("types", n).Str("file", cfg.CreditTypesFile).Msg("Loaded credit types")
	}

	bus := credit.NewEventBus()
	bus.SubscribeAll(credit.AuditLogger)
	bus.SubscribeAll(metrics.ObserveEvent)
	if fwd := credit.NewRedisForwarder(rdb); fwd != nil {
		bus.SubscribeAll(fwd.Handle)
	}

	service := credit.NewService(credit.NewRepository(db), registry, credit.WithEventBus(bus))
	stored, err := service.LoadStoredTypes(ctx)
	if err != nil {
		closeAll(db, rdb)
		return nil, fmt.Errorf("load stored credit types: %w", err)
	}
	if stored > 0 {
		log.Info().Int("types", stored).Msg("Loaded stored credit types")
	}

	var locker credit.Locker = joblock.NewLocalLocker()
	if rdb != nil {
		locker = joblock.NewRedisLocker(rdb)
	}

	users := user.NewRepository(db)
	mailer := email.NewService(email.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.EmailFrom,
		FromName:  cfg.EmailFromName,
	}, cfg.SiteName)

	scheduler := credit.NewScheduler(service, mailer, user.NewDirectory(users), credit.SchedulerConfig{
		NotificationsEnabled: cfg.CreditNotificationsEnabled,
		NoticeWindow:         cfg.NoticeWindow(),
		RetentionPeriod:      cfg.RetentionPeriod(),
		Notice: credit.NoticeTemplate{
			SiteName:       cfg.SiteName,
			CreditsPageURL: cfg.CreditsPageURL,
		},
	}, credit.WithLocker(locker), credit.WithJobObserver(metrics.JobObserver{}))

	return &App{
		Config:    cfg,
		DB:        db,
		Redis:     rdb,
		Registry:  registry,
		Events:    bus,
		Credits:   service,
		Scheduler: scheduler,
		Users:     users,
	}, nil
}

// FollowTypeChanges keeps the registry in step with credit types registered or
// removed by other processes until ctx is cancelled. Without Redis it returns
// immediately.
func (a *App) FollowTypeChanges(ctx context.Context) {
	if a.Redis == nil {
		return
	}
	err := credit.SubscribeEvents(ctx, a.Redis, func(e credit.Event) {
		if err := a.Credits.ApplyTypeEvent(ctx, e); err != nil {
			log.Error().Err(err).Str("event", string(e.Type)).Str("credit_type", string(e.CreditType)).Msg("Failed to apply credit type change")
		}
	})
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Credit event subscription ended")
	}
}

// Close releases database and Redis connections
func (a *App) Close() {
	closeAll(a.DB, a.Redis)
}

func closeAll(db *sqlx.DB, rdb *redis.Client) {
	if rdb != nil {
		database.CloseRedis(rdb)
	}
	database.Close(db)
}
