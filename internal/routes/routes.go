package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/timebank/timebank/internal/adjustment"
	"github.com/timebank/timebank/internal/config"
	"github.com/timebank/timebank/internal/credits"
	"github.com/timebank/timebank/internal/identity"
	"github.com/timebank/timebank/internal/ledger"
	"github.com/timebank/timebank/internal/middleware"
	"github.com/timebank/timebank/internal/notification"
	"github.com/timebank/timebank/internal/settlement"
)

const migrateTimeout = 30 * time.Second

// Deps aggregates shared dependencies required to wire routes. At most one
// of DB and SQLite is set; with neither the ledger lives in memory.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	SQLite   *ledger.SQLiteStore
	Cache    *redis.Client
	Notifier notification.Notifier
	Logger   *slog.Logger
}

// Handlers groups the HTTP handlers built by Setup.
type Handlers struct {
	Credits    *credits.Handler
	Settlement *settlement.Handler
	Adjustment *adjustment.Handler
	Identity   *identity.Handler
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Cache == nil && !d.Cfg.IsDevelopment() {
		return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	h, err := buildHandlers(d)
	if err != nil {
		return err
	}

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals(middleware.RequestIDHeader).(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	limited := middleware.RateLimit(d.Cache, d.Cfg.RateLimitPerMinute, time.Minute)
	writes := []fiber.Handler{limited}
	if d.Cache != nil {
		writes = append(writes, middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	RegisterIdentityRoutes(api, h.Identity, limited)
	RegisterCreditRoutes(api, h.Credits, h.Adjustment, writes...)
	RegisterSettlementRoutes(api, h.Settlement, writes...)
	return nil
}

func buildHandlers(d Deps) (Handlers, error) {
	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()

	var (
		store ledger.Store
		users identity.Repository
	)
	switch {
	case d.DB != nil:
		pgStore := ledger.NewPostgresStore(d.DB)
		if err := pgStore.Migrate(ctx); err != nil {
			return Handlers{}, err
		}
		pgUsers := identity.NewPostgresRepository(d.DB)
		if err := pgUsers.Migrate(ctx); err != nil {
			return Handlers{}, err
		}
		store, users = pgStore, pgUsers
	case d.SQLite != nil:
		sqliteUsers := identity.NewSQLiteRepository(d.SQLite.DB())
		if err := sqliteUsers.Migrate(ctx); err != nil {
			return Handlers{}, err
		}
		store, users = d.SQLite, sqliteUsers
	default:
		store, users = ledger.NewInMemory(), identity.NewMemoryRepository()
	}

	notifier := d.Notifier
	if notifier == nil {
		notifier = notification.NewLoggerNotifier(d.Logger)
	}
	var guard credits.BonusGuard
	if d.Cache != nil {
		guard = credits.NewRedisBonusGuard(d.Cache, 0)
	}

	engine := ledger.NewEngine(store, d.Logger)
	creditsSvc := credits.NewService(engine, guard, notifier, d.Logger, d.Cfg.InitialBonus)
	identitySvc := identity.NewService(users, engine, creditsSvc, d.Logger)

	return Handlers{
		Credits:    credits.NewHandler(creditsSvc),
		Settlement: settlement.NewHandler(settlement.NewService(creditsSvc, d.Logger)),
		Adjustment: adjustment.NewHandler(adjustment.NewService(engine, notifier, d.Logger)),
		Identity:   identity.NewHandler(identitySvc),
	}, nil
}
