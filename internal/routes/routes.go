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

	"github.com/yieldbrick/yieldbrick/internal/compliance"
	"github.com/yieldbrick/yieldbrick/internal/config"
	"github.com/yieldbrick/yieldbrick/internal/custody"
	"github.com/yieldbrick/yieldbrick/internal/governance"
	"github.com/yieldbrick/yieldbrick/internal/holdings"
	"github.com/yieldbrick/yieldbrick/internal/ledger"
	"github.com/yieldbrick/yieldbrick/internal/marketplace"
	"github.com/yieldbrick/yieldbrick/internal/middleware"
	"github.com/yieldbrick/yieldbrick/internal/notification"
	"github.com/yieldbrick/yieldbrick/internal/pricing"
	"github.com/yieldbrick/yieldbrick/internal/registry"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Setup configures middlewares and all application routes, choosing Postgres
// or in-memory backends depending on what infrastructure is present. The
// returned cleanup stops background workers; call it during shutdown after
// the listener has drained.
func Setup(app *fiber.App, d Deps) (func(), error) {
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	RegisterHealthRoutes(app, d)

	var shareLedger ledger.Ledger
	var agreements registry.Registry
	var governanceRepo governance.Repository
	var marketRepo marketplace.Repository
	if d.DB != nil {
		shareLedger = ledger.NewPostgresLedger(d.DB)
		agreements = registry.NewPostgresRegistry(d.DB)
		governanceRepo = governance.NewPostgresRepository(d.DB)
		marketRepo = marketplace.NewPostgresRepository(d.DB)
	} else {
		shareLedger = ledger.NewInMemory()
		agreements = registry.NewMemoryRegistry()
		governanceRepo = governance.NewMemoryRepository()
		marketRepo = marketplace.NewMemoryRepository(shareLedger)
	}

	notifier := notification.NewLoggerNotifier(d.Logger)

	var oracle pricing.Oracle = pricing.Static{Price: d.Cfg.Marketplace.EthUSDPriceFallback}
	if d.Cache != nil {
		oracle = pricing.NewCached(oracle, d.Cache, d.Cfg.Marketplace.PriceCacheTTL, d.Logger)
	}

	custodian := custody.Static{}
	retries := custody.NewRetryQueue(custodian, func(ctx context.Context, tradeID, ref string) {
		if err := marketRepo.SetTradeSettlementRef(ctx, tradeID, ref); err != nil {
			d.Logger.Warn("backfill settlement reference", "trade_id", tradeID, "error", err)
		}
	}, d.Logger)

	governanceSvc := governance.NewService(governanceRepo, shareLedger, agreements,
		governance.NewLoggerApplier(d.Logger), notifier, d.Cfg.Governance)
	marketSvc := marketplace.NewService(marketRepo, shareLedger, agreements,
		compliance.AllowAll{}, oracle, custodian, retries, notifier, d.Cfg.Marketplace)
	holdingsSvc := holdings.NewService(shareLedger, agreements)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterGovernanceRoutes(api, governance.NewHandler(governanceSvc))
	RegisterMarketplaceRoutes(api, marketplace.NewHandler(marketSvc))
	RegisterHoldingRoutes(api, holdings.NewHandler(holdingsSvc))

	return retries.Close, nil
}
