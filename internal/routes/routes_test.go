package routes

import (
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/yieldbrick/yieldbrick/internal/config"
	"github.com/yieldbrick/yieldbrick/internal/logging"
)

func devConfig() config.Config {
	return config.Config{
		AppName: "yieldbrick-test",
		AppEnv:  "development",
		Governance: config.GovernanceParams{
			VotingDelay:  time.Hour,
			VotingPeriod: 24 * time.Hour,
			QuorumBP:     1_000,
			ThresholdBP:  100,
		},
		Marketplace: config.MarketplaceParams{
			ListingExpiryDays:   7,
			EthUSDPriceFallback: 2_000,
		},
	}
}

func TestSetupDevBackendsAndCleanup(t *testing.T) {
	app := fiber.New()
	cleanup, err := Setup(app, Deps{Cfg: devConfig(), Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if cleanup == nil {
		t.Fatal("expected a cleanup function")
	}
	defer cleanup()

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/ping", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSetupRequiresInfraOutsideDev(t *testing.T) {
	cfg := devConfig()
	cfg.AppEnv = "production"

	app := fiber.New()
	if _, err := Setup(app, Deps{Cfg: cfg, Logger: logging.Discard()}); err == nil {
		t.Fatal("expected setup to fail without database and redis")
	}
}
