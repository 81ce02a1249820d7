package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName        = "YieldBrick"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour

	defaultVotingDelay   = 24 * time.Hour
	defaultVotingPeriod  = 7 * 24 * time.Hour
	defaultQuorumBP      = 1000 // 10% of distributed supply
	defaultThresholdBP   = 100  // 1% of distributed supply
	defaultListingExpiry = 30   // days
	defaultPriceCacheTTL = 30 * time.Second
	defaultEthUSDPrice   = 2000.0
)

// Config captures application runtime configuration loaded from environment
// variables. Engines receive their parameters through this struct; nothing
// reads the environment after Load returns.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	Governance  GovernanceParams
	Marketplace MarketplaceParams
}

// GovernanceParams holds the externally configured proposal policy. Quorum and
// threshold are expressed in basis points of an agreement's distributed supply.
type GovernanceParams struct {
	VotingDelay  time.Duration
	VotingPeriod time.Duration
	QuorumBP     int64
	ThresholdBP  int64
}

// MarketplaceParams holds listing defaults and the oracle fallback price.
type MarketplaceParams struct {
	ListingExpiryDays   int
	EthUSDPriceFallback float64
	PriceCacheTTL       time.Duration
}

// Load reads configuration values from the environment and populates a Config
// instance. DATABASE_URL and REDIS_URL are required outside development; a dev
// deployment falls back to in-memory backends.
func Load() (Config, error) {
	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		AppEnv:         getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,
		Governance: GovernanceParams{
			VotingDelay:  defaultVotingDelay,
			VotingPeriod: defaultVotingPeriod,
			QuorumBP:     defaultQuorumBP,
			ThresholdBP:  defaultThresholdBP,
		},
		Marketplace: MarketplaceParams{
			ListingExpiryDays:   defaultListingExpiry,
			EthUSDPriceFallback: defaultEthUSDPrice,
			PriceCacheTTL:       defaultPriceCacheTTL,
		},
	}

	var err error
	if cfg.ShutdownPeriod, err = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = getEnvDuration("IDEMPOTENCY_TTL", cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.Governance.VotingDelay, err = getEnvDuration("VOTING_DELAY", cfg.Governance.VotingDelay); err != nil {
		return Config{}, err
	}
	if cfg.Governance.VotingPeriod, err = getEnvDuration("VOTING_PERIOD", cfg.Governance.VotingPeriod); err != nil {
		return Config{}, err
	}
	if cfg.Governance.QuorumBP, err = getEnvInt64("QUORUM_BP", cfg.Governance.QuorumBP); err != nil {
		return Config{}, err
	}
	if cfg.Governance.ThresholdBP, err = getEnvInt64("PROPOSAL_THRESHOLD_BP", cfg.Governance.ThresholdBP); err != nil {
		return Config{}, err
	}
	expiry, err := getEnvInt64("LISTING_EXPIRY_DAYS", int64(cfg.Marketplace.ListingExpiryDays))
	if err != nil {
		return Config{}, err
	}
	cfg.Marketplace.ListingExpiryDays = int(expiry)
	if cfg.Marketplace.PriceCacheTTL, err = getEnvDuration("PRICE_CACHE_TTL", cfg.Marketplace.PriceCacheTTL); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("ETH_USD_PRICE"); v != "" {
		price, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ETH_USD_PRICE: %w", err)
		}
		cfg.Marketplace.EthUSDPriceFallback = price
	}

	if cfg.Governance.QuorumBP < 0 || cfg.Governance.QuorumBP > 10000 {
		return Config{}, fmt.Errorf("QUORUM_BP must be within [0, 10000]")
	}
	if cfg.Governance.ThresholdBP < 0 || cfg.Governance.ThresholdBP > 10000 {
		return Config{}, fmt.Errorf("PROPOSAL_THRESHOLD_BP must be within [0, 10000]")
	}

	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
	}

	return cfg, nil
}

// IsDev reports whether the application runs in a development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// getEnvDuration accepts either KEY_SECONDS as an integer or KEY as a Go
// duration string, mirroring how deployments have historically set timeouts.
func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key + "_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s_SECONDS: %w", key, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
