package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Seconds is a duration written as float seconds in the config file.
type Seconds float64

// Duration converts s to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// Config holds everything a rebalancing pass needs. JSON config files are
// accepted too, since they parse as YAML.
type Config struct {
	DryRun              bool   `yaml:"dry_run"`
	AccountID           string `yaml:"account_id"`
	PortfolioConfigFile string `yaml:"portfolio_config_file"`
	LedgerFile          string `yaml:"ledger_file"`
	LedgerBackend       string `yaml:"ledger_backend"`
	StateFile           string `yaml:"state_file"`
	Schedule            string `yaml:"schedule"`

	API         APISettings         `yaml:"api_settings"`
	Trading     TradingSettings     `yaml:"trading_settings"`
	Rebalancing RebalancingSettings `yaml:"rebalancing_settings"`
	Log         LogSettings         `yaml:"log_settings"`
}

type APISettings struct {
	MaxRetries     int     `yaml:"max_retries"`
	RetryDelay     Seconds `yaml:"retry_delay"`
	RateLimitDelay Seconds `yaml:"rate_limit_delay"`
	QuoteCacheTTL  Seconds `yaml:"quote_cache_ttl"`
}

type TradingSettings struct {
	OrderType               string  `yaml:"order_type"`
	PriceSlippage           float64 `yaml:"price_slippage"`
	MinOrderAmount          float64 `yaml:"min_order_amount"`
	MaxOrderAmount          float64 `yaml:"max_order_amount"`
	OrderTimeout            Seconds `yaml:"order_timeout"`
	ConservativePriceMargin float64 `yaml:"conservative_price_margin"`
	StatusPollInterval      Seconds `yaml:"status_poll_interval"`
	FillTimeout             Seconds `yaml:"fill_timeout"`
}

type RebalancingSettings struct {
	Mode                     string  `yaml:"mode"`
	IncludeExistingPositions bool    `yaml:"include_existing_positions"`
	SellExistingPositions    bool    `yaml:"sell_existing_positions"`
	MinTradeAmount           float64 `yaml:"min_trade_amount"`
	MaxTradeAmount           float64 `yaml:"max_trade_amount"`
	RebalanceThreshold       float64 `yaml:"rebalance_threshold"`
	CapBuysToBudget          bool    `yaml:"cap_buys_to_budget"`
	CancelOpenOrders         bool    `yaml:"cancel_open_orders"`
	RequireMarketOpen        bool    `yaml:"require_market_open"`
}

type LogSettings struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int64  `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Pretty     bool   `yaml:"pretty"`
}

// Default returns the configuration used for any key the file leaves out.
func Default() Config {
	return Config{
		DryRun:              true,
		PortfolioConfigFile: "portfolio.csv",
		LedgerFile:          "data/trade_log.csv",
		LedgerBackend:       "csv",
		StateFile:           "data/rebalancer_state.json",
		API: APISettings{
			MaxRetries:     3,
			RetryDelay:     1,
			RateLimitDelay: 0.3,
			QuoteCacheTTL:  60,
		},
		Trading: TradingSettings{
			OrderType:               "LIMIT",
			PriceSlippage:           0.02,
			OrderTimeout:            30,
			ConservativePriceMargin: 0.01,
			StatusPollInterval:      2,
			FillTimeout:             60,
		},
		Rebalancing: RebalancingSettings{
			Mode:                     "TOTAL_VALUE",
			IncludeExistingPositions: true,
			MinTradeAmount:           100,
			RebalanceThreshold:       0.05,
			CapBuysToBudget:          true,
			CancelOpenOrders:         true,
			RequireMarketOpen:        true,
		},
		Log: LogSettings{
			Level:      "info",
			File:       "logs/rebalancer.log",
			MaxSizeMB:  10,
			MaxBackups: 5,
			Pretty:     true,
		},
	}
}

// requiredSecretVars are the broker credentials a pass cannot run without.
var requiredSecretVars = map[string]bool{
	"APCA_API_KEY_ID":     true,
	"APCA_API_SECRET_KEY": true,
	"APCA_API_BASE_URL":   true,
}

// maskedVars are echoed with only their last four characters.
var maskedVars = map[string]bool{
	"APCA_API_KEY_ID":     true,
	"APCA_API_SECRET_KEY": true,
	"TELEGRAM_BOT_TOKEN":  true,
	"TELEGRAM_CHAT_ID":    true,
}

// Load reads the .env file (if any) and the config file at path, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using system environment variables")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func overrideWithEnv(cfg *Config) {
	cfg.DryRun = getEnvAsBool("REBALANCER_DRY_RUN", cfg.DryRun)
	cfg.Log.Level = getEnv("REBALANCER_LOG_LEVEL", cfg.Log.Level)
	cfg.AccountID = getEnv("REBALANCER_ACCOUNT_ID", cfg.AccountID)
	cfg.API.RateLimitDelay = Seconds(getEnvAsFloat64("REBALANCER_RATE_LIMIT_DELAY", float64(cfg.API.RateLimitDelay)))
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	c.Trading.OrderType = strings.ToUpper(strings.TrimSpace(c.Trading.OrderType))
	c.Rebalancing.Mode = strings.ToUpper(strings.TrimSpace(c.Rebalancing.Mode))
	c.LedgerBackend = strings.ToLower(strings.TrimSpace(c.LedgerBackend))

	if c.PortfolioConfigFile == "" {
		return fmt.Errorf("portfolio_config_file is required")
	}
	if c.LedgerFile == "" {
		return fmt.Errorf("ledger_file is required")
	}
	switch c.LedgerBackend {
	case "csv", "sqlite":
	default:
		return fmt.Errorf("unknown ledger_backend %q", c.LedgerBackend)
	}

	if c.API.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.API.RetryDelay < 0 || c.API.RateLimitDelay < 0 {
		return fmt.Errorf("retry_delay and rate_limit_delay must not be negative")
	}
	if c.API.QuoteCacheTTL <= 0 {
		return fmt.Errorf("quote_cache_ttl must be positive")
	}

	switch c.Trading.OrderType {
	case "LIMIT", "MARKET":
	default:
		return fmt.Errorf("order_type must be LIMIT or MARKET, got %q", c.Trading.OrderType)
	}
	if c.Trading.ConservativePriceMargin < 0 || c.Trading.ConservativePriceMargin >= 1 {
		return fmt.Errorf("conservative_price_margin must be in [0, 1)")
	}
	if c.Trading.PriceSlippage < 0 {
		return fmt.Errorf("price_slippage must not be negative")
	}
	if c.Trading.MinOrderAmount < 0 || c.Trading.MaxOrderAmount < 0 {
		return fmt.Errorf("order amounts must not be negative")
	}
	if c.Trading.MaxOrderAmount > 0 && c.Trading.MinOrderAmount > c.Trading.MaxOrderAmount {
		return fmt.Errorf("min_order_amount exceeds max_order_amount")
	}
	if c.Trading.OrderTimeout < 0 || c.Trading.FillTimeout < 0 || c.Trading.StatusPollInterval < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	switch c.Rebalancing.Mode {
	case "TOTAL_VALUE", "AVAILABLE_CASH":
	default:
		return fmt.Errorf("mode must be TOTAL_VALUE or AVAILABLE_CASH, got %q", c.Rebalancing.Mode)
	}
	if c.Rebalancing.RebalanceThreshold < 0 || c.Rebalancing.RebalanceThreshold > 1 {
		return fmt.Errorf("rebalance_threshold must be in [0, 1]")
	}
	if c.Rebalancing.MinTradeAmount < 0 || c.Rebalancing.MaxTradeAmount < 0 {
		return fmt.Errorf("trade amounts must not be negative")
	}
	if c.Rebalancing.MaxTradeAmount > 0 && c.Rebalancing.MinTradeAmount > c.Rebalancing.MaxTradeAmount {
		return fmt.Errorf("min_trade_amount exceeds max_trade_amount")
	}

	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		return fmt.Errorf("log rotation sizes must not be negative")
	}
	return nil
}

// CheckSecrets reports the broker credentials missing from the environment.
func CheckSecrets() error {
	var missing []string
	for key := range requiredSecretVars {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

// PrintEnv logs the variables defined in the .env file, masking secrets.
func PrintEnv() {
	envMap, err := godotenv.Read()
	if err != nil {
		return
	}
	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	log.Info().Msg("--- .env File Variables ---")
	for _, key := range keys {
		val := envMap[key]
		if maskedVars[key] {
			val = Mask(val)
		}
		log.Info().Msgf("%s=%s", key, val)
	}
	log.Info().Msg("---------------------------")
}

// Mask shows only the last four characters of a secret.
func Mask(val string) string {
	if len(val) > 4 {
		return "***" + val[len(val)-4:]
	}
	return "***"
}
