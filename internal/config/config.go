package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all agent configuration, loaded from environment variables
// with defaults. Every field is named and validated; no dynamic lookups.
type Config struct {
	Environment string
	LogLevel    string

	Venue struct {
		Name        string // bybit or paper
		APIKey      string
		Secret      string
		Testnet     bool
		Category    string // linear, inverse, spot
		CallTimeout time.Duration
	}

	Risk struct {
		RiskPerTrade         float64 // fraction of balance risked per trade
		MaxPositions         int
		MaxDailyLossFraction float64
		ATRMultiple          float64
		RiskRewardRatio      float64
		MarginSafetyFloor    float64 // minimum projected margin level, percent
		MaxDrawdownFraction  float64 // equity drawdown at which new entries stop
		Tiers                []BalanceTier
	}

	Stops struct {
		WindowSize     int           // price samples kept per symbol
		PollInterval   time.Duration // background price feed cadence
		SlackFactor    float64       // tighten when current distance exceeds target by this factor
		MaxRelDistance float64       // upper bound on proposed stop distance, fraction of price
		AutoApply      bool          // apply proposals via modify instead of logging only
	}

	Metrics struct {
		SharpeWindow int // outcomes considered for rolling risk-adjusted return
	}

	Agent struct {
		Symbol        string
		CycleInterval time.Duration
		CycleTimeout  time.Duration
	}

	Store struct {
		Path string
	}

	Monitoring struct {
		PrometheusPort int
		HealthPort     int
	}
}

// BalanceTier maps an account balance band to the maximum acceptable relative
// stop-loss distance and a recommended trading cadence.
type BalanceTier struct {
	MaxBalance float64 // 0 = unbounded (last tier)
	MaxStopPct float64 // fraction of price
	Cadence    string
}

// maxTierStopPct is the hard ceiling on any tier threshold. An earlier
// revision shipped a 25% threshold that let catastrophic stops through.
const maxTierStopPct = 0.10

// DefaultTiers returns the standard balance tier table
func DefaultTiers() []BalanceTier {
	return []BalanceTier{
		{MaxBalance: 1_000, MaxStopPct: 0.01, Cadence: "scalping"},
		{MaxBalance: 10_000, MaxStopPct: 0.02, Cadence: "short-term"},
		{MaxBalance: 100_000, MaxStopPct: 0.05, Cadence: "swing"},
		{MaxBalance: 0, MaxStopPct: 0.05, Cadence: "swing"},
	}
}

// Load builds a Config from the environment
func Load() *Config {
	cfg := &Config{
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	cfg.Venue.Name = getEnv("VENUE_NAME", "paper")
	cfg.Venue.APIKey = getEnv("VENUE_API_KEY", "")
	cfg.Venue.Secret = getEnv("VENUE_SECRET", "")
	cfg.Venue.Testnet = getEnvBool("VENUE_TESTNET", true)
	cfg.Venue.Category = getEnv("VENUE_CATEGORY", "linear")
	cfg.Venue.CallTimeout = getEnvDuration("VENUE_CALL_TIMEOUT", 10*time.Second)

	cfg.Risk.RiskPerTrade = getEnvFloat("RISK_PER_TRADE", 0.01)
	cfg.Risk.MaxPositions = getEnvInt("MAX_POSITIONS", 5)
	cfg.Risk.MaxDailyLossFraction = getEnvFloat("MAX_DAILY_LOSS_FRACTION", 0.03)
	cfg.Risk.ATRMultiple = getEnvFloat("ATR_MULTIPLE", 2.0)
	cfg.Risk.RiskRewardRatio = getEnvFloat("RISK_REWARD_RATIO", 2.0)
	cfg.Risk.MarginSafetyFloor = getEnvFloat("MARGIN_SAFETY_FLOOR", 150.0)
	cfg.Risk.MaxDrawdownFraction = getEnvFloat("MAX_DRAWDOWN_FRACTION", 0.25)
	cfg.Risk.Tiers = DefaultTiers()

	cfg.Stops.WindowSize = getEnvInt("STOPS_WINDOW_SIZE", 64)
	cfg.Stops.PollInterval = getEnvDuration("STOPS_POLL_INTERVAL", 5*time.Second)
	cfg.Stops.SlackFactor = getEnvFloat("STOPS_SLACK_FACTOR", 1.2)
	cfg.Stops.MaxRelDistance = getEnvFloat("STOPS_MAX_REL_DISTANCE", 0.05)
	cfg.Stops.AutoApply = getEnvBool("STOPS_AUTO_APPLY", false)

	cfg.Metrics.SharpeWindow = getEnvInt("METRICS_SHARPE_WINDOW", 30)

	cfg.Agent.Symbol = getEnv("TRADING_SYMBOL", "BTCUSDT")
	cfg.Agent.CycleInterval = getEnvDuration("CYCLE_INTERVAL", 30*time.Second)
	cfg.Agent.CycleTimeout = getEnvDuration("CYCLE_TIMEOUT", 25*time.Second)

	cfg.Store.Path = getEnv("STORE_PATH", "data/risk-core.db")

	cfg.Monitoring.PrometheusPort = getEnvInt("PROMETHEUS_PORT", 8080)
	cfg.Monitoring.HealthPort = getEnvInt("HEALTH_PORT", 8081)

	return cfg
}

// Validate checks field constraints and normalizes the tier table.
// Tier thresholds are clamped to 10% regardless of configuration.
func (c *Config) Validate() error {
	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade > 0.1 {
		return fmt.Errorf("risk_per_trade must be in (0, 0.1], got %.4f", c.Risk.RiskPerTrade)
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("max_positions must be positive, got %d", c.Risk.MaxPositions)
	}
	if c.Risk.MaxDailyLossFraction <= 0 || c.Risk.MaxDailyLossFraction >= 1 {
		return fmt.Errorf("max_daily_loss_fraction must be in (0, 1), got %.4f", c.Risk.MaxDailyLossFraction)
	}
	if c.Risk.ATRMultiple <= 0 {
		return fmt.Errorf("atr_multiple must be positive, got %.2f", c.Risk.ATRMultiple)
	}
	if c.Risk.RiskRewardRatio <= 0 {
		return fmt.Errorf("risk_reward_ratio must be positive, got %.2f", c.Risk.RiskRewardRatio)
	}
	if c.Risk.MarginSafetyFloor < 100 {
		return fmt.Errorf("margin_safety_floor below 100%% defeats the check, got %.1f", c.Risk.MarginSafetyFloor)
	}
	if c.Risk.MaxDrawdownFraction <= 0 || c.Risk.MaxDrawdownFraction >= 1 {
		return fmt.Errorf("max_drawdown_fraction must be in (0, 1), got %.4f", c.Risk.MaxDrawdownFraction)
	}
	if len(c.Risk.Tiers) == 0 {
		c.Risk.Tiers = DefaultTiers()
	}
	for i := range c.Risk.Tiers {
		if c.Risk.Tiers[i].MaxStopPct <= 0 {
			return fmt.Errorf("tier %d has non-positive stop threshold", i)
		}
		if c.Risk.Tiers[i].MaxStopPct > maxTierStopPct {
			c.Risk.Tiers[i].MaxStopPct = maxTierStopPct
		}
	}
	if c.Stops.WindowSize < 2 {
		return fmt.Errorf("stops window size must be at least 2, got %d", c.Stops.WindowSize)
	}
	if c.Stops.SlackFactor < 1 {
		return fmt.Errorf("stops slack factor must be >= 1, got %.2f", c.Stops.SlackFactor)
	}
	if c.Metrics.SharpeWindow < 2 {
		return fmt.Errorf("sharpe window must be at least 2, got %d", c.Metrics.SharpeWindow)
	}
	if c.Agent.CycleTimeout > c.Agent.CycleInterval {
		return fmt.Errorf("cycle timeout %v exceeds cycle interval %v", c.Agent.CycleTimeout, c.Agent.CycleInterval)
	}
	if c.Venue.Name != "paper" && c.Venue.APIKey == "" {
		return fmt.Errorf("venue %s requires VENUE_API_KEY", c.Venue.Name)
	}
	return nil
}

// TierFor returns the balance tier matching the given account balance
func (c *Config) TierFor(balance float64) BalanceTier {
	for _, t := range c.Risk.Tiers {
		if t.MaxBalance == 0 || balance <= t.MaxBalance {
			return t
		}
	}
	return c.Risk.Tiers[len(c.Risk.Tiers)-1]
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}
