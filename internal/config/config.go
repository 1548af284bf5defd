// Package config loads the server and trading configuration from the
// environment, an optional .env file and an optional YAML trading file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/ksred/klear-trader/internal/cycle"
	"github.com/ksred/klear-trader/internal/exchange"
	"github.com/ksred/klear-trader/internal/marketdata"
	"github.com/ksred/klear-trader/internal/outbox"
	"github.com/ksred/klear-trader/internal/risk"
	"github.com/ksred/klear-trader/internal/sizing"
	"github.com/ksred/klear-trader/internal/strategy"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "klear-secret-key"

type ServerConfig struct {
	Port      string
	Env       string
	JWTSecret string
	DBPath    string
	LogLevel  string
	Debug     bool
	// AutoStart puts the orchestrator in RUNNING at boot
	AutoStart bool

	// OperatorID and OperatorSecret are the credentials accepted by /auth/token
	OperatorID     string
	OperatorSecret string
}

func (s ServerConfig) Production() bool {
	return s.Env == "production"
}

type ScheduleConfig struct {
	Cycle   string `yaml:"cycle"`
	Relay   string `yaml:"relay"`
	Redrive string `yaml:"redrive"`

	// RelayInterval, when set, relays on a ticker in place of the Relay cron spec
	RelayInterval time.Duration `yaml:"relay_interval"`
}

// TickerRelay reports whether the relay runs on RelayInterval instead of cron
func (s ScheduleConfig) TickerRelay() bool {
	return s.RelayInterval > 0
}

type Config struct {
	Server       ServerConfig               `yaml:"-"`
	Trading      cycle.Config               `yaml:"trading"`
	Strategy     strategy.MACrossConfig     `yaml:"strategy"`
	Outbox       outbox.RelayConfig         `yaml:"outbox"`
	RedriveBatch int                        `yaml:"redrive_batch"`
	Schedule     ScheduleConfig             `yaml:"schedule"`
	Exchange     exchange.Config            `yaml:"exchange"`
	Simulator    marketdata.SimulatorConfig `yaml:"simulator"`
	StartingCash decimal.Decimal            `yaml:"starting_cash"`
}

// Load reads .env when present, then the environment, then the YAML file
// named by TRADING_CONFIG_FILE. Later sources win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:      getEnv("PORT", "8080"),
			Env:       getEnv("ENV", "development"),
			JWTSecret: getEnv("JWT_SECRET", defaultJWTSecret),
			DBPath:    getEnv("DB_PATH", "klear-trader.db"),
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			Debug:     getEnvAsBool("DEBUG", false),
			AutoStart: getEnvAsBool("AUTO_START", false),

			OperatorID:     getEnv("OPERATOR_ID", "operator"),
			OperatorSecret: getEnv("OPERATOR_SECRET", ""),
		},
		Trading: cycle.Config{
			StrategyID:     getEnv("STRATEGY_ID", "ma-cross"),
			AccountID:      getEnv("ACCOUNT_ID", "paper"),
			Market:         getEnv("MARKET", "KRW-BTC"),
			Timeframe:      types.Timeframe(getEnv("TIMEFRAME", "1m")),
			CandleCount:    getEnvAsInt("CANDLE_COUNT", 60),
			OrderType:      types.OrderType(strings.ToUpper(getEnv("ORDER_TYPE", "LIMIT"))),
			TargetNotional: getEnvAsDecimal("TARGET_NOTIONAL", decimal.NewFromInt(100000)),
			IdempotencyTTL: getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			Constraints: sizing.Constraints{
				MinQuantity:  getEnvAsDecimal("MIN_QUANTITY", decimal.RequireFromString("0.00001")),
				MaxQuantity:  getEnvAsDecimal("MAX_QUANTITY", decimal.NewFromInt(100)),
				QuantityStep: getEnvAsDecimal("QUANTITY_STEP", decimal.RequireFromString("0.00001")),
				MinNotional:  getEnvAsDecimal("MIN_NOTIONAL", decimal.NewFromInt(5000)),
			},
			Sizing: sizing.Policy{
				MaxOrderNotional:    getEnvAsDecimal("SIZING_MAX_ORDER_NOTIONAL", decimal.NewFromInt(1000000)),
				FeeRatio:            getEnvAsDecimal("FEE_RATIO", decimal.RequireFromString("0.0005")),
				SlippageBufferRatio: getEnvAsDecimal("SLIPPAGE_BUFFER_RATIO", decimal.RequireFromString("0.001")),
				MaxDepthMultiple:    getEnvAsDecimal("MAX_DEPTH_MULTIPLE", decimal.NewFromInt(1)),
				MaxSlippageRatio:    getEnvAsDecimal("MAX_SLIPPAGE_RATIO", decimal.RequireFromString("0.5")),
			},
			Risk: risk.Policy{
				MinOrderNotional:    getEnvAsDecimal("RISK_MIN_ORDER_NOTIONAL", decimal.NewFromInt(5000)),
				MaxOrderNotional:    getEnvAsDecimal("RISK_MAX_ORDER_NOTIONAL", decimal.NewFromInt(1000000)),
				MaxExposureRatio:    getEnvAsDecimal("MAX_EXPOSURE_RATIO", decimal.RequireFromString("0.5")),
				MaxDailyLossRatio:   getEnvAsDecimal("MAX_DAILY_LOSS_RATIO", decimal.RequireFromString("0.05")),
				Cooldown:            getEnvAsDuration("ORDER_COOLDOWN", 0),
				MaxDataStaleness:    getEnvAsDuration("MAX_DATA_STALENESS", 30*time.Second),
				FeeBufferRatio:      getEnvAsDecimal("FEE_RATIO", decimal.RequireFromString("0.0005")),
				SlippageBufferRatio: getEnvAsDecimal("SLIPPAGE_BUFFER_RATIO", decimal.RequireFromString("0.001")),
			},
		},
		Strategy: strategy.MACrossConfig{
			FastPeriod:      getEnvAsInt("MA_FAST", 5),
			SlowPeriod:      getEnvAsInt("MA_SLOW", 20),
			CooldownBars:    getEnvAsInt("COOLDOWN_BARS", 3),
			OnlyOnChange:    getEnvAsBool("ONLY_ON_CHANGE", true),
			ConfidenceScale: getEnvAsDecimal("CONFIDENCE_SCALE", decimal.NewFromInt(10)),
		},
		Outbox: outbox.RelayConfig{
			BatchSize:   getEnvAsInt("OUTBOX_BATCH_SIZE", 50),
			MaxAttempts: getEnvAsInt("OUTBOX_MAX_ATTEMPTS", 5),
			BaseDelay:   getEnvAsDuration("OUTBOX_BASE_DELAY", time.Second),
			MaxDelay:    getEnvAsDuration("OUTBOX_MAX_DELAY", time.Minute),
		},
		RedriveBatch: getEnvAsInt("REDRIVE_BATCH", 20),
		Schedule: ScheduleConfig{
			Cycle:         getEnv("CYCLE_SCHEDULE", "@every 1m"),
			Relay:         getEnv("RELAY_SCHEDULE", "@every 5s"),
			Redrive:       getEnv("REDRIVE_SCHEDULE", "@every 5m"),
			RelayInterval: getEnvAsDuration("RELAY_INTERVAL", 0),
		},
		Exchange:     exchange.DefaultConfig(),
		Simulator:    marketdata.DefaultSimulatorConfig(),
		StartingCash: getEnvAsDecimal("STARTING_CASH", decimal.NewFromInt(10000000)),
	}

	if path := os.Getenv("TRADING_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the sections present in a YAML file onto cfg
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Server.Production() && c.Server.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	if c.Server.Production() && c.Server.OperatorSecret == "" {
		return fmt.Errorf("OPERATOR_SECRET must be set in production")
	}
	if c.Server.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if err := c.Trading.Validate(); err != nil {
		return err
	}
	if err := c.Strategy.Validate(); err != nil {
		return fmt.Errorf("invalid strategy config: %w", err)
	}
	if c.Trading.CandleCount <= c.Strategy.SlowPeriod {
		return fmt.Errorf("candle_count %d must exceed the slow period %d", c.Trading.CandleCount, c.Strategy.SlowPeriod)
	}
	if c.Outbox.MaxAttempts <= 0 || c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox batch size and max attempts must be positive")
	}
	if c.Outbox.BaseDelay <= 0 || c.Outbox.MaxDelay < c.Outbox.BaseDelay {
		return fmt.Errorf("outbox delays must be positive with max >= base")
	}
	if c.Schedule.RelayInterval < 0 {
		return fmt.Errorf("relay interval must not be negative")
	}
	if c.RedriveBatch <= 0 {
		return fmt.Errorf("redrive batch must be positive")
	}
	if !c.StartingCash.IsPositive() {
		return fmt.Errorf("starting cash must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
