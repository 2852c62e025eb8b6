// Package config loads the application configuration from an optional JSON
// file with environment variable overrides, and clamps the trading bounds the
// loop depends on.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"leverage-cycle-bot/internal/circuit"
	"leverage-cycle-bot/internal/database"
	"leverage-cycle-bot/internal/notification"
	"leverage-cycle-bot/internal/paper"
	"leverage-cycle-bot/internal/risk"
)

const (
	minCycleInterval = 10 * time.Second
	maxCycleInterval = 3600 * time.Second
)

// Config is the full application configuration.
type Config struct {
	Symbols      []string             `json:"symbols"`
	InitialCash  float64              `json:"initial_cash"`
	Scheduler    SchedulerConfig      `json:"scheduler"`
	Risk         risk.Config          `json:"risk"`
	Breaker      circuit.Config       `json:"circuit_breaker"`
	Paper        paper.Config         `json:"paper"`
	MarketData   MarketDataConfig     `json:"market_data"`
	Decision     DecisionConfig       `json:"decision"`
	Server       ServerConfig         `json:"server"`
	Logging      LoggingConfig        `json:"logging"`
	Notification NotificationConfig   `json:"notification"`
	Database     database.Config      `json:"database"`
	Redis        database.RedisConfig `json:"redis"`
}

// SchedulerConfig mirrors the scheduler knobs in seconds for JSON friendliness.
type SchedulerConfig struct {
	IntervalSeconds        int  `json:"interval_seconds"`
	AlignToWallClock       bool `json:"align_to_wall_clock"`
	MaxConsecutiveErrors   int  `json:"max_consecutive_errors"`
	ShutdownTimeoutSeconds int  `json:"shutdown_timeout_seconds"`
}

// MarketDataConfig holds market data endpoints.
type MarketDataConfig struct {
	BaseURL        string `json:"base_url"`
	StreamURL      string `json:"stream_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	StreamEnabled  bool   `json:"stream_enabled"`
}

// DecisionConfig holds decision service connection settings.
type DecisionConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Enabled        bool   `json:"enabled"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ProductionMode bool   `json:"production_mode"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"`
	JSONFormat bool   `json:"json_format"`
}

// NotificationConfig groups the alerting providers.
type NotificationConfig struct {
	Enabled  bool                        `json:"enabled"`
	Telegram notification.TelegramConfig `json:"telegram"`
	Discord  notification.DiscordConfig  `json:"discord"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Symbols:     []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		InitialCash: 10000,
		Scheduler: SchedulerConfig{
			IntervalSeconds:        60,
			AlignToWallClock:       true,
			MaxConsecutiveErrors:   3,
			ShutdownTimeoutSeconds: 30,
		},
		Risk:    *risk.DefaultConfig(),
		Breaker: *circuit.DefaultConfig(),
		Paper:   *paper.DefaultConfig(),
		MarketData: MarketDataConfig{
			BaseURL:        "https://fapi.binance.com",
			StreamURL:      "wss://fstream.binance.com/ws",
			TimeoutSeconds: 10,
			StreamEnabled:  true,
		},
		Decision: DecisionConfig{
			TimeoutSeconds: 30,
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		Logging: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		Database: database.Config{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
		Redis: database.RedisConfig{
			Addr: "localhost:6379",
		},
	}
}

// Load reads the JSON config file if it exists, applies environment variable
// overrides, and validates bounds. A missing file is not an error; defaults
// plus environment carry a full configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults plus env only.
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.InitialCash = getEnvFloatOrDefault("INITIAL_CASH", c.InitialCash)

	c.Scheduler.IntervalSeconds = getEnvIntOrDefault("CYCLE_INTERVAL_SECONDS", c.Scheduler.IntervalSeconds)
	c.Scheduler.MaxConsecutiveErrors = getEnvIntOrDefault("MAX_CONSECUTIVE_ERRORS", c.Scheduler.MaxConsecutiveErrors)

	c.MarketData.BaseURL = getEnvOrDefault("MARKET_DATA_BASE_URL", c.MarketData.BaseURL)
	c.MarketData.StreamURL = getEnvOrDefault("MARKET_DATA_STREAM_URL", c.MarketData.StreamURL)

	c.Decision.BaseURL = getEnvOrDefault("DECISION_BASE_URL", c.Decision.BaseURL)
	c.Decision.APIKey = getEnvOrDefault("DECISION_API_KEY", c.Decision.APIKey)

	c.Server.Host = getEnvOrDefault("WEB_HOST", c.Server.Host)
	c.Server.Port = getEnvIntOrDefault("WEB_PORT", c.Server.Port)

	c.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Output = getEnvOrDefault("LOG_OUTPUT", c.Logging.Output)

	c.Notification.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", c.Notification.Telegram.BotToken)
	c.Notification.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", c.Notification.Telegram.ChatID)
	c.Notification.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", c.Notification.Discord.WebhookURL)

	c.Database.Host = getEnvOrDefault("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvIntOrDefault("DB_PORT", c.Database.Port)
	c.Database.User = getEnvOrDefault("DB_USER", c.Database.User)
	c.Database.Password = getEnvOrDefault("DB_PASSWORD", c.Database.Password)
	c.Database.Database = getEnvOrDefault("DB_NAME", c.Database.Database)

	c.Redis.Addr = getEnvOrDefault("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", c.Redis.Password)
}

func (c *Config) validate() error {
	interval := c.CycleInterval()
	if interval < minCycleInterval || interval > maxCycleInterval {
		return fmt.Errorf("cycle interval %s outside [%s,%s]", interval, minCycleInterval, maxCycleInterval)
	}
	if c.InitialCash <= 0 {
		return fmt.Errorf("initial cash %.2f must be positive", c.InitialCash)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if c.Scheduler.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("max consecutive errors must be positive")
	}
	if c.Risk.MinLeverage < 1 || c.Risk.MaxLeverage < c.Risk.MinLeverage {
		return fmt.Errorf("invalid leverage bounds [%d,%d]", c.Risk.MinLeverage, c.Risk.MaxLeverage)
	}
	return nil
}

// CycleInterval returns the scheduler interval as a duration.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

// ShutdownTimeout returns the graceful shutdown grace period.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Scheduler.ShutdownTimeoutSeconds) * time.Second
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloatOrDefault(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
