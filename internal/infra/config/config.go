// Package config loads and validates the mrmarket runtime configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full service configuration.
type Config struct {
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Exchange  ExchangeConfig  `json:"exchange" yaml:"exchange"`
	Payment   PaymentConfig   `json:"payment" yaml:"payment"`
	Strategy  StrategyConfig  `json:"strategy" yaml:"strategy"`
	Saga      SagaConfig      `json:"saga" yaml:"saga"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Tick      TickConfig      `json:"tick" yaml:"tick"`
	Campaign  CampaignConfig  `json:"campaign" yaml:"campaign"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MigrateOnStart bool   `json:"migrate_on_start" yaml:"migrate_on_start"`
}

// ExchangeConfig configures the trading venue adapter.
type ExchangeConfig struct {
	Venue       string  `json:"venue" yaml:"venue"`
	APIKey      string  `json:"api_key" yaml:"api_key"`
	APISecret   string  `json:"api_secret" yaml:"api_secret"`
	RESTURL     string  `json:"rest_url" yaml:"rest_url"`
	WSURL       string  `json:"ws_url" yaml:"ws_url"`
	RateLimit   float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst   int     `json:"rate_burst" yaml:"rate_burst"`
	HTTPTimeout string  `json:"http_timeout" yaml:"http_timeout"`
	// WatchPairs are streamed over the venue websocket to warm the quote cache.
	WatchPairs []string `json:"watch_pairs" yaml:"watch_pairs"`
}

// PaymentConfig configures the payment network client.
type PaymentConfig struct {
	BaseURL     string `json:"base_url" yaml:"base_url"`
	Token       string `json:"token" yaml:"token"`
	HTTPTimeout string `json:"http_timeout" yaml:"http_timeout"`
}

// StrategyConfig configures intent emission and execution guards.
type StrategyConfig struct {
	KillSwitchEnabled bool   `json:"kill_switch_enabled" yaml:"kill_switch_enabled"`
	ExecuteIntents    bool   `json:"execute_intents" yaml:"execute_intents"`
	MaxOpenOrders     int    `json:"max_open_orders" yaml:"max_open_orders"`
	MaxRetries        int    `json:"max_retries" yaml:"max_retries"`
	RetryBaseDelay    string `json:"retry_base_delay" yaml:"retry_base_delay"`
	SpreadBps         int    `json:"spread_bps" yaml:"spread_bps"`
	Layers            int    `json:"layers" yaml:"layers"`
	OrderSize         string `json:"order_size" yaml:"order_size"`
}

// SagaConfig configures lifecycle step timeouts and polling.
type SagaConfig struct {
	PaymentTimeout      string `json:"payment_timeout" yaml:"payment_timeout"`
	PaymentPollInterval string `json:"payment_poll_interval" yaml:"payment_poll_interval"`
	PaymentMaxRetries   int    `json:"payment_max_retries" yaml:"payment_max_retries"`
	WithdrawalTimeout   string `json:"withdrawal_timeout" yaml:"withdrawal_timeout"`
	DepositTimeout      string `json:"deposit_timeout" yaml:"deposit_timeout"`
	ExitTimeout         string `json:"exit_timeout" yaml:"exit_timeout"`
	RetryDelay          string `json:"retry_delay" yaml:"retry_delay"`
	DepositTolerance    string `json:"deposit_tolerance" yaml:"deposit_tolerance"`
}

// QueueConfig configures the durable job queue workers.
type QueueConfig struct {
	Workers      int    `json:"workers" yaml:"workers"`
	PollInterval string `json:"poll_interval" yaml:"poll_interval"`
	ClaimLimit   int    `json:"claim_limit" yaml:"claim_limit"`
	StuckAfter   string `json:"stuck_after" yaml:"stuck_after"`
}

// TickConfig configures the shared tick loop.
type TickConfig struct {
	Interval string `json:"interval" yaml:"interval"`
	// ReconcileEvery runs the reconciliation sweep once per N ticks.
	ReconcileEvery int `json:"reconcile_every" yaml:"reconcile_every"`
}

// CampaignConfig configures default campaign participation.
type CampaignConfig struct {
	DefaultCampaignID string `json:"default_campaign_id" yaml:"default_campaign_id"`
}

// TelemetryConfig configures metric export.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string `json:"service_name" yaml:"service_name"`
	Environment  string `json:"environment" yaml:"environment"`
}

// DefaultConfig returns the defaults used when no overrides are supplied.
func DefaultConfig() Config {
	cfg := Config{
		Database: DatabaseConfig{
			MigrateOnStart: true,
		},
		Exchange: ExchangeConfig{
			Venue:       "mexc",
			RESTURL:     "https://api.mexc.com",
			WSURL:       "wss://wbs.mexc.com/ws",
			RateLimit:   10,
			RateBurst:   5,
			HTTPTimeout: "10s",
		},
		Payment: PaymentConfig{
			HTTPTimeout: "15s",
		},
		Strategy: StrategyConfig{
			ExecuteIntents: true,
			MaxOpenOrders:  10,
			MaxRetries:     3,
			RetryBaseDelay: "1s",
			SpreadBps:      20,
			Layers:         1,
			OrderSize:      "0.001",
		},
		Saga: SagaConfig{
			PaymentTimeout:      "10m",
			PaymentPollInterval: "10s",
			PaymentMaxRetries:   60,
			WithdrawalTimeout:   "30m",
			DepositTimeout:      "30m",
			ExitTimeout:         "60m",
			RetryDelay:          "30s",
			DepositTolerance:    "0.00000001",
		},
		Queue: QueueConfig{
			Workers:      4,
			PollInterval: "500ms",
			ClaimLimit:   32,
			StuckAfter:   "5m",
		},
		Tick: TickConfig{
			Interval:       "1s",
			ReconcileEvery: 60,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "mrmarket",
			Environment: "development",
		},
	}
	cfg.Normalise()
	return cfg
}

// Load reads a YAML configuration file, layering it over the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(trimmed)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", trimmed, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", trimmed, err)
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	return c
}

// Normalise trims whitespace and fills derived defaults.
func (c *Config) Normalise() {
	if c == nil {
		return
	}
	c.Database.DSN = strings.TrimSpace(c.Database.DSN)
	c.Exchange.Venue = strings.ToLower(strings.TrimSpace(c.Exchange.Venue))
	c.Exchange.RESTURL = strings.TrimSpace(c.Exchange.RESTURL)
	c.Exchange.WSURL = strings.TrimSpace(c.Exchange.WSURL)
	c.Payment.BaseURL = strings.TrimSpace(c.Payment.BaseURL)
	pairs := c.Exchange.WatchPairs[:0]
	for _, pair := range c.Exchange.WatchPairs {
		if trimmed := strings.TrimSpace(pair); trimmed != "" {
			pairs = append(pairs, trimmed)
		}
	}
	c.Exchange.WatchPairs = pairs
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Telemetry.Environment = strings.TrimSpace(c.Telemetry.Environment)

	if c.Exchange.RateLimit <= 0 {
		c.Exchange.RateLimit = 10
	}
	if c.Exchange.RateBurst <= 0 {
		c.Exchange.RateBurst = 1
	}
	if c.Strategy.MaxOpenOrders <= 0 {
		c.Strategy.MaxOpenOrders = 10
	}
	if c.Strategy.MaxRetries <= 0 {
		c.Strategy.MaxRetries = 3
	}
	if c.Strategy.Layers <= 0 {
		c.Strategy.Layers = 1
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.ClaimLimit <= 0 {
		c.Queue.ClaimLimit = 32
	}
	if c.Tick.ReconcileEvery <= 0 {
		c.Tick.ReconcileEvery = 60
	}
	if c.Saga.PaymentMaxRetries <= 0 {
		c.Saga.PaymentMaxRetries = 60
	}
	if strings.TrimSpace(c.Saga.DepositTolerance) == "" {
		c.Saga.DepositTolerance = "0.00000001"
	}
}

// Validate performs semantic validation on configuration fields.
func (c Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn required")
	}
	switch c.Exchange.Venue {
	case "mexc", "fake":
	default:
		return fmt.Errorf("exchange.venue must be one of mexc, fake")
	}
	durations := map[string]string{
		"exchange.http_timeout":      c.Exchange.HTTPTimeout,
		"payment.http_timeout":       c.Payment.HTTPTimeout,
		"strategy.retry_base_delay":  c.Strategy.RetryBaseDelay,
		"saga.payment_timeout":       c.Saga.PaymentTimeout,
		"saga.payment_poll_interval": c.Saga.PaymentPollInterval,
		"saga.withdrawal_timeout":    c.Saga.WithdrawalTimeout,
		"saga.deposit_timeout":       c.Saga.DepositTimeout,
		"saga.exit_timeout":          c.Saga.ExitTimeout,
		"saga.retry_delay":           c.Saga.RetryDelay,
		"queue.poll_interval":        c.Queue.PollInterval,
		"queue.stuck_after":          c.Queue.StuckAfter,
		"tick.interval":              c.Tick.Interval,
	}
	for field, value := range durations {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s required", field)
		}
		if _, err := time.ParseDuration(strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	if c.Strategy.MaxOpenOrders <= 0 {
		return fmt.Errorf("strategy.max_open_orders must be > 0")
	}
	return nil
}

// Duration parses one of the validated duration strings, falling back when
// the value is empty or malformed.
func Duration(value string, fallback time.Duration) time.Duration {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
