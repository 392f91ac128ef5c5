// Package config loads process configuration from file and environment,
// applying overrides onto each component's defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/kestrelquant/tradecore/internal/broker"
	"github.com/kestrelquant/tradecore/internal/events"
	"github.com/kestrelquant/tradecore/internal/idempotency"
	"github.com/kestrelquant/tradecore/internal/lifecycle"
	"github.com/kestrelquant/tradecore/internal/risk"
	"github.com/kestrelquant/tradecore/internal/router"
	"github.com/kestrelquant/tradecore/internal/safety"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"readTimeout"`
	WriteTimeout    time.Duration `json:"writeTimeout"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout"`
	AllowedOrigins  []string      `json:"allowedOrigins"`
}

// Config is the full process configuration.
type Config struct {
	Server         ServerConfig
	LogLevel       string
	IdempotencyTTL time.Duration
	Router         router.Config
	PositionLimits risk.PositionLimitConfig
	ExposureLimits risk.ExposureLimitConfig
	DailyLoss      risk.DailyLossConfig
	Breakers       safety.BreakerConfig
	Paper          broker.PaperConfig
	Events         events.Config
	Experiments    lifecycle.ExperimentConfig
	Promotion      lifecycle.PromotionConfig
}

// Default returns the configuration with every component at its defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		LogLevel:       "info",
		IdempotencyTTL: idempotency.DefaultTTL,
		Router:         router.DefaultConfig(),
		PositionLimits: risk.DefaultPositionLimitConfig(),
		ExposureLimits: risk.DefaultExposureLimitConfig(),
		DailyLoss:      risk.DefaultDailyLossConfig(),
		Breakers:       safety.DefaultBreakerConfig(),
		Paper:          broker.DefaultPaperConfig(),
		Events:         events.DefaultConfig(),
		Experiments:    lifecycle.DefaultExperimentConfig(),
		Promotion:      lifecycle.DefaultPromotionConfig(),
	}
}

// Load reads an optional config file plus TRADECORE_* environment
// variables and applies the overrides onto the defaults. path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("tradecore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tradecore")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	cfg := Default()
	applyOverrides(v, cfg)
	return cfg, nil
}

func applyOverrides(v *viper.Viper, cfg *Config) {
	setString(v, "server.host", &cfg.Server.Host)
	setInt(v, "server.port", &cfg.Server.Port)
	setDuration(v, "server.read_timeout", &cfg.Server.ReadTimeout)
	setDuration(v, "server.write_timeout", &cfg.Server.WriteTimeout)
	setDuration(v, "server.shutdown_timeout", &cfg.Server.ShutdownTimeout)
	if v.IsSet("server.allowed_origins") {
		cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}

	setString(v, "log_level", &cfg.LogLevel)
	setDuration(v, "idempotency.ttl", &cfg.IdempotencyTTL)

	setDuration(v, "router.adapter_timeout", &cfg.Router.AdapterTimeout)
	setDuration(v, "router.key_bucket", &cfg.Router.KeyBucket)

	setDecimal(v, "risk.max_shares_per_symbol", &cfg.PositionLimits.MaxSharesPerSymbol)
	setInt(v, "risk.max_total_positions", &cfg.PositionLimits.MaxTotalPositions)
	setDecimal(v, "risk.max_gross_exposure", &cfg.ExposureLimits.MaxGrossExposure)
	setDecimal(v, "risk.max_net_exposure", &cfg.ExposureLimits.MaxNetExposure)
	setDecimal(v, "risk.max_daily_loss", &cfg.DailyLoss.MaxLossAbsolute)
	setDecimal(v, "risk.max_daily_loss_pct", &cfg.DailyLoss.MaxLossPct)
	setDecimal(v, "risk.daily_loss_warning_fraction", &cfg.DailyLoss.WarningFraction)

	setFloat(v, "breakers.max_intraday_move_pct", &cfg.Breakers.MaxIntradayMovePct)
	setFloat(v, "breakers.max_staleness_sec", &cfg.Breakers.MaxStalenessSec)
	setFloat(v, "breakers.max_latency_ms", &cfg.Breakers.MaxLatencyMs)
	setFloat(v, "breakers.max_error_rate", &cfg.Breakers.MaxErrorRate)
	setInt(v, "breakers.error_rate_window", &cfg.Breakers.ErrorRateWindow)
	setInt(v, "breakers.error_rate_min_calls", &cfg.Breakers.ErrorRateMinCalls)
	setFloat(v, "breakers.max_volume_ratio", &cfg.Breakers.MaxVolumeRatio)
	setDuration(v, "breakers.cooldown", &cfg.Breakers.Cooldown)

	setString(v, "paper.name", &cfg.Paper.Name)
	setDecimal(v, "paper.initial_cash", &cfg.Paper.InitialCash)
	setInt64(v, "paper.seed", &cfg.Paper.Seed)
	setDecimal(v, "paper.slippage_bps", &cfg.Paper.Fills.SlippageBps)
	setDecimal(v, "paper.commission_rate", &cfg.Paper.Fills.CommissionRate)
	setDecimal(v, "paper.min_commission", &cfg.Paper.Fills.MinCommission)
	setFloat(v, "paper.partial_fill_prob", &cfg.Paper.Fills.PartialFillProb)

	setInt(v, "events.num_workers", &cfg.Events.NumWorkers)
	setInt(v, "events.buffer_size", &cfg.Events.BufferSize)

	setInt(v, "experiments.min_observations", &cfg.Experiments.MinObservations)
	setFloat(v, "experiments.significance_threshold", &cfg.Experiments.SignificanceThreshold)
	setFloat(v, "experiments.min_sharpe_advantage", &cfg.Experiments.MinSharpeAdvantage)

	setFloat(v, "promotion.min_sharpe_ratio", &cfg.Promotion.MinSharpeRatio)
	setInt(v, "promotion.min_trades", &cfg.Promotion.MinTrades)
	setFloat(v, "promotion.min_profit_factor", &cfg.Promotion.MinProfitFactor)
	setInt(v, "promotion.min_backtest_days", &cfg.Promotion.MinBacktestDays)
	setInt(v, "promotion.min_paper_days", &cfg.Promotion.MinPaperDays)
	setInt(v, "promotion.required_experiment_wins", &cfg.Promotion.RequiredExpWins)
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func setInt64(v *viper.Viper, key string, dst *int64) {
	if v.IsSet(key) {
		*dst = v.GetInt64(key)
	}
}

func setFloat(v *viper.Viper, key string, dst *float64) {
	if v.IsSet(key) {
		*dst = v.GetFloat64(key)
	}
}

func setDuration(v *viper.Viper, key string, dst *time.Duration) {
	if v.IsSet(key) {
		*dst = v.GetDuration(key)
	}
}

func setDecimal(v *viper.Viper, key string, dst *decimal.Decimal) {
	if v.IsSet(key) {
		if d, err := decimal.NewFromString(v.GetString(key)); err == nil {
			*dst = d
		}
	}
}
