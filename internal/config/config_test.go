package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDefaultsAreComplete(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 8080 || cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("server defaults wrong: %+v", cfg.Server)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %s", cfg.LogLevel)
	}
	if cfg.IdempotencyTTL <= 0 {
		t.Fatal("idempotency TTL must default to a positive duration")
	}
	if !cfg.DailyLoss.MaxLossAbsolute.IsPositive() {
		t.Fatal("daily loss ceiling must default positive")
	}
	if cfg.Events.NumWorkers <= 0 || cfg.Events.BufferSize <= 0 {
		t.Fatalf("event defaults wrong: %+v", cfg.Events)
	}
	if cfg.Promotion.MinSharpeRatio != 1.0 {
		t.Fatalf("promotion sharpe floor = %f", cfg.Promotion.MinSharpeRatio)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load with no file: %v", err)
	}
	if cfg.Server.Port != Default().Server.Port {
		t.Fatalf("missing file must fall back to defaults, port = %d", cfg.Server.Port)
	}
}

func TestLoadAppliesFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tradecore.yaml")
	body := `
server:
  port: 9090
  host: 127.0.0.1
log_level: debug
risk:
  max_daily_loss: "2500"
breakers:
  max_intraday_move_pct: 0.07
paper:
  initial_cash: "250000"
  seed: 99
promotion:
  min_trades: 50
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("server overrides not applied: %+v", cfg.Server)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level override not applied: %s", cfg.LogLevel)
	}
	if !cfg.DailyLoss.MaxLossAbsolute.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("daily loss override not applied: %s", cfg.DailyLoss.MaxLossAbsolute)
	}
	if cfg.Breakers.MaxIntradayMovePct != 0.07 {
		t.Fatalf("breaker override not applied: %f", cfg.Breakers.MaxIntradayMovePct)
	}
	if !cfg.Paper.InitialCash.Equal(decimal.NewFromInt(250000)) || cfg.Paper.Seed != 99 {
		t.Fatalf("paper overrides not applied: %+v", cfg.Paper)
	}
	if cfg.Promotion.MinTrades != 50 {
		t.Fatalf("promotion override not applied: %d", cfg.Promotion.MinTrades)
	}

	// Untouched settings stay at their defaults.
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Fatalf("unset keys must keep defaults, read timeout = %s", cfg.Server.ReadTimeout)
	}
	if cfg.Promotion.MinSharpeRatio != 1.0 {
		t.Fatalf("unset promotion keys must keep defaults: %f", cfg.Promotion.MinSharpeRatio)
	}
}

func TestLoadRejectsMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("an explicitly named missing file must be an error")
	}
}
