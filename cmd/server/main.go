// Package main provides the entry point for the trading control plane:
// order routing behind risk gates, a paper broker, the strategy lifecycle,
// and the HTTP/WebSocket surface over all of it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kestrelquant/tradecore/internal/api"
	"github.com/kestrelquant/tradecore/internal/broker"
	"github.com/kestrelquant/tradecore/internal/config"
	"github.com/kestrelquant/tradecore/internal/events"
	"github.com/kestrelquant/tradecore/internal/idempotency"
	"github.com/kestrelquant/tradecore/internal/ledger"
	"github.com/kestrelquant/tradecore/internal/lifecycle"
	"github.com/kestrelquant/tradecore/internal/monitor"
	"github.com/kestrelquant/tradecore/internal/obs"
	"github.com/kestrelquant/tradecore/internal/regime"
	"github.com/kestrelquant/tradecore/internal/risk"
	"github.com/kestrelquant/tradecore/internal/router"
	"github.com/kestrelquant/tradecore/internal/safety"
	"github.com/kestrelquant/tradecore/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Config file path")
	host := flag.String("host", "", "Server host (overrides config)")
	port := flag.Int("port", 0, "Server port (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Starting tradecore",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("initialCash", cfg.Paper.InitialCash.String()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Safety layer
	killSwitch := safety.NewKillSwitch(logger)
	breakers := safety.NewBreakerPanel(logger, cfg.Breakers, killSwitch)

	// Risk layer
	guard := idempotency.NewGuard(logger, cfg.IdempotencyTTL)
	positionLimits := risk.NewPositionLimits(logger, cfg.PositionLimits)
	exposureLimits := risk.NewExposureLimits(logger, cfg.ExposureLimits)
	dailyLoss := risk.NewDailyLossTracker(logger, cfg.DailyLoss, killSwitch.Activate)
	dailyLoss.InitializeDay(cfg.Paper.InitialCash)
	dailyLoss.OnRollover(func(string) { breakers.ResetDay() })
	stopLoss := risk.NewStopLossPolicy(logger)

	// Broker and routing
	paperBroker := broker.NewPaperBroker(logger, cfg.Paper)
	if err := paperBroker.Connect(ctx); err != nil {
		logger.Fatal("Failed to connect paper broker", zap.Error(err))
	}
	orderRouter := router.New(logger, cfg.Router, killSwitch, breakers, guard, positionLimits, exposureLimits, paperBroker)

	// Bookkeeping and monitoring
	tradeLedger := ledger.New(logger, broker.DefaultAccountID, cfg.Paper.InitialCash)
	pnlMonitor := monitor.NewPnLMonitor(logger, 5)
	detector := regime.NewDetector(logger, regime.DefaultConfig())

	// Strategy lifecycle
	registry := lifecycle.NewRegistry(logger)
	experiments := lifecycle.NewExperimentManager(logger, cfg.Experiments)
	promotion := lifecycle.NewPromotionPolicy(logger, cfg.Promotion, experiments)

	// Observability and event fan-out
	promRegistry := prometheus.NewRegistry()
	metrics := obs.New(promRegistry)
	bus := events.NewBus(logger, cfg.Events)

	server := api.NewServer(logger, api.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, api.Deps{
		KillSwitch: killSwitch,
		Breakers:   breakers,
		Router:     orderRouter,
		Broker:     paperBroker,
		Ledger:     tradeLedger,
		Monitor:    pnlMonitor,
		DailyLoss:  dailyLoss,
		StopLoss:   stopLoss,
		Regime:     detector,
		Registry:   registry,
		Promotion:  promotion,
		Metrics:    metrics,
		Gatherer:   promRegistry,
	})
	hub := server.Hub()

	wireListeners(logger, wiring{
		killSwitch: killSwitch,
		broker:     paperBroker,
		ledger:     tradeLedger,
		monitor:    pnlMonitor,
		dailyLoss:  dailyLoss,
		stopLoss:   stopLoss,
		detector:   detector,
		bus:        bus,
		hub:        hub,
		metrics:    metrics,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", zap.Error(err))
			sigChan <- syscall.SIGTERM
		}
	}()

	logger.Info("Server started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port)),
	)

	<-sigChan
	logger.Info("Shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping server", zap.Error(err))
	}
	bus.Stop()
	if err := paperBroker.Disconnect(); err != nil {
		logger.Error("Error disconnecting broker", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

type wiring struct {
	killSwitch *safety.KillSwitch
	broker     *broker.PaperBroker
	ledger     *ledger.Ledger
	monitor    *monitor.PnLMonitor
	dailyLoss  *risk.DailyLossTracker
	stopLoss   *risk.StopLossPolicy
	detector   *regime.Detector
	bus        *events.Bus
	hub        *api.Hub
	metrics    *obs.Metrics
}

// wireListeners connects the core services: broker fills feed the ledger,
// PnL monitor and daily-loss tracker; every notable transition is published
// on the bus and broadcast to WebSocket clients.
func wireListeners(logger *zap.Logger, w wiring) {
	w.killSwitch.OnTransition(func(state safety.KillSwitchState) {
		if state.Active {
			w.metrics.KillSwitch.Set(1)
		} else {
			w.metrics.KillSwitch.Set(0)
		}
		if strings.HasPrefix(state.Source, "circuit_breaker:") {
			kind := strings.TrimPrefix(state.Source, "circuit_breaker:")
			w.metrics.BreakerTrips.WithLabelValues(kind).Inc()
			event := &events.BreakerEvent{
				BaseEvent: events.NewBaseEvent(events.EventTypeBreaker),
				Kind:      kind,
				Reason:    state.Reason,
			}
			w.bus.Publish(event)
		}
		event := &events.KillSwitchEvent{
			BaseEvent: events.NewBaseEvent(events.EventTypeKillSwitch),
			Active:    state.Active,
			Reason:    state.Reason,
			Source:    state.Source,
		}
		w.bus.Publish(event)
		w.hub.Broadcast(api.MsgTypeKillSwitch, state)
	})

	w.broker.OnOrderUpdate(func(order *types.Order) {
		w.bus.Publish(&events.OrderEvent{
			BaseEvent: events.NewBaseEvent(events.EventTypeOrder),
			Order:     order,
		})
		w.hub.Broadcast(api.MsgTypeOrderUpdate, order)
	})

	// Trade listeners run while the broker holds the account lock, so they
	// must not call back into the same account.
	w.broker.OnTradeExecution(func(trade *types.Trade) {
		w.metrics.TradesExecuted.Inc()

		amount := trade.Quantity.Mul(trade.Price)
		if trade.Side == types.OrderSideBuy {
			amount = amount.Neg()
		}
		amount = amount.Sub(trade.Commission)
		if _, err := w.ledger.Append(ledger.EntryTradeFilled, trade.ID,
			fmt.Sprintf("%s %s %s @ %s", trade.Side, trade.Quantity, trade.Symbol, trade.Price),
			amount); err != nil {
			logger.Error("Ledger append failed", zap.Error(err))
		}
		w.metrics.LedgerEntries.Inc()

		w.monitor.RecordTrade(trade)
		if trade.Side == types.OrderSideSell {
			w.dailyLoss.RecordRealized(trade.PnL)
			w.stopLoss.Clear(trade.Symbol)
		}
		snapshot := w.dailyLoss.Snapshot()
		pnl, _ := snapshot.TotalPnL().Float64()
		w.metrics.DailyPnL.Set(pnl)

		w.bus.Publish(&events.TradeEvent{
			BaseEvent: events.NewBaseEvent(events.EventTypeTrade),
			Trade:     trade,
		})
		w.hub.Broadcast(api.MsgTypeTradeUpdate, trade)
	})

	w.monitor.OnAnomaly(func(a monitor.Anomaly) {
		w.metrics.Anomalies.WithLabelValues(string(a.Severity)).Inc()
		w.bus.Publish(&events.AnomalyEvent{
			BaseEvent: events.NewBaseEvent(events.EventTypeAnomaly),
			Kind:      a.Kind,
			Severity:  string(a.Severity),
			Message:   a.Message,
		})
		w.hub.Broadcast(api.MsgTypeAnomaly, a)
	})

	w.detector.OnChange(func(previous, current *types.MarketRegime) {
		w.bus.Publish(&events.RegimeEvent{
			BaseEvent: events.NewBaseEvent(events.EventTypeRegime),
			Regime:    current,
		})
		w.hub.Broadcast(api.MsgTypeRegime, current)
	})
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
