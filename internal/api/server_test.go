package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrelquant/tradecore/internal/broker"
	"github.com/kestrelquant/tradecore/internal/idempotency"
	"github.com/kestrelquant/tradecore/internal/ledger"
	"github.com/kestrelquant/tradecore/internal/lifecycle"
	"github.com/kestrelquant/tradecore/internal/monitor"
	"github.com/kestrelquant/tradecore/internal/obs"
	"github.com/kestrelquant/tradecore/internal/regime"
	"github.com/kestrelquant/tradecore/internal/risk"
	"github.com/kestrelquant/tradecore/internal/router"
	"github.com/kestrelquant/tradecore/internal/safety"
)

type testHarness struct {
	server     *Server
	killSwitch *safety.KillSwitch
	breakers   *safety.BreakerPanel
	monitor    *monitor.PnLMonitor
	dailyLoss  *risk.DailyLossTracker
}

func newTestServer(t *testing.T) *testHarness {
	t.Helper()
	logger := zap.NewNop()

	ks := safety.NewKillSwitch(logger)
	breakers := safety.NewBreakerPanel(logger, safety.DefaultBreakerConfig(), ks)
	guard := idempotency.NewGuard(logger, time.Hour)
	pl := risk.NewPositionLimits(logger, risk.DefaultPositionLimitConfig())
	el := risk.NewExposureLimits(logger, risk.DefaultExposureLimitConfig())
	dailyLoss := risk.NewDailyLossTracker(logger, risk.DefaultDailyLossConfig(), ks.Activate)
	stopLoss := risk.NewStopLossPolicy(logger)

	paperCfg := broker.DefaultPaperConfig()
	paperCfg.Fills.SlippageBps = decimal.Zero
	pb := broker.NewPaperBroker(logger, paperCfg)
	if err := pb.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	dailyLoss.InitializeDay(paperCfg.InitialCash)

	orderRouter := router.New(logger, router.DefaultConfig(), ks, breakers, guard, pl, el, pb)
	pnlMonitor := monitor.NewPnLMonitor(logger, 5)
	reg := prometheus.NewRegistry()

	server := NewServer(logger, Config{Host: "127.0.0.1", Port: 0}, Deps{
		KillSwitch: ks,
		Breakers:   breakers,
		Router:     orderRouter,
		Broker:     pb,
		Ledger:     ledger.New(logger, broker.DefaultAccountID, paperCfg.InitialCash),
		Monitor:    pnlMonitor,
		DailyLoss:  dailyLoss,
		StopLoss:   stopLoss,
		Regime:     regime.NewDetector(logger, regime.DefaultConfig()),
		Registry:   lifecycle.NewRegistry(logger),
		Promotion:  lifecycle.NewPromotionPolicy(logger, lifecycle.DefaultPromotionConfig(), nil),
		Metrics:    obs.New(reg),
		Gatherer:   reg,
	})
	return &testHarness{
		server:     server,
		killSwitch: ks,
		breakers:   breakers,
		monitor:    pnlMonitor,
		dailyLoss:  dailyLoss,
	}
}

func (h *testHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.server.router.ServeHTTP(rec, req)
	return rec
}

func (h *testHarness) postQuote(t *testing.T, symbol string, price float64) {
	t.Helper()
	body := fmt.Sprintf(`{"symbol":%q,"price":%g}`, symbol, price)
	if rec := h.do(t, "POST", "/api/v1/quotes", body); rec.Code != http.StatusOK {
		t.Fatalf("quote: status %d, body %s", rec.Code, rec.Body)
	}
}

func TestSubmitOrderRoutes(t *testing.T) {
	h := newTestServer(t)
	h.postQuote(t, "AAPL", 100)

	rec := h.do(t, "POST", "/api/v1/orders",
		`{"userId":"u1","symbol":"AAPL","side":"buy","type":"market","quantity":"10"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var routed router.RoutedOrder
	if err := json.Unmarshal(rec.Body.Bytes(), &routed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if routed.Order == nil || routed.Order.Symbol != "AAPL" {
		t.Fatalf("unexpected routed order: %+v", routed)
	}
}

func TestSubmitOrderRejectedWhenHalted(t *testing.T) {
	h := newTestServer(t)
	h.postQuote(t, "AAPL", 100)

	if rec := h.do(t, "POST", "/api/v1/killswitch/activate", `{"reason":"maintenance"}`); rec.Code != http.StatusOK {
		t.Fatalf("activate: status %d", rec.Code)
	}

	rec := h.do(t, "POST", "/api/v1/orders",
		`{"userId":"u1","symbol":"AAPL","side":"buy","type":"market","quantity":"10"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	var rej router.Rejection
	if err := json.Unmarshal(rec.Body.Bytes(), &rej); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rej.Code != router.RejectKillSwitch {
		t.Fatalf("rejection code = %s, want kill_switch", rej.Code)
	}

	if rec := h.do(t, "POST", "/api/v1/killswitch/deactivate", ""); rec.Code != http.StatusOK {
		t.Fatalf("deactivate: status %d", rec.Code)
	}
	rec = h.do(t, "POST", "/api/v1/orders",
		`{"userId":"u1","symbol":"AAPL","side":"buy","type":"market","quantity":"10"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status after deactivation = %d, body %s", rec.Code, rec.Body)
	}
}

func TestSubmitOrderRequiresBody(t *testing.T) {
	h := newTestServer(t)
	if rec := h.do(t, "POST", "/api/v1/orders", `{"userId":"u1"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing fields should 400, got %d", rec.Code)
	}
}

// A falling mark must reach both the PnL monitor and the daily-loss tracker
// through the quote path.
func TestQuoteUpdatesUnrealizedPnL(t *testing.T) {
	h := newTestServer(t)
	h.postQuote(t, "AAPL", 100)

	rec := h.do(t, "POST", "/api/v1/orders",
		`{"userId":"u1","symbol":"AAPL","side":"buy","type":"market","quantity":"100"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("buy: status %d, body %s", rec.Code, rec.Body)
	}

	h.postQuote(t, "AAPL", 90)

	want := decimal.NewFromInt(-1000)
	if got := h.monitor.Snapshot().UnrealizedPnL; !got.Equal(want) {
		t.Fatalf("monitor unrealized = %s, want %s", got, want)
	}
	if got := h.dailyLoss.Snapshot().UnrealizedPnL; !got.Equal(want) {
		t.Fatalf("daily-loss unrealized = %s, want %s", got, want)
	}
}

func TestStaleQuoteTripsBreaker(t *testing.T) {
	h := newTestServer(t)

	body := fmt.Sprintf(`{"symbol":"AAPL","price":100,"asOf":%q}`,
		time.Now().Add(-2*time.Minute).Format(time.RFC3339))
	if rec := h.do(t, "POST", "/api/v1/quotes", body); rec.Code != http.StatusOK {
		t.Fatalf("quote: status %d", rec.Code)
	}

	if !h.killSwitch.IsActive() {
		t.Fatal("stale market data must halt trading")
	}
	assertTripped(t, h.breakers, safety.BreakerStaleData)
}

func TestVolumeSurgeTripsBreaker(t *testing.T) {
	h := newTestServer(t)

	if rec := h.do(t, "POST", "/api/v1/quotes", `{"symbol":"AAPL","price":100,"volume":"1000"}`); rec.Code != http.StatusOK {
		t.Fatalf("quote: status %d", rec.Code)
	}
	if h.killSwitch.IsActive() {
		t.Fatal("first volume sample only seeds the average")
	}
	if rec := h.do(t, "POST", "/api/v1/quotes", `{"symbol":"AAPL","price":100,"volume":"10000"}`); rec.Code != http.StatusOK {
		t.Fatalf("quote: status %d", rec.Code)
	}

	if !h.killSwitch.IsActive() {
		t.Fatal("a 10x volume surge must halt trading")
	}
	assertTripped(t, h.breakers, safety.BreakerVolume)
}

func assertTripped(t *testing.T, panel *safety.BreakerPanel, kind safety.BreakerKind) {
	t.Helper()
	for _, state := range panel.States() {
		if state.Kind == kind {
			if !state.Tripped {
				t.Fatalf("%s breaker should be tripped", kind)
			}
			return
		}
	}
	t.Fatalf("%s breaker missing from panel", kind)
}

func TestDemoteBodyHandling(t *testing.T) {
	h := newTestServer(t)

	if rec := h.do(t, "POST", "/api/v1/strategies", `{"id":"momentum","name":"Momentum"}`); rec.Code != http.StatusCreated {
		t.Fatalf("register: status %d", rec.Code)
	}

	if rec := h.do(t, "POST", "/api/v1/strategies/momentum/versions/1/demote", `{invalid`); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body should 400, got %d", rec.Code)
	}

	// An empty body falls back to the default reason.
	if rec := h.do(t, "POST", "/api/v1/strategies/momentum/versions/1/demote", ""); rec.Code != http.StatusOK {
		t.Fatalf("empty body demote: status %d, body %s", rec.Code, rec.Body)
	}
}
