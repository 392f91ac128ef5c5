// Package api provides the HTTP and WebSocket surface over the trading
// core.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrelquant/tradecore/internal/broker"
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

// Config holds the HTTP listener settings.
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// Deps are the core services the server exposes.
type Deps struct {
	KillSwitch *safety.KillSwitch
	Breakers   *safety.BreakerPanel
	Router     *router.Router
	Broker     *broker.PaperBroker
	Ledger     *ledger.Ledger
	Monitor    *monitor.PnLMonitor
	DailyLoss  *risk.DailyLossTracker
	StopLoss   *risk.StopLossPolicy
	Regime     *regime.Detector
	Registry   *lifecycle.Registry
	Promotion  *lifecycle.PromotionPolicy
	Metrics    *obs.Metrics
	Gatherer   prometheus.Gatherer
}

// Server is the HTTP/WebSocket API server.
type Server struct {
	logger     *zap.Logger
	config     Config
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub
	upgrader   websocket.Upgrader
}

// NewServer creates the server and its routes.
func NewServer(logger *zap.Logger, config Config, deps Deps) *Server {
	s := &Server{
		logger: logger.Named("api"),
		config: config,
		deps:   deps,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// Hub returns the WebSocket hub for event wiring.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/health", s.handleHealth).Methods("GET")
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")

	v1.HandleFunc("/killswitch", s.handleKillSwitchState).Methods("GET")
	v1.HandleFunc("/killswitch/activate", s.handleKillSwitchActivate).Methods("POST")
	v1.HandleFunc("/killswitch/deactivate", s.handleKillSwitchDeactivate).Methods("POST")
	v1.HandleFunc("/breakers", s.handleBreakers).Methods("GET")

	v1.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	v1.HandleFunc("/orders", s.handleOpenOrders).Methods("GET")
	v1.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods("DELETE")
	v1.HandleFunc("/positions", s.handlePositions).Methods("GET")
	v1.HandleFunc("/trades", s.handleTrades).Methods("GET")
	v1.HandleFunc("/quotes", s.handleQuote).Methods("POST")

	v1.HandleFunc("/stops", s.handleSetStop).Methods("POST")
	v1.HandleFunc("/stops/{symbol}", s.handleGetStop).Methods("GET")

	v1.HandleFunc("/ledger", s.handleLedger).Methods("GET")
	v1.HandleFunc("/ledger/verify", s.handleLedgerVerify).Methods("GET")
	v1.HandleFunc("/pnl", s.handlePnL).Methods("GET")
	v1.HandleFunc("/anomalies", s.handleAnomalies).Methods("GET")
	v1.HandleFunc("/regime", s.handleRegime).Methods("GET")

	v1.HandleFunc("/strategies", s.handleListStrategies).Methods("GET")
	v1.HandleFunc("/strategies", s.handleRegisterStrategy).Methods("POST")
	v1.HandleFunc("/strategies/{id}/versions/{version}/evaluate", s.handleEvaluatePromotion).Methods("POST")
	v1.HandleFunc("/strategies/{id}/versions/{version}/promote", s.handlePromote).Methods("POST")
	v1.HandleFunc("/strategies/{id}/versions/{version}/demote", s.handleDemote).Methods("POST")

	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	s.router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.hub.ServeWS(&s.upgrader, w, r)
	})
}

// Start runs the hub and the HTTP listener. It blocks until shutdown.
func (s *Server) Start() error {
	go s.hub.Run()

	handler := cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("Starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server and the hub.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	balance, err := s.deps.Broker.Balance(r.Context())
	if err != nil {
		balance = decimal.Zero
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"killSwitch": s.deps.KillSwitch.State(),
		"breakers":   s.deps.Breakers.States(),
		"pnl":        s.deps.Monitor.Snapshot(),
		"dailyLoss":  s.deps.DailyLoss.Snapshot(),
		"balance":    balance,
		"connected":  s.deps.Broker.IsConnected(),
	})
}

func (s *Server) handleKillSwitchState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.KillSwitch.State())
}

func (s *Server) handleKillSwitchActivate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
		s.writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	s.deps.KillSwitch.Activate(body.Reason, "api")
	s.writeJSON(w, http.StatusOK, s.deps.KillSwitch.State())
}

func (s *Server) handleKillSwitchDeactivate(w http.ResponseWriter, r *http.Request) {
	s.deps.KillSwitch.Deactivate()
	s.writeJSON(w, http.StatusOK, s.deps.KillSwitch.State())
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Breakers.States())
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req router.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Symbol == "" || req.Quantity.IsZero() {
		s.writeError(w, http.StatusBadRequest, "symbol and quantity are required")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	routed, err := s.deps.Router.Route(r.Context(), &req, key)
	if err != nil {
		if rej, ok := err.(*router.Rejection); ok {
			s.deps.Metrics.OrdersRejected.WithLabelValues(string(rej.Code)).Inc()
			s.writeJSON(w, http.StatusUnprocessableEntity, rej)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.deps.Metrics.OrdersRouted.Inc()
	s.writeJSON(w, http.StatusCreated, routed)
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.deps.Broker.OpenOrders(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Router.Cancel(r.Context(), id); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"cancelled": id})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.deps.Broker.Positions(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"trades": s.deps.Broker.Trades()})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
		Volume decimal.Decimal `json:"volume,omitempty"`
		AsOf   time.Time       `json:"asOf,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Symbol == "" || !body.Price.IsPositive() {
		s.writeError(w, http.StatusBadRequest, "symbol and positive price are required")
		return
	}
	s.deps.Broker.UpdatePrice(body.Symbol, body.Price)
	s.deps.Breakers.ObservePrice(body.Symbol, body.Price)
	if body.Volume.IsPositive() {
		s.deps.Breakers.ObserveVolume(body.Symbol, body.Volume)
	}
	if !body.AsOf.IsZero() {
		s.deps.Breakers.ObserveDataAge(body.Symbol, time.Since(body.AsOf))
	}
	if s.deps.StopLoss.UpdatePrice(body.Symbol, body.Price) {
		price, _ := body.Price.Float64()
		s.deps.Monitor.Record(monitor.Anomaly{
			Kind:       "stop_loss",
			Severity:   monitor.SeverityWarning,
			Symbol:     body.Symbol,
			Message:    fmt.Sprintf("stop triggered for %s", body.Symbol),
			Value:      price,
			DetectedAt: time.Now(),
		})
	}
	s.markPositions(r.Context(), body.Symbol)
	s.deps.Metrics.QuoteUpdates.Inc()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// markPositions pushes the broker's refreshed marks into the PnL monitor and
// the daily-loss tracker after a price update. A symbol with no remaining
// position clears its mark.
func (s *Server) markPositions(ctx context.Context, symbol string) {
	positions, err := s.deps.Broker.Positions(ctx)
	if err != nil {
		s.logger.Warn("Position snapshot failed", zap.Error(err))
		return
	}
	if pos, ok := positions[symbol]; ok {
		s.deps.Monitor.MarkPosition(pos)
	} else {
		s.deps.Monitor.MarkPosition(&types.Position{Symbol: symbol})
	}
	total := decimal.Zero
	for _, pos := range positions {
		total = total.Add(pos.UnrealizedPnL)
	}
	s.deps.DailyLoss.RecordUnrealized(total)
	s.deps.Metrics.OpenPositions.Set(float64(len(positions)))
}

func (s *Server) handleSetStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Symbol      string          `json:"symbol"`
		Kind        risk.StopKind   `json:"kind"`
		StopPrice   decimal.Decimal `json:"stopPrice,omitempty"`
		EntryPrice  decimal.Decimal `json:"entryPrice,omitempty"`
		TrailPct    decimal.Decimal `json:"trailPct,omitempty"`
		MaxHoldDays int             `json:"maxHoldDays,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	switch body.Kind {
	case risk.StopFixed:
		s.deps.StopLoss.SetFixed(body.Symbol, body.StopPrice)
	case risk.StopTrailing:
		s.deps.StopLoss.SetTrailing(body.Symbol, body.EntryPrice, body.TrailPct)
	case risk.StopTimeBased:
		s.deps.StopLoss.SetTimeBased(body.Symbol, body.MaxHoldDays)
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown stop kind %q", body.Kind))
		return
	}
	stop, _ := s.deps.StopLoss.Get(body.Symbol)
	s.writeJSON(w, http.StatusCreated, stop)
}

func (s *Server) handleGetStop(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	stop, ok := s.deps.StopLoss.Get(symbol)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no stop for %s", symbol))
		return
	}
	s.writeJSON(w, http.StatusOK, stop)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"balance": s.deps.Ledger.Balance(),
		"entries": s.deps.Ledger.Entries(),
	})
}

func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	ok := s.deps.Ledger.Verify()
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]bool{"consistent": ok})
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Monitor.Snapshot())
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"anomalies": s.deps.Monitor.Anomalies(100)})
}

func (s *Server) handleRegime(w http.ResponseWriter, r *http.Request) {
	current := s.deps.Regime.Current()
	if current == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"regime": nil})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"regime":      current,
		"adjustments": regime.AdjustmentsFor(current.Type),
	})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"strategies": s.deps.Registry.All()})
}

func (s *Server) handleRegisterStrategy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID         string         `json:"id"`
		Name       string         `json:"name"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
		s.writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	s.writeJSON(w, http.StatusCreated, s.deps.Registry.Register(body.ID, body.Name, body.Parameters))
}

func (s *Server) handleEvaluatePromotion(w http.ResponseWriter, r *http.Request) {
	id, version, err := strategyVars(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	strategy, err := s.deps.Registry.Get(id, version)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var body struct {
		Performance  types.StrategyPerformance `json:"performance"`
		BacktestDays int                       `json:"backtestDays"`
		PaperDays    int                       `json:"paperDays"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decision := s.deps.Promotion.EvaluatePromotion(strategy, &body.Performance,
		time.Duration(body.BacktestDays)*24*time.Hour,
		time.Duration(body.PaperDays)*24*time.Hour)
	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	id, version, err := strategyVars(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Registry.Promote(id, version); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"promoted": fmt.Sprintf("%s v%d", id, version)})
}

func (s *Server) handleDemote(w http.ResponseWriter, r *http.Request) {
	id, version, err := strategyVars(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Reason == "" {
		body.Reason = "manual demotion"
	}
	if err := s.deps.Registry.Demote(id, version, body.Reason); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"demoted": fmt.Sprintf("%s v%d", id, version)})
}

func strategyVars(r *http.Request) (string, int, error) {
	vars := mux.Vars(r)
	id := vars["id"]
	var version int
	if _, err := fmt.Sscanf(vars["version"], "%d", &version); err != nil {
		return "", 0, fmt.Errorf("invalid version %q", vars["version"])
	}
	return id, version, nil
}
