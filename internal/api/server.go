// Package api provides the operator HTTP and WebSocket surface: read
// access to regime, signal, portfolio and risk state, kill-switch
// control, and a live event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/vantage-quant/decision-engine/internal/config"
	"github.com/vantage-quant/decision-engine/internal/portfolio"
	"github.com/vantage-quant/decision-engine/internal/risk"
	"github.com/vantage-quant/decision-engine/internal/trader"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	logger     *zap.Logger
	cfg        config.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub

	trader   *trader.Trader
	book     *portfolio.State
	ks       *risk.KillSwitch
	reporter *risk.Reporter
	regime   config.RegimeConfig
	metrics  http.Handler
}

// NewServer creates the API server and wires its routes.
func NewServer(
	logger *zap.Logger,
	cfg config.ServerConfig,
	regimeCfg config.RegimeConfig,
	td *trader.Trader,
	book *portfolio.State,
	ks *risk.KillSwitch,
	reporter *risk.Reporter,
	metricsHandler http.Handler,
) *Server {
	s := &Server{
		logger:   logger,
		cfg:      cfg,
		router:   mux.NewRouter(),
		hub:      NewHub(logger),
		trader:   td,
		book:     book,
		ks:       ks,
		reporter: reporter,
		regime:   regimeCfg,
		metrics:  metricsHandler,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/regime/{symbol}", s.handleGetRegime).Methods("GET")
	s.router.HandleFunc("/api/v1/signal/{symbol}", s.handleGetSignal).Methods("GET")

	s.router.HandleFunc("/api/v1/portfolio", s.handleGetPortfolio).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handleGetPositions).Methods("GET")
	s.router.HandleFunc("/api/v1/risk", s.handleGetRisk).Methods("GET")

	s.router.HandleFunc("/api/v1/killswitch", s.handleGetKillSwitch).Methods("GET")
	s.router.HandleFunc("/api/v1/killswitch/reset", s.handleResetKillSwitch).Methods("POST")
	s.router.HandleFunc("/api/v1/retrain", s.handleRetrain).Methods("POST")

	s.router.Handle("/metrics", s.metrics).Methods("GET")
	s.router.HandleFunc(s.cfg.WebSocketPath, s.hub.HandleWebSocket)
}

// Start starts the HTTP server. Blocks until the listener fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server and closes websocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// Broadcast pushes an event to all websocket clients.
func (s *Server) Broadcast(eventType string, payload any) {
	s.hub.Broadcast(eventType, payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleGetRegime(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	state, ok := s.trader.LastRegime(symbol)
	if !ok {
		http.Error(w, "no regime classified for "+symbol, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	signal, ok := s.trader.LastSignal(symbol)
	if !ok {
		http.Error(w, "no signal generated for "+symbol, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, signal)
}

func (s *Server) handleGetPortfolio(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.book.Snapshot(time.Now().UTC()))
}

func (s *Server) handleGetPositions(w http.ResponseWriter, _ *http.Request) {
	positions := s.book.Positions()
	out := make([]types.Position, 0, len(positions))
	for _, pos := range positions {
		out = append(out, pos)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": out,
		"count":     len(out),
	})
}

func (s *Server) handleGetRisk(w http.ResponseWriter, r *http.Request) {
	positions := s.book.Positions()
	list := make([]types.Position, 0, len(positions))
	for _, pos := range positions {
		list = append(list, pos)
	}
	metrics, err := s.reporter.Refresh(r.Context(), list, s.book.Marks())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleGetKillSwitch(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active": s.ks.Tripped(),
		"reason": s.ks.Reason(),
	})
}

func (s *Server) handleResetKillSwitch(w http.ResponseWriter, r *http.Request) {
	if err := s.ks.Reset(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Warn("kill switch reset via API", zap.String("remote", r.RemoteAddr))
	s.hub.Broadcast("kill_switch", map[string]any{"active": false})
	writeJSON(w, http.StatusOK, map[string]any{"active": false})
}

func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	if err := s.trader.Retrain(r.Context(), s.regime.MinFitBars); err != nil {
		if errors.Is(err, trader.ErrRetrainRunning) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "retrained"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
