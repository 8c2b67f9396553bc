// Package api exposes the engine over HTTP for the dashboard: order
// submission, position and risk inspection, pause/resume control and a
// websocket event feed.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/engine"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/event"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/storage"
)

// Server routes dashboard requests into a running engine. store may be
// nil, which disables the order history endpoint.
type Server struct {
	eng      *engine.Engine
	store    storage.TradeStore
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// New builds a server. origin restricts who may open the event feed,
// "*" allows anyone.
func New(eng *engine.Engine, store storage.TradeStore, origin string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		eng:   eng,
		store: store,
		log:   log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
	}
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "" || origin == "*" {
		return true
	}
	reqOrigin := r.Header.Get("Origin")
	if reqOrigin == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	return strings.EqualFold(reqOrigin, origin)
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// CORS middleware for the dashboard frontend
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/orders", s.handleSubmit)
		r.Get("/orders", s.handleOpenOrders)
		r.Get("/orders/history", s.handleOrderHistory)
		r.Get("/positions", s.handlePositions)
		r.Get("/balances", s.handleBalances)
		r.Get("/status", s.handleStatus)
		r.Get("/risk", s.handleRisk)
		r.Patch("/risk", s.handleRiskUpdate)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/marks", s.handleMark)
		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "symbol is required"})
		return
	}
	res := s.eng.Submit(r.Context(), req)
	if !res.Success {
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.OpenOrders())
}

func (s *Server) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "order history requires a storage driver"})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	orders, err := s.store.ListOrders(r.Context(), s.eng.Scope(), limit)
	if err != nil {
		s.log.Error("order history query failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "order history query failed"})
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Positions())
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.eng.Balances(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

type statusResponse struct {
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
	Mode       string `json:"mode"`
	Scope      string `json:"scope"`
	OpenOrders int    `json:"open_orders"`
	Positions  int    `json:"positions"`
}

func (s *Server) status() statusResponse {
	state, reason := s.eng.Status()
	return statusResponse{
		State:      state.String(),
		Reason:     reason,
		Mode:       string(s.eng.Mode()),
		Scope:      s.eng.Scope(),
		OpenOrders: len(s.eng.OpenOrders()),
		Positions:  len(s.eng.Positions()),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.RiskParameters())
}

func (s *Server) handleRiskUpdate(w http.ResponseWriter, r *http.Request) {
	var update domain.RiskParametersUpdate
	if err := readJSON(w, r, &update); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.eng.SetRiskParameters(update))
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := readJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "manual pause"
	}
	if err := s.eng.Pause(req.Reason); err != nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Resume(); err != nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	s.handleStatus(w, r)
}

type markRequest struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

func (s *Server) handleMark(w http.ResponseWriter, r *http.Request) {
	var req markRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" || !req.Price.IsPositive() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "symbol and a positive price are required"})
		return
	}
	pos, ok := s.eng.UpdateMarkPrice(req.Symbol, req.Price)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no position for symbol"})
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// handleEvents streams the engine event feed over a websocket. A
// status frame is sent first so clients know their subscription is
// live before any engine event arrives. The read loop exists only to
// notice the client going away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.eng.Events().Subscribe()
	defer s.eng.Events().Unsubscribe(sub)

	if err := conn.WriteJSON(event.New(event.TypeStatus, s.status())); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}
