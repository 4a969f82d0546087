package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"exchange-sim/internal/engine"
	"exchange-sim/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// orderJSON renders an order with decimals as strings and ISO-8601
// timestamps.
func orderJSON(o *types.Order) map[string]any {
	var price any
	if o.Price != nil {
		price = o.Price.String()
	}
	return map[string]any{
		"order_id":        o.OrderID,
		"symbol":          o.Symbol,
		"side":            o.Side,
		"type":            o.OrderType,
		"status":          o.Status,
		"price":           price,
		"quantity":        o.Quantity.String(),
		"filled_quantity": o.FilledQuantity.String(),
		"time_in_force":   o.TimeInForce,
		"created_at":      o.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":      o.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "crypto-exchange-simulator",
	})
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"symbols": s.engine.Symbols()})
}

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol parameter required")
		return
	}
	gen := s.publisher.Generator(symbol)
	if gen == nil {
		writeError(w, http.StatusNotFound, "symbol "+symbol+" not found")
		return
	}

	md := gen.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":      md.Symbol,
		"last_price":  md.LastPrice.String(),
		"bid":         md.Bid.String(),
		"ask":         md.Ask.String(),
		"high_24h":    md.High24h.String(),
		"low_24h":     md.Low24h.String(),
		"volume_24h":  md.Volume24h.String(),
		"sequence_id": md.SequenceID,
		"timestamp":   md.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// placeOrderRequest is the POST /api/v1/orders body. Decimals arrive as
// strings.
type placeOrderRequest struct {
	Symbol      string            `json:"symbol"`
	Side        types.Side        `json:"side"`
	Type        types.OrderType   `json:"type"`
	Price       *decimal.Decimal  `json:"price"`
	Quantity    *decimal.Decimal  `json:"quantity"`
	TimeInForce types.TimeInForce `json:"time_in_force"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Symbol == "" || req.Side == "" || req.Type == "" || req.Quantity == nil {
		writeError(w, http.StatusBadRequest, "missing required fields: symbol, side, type, quantity")
		return
	}

	order, _, err := s.engine.PlaceOrder(
		restSession(r), req.Symbol, req.Side, req.Type, *req.Quantity, req.Price, req.TimeInForce)
	switch {
	case errors.Is(err, engine.ErrInsufficientBalance):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":    "insufficient_balance",
			"order_id": order.OrderID,
		})
		return
	case errors.Is(err, engine.ErrInvalidSymbol):
		writeError(w, http.StatusBadRequest, "invalid_symbol")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, orderJSON(order))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	order, err := s.engine.CancelOrder(restSession(r), orderID)
	if err != nil {
		writeError(w, http.StatusNotFound, "order not found or cannot be cancelled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"order_id": order.OrderID,
		"status":   "cancelled",
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.GetOrder(restSession(r), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, orderJSON(order))
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orders := s.engine.GetOrders(restSession(r), q.Get("symbol"), types.OrderStatus(q.Get("status")))

	out := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderJSON(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balances := s.engine.Balances(restSession(r))
	out := make(map[string]string, len(balances))
	for asset, bal := range balances {
		out[asset] = bal.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": out})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol parameter required")
		return
	}
	pos, err := s.engine.PositionSnapshot(restSession(r), symbol)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_symbol")
		return
	}
	base, _ := engine.SplitSymbol(symbol)
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":         symbol,
		"asset":          base,
		"quantity":       pos.Quantity.String(),
		"average_price":  pos.AveragePrice.String(),
		"unrealized_pnl": pos.UnrealizedPnL.String(),
		"realized_pnl":   pos.RealizedPnL.String(),
	})
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol parameter required")
		return
	}
	gen := s.publisher.Generator(symbol)
	if gen == nil {
		writeError(w, http.StatusNotFound, "symbol "+symbol+" not found")
		return
	}

	var start, end time.Time
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be RFC 3339")
			return
		}
		start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end must be RFC 3339")
			return
		}
		end = t
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	volume := gen.Snapshot().Volume24h.String()
	points := gen.History(start, end, limit)
	out := make([]map[string]any, 0, len(points))
	for _, p := range points {
		bid, ask := gen.SpreadAround(p.Price)
		out = append(out, map[string]any{
			"timestamp":  p.Timestamp.UTC().Format(time.RFC3339Nano),
			"price":      p.Price.String(),
			"bid":        bid.String(),
			"ask":        ask.String(),
			"volume_24h": volume,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "prices": out})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"sessions":         s.sessions.Count(),
		"orders":           s.engine.OrderCount(),
		"open_orders":      s.engine.OpenOrderCount(),
		"failure_injector": s.injector.Statistics(),
	}
	if s.rateLimit != nil {
		stats["rate_limit"] = s.rateLimit.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}
