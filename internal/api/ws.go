package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"exchange-sim/internal/router"
	"exchange-sim/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Simulator runs on trusted networks only.
		return true
	},
}

// handleWebSocket upgrades the connection and runs its read loop. Every
// inbound frame goes through the inbound fault pipeline before routing;
// every reply goes through the outbound pipeline before sending.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sess := s.sessions.Add(conn)
	defer s.sessions.Remove(sess.ID)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "session_id", sess.ID, "error", err)
			}
			return
		}
		sess.Touch()

		frame, ok := s.injector.InjectInbound(s.baseCtx, raw, sess.ID, peekType(raw))
		if !ok {
			continue // swallowed by a fault strategy
		}

		reply := s.router.Route(s.baseCtx, frame, sess.ID)
		if reply == nil {
			continue
		}
		s.sendMessage(sess.ID, reply)
	}
}

// peekType best-effort extracts the type field for fault pipeline metadata.
func peekType(raw []byte) string {
	var head types.Header
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return string(head.Type)
}

// sendMessage serializes a message, runs it through the outbound fault
// pipeline, and queues it for one session.
func (s *Server) sendMessage(sessionID string, msg any) {
	frame, err := router.Serialize(msg)
	if err != nil {
		s.logger.Error("serialize failed", "error", err)
		return
	}
	kind := ""
	if k, ok := msg.(interface{ Kind() types.MessageType }); ok {
		kind = string(k.Kind())
	}
	out, ok := s.injector.InjectOutbound(s.baseCtx, frame, sessionID, kind)
	if !ok {
		return
	}
	s.sessions.Send(sessionID, out)
}

// pushFill delivers an ORDER_FILL frame outside the request/reply flow.
func (s *Server) pushFill(sessionID string, msg *types.OrderFillMessage) {
	s.sendMessage(sessionID, msg)
}

// broadcastToChannel fans a message out to each subscriber, running the
// outbound pipeline per session so per-session faults apply independently.
func (s *Server) broadcastToChannel(channelKey string, msg any) {
	frame, err := router.Serialize(msg)
	if err != nil {
		s.logger.Error("serialize failed", "channel", channelKey, "error", err)
		return
	}
	kind := ""
	if k, ok := msg.(interface{ Kind() types.MessageType }); ok {
		kind = string(k.Kind())
	}
	for _, sessionID := range s.sessions.Subscribers(channelKey) {
		out, ok := s.injector.InjectOutbound(s.baseCtx, frame, sessionID, kind)
		if !ok {
			continue
		}
		s.sessions.Send(sessionID, out)
	}
}

// onTicker handles each generated ticker: the engine learns the new price
// and TICKER plus ORDERBOOK subscribers get their frames.
func (s *Server) onTicker(msg *types.MarketDataMessage) {
	s.engine.SetLastPrice(msg.Symbol, msg.LastPrice)
	s.broadcastToChannel(types.ChannelKey(types.ChannelTicker, msg.Symbol), msg)

	key := types.ChannelKey(types.ChannelOrderbook, msg.Symbol)
	if len(s.sessions.Subscribers(key)) == 0 {
		return
	}
	bids, asks, err := s.engine.Depth(msg.Symbol, 10)
	if err != nil {
		return
	}
	s.broadcastToChannel(key, &types.OrderBookUpdateMessage{
		Header:   types.NewHeader(types.MsgOrderbookUpdate, ""),
		Symbol:   msg.Symbol,
		Bids:     bids,
		Asks:     asks,
		Sequence: msg.SequenceID,
	})
}

// onSimulatedTrade fans a synthetic public trade out to TRADES subscribers.
func (s *Server) onSimulatedTrade(msg *types.TradeMessage) {
	s.broadcastToChannel(types.ChannelKey(types.ChannelTrades, msg.Symbol), msg)
}

// onEngineTrade runs under the engine lock on every real match: volume
// accrual inline, TRADES fan-out in its own goroutine.
func (s *Server) onEngineTrade(symbol string, price, quantity decimal.Decimal, takerSide types.Side) {
	s.publisher.RecordTrade(symbol, quantity)

	trade := &types.TradeMessage{
		Header:   types.NewHeader(types.MsgTrade, ""),
		TradeID:  "TRADE_" + uuid.NewString(),
		Symbol:   symbol,
		Price:    price,
		Quantity: quantity,
		Side:     takerSide,
	}
	go s.broadcastToChannel(types.ChannelKey(types.ChannelTrades, symbol), trade)
}
