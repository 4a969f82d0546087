package router

import (
	"context"
	"errors"
	"fmt"

	"exchange-sim/internal/engine"
	"exchange-sim/internal/session"
	"exchange-sim/pkg/types"
)

// FillPusher delivers an ORDER_FILL frame to a session outside the
// request/reply flow. The API layer supplies an implementation that runs
// the frame through the outbound fault pipeline.
type FillPusher func(sessionID string, msg *types.OrderFillMessage)

// OrderHandler serves PLACE_ORDER, CANCEL_ORDER, GET_ORDER and GET_ORDERS.
type OrderHandler struct {
	engine   *engine.Engine
	pushFill FillPusher
}

// NewOrderHandler creates an order handler. pushFill may be nil, in which
// case fills are only visible through acks and queries.
func NewOrderHandler(eng *engine.Engine, pushFill FillPusher) *OrderHandler {
	return &OrderHandler{engine: eng, pushFill: pushFill}
}

func (h *OrderHandler) Handle(ctx context.Context, msg any, sessionID string) (any, error) {
	switch m := msg.(type) {
	case *types.PlaceOrderMessage:
		return h.placeOrder(m, sessionID)
	case *types.CancelOrderMessage:
		return h.cancelOrder(m, sessionID)
	case *types.GetOrderMessage:
		return h.getOrder(m, sessionID)
	case *types.GetOrdersMessage:
		return h.getOrders(m, sessionID)
	}
	return nil, fmt.Errorf("unexpected message type %T", msg)
}

func (h *OrderHandler) placeOrder(m *types.PlaceOrderMessage, sessionID string) (any, error) {
	order, fills, err := h.engine.PlaceOrder(
		sessionID, m.Symbol, m.Side, m.OrderType, m.Quantity, m.Price, m.TimeInForce)

	switch {
	case errors.Is(err, engine.ErrInsufficientBalance):
		// The order exists in REJECTED state so the client learns its id.
		return &types.OrderRejectMessage{
			Header:  types.NewHeader(types.MsgOrderReject, m.RequestID),
			OrderID: order.OrderID,
			Reason:  "insufficient_balance",
		}, nil
	case errors.Is(err, engine.ErrInvalidSymbol):
		return &types.OrderRejectMessage{
			Header: types.NewHeader(types.MsgOrderReject, m.RequestID),
			Reason: "invalid_symbol",
		}, nil
	case err != nil:
		return &types.ErrorMessage{
			Header:  types.NewHeader(types.MsgError, m.RequestID),
			Code:    "ORDER_FAILED",
			Message: err.Error(),
		}, nil
	}

	h.notifyFills(fills)

	return &types.OrderAckMessage{
		Header:    types.NewHeader(types.MsgOrderAck, m.RequestID),
		OrderID:   order.OrderID,
		Status:    order.Status,
		Symbol:    order.Symbol,
		Side:      order.Side,
		OrderType: order.OrderType,
		Price:     order.Price,
		Quantity:  order.Quantity,
	}, nil
}

// notifyFills pushes an ORDER_FILL frame to each filled party, taker and
// makers alike.
func (h *OrderHandler) notifyFills(fills []*types.Fill) {
	if h.pushFill == nil {
		return
	}
	for _, f := range fills {
		order, err := h.engine.GetOrder(f.SessionID, f.OrderID)
		if err != nil {
			continue
		}
		h.pushFill(f.SessionID, &types.OrderFillMessage{
			Header:            types.NewHeader(types.MsgOrderFill, ""),
			FillID:            f.FillID,
			OrderID:           f.OrderID,
			Symbol:            f.Symbol,
			Side:              f.Side,
			Price:             f.Price,
			Quantity:          f.Quantity,
			FilledQuantity:    order.FilledQuantity,
			RemainingQuantity: order.RemainingQuantity(),
			Status:            order.Status,
			IsMaker:           f.IsMaker,
		})
	}
}

func (h *OrderHandler) cancelOrder(m *types.CancelOrderMessage, sessionID string) (any, error) {
	order, err := h.engine.CancelOrder(sessionID, m.OrderID)
	switch {
	case errors.Is(err, engine.ErrOrderNotFound), errors.Is(err, engine.ErrNotOwner):
		return &types.ErrorMessage{
			Header:  types.NewHeader(types.MsgError, m.RequestID),
			Code:    "ORDER_NOT_FOUND",
			Message: "order not found",
		}, nil
	case err != nil:
		return &types.ErrorMessage{
			Header:  types.NewHeader(types.MsgError, m.RequestID),
			Code:    "CANCEL_FAILED",
			Message: err.Error(),
		}, nil
	}
	return &types.OrderCancelMessage{
		Header:  types.NewHeader(types.MsgOrderCancel, m.RequestID),
		OrderID: order.OrderID,
		Symbol:  order.Symbol,
	}, nil
}

func (h *OrderHandler) getOrder(m *types.GetOrderMessage, sessionID string) (any, error) {
	order, err := h.engine.GetOrder(sessionID, m.OrderID)
	if err != nil {
		return &types.ErrorMessage{
			Header:  types.NewHeader(types.MsgError, m.RequestID),
			Code:    "ORDER_NOT_FOUND",
			Message: "order not found",
		}, nil
	}
	return &types.OrderAckMessage{
		Header:    types.NewHeader(types.MsgOrderAck, m.RequestID),
		OrderID:   order.OrderID,
		Status:    order.Status,
		Symbol:    order.Symbol,
		Side:      order.Side,
		OrderType: order.OrderType,
		Price:     order.Price,
		Quantity:  order.Quantity,
	}, nil
}

func (h *OrderHandler) getOrders(m *types.GetOrdersMessage, sessionID string) (any, error) {
	orders := h.engine.GetOrders(sessionID, m.Symbol, m.Status)
	return &types.OrdersMessage{
		Header: types.NewHeader(types.MsgOrders, m.RequestID),
		Orders: orders,
	}, nil
}

// AccountHandler serves GET_BALANCE and GET_POSITION.
type AccountHandler struct {
	engine *engine.Engine
}

// NewAccountHandler creates an account handler.
func NewAccountHandler(eng *engine.Engine) *AccountHandler {
	return &AccountHandler{engine: eng}
}

func (h *AccountHandler) Handle(ctx context.Context, msg any, sessionID string) (any, error) {
	switch m := msg.(type) {
	case *types.GetBalanceMessage:
		return &types.BalanceUpdateMessage{
			Header:   types.NewHeader(types.MsgBalanceUpdate, m.RequestID),
			Balances: h.engine.Balances(sessionID),
		}, nil
	case *types.GetPositionMessage:
		pos, err := h.engine.PositionSnapshot(sessionID, m.Symbol)
		if err != nil {
			return &types.ErrorMessage{
				Header:  types.NewHeader(types.MsgError, m.RequestID),
				Code:    "INVALID_SYMBOL",
				Message: err.Error(),
			}, nil
		}
		return &types.PositionUpdateMessage{
			Header:        types.NewHeader(types.MsgPositionUpdate, m.RequestID),
			Symbol:        pos.Symbol,
			Quantity:      pos.Quantity,
			AveragePrice:  pos.AveragePrice,
			UnrealizedPnL: pos.UnrealizedPnL,
			RealizedPnL:   pos.RealizedPnL,
		}, nil
	}
	return nil, fmt.Errorf("unexpected message type %T", msg)
}

// SubscriptionHandler serves SUBSCRIBE and UNSUBSCRIBE against the session
// registry.
type SubscriptionHandler struct {
	sessions *session.Manager
}

// NewSubscriptionHandler creates a subscription handler.
func NewSubscriptionHandler(sessions *session.Manager) *SubscriptionHandler {
	return &SubscriptionHandler{sessions: sessions}
}

func (h *SubscriptionHandler) Handle(ctx context.Context, msg any, sessionID string) (any, error) {
	switch m := msg.(type) {
	case *types.SubscribeMessage:
		key := types.ChannelKey(m.Channel, m.Symbol)
		if !h.sessions.Subscribe(sessionID, key) {
			return &types.ErrorMessage{
				Header:  types.NewHeader(types.MsgError, m.RequestID),
				Code:    "SUBSCRIBE_FAILED",
				Message: "failed to subscribe",
			}, nil
		}
		return &types.SubscribedMessage{
			Header:  types.NewHeader(types.MsgSubscribed, m.RequestID),
			Channel: m.Channel,
			Symbol:  m.Symbol,
		}, nil
	case *types.UnsubscribeMessage:
		key := types.ChannelKey(m.Channel, m.Symbol)
		h.sessions.Unsubscribe(sessionID, key)
		return &types.UnsubscribedMessage{
			Header:  types.NewHeader(types.MsgUnsubscribed, m.RequestID),
			Channel: m.Channel,
			Symbol:  m.Symbol,
		}, nil
	}
	return nil, fmt.Errorf("unexpected message type %T", msg)
}

// HeartbeatHandler answers PING with PONG, echoing the request id.
type HeartbeatHandler struct{}

// NewHeartbeatHandler creates a heartbeat handler.
func NewHeartbeatHandler() *HeartbeatHandler {
	return &HeartbeatHandler{}
}

func (h *HeartbeatHandler) Handle(ctx context.Context, msg any, sessionID string) (any, error) {
	m, ok := msg.(*types.PingMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected message type %T", msg)
	}
	return &types.PongMessage{
		Header: types.NewHeader(types.MsgPong, m.RequestID),
	}, nil
}

// RegisterAll wires the standard handler set into a router.
func RegisterAll(r *Router, eng *engine.Engine, sessions *session.Manager, pushFill FillPusher) {
	orders := NewOrderHandler(eng, pushFill)
	r.Register(types.MsgPlaceOrder, orders)
	r.Register(types.MsgCancelOrder, orders)
	r.Register(types.MsgGetOrder, orders)
	r.Register(types.MsgGetOrders, orders)

	accounts := NewAccountHandler(eng)
	r.Register(types.MsgGetBalance, accounts)
	r.Register(types.MsgGetPosition, accounts)

	subs := NewSubscriptionHandler(sessions)
	r.Register(types.MsgSubscribe, subs)
	r.Register(types.MsgUnsubscribe, subs)

	r.Register(types.MsgPing, NewHeartbeatHandler())
}
