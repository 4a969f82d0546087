// Package router parses streaming frames and dispatches them to registered
// handlers. Parse failures, unknown types, and handler panics never kill a
// connection; they come back to the client as ERROR frames with stable
// codes (INVALID_MESSAGE, NO_HANDLER, HANDLER_ERROR).
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"exchange-sim/pkg/types"
)

// Handler processes one parsed message for a session. The returned message
// is serialized and sent back to the session; nil means no direct reply.
type Handler interface {
	Handle(ctx context.Context, msg any, sessionID string) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg any, sessionID string) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, msg any, sessionID string) (any, error) {
	return f(ctx, msg, sessionID)
}

// Router maps message types to handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[types.MessageType]Handler
	logger   *slog.Logger
}

// New creates an empty router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[types.MessageType]Handler),
		logger:   logger.With("component", "router"),
	}
}

// Register installs a handler for a message type, replacing any previous
// one.
func (r *Router) Register(t types.MessageType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Unregister removes the handler for a message type.
func (r *Router) Unregister(t types.MessageType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, t)
}

// Parse decodes a raw frame into its concrete message struct, keyed by the
// "type" field.
func Parse(raw []byte) (any, error) {
	var head types.Header
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("message must have a 'type' field")
	}

	var msg any
	switch head.Type {
	case types.MsgPlaceOrder:
		msg = &types.PlaceOrderMessage{}
	case types.MsgCancelOrder:
		msg = &types.CancelOrderMessage{}
	case types.MsgGetOrder:
		msg = &types.GetOrderMessage{}
	case types.MsgGetOrders:
		msg = &types.GetOrdersMessage{}
	case types.MsgGetBalance:
		msg = &types.GetBalanceMessage{}
	case types.MsgGetPosition:
		msg = &types.GetPositionMessage{}
	case types.MsgSubscribe:
		msg = &types.SubscribeMessage{}
	case types.MsgUnsubscribe:
		msg = &types.UnsubscribeMessage{}
	case types.MsgPing:
		msg = &types.PingMessage{}
	default:
		return nil, fmt.Errorf("unknown message type: %s", head.Type)
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", head.Type, err)
	}
	return msg, nil
}

// messageType extracts the header type from a parsed message.
func messageType(msg any) types.MessageType {
	switch m := msg.(type) {
	case *types.PlaceOrderMessage:
		return m.Type
	case *types.CancelOrderMessage:
		return m.Type
	case *types.GetOrderMessage:
		return m.Type
	case *types.GetOrdersMessage:
		return m.Type
	case *types.GetBalanceMessage:
		return m.Type
	case *types.GetPositionMessage:
		return m.Type
	case *types.SubscribeMessage:
		return m.Type
	case *types.UnsubscribeMessage:
		return m.Type
	case *types.PingMessage:
		return m.Type
	}
	return ""
}

// Route parses a raw frame and hands it to the registered handler. The
// returned message, never nil on error paths, is what should go back to the
// session; nil means the handler chose not to reply. A panicking handler is
// contained here: the session gets a HANDLER_ERROR and the server lives on.
func (r *Router) Route(ctx context.Context, raw []byte, sessionID string) (reply any) {
	var t types.MessageType
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic", "message_type", t, "session_id", sessionID, "panic", rec)
			reply = &types.ErrorMessage{
				Header:  types.NewHeader(types.MsgError, ""),
				Code:    "HANDLER_ERROR",
				Message: fmt.Sprintf("error handling message: %v", rec),
				Details: map[string]any{"message_type": string(t)},
			}
		}
	}()
	msg, err := Parse(raw)
	if err != nil {
		return &types.ErrorMessage{
			Header:  types.NewHeader(types.MsgError, ""),
			Code:    "INVALID_MESSAGE",
			Message: err.Error(),
		}
	}

	t = messageType(msg)
	r.mu.RLock()
	h, ok := r.handlers[t]
	r.mu.RUnlock()
	if !ok {
		return &types.ErrorMessage{
			Header:  types.NewHeader(types.MsgError, ""),
			Code:    "NO_HANDLER",
			Message: fmt.Sprintf("no handler registered for message type: %s", t),
		}
	}

	out, err := h.Handle(ctx, msg, sessionID)
	if err != nil {
		r.logger.Warn("handler error", "message_type", t, "session_id", sessionID, "error", err)
		return &types.ErrorMessage{
			Header:  types.NewHeader(types.MsgError, ""),
			Code:    "HANDLER_ERROR",
			Message: fmt.Sprintf("error handling message: %s", err),
			Details: map[string]any{"message_type": string(t)},
		}
	}
	return out
}

// Serialize encodes an outgoing message to its wire form.
func Serialize(msg any) ([]byte, error) {
	return json.Marshal(msg)
}
