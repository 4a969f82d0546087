package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// WebSocket wire messages
// ————————————————————————————————————————————————————————————————————————
// Every frame on the streaming socket is a JSON object with a "type" field.
// Clients may attach a request_id to any request; replies echo it back so
// the client can correlate them.

// MessageType discriminates the JSON frames on the streaming socket.
type MessageType string

const (
	// Client -> Server
	MsgPlaceOrder  MessageType = "PLACE_ORDER"
	MsgCancelOrder MessageType = "CANCEL_ORDER"
	MsgGetOrder    MessageType = "GET_ORDER"
	MsgGetOrders   MessageType = "GET_ORDERS"
	MsgGetBalance  MessageType = "GET_BALANCE"
	MsgGetPosition MessageType = "GET_POSITION"
	MsgSubscribe   MessageType = "SUBSCRIBE"
	MsgUnsubscribe MessageType = "UNSUBSCRIBE"
	MsgPing        MessageType = "PING"

	// Server -> Client
	MsgOrderAck        MessageType = "ORDER_ACK"
	MsgOrderFill       MessageType = "ORDER_FILL"
	MsgOrderCancel     MessageType = "ORDER_CANCEL"
	MsgOrderReject     MessageType = "ORDER_REJECT"
	MsgOrders          MessageType = "ORDERS"
	MsgBalanceUpdate   MessageType = "BALANCE_UPDATE"
	MsgPositionUpdate  MessageType = "POSITION_UPDATE"
	MsgMarketData      MessageType = "MARKET_DATA"
	MsgOrderbookUpdate MessageType = "ORDERBOOK_UPDATE"
	MsgTrade           MessageType = "TRADE"
	MsgPong            MessageType = "PONG"
	MsgSubscribed      MessageType = "SUBSCRIBED"
	MsgUnsubscribed    MessageType = "UNSUBSCRIBED"
	MsgError           MessageType = "ERROR"
)

// Channel enumerates the market data subscription channels.
type Channel string

const (
	ChannelTrades      Channel = "TRADES"
	ChannelTicker      Channel = "TICKER"
	ChannelOrderbook   Channel = "ORDERBOOK"
	ChannelOrderbookL2 Channel = "ORDERBOOK_L2"
)

// ChannelKey builds the subscription key for a (channel, symbol) pair,
// e.g. "TICKER:BTC/USD".
func ChannelKey(ch Channel, symbol string) string {
	return fmt.Sprintf("%s:%s", ch, symbol)
}

// Header carries the fields common to every frame. Embed it in concrete
// message structs; routing peeks at it before full decoding.
type Header struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewHeader builds a header stamped with the current UTC time.
func NewHeader(t MessageType, requestID string) Header {
	return Header{Type: t, RequestID: requestID, Timestamp: time.Now().UTC()}
}

// Kind returns the frame's message type. Promoted through embedding, it
// lets callers read the type of any concrete message.
func (h Header) Kind() MessageType { return h.Type }

// ————————————————————————————————————————————————————————————————————————
// Client -> Server
// ————————————————————————————————————————————————————————————————————————

// PlaceOrderMessage submits a new order. Price is required for LIMIT and
// must be absent for MARKET. Decimal fields arrive as quoted strings.
type PlaceOrderMessage struct {
	Header
	Symbol      string           `json:"symbol"`
	Side        Side             `json:"side"`
	OrderType   OrderType        `json:"order_type"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Quantity    decimal.Decimal  `json:"quantity"`
	TimeInForce TimeInForce      `json:"time_in_force,omitempty"`
}

// CancelOrderMessage cancels a live order by ID.
type CancelOrderMessage struct {
	Header
	OrderID string `json:"order_id"`
}

// GetOrderMessage queries one order by ID.
type GetOrderMessage struct {
	Header
	OrderID string `json:"order_id"`
}

// GetOrdersMessage queries the session's orders, optionally filtered.
type GetOrdersMessage struct {
	Header
	Symbol string      `json:"symbol,omitempty"`
	Status OrderStatus `json:"status,omitempty"`
}

// GetBalanceMessage queries the session's balances.
type GetBalanceMessage struct {
	Header
}

// GetPositionMessage queries the session's position in one symbol.
type GetPositionMessage struct {
	Header
	Symbol string `json:"symbol"`
}

// SubscribeMessage subscribes the session to a (channel, symbol) stream.
type SubscribeMessage struct {
	Header
	Channel Channel `json:"channel"`
	Symbol  string  `json:"symbol"`
}

// UnsubscribeMessage removes a (channel, symbol) subscription.
type UnsubscribeMessage struct {
	Header
	Channel Channel `json:"channel"`
	Symbol  string  `json:"symbol"`
}

// PingMessage is the application-level heartbeat request.
type PingMessage struct {
	Header
}

// ————————————————————————————————————————————————————————————————————————
// Server -> Client
// ————————————————————————————————————————————————————————————————————————

// OrderAckMessage acknowledges an accepted order with its assigned ID and
// post-matching status.
type OrderAckMessage struct {
	Header
	OrderID   string           `json:"order_id"`
	Status    OrderStatus      `json:"status"`
	Symbol    string           `json:"symbol"`
	Side      Side             `json:"side"`
	OrderType OrderType        `json:"order_type"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Quantity  decimal.Decimal  `json:"quantity"`
}

// OrderFillMessage notifies a session that one of its orders traded.
type OrderFillMessage struct {
	Header
	FillID            string          `json:"fill_id"`
	OrderID           string          `json:"order_id"`
	Symbol            string          `json:"symbol"`
	Side              Side            `json:"side"`
	Price             decimal.Decimal `json:"price"`
	Quantity          decimal.Decimal `json:"quantity"`
	FilledQuantity    decimal.Decimal `json:"filled_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	Status            OrderStatus     `json:"status"`
	IsMaker           bool            `json:"is_maker"`
}

// OrderCancelMessage confirms a cancellation.
type OrderCancelMessage struct {
	Header
	OrderID string `json:"order_id"`
	Symbol  string `json:"symbol"`
}

// OrderRejectMessage reports a rejected order with the reason.
type OrderRejectMessage struct {
	Header
	OrderID string `json:"order_id,omitempty"`
	Reason  string `json:"reason"`
}

// OrdersMessage carries the result of a GET_ORDERS query.
type OrdersMessage struct {
	Header
	Orders []*Order `json:"orders"`
}

// BalanceUpdateMessage carries the session's asset balances.
type BalanceUpdateMessage struct {
	Header
	Balances map[string]decimal.Decimal `json:"balances"`
}

// PositionUpdateMessage carries the session's position in one symbol.
type PositionUpdateMessage struct {
	Header
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

// MarketDataMessage is the TICKER channel payload. SequenceID increments by
// exactly one per (channel, symbol) stream so clients can detect gaps.
type MarketDataMessage struct {
	Header
	Symbol     string           `json:"symbol"`
	LastPrice  decimal.Decimal  `json:"last_price"`
	Bid        *decimal.Decimal `json:"bid,omitempty"`
	Ask        *decimal.Decimal `json:"ask,omitempty"`
	Volume24h  decimal.Decimal  `json:"volume_24h"`
	High24h    *decimal.Decimal `json:"high_24h,omitempty"`
	Low24h     *decimal.Decimal `json:"low_24h,omitempty"`
	SequenceID int64            `json:"sequence_id"`
}

// OrderBookLevel is one aggregated price level in a book snapshot.
type OrderBookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBookUpdateMessage is the ORDERBOOK channel payload.
type OrderBookUpdateMessage struct {
	Header
	Symbol   string           `json:"symbol"`
	Bids     []OrderBookLevel `json:"bids"`
	Asks     []OrderBookLevel `json:"asks"`
	Sequence int64            `json:"sequence"`
}

// TradeMessage is the public TRADES channel payload. Side is the taker side.
type TradeMessage struct {
	Header
	TradeID  string          `json:"trade_id"`
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Side     Side            `json:"side"`
}

// PongMessage answers a PING, echoing its request_id.
type PongMessage struct {
	Header
}

// SubscribedMessage confirms a subscription.
type SubscribedMessage struct {
	Header
	Channel Channel `json:"channel"`
	Symbol  string  `json:"symbol"`
}

// UnsubscribedMessage confirms removal of a subscription.
type UnsubscribedMessage struct {
	Header
	Channel Channel `json:"channel"`
	Symbol  string  `json:"symbol"`
}

// ErrorMessage reports a request-level failure. Code is one of the stable
// error codes (INVALID_MESSAGE, NO_HANDLER, HANDLER_ERROR, ...).
type ErrorMessage struct {
	Header
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
