// Package engine implements the matching engine: order admission, price-time
// priority matching, fills, balances, and positions.
//
// The engine is the single writer for every order book. All public methods
// take the engine lock, so books and accounts never need their own.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"exchange-sim/internal/book"
	"exchange-sim/pkg/types"
)

// Sentinel errors the API layers map onto status codes and reject reasons.
var (
	ErrInvalidSymbol       = errors.New("unknown symbol")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOrderNotFound       = errors.New("order not found")
	ErrNotOwner            = errors.New("order does not belong to this session")
	ErrTerminalOrder       = errors.New("order is not cancellable")
	ErrPriceRequired       = errors.New("price is required for LIMIT orders")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrInvalidPrice        = errors.New("price must be positive")
)

// TradeHook observes executed trades. Called with the engine lock held, so
// implementations must not block or call back into the engine.
type TradeHook func(symbol string, price, quantity decimal.Decimal, takerSide types.Side)

// Engine coordinates order books and accounts for a fixed symbol set.
type Engine struct {
	mu         sync.Mutex
	symbols    map[string]struct{}
	books      map[string]*book.Book
	accounts   *AccountManager
	allOrders  map[string]*types.Order
	fills      []*types.Fill
	lastPrices map[string]decimal.Decimal
	tradeHook  TradeHook
	logger     *slog.Logger
}

// New creates an engine for the given symbols.
func New(symbols []string, accounts *AccountManager, logger *slog.Logger) *Engine {
	if accounts == nil {
		accounts = NewAccountManager(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		symbols:    make(map[string]struct{}, len(symbols)),
		books:      make(map[string]*book.Book, len(symbols)),
		accounts:   accounts,
		allOrders:  make(map[string]*types.Order),
		lastPrices: make(map[string]decimal.Decimal),
		logger:     logger.With("component", "engine"),
	}
	for _, s := range symbols {
		e.symbols[s] = struct{}{}
		e.books[s] = book.New(s)
	}
	return e
}

// SetTradeHook installs the trade observer. Must be called before trading
// starts.
func (e *Engine) SetTradeHook(hook TradeHook) { e.tradeHook = hook }

// Accounts exposes the account manager.
func (e *Engine) Accounts() *AccountManager { return e.accounts }

// Symbols returns the configured symbol list.
func (e *Engine) Symbols() []string {
	out := make([]string, 0, len(e.symbols))
	for s := range e.symbols {
		out = append(out, s)
	}
	return out
}

// HasSymbol reports whether the engine trades the symbol.
func (e *Engine) HasSymbol(symbol string) bool {
	_, ok := e.symbols[symbol]
	return ok
}

// SplitSymbol returns the base and quote assets of a "BASE/QUOTE" symbol.
func SplitSymbol(symbol string) (base, quote string) {
	if i := strings.IndexByte(symbol, '/'); i >= 0 {
		return symbol[:i], symbol[i+1:]
	}
	return symbol, "USD"
}

// PlaceOrder validates, admits, and matches a new order. It returns the
// order and every fill the match produced, taker and maker fills both.
//
// LIMIT remainders rest on the book under GTC, are cancelled under IOC, and
// FOK orders are rejected up front unless the book can fill them entirely.
// MARKET remainders are always cancelled; nothing market-priced ever rests.
func (e *Engine) PlaceOrder(
	sessionID, symbol string,
	side types.Side,
	orderType types.OrderType,
	quantity decimal.Decimal,
	price *decimal.Decimal,
	tif types.TimeInForce,
) (*types.Order, []*types.Fill, error) {
	if tif == "" {
		tif = types.GTC
	}
	if !e.HasSymbol(symbol) {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, symbol)
	}
	if !quantity.IsPositive() {
		return nil, nil, ErrInvalidQuantity
	}
	if orderType == types.LIMIT {
		if price == nil {
			return nil, nil, ErrPriceRequired
		}
		if !price.IsPositive() {
			return nil, nil, ErrInvalidPrice
		}
	} else {
		// MARKET orders carry no price; drop whatever the client sent.
		price = nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	order := &types.Order{
		OrderID:     uuid.NewString(),
		SessionID:   sessionID,
		Symbol:      symbol,
		Side:        side,
		OrderType:   orderType,
		Price:       price,
		Quantity:    quantity,
		Status:      types.StatusPending,
		TimeInForce: tif,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	account := e.accounts.GetOrCreateAccount(sessionID)
	if !e.validateBalance(order, account) {
		order.Reject()
		e.allOrders[order.OrderID] = order
		return order, nil, ErrInsufficientBalance
	}

	e.allOrders[order.OrderID] = order
	order.Status = types.StatusOpen

	b := e.books[symbol]

	if tif == types.FOK {
		available := b.AvailableQuantity(side.Opposite(), price)
		if available.LessThan(quantity) {
			order.Reject()
			e.logger.Debug("FOK rejected for insufficient liquidity",
				"order_id", order.OrderID, "symbol", symbol,
				"wanted", quantity.String(), "available", available.String())
			return order, nil, nil
		}
	}

	fills := e.matchOrder(order, b)

	if order.RemainingQuantity().IsPositive() {
		switch {
		case orderType == types.MARKET || tif == types.IOC:
			_ = order.Cancel()
		default:
			if err := b.AddOrder(order); err != nil {
				return nil, nil, fmt.Errorf("resting order: %w", err)
			}
		}
	}

	e.logger.Debug("order placed",
		"order_id", order.OrderID, "session_id", sessionID,
		"symbol", symbol, "side", side, "status", order.Status,
		"fills", len(fills))
	return order, fills, nil
}

// CancelOrder cancels a live order owned by the session.
func (e *Engine) CancelOrder(sessionID, orderID string) (*types.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.allOrders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if order.SessionID != sessionID {
		return nil, ErrNotOwner
	}
	if order.Status != types.StatusOpen && order.Status != types.StatusPartiallyFilled {
		return nil, fmt.Errorf("%w: status %s", ErrTerminalOrder, order.Status)
	}

	if order.Price != nil {
		e.books[order.Symbol].RemoveOrder(orderID)
	}
	if err := order.Cancel(); err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrder returns an order owned by the session. Orders belonging to other
// sessions are reported as not found.
func (e *Engine) GetOrder(sessionID, orderID string) (*types.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.allOrders[orderID]
	if !ok || order.SessionID != sessionID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// GetOrders returns the session's orders, optionally filtered by symbol and
// status. Empty filter values match everything.
func (e *Engine) GetOrders(sessionID, symbol string, status types.OrderStatus) []*types.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*types.Order
	for _, o := range e.allOrders {
		if o.SessionID != sessionID {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, o)
	}
	return out
}

// Depth returns the aggregated book depth for a symbol.
func (e *Engine) Depth(symbol string, levels int) (bids, asks []types.OrderBookLevel, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.books[symbol]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, symbol)
	}
	bids, asks = b.Depth(levels)
	return bids, asks, nil
}

// BestBidAsk returns top of book for a symbol. Either pointer is nil when
// that side is empty.
func (e *Engine) BestBidAsk(symbol string) (bid, ask *decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.books[symbol]
	if !ok {
		return nil, nil
	}
	if v, ok := b.BestBid(); ok {
		bid = &v
	}
	if v, ok := b.BestAsk(); ok {
		ask = &v
	}
	return bid, ask
}

// OpenOrderCount returns the number of orders resting across all books.
func (e *Engine) OpenOrderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, b := range e.books {
		n += b.OrderCount()
	}
	return n
}

// OrderCount returns the total number of orders ever accepted.
func (e *Engine) OrderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.allOrders)
}

// LastPrice returns the most recent trade or ticker price for a symbol.
func (e *Engine) LastPrice(symbol string) (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.lastPrices[symbol]
	return p, ok
}

// SetLastPrice records an externally generated price, e.g. from the market
// data generator.
func (e *Engine) SetLastPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastPrices[symbol] = price
}

// Fills returns fills, all of them or just one session's.
func (e *Engine) Fills(sessionID string) []*types.Fill {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sessionID == "" {
		out := make([]*types.Fill, len(e.fills))
		copy(out, e.fills)
		return out
	}
	var out []*types.Fill
	for _, f := range e.fills {
		if f.SessionID == sessionID {
			out = append(out, f)
		}
	}
	return out
}

// Balances returns a copy of a session's asset balances, creating the
// account on first use.
func (e *Engine) Balances(sessionID string) map[string]decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	account := e.accounts.GetOrCreateAccount(sessionID)
	out := make(map[string]decimal.Decimal, len(account.Balances))
	for asset, bal := range account.Balances {
		out[asset] = bal
	}
	return out
}

// PositionSnapshot returns a copy of a session's position in a symbol,
// marked at the symbol's last price.
func (e *Engine) PositionSnapshot(sessionID, symbol string) (types.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.books[symbol]; !ok {
		return types.Position{}, fmt.Errorf("%w: %s", ErrInvalidSymbol, symbol)
	}
	account := e.accounts.GetOrCreateAccount(sessionID)
	pos := account.GetPosition(symbol)
	if last, ok := e.lastPrices[symbol]; ok {
		pos.CalculateUnrealizedPnL(last)
	}
	return *pos, nil
}

// validateBalance is the lax admission check: BUY LIMIT orders must be
// covered by the quote balance at the limit price. SELL and MARKET orders
// are admitted unchecked.
func (e *Engine) validateBalance(order *types.Order, account *Account) bool {
	if order.Side == types.BUY && order.Price != nil {
		_, quote := SplitSymbol(order.Symbol)
		required := order.Price.Mul(order.Quantity)
		return account.HasSufficientBalance(quote, required)
	}
	return true
}

// matchOrder sweeps the opposite side of the book while the taker has
// remaining quantity and the top level is within its limit. Executions
// happen at the maker's price against the oldest order at the level.
func (e *Engine) matchOrder(taker *types.Order, b *book.Book) []*types.Fill {
	var fills []*types.Fill

	for taker.RemainingQuantity().IsPositive() {
		level := b.BestLevel(taker.Side.Opposite())
		if level == nil {
			break
		}
		if taker.OrderType == types.LIMIT && taker.Price != nil {
			if taker.Side == types.BUY && level.Price.GreaterThan(*taker.Price) {
				break
			}
			if taker.Side == types.SELL && level.Price.LessThan(*taker.Price) {
				break
			}
		}

		maker := level.Orders[0]
		pair := e.executeFill(taker, maker, level.Price)
		fills = append(fills, pair...)

		if maker.IsFilled() {
			b.RemoveOrder(maker.OrderID)
		}
	}
	return fills
}

// executeFill trades the overlapping quantity between taker and maker at the
// given price and settles both accounts.
func (e *Engine) executeFill(taker, maker *types.Order, price decimal.Decimal) []*types.Fill {
	qty := decimal.Min(taker.RemainingQuantity(), maker.RemainingQuantity())
	if !qty.IsPositive() {
		return nil
	}

	if err := taker.Fill(qty); err != nil {
		e.logger.Error("taker fill failed", "order_id", taker.OrderID, "error", err)
		return nil
	}
	if err := maker.Fill(qty); err != nil {
		e.logger.Error("maker fill failed", "order_id", maker.OrderID, "error", err)
		return nil
	}

	e.lastPrices[taker.Symbol] = price

	takerFill := e.recordFill(taker, price, qty, false)
	makerFill := e.recordFill(maker, price, qty, true)

	if e.tradeHook != nil {
		e.tradeHook(taker.Symbol, price, qty, taker.Side)
	}
	return []*types.Fill{takerFill, makerFill}
}

func (e *Engine) recordFill(order *types.Order, price, qty decimal.Decimal, isMaker bool) *types.Fill {
	fill := &types.Fill{
		FillID:    uuid.NewString(),
		OrderID:   order.OrderID,
		SessionID: order.SessionID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Price:     price,
		Quantity:  qty,
		Timestamp: time.Now().UTC(),
		IsMaker:   isMaker,
	}
	e.fills = append(e.fills, fill)

	if account := e.accounts.GetAccount(order.SessionID); account != nil {
		account.UpdatePositionOnFill(fill, price)
		e.settle(account, fill)
	}
	return fill
}

// settle moves balances for one fill: buyers pay quote and receive base,
// sellers the reverse.
func (e *Engine) settle(account *Account, fill *types.Fill) {
	base, quote := SplitSymbol(fill.Symbol)
	notional := fill.Price.Mul(fill.Quantity)
	if fill.Side == types.BUY {
		account.AdjustBalance(quote, notional.Neg())
		account.AdjustBalance(base, fill.Quantity)
	} else {
		account.AdjustBalance(base, fill.Quantity.Neg())
		account.AdjustBalance(quote, notional)
	}
}
