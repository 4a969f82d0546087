// Package book implements a per-symbol limit order book with price-time
// priority. Price levels live in skiplists (bids descending, asks ascending)
// and each level holds its resting orders in FIFO arrival order.
//
// The book is not safe for concurrent use; the engine serializes access.
package book

import (
	"fmt"

	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"

	"exchange-sim/pkg/types"
)

// priceAsc orders skiplist keys from lowest to highest price (ask side).
type priceAsc struct{}

func (priceAsc) Compare(lhs, rhs interface{}) int {
	return lhs.(decimal.Decimal).Cmp(rhs.(decimal.Decimal))
}

func (priceAsc) CalcScore(key interface{}) float64 {
	return key.(decimal.Decimal).InexactFloat64()
}

// priceDesc orders skiplist keys from highest to lowest price (bid side).
type priceDesc struct{}

func (priceDesc) Compare(lhs, rhs interface{}) int {
	return rhs.(decimal.Decimal).Cmp(lhs.(decimal.Decimal))
}

func (priceDesc) CalcScore(key interface{}) float64 {
	return -key.(decimal.Decimal).InexactFloat64()
}

// PriceLevel holds the resting orders at one price, oldest first.
type PriceLevel struct {
	Price  decimal.Decimal
	Orders []*types.Order
}

// TotalQuantity sums the remaining quantity of every order at the level.
func (l *PriceLevel) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, o := range l.Orders {
		total = total.Add(o.RemainingQuantity())
	}
	return total
}

// IsEmpty reports whether the level has no orders left.
func (l *PriceLevel) IsEmpty() bool { return len(l.Orders) == 0 }

// Book is the order book for a single symbol.
type Book struct {
	symbol string
	bids   *skiplist.SkipList // decimal.Decimal -> *PriceLevel, best bid first
	asks   *skiplist.SkipList // decimal.Decimal -> *PriceLevel, best ask first
	orders map[string]*types.Order
}

// New creates an empty book for the given symbol.
func New(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   skiplist.New(priceDesc{}),
		asks:   skiplist.New(priceAsc{}),
		orders: make(map[string]*types.Order),
	}
}

// Symbol returns the symbol this book trades.
func (b *Book) Symbol() string { return b.symbol }

// AddOrder rests a limit order on the book.
func (b *Book) AddOrder(o *types.Order) error {
	if o.Symbol != b.symbol {
		return fmt.Errorf("order symbol %s does not match book symbol %s", o.Symbol, b.symbol)
	}
	if o.Price == nil {
		return fmt.Errorf("cannot add market order to book")
	}

	b.orders[o.OrderID] = o

	side := b.sideList(o.Side)
	elem := side.Get(*o.Price)
	var level *PriceLevel
	if elem == nil {
		level = &PriceLevel{Price: *o.Price}
		side.Set(*o.Price, level)
	} else {
		level = elem.Value.(*PriceLevel)
	}
	level.Orders = append(level.Orders, o)
	return nil
}

// RemoveOrder takes an order off the book. Returns nil if the order is not
// resting here.
func (b *Book) RemoveOrder(orderID string) *types.Order {
	o, ok := b.orders[orderID]
	if !ok || o.Price == nil {
		return nil
	}
	delete(b.orders, orderID)

	side := b.sideList(o.Side)
	if elem := side.Get(*o.Price); elem != nil {
		level := elem.Value.(*PriceLevel)
		for i, resting := range level.Orders {
			if resting.OrderID == orderID {
				level.Orders = append(level.Orders[:i], level.Orders[i+1:]...)
				break
			}
		}
		if level.IsEmpty() {
			side.Remove(*o.Price)
		}
	}
	return o
}

// GetOrder returns a resting order by ID, or nil.
func (b *Book) GetOrder(orderID string) *types.Order {
	return b.orders[orderID]
}

// BestBid returns the highest bid price. ok is false when there are no bids.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	if front := b.bids.Front(); front != nil {
		return front.Value.(*PriceLevel).Price, true
	}
	return decimal.Zero, false
}

// BestAsk returns the lowest ask price. ok is false when there are no asks.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	if front := b.asks.Front(); front != nil {
		return front.Value.(*PriceLevel).Price, true
	}
	return decimal.Zero, false
}

// BestLevel returns the top-of-book level on the given side, or nil.
func (b *Book) BestLevel(side types.Side) *PriceLevel {
	if front := b.sideList(side).Front(); front != nil {
		return front.Value.(*PriceLevel)
	}
	return nil
}

// Spread returns ask minus bid. ok is false unless both sides are present.
func (b *Book) Spread() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Zero, false
	}
	return ask.Sub(bid), true
}

// MidPrice returns the midpoint of the best bid and ask.
func (b *Book) MidPrice() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// Depth returns up to levels aggregated price levels per side, best first.
func (b *Book) Depth(levels int) (bids, asks []types.OrderBookLevel) {
	bids = collectDepth(b.bids, levels)
	asks = collectDepth(b.asks, levels)
	return bids, asks
}

func collectDepth(list *skiplist.SkipList, levels int) []types.OrderBookLevel {
	out := make([]types.OrderBookLevel, 0, levels)
	for elem := list.Front(); elem != nil && len(out) < levels; elem = elem.Next() {
		level := elem.Value.(*PriceLevel)
		out = append(out, types.OrderBookLevel{
			Price:    level.Price,
			Quantity: level.TotalQuantity(),
		})
	}
	return out
}

// VolumeAtPrice returns the total resting quantity at one price on one side.
func (b *Book) VolumeAtPrice(price decimal.Decimal, side types.Side) decimal.Decimal {
	if elem := b.sideList(side).Get(price); elem != nil {
		return elem.Value.(*PriceLevel).TotalQuantity()
	}
	return decimal.Zero
}

// AvailableQuantity sums the liquidity resting on the given side that a
// taker with the given limit could reach. A nil limit means any price
// (market order). For the ask side the limit is a ceiling, for the bid side
// a floor. Used for fill-or-kill admission.
func (b *Book) AvailableQuantity(side types.Side, limit *decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for elem := b.sideList(side).Front(); elem != nil; elem = elem.Next() {
		level := elem.Value.(*PriceLevel)
		if limit != nil {
			if side == types.SELL && level.Price.GreaterThan(*limit) {
				break
			}
			if side == types.BUY && level.Price.LessThan(*limit) {
				break
			}
		}
		total = total.Add(level.TotalQuantity())
	}
	return total
}

// OrderCount returns the number of orders resting on the book.
func (b *Book) OrderCount() int { return len(b.orders) }

// Clear drops every resting order.
func (b *Book) Clear() {
	b.bids.Init()
	b.asks.Init()
	b.orders = make(map[string]*types.Order)
}

func (b *Book) sideList(side types.Side) *skiplist.SkipList {
	if side == types.BUY {
		return b.bids
	}
	return b.asks
}
