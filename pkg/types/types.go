// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the simulator — order and fill
// models, positions, and the WebSocket wire messages. It has no dependencies
// on internal packages, so it can be imported by any layer.
//
// All monetary fields use shopspring/decimal, which marshals to JSON as a
// quoted string; prices and quantities therefore cross the wire as decimal
// strings, never floats.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	LIMIT  OrderType = "LIMIT"  // rests on the book at a limit price
	MARKET OrderType = "MARKET" // takes whatever liquidity is available
)

// TimeInForce controls what happens to the unfilled remainder of an order.
type TimeInForce string

const (
	GTC TimeInForce = "GTC" // Good-Til-Cancelled: remainder rests on the book
	IOC TimeInForce = "IOC" // Immediate-Or-Cancel: remainder is cancelled
	FOK TimeInForce = "FOK" // Fill-Or-Kill: rejected unless fully fillable
)

// OrderStatus is the order lifecycle state. PENDING is the initial state
// before admission; OPEN and PARTIALLY_FILLED are live; FILLED, CANCELLED
// and REJECTED are terminal.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// Order is the exchange-side order record. Price is nil for MARKET orders.
//
// The engine owns every Order; other packages see them only through copies
// or the wire messages derived from them.
type Order struct {
	OrderID        string          `json:"order_id"`
	SessionID      string          `json:"session_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	OrderType      OrderType       `json:"order_type"`
	Price          *decimal.Decimal `json:"price,omitempty"` // nil for MARKET
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Status         OrderStatus     `json:"status"`
	TimeInForce    TimeInForce     `json:"time_in_force"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RemainingQuantity returns the unfilled portion of the order.
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsFilled reports whether the order is completely filled.
func (o *Order) IsFilled() bool {
	return o.FilledQuantity.GreaterThanOrEqual(o.Quantity)
}

// Fill applies an execution of the given quantity to the order and advances
// the status to PARTIALLY_FILLED or FILLED.
func (o *Order) Fill(quantity decimal.Decimal) error {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("fill quantity must be positive, got %s", quantity)
	}
	if quantity.GreaterThan(o.RemainingQuantity()) {
		return fmt.Errorf("fill quantity %s exceeds remaining %s", quantity, o.RemainingQuantity())
	}

	o.FilledQuantity = o.FilledQuantity.Add(quantity)
	o.UpdatedAt = time.Now().UTC()

	if o.IsFilled() {
		o.Status = StatusFilled
	} else if o.FilledQuantity.GreaterThan(decimal.Zero) {
		o.Status = StatusPartiallyFilled
	}
	return nil
}

// Cancel marks the order CANCELLED. Orders that are already FILLED or
// CANCELLED cannot be cancelled again.
func (o *Order) Cancel() error {
	if o.Status == StatusFilled || o.Status == StatusCancelled {
		return fmt.Errorf("cannot cancel order with status %s", o.Status)
	}
	o.Status = StatusCancelled
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Reject marks the order REJECTED.
func (o *Order) Reject() {
	o.Status = StatusRejected
	o.UpdatedAt = time.Now().UTC()
}

// Fill is a single trade execution. A match produces two fills, one for the
// taker and one for the maker, both at the maker's price.
type Fill struct {
	FillID    string          `json:"fill_id"`
	OrderID   string          `json:"order_id"`
	SessionID string          `json:"session_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
	IsMaker   bool            `json:"is_maker"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Position tracks a signed per-symbol position with average entry price and
// realized PnL. Quantity is positive for long, negative for short.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// UpdateOnFill folds a fill into the position.
//
// Reducing fills realize PnL against the average entry price. Fills that
// flip the position through zero reset the average price to the fill price;
// fills that add to the position blend it by quantity-weighted average.
func (p *Position) UpdateOnFill(fill *Fill) {
	fillQty := fill.Quantity
	if fill.Side == SELL {
		fillQty = fill.Quantity.Neg()
	}

	if (p.Quantity.IsPositive() && fillQty.IsNegative()) ||
		(p.Quantity.IsNegative() && fillQty.IsPositive()) {
		closingQty := decimal.Min(fillQty.Abs(), p.Quantity.Abs())
		pnl := closingQty.Mul(fill.Price.Sub(p.AveragePrice))
		if p.Quantity.IsNegative() {
			pnl = pnl.Neg()
		}
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
	}

	oldQty := p.Quantity
	newQty := p.Quantity.Add(fillQty)

	increasing := (!oldQty.IsNegative() && newQty.GreaterThan(oldQty)) ||
		(!oldQty.IsPositive() && newQty.LessThan(oldQty))
	flipping := oldQty.Mul(newQty).IsNegative()

	if (increasing || flipping) && !newQty.IsZero() {
		if oldQty.Mul(newQty).LessThanOrEqual(decimal.Zero) {
			// Flipping through zero or opening from flat.
			p.AveragePrice = fill.Price
		} else {
			totalValue := oldQty.Abs().Mul(p.AveragePrice).Add(fillQty.Abs().Mul(fill.Price))
			p.AveragePrice = totalValue.Div(newQty.Abs())
		}
	}

	p.Quantity = newQty
}

// CalculateUnrealizedPnL recomputes and stores unrealized PnL at the given
// mark price.
func (p *Position) CalculateUnrealizedPnL(currentPrice decimal.Decimal) decimal.Decimal {
	if p.Quantity.IsZero() {
		p.UnrealizedPnL = decimal.Zero
	} else {
		p.UnrealizedPnL = p.Quantity.Mul(currentPrice.Sub(p.AveragePrice))
	}
	return p.UnrealizedPnL
}
