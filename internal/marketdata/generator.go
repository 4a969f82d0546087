package marketdata

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"exchange-sim/pkg/types"
)

// historyCapacity bounds the per-symbol price history ring.
const historyCapacity = 10000

// spreadFactor sizes the synthetic bid/ask spread as a fraction of the last
// price, half on each side.
var spreadFactor = decimal.NewFromFloat(0.0001)

// PricePoint is one entry of the price history.
type PricePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
}

// Generator simulates the market for one symbol. Safe for concurrent use.
type Generator struct {
	mu           sync.Mutex
	symbol       string
	currentPrice decimal.Decimal
	tickInterval time.Duration
	model        PriceModel
	rng          *rand.Rand

	high24h   decimal.Decimal
	low24h    decimal.Decimal
	volume24h decimal.Decimal
	sequence  int64

	history []PricePoint // ring buffer, historyHead is the next write slot
	head    int
	filled  bool
}

// NewGenerator creates a generator at the given starting price. The rng
// drives simulated trade sizing; the model carries its own source.
func NewGenerator(symbol string, initialPrice decimal.Decimal, tickInterval time.Duration, model PriceModel, rng *rand.Rand) *Generator {
	g := &Generator{
		symbol:       symbol,
		currentPrice: initialPrice,
		tickInterval: tickInterval,
		model:        model,
		rng:          rng,
		high24h:      initialPrice,
		low24h:       initialPrice,
		volume24h:    decimal.Zero,
		history:      make([]PricePoint, historyCapacity),
	}
	g.recordPoint(initialPrice, time.Now().UTC())
	return g
}

// Symbol returns the symbol this generator simulates.
func (g *Generator) Symbol() string { return g.symbol }

// TickInterval returns the configured time between ticks.
func (g *Generator) TickInterval() time.Duration { return g.tickInterval }

// CurrentPrice returns the latest simulated price.
func (g *Generator) CurrentPrice() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentPrice
}

// SetPrice overrides the simulated price.
func (g *Generator) SetPrice(price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.currentPrice = price
	g.recordPoint(price, time.Now().UTC())
}

// Tick advances the price one step and returns the ticker message for it.
// SequenceID increments by exactly one per call.
func (g *Generator) Tick() *types.MarketDataMessage {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := g.model.NextPrice(g.currentPrice)
	g.currentPrice = next
	if next.GreaterThan(g.high24h) {
		g.high24h = next
	}
	if next.LessThan(g.low24h) {
		g.low24h = next
	}
	g.recordPoint(next, time.Now().UTC())
	g.sequence++
	return g.tickerLocked()
}

// Snapshot returns the current ticker without advancing price or sequence.
func (g *Generator) Snapshot() *types.MarketDataMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tickerLocked()
}

func (g *Generator) tickerLocked() *types.MarketDataMessage {
	spread := g.currentPrice.Mul(spreadFactor)
	half := spread.Div(decimal.NewFromInt(2))
	bid := g.currentPrice.Sub(half)
	ask := g.currentPrice.Add(half)
	high := g.high24h
	low := g.low24h

	return &types.MarketDataMessage{
		Header:     types.NewHeader(types.MsgMarketData, ""),
		Symbol:     g.symbol,
		LastPrice:  g.currentPrice,
		Bid:        &bid,
		Ask:        &ask,
		Volume24h:  g.volume24h,
		High24h:    &high,
		Low24h:     &low,
		SequenceID: g.sequence,
	}
}

// GenerateTrade synthesizes a public trade near the current price and
// accrues its quantity into the 24h volume. A zero quantity draws a random
// size between 0.1 and 2.0.
func (g *Generator) GenerateTrade(quantity decimal.Decimal) *types.TradeMessage {
	g.mu.Lock()
	defer g.mu.Unlock()

	if quantity.IsZero() {
		quantity = decimal.NewFromFloat(0.1 + g.rng.Float64()*1.9)
	}
	side := types.BUY
	if g.rng.Float64() < 0.5 {
		side = types.SELL
	}
	variation := g.currentPrice.InexactFloat64() * (g.rng.Float64()*0.0002 - 0.0001)
	price := g.currentPrice.Add(decimal.NewFromFloat(variation))

	g.volume24h = g.volume24h.Add(quantity)

	return &types.TradeMessage{
		Header:   types.NewHeader(types.MsgTrade, ""),
		TradeID:  fmt.Sprintf("TRADE_%d", time.Now().UnixNano()),
		Symbol:   g.symbol,
		Price:    price,
		Quantity: quantity,
		Side:     side,
	}
}

// SpreadAround returns the synthetic bid/ask the generator would quote
// around an arbitrary price.
func (g *Generator) SpreadAround(price decimal.Decimal) (bid, ask decimal.Decimal) {
	half := price.Mul(spreadFactor).Div(decimal.NewFromInt(2))
	return price.Sub(half), price.Add(half)
}

// RecordTrade accrues volume from a real match in the engine.
func (g *Generator) RecordTrade(quantity decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.volume24h = g.volume24h.Add(quantity)
}

// History returns price points within [start, end], oldest first, capped at
// limit. Zero times mean unbounded; limit <= 0 means no cap.
func (g *Generator) History(start, end time.Time, limit int) []PricePoint {
	g.mu.Lock()
	defer g.mu.Unlock()

	var points []PricePoint
	appendPoint := func(p PricePoint) {
		if p.Timestamp.IsZero() {
			return
		}
		if !start.IsZero() && p.Timestamp.Before(start) {
			return
		}
		if !end.IsZero() && p.Timestamp.After(end) {
			return
		}
		points = append(points, p)
	}

	if g.filled {
		for i := 0; i < historyCapacity; i++ {
			appendPoint(g.history[(g.head+i)%historyCapacity])
		}
	} else {
		for i := 0; i < g.head; i++ {
			appendPoint(g.history[i])
		}
	}

	if limit > 0 && len(points) > limit {
		// Keep the most recent points.
		points = points[len(points)-limit:]
	}
	return points
}

func (g *Generator) recordPoint(price decimal.Decimal, ts time.Time) {
	g.history[g.head] = PricePoint{Timestamp: ts, Price: price}
	g.head++
	if g.head == historyCapacity {
		g.head = 0
		g.filled = true
	}
}
