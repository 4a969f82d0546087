package marketdata

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"exchange-sim/pkg/types"
)

// TickerHandler receives each generated ticker.
type TickerHandler func(msg *types.MarketDataMessage)

// TradeHandler receives each simulated public trade.
type TradeHandler func(msg *types.TradeMessage)

// Publisher drives all generators: one goroutine per symbol advances the
// price on its tick interval and hands the resulting messages to the
// registered handlers. Handlers must not block; fan-out buffering is the
// session layer's job.
type Publisher struct {
	mu         sync.RWMutex
	generators map[string]*Generator
	onTicker   TickerHandler
	onTrade    TradeHandler
	tradeProb  float64
	seed       int64
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPublisher creates a publisher. tradeProb is the per-tick probability of
// emitting a simulated public trade; seed derives the per-loop randomness.
func NewPublisher(tradeProb float64, seed int64, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		generators: make(map[string]*Generator),
		tradeProb:  tradeProb,
		seed:       seed,
		logger:     logger.With("component", "marketdata"),
	}
}

// SetHandlers installs the message handlers. Must be called before Start.
func (p *Publisher) SetHandlers(onTicker TickerHandler, onTrade TradeHandler) {
	p.onTicker = onTicker
	p.onTrade = onTrade
}

// AddGenerator registers a symbol generator.
func (p *Publisher) AddGenerator(g *Generator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generators[g.Symbol()] = g
}

// Generator returns the generator for a symbol, or nil.
func (p *Publisher) Generator(symbol string) *Generator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.generators[symbol]
}

// RecordTrade accrues matched volume for a symbol. No-op for unknown
// symbols.
func (p *Publisher) RecordTrade(symbol string, quantity decimal.Decimal) {
	if g := p.Generator(symbol); g != nil {
		g.RecordTrade(quantity)
	}
}

// Start launches one tick loop per generator.
func (p *Publisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.mu.RLock()
	defer p.mu.RUnlock()

	i := int64(0)
	for _, g := range p.generators {
		p.wg.Add(1)
		go p.runLoop(ctx, g, p.seed+i)
		i++
	}
	p.logger.Info("market data started", "symbols", len(p.generators))
}

// Stop halts every tick loop and waits for them to exit.
func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("market data stopped")
}

func (p *Publisher) runLoop(ctx context.Context, g *Generator, seed int64) {
	defer p.wg.Done()

	rng := rand.New(rand.NewSource(seed))
	ticker := time.NewTicker(g.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := g.Tick()
			if p.onTicker != nil {
				p.onTicker(msg)
			}
			if p.onTrade != nil && p.tradeProb > 0 && rng.Float64() < p.tradeProb {
				p.onTrade(g.GenerateTrade(decimal.Zero))
			}
		}
	}
}
