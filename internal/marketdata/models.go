// Package marketdata simulates price streams: pluggable price models feed
// per-symbol generators that stamp tickers with gap-detectable sequence ids
// and keep a rolling price history.
package marketdata

import (
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// minPrice is the floor applied by the additive models so prices stay
// positive.
var minPrice = decimal.NewFromFloat(0.01)

// secondsPerYear is a trading year (252 days) in seconds, used to scale
// annualized GBM parameters down to a tick.
const secondsPerYear = 252 * 24 * 60 * 60

// PriceModel produces the next price from the current one. Implementations
// draw from their own *rand.Rand, so a seeded source gives reproducible
// paths.
type PriceModel interface {
	NextPrice(current decimal.Decimal) decimal.Decimal
}

// RandomWalkModel perturbs the price by a zero-mean gaussian proportional to
// the current price.
type RandomWalkModel struct {
	Volatility float64
	rng        *rand.Rand
}

// NewRandomWalkModel creates a random walk with the given per-tick
// volatility fraction.
func NewRandomWalkModel(volatility float64, rng *rand.Rand) *RandomWalkModel {
	return &RandomWalkModel{Volatility: volatility, rng: rng}
}

func (m *RandomWalkModel) NextPrice(current decimal.Decimal) decimal.Decimal {
	change := current.InexactFloat64() * m.Volatility * m.rng.NormFloat64()
	next := current.Add(decimal.NewFromFloat(change))
	return decimal.Max(next, minPrice)
}

// GBMModel is geometric Brownian motion:
//
//	S_t = S_{t-1} * exp((mu - sigma^2/2)*dt + sigma*sqrt(dt)*Z)
//
// Drift and Volatility are annualized; dt is the tick interval expressed in
// trading years.
type GBMModel struct {
	Drift      float64
	Volatility float64
	dt         float64
	rng        *rand.Rand
}

// NewGBMModel creates a GBM model whose step size is derived from the tick
// interval.
func NewGBMModel(drift, volatility float64, tickInterval time.Duration, rng *rand.Rand) *GBMModel {
	return &GBMModel{
		Drift:      drift,
		Volatility: volatility,
		dt:         tickInterval.Seconds() / secondsPerYear,
		rng:        rng,
	}
}

func (m *GBMModel) NextPrice(current decimal.Decimal) decimal.Decimal {
	driftComponent := (m.Drift - 0.5*m.Volatility*m.Volatility) * m.dt
	shock := m.Volatility * math.Sqrt(m.dt) * m.rng.NormFloat64()
	multiplier := decimal.NewFromFloat(math.Exp(driftComponent + shock))
	return current.Mul(multiplier)
}

// TrendModel drifts the price by a fixed fraction per tick plus gaussian
// noise.
type TrendModel struct {
	Trend      float64
	Volatility float64
	rng        *rand.Rand
}

// NewTrendModel creates a trending model. Positive trend drifts up.
func NewTrendModel(trend, volatility float64, rng *rand.Rand) *TrendModel {
	return &TrendModel{Trend: trend, Volatility: volatility, rng: rng}
}

func (m *TrendModel) NextPrice(current decimal.Decimal) decimal.Decimal {
	cur := current.InexactFloat64()
	change := cur*m.Trend + cur*m.Volatility*m.rng.NormFloat64()
	next := current.Add(decimal.NewFromFloat(change))
	return decimal.Max(next, minPrice)
}
