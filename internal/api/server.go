// Package api runs the simulator's HTTP surface: the REST endpoints, the
// /ws streaming socket, and the rate-limit middleware in front of both.
// New assembles the whole server from config; cmd/server only starts and
// stops it.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"exchange-sim/internal/config"
	"exchange-sim/internal/engine"
	"exchange-sim/internal/faults"
	"exchange-sim/internal/marketdata"
	"exchange-sim/internal/router"
	"exchange-sim/internal/session"
)

// defaultRESTSession identifies REST callers that send no X-Session-ID.
const defaultRESTSession = "rest-session"

// Server owns every moving part of the simulator.
type Server struct {
	cfg       *config.Config
	engine    *engine.Engine
	publisher *marketdata.Publisher
	sessions  *session.Manager
	router    *router.Router
	injector  *faults.Injector
	rateLimit *faults.RateLimitStrategy
	latency   *faults.LatencyStrategy
	server    *http.Server
	logger    *slog.Logger

	cancel  context.CancelFunc
	baseCtx context.Context
}

// New wires the engine, market data, fault pipeline, and HTTP surface from
// config.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	seed := cfg.Exchange.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	balances, err := cfg.Exchange.DefaultBalanceDecimal()
	if err != nil {
		return nil, err
	}
	prices, err := cfg.Exchange.InitialPricesDecimal()
	if err != nil {
		return nil, err
	}

	accounts := engine.NewAccountManager(balances)
	eng := engine.New(cfg.Exchange.Symbols, accounts, logger)

	publisher := marketdata.NewPublisher(cfg.Exchange.TradeProb, seed, logger)
	for i, symbol := range cfg.Exchange.Symbols {
		initial, ok := prices[symbol]
		if !ok {
			return nil, fmt.Errorf("no initial price for %s", symbol)
		}
		model, err := buildModel(cfg.Exchange, rand.New(rand.NewSource(seed+int64(i)+1000)))
		if err != nil {
			return nil, err
		}
		gen := marketdata.NewGenerator(symbol, initial, cfg.Exchange.TickDuration(), model,
			rand.New(rand.NewSource(seed+int64(i)+2000)))
		publisher.AddGenerator(gen)
		eng.SetLastPrice(symbol, initial)
	}

	s := &Server{
		cfg:       cfg,
		engine:    eng,
		publisher: publisher,
		sessions:  session.NewManager(logger),
		router:    router.New(logger),
		logger:    logger.With("component", "api-server"),
		baseCtx:   context.Background(),
	}

	s.buildFaultPipeline(seed)
	router.RegisterAll(s.router, eng, s.sessions, s.pushFill)

	// Real matches feed the public trade stream and 24h volume. The hook
	// runs under the engine lock, so only cheap bookkeeping happens inline.
	eng.SetTradeHook(s.onEngineTrade)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/symbols", s.limited(s.handleSymbols))
	mux.HandleFunc("GET /api/v1/ticker", s.limited(s.handleTicker))
	mux.HandleFunc("POST /api/v1/orders", s.limited(s.handlePlaceOrder))
	mux.HandleFunc("DELETE /api/v1/orders/{id}", s.limited(s.handleCancelOrder))
	mux.HandleFunc("GET /api/v1/orders/{id}", s.limited(s.handleGetOrder))
	mux.HandleFunc("GET /api/v1/orders", s.limited(s.handleGetOrders))
	mux.HandleFunc("GET /api/v1/balance", s.limited(s.handleBalance))
	mux.HandleFunc("GET /api/v1/position", s.limited(s.handlePosition))
	mux.HandleFunc("GET /api/v1/prices", s.limited(s.handlePrices))
	mux.HandleFunc("GET /api/v1/stats", s.limited(s.handleStats))
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s, nil
}

func buildModel(cfg config.ExchangeConfig, rng *rand.Rand) (marketdata.PriceModel, error) {
	pm := cfg.PricingModel
	switch pm.Type {
	case "gbm":
		return marketdata.NewGBMModel(pm.Drift, pm.Volatility, cfg.TickDuration(), rng), nil
	case "trend":
		return marketdata.NewTrendModel(pm.Trend, pm.Volatility, rng), nil
	case "random_walk", "":
		return marketdata.NewRandomWalkModel(pm.Volatility, rng), nil
	}
	return nil, fmt.Errorf("unknown pricing model %q", pm.Type)
}

// buildFaultPipeline assembles the inbound and outbound strategy chains.
// Latency simulation is always present; everything else requires
// failures.enabled plus the individual mode flag.
func (s *Server) buildFaultPipeline(seed int64) {
	inj := faults.NewInjector()
	fcfg := s.cfg.Failures
	rng := func(offset int64) *rand.Rand { return rand.New(rand.NewSource(seed + offset)) }

	mu, sigma := fcfg.Latency.Params()
	s.latency = faults.NewLatencyStrategy(mu, sigma, rng(1))
	outLatency := faults.NewLatencyStrategy(mu, sigma, rng(2))

	// Inbound: Reorder -> Throttle -> Latency -> Delay -> Drop -> RateLimit.
	if m, on := fcfg.Mode("reorder"); on {
		inj.AddInbound(faults.NewReorderStrategy(m.WindowSize, rng(3)))
	}
	if m, on := fcfg.Mode("throttle"); on {
		inj.AddInbound(faults.NewThrottleStrategy(m.MaxMessagesPerSecond))
	}
	inj.AddInbound(s.latency)
	if m, on := fcfg.Mode("delay"); on {
		inj.AddInbound(faults.NewDelayStrategy(
			time.Duration(m.MinMs)*time.Millisecond,
			time.Duration(m.MaxMs)*time.Millisecond, rng(4)))
	}
	if m, on := fcfg.Mode("drop"); on {
		inj.AddInbound(faults.NewDropStrategy(m.Probability, rng(5)))
	}

	if m, on := fcfg.Mode("rate_limit"); on {
		baseline := m.BaselineRPS
		if baseline == 0 {
			baseline = 10
		}
		wait := secondsOr(m.WaitPeriodSeconds, 10)
		ban := secondsOr(m.SecondBanSeconds, 60)
		window := secondsOr(m.ViolationWindowSecs, 60)
		detector := faults.NewHardcodedVolumeDetector(false, 0.5)
		rl, err := faults.NewRateLimitStrategy(baseline, wait, ban, window, detector)
		if err == nil {
			s.rateLimit = rl
			inj.AddInbound(rl)
		} else {
			s.logger.Error("rate limit config rejected", "error", err)
		}
	}

	// Outbound: Duplicate -> Corrupt -> Latency -> Delay -> Silent.
	if m, on := fcfg.Mode("duplicate"); on {
		inj.AddOutbound(faults.NewDuplicateStrategy(m.Probability, m.MaxDuplicates, rng(6)))
	}
	if m, on := fcfg.Mode("corrupt"); on {
		inj.AddOutbound(faults.NewCorruptStrategy(m.Probability, m.CorruptionLevel, rng(7)))
	}
	inj.AddOutbound(outLatency)
	if m, on := fcfg.Mode("delay"); on {
		inj.AddOutbound(faults.NewDelayStrategy(
			time.Duration(m.MinMs)*time.Millisecond,
			time.Duration(m.MaxMs)*time.Millisecond, rng(8)))
	}
	if m, on := fcfg.Mode("silent"); on {
		inj.AddOutbound(faults.NewSilentStrategy(true, m.AfterMessages))
	}

	if !fcfg.Enabled {
		inj.Disable()
	}
	s.injector = inj
}

func secondsOr(v, def int) time.Duration {
	if v == 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// Start launches the market data loops and the HTTP listener. Blocks until
// the listener exits.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.baseCtx = ctx
	s.cancel = cancel

	s.publisher.SetHandlers(s.onTicker, s.onSimulatedTrade)
	s.publisher.Start(ctx)

	s.logger.Info("server starting", "addr", s.server.Addr,
		"symbols", len(s.cfg.Exchange.Symbols), "failures", s.injector.Enabled())

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop shuts the server down: producers first, then sessions, then the
// listener. Reorder buffers are flushed so their statistics are accurate;
// frames held there at shutdown no longer have a live session and are
// logged, not delivered.
func (s *Server) Stop() error {
	s.logger.Info("stopping server")

	s.publisher.Stop()
	if s.cancel != nil {
		s.cancel()
	}

	flushed := len(s.injector.Flush(faults.Inbound)) + len(s.injector.Flush(faults.Outbound))
	if flushed > 0 {
		s.logger.Warn("flushed buffered frames at shutdown", "count", flushed)
	}

	s.sessions.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// limited wraps a REST handler with latency simulation and the rate
// limiter.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := restSession(r)

		// Latency simulation applies to REST even when the injector is off.
		meta := faults.Meta{SessionID: sessionID, MessageType: "REST", Direction: faults.Inbound}
		s.latency.Apply(r.Context(), nil, meta)

		if s.rateLimit != nil {
			allowed, msg, retryAfter := s.rateLimit.Check(sessionID)
			if !allowed {
				if retryAfter != nil {
					w.Header().Set("Retry-After", strconv.Itoa(*retryAfter))
				}
				writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"error":           msg,
					"violation_count": s.rateLimit.ViolationCount(sessionID),
					"retry_after":     retryAfter,
				})
				return
			}
		}
		next(w, r)
	}
}

func restSession(r *http.Request) string {
	if id := r.Header.Get("X-Session-ID"); id != "" {
		return id
	}
	return defaultRESTSession
}
