// Exchange Simulator — a crypto exchange simulator for testing trading
// clients against realistic market behavior and unreliable networks.
//
// Architecture:
//
//	main.go                — entry point: loads config, starts the server, waits for SIGINT/SIGTERM
//	api/server.go          — wires everything together and serves REST + /ws
//	api/rest.go            — REST handlers (orders, balances, tickers, price history, stats)
//	api/ws.go              — WebSocket read loop, fan-out, fault pipeline hookup
//	engine/engine.go       — matching engine: price-time priority, GTC/IOC/FOK, balances, positions
//	book/book.go           — per-symbol limit order book on skip lists
//	marketdata/            — price models (random walk, GBM, trend) and the tick publisher
//	session/session.go     — WebSocket session registry with per-session send queues
//	router/router.go       — JSON message parsing and dispatch to typed handlers
//	faults/                — failure injection: drop, delay, duplicate, corrupt, reorder,
//	                         throttle, silent, latency, and the server-side rate limiter
//
// What it is for:
//
//	The simulator behaves like a small crypto exchange with deliberately
//	unreliable plumbing. Clients exercise their reconnect, gap-detection,
//	and reconciliation logic against failure modes switched on in config,
//	with deterministic behavior under a fixed seed.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"exchange-sim/internal/api"
	"exchange-sim/internal/config"
)

func main() {
	cfgPath := flag.String("config", "configs/config.json", "path to JSON config file")
	flag.Parse()
	if p := os.Getenv("EXSIM_CONFIG"); p != "" && !flagPassed("config") {
		*cfgPath = p
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	server, err := api.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("exchange simulator started",
		"addr", cfg.Server.Addr(),
		"symbols", cfg.Exchange.Symbols,
		"pricing_model", cfg.Exchange.PricingModel.Type,
		"failures", cfg.Failures.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := server.Stop(); err != nil {
		logger.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig falls back to built-in defaults when the default config file is
// absent, so the server runs out of the box.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && !flagPassed("config") {
		slog.Info("config file not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return config.Load(path)
}

func flagPassed(name string) bool {
	passed := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})
	return passed
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
