// Exchange simulator client: a command-line harness for exercising the
// simulator over REST and WebSocket.
//
// Two modes:
//
//	--scenarios   runs scripted flows (basic trading, market data streaming,
//	              rapid order placement) against a running server and prints
//	              the results
//	default       watches market data for one symbol through the network
//	              manager, logging prices, sequence gaps, reconciliation
//	              results, and connection state changes
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"

	"exchange-sim/internal/config"
	"exchange-sim/internal/netmgr"
	"exchange-sim/pkg/types"
)

func main() {
	baseURL := flag.String("base-url", "http://localhost:8765", "server base URL")
	symbol := flag.String("symbol", "BTC/USD", "trading symbol to watch")
	sessionID := flag.String("session", "client", "session id sent with every request")
	scenarios := flag.Bool("scenarios", false, "run testing scenarios instead of watching")
	cfgPath := flag.String("config", "", "optional JSON config file for client tuning")
	flag.Parse()

	clientCfg := config.Default().Client
	if *cfgPath != "" {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			slog.Error("failed to load config", "error", err, "path", *cfgPath)
			os.Exit(1)
		}
		clientCfg = cfg.Client
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if *scenarios {
		if err := runScenarios(*baseURL); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := watch(*baseURL, *sessionID, *symbol, clientCfg, logger); err != nil {
		logger.Error("watch failed", "error", err)
		os.Exit(1)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Watch mode
// ————————————————————————————————————————————————————————————————————————

// watch subscribes to the ticker stream and logs what the network manager
// observes until interrupted.
func watch(baseURL, sessionID, symbol string, cfg config.ClientConfig, logger *slog.Logger) error {
	callbacks := netmgr.ReconcileCallbacks{
		OnMarketData: func(sym string, snap netmgr.TickerSnapshot) {
			logger.Info("reconciled market data",
				"symbol", sym, "last_price", snap.LastPrice, "sequence_id", snap.SequenceID)
		},
		OnPriceHistory: func(sym string, points []netmgr.PricePoint) {
			logger.Info("backfilled price history", "symbol", sym, "points", len(points))
		},
		OnOrders: func(orders []netmgr.OrderSummary) {
			logger.Info("reconciled orders", "count", len(orders))
		},
		OnBalance: func(balances map[string]string) {
			logger.Info("reconciled balance", "balances", balances)
		},
	}

	mgr := netmgr.NewManager(baseURL, sessionID, cfg, callbacks, func(connected bool) {
		if connected {
			logger.Info("connection restored")
		} else {
			logger.Warn("connection lost, recovering")
		}
	}, logger)
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Connect(ctx); err != nil {
		return err
	}
	if err := mgr.Subscribe(types.ChannelTicker, symbol); err != nil {
		return err
	}
	logger.Info("watching", "symbol", symbol, "url", baseURL)

	statusTicker := time.NewTicker(10 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-statusTicker.C:
			h := mgr.Health()
			logger.Info("connection health",
				"ws_connected", h.WSConnected,
				"heartbeat_healthy", h.HeartbeatHealthy,
				"connection_healthy", h.ConnectionHealthy,
				"dropped_frames", mgr.DroppedFrames(),
				"next_seq", mgr.SequenceExpected("TICKER", symbol))
		case raw := <-mgr.Messages():
			logFrame(logger, raw)
		}
	}
}

func logFrame(logger *slog.Logger, raw []byte) {
	var msg struct {
		Type       string `json:"type"`
		Symbol     string `json:"symbol"`
		LastPrice  string `json:"last_price"`
		SequenceID int64  `json:"sequence_id"`
		Code       string `json:"code"`
		Message    string `json:"message"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Warn("unparseable frame", "raw", string(raw))
		return
	}
	switch msg.Type {
	case string(types.MsgMarketData):
		logger.Info("tick", "symbol", msg.Symbol, "price", msg.LastPrice, "seq", msg.SequenceID)
	case string(types.MsgError):
		logger.Warn("server error", "code", msg.Code, "message", msg.Message)
	case string(types.MsgSubscribed), string(types.MsgPong):
		// routine protocol traffic
	default:
		logger.Info("frame", "type", msg.Type)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Scenario mode
// ————————————————————————————————————————————————————————————————————————

type scenarioClient struct {
	http *resty.Client
}

func newScenarioClient(baseURL, sessionID string) *scenarioClient {
	return &scenarioClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetHeader("X-Session-ID", sessionID).
			SetHeader("Content-Type", "application/json"),
	}
}

func (c *scenarioClient) balance() (map[string]string, error) {
	var result struct {
		Balances map[string]string `json:"balances"`
	}
	resp, err := c.http.R().SetResult(&result).Get("/api/v1/balance")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("balance: status %d", resp.StatusCode())
	}
	return result.Balances, nil
}

func (c *scenarioClient) ticker(symbol string) (netmgr.TickerSnapshot, error) {
	var snap netmgr.TickerSnapshot
	resp, err := c.http.R().SetQueryParam("symbol", symbol).SetResult(&snap).Get("/api/v1/ticker")
	if err != nil {
		return snap, err
	}
	if resp.StatusCode() != http.StatusOK {
		return snap, fmt.Errorf("ticker %s: status %d", symbol, resp.StatusCode())
	}
	return snap, nil
}

func (c *scenarioClient) placeOrder(symbol, side, orderType, quantity, price string) (netmgr.OrderSummary, error) {
	body := map[string]string{
		"symbol":   symbol,
		"side":     side,
		"type":     orderType,
		"quantity": quantity,
	}
	if price != "" {
		body["price"] = price
	}
	var order netmgr.OrderSummary
	resp, err := c.http.R().SetBody(body).SetResult(&order).Post("/api/v1/orders")
	if err != nil {
		return order, err
	}
	if resp.StatusCode() != http.StatusCreated {
		return order, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return order, nil
}

func (c *scenarioClient) orders(status string) ([]netmgr.OrderSummary, error) {
	var result struct {
		Orders []netmgr.OrderSummary `json:"orders"`
	}
	req := c.http.R().SetResult(&result)
	if status != "" {
		req.SetQueryParam("status", status)
	}
	resp, err := req.Get("/api/v1/orders")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("orders: status %d", resp.StatusCode())
	}
	return result.Orders, nil
}

func (c *scenarioClient) cancelOrder(orderID string) bool {
	resp, err := c.http.R().Delete("/api/v1/orders/" + orderID)
	return err == nil && resp.StatusCode() == http.StatusOK
}

func banner(title string) {
	fmt.Println()
	fmt.Println("============================================================")
	fmt.Println("SCENARIO:", title)
	fmt.Println("============================================================")
}

func runScenarios(baseURL string) error {
	if err := scenarioBasicTrading(baseURL); err != nil {
		return err
	}
	time.Sleep(time.Second)
	if err := scenarioMarketDataStream(baseURL); err != nil {
		return err
	}
	time.Sleep(time.Second)
	if err := scenarioRapidOrders(baseURL); err != nil {
		return err
	}
	fmt.Println("\nAll scenarios completed")
	return nil
}

func scenarioBasicTrading(baseURL string) error {
	banner("Basic Trading")
	c := newScenarioClient(baseURL, "scenario_basic")

	balance, err := c.balance()
	if err != nil {
		return err
	}
	fmt.Println("Initial balance:", balance)

	snap, err := c.ticker("BTC/USD")
	if err != nil {
		return err
	}
	fmt.Println("Current BTC/USD: $" + snap.LastPrice)

	order, err := c.placeOrder("BTC/USD", "BUY", "LIMIT", "0.1", "49000")
	if err != nil {
		return err
	}
	fmt.Printf("Order placed: %s (%s)\n", order.OrderID, order.Status)

	open, err := c.orders("OPEN")
	if err != nil {
		return err
	}
	fmt.Println("Open orders:", len(open))

	fmt.Println("Order cancelled:", c.cancelOrder(order.OrderID))

	final, err := c.balance()
	if err != nil {
		return err
	}
	fmt.Println("Final balance:", final)
	return nil
}

func scenarioMarketDataStream(baseURL string) error {
	banner("Market Data Streaming")

	mgr := netmgr.NewManager(baseURL, "scenario_stream", config.Default().Client,
		netmgr.ReconcileCallbacks{}, nil, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})))
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := mgr.Connect(ctx); err != nil {
		return err
	}
	fmt.Println("WebSocket connected")
	if err := mgr.Subscribe(types.ChannelTicker, "BTC/USD"); err != nil {
		return err
	}
	fmt.Println("Subscribed to BTC/USD ticker")

	received := 0
	for received < 10 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("stream timed out after %d ticks", received)
		case raw := <-mgr.Messages():
			var msg struct {
				Type      string `json:"type"`
				LastPrice string `json:"last_price"`
			}
			if json.Unmarshal(raw, &msg) == nil && msg.Type == string(types.MsgMarketData) {
				received++
				fmt.Printf("#%d: $%s\n", received, msg.LastPrice)
			}
		}
	}
	fmt.Println("Stream complete")
	return nil
}

func scenarioRapidOrders(baseURL string) error {
	banner("Rapid Order Placement")
	c := newScenarioClient(baseURL, "scenario_rapid")

	snap, err := c.ticker("BTC/USD")
	if err != nil {
		return err
	}
	basePrice, err := strconv.ParseFloat(snap.LastPrice, 64)
	if err != nil {
		return fmt.Errorf("parse last price %q: %w", snap.LastPrice, err)
	}

	var placed []string
	for i := 0; i < 5; i++ {
		price := strconv.Itoa(int(basePrice) - i*100)
		order, err := c.placeOrder("BTC/USD", "BUY", "LIMIT", "0.1", price)
		if err != nil {
			fmt.Println("Order failed:", err)
			continue
		}
		placed = append(placed, order.OrderID)
		fmt.Printf("Order %d: $%s\n", i+1, price)
	}
	fmt.Printf("\nPlaced %d orders\n", len(placed))

	all, err := c.orders("")
	if err != nil {
		return err
	}
	fmt.Println("Total orders:", len(all))

	for _, id := range placed {
		c.cancelOrder(id)
	}
	fmt.Println("All orders cancelled")
	return nil
}
