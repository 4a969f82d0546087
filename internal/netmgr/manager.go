package netmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"exchange-sim/internal/config"
	"exchange-sim/pkg/types"
)

const (
	writeTimeout  = 10 * time.Second
	messageBuffer = 256
	tickerChannel = "TICKER"
)

// ConnectionHealth is a point-in-time view of the connection state.
type ConnectionHealth struct {
	WSConnected       bool
	HeartbeatHealthy  bool
	ConnectionHealthy bool
}

// Manager owns the client's network stack: the WebSocket connection with
// heartbeat and idle detection, sequence tracking on market data, and REST
// reconciliation through the shared rate limiter.
//
// A connection is treated as silent when the heartbeat goes unanswered or no
// frame arrives within the idle timeout. Recovery then disconnects,
// backfills price history for every subscribed symbol, reconnects with
// exponential backoff, and re-subscribes.
type Manager struct {
	baseURL   string
	wsURL     string
	sessionID string
	cfg       config.ClientConfig
	logger    *slog.Logger

	limiter    *RestRateLimiter
	tracker    *SequenceTracker
	reconciler *Reconciler
	heartbeat  *Heartbeat

	connMu sync.Mutex
	conn   *websocket.Conn

	mu            sync.Mutex
	connected     bool
	healthy       bool
	subscriptions map[string]map[string]bool // channel -> symbols
	lastMarketTS  map[string]time.Time
	lastMessage   time.Time
	recovering    bool

	msgCh   chan []byte
	dropped int64

	onConnectionChange func(connected bool)

	ctx    context.Context
	cancel context.CancelFunc

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc
}

// NewManager builds the network stack for one session. Reconciliation
// results flow through callbacks; connection state changes through
// onConnectionChange. Both may be nil.
func NewManager(baseURL, sessionID string, cfg config.ClientConfig, callbacks ReconcileCallbacks, onConnectionChange func(bool), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	limiter := NewRestRateLimiter(
		cfg.RateLimitProactive,
		time.Minute,
		secs(cfg.RateLimitInitialBackoff),
		secs(cfg.RateLimitMaxBackoff),
		cfg.RateLimitBackoffMultiple,
	)

	m := &Manager{
		baseURL:            baseURL,
		wsURL:              strings.Replace(baseURL, "http", "ws", 1) + "/ws",
		sessionID:          sessionID,
		cfg:                cfg,
		logger:             logger.With("component", "netmgr"),
		limiter:            limiter,
		tracker:            NewSequenceTracker(),
		healthy:            true,
		subscriptions:      make(map[string]map[string]bool),
		lastMarketTS:       make(map[string]time.Time),
		msgCh:              make(chan []byte, messageBuffer),
		onConnectionChange: onConnectionChange,
		ctx:                ctx,
		cancel:             cancel,
	}
	m.reconciler = NewReconciler(baseURL, sessionID, limiter, callbacks, logger)
	m.heartbeat = NewHeartbeat(
		secs(cfg.HeartbeatInterval),
		secs(cfg.HeartbeatTimeout),
		m.writeFrame,
		m.onHeartbeatChange,
		logger,
	)
	return m
}

func secs(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// Messages returns the stream of raw frames received from the server.
// Protocol frames (PONG, sequence tracking) are handled internally before
// delivery; slow consumers lose frames rather than stalling the read loop.
func (m *Manager) Messages() <-chan []byte { return m.msgCh }

// Reconciler exposes the REST reconciler for direct, session-scoped calls.
func (m *Manager) Reconciler() *Reconciler { return m.reconciler }

// SequenceExpected reports the next expected sequence ID for a stream.
func (m *Manager) SequenceExpected(channel, symbol string) int64 {
	return m.tracker.Expected(channel, symbol)
}

// Connect dials the WebSocket and starts the heartbeat, idle monitor, and
// read loop.
func (m *Manager) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", m.wsURL, err)
	}

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()

	m.mu.Lock()
	m.connected = true
	m.lastMessage = time.Now()
	m.mu.Unlock()

	m.heartbeat.Start(m.ctx)
	m.startIdleMonitor()
	go m.readLoop(conn)

	m.logger.Info("websocket connected", "url", m.wsURL)
	return nil
}

// Disconnect stops the heartbeat and idle monitor and closes the socket.
func (m *Manager) Disconnect() {
	m.stopIdleMonitor()
	m.heartbeat.Stop()

	m.connMu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connMu.Unlock()

	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

// Close shuts the manager down for good; no recovery runs afterwards.
func (m *Manager) Close() {
	m.cancel()
	m.Disconnect()
}

// Send marshals and writes a frame. SUBSCRIBE and UNSUBSCRIBE are tracked so
// recovery can restore the subscription set.
func (m *Manager) Send(msg any) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	m.trackSubscription(frame)
	return m.writeFrame(frame)
}

// Subscribe sends a SUBSCRIBE for one (channel, symbol) stream.
func (m *Manager) Subscribe(channel types.Channel, symbol string) error {
	return m.Send(types.SubscribeMessage{
		Header:  types.NewHeader(types.MsgSubscribe, uuid.NewString()),
		Channel: channel,
		Symbol:  symbol,
	})
}

// Unsubscribe sends an UNSUBSCRIBE for one (channel, symbol) stream.
func (m *Manager) Unsubscribe(channel types.Channel, symbol string) error {
	return m.Send(types.UnsubscribeMessage{
		Header:  types.NewHeader(types.MsgUnsubscribe, uuid.NewString()),
		Channel: channel,
		Symbol:  symbol,
	})
}

// Health reports the current connection state.
func (m *Manager) Health() ConnectionHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	hb := m.heartbeat.Healthy()
	return ConnectionHealth{
		WSConnected:       m.connected && hb,
		HeartbeatHealthy:  hb,
		ConnectionHealthy: m.healthy,
	}
}

// DroppedFrames counts frames lost to a slow Messages consumer.
func (m *Manager) DroppedFrames() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func (m *Manager) writeFrame(frame []byte) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	m.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return m.conn.WriteMessage(websocket.TextMessage, frame)
}

func (m *Manager) trackSubscription(frame []byte) {
	var msg struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
		Symbol  string `json:"symbol"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil || msg.Channel == "" || msg.Symbol == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch msg.Type {
	case string(types.MsgSubscribe):
		if m.subscriptions[msg.Channel] == nil {
			m.subscriptions[msg.Channel] = make(map[string]bool)
		}
		m.subscriptions[msg.Channel][msg.Symbol] = true
	case string(types.MsgUnsubscribe):
		delete(m.subscriptions[msg.Channel], msg.Symbol)
	}
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.mu.Lock()
			wasConnected := m.connected
			m.connected = false
			m.mu.Unlock()
			if wasConnected {
				m.logger.Warn("websocket closed", "error", err)
				go m.recover()
			}
			return
		}
		m.handleFrame(raw)
	}
}

func (m *Manager) handleFrame(raw []byte) {
	m.mu.Lock()
	m.lastMessage = time.Now()
	m.mu.Unlock()

	var env struct {
		Type       string    `json:"type"`
		RequestID  string    `json:"request_id"`
		Symbol     string    `json:"symbol"`
		SequenceID *int64    `json:"sequence_id"`
		Timestamp  time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &env); err == nil {
		switch env.Type {
		case string(types.MsgPong):
			m.heartbeat.HandlePong(env.RequestID)
		case string(types.MsgMarketData):
			m.trackMarketData(env.Symbol, env.SequenceID, env.Timestamp)
		}
	}

	select {
	case m.msgCh <- raw:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		m.logger.Warn("message channel full, dropping frame")
	}
}

func (m *Manager) trackMarketData(symbol string, sequenceID *int64, ts time.Time) {
	if !m.cfg.ReconciliationEnabled || sequenceID == nil {
		return
	}
	if gap, ok := m.tracker.Update(tickerChannel, symbol, *sequenceID); ok {
		m.logger.Warn("sequence gap detected", "gap", gap.String())
		go func() {
			if err := m.reconciler.MarketData(m.ctx, symbol); err != nil {
				m.logger.Error("gap reconciliation failed", "symbol", symbol, "error", err)
			}
		}()
	}
	if !ts.IsZero() {
		m.mu.Lock()
		m.lastMarketTS[symbol] = ts
		m.mu.Unlock()
	}
}

func (m *Manager) onHeartbeatChange(healthy bool) {
	m.mu.Lock()
	m.healthy = healthy
	m.mu.Unlock()

	if !healthy {
		m.logger.Warn("heartbeat unhealthy, treating connection as silent")
		go m.recover()
	}
}

// ————————————————————————————————————————————————————————————————————————
// Idle monitoring and recovery
// ————————————————————————————————————————————————————————————————————————

func (m *Manager) startIdleMonitor() {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	if m.monitorCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.monitorCancel = cancel
	go m.idleMonitor(ctx)
}

func (m *Manager) stopIdleMonitor() {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}
}

// idleMonitor catches connections that die without a close frame faster
// than the heartbeat interval would.
func (m *Manager) idleMonitor(ctx context.Context) {
	idle := secs(m.cfg.IdleTimeout)
	interval := idle / 2
	if interval < 500*time.Millisecond {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			connected := m.connected
			elapsed := time.Since(m.lastMessage)
			m.mu.Unlock()
			if !connected {
				return
			}
			if elapsed > idle {
				m.logger.Warn("connection idle, treating as silent",
					"elapsed", elapsed, "idle_timeout", idle)
				go m.recover()
				return
			}
		}
	}
}

// recover runs the silent-connection procedure: disconnect, backfill price
// history for subscribed symbols, reconnect with backoff, re-subscribe.
// Only one recovery runs at a time.
func (m *Manager) recover() {
	m.mu.Lock()
	if m.recovering {
		m.mu.Unlock()
		return
	}
	m.recovering = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.recovering = false
		m.mu.Unlock()
	}()

	if m.ctx.Err() != nil {
		return
	}

	if m.onConnectionChange != nil {
		m.onConnectionChange(false)
	}

	m.Disconnect()
	m.backfillPriceHistory()
	m.reconnect()
}

// backfillPriceHistory fetches the price points missed while the connection
// was silent, starting from the last market data timestamp per symbol.
func (m *Manager) backfillPriceHistory() {
	if !m.cfg.ReconciliationEnabled {
		return
	}

	m.mu.Lock()
	symbols := make(map[string]time.Time)
	for _, set := range m.subscriptions {
		for symbol := range set {
			symbols[symbol] = m.lastMarketTS[symbol]
		}
	}
	m.mu.Unlock()

	if len(symbols) == 0 {
		return
	}

	now := time.Now().UTC()
	for symbol, start := range symbols {
		if err := m.reconciler.PriceHistory(m.ctx, symbol, start, now, m.cfg.PriceHistoryLimit); err != nil {
			m.logger.Error("price history backfill failed", "symbol", symbol, "error", err)
		}
	}
}

func (m *Manager) reconnect() {
	delay := secs(m.cfg.ReconnectInitialBackoff)
	maxDelay := secs(m.cfg.ReconnectMaxBackoff)

	for attempt := 1; attempt <= m.cfg.ReconnectMaxAttempts; attempt++ {
		if m.ctx.Err() != nil {
			return
		}
		m.logger.Info("reconnecting", "attempt", attempt, "max_attempts", m.cfg.ReconnectMaxAttempts)

		if err := m.Connect(m.ctx); err == nil {
			m.mu.Lock()
			m.healthy = true
			m.mu.Unlock()
			m.resubscribe()
			m.logger.Info("reconnect successful")
			if m.onConnectionChange != nil {
				m.onConnectionChange(true)
			}
			return
		}

		if err := sleepCtx(m.ctx, delay); err != nil {
			return
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	m.logger.Error("reconnect failed, giving up", "attempts", m.cfg.ReconnectMaxAttempts)
}

func (m *Manager) resubscribe() {
	m.mu.Lock()
	subs := make(map[string][]string, len(m.subscriptions))
	for channel, set := range m.subscriptions {
		for symbol := range set {
			subs[channel] = append(subs[channel], symbol)
		}
	}
	m.mu.Unlock()

	for channel, symbols := range subs {
		for _, symbol := range symbols {
			msg := types.SubscribeMessage{
				Header:  types.NewHeader(types.MsgSubscribe, "resub_"+uuid.NewString()),
				Channel: types.Channel(channel),
				Symbol:  symbol,
			}
			if err := m.Send(msg); err != nil {
				m.logger.Warn("resubscribe failed", "channel", channel, "symbol", symbol, "error", err)
			}
		}
	}
}
