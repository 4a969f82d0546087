package netmgr

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"exchange-sim/pkg/types"
)

// Heartbeat sends application-level PINGs over the socket and tracks the
// matching PONGs. A PONG that never arrives within the timeout marks the
// connection unhealthy; any later PONG restores it. Health transitions are
// reported through the onChange callback.
type Heartbeat struct {
	interval time.Duration
	timeout  time.Duration
	send     func([]byte) error
	onChange func(healthy bool)
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
	healthy bool
	cancel  context.CancelFunc
}

func NewHeartbeat(interval, timeout time.Duration, send func([]byte) error, onChange func(bool), logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		interval: interval,
		timeout:  timeout,
		send:     send,
		onChange: onChange,
		logger:   logger.With("component", "heartbeat"),
		pending:  make(map[string]time.Time),
		healthy:  true,
	}
}

// Start launches the ping loop. Stop or ctx cancellation ends it.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()

	go h.loop(ctx)
}

// Stop ends the ping loop and clears pending pings.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.pending = make(map[string]time.Time)
	h.mu.Unlock()
}

// Healthy reports whether the last heartbeat round-trip succeeded.
func (h *Heartbeat) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

// HandlePong settles the ping with the given request ID. Any settled ping
// proves the connection is alive again.
func (h *Heartbeat) HandlePong(requestID string) {
	h.mu.Lock()
	_, ok := h.pending[requestID]
	if ok {
		delete(h.pending, requestID)
	}
	restore := ok && !h.healthy
	if restore {
		h.healthy = true
	}
	h.mu.Unlock()

	if restore && h.onChange != nil {
		h.onChange(true)
	}
}

func (h *Heartbeat) loop(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.ping()
		}
	}
}

func (h *Heartbeat) ping() {
	requestID := uuid.NewString()
	frame, err := json.Marshal(types.PingMessage{Header: types.NewHeader(types.MsgPing, requestID)})
	if err != nil {
		return
	}

	if err := h.send(frame); err != nil {
		h.logger.Warn("ping send failed", "error", err)
		h.markUnhealthy()
		return
	}

	h.mu.Lock()
	h.pending[requestID] = time.Now()
	h.mu.Unlock()

	// Stop clears the pending map, so a timer firing after shutdown finds
	// nothing and stays silent.
	time.AfterFunc(h.timeout, func() {
		h.mu.Lock()
		_, stillPending := h.pending[requestID]
		delete(h.pending, requestID)
		h.mu.Unlock()
		if stillPending {
			h.logger.Warn("pong timeout", "request_id", requestID)
			h.markUnhealthy()
		}
	})
}

func (h *Heartbeat) markUnhealthy() {
	h.mu.Lock()
	flip := h.healthy
	h.healthy = false
	h.mu.Unlock()

	if flip && h.onChange != nil {
		h.onChange(false)
	}
}
