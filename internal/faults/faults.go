// Package faults injects simulated network failures into the message
// pipeline: drops, delays, duplication, reordering, corruption, throttling,
// latency, silent connections, and rate limiting.
//
// Strategies are chained per direction by the Injector. A strategy that
// returns ok=false swallows the frame and short-circuits the rest of the
// chain.
package faults

import (
	"context"
	"fmt"
	"sync"
)

// Direction tags which half of the pipeline a frame is on.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Meta describes the frame being processed. SessionID is the sender for
// inbound frames and the recipient for outbound ones.
type Meta struct {
	SessionID   string
	MessageType string
	Direction   Direction
}

// Strategy is one failure mode. Apply may sleep; it must honor ctx and
// return ok=false when the frame should be swallowed (drop, buffer, or
// cancelled wait).
type Strategy interface {
	Name() string
	Apply(ctx context.Context, frame []byte, meta Meta) ([]byte, bool)
	Reset()
	Stats() map[string]any
}

// Flusher is implemented by strategies that buffer frames (reorder) and can
// surrender them at shutdown.
type Flusher interface {
	Flush() [][]byte
}

// Injector chains strategies over inbound and outbound frames.
type Injector struct {
	mu       sync.RWMutex
	inbound  []Strategy
	outbound []Strategy
	enabled  bool
}

// NewInjector creates an enabled injector with no strategies.
func NewInjector() *Injector {
	return &Injector{enabled: true}
}

// AddInbound appends a strategy to the inbound chain.
func (inj *Injector) AddInbound(s Strategy) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	inj.inbound = append(inj.inbound, s)
}

// AddOutbound appends a strategy to the outbound chain.
func (inj *Injector) AddOutbound(s Strategy) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	inj.outbound = append(inj.outbound, s)
}

// ClearStrategies removes every strategy from both chains.
func (inj *Injector) ClearStrategies() {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	inj.inbound = nil
	inj.outbound = nil
}

// ResetStrategies resets the state of every strategy.
func (inj *Injector) ResetStrategies() {
	inj.mu.RLock()
	defer inj.mu.RUnlock()
	for _, s := range inj.inbound {
		s.Reset()
	}
	for _, s := range inj.outbound {
		s.Reset()
	}
}

// Enable turns failure injection on.
func (inj *Injector) Enable() {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	inj.enabled = true
}

// Disable turns failure injection off; frames pass through untouched.
func (inj *Injector) Disable() {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	inj.enabled = false
}

// Enabled reports whether injection is active.
func (inj *Injector) Enabled() bool {
	inj.mu.RLock()
	defer inj.mu.RUnlock()
	return inj.enabled
}

// InjectInbound runs the inbound chain over a frame. ok=false means the
// frame was swallowed.
func (inj *Injector) InjectInbound(ctx context.Context, frame []byte, sessionID, messageType string) ([]byte, bool) {
	return inj.run(ctx, frame, Meta{SessionID: sessionID, MessageType: messageType, Direction: Inbound})
}

// InjectOutbound runs the outbound chain over a frame.
func (inj *Injector) InjectOutbound(ctx context.Context, frame []byte, sessionID, messageType string) ([]byte, bool) {
	return inj.run(ctx, frame, Meta{SessionID: sessionID, MessageType: messageType, Direction: Outbound})
}

func (inj *Injector) run(ctx context.Context, frame []byte, meta Meta) ([]byte, bool) {
	inj.mu.RLock()
	chain := inj.inbound
	if meta.Direction == Outbound {
		chain = inj.outbound
	}
	enabled := inj.enabled
	inj.mu.RUnlock()

	if !enabled || len(chain) == 0 {
		return frame, true
	}

	current := frame
	for _, s := range chain {
		next, ok := s.Apply(ctx, current, meta)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// Flush drains buffered frames from every Flusher in the given chain, in
// chain order. Used at shutdown so reorder buffers lose nothing.
func (inj *Injector) Flush(dir Direction) [][]byte {
	inj.mu.RLock()
	chain := inj.inbound
	if dir == Outbound {
		chain = inj.outbound
	}
	inj.mu.RUnlock()

	var out [][]byte
	for _, s := range chain {
		if f, ok := s.(Flusher); ok {
			out = append(out, f.Flush()...)
		}
	}
	return out
}

// StrategyCount returns the number of strategies in a chain.
func (inj *Injector) StrategyCount(dir Direction) int {
	inj.mu.RLock()
	defer inj.mu.RUnlock()
	if dir == Outbound {
		return len(inj.outbound)
	}
	return len(inj.inbound)
}

// Statistics reports per-strategy stats keyed by "<name>_<index>" within
// each direction, plus the enabled flag.
func (inj *Injector) Statistics() map[string]any {
	inj.mu.RLock()
	defer inj.mu.RUnlock()

	inbound := make(map[string]any, len(inj.inbound))
	for i, s := range inj.inbound {
		inbound[fmt.Sprintf("%s_%d", s.Name(), i)] = s.Stats()
	}
	outbound := make(map[string]any, len(inj.outbound))
	for i, s := range inj.outbound {
		outbound[fmt.Sprintf("%s_%d", s.Name(), i)] = s.Stats()
	}
	return map[string]any{
		"enabled":  inj.enabled,
		"inbound":  inbound,
		"outbound": outbound,
	}
}
