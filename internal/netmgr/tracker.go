// Package netmgr implements the client side of the simulator protocol: the
// WebSocket connection with application-level heartbeat, per-stream sequence
// tracking with gap detection, REST reconciliation after gaps or outages,
// and client-side rate limiting for the REST surface.
package netmgr

import (
	"fmt"
	"sync"
)

// Gap is a detected hole in a (channel, symbol) sequence stream. Sequences
// StartSeq through EndSeq inclusive were never received.
type Gap struct {
	Channel  string
	Symbol   string
	StartSeq int64
	EndSeq   int64
}

func (g Gap) String() string {
	return fmt.Sprintf("gap %s:%s seq %d..%d", g.Channel, g.Symbol, g.StartSeq, g.EndSeq)
}

// SequenceTracker tracks the next expected sequence ID per (channel, symbol)
// stream. Safe for concurrent use.
type SequenceTracker struct {
	mu       sync.Mutex
	expected map[[2]string]int64
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{expected: make(map[[2]string]int64)}
}

// Update records a received sequence ID. Late or duplicate IDs are ignored.
// When the ID jumps past the expected value the skipped range is returned as
// a Gap and tracking resumes after the received ID.
func (t *SequenceTracker) Update(channel, symbol string, sequenceID int64) (Gap, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := [2]string{channel, symbol}
	expected, ok := t.expected[key]
	if !ok {
		expected = 1
	}

	if sequenceID < expected {
		return Gap{}, false
	}
	t.expected[key] = sequenceID + 1
	if sequenceID > expected {
		return Gap{
			Channel:  channel,
			Symbol:   symbol,
			StartSeq: expected,
			EndSeq:   sequenceID - 1,
		}, true
	}
	return Gap{}, false
}

// Expected returns the next expected sequence ID for a stream (1 for streams
// never seen).
func (t *SequenceTracker) Expected(channel, symbol string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq, ok := t.expected[[2]string{channel, symbol}]; ok {
		return seq
	}
	return 1
}

// Reset forgets one stream, so the next ID received is accepted as-is.
func (t *SequenceTracker) Reset(channel, symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.expected, [2]string{channel, symbol})
}

// ResetAll forgets every stream.
func (t *SequenceTracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expected = make(map[[2]string]int64)
}
