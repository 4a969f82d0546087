package faults

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// sleepCtx sleeps for d unless ctx is cancelled first. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ————————————————————————————————————————————————————————————————————————
// Drop
// ————————————————————————————————————————————————————————————————————————

// DropStrategy swallows frames with a fixed probability.
type DropStrategy struct {
	mu          sync.Mutex
	probability float64
	rng         *rand.Rand
	dropped     int64
}

// NewDropStrategy creates a drop strategy. probability must be in [0, 1].
func NewDropStrategy(probability float64, rng *rand.Rand) *DropStrategy {
	return &DropStrategy{probability: probability, rng: rng}
}

func (s *DropStrategy) Name() string { return "drop" }

func (s *DropStrategy) Apply(_ context.Context, frame []byte, _ Meta) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng.Float64() < s.probability {
		s.dropped++
		return nil, false
	}
	return frame, true
}

func (s *DropStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = 0
}

func (s *DropStrategy) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{"dropped_count": s.dropped}
}

// ————————————————————————————————————————————————————————————————————————
// Delay
// ————————————————————————————————————————————————————————————————————————

// DelayStrategy holds each frame for a uniform random duration.
type DelayStrategy struct {
	mu           sync.Mutex
	minDelay     time.Duration
	maxDelay     time.Duration
	rng          *rand.Rand
	delayedCount int64
	totalDelay   time.Duration
}

// NewDelayStrategy creates a delay strategy with bounds in [min, max].
func NewDelayStrategy(min, max time.Duration, rng *rand.Rand) *DelayStrategy {
	return &DelayStrategy{minDelay: min, maxDelay: max, rng: rng}
}

func (s *DelayStrategy) Name() string { return "delay" }

func (s *DelayStrategy) Apply(ctx context.Context, frame []byte, _ Meta) ([]byte, bool) {
	s.mu.Lock()
	span := s.maxDelay - s.minDelay
	delay := s.minDelay
	if span > 0 {
		delay += time.Duration(s.rng.Float64() * float64(span))
	}
	s.delayedCount++
	s.totalDelay += delay
	s.mu.Unlock()

	if !sleepCtx(ctx, delay) {
		return nil, false
	}
	return frame, true
}

func (s *DelayStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayedCount = 0
	s.totalDelay = 0
}

func (s *DelayStrategy) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	avg := float64(0)
	if s.delayedCount > 0 {
		avg = float64(s.totalDelay.Milliseconds()) / float64(s.delayedCount)
	}
	return map[string]any{
		"delayed_count":    s.delayedCount,
		"total_delay_ms":   s.totalDelay.Milliseconds(),
		"average_delay_ms": avg,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Duplicate
// ————————————————————————————————————————————————————————————————————————

// DuplicateStrategy queues copies of a frame; the queued copies are emitted
// in place of the frames that follow. The substitution is deliberate: the
// peer sees the same payload again where a fresh one was expected.
type DuplicateStrategy struct {
	mu            sync.Mutex
	probability   float64
	maxDuplicates int
	rng           *rand.Rand
	duplicated    int64
	pending       [][]byte
}

// NewDuplicateStrategy creates a duplicate strategy emitting up to
// maxDuplicates copies.
func NewDuplicateStrategy(probability float64, maxDuplicates int, rng *rand.Rand) *DuplicateStrategy {
	if maxDuplicates < 1 {
		maxDuplicates = 1
	}
	return &DuplicateStrategy{probability: probability, maxDuplicates: maxDuplicates, rng: rng}
}

func (s *DuplicateStrategy) Name() string { return "duplicate" }

func (s *DuplicateStrategy) Apply(_ context.Context, frame []byte, _ Meta) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) > 0 {
		head := s.pending[0]
		s.pending = s.pending[1:]
		return head, true
	}

	if s.rng.Float64() < s.probability {
		n := 1 + s.rng.Intn(s.maxDuplicates)
		s.duplicated += int64(n)
		for i := 0; i < n; i++ {
			s.pending = append(s.pending, frame)
		}
	}
	return frame, true
}

func (s *DuplicateStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duplicated = 0
	s.pending = nil
}

func (s *DuplicateStrategy) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{"duplicated_count": s.duplicated}
}

// ————————————————————————————————————————————————————————————————————————
// Reorder
// ————————————————————————————————————————————————————————————————————————

// ReorderStrategy buffers frames until its window fills, then releases a
// random one per incoming frame. Frames are held (ok=false) while the
// window warms up; Flush surrenders whatever is still buffered.
type ReorderStrategy struct {
	mu         sync.Mutex
	windowSize int
	rng        *rand.Rand
	buffer     [][]byte
	reordered  int64
}

// NewReorderStrategy creates a reorder strategy. windowSize below 2 is
// raised to 2.
func NewReorderStrategy(windowSize int, rng *rand.Rand) *ReorderStrategy {
	if windowSize < 2 {
		windowSize = 2
	}
	return &ReorderStrategy{windowSize: windowSize, rng: rng}
}

func (s *ReorderStrategy) Name() string { return "reorder" }

func (s *ReorderStrategy) Apply(_ context.Context, frame []byte, _ Meta) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, frame)
	if len(s.buffer) < s.windowSize {
		return nil, false
	}

	idx := s.rng.Intn(len(s.buffer))
	selected := s.buffer[idx]
	s.buffer = append(s.buffer[:idx], s.buffer[idx+1:]...)
	if idx != 0 {
		s.reordered++
	}
	return selected, true
}

func (s *ReorderStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = nil
	s.reordered = 0
}

// Flush returns and clears the buffered frames.
func (s *ReorderStrategy) Flush() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buffer
	s.buffer = nil
	return out
}

func (s *ReorderStrategy) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"reordered_count": s.reordered,
		"buffered_count":  len(s.buffer),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Corrupt
// ————————————————————————————————————————————————————————————————————————

// CorruptStrategy flips a fraction of a frame's bytes to random printable
// ASCII, usually breaking JSON parsing on the receiving end.
type CorruptStrategy struct {
	mu          sync.Mutex
	probability float64
	level       float64
	rng         *rand.Rand
	corrupted   int64
}

// NewCorruptStrategy creates a corrupt strategy rewriting ceil(len*level)
// bytes of affected frames.
func NewCorruptStrategy(probability, level float64, rng *rand.Rand) *CorruptStrategy {
	return &CorruptStrategy{probability: probability, level: level, rng: rng}
}

func (s *CorruptStrategy) Name() string { return "corrupt" }

func (s *CorruptStrategy) Apply(_ context.Context, frame []byte, _ Meta) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(frame) == 0 || s.rng.Float64() >= s.probability {
		return frame, true
	}
	s.corrupted++

	out := make([]byte, len(frame))
	copy(out, frame)
	n := int(float64(len(out)) * s.level)
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		pos := s.rng.Intn(len(out))
		out[pos] = byte(33 + s.rng.Intn(94)) // printable ASCII 33..126
	}
	return out, true
}

func (s *CorruptStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupted = 0
}

func (s *CorruptStrategy) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{"corrupted_count": s.corrupted}
}

// ————————————————————————————————————————————————————————————————————————
// Throttle
// ————————————————————————————————————————————————————————————————————————

// ThrottleStrategy enforces a minimum interval between frames, delaying any
// frame that arrives too soon after the previous one.
type ThrottleStrategy struct {
	mu          sync.Mutex
	minInterval time.Duration
	next        time.Time
	throttled   int64
}

// NewThrottleStrategy creates a throttle allowing maxPerSecond frames.
func NewThrottleStrategy(maxPerSecond int) *ThrottleStrategy {
	if maxPerSecond < 1 {
		maxPerSecond = 1
	}
	return &ThrottleStrategy{minInterval: time.Second / time.Duration(maxPerSecond)}
}

func (s *ThrottleStrategy) Name() string { return "throttle" }

func (s *ThrottleStrategy) Apply(ctx context.Context, frame []byte, _ Meta) ([]byte, bool) {
	// Reserve the next emission slot under the lock, sleep outside it.
	s.mu.Lock()
	now := time.Now()
	var delay time.Duration
	if now.Before(s.next) {
		delay = s.next.Sub(now)
		s.throttled++
		s.next = s.next.Add(s.minInterval)
	} else {
		s.next = now.Add(s.minInterval)
	}
	s.mu.Unlock()

	if !sleepCtx(ctx, delay) {
		return nil, false
	}
	return frame, true
}

func (s *ThrottleStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = time.Time{}
	s.throttled = 0
}

func (s *ThrottleStrategy) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{"throttled_count": s.throttled}
}

// ————————————————————————————————————————————————————————————————————————
// Latency
// ————————————————————————————————————————————————————————————————————————

// LatencyStrategy adds log-normally distributed latency to every frame.
// Mu and Sigma parameterize the distribution of the delay in microseconds,
// so mu=8 sigma=0.2 yields roughly 3ms and mu=10 sigma=0.5 roughly 22ms at
// the median.
type LatencyStrategy struct {
	mu       sync.Mutex
	logMu    float64
	logSigma float64
	rng      *rand.Rand
	count    int64
	total    time.Duration
}

// NewLatencyStrategy creates a latency strategy from log-normal parameters.
func NewLatencyStrategy(logMu, logSigma float64, rng *rand.Rand) *LatencyStrategy {
	return &LatencyStrategy{logMu: logMu, logSigma: logSigma, rng: rng}
}

func (s *LatencyStrategy) Name() string { return "latency" }

func (s *LatencyStrategy) Apply(ctx context.Context, frame []byte, _ Meta) ([]byte, bool) {
	s.mu.Lock()
	micros := math.Exp(s.logMu + s.logSigma*s.rng.NormFloat64())
	delay := time.Duration(micros * float64(time.Microsecond))
	s.count++
	s.total += delay
	s.mu.Unlock()

	if !sleepCtx(ctx, delay) {
		return nil, false
	}
	return frame, true
}

func (s *LatencyStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count = 0
	s.total = 0
}

func (s *LatencyStrategy) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	avg := float64(0)
	if s.count > 0 {
		avg = float64(s.total.Microseconds()) / float64(s.count) / 1000.0
	}
	return map[string]any{
		"latency_count":      s.count,
		"average_latency_ms": avg,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Silent connection
// ————————————————————————————————————————————————————————————————————————

// SilentStrategy lets a connection go quiet: after a number of frames have
// passed, every further frame is swallowed while the transport stays up.
// The peer sees a live socket that simply stops talking. Counting is per
// session, so one session going silent never affects another.
type SilentStrategy struct {
	mu            sync.Mutex
	enabled       bool
	afterMessages int64
	messageCounts map[string]int64
	droppedCounts map[string]int64
}

// NewSilentStrategy creates a silent-connection strategy that goes quiet
// after afterMessages frames per session.
func NewSilentStrategy(enabled bool, afterMessages int64) *SilentStrategy {
	return &SilentStrategy{
		enabled:       enabled,
		afterMessages: afterMessages,
		messageCounts: make(map[string]int64),
		droppedCounts: make(map[string]int64),
	}
}

func (s *SilentStrategy) Name() string { return "silent" }

func (s *SilentStrategy) Apply(_ context.Context, frame []byte, meta Meta) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messageCounts[meta.SessionID]++
	if s.enabled && s.messageCounts[meta.SessionID] > s.afterMessages {
		s.droppedCounts[meta.SessionID]++
		return nil, false
	}
	return frame, true
}

func (s *SilentStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageCounts = make(map[string]int64)
	s.droppedCounts = make(map[string]int64)
}

// Counts returns how many frames have been seen and dropped across all
// sessions.
func (s *SilentStrategy) Counts() (messages, dropped int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.messageCounts {
		messages += n
	}
	for _, n := range s.droppedCounts {
		dropped += n
	}
	return messages, dropped
}

func (s *SilentStrategy) Stats() map[string]any {
	messages, dropped := s.Counts()
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"message_count": messages,
		"dropped_count": dropped,
		"sessions":      len(s.messageCounts),
	}
}
