package faults

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// requestWindow is the sliding window the request rate is measured over.
const requestWindow = time.Second

// VolumeDetector reports simulated market activity so the rate limiter can
// tighten limits when the exchange is "busy".
type VolumeDetector interface {
	IsHighVolume() bool
	VolumeMultiplier() float64
}

// HardcodedVolumeDetector is a VolumeDetector with a manually toggled state.
type HardcodedVolumeDetector struct {
	mu         sync.Mutex
	highVolume bool
	multiplier float64
}

// NewHardcodedVolumeDetector creates a detector. multiplier scales the rate
// limit during high volume; zero defaults to 0.5.
func NewHardcodedVolumeDetector(highVolume bool, multiplier float64) *HardcodedVolumeDetector {
	if multiplier == 0 {
		multiplier = 0.5
	}
	return &HardcodedVolumeDetector{highVolume: highVolume, multiplier: multiplier}
}

// IsHighVolume reports the simulated activity state.
func (d *HardcodedVolumeDetector) IsHighVolume() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.highVolume
}

// VolumeMultiplier is 1.0 at normal volume and the configured fraction when
// volume is high.
func (d *HardcodedVolumeDetector) VolumeMultiplier() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.highVolume {
		return d.multiplier
	}
	return 1.0
}

// SetHighVolume toggles the simulated activity state.
func (d *HardcodedVolumeDetector) SetHighVolume(high bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.highVolume = high
}

// RateLimitStrategy enforces a per-session request rate with escalating
// bans: the first violation inside the violation window bans the session
// for the wait period, the second for the longer second-violation ban, and
// the third permanently.
//
// It doubles as a pipeline Strategy so the same policy can police the
// streaming socket.
type RateLimitStrategy struct {
	mu              sync.Mutex
	baselineRPS     int
	waitPeriod      time.Duration
	secondBan       time.Duration
	violationWindow time.Duration
	detector        VolumeDetector

	requests      map[string][]time.Time
	violations    map[string][]time.Time
	bans          map[string]time.Time
	permanentBans map[string]struct{}
	rateLimited   int64
}

// NewRateLimitStrategy creates a rate limiter. baselineRPS must be
// positive; durations must be non-negative.
func NewRateLimitStrategy(baselineRPS int, waitPeriod, secondBan, violationWindow time.Duration, detector VolumeDetector) (*RateLimitStrategy, error) {
	if baselineRPS < 1 {
		return nil, fmt.Errorf("baseline rps must be at least 1, got %d", baselineRPS)
	}
	if waitPeriod < 0 || secondBan < 0 || violationWindow < 0 {
		return nil, fmt.Errorf("ban durations must be non-negative")
	}
	return &RateLimitStrategy{
		baselineRPS:     baselineRPS,
		waitPeriod:      waitPeriod,
		secondBan:       secondBan,
		violationWindow: violationWindow,
		detector:        detector,
		requests:        make(map[string][]time.Time),
		violations:      make(map[string][]time.Time),
		bans:            make(map[string]time.Time),
		permanentBans:   make(map[string]struct{}),
	}, nil
}

func (s *RateLimitStrategy) Name() string { return "rate_limit" }

// Check tests whether a session may make a request now. When not allowed,
// retryAfter is the whole-second wait before the ban lifts; nil means the
// ban is permanent.
func (s *RateLimitStrategy) Check(sessionID string) (allowed bool, errMsg string, retryAfter *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked(sessionID, time.Now())
}

func (s *RateLimitStrategy) checkLocked(sessionID string, now time.Time) (bool, string, *int) {
	if _, banned := s.permanentBans[sessionID]; banned {
		return false, "session permanently banned due to repeated rate limit violations", nil
	}

	if expiry, banned := s.bans[sessionID]; banned {
		if now.Before(expiry) {
			secs := int(math.Ceil(expiry.Sub(now).Seconds()))
			return false, "rate limit exceeded", &secs
		}
		delete(s.bans, sessionID)
	}

	// Prune the request window, then test the effective limit.
	cutoff := now.Add(-requestWindow)
	reqs := s.requests[sessionID]
	kept := reqs[:0]
	for _, t := range reqs {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.requests[sessionID] = kept

	limit := s.baselineRPS
	if s.detector != nil {
		limit = int(float64(s.baselineRPS) * s.detector.VolumeMultiplier())
		if limit < 1 {
			limit = 1
		}
	}

	if len(kept) >= limit {
		s.rateLimited++
		return s.recordViolationLocked(sessionID, now)
	}

	s.requests[sessionID] = append(kept, now)
	return true, "", nil
}

func (s *RateLimitStrategy) recordViolationLocked(sessionID string, now time.Time) (bool, string, *int) {
	vcutoff := now.Add(-s.violationWindow)
	viols := s.violations[sessionID]
	kept := viols[:0]
	for _, t := range viols {
		if t.After(vcutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.violations[sessionID] = kept

	switch len(kept) {
	case 1:
		s.bans[sessionID] = now.Add(s.waitPeriod)
		secs := int(s.waitPeriod.Seconds())
		return false, "rate limit exceeded", &secs
	case 2:
		s.bans[sessionID] = now.Add(s.secondBan)
		secs := int(s.secondBan.Seconds())
		return false, "rate limit exceeded: repeated violations", &secs
	default:
		s.permanentBans[sessionID] = struct{}{}
		delete(s.bans, sessionID)
		return false, "session permanently banned due to repeated rate limit violations", nil
	}
}

// ViolationCount returns the session's violations inside the window.
func (s *RateLimitStrategy) ViolationCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.violationWindow)
	n := 0
	for _, t := range s.violations[sessionID] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Apply implements Strategy: frames from sessions over their limit are
// swallowed.
func (s *RateLimitStrategy) Apply(_ context.Context, frame []byte, meta Meta) ([]byte, bool) {
	allowed, _, _ := s.Check(meta.SessionID)
	if !allowed {
		return nil, false
	}
	return frame, true
}

// Reset clears all windows and bans, permanent ones included.
func (s *RateLimitStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = make(map[string][]time.Time)
	s.violations = make(map[string][]time.Time)
	s.bans = make(map[string]time.Time)
	s.permanentBans = make(map[string]struct{})
	s.rateLimited = 0
}

func (s *RateLimitStrategy) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	now := time.Now()
	for _, expiry := range s.bans {
		if now.Before(expiry) {
			active++
		}
	}
	return map[string]any{
		"rate_limited_count": s.rateLimited,
		"banned_sessions":    active,
		"permanent_bans":     len(s.permanentBans),
	}
}
