package faults

import (
	"context"
	"testing"
	"time"
)

func newLimiter(t *testing.T, rps int, detector VolumeDetector) *RateLimitStrategy {
	t.Helper()
	s, err := NewRateLimitStrategy(rps, 10*time.Second, 60*time.Second, 60*time.Second, detector)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRateLimitAllowsWithinLimit(t *testing.T) {
	t.Parallel()

	s := newLimiter(t, 5, nil)
	for i := 0; i < 5; i++ {
		allowed, msg, _ := s.Check("s1")
		if !allowed {
			t.Fatalf("request %d blocked: %s", i+1, msg)
		}
	}
}

func TestRateLimitBlocksOverLimit(t *testing.T) {
	t.Parallel()

	s := newLimiter(t, 5, nil)
	for i := 0; i < 5; i++ {
		s.Check("s1")
	}
	allowed, msg, retryAfter := s.Check("s1")
	if allowed {
		t.Fatal("6th request within a second should be blocked")
	}
	if msg == "" {
		t.Error("blocked request needs an error message")
	}
	if retryAfter == nil || *retryAfter != 10 {
		t.Errorf("retryAfter = %v, want first-violation wait of 10s", retryAfter)
	}
	if s.ViolationCount("s1") != 1 {
		t.Errorf("violation count = %d, want 1", s.ViolationCount("s1"))
	}
}

func TestRateLimitSessionsAreIsolated(t *testing.T) {
	t.Parallel()

	s := newLimiter(t, 2, nil)
	s.Check("noisy")
	s.Check("noisy")
	if allowed, _, _ := s.Check("noisy"); allowed {
		t.Fatal("noisy session should be limited")
	}
	if allowed, _, _ := s.Check("quiet"); !allowed {
		t.Error("other sessions must be unaffected")
	}
}

func TestRateLimitEscalation(t *testing.T) {
	t.Parallel()

	// Tiny bans so the test can wait them out.
	s, err := NewRateLimitStrategy(1, 20*time.Millisecond, 40*time.Millisecond, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}

	trip := func() (string, *int) {
		s.Check("s1") // consume the allowance
		_, msg, retryAfter := s.Check("s1")
		return msg, retryAfter
	}

	// First violation: short ban with a concrete retry hint.
	if _, retryAfter := trip(); retryAfter == nil {
		t.Fatal("first violation should carry a retry-after")
	}
	time.Sleep(25 * time.Millisecond)

	// Second violation escalates.
	msg, retryAfter := trip()
	if retryAfter == nil {
		t.Fatal("second violation should carry a retry-after")
	}
	if msg != "rate limit exceeded: repeated violations" {
		t.Errorf("second violation message = %q", msg)
	}
	time.Sleep(45 * time.Millisecond)

	// Third violation is permanent: no retry hint, and waiting does not help.
	msg, retryAfter = trip()
	if retryAfter != nil {
		t.Errorf("permanent ban carried retryAfter %d", *retryAfter)
	}
	if msg != "session permanently banned due to repeated rate limit violations" {
		t.Errorf("permanent ban message = %q", msg)
	}
	time.Sleep(50 * time.Millisecond)
	if allowed, _, _ := s.Check("s1"); allowed {
		t.Error("permanent ban expired")
	}
}

func TestRateLimitBannedSessionStaysBanned(t *testing.T) {
	t.Parallel()

	s := newLimiter(t, 1, nil)
	s.Check("s1")
	s.Check("s1") // first violation, 10s ban

	// Requests during the ban are refused with the remaining wait, and do
	// not stack further violations.
	for i := 0; i < 3; i++ {
		allowed, _, retryAfter := s.Check("s1")
		if allowed {
			t.Fatal("banned session allowed through")
		}
		if retryAfter == nil || *retryAfter < 1 || *retryAfter > 10 {
			t.Errorf("retryAfter during ban = %v", retryAfter)
		}
	}
	if s.ViolationCount("s1") != 1 {
		t.Errorf("violations stacked during ban: %d", s.ViolationCount("s1"))
	}
}

func TestRateLimitWindowSlides(t *testing.T) {
	t.Parallel()

	s := newLimiter(t, 3, nil)
	for i := 0; i < 3; i++ {
		if allowed, _, _ := s.Check("s1"); !allowed {
			t.Fatalf("request %d blocked", i+1)
		}
	}
	time.Sleep(1100 * time.Millisecond)
	// The old requests have aged out of the 1s window.
	if allowed, msg, _ := s.Check("s1"); !allowed {
		t.Errorf("request after window slide blocked: %s", msg)
	}
}

func TestRateLimitHighVolumeTightensLimit(t *testing.T) {
	t.Parallel()

	detector := NewHardcodedVolumeDetector(true, 0.5)
	s := newLimiter(t, 10, detector)

	// Effective limit is 10 * 0.5 = 5.
	for i := 0; i < 5; i++ {
		if allowed, _, _ := s.Check("s1"); !allowed {
			t.Fatalf("request %d blocked under halved limit", i+1)
		}
	}
	if allowed, _, _ := s.Check("s1"); allowed {
		t.Error("6th request should exceed the high-volume limit")
	}

	detector.SetHighVolume(false)
	if allowed, _, _ := s.Check("s2"); !allowed {
		t.Error("normal volume restores the baseline for fresh sessions")
	}
}

func TestRateLimitMultiplierFloor(t *testing.T) {
	t.Parallel()

	// Even an aggressive multiplier cannot push the limit below one.
	detector := NewHardcodedVolumeDetector(true, 0.01)
	s := newLimiter(t, 10, detector)
	if allowed, _, _ := s.Check("s1"); !allowed {
		t.Error("limit floored at 1, first request must pass")
	}
	if allowed, _, _ := s.Check("s1"); allowed {
		t.Error("second request should exceed the floored limit")
	}
}

func TestRateLimitApplySwallowsBlockedFrames(t *testing.T) {
	t.Parallel()

	s := newLimiter(t, 1, nil)
	meta := Meta{SessionID: "s1", MessageType: "PLACE_ORDER", Direction: Inbound}
	if _, ok := s.Apply(context.Background(), []byte("x"), meta); !ok {
		t.Fatal("first frame should pass")
	}
	if _, ok := s.Apply(context.Background(), []byte("x"), meta); ok {
		t.Error("over-limit frame should be swallowed")
	}
	if s.Stats()["rate_limited_count"].(int64) != 1 {
		t.Errorf("stats = %v", s.Stats())
	}
}

func TestRateLimitReset(t *testing.T) {
	t.Parallel()

	s := newLimiter(t, 1, nil)
	s.Check("s1")
	s.Check("s1")
	s.Reset()

	if allowed, _, _ := s.Check("s1"); !allowed {
		t.Error("reset should lift bans and clear windows")
	}
	if s.ViolationCount("s1") != 0 {
		t.Error("reset should clear violations")
	}
	stats := s.Stats()
	if stats["rate_limited_count"].(int64) != 0 || stats["permanent_bans"].(int) != 0 {
		t.Errorf("stats after reset = %v", stats)
	}
}

func TestRateLimitConstructorValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewRateLimitStrategy(0, time.Second, time.Second, time.Second, nil); err == nil {
		t.Error("zero baseline should be rejected")
	}
	if _, err := NewRateLimitStrategy(5, -time.Second, time.Second, time.Second, nil); err == nil {
		t.Error("negative ban duration should be rejected")
	}
}
