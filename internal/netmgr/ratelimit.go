package netmgr

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// RestRateLimiter keeps REST traffic under the server's limits. It combines
// proactive throttling (a per-endpoint sliding window that sleeps before the
// server would reject) with reactive backoff (honoring Retry-After on 429,
// or exponential backoff when the header is missing).
type RestRateLimiter struct {
	proactive  bool
	window     time.Duration
	initial    time.Duration
	max        time.Duration
	multiplier float64

	mu         sync.Mutex
	timestamps map[string][]time.Time
	retries    map[string]int

	// Hook for tests; defaults to the real clock and sleep.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func NewRestRateLimiter(proactive bool, window, initialBackoff, maxBackoff time.Duration, multiplier float64) *RestRateLimiter {
	return &RestRateLimiter{
		proactive:  proactive,
		window:     window,
		initial:    initialBackoff,
		max:        maxBackoff,
		multiplier: multiplier,
		timestamps: make(map[string][]time.Time),
		retries:    make(map[string]int),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Wait blocks until a request to the endpoint fits under maxRPS, then
// records the request. A maxRPS of zero disables proactive limiting.
func (l *RestRateLimiter) Wait(ctx context.Context, endpoint string, maxRPS float64) error {
	if !l.proactive || maxRPS <= 0 {
		return nil
	}

	l.mu.Lock()
	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.timestamps[endpoint][:0]
	for _, ts := range l.timestamps[endpoint] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.timestamps[endpoint] = kept

	var delay time.Duration
	if rate := float64(len(kept)) / l.window.Seconds(); rate >= maxRPS && len(kept) > 0 {
		delay = kept[0].Add(l.window).Sub(now)
	}
	l.mu.Unlock()

	if delay > 0 {
		if err := l.sleep(ctx, delay); err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.timestamps[endpoint] = append(l.timestamps[endpoint], l.now())
	l.mu.Unlock()
	return nil
}

// Backoff returns how long to wait before retrying a rate-limited endpoint.
// A parseable Retry-After header wins; otherwise the delay grows
// exponentially per consecutive violation, capped at the maximum.
func (l *RestRateLimiter) Backoff(endpoint, retryAfter string) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.ParseFloat(retryAfter, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.retries[endpoint]++

	delay := l.initial
	for i := 1; i < l.retries[endpoint]; i++ {
		delay = time.Duration(float64(delay) * l.multiplier)
		if delay >= l.max {
			return l.max
		}
	}
	if delay > l.max {
		delay = l.max
	}
	return delay
}

// RecordSuccess resets the violation count after a non-429 response.
func (l *RestRateLimiter) RecordSuccess(endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.retries, endpoint)
}

// ResetEndpoint clears all state for one endpoint.
func (l *RestRateLimiter) ResetEndpoint(endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.timestamps, endpoint)
	delete(l.retries, endpoint)
}
