package ratelimit

import (
	"errors"
	"testing"
	"time"

	"crosslend/core/events"
	"crosslend/native/common"
)

type clock struct {
	now time.Time
}

func (c *clock) fn() func() time.Time {
	return func() time.Time { return c.now }
}

func newTestLimiter(rules map[string]Rule, emergencyOps []string) (*Limiter, *clock) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	limiter := NewLimiter(rules, emergencyOps)
	limiter.SetClock(c.fn())
	return limiter, c
}

func TestFixedWindowResetsAtBoundary(t *testing.T) {
	limiter, clk := newTestLimiter(map[string]Rule{
		"borrow": {Algorithm: AlgorithmFixedWindow, Limit: 2, Window: time.Minute},
	}, nil)

	for i := 0; i < 2; i++ {
		if err := limiter.CheckAndRecord("alice", "borrow"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	err := limiter.CheckAndRecord("alice", "borrow")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var throttled *Error
	if !errors.As(err, &throttled) || throttled.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", err)
	}

	// A fresh window clears the counter.
	clk.now = clk.now.Add(time.Minute)
	if err := limiter.CheckAndRecord("alice", "borrow"); err != nil {
		t.Fatalf("post-window request: %v", err)
	}
}

func TestFixedWindowScopesIndependently(t *testing.T) {
	limiter, _ := newTestLimiter(map[string]Rule{
		"borrow": {Algorithm: AlgorithmFixedWindow, Limit: 1, Window: time.Minute},
	}, nil)

	if err := limiter.CheckAndRecord("alice", "borrow"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := limiter.CheckAndRecord("bob", "borrow"); err != nil {
		t.Fatalf("bob must not share alice's quota: %v", err)
	}
}

func TestSlidingWindowSpansBoundary(t *testing.T) {
	limiter, clk := newTestLimiter(map[string]Rule{
		"borrow": {Algorithm: AlgorithmSlidingWindow, Limit: 2, Window: time.Minute},
	}, nil)

	if err := limiter.CheckAndRecord("alice", "borrow"); err != nil {
		t.Fatalf("first: %v", err)
	}
	clk.now = clk.now.Add(50 * time.Second)
	if err := limiter.CheckAndRecord("alice", "borrow"); err != nil {
		t.Fatalf("second: %v", err)
	}

	// 20 seconds later the first hit is outside the window, the second is not.
	clk.now = clk.now.Add(20 * time.Second)
	if err := limiter.CheckAndRecord("alice", "borrow"); err != nil {
		t.Fatalf("third after first expired: %v", err)
	}
	if err := limiter.CheckAndRecord("alice", "borrow"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestTokenBucketBurstAndRefill(t *testing.T) {
	limiter, clk := newTestLimiter(map[string]Rule{
		"liquidate": {Algorithm: AlgorithmTokenBucket, Rate: 1, Burst: 2},
	}, nil)

	for i := 0; i < 2; i++ {
		if err := limiter.CheckAndRecord("liq", "liquidate"); err != nil {
			t.Fatalf("burst request %d: %v", i, err)
		}
	}
	err := limiter.CheckAndRecord("liq", "liquidate")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// One token refills per second.
	clk.now = clk.now.Add(time.Second)
	if err := limiter.CheckAndRecord("liq", "liquidate"); err != nil {
		t.Fatalf("post-refill request: %v", err)
	}
}

func TestUnconfiguredOperationPasses(t *testing.T) {
	limiter, _ := newTestLimiter(nil, nil)
	for i := 0; i < 100; i++ {
		if err := limiter.CheckAndRecord("alice", "deposit"); err != nil {
			t.Fatalf("unthrottled op rejected: %v", err)
		}
	}
}

func TestEmergencyHaltsConfiguredOps(t *testing.T) {
	limiter, _ := newTestLimiter(nil, []string{"borrow", "withdraw"})

	if err := common.Guard(limiter, "borrow"); err != nil {
		t.Fatalf("pre-emergency: %v", err)
	}
	limiter.SetEmergency(true)

	if err := common.Guard(limiter, "borrow"); !errors.Is(err, common.ErrEmergencyHalt) {
		t.Fatalf("expected ErrEmergencyHalt, got %v", err)
	}
	if err := common.Guard(limiter, "repay"); err != nil {
		t.Fatalf("uncovered op must pass during emergency: %v", err)
	}
	if !limiter.IsHalted("borrow") || limiter.IsHalted("repay") {
		t.Fatalf("unexpected halt view state")
	}

	limiter.SetEmergency(false)
	if err := common.Guard(limiter, "borrow"); err != nil {
		t.Fatalf("post-emergency: %v", err)
	}
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) { c.events = append(c.events, evt) }

func TestEmergencyToggleEmitsOnce(t *testing.T) {
	limiter, _ := newTestLimiter(nil, nil)
	emitter := &captureEmitter{}
	limiter.SetEmitter(emitter)

	limiter.SetEmergency(true)
	limiter.SetEmergency(true)
	limiter.SetEmergency(false)

	if len(emitter.events) != 2 {
		t.Fatalf("expected 2 transition events, got %d", len(emitter.events))
	}
}
