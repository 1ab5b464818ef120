package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"crosslend/core/events"
	"crosslend/observability"
)

// Algorithm selects how a rule counts requests.
type Algorithm string

const (
	// AlgorithmFixedWindow counts requests in aligned windows that reset all
	// at once. Cheap, but bursty at window boundaries.
	AlgorithmFixedWindow Algorithm = "fixed_window"
	// AlgorithmSlidingWindow counts requests over a rolling window so a burst
	// straddling a boundary cannot double the effective limit.
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	// AlgorithmTokenBucket refills capacity continuously and tolerates short
	// bursts up to the bucket size.
	AlgorithmTokenBucket Algorithm = "token_bucket"
)

// ErrRateLimited is wrapped by every throttle rejection.
var ErrRateLimited = errors.New("ratelimit: too many requests")

// Error carries the operation and the earliest retry time for a rejected
// request. It unwraps to ErrRateLimited.
type Error struct {
	Op         string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("ratelimit: %s throttled, retry after %s", e.Op, e.RetryAfter)
}

func (e *Error) Unwrap() error { return ErrRateLimited }

// Rule configures the throttle for one operation. Limit and Window drive the
// window algorithms; Rate and Burst drive the token bucket.
type Rule struct {
	Algorithm Algorithm
	Limit     int
	Window    time.Duration
	Rate      float64
	Burst     int
}

// Normalise fills defaults for unset fields.
func (r Rule) Normalise() Rule {
	rule := r
	if rule.Algorithm == "" {
		rule.Algorithm = AlgorithmFixedWindow
	}
	if rule.Limit <= 0 {
		rule.Limit = 10
	}
	if rule.Window <= 0 {
		rule.Window = time.Minute
	}
	if rule.Rate <= 0 {
		rule.Rate = float64(rule.Limit) / rule.Window.Seconds()
	}
	if rule.Burst <= 0 {
		rule.Burst = rule.Limit
	}
	return rule
}

type fixedWindow struct {
	start time.Time
	count int
}

type slidingWindow struct {
	// hits holds the admission time of every request still inside the window.
	hits []time.Time
}

// Limiter enforces per-scope, per-operation throttles and doubles as the
// protocol's emergency circuit breaker. Operations without a rule pass
// unthrottled.
type Limiter struct {
	mu        sync.Mutex
	rules     map[string]Rule
	fixed     map[string]*fixedWindow
	sliding   map[string]*slidingWindow
	buckets   map[string]*rate.Limiter
	emergency bool
	halted    map[string]struct{}
	emitter   events.Emitter
	now       func() time.Time
}

// NewLimiter constructs a limiter from per-operation rules and the set of
// operations refused outright while emergency mode is active.
func NewLimiter(rules map[string]Rule, emergencyOps []string) *Limiter {
	normalised := make(map[string]Rule, len(rules))
	for op, rule := range rules {
		normalised[strings.TrimSpace(op)] = rule.Normalise()
	}
	halted := make(map[string]struct{}, len(emergencyOps))
	for _, op := range emergencyOps {
		halted[strings.TrimSpace(op)] = struct{}{}
	}
	return &Limiter{
		rules:   normalised,
		fixed:   make(map[string]*fixedWindow),
		sliding: make(map[string]*slidingWindow),
		buckets: make(map[string]*rate.Limiter),
		halted:  halted,
		emitter: events.NoopEmitter{},
		now:     time.Now,
	}
}

// SetEmitter wires the event sink for emergency transitions.
func (l *Limiter) SetEmitter(emitter events.Emitter) {
	if l == nil || emitter == nil {
		return
	}
	l.emitter = emitter
}

// SetClock overrides the time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	if l == nil || now == nil {
		return
	}
	l.now = now
}

// SetEmergency toggles emergency mode. Toggling to the current state is a
// no-op and emits nothing.
func (l *Limiter) SetEmergency(active bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	changed := l.emergency != active
	l.emergency = active
	l.mu.Unlock()
	if changed {
		l.emitter.Emit(events.EmergencyToggled{Active: active})
	}
}

// EmergencyActive reports whether emergency mode is on.
func (l *Limiter) EmergencyActive() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.emergency
}

// IsHalted reports whether the operation is refused under the current mode.
// The limiter is the common.HaltView consumed by the ledger's guard.
func (l *Limiter) IsHalted(op string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.emergency {
		return false
	}
	_, ok := l.halted[op]
	return ok
}

// CheckAndRecord admits or rejects one request for the scope and operation.
// Admission consumes quota; rejections never do.
func (l *Limiter) CheckAndRecord(scope, op string) error {
	if l == nil {
		return nil
	}
	metrics := observability.Throttles()
	l.mu.Lock()
	defer l.mu.Unlock()

	rule, ok := l.rules[op]
	if !ok {
		return nil
	}
	key := scope + "|" + op
	now := l.now()

	var retryAfter time.Duration
	switch rule.Algorithm {
	case AlgorithmSlidingWindow:
		retryAfter = l.checkSliding(key, rule, now)
	case AlgorithmTokenBucket:
		retryAfter = l.checkBucket(key, rule, now)
	default:
		retryAfter = l.checkFixed(key, rule, now)
	}
	if retryAfter > 0 {
		metrics.ObserveRejection(op, string(rule.Algorithm))
		return &Error{Op: op, RetryAfter: retryAfter}
	}
	return nil
}

func (l *Limiter) checkFixed(key string, rule Rule, now time.Time) time.Duration {
	window, ok := l.fixed[key]
	if !ok || now.Sub(window.start) >= rule.Window {
		l.fixed[key] = &fixedWindow{start: now, count: 1}
		return 0
	}
	if window.count < rule.Limit {
		window.count++
		return 0
	}
	return window.start.Add(rule.Window).Sub(now)
}

func (l *Limiter) checkSliding(key string, rule Rule, now time.Time) time.Duration {
	window, ok := l.sliding[key]
	if !ok {
		window = &slidingWindow{}
		l.sliding[key] = window
	}
	cutoff := now.Add(-rule.Window)
	kept := window.hits[:0]
	for _, hit := range window.hits {
		if hit.After(cutoff) {
			kept = append(kept, hit)
		}
	}
	window.hits = kept
	if len(window.hits) < rule.Limit {
		window.hits = append(window.hits, now)
		return 0
	}
	return window.hits[0].Add(rule.Window).Sub(now)
}

func (l *Limiter) checkBucket(key string, rule Rule, now time.Time) time.Duration {
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(rule.Rate), rule.Burst)
		l.buckets[key] = bucket
	}
	reservation := bucket.ReserveN(now, 1)
	if !reservation.OK() {
		return rule.Window
	}
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return delay
	}
	return 0
}
