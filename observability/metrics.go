package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LendingMetrics records ledger and liquidation activity.
type LendingMetrics struct {
	mutations    *prometheus.CounterVec
	liquidations prometheus.Counter
	healthCalc   prometheus.Histogram
}

// ReconcilerMetrics records cross-chain message outcomes.
type ReconcilerMetrics struct {
	messages *prometheus.CounterVec
	pending  prometheus.Gauge
}

// ThrottleMetrics records rate limiter rejections.
type ThrottleMetrics struct {
	throttles *prometheus.CounterVec
}

var (
	lendingOnce sync.Once
	lendingReg  *LendingMetrics

	reconcilerOnce sync.Once
	reconcilerReg  *ReconcilerMetrics

	throttleOnce sync.Once
	throttleReg  *ThrottleMetrics
)

// Lending returns the lazily-initialised lending metrics registry.
func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingReg = &LendingMetrics{
			mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosslend",
				Subsystem: "ledger",
				Name:      "mutations_total",
				Help:      "Ledger mutation attempts segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "crosslend",
				Subsystem: "liquidation",
				Name:      "executed_total",
				Help:      "Committed liquidations.",
			}),
			healthCalc: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "crosslend",
				Subsystem: "health",
				Name:      "compute_duration_seconds",
				Help:      "Latency distribution for health factor computations.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(lendingReg.mutations, lendingReg.liquidations, lendingReg.healthCalc)
	})
	return lendingReg
}

// ObserveMutation counts one ledger mutation attempt.
func (m *LendingMetrics) ObserveMutation(op, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, outcome).Inc()
}

// ObserveLiquidation counts one committed liquidation.
func (m *LendingMetrics) ObserveLiquidation() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
}

// ObserveHealthDuration records the latency of one health computation.
func (m *LendingMetrics) ObserveHealthDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.healthCalc.Observe(d.Seconds())
}

// Reconciler returns the lazily-initialised reconciler metrics registry.
func Reconciler() *ReconcilerMetrics {
	reconcilerOnce.Do(func() {
		reconcilerReg = &ReconcilerMetrics{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosslend",
				Subsystem: "reconciler",
				Name:      "messages_total",
				Help:      "Inbound cross-chain messages segmented by terminal status.",
			}, []string{"status"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "crosslend_reconciler_pending_messages",
				Help: "Messages currently held waiting for a predecessor nonce.",
			}),
		}
		prometheus.MustRegister(reconcilerReg.messages, reconcilerReg.pending)
	})
	return reconcilerReg
}

// ObserveMessage counts one message reaching a terminal status.
func (m *ReconcilerMetrics) ObserveMessage(status string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(status).Inc()
}

// ObservePending records the current ordering-hold depth.
func (m *ReconcilerMetrics) ObservePending(count int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(count))
}

// Throttles returns the lazily-initialised throttle metrics registry.
func Throttles() *ThrottleMetrics {
	throttleOnce.Do(func() {
		throttleReg = &ThrottleMetrics{
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosslend",
				Subsystem: "ratelimit",
				Name:      "rejections_total",
				Help:      "Operations rejected by the rate limiter segmented by operation and reason.",
			}, []string{"op", "reason"}),
		}
		prometheus.MustRegister(throttleReg.throttles)
	})
	return throttleReg
}

// ObserveRejection counts one throttled operation.
func (m *ThrottleMetrics) ObserveRejection(op, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(op, reason).Inc()
}
