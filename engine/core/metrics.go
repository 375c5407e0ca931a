package core

import "sync/atomic"

// Metrics holds the engine's lock-free atomic counters (spec.md §5: "Metrics
// counters are atomic and lock-free"), grounded on metrics/metrics_test.go's
// expectations of a simple counter surface.
type Metrics struct {
	stepsTotal          atomic.Uint64
	requestsAdmitted    atomic.Uint64
	requestsCompleted   atomic.Uint64
	requestsFailed      atomic.Uint64
	tokensPrefilled     atomic.Uint64
	tokensDecoded       atomic.Uint64
	preemptions         atomic.Uint64
	prefixCacheHitToken atomic.Uint64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		StepsTotal:           m.stepsTotal.Load(),
		RequestsAdmitted:     m.requestsAdmitted.Load(),
		RequestsCompleted:    m.requestsCompleted.Load(),
		RequestsFailed:       m.requestsFailed.Load(),
		TokensPrefilled:      m.tokensPrefilled.Load(),
		TokensDecoded:        m.tokensDecoded.Load(),
		Preemptions:          m.preemptions.Load(),
		PrefixCacheHitTokens: m.prefixCacheHitToken.Load(),
	}
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics for
// reporting (logging, the debug endpoint, external metrics exporters).
type MetricsSnapshot struct {
	StepsTotal           uint64
	RequestsAdmitted     uint64
	RequestsCompleted    uint64
	RequestsFailed       uint64
	TokensPrefilled      uint64
	TokensDecoded        uint64
	Preemptions          uint64
	PrefixCacheHitTokens uint64
}
