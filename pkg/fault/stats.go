package fault

import "time"

// Counter and gauge names reported to a StatsSink.
const (
	StatDelaysInjected      = "delays_injected"
	StatAbortsInjected      = "aborts_injected"
	StatResponseRateLimited = "response_rate_limited"
	StatFaultsOverflow      = "faults_overflow"
	StatActiveFaults        = "active_faults"
)

// StatsSink receives fault counters and changes to the active fault gauge.
// downstream is the caller's service node, empty when unknown.
// Implementations must be safe for concurrent use.
type StatsSink interface {
	IncCounter(name, downstream string)
	AddGauge(name string, delta int64)
}

// DelayObserver is implemented by sinks that also record injected delay
// durations.
type DelayObserver interface {
	ObserveDelay(d time.Duration)
}

type nopStats struct{}

func (nopStats) IncCounter(string, string) {}
func (nopStats) AddGauge(string, int64)     {}

// NopStats returns a StatsSink that discards everything.
func NopStats() StatsSink {
	return nopStats{}
}
