package fault

import "strings"

// KeyPrefix is the namespace of every fault runtime key.
const KeyPrefix = "fault.http."

// Runtime keys. Each may also be set per caller as
// fault.http.<caller>.<rest>, see ScopedKey.
const (
	KeyDelayPercent     = KeyPrefix + "delay.fixed_delay_percent"
	KeyDelayDurationMs  = KeyPrefix + "delay.fixed_duration_ms"
	KeyAbortPercent     = KeyPrefix + "abort.abort_percent"
	KeyAbortStatus      = KeyPrefix + "abort.http_status"
	KeyMaxActiveFaults  = KeyPrefix + "max_active_faults"
	KeyRateLimitPercent = KeyPrefix + "rate_limit.response"
)

// RuntimeKeys lists every global runtime key.
var RuntimeKeys = []string{
	KeyDelayPercent,
	KeyDelayDurationMs,
	KeyAbortPercent,
	KeyAbortStatus,
	KeyMaxActiveFaults,
	KeyRateLimitPercent,
}

// RuntimeSource resolves runtime overrides. Lookup checks the key scoped
// to caller first (when caller is non-empty), then the global key.
// Implementations must be safe for concurrent use.
type RuntimeSource interface {
	Lookup(key, caller string) (uint64, bool)
}

// ScopedKey turns a global key into its caller-scoped form:
// fault.http.abort.abort_percent becomes fault.http.<caller>.abort.abort_percent.
func ScopedKey(key, caller string) string {
	rest, ok := strings.CutPrefix(key, KeyPrefix)
	if !ok || caller == "" {
		return key
	}
	return KeyPrefix + caller + "." + rest
}

// IsRuntimeKey reports whether key is a global or caller-scoped fault key.
func IsRuntimeKey(key string) bool {
	for _, k := range RuntimeKeys {
		if key == k {
			return true
		}
		rest := strings.TrimPrefix(k, KeyPrefix)
		if strings.HasPrefix(key, KeyPrefix) && strings.HasSuffix(key, "."+rest) &&
			len(key) > len(KeyPrefix)+len(rest)+1 {
			return true
		}
	}
	return false
}

// MapRuntime is a fixed RuntimeSource backed by a map. It must not be
// modified while in use.
type MapRuntime map[string]uint64

// Lookup implements RuntimeSource.
func (m MapRuntime) Lookup(key, caller string) (uint64, bool) {
	if caller != "" {
		if v, ok := m[ScopedKey(key, caller)]; ok {
			return v, true
		}
	}
	v, ok := m[key]
	return v, ok
}

type nopRuntime struct{}

func (nopRuntime) Lookup(string, string) (uint64, bool) { return 0, false }

// NopRuntime returns a RuntimeSource without overrides.
func NopRuntime() RuntimeSource {
	return nopRuntime{}
}
