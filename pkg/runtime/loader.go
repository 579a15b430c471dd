// Package runtime holds the layered runtime override values read by the
// fault filter.
//
// Three layers are merged, later layers winning: the static layer from
// the configuration file, the remote layer synchronized from Redis, and
// the admin layer written through the admin API. Readers see an immutable
// snapshot swapped in atomically on every write, so lookups never block.
package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/getmockd/faultd/pkg/fault"
	"github.com/getmockd/faultd/pkg/logging"
)

// Layer names a source of runtime values.
type Layer string

// Layers in precedence order, lowest first.
const (
	LayerStatic Layer = "static"
	LayerRemote Layer = "remote"
	LayerAdmin  Layer = "admin"
)

var layerOrder = []Layer{LayerStatic, LayerRemote, LayerAdmin}

// ErrUnknownKey is returned when a key is not a fault runtime key.
var ErrUnknownKey = errors.New("unknown runtime key")

// Entry is one effective runtime value.
type Entry struct {
	Key   string `json:"key"`
	Value uint64 `json:"value"`
	Layer Layer  `json:"layer"`
}

// Snapshot is an immutable view of the merged layers.
type Snapshot struct {
	values  map[string]Entry
	version uint64
}

// Get returns the effective value of key.
func (s *Snapshot) Get(key string) (uint64, bool) {
	e, ok := s.values[key]
	return e.Value, ok
}

// Entries returns the effective values sorted by key.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, 0, len(s.values))
	for _, k := range slices.Sorted(maps.Keys(s.values)) {
		out = append(out, s.values[k])
	}
	return out
}

// Version increases with every change.
func (s *Snapshot) Version() uint64 { return s.version }

// Loader owns the layers and publishes snapshots. It implements
// fault.RuntimeSource.
type Loader struct {
	mu     sync.Mutex
	layers map[Layer]map[string]uint64
	snap   atomic.Pointer[Snapshot]
	log    *slog.Logger
}

var _ fault.RuntimeSource = (*Loader)(nil)

// NewLoader creates a loader with the given static layer. Unknown keys in
// static are rejected.
func NewLoader(static map[string]uint64, log *slog.Logger) (*Loader, error) {
	if log == nil {
		log = logging.Nop()
	}
	for k := range static {
		if !fault.IsRuntimeKey(k) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, k)
		}
	}

	l := &Loader{
		layers: map[Layer]map[string]uint64{
			LayerStatic: maps.Clone(static),
			LayerRemote: {},
			LayerAdmin:  {},
		},
		log: log.With("component", "runtime"),
	}
	if l.layers[LayerStatic] == nil {
		l.layers[LayerStatic] = map[string]uint64{}
	}
	l.publishLocked()
	return l, nil
}

// Lookup implements fault.RuntimeSource.
func (l *Loader) Lookup(key, caller string) (uint64, bool) {
	s := l.snap.Load()
	if caller != "" {
		if v, ok := s.Get(fault.ScopedKey(key, caller)); ok {
			return v, true
		}
	}
	return s.Get(key)
}

// Snapshot returns the current snapshot.
func (l *Loader) Snapshot() *Snapshot {
	return l.snap.Load()
}

// Set writes key in the admin layer.
func (l *Loader) Set(key string, value uint64) error {
	if !fault.IsRuntimeKey(key) {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.layers[LayerAdmin][key] = value
	l.publishLocked()
	l.log.Info("runtime value set", "key", key, "value", value)
	return nil
}

// Unset removes key from the admin layer and reports whether it was set.
func (l *Loader) Unset(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.layers[LayerAdmin][key]; !ok {
		return false
	}
	delete(l.layers[LayerAdmin], key)
	l.publishLocked()
	l.log.Info("runtime value unset", "key", key)
	return true
}

// ReplaceRemote swaps the whole remote layer. Unknown keys are dropped and
// reported in the returned slice.
func (l *Loader) ReplaceRemote(values map[string]uint64) (rejected []string) {
	layer := make(map[string]uint64, len(values))
	for k, v := range values {
		if !fault.IsRuntimeKey(k) {
			rejected = append(rejected, k)
			continue
		}
		layer[k] = v
	}
	slices.Sort(rejected)

	l.mu.Lock()
	defer l.mu.Unlock()
	if maps.Equal(layer, l.layers[LayerRemote]) {
		return rejected
	}
	l.layers[LayerRemote] = layer
	l.publishLocked()
	l.log.Debug("remote runtime layer replaced", "keys", len(layer))
	return rejected
}

func (l *Loader) publishLocked() {
	var version uint64
	if prev := l.snap.Load(); prev != nil {
		version = prev.version + 1
	}

	values := make(map[string]Entry)
	for _, layer := range layerOrder {
		for k, v := range l.layers[layer] {
			values[k] = Entry{Key: k, Value: v, Layer: layer}
		}
	}
	l.snap.Store(&Snapshot{values: values, version: version})
}
