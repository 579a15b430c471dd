package runtime

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/faultd/pkg/fault"
)

func TestNewLoader_RejectsUnknownStaticKey(t *testing.T) {
	t.Parallel()
	_, err := NewLoader(map[string]uint64{"fault.http.bogus": 1}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownKey))
}

func TestLoader_LayerPrecedence(t *testing.T) {
	t.Parallel()
	l, err := NewLoader(map[string]uint64{fault.KeyAbortPercent: 1}, nil)
	require.NoError(t, err)

	v, ok := l.Lookup(fault.KeyAbortPercent, "")
	require.True(t, ok)
	assert.Equal(t, uint64(1), v)

	l.ReplaceRemote(map[string]uint64{fault.KeyAbortPercent: 2})
	v, _ = l.Lookup(fault.KeyAbortPercent, "")
	assert.Equal(t, uint64(2), v)

	require.NoError(t, l.Set(fault.KeyAbortPercent, 3))
	v, _ = l.Lookup(fault.KeyAbortPercent, "")
	assert.Equal(t, uint64(3), v)

	assert.True(t, l.Unset(fault.KeyAbortPercent))
	assert.False(t, l.Unset(fault.KeyAbortPercent))
	v, _ = l.Lookup(fault.KeyAbortPercent, "")
	assert.Equal(t, uint64(2), v)

	entries := l.Snapshot().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, Entry{Key: fault.KeyAbortPercent, Value: 2, Layer: LayerRemote}, entries[0])
}

func TestLoader_CallerScopedFirst(t *testing.T) {
	t.Parallel()
	l, err := NewLoader(nil, nil)
	require.NoError(t, err)

	require.NoError(t, l.Set(fault.KeyDelayPercent, 10))
	require.NoError(t, l.Set(fault.ScopedKey(fault.KeyDelayPercent, "svc"), 80))

	v, _ := l.Lookup(fault.KeyDelayPercent, "svc")
	assert.Equal(t, uint64(80), v)
	v, _ = l.Lookup(fault.KeyDelayPercent, "other")
	assert.Equal(t, uint64(10), v)
}

func TestLoader_SetUnknownKey(t *testing.T) {
	t.Parallel()
	l, err := NewLoader(nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, l.Set("fault.http.nope", 1), ErrUnknownKey)
}

func TestLoader_ReplaceRemoteDropsUnknown(t *testing.T) {
	t.Parallel()
	l, err := NewLoader(nil, nil)
	require.NoError(t, err)

	rejected := l.ReplaceRemote(map[string]uint64{
		fault.KeyMaxActiveFaults: 5,
		"zzz":                    1,
		"aaa":                    1,
	})
	assert.Equal(t, []string{"aaa", "zzz"}, rejected)

	v, ok := l.Lookup(fault.KeyMaxActiveFaults, "")
	assert.True(t, ok)
	assert.Equal(t, uint64(5), v)
}

func TestLoader_VersionOnlyMovesOnChange(t *testing.T) {
	t.Parallel()
	l, err := NewLoader(nil, nil)
	require.NoError(t, err)

	v0 := l.Snapshot().Version()
	l.ReplaceRemote(map[string]uint64{fault.KeyAbortStatus: 500})
	v1 := l.Snapshot().Version()
	l.ReplaceRemote(map[string]uint64{fault.KeyAbortStatus: 500})

	assert.Greater(t, v1, v0)
	assert.Equal(t, v1, l.Snapshot().Version())
}

func TestLoader_ConcurrentReadersAndWriters(t *testing.T) {
	t.Parallel()
	l, err := NewLoader(nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = l.Set(fault.KeyAbortPercent, uint64(i*1000+j))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				l.Lookup(fault.KeyAbortPercent, "svc")
			}
		}()
	}
	wg.Wait()

	_, ok := l.Lookup(fault.KeyAbortPercent, "")
	assert.True(t, ok)
}
