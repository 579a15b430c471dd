package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/faultd/pkg/fault"
	"github.com/getmockd/faultd/pkg/metrics"
	"github.com/getmockd/faultd/pkg/ratelimit"
	"github.com/getmockd/faultd/pkg/runtime"
)

type fakeCluster struct {
	values  map[string]uint64
	loader  *runtime.Loader
	failSet bool
}

func (f *fakeCluster) Set(_ context.Context, key string, v uint64) error {
	if f.failSet {
		return errors.New("redis: connection refused")
	}
	f.values[key] = v
	return nil
}

func (f *fakeCluster) Unset(_ context.Context, key string) error {
	delete(f.values, key)
	return nil
}

func (f *fakeCluster) Refresh(context.Context) error {
	f.loader.ReplaceRemote(f.values)
	return nil
}

func newTestAPI(t *testing.T, opts ...Option) (*AdminAPI, *runtime.Loader, *metrics.Faults) {
	t.Helper()
	loader, err := runtime.NewLoader(map[string]uint64{fault.KeyAbortPercent: 10}, nil)
	require.NoError(t, err)
	reg := metrics.NewRegistry()
	faults := metrics.NewFaults(reg)
	api := NewAdminAPI(loader, faults, reg, append([]Option{WithVersion("test")}, opts...)...)
	t.Cleanup(func() { _ = api.Stop() })
	return api, loader, faults
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()
	api, _, _ := newTestAPI(t)

	rec := do(t, api.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestStats(t *testing.T) {
	t.Parallel()
	api, _, faults := newTestAPI(t)
	faults.Route("users").IncCounter(fault.StatAbortsInjected, "node-a")
	faults.Route("orders").IncCounter(fault.StatDelaysInjected, "")

	rec := do(t, api.Handler(), http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Routes, 2)
	assert.Equal(t, "orders", resp.Routes[0].Route)
	assert.Equal(t, int64(1), resp.Routes[1].AbortsInjected)
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	api, _, _ := newTestAPI(t)

	do(t, api.Handler(), http.MethodGet, "/health", "")
	rec := do(t, api.Handler(), http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `faultd_admin_requests_total{method="GET",path="GET /health",status="200"} 1`)
}

func TestRuntime_SetListUnset(t *testing.T) {
	t.Parallel()
	api, loader, _ := newTestAPI(t)
	h := api.Handler()

	rec := do(t, h, http.MethodPut, "/runtime/"+fault.KeyAbortPercent, `{"value": 50}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var entry runtime.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, runtime.Entry{Key: fault.KeyAbortPercent, Value: 50, Layer: runtime.LayerAdmin}, entry)

	v, ok := loader.Lookup(fault.KeyAbortPercent, "")
	require.True(t, ok)
	assert.Equal(t, uint64(50), v)

	rec = do(t, h, http.MethodGet, "/runtime", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list RuntimeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Entries, 1)
	assert.Equal(t, runtime.LayerAdmin, list.Entries[0].Layer)

	rec = do(t, h, http.MethodDelete, "/runtime/"+fault.KeyAbortPercent, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	v, _ = loader.Lookup(fault.KeyAbortPercent, "")
	assert.Equal(t, uint64(10), v)

	rec = do(t, h, http.MethodDelete, "/runtime/"+fault.KeyAbortPercent, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuntime_SetErrors(t *testing.T) {
	t.Parallel()
	api, _, _ := newTestAPI(t)
	h := api.Handler()

	tests := []struct {
		name, path, body, code string
	}{
		{"unknown key", "/runtime/fault.http.nope", `{"value": 1}`, "unknown_key"},
		{"bad json", "/runtime/" + fault.KeyAbortPercent, `{`, "invalid_json"},
		{"missing value", "/runtime/" + fault.KeyAbortPercent, `{}`, "missing_value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.code)
		})
	}
}

func TestRuntime_ClusterScope(t *testing.T) {
	t.Parallel()

	t.Run("without cluster", func(t *testing.T) {
		api, _, _ := newTestAPI(t)
		rec := do(t, api.Handler(), http.MethodPut, "/runtime/"+fault.KeyDelayPercent+"?scope=cluster", `{"value": 5}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("writes remote layer", func(t *testing.T) {
		cluster := &fakeCluster{values: map[string]uint64{}}
		api, loader, _ := newTestAPI(t, WithClusterRuntime(cluster))
		cluster.loader = loader

		rec := do(t, api.Handler(), http.MethodPut, "/runtime/"+fault.KeyDelayPercent+"?scope=cluster", `{"value": 5}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, uint64(5), cluster.values[fault.KeyDelayPercent])

		var entry runtime.Entry
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
		assert.Equal(t, runtime.LayerRemote, entry.Layer)

		rec = do(t, api.Handler(), http.MethodDelete, "/runtime/"+fault.KeyDelayPercent+"?scope=cluster", "")
		assert.Equal(t, http.StatusNoContent, rec.Code)
		_, ok := loader.Lookup(fault.KeyDelayPercent, "")
		assert.False(t, ok)
	})

	t.Run("redis failure is sanitized", func(t *testing.T) {
		cluster := &fakeCluster{values: map[string]uint64{}, failSet: true}
		api, loader, _ := newTestAPI(t, WithClusterRuntime(cluster))
		cluster.loader = loader

		rec := do(t, api.Handler(), http.MethodPut, "/runtime/"+fault.KeyDelayPercent+"?scope=cluster", `{"value": 5}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.NotContains(t, rec.Body.String(), "connection refused")
		assert.Contains(t, rec.Body.String(), ErrMsgClusterUnavailable)
	})
}

func TestRateLimited(t *testing.T) {
	t.Parallel()
	limiter := ratelimit.NewPerIPLimiter(ratelimit.PerIPConfig{RequestsPerSecond: 1, Burst: 2})
	api, _, _ := newTestAPI(t, WithRateLimiter(limiter))

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = do(t, api.Handler(), http.MethodGet, "/health", "").Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	t.Parallel()
	api, _, _ := newTestAPI(t)

	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- api.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-errc)
}
