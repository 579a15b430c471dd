package admin

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/getmockd/faultd/pkg/fault"
	"github.com/getmockd/faultd/pkg/httputil"
	"github.com/getmockd/faultd/pkg/metrics"
	"github.com/getmockd/faultd/pkg/runtime"
)

// ScopeCluster selects the shared Redis layer in runtime writes.
const ScopeCluster = "cluster"

// maxBodySize bounds admin request bodies.
const maxBodySize = 4 << 10

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  int    `json:"uptime_seconds"`
	Version string `json:"version,omitempty"`
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Routes []metrics.RouteSnapshot `json:"routes"`
}

// RuntimeResponse is the body of GET /runtime.
type RuntimeResponse struct {
	Version uint64          `json:"version"`
	Entries []runtime.Entry `json:"entries"`
}

// SetRuntimeRequest is the body of PUT /runtime/{key}.
type SetRuntimeRequest struct {
	Value *uint64 `json:"value"`
}

// handleHealth handles GET /health.
func (a *AdminAPI) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteOK(w, HealthResponse{
		Status:  "ok",
		Uptime:  a.Uptime(),
		Version: a.version,
	})
}

// handleStats handles GET /stats.
func (a *AdminAPI) handleStats(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteOK(w, StatsResponse{Routes: a.faults.Snapshot()})
}

// handleListRuntime handles GET /runtime.
func (a *AdminAPI) handleListRuntime(w http.ResponseWriter, _ *http.Request) {
	snap := a.runtime.Snapshot()
	httputil.WriteOK(w, RuntimeResponse{Version: snap.Version(), Entries: snap.Entries()})
}

// handleSetRuntime handles PUT /runtime/{key}.
func (a *AdminAPI) handleSetRuntime(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !fault.IsRuntimeKey(key) {
		httputil.WriteBadRequest(w, "unknown_key", "not a fault runtime key: "+key)
		return
	}

	var req SetRuntimeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid_json", ErrMsgInvalidJSON)
		return
	}
	if req.Value == nil {
		httputil.WriteBadRequest(w, "missing_value", "value is required")
		return
	}

	if r.URL.Query().Get("scope") == ScopeCluster {
		if !a.clusterWrite(w, r, func() error { return a.cluster.Set(r.Context(), key, *req.Value) }) {
			return
		}
	} else if err := a.runtime.Set(key, *req.Value); err != nil {
		if errors.Is(err, runtime.ErrUnknownKey) {
			httputil.WriteBadRequest(w, "unknown_key", err.Error())
			return
		}
		httputil.WriteInternalError(w, "internal_error", sanitizeError(err, a.log, ErrMsgOperationFailed, "set runtime", "key", key))
		return
	}

	a.log.Info("runtime override set", "key", key, "value", *req.Value, "scope", scopeName(r))
	httputil.WriteOK(w, a.effective(key))
}

// handleUnsetRuntime handles DELETE /runtime/{key}.
func (a *AdminAPI) handleUnsetRuntime(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	if r.URL.Query().Get("scope") == ScopeCluster {
		if !a.clusterWrite(w, r, func() error { return a.cluster.Unset(r.Context(), key) }) {
			return
		}
	} else if !a.runtime.Unset(key) {
		httputil.WriteNotFound(w, "not_found", "no admin override for "+key)
		return
	}

	a.log.Info("runtime override removed", "key", key, "scope", scopeName(r))
	httputil.WriteNoContent(w)
}

// clusterWrite runs write against the shared layer and pulls the result
// into this instance. It writes the error response and returns false on
// failure.
func (a *AdminAPI) clusterWrite(w http.ResponseWriter, r *http.Request, write func() error) bool {
	if a.cluster == nil {
		httputil.WriteServiceUnavailable(w, "cluster_unavailable", "no shared runtime is configured")
		return false
	}
	if err := write(); err != nil {
		httputil.WriteServiceUnavailable(w, "cluster_unavailable", sanitizeError(err, a.log, ErrMsgClusterUnavailable, "cluster runtime write"))
		return false
	}
	if err := a.cluster.Refresh(r.Context()); err != nil {
		a.log.Warn("runtime refresh after cluster write failed", "error", err)
	}
	return true
}

// effective returns the entry for key after a write. A remote value may
// still shadow it.
func (a *AdminAPI) effective(key string) runtime.Entry {
	for _, e := range a.runtime.Snapshot().Entries() {
		if e.Key == key {
			return e
		}
	}
	return runtime.Entry{Key: key}
}

func scopeName(r *http.Request) string {
	if r.URL.Query().Get("scope") == ScopeCluster {
		return ScopeCluster
	}
	return string(runtime.LayerAdmin)
}
