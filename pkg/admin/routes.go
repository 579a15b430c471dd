// Route registration for the Admin API.

package admin

import (
	"net/http"
)

// registerRoutes sets up all API routes.
func (a *AdminAPI) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /stats", a.handleStats)
	mux.Handle("GET /metrics", a.registry.Handler())

	mux.HandleFunc("GET /runtime", a.handleListRuntime)
	mux.HandleFunc("PUT /runtime/{key}", a.handleSetRuntime)
	mux.HandleFunc("DELETE /runtime/{key}", a.handleUnsetRuntime)
}
