package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhaobenny/tokentracker/server/internal/metrics"
	"github.com/zhaobenny/tokentracker/server/internal/middleware"
)

// Reserved paths answered by the proxy itself and never forwarded.
const (
	HealthPath  = "/_health"
	MetricsPath = "/_metrics"
)

// Health handles the liveness endpoint. It does not touch the database so it
// stays responsive while streams are in flight.
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "proxy": "TokenTracker"})
}

func methodNotAllowed(allow string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", allow)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// NewRouter mounts the admin endpoints and sends every other path to proxy.
func NewRouter(proxy http.Handler, m *metrics.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.AccessLog(logger))

	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminHeaders)
		// Any-method routes go first; the method routes below replace them for GET and HEAD.
		r.HandleFunc(HealthPath, methodNotAllowed("GET, HEAD"))
		r.HandleFunc(MetricsPath, methodNotAllowed("GET"))
		r.Get(HealthPath, Health)
		r.Head(HealthPath, Health)
		r.Method(http.MethodGet, MetricsPath, m.Handler())
	})

	r.Handle("/*", proxy)
	return r
}
