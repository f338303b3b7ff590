package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"
)

// NewRouter mounts the API routes. metrics may be nil to leave /metrics out.
// Every response allows any origin.
func NewRouter(h *Handler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, h.observe)

	r.Post("/data", h.submit)
	r.Get("/data/history", h.history)
	r.Get("/data/state", h.state)

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	return allowAnyOrigin(r)
}

// allowAnyOrigin answers CORS for every origin and, on preflight, accepts
// whatever request headers the browser announces.
func allowAnyOrigin(next http.Handler) http.Handler {
	base := func(extra ...handlers.CORSOption) http.Handler {
		opts := []handlers.CORSOption{
			handlers.AllowedOrigins([]string{"*"}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Requested-With"}),
		}
		return handlers.CORS(append(opts, extra...)...)(next)
	}
	plain := base()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested := r.Header.Get("Access-Control-Request-Headers")
		if r.Method != http.MethodOptions || strings.TrimSpace(requested) == "" {
			plain.ServeHTTP(w, r)
			return
		}
		base(handlers.AllowedHeaders(strings.Split(requested, ","))).ServeHTTP(w, r)
	})
}

// observe logs and counts every request by its route pattern.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		h.metrics.request(route, status, elapsed.Seconds())

		entry := h.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     status,
			"duration":   elapsed.String(),
			"request_id": middleware.GetReqID(r.Context()),
		})
		switch {
		case status >= 500:
			entry.Error("request failed")
		case route == "/healthz" || route == "/readyz" || route == "/metrics":
			entry.Debug("request")
		default:
			entry.Info("request")
		}
	})
}
