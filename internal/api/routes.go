package api

import (
	"net/http"

	"github.com/roach88/meshsync/internal/metrics"
)

func RegisterRoutes(mux *http.ServeMux, h *Handler) http.Handler {
	// Peer APIs
	var apply http.Handler = http.HandlerFunc(h.ApplyBatch)
	if h.limiters != nil {
		apply = h.limiters.middleware(func(sender string) {
			h.metrics.Inc(metrics.ApplyThrottled)
			h.logger.Warn("apply rate limit exceeded", "sender", sender)
		})(apply)
	}
	mux.Handle("POST /api/sync/apply", apply)
	mux.HandleFunc("GET /api/sync/status", h.GetStatus)
	mux.HandleFunc("GET /api/sync/log", h.GetLog)

	// Record APIs
	mux.HandleFunc("POST /api/records/{table}", h.CreateRecord)
	mux.HandleFunc("GET /api/records/{table}", h.ListRecords)
	mux.HandleFunc("GET /api/records/{table}/{id}", h.GetRecord)
	mux.HandleFunc("PUT /api/records/{table}/{id}", h.UpdateRecord)
	mux.HandleFunc("DELETE /api/records/{table}/{id}", h.DeleteRecord)

	// Observability APIs
	mux.HandleFunc("GET /metrics", h.GetMetrics)
	mux.HandleFunc("GET /health", h.GetHealth)

	// Middlewares
	return Chain(
		mux,
		RecoveryMiddleware(h.logger),
		LoggingMiddleware(h.logger),
	)
}
