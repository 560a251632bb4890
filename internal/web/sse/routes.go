package sse

import (
	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/verdict/internal/events"
	"github.com/hugo-lorenzo-mato/verdict/internal/metrics"
)

// RegisterRoutes registers the SSE handler at <prefix>/events.
func RegisterRoutes(r chi.Router, bus *events.EventBus, m *metrics.Metrics) *Handler {
	h := NewHandler(bus, m)
	r.Get("/events", h.ServeHTTP)
	return h
}
