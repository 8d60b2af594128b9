package events

import (
	"context"

	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

// HandlerFunc adapts a function to DeliveryHandler.
type HandlerFunc func(ctx context.Context, entry OutboxEntry) error

func (f HandlerFunc) Handle(ctx context.Context, entry OutboxEntry) error {
	return f(ctx, entry)
}

// Router dispatches outbox entries by event type, falling back to a default handler.
type Router struct {
	routes   map[string]DeliveryHandler
	fallback DeliveryHandler
}

func NewRouter(fallback DeliveryHandler) *Router {
	return &Router{routes: make(map[string]DeliveryHandler), fallback: fallback}
}

// On registers h for eventType.
func (r *Router) On(eventType string, h DeliveryHandler) *Router {
	r.routes[eventType] = h
	return r
}

func (r *Router) Handle(ctx context.Context, entry OutboxEntry) error {
	if h, ok := r.routes[entry.Type]; ok {
		return h.Handle(ctx, entry)
	}
	if r.fallback != nil {
		return r.fallback.Handle(ctx, entry)
	}
	return nil
}

// LogHandler logs entries and reports them delivered; it stands in for a queue in local setups.
type LogHandler struct {
	logger *logging.Logger
}

func NewLogHandler(logger *logging.Logger) *LogHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogHandler{logger: logger}
}

func (h *LogHandler) Handle(ctx context.Context, entry OutboxEntry) error {
	h.logger.Info("outbox event", "event_id", entry.ID, "type", entry.Type, "aggregate", entry.Aggregate)
	return nil
}
