package gateway

import (
	"context"

	"gravitas/pkg/audit"
	"gravitas/pkg/statebus"
	"gravitas/pkg/stream"
)

// StreamPublisher forwards persisted audit events to stream subscribers.
func StreamPublisher(h *stream.Hub) audit.Publisher {
	return audit.PublisherFunc(func(_ context.Context, ev audit.Event) error {
		h.Emit(stream.TypeAudit, ev)
		return nil
	})
}

// BusPublisher fans audit events out to a message bus keyed by identity.
func BusPublisher(p statebus.Producer) audit.Publisher {
	return audit.PublisherFunc(func(ctx context.Context, ev audit.Event) error {
		return p.Publish(ctx, ev.Identity, ev)
	})
}
