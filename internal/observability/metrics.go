package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "execsync/engine"

// EngineMetrics aggregates the engine's OpenTelemetry instruments. The zero
// value is unusable; construct via NewEngineMetrics. With no meter provider
// installed the instruments are no-ops.
type EngineMetrics struct {
	ordersSubmitted  metric.Int64Counter
	fillsApplied     metric.Int64Counter
	duplicateEvents  metric.Int64Counter
	bufferedEvents   metric.Int64Counter
	streamReconnects metric.Int64Counter
	resyncQueries    metric.Int64Counter
	droppedEvents    metric.Int64Counter
}

// NewEngineMetrics registers the engine instruments on the global meter provider.
func NewEngineMetrics() (*EngineMetrics, error) {
	meter := otel.Meter(meterName)

	ordersSubmitted, err := meter.Int64Counter("engine.orders.submitted",
		metric.WithDescription("Orders accepted by the exchange"))
	if err != nil {
		return nil, err
	}
	fillsApplied, err := meter.Int64Counter("engine.fills.applied",
		metric.WithDescription("Distinct fills applied to the position ledger"))
	if err != nil {
		return nil, err
	}
	duplicateEvents, err := meter.Int64Counter("engine.events.duplicate",
		metric.WithDescription("Execution reports discarded as duplicates"))
	if err != nil {
		return nil, err
	}
	bufferedEvents, err := meter.Int64Counter("engine.events.buffered",
		metric.WithDescription("Execution reports buffered ahead of order registration"))
	if err != nil {
		return nil, err
	}
	streamReconnects, err := meter.Int64Counter("engine.stream.reconnects",
		metric.WithDescription("User data stream reconnections"))
	if err != nil {
		return nil, err
	}
	resyncQueries, err := meter.Int64Counter("engine.resync.queries",
		metric.WithDescription("REST order queries issued after stream gaps"))
	if err != nil {
		return nil, err
	}
	droppedEvents, err := meter.Int64Counter("engine.events.dropped",
		metric.WithDescription("Execution reports discarded at shutdown or buffer expiry"))
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		ordersSubmitted:  ordersSubmitted,
		fillsApplied:     fillsApplied,
		duplicateEvents:  duplicateEvents,
		bufferedEvents:   bufferedEvents,
		streamReconnects: streamReconnects,
		resyncQueries:    resyncQueries,
		droppedEvents:    droppedEvents,
	}, nil
}

// OrderSubmitted counts an accepted order submission.
func (m *EngineMetrics) OrderSubmitted(ctx context.Context, symbol string) {
	if m == nil {
		return
	}
	m.ordersSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// FillApplied counts a distinct fill applied to the ledger.
func (m *EngineMetrics) FillApplied(ctx context.Context, symbol string) {
	if m == nil {
		return
	}
	m.fillsApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// DuplicateEvent counts a suppressed duplicate execution report.
func (m *EngineMetrics) DuplicateEvent(ctx context.Context) {
	if m == nil {
		return
	}
	m.duplicateEvents.Add(ctx, 1)
}

// BufferedEvent counts an execution report parked ahead of registration.
func (m *EngineMetrics) BufferedEvent(ctx context.Context) {
	if m == nil {
		return
	}
	m.bufferedEvents.Add(ctx, 1)
}

// StreamReconnect counts a user data stream reconnection.
func (m *EngineMetrics) StreamReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.streamReconnects.Add(ctx, 1)
}

// ResyncQuery counts a post-reconnect REST reconciliation query.
func (m *EngineMetrics) ResyncQuery(ctx context.Context) {
	if m == nil {
		return
	}
	m.resyncQueries.Add(ctx, 1)
}

// DroppedEvents counts execution reports discarded without processing.
func (m *EngineMetrics) DroppedEvents(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedEvents.Add(ctx, n)
}
