package relay

import (
	"context"

	"github.com/ashureev/retro-relay/internal/event"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/ashureev/retro-relay/internal/relay"

type metrics struct {
	events       metric.Int64Counter
	sendFailures metric.Int64Counter
}

func newMetrics(reg *Registry) *metrics {
	meter := otel.Meter(instrumentationName)

	events, _ := meter.Int64Counter("relay_events_total",
		metric.WithDescription("Client events handled, by event name and outcome"))
	sendFailures, _ := meter.Int64Counter("relay_send_failures_total",
		metric.WithDescription("Frames that could not be enqueued to a recipient"))
	rooms, _ := meter.Int64ObservableGauge("relay_rooms",
		metric.WithDescription("Number of rooms with at least one connection"))
	conns, _ := meter.Int64ObservableGauge("relay_connections",
		metric.WithDescription("Number of open relay connections"))

	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(rooms, int64(reg.RoomCount()))
		o.ObserveInt64(conns, int64(reg.ConnCount()))
		return nil
	}, rooms, conns)

	return &metrics{events: events, sendFailures: sendFailures}
}

func (m *metrics) event(ctx context.Context, name event.Name, outcome string) {
	m.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", string(name)),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) sendFailure(name event.Name) {
	m.sendFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("event", string(name)),
	))
}
