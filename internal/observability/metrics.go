package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Metrics holds the OTel instruments recorded by the sync engines
type Metrics struct {
	ExchangesTotal    metric.Int64Counter
	ExchangeDuration  metric.Float64Histogram
	EventsApplied     metric.Int64Counter
	EventsSent        metric.Int64Counter
	ConflictsResolved metric.Int64Counter
	EventsRecorded    metric.Int64Counter

	FullSyncSessions metric.Int64Counter
	FullSyncBytes    metric.Int64Counter
	FullSyncRows     metric.Int64Counter
	FullSyncActive   metric.Int64UpDownCounter

	DiscoveryAnnouncements metric.Int64Counter
	AuthFailures           metric.Int64Counter
}

// NewMetrics creates all instruments on the given provider
func NewMetrics(meterProvider metric.MeterProvider, serviceName string) (*Metrics, error) {
	meter := meterProvider.Meter(serviceName)
	m := &Metrics{}
	var err error

	if m.ExchangesTotal, err = meter.Int64Counter("dbsync_exchanges_total",
		metric.WithDescription("Incremental exchanges attempted, by outcome")); err != nil {
		return nil, err
	}
	if m.ExchangeDuration, err = meter.Float64Histogram("dbsync_exchange_duration",
		metric.WithDescription("Incremental exchange duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.EventsApplied, err = meter.Int64Counter("dbsync_events_applied_total",
		metric.WithDescription("Remote change events that won and were applied")); err != nil {
		return nil, err
	}
	if m.EventsSent, err = meter.Int64Counter("dbsync_events_sent_total",
		metric.WithDescription("Local change events offered to peers")); err != nil {
		return nil, err
	}
	if m.ConflictsResolved, err = meter.Int64Counter("dbsync_conflicts_total",
		metric.WithDescription("Remote events discarded because a newer version exists")); err != nil {
		return nil, err
	}
	if m.EventsRecorded, err = meter.Int64Counter("dbsync_events_recorded_total",
		metric.WithDescription("Change events written by the host application")); err != nil {
		return nil, err
	}
	if m.FullSyncSessions, err = meter.Int64Counter("dbsync_fullsync_sessions_total",
		metric.WithDescription("Full sync sessions finished, by terminal status")); err != nil {
		return nil, err
	}
	if m.FullSyncBytes, err = meter.Int64Counter("dbsync_fullsync_bytes_total",
		metric.WithDescription("Snapshot bytes transferred"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.FullSyncRows, err = meter.Int64Counter("dbsync_fullsync_rows_total",
		metric.WithDescription("Snapshot rows restored")); err != nil {
		return nil, err
	}
	if m.FullSyncActive, err = meter.Int64UpDownCounter("dbsync_fullsync_active",
		metric.WithDescription("Full sync sessions currently running")); err != nil {
		return nil, err
	}
	if m.DiscoveryAnnouncements, err = meter.Int64Counter("dbsync_discovery_announcements_total",
		metric.WithDescription("Discovery announcements received, by verdict")); err != nil {
		return nil, err
	}
	if m.AuthFailures, err = meter.Int64Counter("dbsync_auth_failures_total",
		metric.WithDescription("Peer handshakes rejected for a registration key mismatch")); err != nil {
		return nil, err
	}

	return m, nil
}

// NewNopMetrics returns instruments backed by a no-op provider
func NewNopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider(), "dbsync")
	if err != nil {
		panic(err)
	}
	return m
}

// Outcome is a convenience attribute set for counters split by result
func Outcome(outcome string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("outcome", outcome))
}

// Add increments a counter without a context at hand
func Add(c metric.Int64Counter, n int64, opts ...metric.AddOption) {
	c.Add(context.Background(), n, opts...)
}

// InitMetricsProvider initializes the OpenTelemetry metrics provider
func InitMetricsProvider(ctx context.Context, endpoint string, serviceName string) (metric.MeterProvider, func(context.Context) error, error) {
	if endpoint == "" {
		mp := sdkmetric.NewMeterProvider()
		return mp, mp.Shutdown, nil
	}

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)

	otel.SetMeterProvider(mp)

	return mp, mp.Shutdown, nil
}
