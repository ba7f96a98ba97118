package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/nndrao/gridfeed"

// Metrics bundles the instruments recorded by providers and consumers.
type Metrics struct {
	FramesReceived  metric.Int64Counter
	FramesDropped   metric.Int64Counter
	RowsIngested    metric.Int64Counter
	SnapshotBatches metric.Int64Counter
	LiveUpdates     metric.Int64Counter
	Reconnects      metric.Int64Counter
	BatchSize       metric.Int64Histogram
}

// NewMetrics registers the gridfeed instrument set against the meter provider.
func NewMetrics(provider *Provider) (*Metrics, error) {
	meter := provider.Meter(meterName)

	framesReceived, err := meter.Int64Counter("gridfeed.frames.received",
		metric.WithDescription("Frames delivered by the transport"))
	if err != nil {
		return nil, fmt.Errorf("frames received counter: %w", err)
	}
	framesDropped, err := meter.Int64Counter("gridfeed.frames.dropped",
		metric.WithDescription("Frames dropped due to parse failures"))
	if err != nil {
		return nil, fmt.Errorf("frames dropped counter: %w", err)
	}
	rowsIngested, err := meter.Int64Counter("gridfeed.rows.ingested",
		metric.WithDescription("Rows parsed from inbound frames"))
	if err != nil {
		return nil, fmt.Errorf("rows ingested counter: %w", err)
	}
	snapshotBatches, err := meter.Int64Counter("gridfeed.snapshot.batches",
		metric.WithDescription("Snapshot batches emitted"))
	if err != nil {
		return nil, fmt.Errorf("snapshot batches counter: %w", err)
	}
	liveUpdates, err := meter.Int64Counter("gridfeed.live.updates",
		metric.WithDescription("Live update events emitted"))
	if err != nil {
		return nil, fmt.Errorf("live updates counter: %w", err)
	}
	reconnects, err := meter.Int64Counter("gridfeed.reconnects",
		metric.WithDescription("Reconnect attempts"))
	if err != nil {
		return nil, fmt.Errorf("reconnects counter: %w", err)
	}
	batchSize, err := meter.Int64Histogram("gridfeed.batch.size",
		metric.WithDescription("Rows per emitted batch"))
	if err != nil {
		return nil, fmt.Errorf("batch size histogram: %w", err)
	}

	return &Metrics{
		FramesReceived:  framesReceived,
		FramesDropped:   framesDropped,
		RowsIngested:    rowsIngested,
		SnapshotBatches: snapshotBatches,
		LiveUpdates:     liveUpdates,
		Reconnects:      reconnects,
		BatchSize:       batchSize,
	}, nil
}

// NoopMetrics returns an instrument set that records nothing. Used when a
// caller opts out of telemetry.
func NoopMetrics() *Metrics {
	meter := noop.NewMeterProvider().Meter(meterName)
	framesReceived, _ := meter.Int64Counter("gridfeed.frames.received")
	framesDropped, _ := meter.Int64Counter("gridfeed.frames.dropped")
	rowsIngested, _ := meter.Int64Counter("gridfeed.rows.ingested")
	snapshotBatches, _ := meter.Int64Counter("gridfeed.snapshot.batches")
	liveUpdates, _ := meter.Int64Counter("gridfeed.live.updates")
	reconnects, _ := meter.Int64Counter("gridfeed.reconnects")
	batchSize, _ := meter.Int64Histogram("gridfeed.batch.size")
	return &Metrics{
		FramesReceived:  framesReceived,
		FramesDropped:   framesDropped,
		RowsIngested:    rowsIngested,
		SnapshotBatches: snapshotBatches,
		LiveUpdates:     liveUpdates,
		Reconnects:      reconnects,
		BatchSize:       batchSize,
	}
}

// ProviderAttr labels a measurement with its datasource id.
func ProviderAttr(id string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("provider", id))
}

// RecordBatch records one emitted batch for the datasource.
func (m *Metrics) RecordBatch(ctx context.Context, id string, rows int, partial bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", id),
		attribute.Bool("partial", partial),
	)
	m.SnapshotBatches.Add(ctx, 1, attrs)
	m.BatchSize.Record(ctx, int64(rows), attrs)
}
