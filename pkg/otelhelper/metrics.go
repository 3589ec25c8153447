package otelhelper

import (
	"go.opentelemetry.io/otel/metric"
)

// NewDurationHistogram creates a seconds-unit histogram with bucket boundaries
// suited to request latencies (sub-millisecond through tens of seconds).
func NewDurationHistogram(meter metric.Meter, name, description string) (metric.Float64Histogram, error) {
	return meter.Float64Histogram(name,
		metric.WithDescription(description),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
			0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
		),
	)
}
