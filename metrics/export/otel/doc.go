// Package otel exports goMFA engine metrics through an OpenTelemetry Meter.
//
// [NewOTelExporter] registers one Int64ObservableCounter per engine counter
// and one Int64ObservableGauge per latency bucket. A single callback reads
// [goMFA.Engine.MetricsSnapshot] each collection cycle. Callers own the
// MeterProvider.
package otel
