// Package otel binds engine counters and histograms to OpenTelemetry
// observable instruments.
//
// [NewOTelExporter] registers one Int64ObservableCounter per counter. Each
// latency histogram becomes a _bucket counter keyed by the le attribute, a
// _count counter and a Float64ObservableCounter _sum in seconds. A single
// callback reads [goRefresh.Engine.MetricsSnapshot] on each collection.
//
// # What this package must NOT do
//
//   - Own the MeterProvider; callers supply the Meter.
//   - Mutate engine state.
package otel
