// Package prometheus serves engine metrics in the Prometheus text format.
//
// [NewPrometheusExporter] wraps a [goRefresh.Engine] and exposes an
// [http.Handler]. Counters are named gorefresh_*_total; the rotate and sweep
// latency histograms are gorefresh_rotate_latency_seconds and
// gorefresh_sweep_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry; callers mount the Handler.
//   - Mutate engine state.
package prometheus
