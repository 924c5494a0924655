package internaldefs

import (
	goRefresh "github.com/MrEthical07/goRefresh"
)

// CounterDef binds an engine counter to its exported name.
type CounterDef struct {
	ID   goRefresh.MetricID
	Name string
	Help string
}

// HistogramDef binds an engine latency histogram to its exported name.
type HistogramDef struct {
	ID   goRefresh.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in render order.
var CounterDefs = []CounterDef{
	{ID: goRefresh.MetricIssueSuccess, Name: "gorefresh_issue_success_total", Help: "Token families started."},
	{ID: goRefresh.MetricIssueFailure, Name: "gorefresh_issue_failure_total", Help: "Failed issue operations."},
	{ID: goRefresh.MetricRotateSuccess, Name: "gorefresh_rotate_success_total", Help: "Committed rotations."},
	{ID: goRefresh.MetricRotateNotFound, Name: "gorefresh_rotate_not_found_total", Help: "Rotations with malformed, unknown, or wrong-session tokens."},
	{ID: goRefresh.MetricRotateExpired, Name: "gorefresh_rotate_expired_total", Help: "Rotations refused for expiry."},
	{ID: goRefresh.MetricRotateRateLimited, Name: "gorefresh_rotate_rate_limited_total", Help: "Throttled rotations."},
	{ID: goRefresh.MetricRotateFailure, Name: "gorefresh_rotate_failure_total", Help: "Rotations failed by store or generation errors."},
	{ID: goRefresh.MetricReplayDetected, Name: "gorefresh_replay_detected_total", Help: "Presentations of consumed or revoked tokens."},
	{ID: goRefresh.MetricRotateRaceLost, Name: "gorefresh_rotate_race_lost_total", Help: "Rotations that lost a concurrent consume."},
	{ID: goRefresh.MetricFamilyBurned, Name: "gorefresh_family_burned_total", Help: "Token families revoked."},
	{ID: goRefresh.MetricTokensRevoked, Name: "gorefresh_tokens_revoked_total", Help: "Records transitioned to revoked."},
	{ID: goRefresh.MetricSessionRevoked, Name: "gorefresh_session_revoked_total", Help: "Explicit session revocations."},
	{ID: goRefresh.MetricSessionVersionBumped, Name: "gorefresh_session_version_bumped_total", Help: "Session version increments."},
	{ID: goRefresh.MetricTokensExpired, Name: "gorefresh_tokens_expired_total", Help: "Records revoked by expiry sweeps."},
	{ID: goRefresh.MetricSweepRun, Name: "gorefresh_sweep_run_total", Help: "Completed expiry sweeps."},
	{ID: goRefresh.MetricSweepFailure, Name: "gorefresh_sweep_failure_total", Help: "Expiry sweeps that returned an error."},
	{ID: goRefresh.MetricAccessValid, Name: "gorefresh_access_valid_total", Help: "Accepted access tokens."},
	{ID: goRefresh.MetricAccessInvalid, Name: "gorefresh_access_invalid_total", Help: "Access tokens failing signature or claims checks."},
	{ID: goRefresh.MetricAccessStale, Name: "gorefresh_access_stale_total", Help: "Access tokens rejected for an old session version."},
}

// HistogramDefs lists every exported latency histogram.
var HistogramDefs = []HistogramDef{
	{ID: goRefresh.MetricRotateLatency, Name: "gorefresh_rotate_latency_seconds", Help: "Rotate latency histogram."},
	{ID: goRefresh.MetricSweepLatency, Name: "gorefresh_sweep_latency_seconds", Help: "Expiry sweep latency histogram."},
}

// HistogramBounds are the upper bounds of the eight engine buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// NormalizeBuckets pads or truncates raw to eight buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}

// Histogram is one latency histogram in exporter form.
type Histogram struct {
	Cumulative [8]uint64
	Count      uint64
	SumSeconds float64
}

// HistogramOf reads histogram id out of snapshot. Missing ids read as empty.
func HistogramOf(snapshot goRefresh.MetricsSnapshot, id goRefresh.MetricID) Histogram {
	cumulative := CumulativeBuckets(NormalizeBuckets(snapshot.Histograms[id]))
	return Histogram{
		Cumulative: cumulative,
		Count:      cumulative[len(cumulative)-1],
		SumSeconds: snapshot.HistogramSums[id].Seconds(),
	}
}
