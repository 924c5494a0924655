package prometheus

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	goRefresh "github.com/MrEthical07/goRefresh"
	"github.com/MrEthical07/goRefresh/metrics/export/internaldefs"
)

const (
	contentType = "text/plain; version=0.0.4; charset=utf-8"

	auditDroppedName = "gorefresh_audit_dropped_total"
	auditDroppedHelp = "Audit events dropped because the dispatcher buffer was full."
)

type metricsSource interface {
	MetricsSnapshot() goRefresh.MetricsSnapshot
	AuditDropped() uint64
}

// PrometheusExporter renders engine counters and latency histograms in the
// Prometheus text exposition format. Each scrape takes a fresh snapshot.
type PrometheusExporter struct {
	source metricsSource
}

// NewPrometheusExporter reads from engine on every scrape.
func NewPrometheusExporter(engine *goRefresh.Engine) *PrometheusExporter {
	return &PrometheusExporter{source: engine}
}

// NewPrometheusExporterFromSource reads from any snapshot source.
func NewPrometheusExporterFromSource(source metricsSource) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

// Handler serves Render. A disabled engine yields an empty 200 body.
func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render returns the current exposition, or "" when nothing is collected.
func (p *PrometheusExporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	snapshot := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 {
		return ""
	}

	var buf bytes.Buffer
	buf.Grow(4096)

	for _, def := range internaldefs.CounterDefs {
		header(&buf, def.Name, def.Help, "counter")
		fmt.Fprintf(&buf, "%s %d\n", def.Name, snapshot.Counters[def.ID])
	}
	for _, def := range internaldefs.HistogramDefs {
		histogram(&buf, def, internaldefs.HistogramOf(snapshot, def.ID))
	}
	header(&buf, auditDroppedName, auditDroppedHelp, "counter")
	fmt.Fprintf(&buf, "%s %d\n", auditDroppedName, dropped)

	return buf.String()
}

func header(buf *bytes.Buffer, name, help, kind string) {
	fmt.Fprintf(buf, "# HELP %s %s\n# TYPE %s %s\n", name, escapeHelp(help), name, kind)
}

func histogram(buf *bytes.Buffer, def internaldefs.HistogramDef, h internaldefs.Histogram) {
	header(buf, def.Name, def.Help, "histogram")
	for i, le := range internaldefs.HistogramBounds {
		fmt.Fprintf(buf, "%s_bucket{le=%q} %d\n", def.Name, le, h.Cumulative[i])
	}
	fmt.Fprintf(buf, "%s_sum %s\n", def.Name, strconv.FormatFloat(h.SumSeconds, 'g', -1, 64))
	fmt.Fprintf(buf, "%s_count %d\n", def.Name, h.Count)
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func escapeHelp(help string) string {
	return helpEscaper.Replace(help)
}
