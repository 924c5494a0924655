package otel

import (
	"context"
	"errors"
	"fmt"

	goRefresh "github.com/MrEthical07/goRefresh"
	"github.com/MrEthical07/goRefresh/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() goRefresh.MetricsSnapshot
	AuditDropped() uint64
}

// observeFunc reports one instrument from a snapshot taken once per collection.
type observeFunc func(metric.Observer, goRefresh.MetricsSnapshot)

// OTelExporter mirrors engine snapshots onto asynchronous instruments. All
// instruments share one callback so a collection sees a single snapshot.
type OTelExporter struct {
	source       metricsSource
	observers    []observeFunc
	instruments  []metric.Observable
	registration metric.Registration
}

// NewOTelExporter registers instruments on meter that read engine.
func NewOTelExporter(meter metric.Meter, engine *goRefresh.Engine) (*OTelExporter, error) {
	return NewOTelExporterFromSource(meter, engine)
}

// NewOTelExporterFromSource registers instruments on meter that read source.
// Histogram buckets are one cumulative counter per histogram, keyed by the le
// attribute, alongside _count and a _sum in seconds.
func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &OTelExporter{source: source}
	for _, def := range internaldefs.CounterDefs {
		if err := e.addCounter(meter, def); err != nil {
			return nil, err
		}
	}
	for _, def := range internaldefs.HistogramDefs {
		if err := e.addHistogram(meter, def); err != nil {
			return nil, err
		}
	}
	if err := e.addAuditDropped(meter); err != nil {
		return nil, err
	}

	registration, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snapshot := e.source.MetricsSnapshot()
		for _, observe := range e.observers {
			observe(o, snapshot)
		}
		return nil
	}, e.instruments...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	e.registration = registration
	return e, nil
}

func (e *OTelExporter) addCounter(meter metric.Meter, def internaldefs.CounterDef) error {
	ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
	if err != nil {
		return fmt.Errorf("create counter %s: %w", def.Name, err)
	}
	id := def.ID
	e.instruments = append(e.instruments, ins)
	e.observers = append(e.observers, func(o metric.Observer, s goRefresh.MetricsSnapshot) {
		o.ObserveInt64(ins, int64(s.Counters[id]))
	})
	return nil
}

func (e *OTelExporter) addHistogram(meter metric.Meter, def internaldefs.HistogramDef) error {
	buckets, err := meter.Int64ObservableCounter(def.Name+"_bucket",
		metric.WithDescription(def.Help+" Cumulative bucket counts."))
	if err != nil {
		return fmt.Errorf("create histogram buckets %s: %w", def.Name, err)
	}
	count, err := meter.Int64ObservableCounter(def.Name+"_count",
		metric.WithDescription(def.Help+" Sample count."))
	if err != nil {
		return fmt.Errorf("create histogram count %s: %w", def.Name, err)
	}
	sum, err := meter.Float64ObservableCounter(def.Name+"_sum",
		metric.WithDescription(def.Help+" Total observed latency."),
		metric.WithUnit("s"))
	if err != nil {
		return fmt.Errorf("create histogram sum %s: %w", def.Name, err)
	}

	bounds := make([]metric.ObserveOption, len(internaldefs.HistogramBounds))
	for i, le := range internaldefs.HistogramBounds {
		bounds[i] = metric.WithAttributes(attribute.String("le", le))
	}

	id := def.ID
	e.instruments = append(e.instruments, buckets, count, sum)
	e.observers = append(e.observers, func(o metric.Observer, s goRefresh.MetricsSnapshot) {
		h := internaldefs.HistogramOf(s, id)
		for i, opt := range bounds {
			o.ObserveInt64(buckets, int64(h.Cumulative[i]), opt)
		}
		o.ObserveInt64(count, int64(h.Count))
		o.ObserveFloat64(sum, h.SumSeconds)
	})
	return nil
}

func (e *OTelExporter) addAuditDropped(meter metric.Meter) error {
	ins, err := meter.Int64ObservableCounter("gorefresh_audit_dropped_total",
		metric.WithDescription("Audit events dropped because the dispatcher buffer was full."))
	if err != nil {
		return fmt.Errorf("create audit dropped counter: %w", err)
	}
	e.instruments = append(e.instruments, ins)
	e.observers = append(e.observers, func(o metric.Observer, _ goRefresh.MetricsSnapshot) {
		o.ObserveInt64(ins, int64(e.source.AuditDropped()))
	})
	return nil
}

// Close unregisters the callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
