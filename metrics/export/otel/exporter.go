package otel

import (
	"context"
	"errors"
	"fmt"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/MrEthical07/goMFA/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("otel exporter: meter is nil")
	ErrNilSource = errors.New("otel exporter: metrics source is nil")
)

// Source is what the exporter reads once per collection cycle.
// *goMFA.Engine satisfies it.
type Source interface {
	MetricsSnapshot() goMFA.MetricsSnapshot
	AuditDropped() uint64
}

// latencySeries holds one gauge per cumulative bucket; the last entry is
// the sample count.
type latencySeries struct {
	id     goMFA.MetricID
	gauges []metric.Int64ObservableGauge
}

// OTelExporter mirrors engine counters and latency histograms into
// asynchronous OpenTelemetry instruments.
type OTelExporter struct {
	source       Source
	counters     map[goMFA.MetricID]metric.Int64ObservableCounter
	latencies    []latencySeries
	auditDropped metric.Int64ObservableCounter
	registration metric.Registration
}

// NewOTelExporter registers instruments for every engine metric on meter.
func NewOTelExporter(meter metric.Meter, engine *goMFA.Engine) (*OTelExporter, error) {
	if engine == nil {
		return nil, ErrNilSource
	}
	return NewOTelExporterFromSource(meter, engine)
}

// NewOTelExporterFromSource is NewOTelExporter for any Source.
func NewOTelExporterFromSource(meter metric.Meter, source Source) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &OTelExporter{
		source:   source,
		counters: make(map[goMFA.MetricID]metric.Int64ObservableCounter, len(internaldefs.CounterDefs)),
	}
	instruments, err := e.instrument(meter)
	if err != nil {
		return nil, err
	}
	e.registration, err = meter.RegisterCallback(e.observe, instruments...)
	if err != nil {
		return nil, fmt.Errorf("otel exporter: register callback: %w", err)
	}
	return e, nil
}

func (e *OTelExporter) instrument(meter metric.Meter) ([]metric.Observable, error) {
	var instruments []metric.Observable

	counter := func(name, help string) (metric.Int64ObservableCounter, error) {
		c, err := meter.Int64ObservableCounter(name, metric.WithDescription(help))
		if err != nil {
			return nil, fmt.Errorf("otel exporter: counter %s: %w", name, err)
		}
		instruments = append(instruments, c)
		return c, nil
	}
	gauge := func(name, help string) (metric.Int64ObservableGauge, error) {
		g, err := meter.Int64ObservableGauge(name, metric.WithDescription(help))
		if err != nil {
			return nil, fmt.Errorf("otel exporter: gauge %s: %w", name, err)
		}
		instruments = append(instruments, g)
		return g, nil
	}

	for _, def := range internaldefs.CounterDefs {
		c, err := counter(def.Name, def.Help)
		if err != nil {
			return nil, err
		}
		e.counters[def.ID] = c
	}

	for _, def := range internaldefs.HistogramDefs {
		series := latencySeries{id: def.ID}
		for _, suffix := range internaldefs.HistogramBoundSuffix {
			g, err := gauge(def.Name+"_bucket_le_"+suffix, def.Help+" Cumulative bucket.")
			if err != nil {
				return nil, err
			}
			series.gauges = append(series.gauges, g)
		}
		g, err := gauge(def.Name+"_count", def.Help+" Sample count.")
		if err != nil {
			return nil, err
		}
		series.gauges = append(series.gauges, g)
		e.latencies = append(e.latencies, series)
	}

	dropped, err := counter(internaldefs.AuditDroppedName, internaldefs.AuditDroppedHelp)
	if err != nil {
		return nil, err
	}
	e.auditDropped = dropped
	return instruments, nil
}

// observe takes one snapshot per cycle. An empty snapshot means engine
// metrics are disabled; only the audit drop count is reported then.
func (e *OTelExporter) observe(_ context.Context, o metric.Observer) error {
	defer func() {
		o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	}()

	snap := e.source.MetricsSnapshot()
	if len(snap.Counters) == 0 && len(snap.Histograms) == 0 {
		return nil
	}

	for id, c := range e.counters {
		o.ObserveInt64(c, int64(snap.Counters[id]))
	}
	for _, series := range e.latencies {
		raw, ok := snap.Histograms[series.id]
		if !ok {
			continue
		}
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		last := len(series.gauges) - 1
		for i, g := range series.gauges[:last] {
			o.ObserveInt64(g, int64(cumulative[i]))
		}
		o.ObserveInt64(series.gauges[last], int64(cumulative[len(cumulative)-1]))
	}
	return nil
}

// Close unregisters the collection callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
