package core

import (
	"context"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// OTelTelemetry is the Telemetry implementation wired into the
// composition root: spans go through the global OpenTelemetry tracer
// provider (whatever exporter the process configures, a no-op tracer
// if none), and metrics are routed into Prometheus instruments keyed
// by name. One seam backs both a tracer and a metrics registry, with
// a name-pattern heuristic for picking counter vs. histogram.
type OTelTelemetry struct {
	tracer   oteltrace.Tracer
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewOTelTelemetry builds a Telemetry backed by the global OTel tracer
// provider under tracerName and a fresh Prometheus registry.
func NewOTelTelemetry(tracerName string) *OTelTelemetry {
	return &OTelTelemetry{
		tracer:     otel.Tracer(tracerName),
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the Prometheus registry for the process's /metrics
// endpoint to serve.
func (t *OTelTelemetry) Registry() *prometheus.Registry { return t.registry }

func (t *OTelTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric routes value into a Counter or Histogram based on name
// (duration/latency names are histograms, everything else counts), so
// scheduling-loop and provider-manager call sites don't need to pick
// an instrument type themselves.
func (t *OTelTelemetry) RecordMetric(name string, value float64, labels map[string]string) {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}

	if isDurationMetric(name) {
		h := t.histogramFor(name, keys)
		h.With(prometheus.Labels(labels)).Observe(value)
		return
	}
	c := t.counterFor(name, keys)
	c.With(prometheus.Labels(labels)).Add(value)
}

func isDurationMetric(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "duration") || strings.Contains(lower, "latency") || strings.Contains(lower, "_ms")
}

func (t *OTelTelemetry) counterFor(name string, labelKeys []string) *prometheus.CounterVec {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: sanitizeMetricName(name),
		Help: name,
	}, labelKeys)
	t.registry.MustRegister(c)
	t.counters[name] = c
	return c
}

func (t *OTelTelemetry) histogramFor(name string, labelKeys []string) *prometheus.HistogramVec {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    sanitizeMetricName(name),
		Help:    name,
		Buckets: prometheus.DefBuckets,
	}, labelKeys)
	t.registry.MustRegister(h)
	t.histograms[name] = h
	return h
}

func sanitizeMetricName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

type otelSpan struct {
	span oteltrace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, stringify(v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	type stringer interface{ String() string }
	if sv, ok := v.(stringer); ok {
		return sv.String()
	}
	return ""
}
