// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records the engine's own health counters. All methods are safe on
// a nil receiver so components can run without metrics.
type Metrics struct {
	transactionsStarted metric.Int64Counter
	transactionsEnded   metric.Int64Counter
	spansTotal          metric.Int64Counter
	unknownTransactions metric.Int64Counter
	notificationErrors  metric.Int64Counter

	active atomic.Int64
}

// NewMetrics creates the engine instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.transactionsStarted, err = meter.Int64Counter(
		"flowtrace_transactions_started_total",
		metric.WithDescription("Total number of transactions started"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, err
	}

	m.transactionsEnded, err = meter.Int64Counter(
		"flowtrace_transactions_ended_total",
		metric.WithDescription("Total number of transactions ended and evicted"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, err
	}

	m.spansTotal, err = meter.Int64Counter(
		"flowtrace_spans_total",
		metric.WithDescription("Total number of spans opened"),
		metric.WithUnit("{span}"),
	)
	if err != nil {
		return nil, err
	}

	m.unknownTransactions, err = meter.Int64Counter(
		"flowtrace_unknown_transaction_total",
		metric.WithDescription("Mutations referencing a transaction the store does not hold"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	m.notificationErrors, err = meter.Int64Counter(
		"flowtrace_notification_errors_total",
		metric.WithDescription("Notifications whose handling failed"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"flowtrace_active_transactions",
		metric.WithDescription("Number of transactions currently resident in the store"),
		metric.WithUnit("{transaction}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(m.active.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TransactionStarted records a new resident transaction.
func (m *Metrics) TransactionStarted(ctx context.Context, flow string) {
	if m == nil {
		return
	}
	m.active.Add(1)
	m.transactionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", flow)))
}

// TransactionEnded records an evicted transaction.
func (m *Metrics) TransactionEnded(ctx context.Context, flow string, reason string) {
	if m == nil {
		return
	}
	m.active.Add(-1)
	m.transactionsEnded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow", flow),
		attribute.String("reason", reason),
	))
}

// SpanOpened records a new span of the given kind.
func (m *Metrics) SpanOpened(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.spansTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// UnknownTransaction records a mutation against an unknown transaction.
func (m *Metrics) UnknownTransaction(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.unknownTransactions.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// NotificationError records a failed notification.
func (m *Metrics) NotificationError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.notificationErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("event_kind", kind)))
}

// Active returns the number of resident transactions as seen by the metrics.
func (m *Metrics) Active() int64 {
	if m == nil {
		return 0
	}
	return m.active.Load()
}

// MetricKind selects the instrument a metric notification is recorded with.
type MetricKind string

const (
	// MetricKindCounter records monotonic increments.
	MetricKindCounter MetricKind = "counter"

	// MetricKindUpDownCounter records increments that may be negative.
	MetricKindUpDownCounter MetricKind = "updown_counter"

	// MetricKindHistogram records a distribution of values.
	MetricKindHistogram MetricKind = "histogram"
)

// MetricRecord is one application metric forwarded from a host notification.
type MetricRecord struct {
	Name        string
	Value       float64
	Kind        MetricKind
	Unit        string
	Description string
	Attributes  map[string]string
}

// MetricSink records application metrics on lazily created instruments.
// Instruments are cached by name; the first record for a name fixes its kind.
type MetricSink struct {
	meter metric.Meter

	mu          sync.RWMutex
	instruments map[string]recorder
}

type recorder struct {
	kind MetricKind
	rec  func(ctx context.Context, v float64, opts ...metric.AddOption)
	hist metric.Float64Histogram
}

// NewMetricSink creates a sink on the given meter.
func NewMetricSink(meter metric.Meter) *MetricSink {
	return &MetricSink{
		meter:       meter,
		instruments: make(map[string]recorder),
	}
}

// Record forwards one metric notification.
func (s *MetricSink) Record(ctx context.Context, rec MetricRecord) error {
	if rec.Name == "" {
		return fmt.Errorf("metric name is required")
	}
	kind := rec.Kind
	if kind == "" {
		kind = MetricKindCounter
	}
	if kind == MetricKindCounter && rec.Value < 0 {
		return fmt.Errorf("counter %s cannot record negative value %v", rec.Name, rec.Value)
	}

	r, err := s.instrument(rec.Name, kind, rec.Unit, rec.Description)
	if err != nil {
		return err
	}
	if r.kind != kind {
		return fmt.Errorf("metric %s already registered as %s", rec.Name, r.kind)
	}

	attrs := make([]attribute.KeyValue, 0, len(rec.Attributes))
	for k, v := range rec.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	set := attribute.NewSet(attrs...)

	if r.hist != nil {
		r.hist.Record(ctx, rec.Value, metric.WithAttributeSet(set))
		return nil
	}
	r.rec(ctx, rec.Value, metric.WithAttributeSet(set))
	return nil
}

func (s *MetricSink) instrument(name string, kind MetricKind, unit, desc string) (recorder, error) {
	s.mu.RLock()
	r, ok := s.instruments[name]
	s.mu.RUnlock()
	if ok {
		return r, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.instruments[name]; ok {
		return r, nil
	}

	var opts []metric.InstrumentOption
	if unit != "" {
		opts = append(opts, metric.WithUnit(unit))
	}
	if desc != "" {
		opts = append(opts, metric.WithDescription(desc))
	}

	r = recorder{kind: kind}
	switch kind {
	case MetricKindCounter:
		c, err := s.meter.Float64Counter(name, float64CounterOpts(opts)...)
		if err != nil {
			return recorder{}, err
		}
		r.rec = c.Add
	case MetricKindUpDownCounter:
		c, err := s.meter.Float64UpDownCounter(name, float64UpDownOpts(opts)...)
		if err != nil {
			return recorder{}, err
		}
		r.rec = c.Add
	case MetricKindHistogram:
		h, err := s.meter.Float64Histogram(name, float64HistogramOpts(opts)...)
		if err != nil {
			return recorder{}, err
		}
		r.hist = h
	default:
		return recorder{}, fmt.Errorf("unsupported metric kind %q", kind)
	}

	s.instruments[name] = r
	return r, nil
}

func float64CounterOpts(in []metric.InstrumentOption) []metric.Float64CounterOption {
	out := make([]metric.Float64CounterOption, 0, len(in))
	for _, o := range in {
		out = append(out, o)
	}
	return out
}

func float64UpDownOpts(in []metric.InstrumentOption) []metric.Float64UpDownCounterOption {
	out := make([]metric.Float64UpDownCounterOption, 0, len(in))
	for _, o := range in {
		out = append(out, o)
	}
	return out
}

func float64HistogramOpts(in []metric.InstrumentOption) []metric.Float64HistogramOption {
	out := make([]metric.Float64HistogramOption, 0, len(in))
	for _, o := range in {
		out = append(out, o)
	}
	return out
}
