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
	"errors"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName is the instrumentation scope used for every tracer and meter.
const InstrumentationName = "github.com/tombee/flowtrace"

// Provider wraps the OpenTelemetry SDK trace and meter providers used by one
// engine connection.
type Provider struct {
	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	registry *promclient.Registry
	cfg      Config
}

// Option customizes provider construction.
type Option func(*providerOptions)

type providerOptions struct {
	traceOpts    []sdktrace.TracerProviderOption
	metricReader sdkmetric.Reader
	skipExport   bool
}

// WithTracerProviderOptions appends raw SDK options, e.g. sdktrace.WithSyncer
// for an in-memory exporter in tests.
func WithTracerProviderOptions(opts ...sdktrace.TracerProviderOption) Option {
	return func(o *providerOptions) {
		o.traceOpts = append(o.traceOpts, opts...)
	}
}

// WithMetricReader replaces the Prometheus reader with the given reader.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *providerOptions) {
		o.metricReader = r
	}
}

// WithoutConfiguredExporters skips building exporters from Config.Exporters.
func WithoutConfiguredExporters() Option {
	return func(o *providerOptions) {
		o.skipExport = true
	}
}

// NewProvider creates the SDK providers described by cfg.
func NewProvider(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	var o providerOptions
	for _, opt := range opts {
		opt(&o)
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	p := &Provider{cfg: cfg}

	if cfg.Enabled {
		traceOpts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(NewSampler(cfg.Sampling)),
		}
		if !o.skipExport {
			processors, err := CreateExportersFromConfig(ctx, cfg)
			if err != nil {
				return nil, err
			}
			for _, sp := range processors {
				traceOpts = append(traceOpts, sdktrace.WithSpanProcessor(sp))
			}
		}
		traceOpts = append(traceOpts, o.traceOpts...)
		p.tp = sdktrace.NewTracerProvider(traceOpts...)
	}

	if cfg.MetricsEnabled {
		reader := o.metricReader
		if reader == nil {
			p.registry = promclient.NewRegistry()
			exporter, err := prometheus.New(prometheus.WithRegisterer(p.registry))
			if err != nil {
				return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
			}
			reader = exporter
		}
		p.mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
	}

	return p, nil
}

func newResource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	for k, v := range cfg.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	// Empty schema URL avoids conflicts when merging with the default resource.
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes("", attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// TracingEnabled reports whether spans are produced.
func (p *Provider) TracingEnabled() bool {
	return p != nil && p.tp != nil
}

// MetricsEnabled reports whether metrics are recorded.
func (p *Provider) MetricsEnabled() bool {
	return p != nil && p.mp != nil
}

// Tracer returns the engine tracer, or a no-op tracer when tracing is off.
func (p *Provider) Tracer() trace.Tracer {
	if !p.TracingEnabled() {
		return tracenoop.NewTracerProvider().Tracer(InstrumentationName)
	}
	return p.tp.Tracer(InstrumentationName)
}

// Meter returns the engine meter, or a no-op meter when metrics are off.
func (p *Provider) Meter() metric.Meter {
	if !p.MetricsEnabled() {
		return metricnoop.NewMeterProvider().Meter(InstrumentationName)
	}
	return p.mp.Meter(InstrumentationName)
}

// MetricsHandler returns an HTTP handler serving the Prometheus registry.
// It returns nil when metrics are disabled or a custom reader is in use.
func (p *Provider) MetricsHandler() http.Handler {
	if p == nil || p.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// ForceFlush exports all pending spans and metrics synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.ForceFlush(ctx))
	}
	if p.mp != nil {
		errs = append(errs, p.mp.ForceFlush(ctx))
	}
	return errors.Join(errs...)
}

// Shutdown flushes any pending data and releases resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.Shutdown(ctx))
	}
	if p.mp != nil {
		errs = append(errs, p.mp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
