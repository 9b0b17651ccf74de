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
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newTestProvider(t *testing.T, cfg Config) (*Provider, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	provider, err := NewProvider(context.Background(), cfg,
		WithoutConfiguredExporters(),
		WithTracerProviderOptions(sdktrace.WithSyncer(exporter)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return provider, exporter
}

func TestProvider_ExportsSpans(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServiceName = "orders-app"
	provider, exporter := newTestProvider(t, cfg)

	require.True(t, provider.TracingEnabled())
	assert.False(t, provider.MetricsEnabled())

	ctx, parent := provider.Tracer().Start(context.Background(), "order-flow",
		trace.WithSpanKind(trace.SpanKindServer))
	_, child := provider.Tracer().Start(ctx, "http:request")
	child.End()
	parent.End()

	require.NoError(t, provider.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "http:request", spans[0].Name)
	assert.Equal(t, "order-flow", spans[1].Name)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
	assert.Equal(t, trace.SpanKindServer, spans[1].SpanKind)

	var serviceName string
	for _, kv := range spans[1].Resource.Attributes() {
		if kv.Key == "service.name" {
			serviceName = kv.Value.AsString()
		}
	}
	assert.Equal(t, "orders-app", serviceName)
}

func TestProvider_TracingDisabledUsesNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	provider, exporter := newTestProvider(t, cfg)

	assert.False(t, provider.TracingEnabled())

	_, span := provider.Tracer().Start(context.Background(), "ignored")
	assert.False(t, span.IsRecording())
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	assert.Empty(t, exporter.GetSpans())
}

func TestProvider_MetricsHandlerServesRegistry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.MetricsEnabled = true

	provider, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	metrics, err := NewMetrics(provider.Meter())
	require.NoError(t, err)
	metrics.TransactionStarted(context.Background(), "order-flow")

	handler := provider.MetricsHandler()
	require.NotNil(t, handler)

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "flowtrace_transactions_started")
	assert.Contains(t, string(body), "flowtrace_active_transactions")
}

func TestProvider_CustomMetricReaderHasNoHandler(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsEnabled = true

	provider, err := NewProvider(context.Background(), cfg,
		WithoutConfiguredExporters(),
		WithMetricReader(sdkmetric.NewManualReader()),
	)
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	assert.True(t, provider.MetricsEnabled())
	assert.Nil(t, provider.MetricsHandler())
}

func TestProvider_NilSafe(t *testing.T) {
	var p *Provider
	assert.False(t, p.TracingEnabled())
	assert.False(t, p.MetricsEnabled())
	assert.NoError(t, p.ForceFlush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
}

func TestCreateExporter_Types(t *testing.T) {
	ctx := context.Background()

	exp, err := CreateExporter(ctx, ExporterConfig{Type: "none"})
	require.NoError(t, err)
	assert.Nil(t, exp)

	exp, err = CreateExporter(ctx, ExporterConfig{Type: "console"})
	require.NoError(t, err)
	require.NotNil(t, exp)
	_ = exp.Shutdown(ctx)

	_, err = CreateExporter(ctx, ExporterConfig{Type: "zipkin"})
	assert.Error(t, err)
}

func TestCreateExportersFromConfig_SkipsBadExporters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exporters = []ExporterConfig{
		{Type: "zipkin"},
		{Type: "none"},
		{Type: "console"},
	}

	processors, err := CreateExportersFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, processors, 1)
	for _, p := range processors {
		_ = p.Shutdown(context.Background())
	}
}
