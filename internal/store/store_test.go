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

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tombee/flowtrace/internal/log"
	"github.com/tombee/flowtrace/pkg/observability"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	s, err := New(tp.Tracer("test"), append([]Option{WithLogger(log.Discard())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, exporter
}

func spanByName(t *testing.T, spans tracetest.SpanStubs, name string) tracetest.SpanStub {
	t.Helper()
	for _, s := range spans {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("span %q not exported", name)
	return tracetest.SpanStub{}
}

func attrValue(s tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func parentOf(t *testing.T, snap Snapshot, location string) string {
	t.Helper()
	var found string
	for _, sp := range snap.Spans {
		if sp.Location == location {
			found = sp.ParentLocation
		}
	}
	return found
}

func TestStore_EndToEnd(t *testing.T) {
	s, exporter := newTestStore(t)

	require.True(t, s.StartTransaction("tx-1", "orderFlow", SpanBuilder{}))
	s.AddProcessorSpan("tx-1", "orderFlow", "orderFlow/processors/0", SpanBuilder{Name: "flow-ref"})
	s.EndProcessorSpan("tx-1", "orderFlow/processors/0", time.Time{}, nil)
	s.EndProcessorSpan("tx-1", "orderFlow", time.Time{}, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	root := spanByName(t, spans, "orderFlow")
	child := spanByName(t, spans, "flow-ref")
	assert.False(t, root.Parent.IsValid())
	assert.Equal(t, root.SpanContext.SpanID(), child.Parent.SpanID())
	assert.False(t, root.EndTime.IsZero())
	assert.False(t, child.EndTime.IsZero())

	assert.Equal(t, 0, s.Len())
	_, ok := s.Snapshot("tx-1")
	assert.False(t, ok)
	assert.Empty(t, s.GetTraceContext("tx-1").Map())
	assert.True(t, s.recentlyClosed("tx-1"))
}

func TestStore_ParentIsNearestOpenAncestor(t *testing.T) {
	s, _ := newTestStore(t)
	s.StartTransaction("tx", "f", SpanBuilder{})

	s.AddProcessorSpan("tx", "f", "f/processors/2", SpanBuilder{})
	s.AddProcessorSpan("tx", "f", "f/processors/2/route/0/processors/0", SpanBuilder{})
	s.AddProcessorSpan("tx", "f", "f/processors/20", SpanBuilder{})

	snap, ok := s.Snapshot("tx")
	require.True(t, ok)
	assert.Equal(t, "f/processors/2", parentOf(t, snap, "f/processors/2/route/0/processors/0"))
	assert.Equal(t, "f", parentOf(t, snap, "f/processors/20"), "prefix match must respect segment boundaries")

	s.EndProcessorSpan("tx", "f/processors/2/route/0/processors/0", time.Time{}, nil)
	s.EndProcessorSpan("tx", "f/processors/2", time.Time{}, nil)
	s.AddProcessorSpan("tx", "f", "f/processors/2/route/0/processors/1", SpanBuilder{})

	snap, _ = s.Snapshot("tx")
	assert.Equal(t, "f", parentOf(t, snap, "f/processors/2/route/0/processors/1"))
}

func TestStore_ExplicitParentLocation(t *testing.T) {
	s, _ := newTestStore(t)
	s.StartTransaction("tx", "f", SpanBuilder{})
	s.AddProcessorSpan("tx", "f", "f/processors/0", SpanBuilder{})
	s.AddProcessorSpan("tx", "f", "f/processors/1", SpanBuilder{ParentLocation: "f/processors/0"})
	s.AddProcessorSpan("tx", "f", "f/processors/2", SpanBuilder{ParentLocation: "f/processors/9"})

	snap, _ := s.Snapshot("tx")
	assert.Equal(t, "f/processors/0", parentOf(t, snap, "f/processors/1"))
	assert.Equal(t, "f", parentOf(t, snap, "f/processors/2"))
}

func TestStore_DoubleCloseKeepsFirstEnd(t *testing.T) {
	s, _ := newTestStore(t)
	s.StartTransaction("tx", "f", SpanBuilder{})
	s.AddProcessorSpan("tx", "f", "f/processors/0", SpanBuilder{StartTime: time.Unix(100, 0)})

	first := time.Unix(200, 0)
	s.EndProcessorSpan("tx", "f/processors/0", first, nil)
	s.EndProcessorSpan("tx", "f/processors/0", time.Unix(300, 0), errors.New("late duplicate"))

	snap, _ := s.Snapshot("tx")
	require.Len(t, snap.Spans, 2)
	assert.True(t, snap.Spans[1].EndTime.Equal(first))
	assert.Equal(t, observability.StatusCodeUnset, snap.Spans[1].Status)
}

func TestStore_DuplicateStartRetainsOriginal(t *testing.T) {
	s, _ := newTestStore(t)
	require.True(t, s.StartTransaction("tx", "f", SpanBuilder{}))
	before := s.GetTraceContext("tx")

	assert.False(t, s.StartTransaction("tx", "f", SpanBuilder{}))
	assert.False(t, s.StartTransaction("tx", "other", SpanBuilder{}))

	snap, _ := s.Snapshot("tx")
	assert.Len(t, snap.Spans, 1)
	assert.Equal(t, "f", snap.Flow)
	assert.Equal(t, before, s.GetTraceContext("tx"))
	assert.Equal(t, 1, s.Len())
}

func TestStore_RestartBeforeEviction(t *testing.T) {
	s, exporter := newTestStore(t)
	require.True(t, s.StartTransaction("tx", "f", SpanBuilder{}))

	// Close the first execution but hold off its eviction.
	v, _ := s.transactions.Load("tx")
	old := v.(*transaction)
	old.mu.Lock()
	old.finish(s.now(), nil, true)
	old.mu.Unlock()

	require.True(t, s.StartTransaction("tx", "g", SpanBuilder{}))
	s.evict(old, ReasonCompleted)

	assert.Equal(t, 1, s.Len())
	snap, ok := s.Snapshot("tx")
	require.True(t, ok)
	assert.Equal(t, "g", snap.Flow)

	s.AddProcessorSpan("tx", "g", "g/processors/0", SpanBuilder{Name: "second-run"})
	s.EndProcessorSpan("tx", "g", time.Time{}, nil)
	spanByName(t, exporter.GetSpans(), "second-run")
	assert.Equal(t, 0, s.Len())
}

func TestStore_ReopenOpenLocationIsNoop(t *testing.T) {
	s, _ := newTestStore(t)
	s.StartTransaction("tx", "f", SpanBuilder{})
	s.AddProcessorSpan("tx", "f", "f/processors/0", SpanBuilder{})
	s.AddProcessorSpan("tx", "f", "f/processors/0", SpanBuilder{})

	snap, _ := s.Snapshot("tx")
	assert.Len(t, snap.Spans, 2)

	// A closed location may run again, e.g. inside a loop.
	s.EndProcessorSpan("tx", "f/processors/0", time.Time{}, nil)
	s.AddProcessorSpan("tx", "f", "f/processors/0", SpanBuilder{})
	snap, _ = s.Snapshot("tx")
	assert.Len(t, snap.Spans, 3)
}

func TestStore_AddProcessorSpanReturnsOwnContext(t *testing.T) {
	s, _ := newTestStore(t)
	s.StartTransaction("tx", "f", SpanBuilder{})

	first := s.AddProcessorSpan("tx", "f", "f/processors/0", SpanBuilder{})
	second := s.AddProcessorSpan("tx", "f", "f/processors/0/processors/0", SpanBuilder{})
	require.False(t, first.IsZero())
	require.NotEqual(t, first.SpanID, second.SpanID)

	// Reopening a location with newer spans above it still reports its own span.
	again := s.AddProcessorSpan("tx", "f", "f/processors/0", SpanBuilder{})
	assert.Equal(t, first, again)
	assert.Equal(t, second.SpanID, s.GetTraceContext("tx").SpanID)

	snap, _ := s.Snapshot("tx")
	for _, sp := range snap.Spans {
		if sp.Location == "f/processors/0" {
			assert.Equal(t, first.SpanID, sp.SpanID)
		}
	}

	assert.True(t, s.AddProcessorSpan("missing", "f", "f/processors/0", SpanBuilder{}).IsZero())
}

func TestStore_ErrorRecorded(t *testing.T) {
	s, exporter := newTestStore(t)
	s.StartTransaction("tx", "f", SpanBuilder{})
	s.AddProcessorSpan("tx", "f", "f/processors/0", SpanBuilder{Name: "db:select", Kind: observability.SpanKindClient})
	s.EndProcessorSpan("tx", "f/processors/0", time.Time{}, errors.New("connection refused"))
	s.EndProcessorSpan("tx", "f", time.Time{}, nil)

	step := spanByName(t, exporter.GetSpans(), "db:select")
	assert.Equal(t, codes.Error, step.Status.Code)
	assert.Equal(t, "connection refused", step.Status.Description)
	require.NotEmpty(t, step.Events)
	assert.Equal(t, "exception", step.Events[0].Name)
}

func TestStore_SpanKinds(t *testing.T) {
	s, exporter := newTestStore(t)
	s.StartTransaction("tx", "f", SpanBuilder{})
	s.AddProcessorSpan("tx", "f", "f/processors/0", SpanBuilder{Name: "publish", Kind: observability.SpanKindProducer})
	s.EndProcessorSpan("tx", "f", time.Time{}, nil)

	spans := exporter.GetSpans()
	assert.Equal(t, "server", strings.ToLower(spanByName(t, spans, "f").SpanKind.String()))
	assert.Equal(t, "producer", strings.ToLower(spanByName(t, spans, "publish").SpanKind.String()))
}

func TestStore_TransactionTagsLastWriteWins(t *testing.T) {
	s, exporter := newTestStore(t)
	s.StartTransaction("tx", "f", SpanBuilder{})

	s.AddTransactionTags("tx", "", map[string]string{"orderId": "1", "region": "eu"})
	s.AddTransactionTags("tx", "", map[string]string{"orderId": "2"})
	s.AddTransactionTags("tx", "custom", map[string]string{"channel": "web"})

	snap, _ := s.Snapshot("tx")
	assert.Equal(t, map[string]string{
		TagPrefix + ".orderId": "2",
		TagPrefix + ".region":  "eu",
		"custom.channel":       "web",
	}, snap.Tags)

	s.EndProcessorSpan("tx", "f", time.Time{}, nil)
	root := spanByName(t, exporter.GetSpans(), "f")
	v, ok := attrValue(root, attribute.Key(TagPrefix+".orderId"))
	require.True(t, ok)
	assert.Equal(t, "2", v.AsString())
}

func TestStore_UnknownTransactionIsNoop(t *testing.T) {
	s, exporter := newTestStore(t)

	assert.NotPanics(t, func() {
		s.AddProcessorSpan("missing", "f", "f/processors/0", SpanBuilder{})
		s.EndProcessorSpan("missing", "f/processors/0", time.Time{}, errors.New("boom"))
		s.AddTransactionTags("missing", "", map[string]string{"k": "v"})
		s.BeginAsync("missing", "f", "f/processors/1", SpanBuilder{})
		s.CompleteAsync("missing", "f/processors/1", time.Time{})
	})

	assert.Equal(t, 0, s.Len())
	assert.Empty(t, exporter.GetSpans())
	assert.True(t, s.GetTraceContext("missing").IsZero())
}

func TestStore_GetTraceContextTracksCurrentSpan(t *testing.T) {
	s, _ := newTestStore(t)
	s.StartTransaction("tx", "f", SpanBuilder{})
	rootCtx := s.GetTraceContext("tx")
	require.False(t, rootCtx.IsZero())

	s.AddProcessorSpan("tx", "f", "f/processors/0", SpanBuilder{})
	stepCtx := s.GetTraceContext("tx")
	assert.Equal(t, rootCtx.TraceID, stepCtx.TraceID)
	assert.NotEqual(t, rootCtx.SpanID, stepCtx.SpanID)

	m := stepCtx.Map()
	assert.Equal(t, "tx", m[observability.TransactionIDKey])
	assert.Equal(t, fmt.Sprintf("00-%s-%s-01", stepCtx.TraceID, stepCtx.SpanID), m[observability.TraceparentKey])

	s.EndProcessorSpan("tx", "f/processors/0", time.Time{}, nil)
	assert.Equal(t, rootCtx, s.GetTraceContext("tx"))
}

func TestStore_AsyncScopeDefersEnd(t *testing.T) {
	s, exporter := newTestStore(t)
	s.StartTransaction("tx", "f", SpanBuilder{})

	s.BeginAsync("tx", "f", "f/processors/1", SpanBuilder{Name: "async"})
	s.BeginAsync("tx", "f", "f/processors/1", SpanBuilder{Name: "async"})
	s.EndProcessorSpan("tx", "f/processors/1", time.Time{}, nil)

	// Branch work still parents under the scope after its end was requested.
	s.AddProcessorSpan("tx", "f", "f/processors/1/processors/0", SpanBuilder{Name: "branch-step"})
	s.EndProcessorSpan("tx", "f/processors/1/processors/0", time.Time{}, nil)
	snap, _ := s.Snapshot("tx")
	assert.Equal(t, "f/processors/1", parentOf(t, snap, "f/processors/1/processors/0"))

	s.CompleteAsync("tx", "f/processors/1", time.Time{})
	snap, _ = s.Snapshot("tx")
	assert.True(t, snap.Spans[1].IsActive(), "scope must stay open while a branch is pending")

	s.CompleteAsync("tx", "f/processors/1", time.Time{})
	snap, _ = s.Snapshot("tx")
	assert.False(t, snap.Spans[1].IsActive())

	s.EndProcessorSpan("tx", "f", time.Time{}, nil)
	assert.Len(t, exporter.GetSpans(), 3)
}

func TestStore_AsyncScopeWithoutEndStaysOpen(t *testing.T) {
	s, _ := newTestStore(t)
	s.StartTransaction("tx", "f", SpanBuilder{})
	s.BeginAsync("tx", "f", "f/processors/1", SpanBuilder{})
	s.CompleteAsync("tx", "f/processors/1", time.Time{})

	snap, _ := s.Snapshot("tx")
	assert.True(t, snap.Spans[1].IsActive())

	s.EndProcessorSpan("tx", "f/processors/1", time.Time{}, nil)
	snap, _ = s.Snapshot("tx")
	assert.False(t, snap.Spans[1].IsActive())
}

func TestStore_RootCloseSweepsOpenSpans(t *testing.T) {
	s, exporter := newTestStore(t)
	s.StartTransaction("tx", "f", SpanBuilder{})
	s.AddProcessorSpan("tx", "f", "f/processors/0", SpanBuilder{Name: "dangling"})
	s.EndProcessorSpan("tx", "f", time.Time{}, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	dangling := spanByName(t, spans, "dangling")
	v, ok := attrValue(dangling, AttrIncomplete)
	require.True(t, ok)
	assert.True(t, v.AsBool())

	root := spanByName(t, spans, "f")
	_, ok = attrValue(root, AttrIncomplete)
	assert.False(t, ok)
	assert.False(t, dangling.EndTime.After(root.EndTime))
}

func TestStore_FlowRefTargetResolution(t *testing.T) {
	s, _ := newTestStore(t)
	s.StartTransaction("tx", "main", SpanBuilder{})
	s.AddProcessorSpan("tx", "main", "main/processors/0", SpanBuilder{Name: "flow-ref", TargetFlow: "sub"})

	s.AddProcessorSpan("tx", "sub", "sub/processors/0", SpanBuilder{})
	snap, _ := s.Snapshot("tx")
	assert.Equal(t, "main/processors/0", parentOf(t, snap, "sub/processors/0"))

	// Once the target flow has its own span, its steps nest under it.
	s.AddProcessorSpan("tx", "sub", "sub", SpanBuilder{})
	s.AddProcessorSpan("tx", "sub", "sub/processors/1", SpanBuilder{})
	snap, _ = s.Snapshot("tx")
	assert.Equal(t, "main/processors/0", parentOf(t, snap, "sub"))
	assert.Equal(t, "sub", parentOf(t, snap, "sub/processors/1"))
}

func TestStore_RemoteParent(t *testing.T) {
	s, exporter := newTestStore(t)
	s.StartTransaction("tx", "f", SpanBuilder{Carrier: map[string]string{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	}})
	s.EndProcessorSpan("tx", "f", time.Time{}, nil)

	root := spanByName(t, exporter.GetSpans(), "f")
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", root.SpanContext.TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", root.Parent.SpanID().String())
	assert.True(t, root.Parent.IsRemote())
}

func TestStore_EvictStale(t *testing.T) {
	now := time.Unix(1_000, 0)
	s, exporter := newTestStore(t, WithClock(func() time.Time { return now }))

	s.StartTransaction("old", "f", SpanBuilder{})
	s.AddProcessorSpan("old", "f", "f/processors/0", SpanBuilder{})
	now = now.Add(10 * time.Minute)
	s.StartTransaction("new", "f", SpanBuilder{})

	assert.Equal(t, 1, s.EvictStale(5*time.Minute))
	assert.Equal(t, 1, s.Len())
	_, ok := s.Snapshot("old")
	assert.False(t, ok)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	for _, sp := range spans {
		v, ok := attrValue(sp, AttrIncomplete)
		require.True(t, ok)
		assert.True(t, v.AsBool())
	}

	assert.Equal(t, 1, s.Drain())
	assert.Equal(t, 0, s.Len())
}

func TestStore_UnknownWarningsAreRateLimited(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s, _ := newTestStore(t, WithLogger(logger), WithWarningLimit(0, 1))

	s.EndProcessorSpan("ghost", "f", time.Time{}, nil)
	s.EndProcessorSpan("ghost", "f", time.Time{}, nil)
	assert.Equal(t, 1, strings.Count(buf.String(), "unknown transaction"))

	buf.Reset()
	s.StartTransaction("tx", "f", SpanBuilder{})
	s.EndProcessorSpan("tx", "f", time.Time{}, nil)
	require.True(t, s.recentlyClosed("tx"))
	s.AddTransactionTags("tx", "", map[string]string{"late": "true"})
	assert.Contains(t, buf.String(), "transaction already closed")
	assert.NotContains(t, buf.String(), "level=WARN")
}

func TestStore_WithoutTombstones(t *testing.T) {
	s, _ := newTestStore(t, WithClosedRetention(0))
	s.StartTransaction("tx", "f", SpanBuilder{})
	s.EndProcessorSpan("tx", "f", time.Time{}, nil)
	assert.False(t, s.recentlyClosed("tx"))
}

func TestStore_EndTransaction(t *testing.T) {
	s, exporter := newTestStore(t)
	s.StartTransaction("tx", "f", SpanBuilder{})
	s.AddProcessorSpan("tx", "f", "f/processors/0", SpanBuilder{})
	s.EndTransaction("tx", time.Time{}, errors.New("flow failed"))
	s.EndTransaction("tx", time.Time{}, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spanByName(t, spans, "f").Status.Code)
	assert.Equal(t, 0, s.Len())
}

func TestStore_EndAsyncScope(t *testing.T) {
	s, _ := newTestStore(t)
	s.StartTransaction("tx", "f", SpanBuilder{})
	s.AddProcessorSpan("tx", "f", "f/processors/0", SpanBuilder{})
	s.BeginAsync("tx", "f", "f/processors/1", SpanBuilder{})

	s.EndAsyncScope("tx", "f/processors/0", time.Time{}, nil)
	s.EndAsyncScope("tx", "f/processors/1", time.Time{}, nil)
	s.EndAsyncScope("missing", "f/processors/1", time.Time{}, nil)

	snap, _ := s.Snapshot("tx")
	assert.True(t, snap.Spans[1].IsActive(), "plain steps are not ended as async scopes")
	assert.True(t, snap.Spans[2].IsActive(), "scope waits for its branch")

	s.CompleteAsync("tx", "f/processors/1", time.Time{})
	snap, _ = s.Snapshot("tx")
	assert.False(t, snap.Spans[2].IsActive())
}
