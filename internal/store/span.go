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
	"context"
	"strings"
	"time"

	"github.com/tombee/flowtrace/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys set by the store.
const (
	AttrTransactionID = attribute.Key("flowtrace.transaction.id")
	AttrLocation      = attribute.Key("flowtrace.location")
	AttrFlow          = attribute.Key("flowtrace.flow")
	AttrTargetFlow    = attribute.Key("flowtrace.flow_ref.target")
	AttrIncomplete    = attribute.Key("flowtrace.span.incomplete")
)

// TagPrefix is the attribute prefix used for application tags when the
// caller does not supply one.
const TagPrefix = "flowtrace.tag"

// SpanBuilder describes a span to open.
type SpanBuilder struct {
	// Name is the span name. Defaults to the location.
	Name string

	// Kind is the span kind. Defaults to internal.
	Kind observability.SpanKind

	// StartTime defaults to the store clock.
	StartTime time.Time

	// Attributes are added at span start.
	Attributes []attribute.KeyValue

	// ParentLocation pins the parent node when it is still open.
	ParentLocation string

	// TargetFlow is the flow a flow-ref step transfers control to. Spans of
	// that flow parent under this span when no location ancestor is open.
	TargetFlow string

	// Carrier holds inbound propagation headers. Only used for roots.
	Carrier map[string]string
}

// spanNode is one traced unit of work inside a transaction.
type spanNode struct {
	location       string
	parentLocation string
	name           string
	kind           observability.SpanKind
	targetFlow     string

	span trace.Span
	ctx  context.Context

	start  time.Time
	end    time.Time
	status observability.StatusCode

	// Async scopes stay open while branches run.
	async           bool
	pendingBranches int
	endRequested    bool
	requestedEnd    time.Time
	requestedErr    error
}

func (n *spanNode) open() bool {
	return n.end.IsZero()
}

func (n *spanNode) snapshot() observability.SpanSnapshot {
	sc := n.span.SpanContext()
	s := observability.SpanSnapshot{
		Location:       n.location,
		ParentLocation: n.parentLocation,
		Name:           n.name,
		Kind:           n.kind,
		StartTime:      n.start,
		EndTime:        n.end,
		Status:         n.status,
	}
	if sc.IsValid() {
		s.TraceID = sc.TraceID().String()
		s.SpanID = sc.SpanID().String()
	}
	return s
}

func otelKind(k observability.SpanKind) trace.SpanKind {
	switch k {
	case observability.SpanKindServer:
		return trace.SpanKindServer
	case observability.SpanKindClient:
		return trace.SpanKindClient
	case observability.SpanKindProducer:
		return trace.SpanKindProducer
	case observability.SpanKindConsumer:
		return trace.SpanKindConsumer
	default:
		return trace.SpanKindInternal
	}
}

// isAncestor reports whether prefix is location itself or one of its
// ancestors at a path segment boundary.
func isAncestor(prefix, location string) bool {
	if !strings.HasPrefix(location, prefix) {
		return false
	}
	return len(location) == len(prefix) || location[len(prefix)] == '/'
}

// containerFlow returns the flow a location belongs to.
func containerFlow(location string) string {
	if i := strings.IndexByte(location, '/'); i >= 0 {
		return location[:i]
	}
	return location
}
