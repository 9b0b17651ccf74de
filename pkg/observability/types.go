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

// Package observability provides the public value types exchanged between
// the tracing engine and the application it observes.
package observability

import (
	"time"
)

// Keys of the trace context mapping returned by the trace-context operations.
const (
	// TransactionIDKey carries the engine's transaction id.
	TransactionIDKey = "TRACE_TRANSACTION_ID"

	// TraceIDKey carries the hex trace id.
	TraceIDKey = "traceId"

	// SpanIDKey carries the hex span id of the current span.
	SpanIDKey = "spanId"

	// TraceparentKey carries the W3C traceparent header value.
	TraceparentKey = "traceparent"

	// TracestateKey carries the W3C tracestate header value, when present.
	TracestateKey = "tracestate"
)

// TraceContextVariable is the event variable the interceptor populates with
// the trace context of the span it opened.
const TraceContextVariable = "OTEL_TRACE_CONTEXT"

// SpanKind categorizes the type of work represented by a span.
type SpanKind string

const (
	// SpanKindInternal represents work happening within the application.
	SpanKindInternal SpanKind = "internal"

	// SpanKindClient represents an outbound synchronous call.
	SpanKindClient SpanKind = "client"

	// SpanKindServer represents handling an inbound synchronous request.
	SpanKindServer SpanKind = "server"

	// SpanKindProducer represents sending a message to a queue/broker.
	SpanKindProducer SpanKind = "producer"

	// SpanKindConsumer represents receiving a message from a queue/broker.
	SpanKindConsumer SpanKind = "consumer"
)

// StatusCode represents the outcome of a span.
type StatusCode int

const (
	// StatusCodeUnset indicates no status was explicitly set.
	StatusCodeUnset StatusCode = 0

	// StatusCodeOK indicates successful completion.
	StatusCodeOK StatusCode = 1

	// StatusCodeError indicates an error occurred.
	StatusCodeError StatusCode = 2
)

// TraceContext contains the propagation information for distributed tracing.
// This follows the W3C Trace Context specification.
type TraceContext struct {
	// TransactionID is the engine transaction the span belongs to.
	TransactionID string

	// TraceID uniquely identifies the trace.
	TraceID string

	// SpanID identifies the current span.
	SpanID string

	// Traceparent is the encoded W3C traceparent header.
	Traceparent string

	// TraceState holds vendor-specific trace information.
	TraceState string
}

// IsZero reports whether the context carries no trace.
func (c TraceContext) IsZero() bool {
	return c.TraceID == "" && c.SpanID == ""
}

// Map renders the context as the key/value mapping handed to applications.
// A zero context renders as an empty, non-nil map.
func (c TraceContext) Map() map[string]string {
	m := make(map[string]string, 5)
	if c.IsZero() {
		return m
	}
	m[TransactionIDKey] = c.TransactionID
	m[TraceIDKey] = c.TraceID
	m[SpanIDKey] = c.SpanID
	m[TraceparentKey] = c.Traceparent
	if c.TraceState != "" {
		m[TracestateKey] = c.TraceState
	}
	return m
}

// SpanSnapshot is a point-in-time copy of one span node held by the
// transaction store. It is used for diagnostics and tests; mutating it has
// no effect on the store.
type SpanSnapshot struct {
	// Location is the hierarchical location key of the span.
	Location string

	// ParentLocation is the location of the parent node. Empty for the root.
	ParentLocation string

	// Name is the span name.
	Name string

	// Kind indicates the span's role in the trace.
	Kind SpanKind

	// StartTime is when this span began.
	StartTime time.Time

	// EndTime is when this span completed. Zero for active spans.
	EndTime time.Time

	// Status is the recorded outcome.
	Status StatusCode

	// TraceID and SpanID identify the exported span.
	TraceID string
	SpanID  string
}

// IsActive returns true if the span is still in progress.
func (s SpanSnapshot) IsActive() bool {
	return s.EndTime.IsZero()
}

// Duration returns the span's execution time.
// Returns 0 for active spans.
func (s SpanSnapshot) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}
