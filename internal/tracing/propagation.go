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
	"strings"

	"github.com/tombee/flowtrace/pkg/observability"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// W3CPropagator returns a TextMapPropagator that implements W3C Trace Context
// and W3C Baggage.
func W3CPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

// TraceContextOf renders a span context as the propagation mapping handed to
// applications. An invalid span context yields the zero TraceContext.
func TraceContextOf(transactionID string, sc trace.SpanContext) observability.TraceContext {
	if !sc.IsValid() {
		return observability.TraceContext{}
	}

	carrier := propagation.MapCarrier{}
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	propagation.TraceContext{}.Inject(ctx, carrier)

	return observability.TraceContext{
		TransactionID: transactionID,
		TraceID:       sc.TraceID().String(),
		SpanID:        sc.SpanID().String(),
		Traceparent:   carrier.Get("traceparent"),
		TraceState:    carrier.Get("tracestate"),
	}
}

// ExtractRemoteContext returns a context carrying the remote span described
// by carrier (typically inbound HTTP headers). Header names are matched
// case-insensitively. A carrier without a valid traceparent yields a context
// without a span.
func ExtractRemoteContext(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	normalized := make(propagation.MapCarrier, len(carrier))
	for k, v := range carrier {
		normalized[strings.ToLower(k)] = v
	}
	return W3CPropagator().Extract(ctx, normalized)
}
