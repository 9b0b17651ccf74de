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

/*
Package tracing owns the OpenTelemetry plumbing behind the correlation engine.

A Provider builds the SDK tracer and meter providers from Config: the
resource, the sampler, the configured span exporters and a Prometheus
registry for metrics. The transaction store asks the provider for a tracer
and never touches the SDK directly, so tests can swap in an in-memory
exporter with WithTracerProviderOptions(sdktrace.WithSyncer(exporter)).

Propagation helpers render a span context as the mapping handed to
applications (TraceContextOf) and read inbound W3C headers back into a
parent context (ExtractRemoteContext).

Event ids from the host are mapped to transaction ids by
TransactionIDFromEventID: a child event context keeps its parent's id as a
prefix, so every async hop of one logical event correlates to the same
transaction.

Metrics holds the engine's own counters; MetricSink forwards application
metric notifications to lazily created instruments.
*/
package tracing
