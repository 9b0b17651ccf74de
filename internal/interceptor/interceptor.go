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

// Package interceptor brackets individual processing steps with spans.
//
// The host asks the Factory whether a step should be intercepted and, when
// it should, calls Before and After around the step's execution. Steps not
// intercepted are still traced by host notifications where the trace
// levels allow it.
package interceptor

import (
	"context"
	"log/slog"

	"github.com/tombee/flowtrace/internal/log"
	"github.com/tombee/flowtrace/internal/notification"
	"github.com/tombee/flowtrace/internal/policy"
)

// TraceContextVariable is the event variable that receives the trace
// context of the span opened for an intercepted step.
const TraceContextVariable = "OTEL_TRACE_CONTEXT"

// flowRefTargetParam is the flow-ref parameter naming the referenced flow.
const flowRefTargetParam = "name"

var flowRef = policy.Component{Namespace: "mule", Name: "flow-ref"}

// Event is the host event passing through an intercepted step.
type Event struct {
	CorrelationID string
	Variables     map[string]any
}

// SetVariable sets an event variable, allocating the map when needed.
func (e *Event) SetVariable(name string, value any) {
	if e.Variables == nil {
		e.Variables = make(map[string]any)
	}
	e.Variables[name] = value
}

// Factory decides which steps get intercepted and hands out interceptors.
type Factory struct {
	proc   *notification.Processor
	logger *slog.Logger
}

// NewFactory creates a factory bound to proc.
func NewFactory(proc *notification.Processor, logger *slog.Logger) *Factory {
	return &Factory{
		proc:   proc,
		logger: log.WithComponent(log.OrDefault(logger), "interceptor"),
	}
}

// Intercept reports whether the step at loc should be bracketed by an
// interceptor. The first step of a flow is always intercepted while the
// interceptor is enabled.
func (f *Factory) Intercept(loc policy.Location) bool {
	if f == nil || f.proc == nil || !f.proc.Active() || !f.proc.InterceptorEnabled() {
		return false
	}
	ok := f.proc.Policy().ShouldIntercept(loc.Component, loc.IsFirstStep())
	log.Trace(f.logger, "interception decision",
		slog.String(log.LocationKey, loc.Path),
		slog.String("component", loc.Component.String()),
		slog.Bool("intercept", ok))
	return ok
}

// Get returns the interceptor for intercepted steps.
func (f *Factory) Get() *Interceptor {
	return &Interceptor{proc: f.proc, logger: f.logger}
}

// Interceptor opens and closes spans around a step. With an inactive
// processor it is a pass-through.
type Interceptor struct {
	proc   *notification.Processor
	logger *slog.Logger
}

func (i *Interceptor) active() bool {
	return i != nil && i.proc != nil && i.proc.Active()
}

// Before opens the span of the step at loc and publishes its trace context
// on the event as TraceContextVariable.
func (i *Interceptor) Before(ctx context.Context, loc policy.Location, params map[string]string, ev *Event) {
	if !i.active() || ev == nil {
		return
	}
	tc := i.proc.OpenStep(ctx, ev.CorrelationID, loc, targetFlow(loc, params))
	if tc.IsZero() {
		return
	}
	ev.SetVariable(TraceContextVariable, tc.Map())
}

// After closes the span of the step at loc. err marks the span failed.
func (i *Interceptor) After(ctx context.Context, loc policy.Location, ev *Event, err error) {
	if !i.active() || ev == nil {
		return
	}
	i.proc.CloseStep(ctx, ev.CorrelationID, loc, err)
}

// Around runs fn between Before and After and returns fn's error unchanged.
func (i *Interceptor) Around(ctx context.Context, loc policy.Location, params map[string]string, ev *Event, fn func(context.Context) error) error {
	i.Before(ctx, loc, params, ev)
	err := fn(ctx)
	i.After(ctx, loc, ev, err)
	return err
}

func targetFlow(loc policy.Location, params map[string]string) string {
	if !flowRef.Matches(loc.Component) {
		return ""
	}
	return params[flowRefTargetParam]
}
