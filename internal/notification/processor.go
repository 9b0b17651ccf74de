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

// Package notification interprets host lifecycle notifications and drives
// the transaction store.
package notification

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tombee/flowtrace/internal/connection"
	"github.com/tombee/flowtrace/internal/log"
	"github.com/tombee/flowtrace/internal/policy"
	"github.com/tombee/flowtrace/internal/store"
	"github.com/tombee/flowtrace/internal/tracing"
	flowerrors "github.com/tombee/flowtrace/pkg/errors"
	"github.com/tombee/flowtrace/pkg/observability"
)

// Span attributes describing the step behind a span.
const (
	AttrProcessorNamespace = attribute.Key("flowtrace.processor.namespace")
	AttrProcessorName      = attribute.Key("flowtrace.processor.name")
	AttrFlowSource         = attribute.Key("flowtrace.flow.source")
)

// Config configures a Processor.
type Config struct {
	Policy *policy.InterceptionPolicy
	Levels *policy.TraceLevels

	// InterceptorEnabled tells the processor that intercepted steps are
	// bracketed by the interceptor and must not be spanned twice.
	InterceptorEnabled bool

	Logger *slog.Logger
}

// Processor turns notifications into store operations. A Processor without
// a connection is inactive and ignores every notification.
type Processor struct {
	conn               *connection.Connection
	policy             *policy.InterceptionPolicy
	levels             *policy.TraceLevels
	interceptorEnabled bool
	logger             *slog.Logger
}

// NewProcessor creates a processor. conn may be nil.
func NewProcessor(conn *connection.Connection, cfg Config) *Processor {
	p := &Processor{
		conn:               conn,
		policy:             cfg.Policy,
		levels:             cfg.Levels,
		interceptorEnabled: cfg.InterceptorEnabled,
		logger:             log.WithComponent(log.OrDefault(cfg.Logger), "notification"),
	}
	if p.policy == nil {
		p.policy = policy.NewInterceptionPolicy(nil, nil)
	}
	if p.levels == nil {
		p.levels = policy.NewTraceLevels(false, nil, nil)
	}
	return p
}

// Active reports whether the processor has a connection.
func (p *Processor) Active() bool {
	return p.conn != nil
}

// Connection returns the connection, or nil when inactive.
func (p *Processor) Connection() *connection.Connection {
	return p.conn
}

// Policy returns the interception policy.
func (p *Processor) Policy() *policy.InterceptionPolicy {
	return p.policy
}

// Levels returns the trace levels.
func (p *Processor) Levels() *policy.TraceLevels {
	return p.levels
}

// InterceptorEnabled reports whether the interceptor brackets steps.
func (p *Processor) InterceptorEnabled() bool {
	return p.interceptorEnabled
}

// Handle dispatches one notification. It never panics and never returns an
// error: tracing failures must not reach the host.
func (p *Processor) Handle(ctx context.Context, ev Event) {
	if p.conn == nil || ev == nil {
		return
	}
	txID := tracing.TransactionIDFromEventID(ev.correlationID())
	rec := record(ev, txID)
	defer p.recoverPanic(ctx, rec)

	log.LogNotification(p.logger, rec)

	switch e := ev.(type) {
	case PipelineStart:
		p.pipelineStart(txID, e)
	case PipelineEnd:
		p.pipelineEnd(txID, e)
	case ProcessorBefore:
		p.processorBefore(txID, e)
	case ProcessorAfter:
		p.processorAfter(txID, e)
	case AsyncScheduled:
		p.asyncScheduled(txID, e)
	case AsyncCompleted:
		p.asyncCompleted(txID, e)
	case MetricEvent:
		p.metric(ctx, e)
	}
}

func record(ev Event, txID string) log.NotificationRecord {
	rec := log.NotificationRecord{Kind: string(ev.Kind()), TransactionID: txID}
	switch e := ev.(type) {
	case PipelineStart:
		rec.Flow = e.Flow
	case PipelineEnd:
		rec.Flow = e.Flow
	case ProcessorBefore:
		rec.Location = e.Location.Path
	case ProcessorAfter:
		rec.Location = e.Location.Path
	case AsyncScheduled:
		rec.Location = e.Location.Path
	case AsyncCompleted:
		rec.Location = e.Location.Path
	}
	return rec
}

func (p *Processor) recoverPanic(ctx context.Context, rec log.NotificationRecord) {
	r := recover()
	if r == nil {
		return
	}
	p.fail(ctx, rec, flowerrors.FromPanic(r))
}

func (p *Processor) fail(ctx context.Context, rec log.NotificationRecord, cause error) {
	err := &flowerrors.NotificationError{
		EventKind:     rec.Kind,
		TransactionID: rec.TransactionID,
		Cause:         cause,
	}
	log.LogNotificationError(p.logger, rec, err)
	p.conn.Metrics().NotificationError(ctx, rec.Kind)
}

func (p *Processor) pipelineStart(txID string, e PipelineStart) {
	st := p.conn.Store()
	if st == nil {
		return
	}
	sb := store.SpanBuilder{
		Name:      e.Flow,
		StartTime: e.Time,
		Carrier:   e.Carrier,
	}
	if e.Source.Valid() {
		sb.Attributes = append(sb.Attributes, AttrFlowSource.String(e.Source.String()))
	}

	sb.Kind = RootKind(e.Source)
	if st.StartTransaction(txID, e.Flow, sb) {
		return
	}
	// A flow started within a running transaction, e.g. through flow-ref.
	sb.Kind = observability.SpanKindInternal
	sb.Carrier = nil
	st.AddProcessorSpan(txID, e.Flow, e.Flow, sb)
}

func (p *Processor) pipelineEnd(txID string, e PipelineEnd) {
	st := p.conn.Store()
	if st == nil {
		return
	}
	if e.Flow == "" {
		st.EndTransaction(txID, e.Time, e.Error)
		return
	}
	st.EndProcessorSpan(txID, e.Flow, e.Time, e.Error)
}

// spannedByNotification reports whether host notifications, rather than
// the interceptor, bracket the step at loc.
func (p *Processor) spannedByNotification(loc policy.Location) bool {
	if p.interceptorEnabled && p.policy.ShouldIntercept(loc.Component, loc.IsFirstStep()) {
		return false
	}
	return p.levels.ShouldSpan(loc.Component)
}

func (p *Processor) processorBefore(txID string, e ProcessorBefore) {
	st := p.conn.Store()
	if st == nil || !p.spannedByNotification(e.Location) {
		return
	}
	st.AddProcessorSpan(txID, e.Location.RootContainer, e.Location.Path, StepSpan(e.Location, e.TargetFlow, e.Time))
}

func (p *Processor) processorAfter(txID string, e ProcessorAfter) {
	st := p.conn.Store()
	if st == nil {
		return
	}
	if p.spannedByNotification(e.Location) {
		st.EndProcessorSpan(txID, e.Location.Path, e.Time, e.Error)
		return
	}
	// Async scopes are opened by scheduling, not by the step's own
	// notifications.
	st.EndAsyncScope(txID, e.Location.Path, e.Time, e.Error)
}

func (p *Processor) asyncScheduled(txID string, e AsyncScheduled) {
	st := p.conn.Store()
	if st == nil {
		return
	}
	st.BeginAsync(txID, e.Location.RootContainer, e.Location.Path, StepSpan(e.Location, "", e.Time))
}

func (p *Processor) asyncCompleted(txID string, e AsyncCompleted) {
	st := p.conn.Store()
	if st == nil {
		return
	}
	st.CompleteAsync(txID, e.Location.Path, e.Time)
}

func (p *Processor) metric(ctx context.Context, e MetricEvent) {
	sink := p.conn.Sink()
	if sink == nil {
		return
	}
	err := sink.Record(ctx, tracing.MetricRecord{
		Name:        e.Name,
		Value:       e.Value,
		Kind:        e.Instrument,
		Unit:        e.Unit,
		Description: e.Description,
		Attributes:  e.Attributes,
	})
	if err != nil {
		p.fail(ctx, log.NotificationRecord{Kind: string(KindMetric)}, err)
	}
}

// OpenStep opens the span of an intercepted step and returns the trace
// context of that span, even when newer spans are open above it. It returns the zero context when inactive or
// when the step is ignored.
func (p *Processor) OpenStep(ctx context.Context, correlationID string, loc policy.Location, targetFlow string) (tc observability.TraceContext) {
	st := p.conn.Store()
	if st == nil || p.levels.Ignored(loc.Component) {
		return tc
	}
	txID := tracing.TransactionIDFromEventID(correlationID)
	defer p.recoverPanic(ctx, log.NotificationRecord{Kind: string(KindProcessorBefore), TransactionID: txID, Location: loc.Path})

	return st.AddProcessorSpan(txID, loc.RootContainer, loc.Path, StepSpan(loc, targetFlow, time.Time{}))
}

// CloseStep closes the span of an intercepted step, recording err.
func (p *Processor) CloseStep(ctx context.Context, correlationID string, loc policy.Location, err error) {
	st := p.conn.Store()
	if st == nil || p.levels.Ignored(loc.Component) {
		return
	}
	txID := tracing.TransactionIDFromEventID(correlationID)
	defer p.recoverPanic(ctx, log.NotificationRecord{Kind: string(KindProcessorAfter), TransactionID: txID, Location: loc.Path})

	st.EndProcessorSpan(txID, loc.Path, time.Time{}, err)
}

// StepSpan builds the span of the step at loc.
func StepSpan(loc policy.Location, targetFlow string, start time.Time) store.SpanBuilder {
	sb := store.SpanBuilder{
		Name:       loc.Path,
		Kind:       StepKind(loc.Component),
		StartTime:  start,
		TargetFlow: targetFlow,
	}
	if loc.Component.Valid() {
		sb.Name = loc.Component.String()
		sb.Attributes = []attribute.KeyValue{
			AttrProcessorNamespace.String(loc.Component.Namespace),
			AttrProcessorName.String(loc.Component.Name),
		}
	}
	return sb
}
