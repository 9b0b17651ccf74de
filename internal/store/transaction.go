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
	"sync"
	"time"

	"github.com/armon/go-radix"
	"github.com/tombee/flowtrace/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// transaction is the span tree of one end-to-end host execution. Every
// field is guarded by mu; once closed is set the transaction accepts no
// further mutation.
type transaction struct {
	mu sync.Mutex

	id      string
	flow    string
	started time.Time
	closed  bool

	root *spanNode

	// current holds the latest node opened at each location.
	current map[string]*spanNode
	// open indexes still-open nodes by location for prefix lookups.
	open *radix.Tree
	// stack holds still-open nodes in opening order.
	stack []*spanNode
	// all holds every node ever opened, in opening order.
	all []*spanNode

	tags map[string]string
}

func newTransaction(id, flow string, started time.Time) *transaction {
	return &transaction{
		id:      id,
		flow:    flow,
		started: started,
		current: make(map[string]*spanNode),
		open:    radix.New(),
		tags:    make(map[string]string),
	}
}

// resolveParent picks the parent for a node opened at location: the pinned
// parent when still open, else the longest open ancestor by location path,
// else the newest open flow-ref calling the location's flow, else the root.
func (t *transaction) resolveParent(location, pinned string) *spanNode {
	if pinned != "" {
		if v, ok := t.open.Get(pinned); ok {
			return v.(*spanNode)
		}
	}

	var parent *spanNode
	t.open.WalkPath(location, func(key string, v interface{}) bool {
		if key != location && isAncestor(key, location) {
			parent = v.(*spanNode)
		}
		return false
	})
	if parent != nil {
		return parent
	}

	flow := containerFlow(location)
	for i := len(t.stack) - 1; i >= 0; i-- {
		if n := t.stack[i]; n.targetFlow == flow && n.location != location {
			return n
		}
	}
	return t.root
}

// openNode starts a span at location. parent is nil for the root, in which
// case parentCtx supplies the (possibly remote) parent.
func (t *transaction) openNode(tracer trace.Tracer, parentCtx context.Context, parent *spanNode, flow, location string, sb SpanBuilder, now time.Time) *spanNode {
	name := sb.Name
	if name == "" {
		name = location
	}
	kind := sb.Kind
	if kind == "" {
		kind = observability.SpanKindInternal
	}
	start := sb.StartTime
	if start.IsZero() {
		start = now
	}
	if flow == "" {
		flow = containerFlow(location)
	}

	attrs := make([]attribute.KeyValue, 0, len(sb.Attributes)+4)
	attrs = append(attrs,
		AttrTransactionID.String(t.id),
		AttrLocation.String(location),
		AttrFlow.String(flow),
	)
	if sb.TargetFlow != "" {
		attrs = append(attrs, AttrTargetFlow.String(sb.TargetFlow))
	}
	attrs = append(attrs, sb.Attributes...)

	ctx := parentCtx
	parentLocation := ""
	if parent != nil {
		ctx = parent.ctx
		parentLocation = parent.location
	}

	spanCtx, span := tracer.Start(ctx, name,
		trace.WithSpanKind(otelKind(kind)),
		trace.WithTimestamp(start),
		trace.WithAttributes(attrs...),
	)

	n := &spanNode{
		location:       location,
		parentLocation: parentLocation,
		name:           name,
		kind:           kind,
		targetFlow:     sb.TargetFlow,
		span:           span,
		ctx:            spanCtx,
		start:          start,
	}
	t.current[location] = n
	t.open.Insert(location, n)
	t.stack = append(t.stack, n)
	t.all = append(t.all, n)
	return n
}

// openAt returns the still-open node at location, or nil.
func (t *transaction) openAt(location string) *spanNode {
	if n, ok := t.current[location]; ok && n.open() {
		return n
	}
	return nil
}

// closeNode ends n. A node that is already closed is left untouched.
func (t *transaction) closeNode(n *spanNode, end time.Time, err error, extra ...attribute.KeyValue) {
	if !n.open() {
		return
	}
	if end.Before(n.start) {
		end = n.start
	}
	if err != nil {
		n.span.RecordError(err, trace.WithTimestamp(end))
		n.span.SetStatus(codes.Error, err.Error())
		n.status = observability.StatusCodeError
	}
	if len(extra) > 0 {
		n.span.SetAttributes(extra...)
	}
	n.end = end
	n.span.End(trace.WithTimestamp(end))

	if v, ok := t.open.Get(n.location); ok && v.(*spanNode) == n {
		t.open.Delete(n.location)
	}
	for i := len(t.stack) - 1; i >= 0; i-- {
		if t.stack[i] == n {
			t.stack = append(t.stack[:i], t.stack[i+1:]...)
			break
		}
	}
}

// finish ends every open descendant, then the root, and marks the
// transaction closed. Descendants are flagged incomplete; the root is
// flagged too unless the transaction completed normally.
func (t *transaction) finish(end time.Time, err error, complete bool) {
	for i := len(t.stack) - 1; i >= 0; i-- {
		if n := t.stack[i]; n != t.root {
			t.closeNode(n, end, nil, AttrIncomplete.Bool(true))
		}
	}
	if complete {
		t.closeNode(t.root, end, err)
	} else {
		t.closeNode(t.root, end, err, AttrIncomplete.Bool(true))
	}
	t.closed = true
}

// top returns the most recently opened still-open node.
func (t *transaction) top() *spanNode {
	if len(t.stack) == 0 {
		return nil
	}
	return t.stack[len(t.stack)-1]
}

func (t *transaction) snapshot() Snapshot {
	spans := make([]observability.SpanSnapshot, len(t.all))
	for i, n := range t.all {
		spans[i] = n.snapshot()
	}
	tags := make(map[string]string, len(t.tags))
	for k, v := range t.tags {
		tags[k] = v
	}
	return Snapshot{
		TransactionID: t.id,
		Flow:          t.flow,
		StartTime:     t.started,
		Spans:         spans,
		Tags:          tags,
	}
}
