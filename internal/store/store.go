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

// Package store holds the in-flight span trees of every traced transaction.
//
// Transactions live in a concurrent map and each carries its own lock, so
// operations on different transactions never contend. A transaction is
// evicted when its root span closes; later mutations against it are logged
// and ignored.
package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/time/rate"

	"github.com/tombee/flowtrace/internal/log"
	"github.com/tombee/flowtrace/internal/tracing"
	"github.com/tombee/flowtrace/internal/tracing/redact"
	"github.com/tombee/flowtrace/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Eviction reasons reported in metrics.
const (
	ReasonCompleted = "completed"
	ReasonStale     = "stale"
	ReasonShutdown  = "shutdown"
)

// DefaultClosedRetention is how long closed transaction ids are remembered
// to tell late notifications apart from unknown ones.
const DefaultClosedRetention = 5 * time.Minute

// Snapshot is a point-in-time copy of one transaction.
type Snapshot struct {
	TransactionID string
	Flow          string
	StartTime     time.Time
	// Spans lists every span opened in the transaction, in opening order.
	Spans []observability.SpanSnapshot
	Tags  map[string]string
}

// Store is the concurrent registry of in-flight transactions.
type Store struct {
	tracer   trace.Tracer
	logger   *slog.Logger
	metrics  *tracing.Metrics
	redactor *redact.Redactor
	now      func() time.Time

	transactions sync.Map // transaction id -> *transaction
	active       atomic.Int64

	closed    *ristretto.Cache
	retention time.Duration
	warnings  *rate.Limiter
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics records store activity on the given engine metrics.
func WithMetrics(m *tracing.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithRedactor masks tag values before they are attached to spans.
func WithRedactor(r *redact.Redactor) Option {
	return func(s *Store) {
		s.redactor = r
	}
}

// WithClock overrides the clock used for default timestamps and ages.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithClosedRetention sets how long closed transaction ids are remembered.
// Zero disables the tombstones.
func WithClosedRetention(d time.Duration) Option {
	return func(s *Store) {
		s.retention = d
	}
}

// WithWarningLimit bounds unknown-transaction warnings to r per second with
// the given burst.
func WithWarningLimit(r rate.Limit, burst int) Option {
	return func(s *Store) {
		s.warnings = rate.NewLimiter(r, burst)
	}
}

// New creates a store that opens spans on tracer.
func New(tracer trace.Tracer, opts ...Option) (*Store, error) {
	s := &Store{
		tracer:    tracer,
		now:       time.Now,
		retention: DefaultClosedRetention,
		warnings:  rate.NewLimiter(rate.Limit(10), 20),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.WithComponent(log.OrDefault(s.logger), "store")

	if s.retention > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 100_000,
			MaxCost:     10_000,
			BufferItems: 64,
		})
		if err != nil {
			return nil, err
		}
		s.closed = cache
	}
	return s, nil
}

// Close releases the tombstone cache. Resident transactions are not ended;
// call Drain first to export them.
func (s *Store) Close() {
	if s.closed != nil {
		s.closed.Close()
	}
}

// StartTransaction creates the transaction rooted at a span for flow. It
// reports false, leaving the existing transaction unchanged, when the id is
// already open. A closed transaction still awaiting eviction is replaced.
func (s *Store) StartTransaction(transactionID, flow string, sb SpanBuilder) bool {
	t := newTransaction(transactionID, flow, s.now())
	t.mu.Lock()
	for {
		v, loaded := s.transactions.LoadOrStore(transactionID, t)
		if !loaded {
			break
		}
		existing := v.(*transaction)
		existing.mu.Lock()
		closed := existing.closed
		existing.mu.Unlock()
		if !closed {
			t.mu.Unlock()
			s.logger.Debug("transaction already started",
				log.TransactionIDKey, transactionID,
				log.FlowKey, flow,
				"existing_flow", existing.flow)
			return false
		}
		if s.transactions.CompareAndSwap(transactionID, existing, t) {
			break
		}
	}
	defer t.mu.Unlock()

	ctx := tracing.ExtractRemoteContext(context.Background(), sb.Carrier)
	if sb.Kind == "" {
		sb.Kind = observability.SpanKindServer
	}
	if sb.Name == "" {
		sb.Name = flow
	}
	t.root = t.openNode(s.tracer, ctx, nil, flow, flow, sb, t.started)

	s.active.Add(1)
	s.metrics.TransactionStarted(ctx, flow)
	s.metrics.SpanOpened(ctx, string(t.root.kind))
	if s.logger.Enabled(ctx, slog.LevelDebug) {
		s.logger.Debug("transaction started",
			log.TransactionIDKey, transactionID,
			log.FlowKey, flow)
	}
	return true
}

// AddProcessorSpan opens a span at location under the nearest open
// ancestor and returns its trace context. Opening a location that is
// already open returns the context of the open span. The zero context is
// returned when the transaction is unknown.
func (s *Store) AddProcessorSpan(transactionID, flow, location string, sb SpanBuilder) observability.TraceContext {
	t := s.acquire(transactionID, "add_span", location)
	if t == nil {
		return observability.TraceContext{}
	}
	defer t.mu.Unlock()
	n := s.addLocked(t, flow, location, sb)
	return tracing.TraceContextOf(transactionID, n.span.SpanContext())
}

func (s *Store) addLocked(t *transaction, flow, location string, sb SpanBuilder) *spanNode {
	if n := t.openAt(location); n != nil {
		s.logger.Debug("span already open",
			log.TransactionIDKey, t.id,
			log.LocationKey, location)
		return n
	}
	parent := t.resolveParent(location, sb.ParentLocation)
	n := t.openNode(s.tracer, nil, parent, flow, location, sb, s.now())
	s.metrics.SpanOpened(context.Background(), string(n.kind))
	return n
}

// EndProcessorSpan closes the span at location, recording err when set.
// Closing the root ends the transaction and evicts it. Closing a location
// that is not open is a no-op.
func (s *Store) EndProcessorSpan(transactionID, location string, end time.Time, err error) {
	t := s.acquire(transactionID, "end_span", location)
	if t == nil {
		return
	}
	if end.IsZero() {
		end = s.now()
	}

	n := t.openAt(location)
	switch {
	case n == nil:
		t.mu.Unlock()
		s.logger.Debug("no open span at location",
			log.TransactionIDKey, transactionID,
			log.LocationKey, location)
		return

	case n == t.root:
		t.finish(end, err, true)
		t.mu.Unlock()
		s.evict(t, ReasonCompleted)
		return

	case n.pendingBranches > 0:
		n.endRequested = true
		n.requestedEnd = end
		n.requestedErr = err
		t.mu.Unlock()
		return
	}

	t.closeNode(n, end, err)
	t.mu.Unlock()
}

// EndTransaction closes the transaction's root span, sweeping any span
// still open, and evicts the transaction.
func (s *Store) EndTransaction(transactionID string, end time.Time, err error) {
	t := s.acquire(transactionID, "end_transaction", "")
	if t == nil {
		return
	}
	if end.IsZero() {
		end = s.now()
	}
	t.finish(end, err, true)
	t.mu.Unlock()
	s.evict(t, ReasonCompleted)
}

// BeginAsync registers a branch scheduled from the async scope at location,
// opening the scope span if needed. The scope stays open until its own end
// has been requested and every branch completed.
func (s *Store) BeginAsync(transactionID, flow, location string, sb SpanBuilder) {
	t := s.acquire(transactionID, "begin_async", location)
	if t == nil {
		return
	}
	defer t.mu.Unlock()

	n := s.addLocked(t, flow, location, sb)
	n.async = true
	n.pendingBranches++
}

// EndAsyncScope requests the end of the async scope at location. Unlike
// EndProcessorSpan it stays silent when the transaction or scope is
// unknown, so callers may invoke it for any finished step.
func (s *Store) EndAsyncScope(transactionID, location string, end time.Time, err error) {
	v, ok := s.transactions.Load(transactionID)
	if !ok {
		return
	}
	t := v.(*transaction)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	n := t.openAt(location)
	if n == nil || !n.async {
		return
	}
	if end.IsZero() {
		end = s.now()
	}
	if n.pendingBranches > 0 {
		n.endRequested = true
		n.requestedEnd = end
		n.requestedErr = err
		return
	}
	t.closeNode(n, end, err)
}

// CompleteAsync marks one branch of the async scope at location finished.
func (s *Store) CompleteAsync(transactionID, location string, end time.Time) {
	t := s.acquire(transactionID, "complete_async", location)
	if t == nil {
		return
	}
	defer t.mu.Unlock()

	n := t.openAt(location)
	if n == nil || n.pendingBranches == 0 {
		s.logger.Debug("no pending async branch at location",
			log.TransactionIDKey, transactionID,
			log.LocationKey, location)
		return
	}
	n.pendingBranches--
	if n.pendingBranches > 0 || !n.endRequested {
		return
	}
	if end.IsZero() || end.Before(n.requestedEnd) {
		end = n.requestedEnd
	}
	t.closeNode(n, end, n.requestedErr)
}

// AddTransactionTags merges tags onto the root span. Keys are prefixed with
// prefix (TagPrefix when empty); later values win.
func (s *Store) AddTransactionTags(transactionID, prefix string, tags map[string]string) {
	if len(tags) == 0 {
		return
	}
	t := s.acquire(transactionID, "add_tags", "")
	if t == nil {
		return
	}
	defer t.mu.Unlock()

	if prefix == "" {
		prefix = TagPrefix
	}
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		key := prefix + "." + k
		v = s.redactor.Value(k, v)
		t.tags[key] = v
		attrs = append(attrs, attribute.String(key, v))
	}
	t.root.span.SetAttributes(attrs...)
}

// GetTraceContext returns the propagation context of the most recently
// opened span still open in the transaction. It returns the zero context
// when the transaction is unknown or has no open span.
func (s *Store) GetTraceContext(transactionID string) observability.TraceContext {
	v, ok := s.transactions.Load(transactionID)
	if !ok {
		return observability.TraceContext{}
	}
	t := v.(*transaction)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return observability.TraceContext{}
	}
	n := t.top()
	if n == nil {
		return observability.TraceContext{}
	}
	return tracing.TraceContextOf(transactionID, n.span.SpanContext())
}

// Snapshot returns a copy of the transaction's spans and tags.
func (s *Store) Snapshot(transactionID string) (Snapshot, bool) {
	v, ok := s.transactions.Load(transactionID)
	if !ok {
		return Snapshot{}, false
	}
	t := v.(*transaction)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// Len returns the number of resident transactions.
func (s *Store) Len() int {
	return int(s.active.Load())
}

// recentlyClosed reports whether the transaction was evicted within the
// closed retention window.
func (s *Store) recentlyClosed(transactionID string) bool {
	if s.closed == nil {
		return false
	}
	s.closed.Wait()
	_, ok := s.closed.Get(transactionID)
	return ok
}

// EvictStale ends and evicts transactions started more than maxAge ago.
// Their open spans are flagged incomplete. It returns the number evicted.
func (s *Store) EvictStale(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)
	return s.evictWhere(ReasonStale, func(t *transaction) bool {
		return t.started.Before(cutoff)
	})
}

// Drain ends and evicts every resident transaction, flagging open spans
// incomplete. It returns the number evicted.
func (s *Store) Drain() int {
	return s.evictWhere(ReasonShutdown, func(*transaction) bool { return true })
}

func (s *Store) evictWhere(reason string, match func(*transaction) bool) int {
	var victims []*transaction
	s.transactions.Range(func(_, v any) bool {
		t := v.(*transaction)
		t.mu.Lock()
		if !t.closed && match(t) {
			t.finish(s.now(), nil, false)
			victims = append(victims, t)
		}
		t.mu.Unlock()
		return true
	})
	for _, t := range victims {
		s.evict(t, reason)
		s.logger.Info("transaction evicted",
			log.TransactionIDKey, t.id,
			log.FlowKey, t.flow,
			"reason", reason)
	}
	return len(victims)
}

// evict removes a finished transaction. t must already be closed, and is
// evicted once by whoever closed it. A newer transaction that took over the
// id is left resident.
func (s *Store) evict(t *transaction, reason string) {
	s.transactions.CompareAndDelete(t.id, t)
	s.active.Add(-1)
	if s.closed != nil {
		s.closed.SetWithTTL(t.id, struct{}{}, 1, s.retention)
	}
	s.metrics.TransactionEnded(context.Background(), t.flow, reason)
	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		s.logger.Debug("transaction ended",
			log.TransactionIDKey, t.id,
			log.FlowKey, t.flow,
			"reason", reason)
	}
}

// acquire returns the open transaction locked, or nil after reporting the
// unknown id.
func (s *Store) acquire(transactionID, operation, location string) *transaction {
	if v, ok := s.transactions.Load(transactionID); ok {
		t := v.(*transaction)
		t.mu.Lock()
		if !t.closed {
			return t
		}
		t.mu.Unlock()
	}
	s.unknown(transactionID, operation, location)
	return nil
}

func (s *Store) unknown(transactionID, operation, location string) {
	s.metrics.UnknownTransaction(context.Background(), operation)

	if s.recentlyClosed(transactionID) {
		s.logger.Debug("transaction already closed",
			log.TransactionIDKey, transactionID,
			log.OperationKey, operation,
			log.LocationKey, location)
		return
	}
	if s.warnings.Allow() {
		s.logger.Warn("unknown transaction",
			log.TransactionIDKey, transactionID,
			log.OperationKey, operation,
			log.LocationKey, location)
	}
}
