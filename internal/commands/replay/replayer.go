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

package replay

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/flowtrace/internal/engine"
	"github.com/tombee/flowtrace/internal/interceptor"
	"github.com/tombee/flowtrace/internal/log"
	"github.com/tombee/flowtrace/internal/notification"
	"github.com/tombee/flowtrace/internal/tracing"
)

const (
	maxLineSize = 1 << 20
	queueSize   = 64
)

// Summary describes a finished replay.
type Summary struct {
	Events           int64             `json:"events"`
	Transactions     int64             `json:"transactions"`
	Intercepted      int64             `json:"intercepted_steps"`
	RejectedTags     int64             `json:"rejected_tags"`
	OpenTransactions int               `json:"open_transactions"`
	Open             []OpenTransaction `json:"open,omitempty"`
}

// OpenTransaction describes a replayed transaction that never ended.
type OpenTransaction struct {
	TransactionID string `json:"transaction_id"`
	Flow          string `json:"flow"`
	OpenSpans     int    `json:"open_spans"`
}

// LineError reports an unreadable line of the replay input.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// Replayer feeds recorded notifications through an engine. Records of one
// transaction are applied in order on one worker; distinct transactions
// run concurrently.
type Replayer struct {
	engine  *engine.Engine
	workers int
	logger  *slog.Logger

	freshIDs bool

	events       atomic.Int64
	intercepted  atomic.Int64
	rejectedTags atomic.Int64
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithFreshIDs gives every replayed transaction a newly generated id, so
// the same recording can be replayed repeatedly into one backend. Child
// event suffixes are kept.
func WithFreshIDs() ReplayerOption {
	return func(r *Replayer) {
		r.freshIDs = true
	}
}

// NewReplayer creates a replayer over a started engine.
func NewReplayer(eng *engine.Engine, workers int, logger *slog.Logger, opts ...ReplayerOption) *Replayer {
	if workers < 1 {
		workers = 1
	}
	r := &Replayer{
		engine:  eng,
		workers: workers,
		logger:  log.WithComponent(log.OrDefault(logger), "replay"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run replays every record from in. It stops at the first unreadable line.
func (r *Replayer) Run(ctx context.Context, in io.Reader) (Summary, error) {
	g, gctx := errgroup.WithContext(ctx)

	queues := make([]chan Record, r.workers)
	for i := range queues {
		queues[i] = make(chan Record, queueSize)
		q := queues[i]
		g.Go(func() error {
			for rec := range q {
				r.apply(gctx, rec)
			}
			return nil
		})
	}

	var transactions int64
	var order []string
	started := make(map[string]struct{})
	renamed := make(map[string]string)
	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()

		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		line := 0
		for scanner.Scan() {
			line++
			text := bytes.TrimSpace(scanner.Bytes())
			if len(text) == 0 || text[0] == '#' {
				continue
			}
			rec, err := ParseRecord(text)
			if err != nil {
				return &LineError{Line: line, Err: err}
			}

			if r.freshIDs {
				rec.CorrelationID = freshID(renamed, rec.CorrelationID)
			}
			txID := rec.TransactionID()
			if rec.Kind == string(notification.KindPipelineStart) {
				if _, ok := started[txID]; !ok {
					started[txID] = struct{}{}
					order = append(order, txID)
					transactions++
				}
			}

			select {
			case queues[r.partition(txID)] <- rec:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		if err := scanner.Err(); err != nil {
			return &LineError{Line: line + 1, Err: err}
		}
		return nil
	})

	err := g.Wait()
	summary := Summary{
		Events:       r.events.Load(),
		Transactions: transactions,
		Intercepted:  r.intercepted.Load(),
		RejectedTags: r.rejectedTags.Load(),
	}
	if st := r.engine.Connection().Store(); st != nil {
		summary.OpenTransactions = st.Len()
		for _, txID := range order {
			snap, ok := st.Snapshot(txID)
			if !ok {
				continue
			}
			open := 0
			for _, sp := range snap.Spans {
				if sp.IsActive() {
					open++
				}
			}
			summary.Open = append(summary.Open, OpenTransaction{
				TransactionID: txID,
				Flow:          snap.Flow,
				OpenSpans:     open,
			})
		}
	}
	return summary, err
}

// freshID maps eventID onto a generated transaction root, reusing the root
// already generated for its transaction.
func freshID(renamed map[string]string, eventID string) string {
	txID := tracing.TransactionIDFromEventID(eventID)
	root, ok := renamed[txID]
	if !ok {
		root = tracing.NewEventID()
		renamed[txID] = root
	}
	return tracing.RebaseEventID(eventID, root)
}

func (r *Replayer) partition(txID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(txID))
	return int(h.Sum32() % uint32(r.workers))
}

// apply delivers one record the way a host would: notifications to the
// processor, interceptor calls around intercepted steps.
func (r *Replayer) apply(ctx context.Context, rec Record) {
	r.events.Add(1)
	proc := r.engine.Processor()

	switch rec.Kind {
	case KindAddTags:
		if err := r.engine.Operations().AddTransactionTags(rec.CorrelationID, rec.Tags); err != nil {
			r.rejectedTags.Add(1)
			r.logger.Warn("transaction tags rejected",
				slog.String(log.TransactionIDKey, rec.TransactionID()),
				log.Error(err))
		}
		return
	case string(notification.KindProcessorBefore):
		proc.Handle(ctx, rec.Event())
		loc := rec.StepLocation()
		factory := r.engine.Interceptors()
		if factory.Intercept(loc) {
			r.intercepted.Add(1)
			factory.Get().Before(ctx, loc, rec.Params, &interceptor.Event{CorrelationID: rec.CorrelationID})
		}
		return
	case string(notification.KindProcessorAfter):
		loc := rec.StepLocation()
		factory := r.engine.Interceptors()
		if factory.Intercept(loc) {
			factory.Get().After(ctx, loc, &interceptor.Event{CorrelationID: rec.CorrelationID}, rec.err())
		}
		proc.Handle(ctx, rec.Event())
		return
	}
	proc.Handle(ctx, rec.Event())
}
