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

// Package operations implements the tracing operations callable from
// within a traced application.
package operations

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/tombee/flowtrace/internal/log"
	"github.com/tombee/flowtrace/internal/notification"
	"github.com/tombee/flowtrace/internal/store"
	"github.com/tombee/flowtrace/internal/tracing"
	flowerrors "github.com/tombee/flowtrace/pkg/errors"
)

// Operations serves trace context lookups and transaction tagging. Every
// operation degrades to an empty result when tracing is inactive.
type Operations struct {
	proc   *notification.Processor
	logger *slog.Logger

	warnTraceContext sync.Once
	warnCustomTags   sync.Once
}

// New creates the operations backed by proc.
func New(proc *notification.Processor, logger *slog.Logger) *Operations {
	return &Operations{
		proc:   proc,
		logger: log.WithComponent(log.OrDefault(logger), "operations"),
	}
}

func (o *Operations) store() *store.Store {
	if o == nil || o.proc == nil {
		return nil
	}
	return o.proc.Connection().Store()
}

// GetCurrentTraceContext returns the trace context of the current span of
// the transaction the event belongs to. The result is empty, never nil,
// when there is no open span.
func (o *Operations) GetCurrentTraceContext(correlationID string) map[string]string {
	return o.traceContext(tracing.TransactionIDFromEventID(correlationID))
}

// AddTransactionTags adds tags to the root span of the transaction the
// event belongs to. A nil value rejects the whole call.
func (o *Operations) AddTransactionTags(correlationID string, tags map[string]any) error {
	return o.addTags(tracing.TransactionIDFromEventID(correlationID), tags)
}

// GetTraceContext returns the trace context of an explicit transaction.
//
// Deprecated: Use GetCurrentTraceContext.
func (o *Operations) GetTraceContext(transactionID string) map[string]string {
	o.warnTraceContext.Do(func() {
		o.logger.Warn("get-trace-context is deprecated and will be removed in the next major version",
			slog.String("replacement", "get-current-trace-context"))
	})
	return o.traceContext(transactionID)
}

// AddCustomTags adds tags to an explicit transaction.
//
// Deprecated: Use AddTransactionTags.
func (o *Operations) AddCustomTags(transactionID string, tags map[string]any) error {
	o.warnCustomTags.Do(func() {
		o.logger.Warn("add-custom-tags is deprecated and will be removed in the next major version",
			slog.String("replacement", "add-transaction-tags"))
	})
	return o.addTags(transactionID, tags)
}

func (o *Operations) traceContext(transactionID string) map[string]string {
	st := o.store()
	if st == nil {
		return map[string]string{}
	}
	return st.GetTraceContext(transactionID).Map()
}

func (o *Operations) addTags(transactionID string, tags map[string]any) error {
	values, err := stringTags(tags)
	if err != nil {
		return err
	}
	st := o.store()
	if st == nil {
		return nil
	}
	st.AddTransactionTags(transactionID, store.TagPrefix, values)
	return nil
}

// stringTags converts tag values to strings. It fails on the first nil
// value in key order so errors are stable.
func stringTags(tags map[string]any) (map[string]string, error) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(tags))
	for _, k := range keys {
		if k == "" {
			return nil, &flowerrors.ValidationError{
				Field:   "tags",
				Message: "tag keys must not be empty",
			}
		}
		v := tags[k]
		if isNull(v) {
			return nil, &flowerrors.ValidationError{
				Field:   "tags." + k,
				Message: "tag value must not be null",
				Hint:    "remove the tag or set it to an empty string",
			}
		}
		switch v := v.(type) {
		case string:
			out[k] = v
		default:
			rv := reflect.ValueOf(v)
			if rv.Kind() == reflect.Pointer {
				out[k] = fmt.Sprint(rv.Elem().Interface())
			} else {
				out[k] = fmt.Sprint(v)
			}
		}
	}
	return out, nil
}

// isNull reports whether v is nil, including typed nils such as a nil
// pointer held in an interface.
func isNull(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
