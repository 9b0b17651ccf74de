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

package notification

import (
	"time"

	"github.com/tombee/flowtrace/internal/policy"
	"github.com/tombee/flowtrace/internal/tracing"
)

// Kind discriminates host notifications.
type Kind string

const (
	KindPipelineStart   Kind = "pipeline_start"
	KindPipelineEnd     Kind = "pipeline_end"
	KindProcessorBefore Kind = "processor_before"
	KindProcessorAfter  Kind = "processor_after"
	KindAsyncScheduled  Kind = "async_scheduled"
	KindAsyncCompleted  Kind = "async_completed"
	KindMetric          Kind = "metric"
)

// Event is a host lifecycle notification. The implementations in this
// package are the complete set.
type Event interface {
	Kind() Kind
	correlationID() string
}

// PipelineStart reports that a flow started processing an event.
type PipelineStart struct {
	CorrelationID string
	Flow          string
	// Source is the flow's message source, e.g. http:listener.
	Source policy.Component
	// Carrier holds inbound propagation headers, if any.
	Carrier map[string]string
	Time    time.Time
}

// PipelineEnd reports that a flow finished processing an event.
type PipelineEnd struct {
	CorrelationID string
	Flow          string
	Error         error
	Time          time.Time
}

// ProcessorBefore reports that a step is about to execute.
type ProcessorBefore struct {
	CorrelationID string
	Location      policy.Location
	// TargetFlow is the flow a flow-ref step calls.
	TargetFlow string
	Time       time.Time
}

// ProcessorAfter reports that a step finished.
type ProcessorAfter struct {
	CorrelationID string
	Location      policy.Location
	Error         error
	Time          time.Time
}

// AsyncScheduled reports that an async scope handed a branch to another
// worker.
type AsyncScheduled struct {
	CorrelationID string
	Location      policy.Location
	Time          time.Time
}

// AsyncCompleted reports that a branch scheduled by an async scope finished.
type AsyncCompleted struct {
	CorrelationID string
	Location      policy.Location
	Time          time.Time
}

// MetricEvent is an application metric to forward to the metric sink.
type MetricEvent struct {
	Name        string
	Value       float64
	Instrument  tracing.MetricKind
	Unit        string
	Description string
	Attributes  map[string]string
}

func (PipelineStart) Kind() Kind   { return KindPipelineStart }
func (PipelineEnd) Kind() Kind     { return KindPipelineEnd }
func (ProcessorBefore) Kind() Kind { return KindProcessorBefore }
func (ProcessorAfter) Kind() Kind  { return KindProcessorAfter }
func (AsyncScheduled) Kind() Kind  { return KindAsyncScheduled }
func (AsyncCompleted) Kind() Kind  { return KindAsyncCompleted }
func (MetricEvent) Kind() Kind     { return KindMetric }

func (e PipelineStart) correlationID() string   { return e.CorrelationID }
func (e PipelineEnd) correlationID() string     { return e.CorrelationID }
func (e ProcessorBefore) correlationID() string { return e.CorrelationID }
func (e ProcessorAfter) correlationID() string  { return e.CorrelationID }
func (e AsyncScheduled) correlationID() string  { return e.CorrelationID }
func (e AsyncCompleted) correlationID() string  { return e.CorrelationID }
func (MetricEvent) correlationID() string       { return "" }
