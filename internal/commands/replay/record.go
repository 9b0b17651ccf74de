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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tombee/flowtrace/internal/notification"
	"github.com/tombee/flowtrace/internal/policy"
	"github.com/tombee/flowtrace/internal/tracing"
	flowerrors "github.com/tombee/flowtrace/pkg/errors"
)

// KindAddTags is a replay-only record kind that calls the
// add-transaction-tags operation.
const KindAddTags = "add_tags"

// Record is one line of a replay file. Kind selects which fields apply.
type Record struct {
	Kind          string            `json:"kind"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Time          time.Time         `json:"time,omitzero"`
	Flow          string            `json:"flow,omitempty"`
	Source        string            `json:"source,omitempty"`
	Carrier       map[string]string `json:"carrier,omitempty"`
	Location      string            `json:"location,omitempty"`
	ContainerType string            `json:"container_type,omitempty"`
	Component     string            `json:"component,omitempty"`
	TargetFlow    string            `json:"target_flow,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
	Error         string            `json:"error,omitempty"`
	Tags          map[string]any    `json:"tags,omitempty"`

	Name        string            `json:"name,omitempty"`
	Value       float64           `json:"value,omitempty"`
	Instrument  string            `json:"instrument,omitempty"`
	Unit        string            `json:"unit,omitempty"`
	Description string            `json:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// ParseRecord decodes and checks one replay line.
func ParseRecord(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return rec, &flowerrors.ValidationError{Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	switch notification.Kind(rec.Kind) {
	case notification.KindMetric:
		if rec.Name == "" {
			return rec, &flowerrors.ValidationError{Field: "name", Message: "metric records need a name"}
		}
		return rec, nil
	case notification.KindPipelineStart, notification.KindPipelineEnd,
		notification.KindProcessorBefore, notification.KindProcessorAfter,
		notification.KindAsyncScheduled, notification.KindAsyncCompleted:
	default:
		if rec.Kind != KindAddTags {
			return rec, &flowerrors.ValidationError{
				Field:   "kind",
				Message: fmt.Sprintf("unknown record kind %q", rec.Kind),
				Hint:    "use one of pipeline_start, pipeline_end, processor_before, processor_after, async_scheduled, async_completed, metric, add_tags",
			}
		}
	}
	if rec.CorrelationID == "" {
		return rec, &flowerrors.ValidationError{Field: "correlation_id", Message: "correlation id is required"}
	}
	return rec, nil
}

// TransactionID returns the transaction the record belongs to.
func (r Record) TransactionID() string {
	return tracing.TransactionIDFromEventID(r.CorrelationID)
}

// StepLocation builds the location of a step record.
func (r Record) StepLocation() policy.Location {
	loc := policy.Location{
		Path:          r.Location,
		RootContainer: r.Location,
		ContainerType: policy.ContainerType(r.ContainerType),
	}
	if i := strings.IndexByte(r.Location, '/'); i >= 0 {
		loc.RootContainer = r.Location[:i]
	}
	if loc.ContainerType == "" {
		loc.ContainerType = policy.ContainerFlow
	}
	// A malformed component stays zero and is never spanned.
	if c, err := policy.ParseComponent(r.Component); err == nil {
		loc.Component = c
	}
	return loc
}

func (r Record) err() error {
	if r.Error == "" {
		return nil
	}
	return errors.New(r.Error)
}

// Event converts a notification record. It returns nil for add_tags.
func (r Record) Event() notification.Event {
	switch notification.Kind(r.Kind) {
	case notification.KindPipelineStart:
		source, _ := policy.ParseComponent(r.Source)
		return notification.PipelineStart{
			CorrelationID: r.CorrelationID,
			Flow:          r.Flow,
			Source:        source,
			Carrier:       r.Carrier,
			Time:          r.Time,
		}
	case notification.KindPipelineEnd:
		return notification.PipelineEnd{CorrelationID: r.CorrelationID, Flow: r.Flow, Error: r.err(), Time: r.Time}
	case notification.KindProcessorBefore:
		target := r.TargetFlow
		if target == "" {
			target = r.Params["name"]
		}
		return notification.ProcessorBefore{CorrelationID: r.CorrelationID, Location: r.StepLocation(), TargetFlow: target, Time: r.Time}
	case notification.KindProcessorAfter:
		return notification.ProcessorAfter{CorrelationID: r.CorrelationID, Location: r.StepLocation(), Error: r.err(), Time: r.Time}
	case notification.KindAsyncScheduled:
		return notification.AsyncScheduled{CorrelationID: r.CorrelationID, Location: r.StepLocation(), Time: r.Time}
	case notification.KindAsyncCompleted:
		return notification.AsyncCompleted{CorrelationID: r.CorrelationID, Location: r.StepLocation(), Time: r.Time}
	case notification.KindMetric:
		return notification.MetricEvent{
			Name:        r.Name,
			Value:       r.Value,
			Instrument:  tracing.MetricKind(r.Instrument),
			Unit:        r.Unit,
			Description: r.Description,
			Attributes:  r.Attributes,
		}
	}
	return nil
}
