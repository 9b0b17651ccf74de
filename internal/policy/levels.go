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

package policy

import (
	"slices"
)

// defaultTraceable are the steps that get notification-driven spans when
// not every processor is spanned.
var defaultTraceable = []Component{
	{Namespace: "mule", Name: "flow-ref"},
	{Namespace: "http", Name: "request"},
	{Namespace: "wsc", Name: "consume"},
	{Namespace: "db", Name: Wildcard},
	{Namespace: "salesforce", Name: Wildcard},
	{Namespace: "jms", Name: "publish"},
	{Namespace: "jms", Name: "consume"},
	{Namespace: "anypoint-mq", Name: "publish"},
	{Namespace: "anypoint-mq", Name: "consume"},
	{Namespace: "vm", Name: "publish"},
	{Namespace: "vm", Name: "consume"},
	{Namespace: "kafka", Name: "publish"},
	{Namespace: "amqp", Name: "publish"},
}

// TraceLevels decides which steps get spans from host notifications.
type TraceLevels struct {
	spanAll   bool
	ignored   []Component
	traceable []Component
}

// NewTraceLevels builds trace levels. Components enabled for interception
// are traceable as well.
func NewTraceLevels(spanAll bool, ignored, interceptionEnabled []Component) *TraceLevels {
	return &TraceLevels{
		spanAll:   spanAll,
		ignored:   slices.Clone(ignored),
		traceable: append(slices.Clone(defaultTraceable), interceptionEnabled...),
	}
}

// SpanAllProcessors reports whether every processor is spanned.
func (l *TraceLevels) SpanAllProcessors() bool {
	return l.spanAll
}

// Ignored reports whether step never gets a span.
func (l *TraceLevels) Ignored(step Component) bool {
	return matchesAny(l.ignored, step)
}

// ShouldSpan reports whether a host notification for step opens a span.
func (l *TraceLevels) ShouldSpan(step Component) bool {
	if !step.Valid() || l.Ignored(step) {
		return false
	}
	return l.spanAll || matchesAny(l.traceable, step)
}
