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
	"strings"

	"github.com/tombee/flowtrace/internal/policy"
	"github.com/tombee/flowtrace/pkg/observability"
)

var messagingNamespaces = map[string]bool{
	"jms":         true,
	"anypoint-mq": true,
	"vm":          true,
	"amqp":        true,
	"kafka":       true,
}

var clientComponents = []policy.Component{
	{Namespace: "http", Name: "request"},
	{Namespace: "wsc", Name: "consume"},
	{Namespace: "db", Name: policy.Wildcard},
	{Namespace: "salesforce", Name: policy.Wildcard},
}

// RootKind returns the kind of a flow span given its message source.
func RootKind(source policy.Component) observability.SpanKind {
	if messagingNamespaces[strings.ToLower(source.Namespace)] {
		return observability.SpanKindConsumer
	}
	return observability.SpanKindServer
}

// StepKind returns the kind of a step span.
func StepKind(step policy.Component) observability.SpanKind {
	for _, c := range clientComponents {
		if c.Matches(step) {
			return observability.SpanKindClient
		}
	}
	switch strings.ToLower(step.Name) {
	case "publish", "send":
		return observability.SpanKindProducer
	case "consume":
		if messagingNamespaces[strings.ToLower(step.Namespace)] {
			return observability.SpanKindConsumer
		}
	}
	return observability.SpanKindInternal
}
