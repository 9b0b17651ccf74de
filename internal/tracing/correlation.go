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

package tracing

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// childSeparator separates a parent event id from the suffix the host
// appends when it forks a child event context (async scopes, scatter-gather).
const childSeparator = '_'

// eventKeyType is the context key for storing the current event id.
type eventKeyType struct{}

var eventKey = eventKeyType{}

// TransactionIDFromEventID derives the transaction id of an event. Child
// event contexts carry their parent's id followed by "_<suffix>", so the
// derived id is stable across async hops of one logical event and distinct
// across unrelated events.
func TransactionIDFromEventID(eventID string) string {
	if i := strings.IndexByte(eventID, childSeparator); i >= 0 {
		return eventID[:i]
	}
	return eventID
}

// NewEventID generates a new root event id.
func NewEventID() string {
	return uuid.NewString()
}

// ChildEventID returns the id of the child event context of parent
// carrying suffix.
func ChildEventID(parent, suffix string) string {
	return parent + string(childSeparator) + suffix
}

// RebaseEventID moves eventID onto the transaction root, keeping any child
// suffix, so the result derives root as its transaction id.
func RebaseEventID(eventID, root string) string {
	if i := strings.IndexByte(eventID, childSeparator); i >= 0 {
		return ChildEventID(root, eventID[i+1:])
	}
	return root
}

// WithEventID stores the current event id in the context.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, eventKey, eventID)
}

// EventIDFromContext returns the current event id, or "" when the context
// does not carry one.
func EventIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(eventKey).(string); ok {
		return id
	}
	return ""
}
