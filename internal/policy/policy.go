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

// Package policy decides which processing steps get their own span.
package policy

import (
	"slices"
)

var (
	defaultExclusions = []Component{
		{Namespace: "ee", Name: Wildcard},
		{Namespace: "mule", Name: Wildcard},
	}
	defaultInclusions = []Component{
		{Namespace: "mule", Name: "flow-ref"},
	}
)

// InterceptionPolicy decides whether a step's execution is bracketed by a
// synthetic span. It is immutable after construction.
type InterceptionPolicy struct {
	inclusions []Component
	exclusions []Component
}

// NewInterceptionPolicy builds a policy from the built-in rules extended by
// the configured inclusions and exclusions.
func NewInterceptionPolicy(inclusions, exclusions []Component) *InterceptionPolicy {
	return &InterceptionPolicy{
		inclusions: append(slices.Clone(defaultInclusions), inclusions...),
		exclusions: append(slices.Clone(defaultExclusions), exclusions...),
	}
}

// ShouldIntercept applies the rules in order: the first step of a flow is
// always intercepted; an invalid step identifier never is; an included step
// is; otherwise a step is intercepted unless it is excluded.
func (p *InterceptionPolicy) ShouldIntercept(step Component, firstStep bool) bool {
	if firstStep {
		return true
	}
	if !step.Valid() {
		return false
	}
	if matchesAny(p.inclusions, step) {
		return true
	}
	return !matchesAny(p.exclusions, step)
}

// Inclusions returns the effective inclusion matchers.
func (p *InterceptionPolicy) Inclusions() []Component {
	return slices.Clone(p.inclusions)
}

// Exclusions returns the effective exclusion matchers.
func (p *InterceptionPolicy) Exclusions() []Component {
	return slices.Clone(p.exclusions)
}
