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
	"fmt"
	"strings"
)

// Wildcard as a component name matches every step in the namespace.
const Wildcard = "*"

// Component identifies a kind of processing step, e.g. http:request.
type Component struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	Name      string `yaml:"name" json:"name"`
}

// ParseComponent parses "namespace:name". A bare name is rejected.
func ParseComponent(s string) (Component, error) {
	ns, name, ok := strings.Cut(strings.TrimSpace(s), ":")
	c := Component{Namespace: ns, Name: name}
	if !ok || !c.Valid() {
		return Component{}, fmt.Errorf("invalid component %q: expected namespace:name", s)
	}
	return c, nil
}

// String renders the component as "namespace:name".
func (c Component) String() string {
	return c.Namespace + ":" + c.Name
}

// Valid reports whether both parts are set.
func (c Component) Valid() bool {
	return c.Namespace != "" && c.Name != ""
}

// Matches reports whether step is covered by c used as a matcher. The
// namespace compares case-insensitively; the name compares
// case-insensitively or matches anything when c.Name is the wildcard.
func (c Component) Matches(step Component) bool {
	if !strings.EqualFold(c.Namespace, step.Namespace) {
		return false
	}
	return c.Name == Wildcard || strings.EqualFold(c.Name, step.Name)
}

func matchesAny(matchers []Component, step Component) bool {
	for _, m := range matchers {
		if m.Matches(step) {
			return true
		}
	}
	return false
}

// ContainerType is the kind of root container a location belongs to.
type ContainerType string

const (
	ContainerFlow    ContainerType = "flow"
	ContainerSubFlow ContainerType = "sub-flow"
)

// Location is the position of a step in the application.
type Location struct {
	// Path is the full location key, e.g. "orderFlow/processors/0".
	Path string
	// RootContainer is the flow or sub-flow name the path starts with.
	RootContainer string
	// ContainerType is the type of RootContainer.
	ContainerType ContainerType
	// Component identifies the step at Path.
	Component Component
}

// IsFirstStep reports whether the location is the first processor of a
// flow. Sub-flows do not qualify.
func (l Location) IsFirstStep() bool {
	if l.ContainerType != ContainerFlow || l.RootContainer == "" {
		return false
	}
	return strings.EqualFold(l.Path, l.RootContainer+"/processors/0")
}
