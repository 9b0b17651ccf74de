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

// Package redact masks sensitive values before they become span attributes.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Mode determines how aggressively tag values are masked.
type Mode string

const (
	// ModeNone passes values through untouched.
	ModeNone Mode = "none"

	// ModeStandard masks values with sensitive keys and known secret shapes.
	ModeStandard Mode = "standard"

	// ModeStrict masks every value, keeping only keys.
	ModeStrict Mode = "strict"
)

// Masked replaces a value that must not leave the process.
const Masked = "[REDACTED]"

// ParseMode converts a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeNone:
		return ModeNone, nil
	case ModeStandard:
		return ModeStandard, nil
	case ModeStrict:
		return ModeStrict, nil
	default:
		return "", fmt.Errorf("unknown redaction level %q (expected none, standard or strict)", s)
	}
}

// Pattern is a named secret shape and its replacement.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

var standardPatterns = []Pattern{
	{
		Name:        "bearer_token",
		Regex:       regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9_\-\.]{20,})`),
		Replacement: "${1}" + Masked,
	},
	{
		Name:        "basic_auth",
		Regex:       regexp.MustCompile(`(?i)(basic\s+)([a-zA-Z0-9+/=]{8,})`),
		Replacement: "${1}" + Masked,
	},
	{
		Name:        "url_credentials",
		Regex:       regexp.MustCompile(`(://[^:/\s]+:)([^@/\s]+)(@)`),
		Replacement: "${1}" + Masked + "${3}",
	},
	{
		Name:        "jwt",
		Regex:       regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
		Replacement: Masked,
	},
	{
		Name:        "credit_card",
		Regex:       regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
		Replacement: Masked,
	},
}

// StandardPatterns returns the secret shapes masked in standard mode.
func StandardPatterns() []Pattern {
	out := make([]Pattern, len(standardPatterns))
	copy(out, standardPatterns)
	return out
}

var sensitiveKeys = []string{
	"password", "passwd", "pwd",
	"secret", "token",
	"api_key", "apikey", "api-key",
	"authorization", "cookie",
	"private_key", "client_secret",
}

// Redactor masks tag values according to its mode.
type Redactor struct {
	mode     Mode
	patterns []Pattern
}

// New creates a redactor using the standard patterns.
func New(mode Mode) *Redactor {
	return &Redactor{mode: mode, patterns: standardPatterns}
}

// NewWithPatterns creates a redactor with custom patterns.
func NewWithPatterns(mode Mode, patterns []Pattern) *Redactor {
	return &Redactor{mode: mode, patterns: patterns}
}

// Mode returns the configured mode. A nil redactor reports ModeNone.
func (r *Redactor) Mode() Mode {
	if r == nil {
		return ModeNone
	}
	return r.mode
}

// Value masks a single tag value.
func (r *Redactor) Value(key, value string) string {
	switch r.Mode() {
	case ModeNone:
		return value
	case ModeStrict:
		return Masked
	}
	if SensitiveKey(key) {
		return Masked
	}
	for _, p := range r.patterns {
		value = p.Regex.ReplaceAllString(value, p.Replacement)
	}
	return value
}

// Tags returns a masked copy of tags. The input map is never modified.
func (r *Redactor) Tags(tags map[string]string) map[string]string {
	if r.Mode() == ModeNone {
		return tags
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = r.Value(k, v)
	}
	return out
}

// SensitiveKey reports whether a tag key names a credential.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
