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

package shared

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	flowerrors "github.com/tombee/flowtrace/pkg/errors"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", errors.New("boom"), ExitReplayFailed},
		{"invalid input", NewInvalidInputError("bad line", nil), ExitInvalidInput},
		{"wrapped config", fmt.Errorf("start: %w", NewInvalidConfigError("bad config", nil)), ExitInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExitError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewReplayError("replay failed", cause)

	if !errors.Is(err, cause) {
		t.Error("expected ExitError to unwrap to its cause")
	}
	if err.Error() != "replay failed: disk full" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestWriteError_Suggestion(t *testing.T) {
	cause := &flowerrors.ValidationError{Field: "exporters[0].type", Message: "unknown type", Hint: "use otlp, otlp-http, console or none"}
	err := NewInvalidConfigError("invalid configuration", fmt.Errorf("validate: %w", cause))

	var buf bytes.Buffer
	writeError(&buf, err)

	out := buf.String()
	if !strings.HasPrefix(out, "Error: invalid configuration") {
		t.Errorf("unexpected output: %q", out)
	}
	if !strings.Contains(out, "Suggestion: use otlp, otlp-http, console or none") {
		t.Errorf("expected suggestion in output, got %q", out)
	}
}

func TestWriteError_NoSuggestion(t *testing.T) {
	var buf bytes.Buffer
	writeError(&buf, errors.New("boom"))
	if strings.Contains(buf.String(), "Suggestion") {
		t.Errorf("unexpected suggestion: %q", buf.String())
	}
}
