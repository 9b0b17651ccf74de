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

package errors_test

import (
	"errors"
	"fmt"
	"testing"

	flowerrors "github.com/tombee/flowtrace/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *flowerrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &flowerrors.ValidationError{
				Field:   "tags.customer",
				Message: "null values are not supported",
				Hint:    "Remove the key or pass an empty string",
			},
			wantMsg: "validation failed on tags.customer: null values are not supported",
		},
		{
			name: "without field",
			err: &flowerrors.ValidationError{
				Message: "invalid format",
			},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestValidationError_UserVisible(t *testing.T) {
	err := &flowerrors.ValidationError{Field: "tags", Message: "bad", Hint: "fix it"}

	var uv flowerrors.UserVisibleError
	if !errors.As(err, &uv) {
		t.Fatal("expected ValidationError to implement UserVisibleError")
	}
	if !uv.IsUserVisible() {
		t.Error("expected validation errors to be user visible")
	}
	if uv.Suggestion() != "fix it" {
		t.Errorf("Suggestion() = %q, want %q", uv.Suggestion(), "fix it")
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &flowerrors.NotFoundError{Resource: "transaction", ID: "tx-1"}
	if got := err.Error(); got != "transaction not found: tx-1" {
		t.Errorf("NotFoundError.Error() = %q", got)
	}
	if err.ErrorType() != "not_found" {
		t.Errorf("ErrorType() = %q, want not_found", err.ErrorType())
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("yaml: line 3: mapping values are not allowed")
	err := &flowerrors.ConfigError{Key: "exporters", Reason: "parse failed", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	if got := err.Error(); got != "config error at exporters: parse failed" {
		t.Errorf("ConfigError.Error() = %q", got)
	}
	if err.Suggestion() == "" {
		t.Error("expected a suggestion when Key is set")
	}

	noKey := &flowerrors.ConfigError{Reason: "missing file"}
	if noKey.Suggestion() != "" {
		t.Errorf("expected empty suggestion, got %q", noKey.Suggestion())
	}
}

func TestNotificationError(t *testing.T) {
	cause := errors.New("boom")
	err := &flowerrors.NotificationError{EventKind: "processor_before", TransactionID: "tx-9", Cause: cause}

	if got := err.Error(); got != "handling processor_before for transaction tx-9: boom" {
		t.Errorf("NotificationError.Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}

	anon := &flowerrors.NotificationError{EventKind: "metric", Cause: cause}
	if got := anon.Error(); got != "handling metric: boom" {
		t.Errorf("NotificationError.Error() = %q", got)
	}
}

func TestHelpers(t *testing.T) {
	if flowerrors.Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should be nil")
	}

	wrapped := flowerrors.Wrapf(&flowerrors.ValidationError{Message: "x"}, "adding tags to %s", "tx-1")
	if !flowerrors.IsValidation(wrapped) {
		t.Error("expected wrapped ValidationError to be detected")
	}
	if flowerrors.IsNotFound(wrapped) {
		t.Error("did not expect NotFoundError")
	}

	nf := fmt.Errorf("lookup: %w", &flowerrors.NotFoundError{Resource: "transaction", ID: "a"})
	if !flowerrors.IsNotFound(nf) {
		t.Error("expected wrapped NotFoundError to be detected")
	}
}

func TestFromPanic(t *testing.T) {
	base := errors.New("nil map")
	if got := flowerrors.FromPanic(base); got != base {
		t.Errorf("FromPanic(error) = %v, want the same error", got)
	}
	if got := flowerrors.FromPanic("oops"); got.Error() != "panic: oops" {
		t.Errorf("FromPanic(string) = %q", got.Error())
	}
}
