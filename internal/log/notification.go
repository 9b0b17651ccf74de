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

package log

import (
	"context"
	"log/slog"
)

// NotificationRecord describes one host notification for logging purposes.
type NotificationRecord struct {
	// Kind is the notification kind (e.g., "pipeline_start").
	Kind string

	// TransactionID is the transaction derived from the event.
	TransactionID string

	// Location is the processing step location, if any.
	Location string

	// Flow is the flow name, if any.
	Flow string
}

func (r NotificationRecord) attrs() []slog.Attr {
	attrs := []slog.Attr{slog.String(EventKindKey, r.Kind)}
	if r.TransactionID != "" {
		attrs = append(attrs, slog.String(TransactionIDKey, r.TransactionID))
	}
	if r.Location != "" {
		attrs = append(attrs, slog.String(LocationKey, r.Location))
	}
	if r.Flow != "" {
		attrs = append(attrs, slog.String(FlowKey, r.Flow))
	}
	return attrs
}

// LogNotification logs a received notification at trace level.
func LogNotification(logger *slog.Logger, rec NotificationRecord) {
	Trace(logger, "notification received", rec.attrs()...)
}

// LogNotificationError logs a failure raised while handling a notification.
// Handling failures are never propagated to the host, so this is the only
// place they surface.
func LogNotificationError(logger *slog.Logger, rec NotificationRecord, err error) {
	attrs := append(rec.attrs(), Error(err))
	logger.LogAttrs(context.Background(), slog.LevelError, "failed to handle notification", attrs...)
}
