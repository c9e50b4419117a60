// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldTenantID  = "tenant_id"
	FieldClientID  = "client_id"
	FieldRunnerID  = "runner_id"
	FieldRequestID = "request_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Distribution fields
	FieldEventType = "event_type"
	FieldDelivered = "delivered"
	FieldQueued    = "queued"

	// Sync fields
	FieldInterval  = "interval"
	FieldCallsUsed = "calls_used"
	FieldUpdated   = "updated"
)
