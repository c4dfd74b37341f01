// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Recognition fields
	FieldModel     = "model"
	FieldDevice    = "device"
	FieldPrecision = "precision"
	FieldLanguage  = "language"
	FieldSegment   = "segment_idx"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"

	// Path / transfer fields
	FieldPath       = "path"
	FieldDBPath     = "db_path"
	FieldURL        = "url"
	FieldBytes      = "bytes"
	FieldTotalBytes = "total_bytes"
)
