// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys so spans stay queryable across the daemon.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	// Job attributes
	JobIDKey       = "job.id"
	JobStatusKey   = "job.status"
	JobDurationKey = "job.duration_ms"

	// Recognition attributes
	RecognizeModelKey     = "recognize.model"
	RecognizeLanguageKey  = "recognize.language"
	RecognizeDeviceKey    = "recognize.device"
	RecognizePrecisionKey = "recognize.precision"
	RecognizeSegmentsKey  = "recognize.segments"

	// Model download attributes
	DownloadModelKey = "download.model"
	DownloadBytesKey = "download.bytes"
	DownloadStateKey = "download.state"

	// Translation attributes
	TranslateTargetKey   = "translate.target"
	TranslateSegmentsKey = "translate.segments"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// JobAttributes creates job-related span attributes.
func JobAttributes(jobID, status string, durationMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobIDKey, jobID),
		attribute.String(JobStatusKey, status),
		attribute.Int64(JobDurationKey, durationMS),
	}
}

// RecognizeAttributes creates recognition-related span attributes. Empty
// fields are omitted so auto-detected languages do not pollute spans.
func RecognizeAttributes(model, language, device, precision string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4)
	if model != "" {
		attrs = append(attrs, attribute.String(RecognizeModelKey, model))
	}
	if language != "" {
		attrs = append(attrs, attribute.String(RecognizeLanguageKey, language))
	}
	if device != "" {
		attrs = append(attrs, attribute.String(RecognizeDeviceKey, device))
	}
	if precision != "" {
		attrs = append(attrs, attribute.String(RecognizePrecisionKey, precision))
	}
	return attrs
}

// DownloadAttributes creates model-download span attributes.
func DownloadAttributes(model, state string, bytes int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(DownloadModelKey, model),
		attribute.String(DownloadStateKey, state),
		attribute.Int64(DownloadBytesKey, bytes),
	}
}

// TranslateAttributes creates translation span attributes.
func TranslateAttributes(target string, segments int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(TranslateTargetKey, target),
		attribute.Int(TranslateSegmentsKey, segments),
	}
}
