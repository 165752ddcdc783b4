package model

import "time"

// Error codes carried in APIError.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// ResponseMeta is attached to every HTTP response body.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse wraps a single object.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse wraps a page of ledger rows. HasMore is set when rows beyond
// Limit match the filter.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Meta    ResponseMeta `json:"meta"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ProcessFileRequest asks the service to run the pipeline on one raw file,
// the same as a file_arrived event would.
type ProcessFileRequest struct {
	Path string `json:"path"`
}

// HealthResponse reports ledger reachability and the live settings version.
// Ledger is "connected" or "disconnected".
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Ledger          string `json:"ledger"`
	SettingsVersion uint64 `json:"settings_version"`
	Uptime          int64  `json:"uptime_seconds"`
}
