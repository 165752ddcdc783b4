// Package model defines the core domain types for echotrail.
//
// Types correspond directly to ledger rows and inbound event payloads.
// Nullable columns are pointers so "unknown" stays distinct from a zero value.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RecordStatus is the lifecycle state of a ledger record.
type RecordStatus string

const (
	// RecordStatusRunning marks a provisional row written when a run begins.
	// It is never reported as processed.
	RecordStatusRunning RecordStatus = "running"
	RecordStatusSuccess RecordStatus = "success"
	RecordStatusFailed  RecordStatus = "failed"
	// RecordStatusSkippedDuplicate is a result status only; the dedup branch
	// does not write to the ledger.
	RecordStatusSkippedDuplicate RecordStatus = "skipped-duplicate"
	// RecordStatusSkippedInProgress is a result status for a trigger that
	// found another run holding the same raw file.
	RecordStatusSkippedInProgress RecordStatus = "skipped-in-progress"
)

// Terminal reports whether s is a final ledger state.
func (s RecordStatus) Terminal() bool {
	return s == RecordStatusSuccess || s == RecordStatusFailed
}

// ProcessingRecord is one row of the processing ledger.
type ProcessingRecord struct {
	ID                  int64        `json:"id"`
	RunID               uuid.UUID    `json:"run_id"`
	RawFileID           string       `json:"filename_raw"`
	RawFileType         string       `json:"filetype_raw"`
	ProcessedFileID     *string      `json:"filename_processed"`
	ProcessedFileType   *string      `json:"filetype_processed"`
	FileStartTime       *time.Time   `json:"file_start_date"`
	FileEndTime         *time.Time   `json:"file_end_date"`
	ProcessingStartedAt time.Time    `json:"processing_start_date"`
	ProcessingEndedAt   *time.Time   `json:"processing_end_date"`
	Status              RecordStatus `json:"status"`
	Info                string       `json:"additional_info"`
	// Fingerprint is the content digest of the raw file, nil when the run
	// failed before the file could be read.
	Fingerprint *string `json:"fingerprint"`
}
