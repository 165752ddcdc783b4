// Package ledger defines the processing ledger: the durable record of which
// raw files have been processed, and the authority for at-most-once runs.
//
// A run reserves its raw file id with BeginRun, which writes a provisional
// "running" row, and settles it with exactly one Finalize call. Only Finalize
// ever writes "success", and only after the pipeline has terminated, so a
// crashed host can never leave a success row behind for unfinished work.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/echotrail/internal/model"
)

var (
	// ErrAlreadyProcessed is returned by BeginRun when a success record exists.
	ErrAlreadyProcessed = errors.New("ledger: raw file already processed")
	// ErrRunInProgress is returned by BeginRun when another run holds the id.
	ErrRunInProgress = errors.New("ledger: run already in progress")
	// ErrAlreadyFinalized is returned when Finalize is called twice on a handle.
	ErrAlreadyFinalized = errors.New("ledger: run already finalized")
	// ErrRunNotFound is returned when the provisional row for a handle is gone.
	ErrRunNotFound = errors.New("ledger: run not found or not running")
	// ErrClosed is returned by operations on a closed ledger.
	ErrClosed = errors.New("ledger: closed")
)

// Ledger is the idempotency authority for raw file processing.
type Ledger interface {
	// HasBeenProcessed reports whether a success record exists for rawFileID.
	HasBeenProcessed(ctx context.Context, rawFileID string) (bool, error)
	// BeginRun reserves rawFileID for a new run.
	BeginRun(ctx context.Context, rawFileID, rawFileType string, startedAt time.Time) (*RunHandle, error)
	// Finalize settles a run. It must be called exactly once per handle.
	Finalize(ctx context.Context, h *RunHandle, o Outcome) error
	// Records lists ledger rows, newest first.
	Records(ctx context.Context, f RecordFilter) ([]model.ProcessingRecord, error)
	// AbandonStaleRuns fails provisional rows older than olderThan.
	AbandonStaleRuns(ctx context.Context, olderThan time.Duration) (int64, error)
	// Close releases storage resources. Safe to call more than once.
	Close() error
}

// RunHandle identifies one run between BeginRun and Finalize.
type RunHandle struct {
	RunID       uuid.UUID
	RawFileID   string
	RawFileType string
	StartedAt   time.Time

	detached  bool
	finalized atomic.Bool
}

// NewRunHandle returns a handle for a provisional row that has been written.
func NewRunHandle(rawFileID, rawFileType string, startedAt time.Time) *RunHandle {
	return &RunHandle{
		RunID:       uuid.New(),
		RawFileID:   rawFileID,
		RawFileType: rawFileType,
		StartedAt:   startedAt.UTC(),
	}
}

// NewDetachedHandle returns a handle for a run whose provisional row could not
// be written. Finalizing a detached handle inserts the final row directly.
func NewDetachedHandle(rawFileID, rawFileType string, startedAt time.Time) *RunHandle {
	h := NewRunHandle(rawFileID, rawFileType, startedAt)
	h.detached = true
	return h
}

// Detached reports whether the handle has no provisional row.
func (h *RunHandle) Detached() bool { return h.detached }

// Claim marks the handle finalized. Backends call it before writing so a
// handle is settled at most once even if the write itself fails.
func (h *RunHandle) Claim() error {
	if h == nil {
		return fmt.Errorf("ledger: nil run handle")
	}
	if !h.finalized.CompareAndSwap(false, true) {
		return ErrAlreadyFinalized
	}
	return nil
}

// Finalized reports whether Claim has been called.
func (h *RunHandle) Finalized() bool { return h.finalized.Load() }

// Outcome is the single write that settles a run.
type Outcome struct {
	Status            model.RecordStatus
	ProcessedFileID   string // empty means unknown
	ProcessedFileType string
	FileStart         *time.Time
	FileEnd           *time.Time
	EndedAt           time.Time
	Info              string
	Fingerprint       string // empty means the file was never read
}

// Validate checks that the outcome settles the run in a terminal state.
func (o Outcome) Validate() error {
	if !o.Status.Terminal() {
		return fmt.Errorf("ledger: outcome status %q is not terminal", o.Status)
	}
	if o.EndedAt.IsZero() {
		return fmt.Errorf("ledger: outcome end time is required")
	}
	return nil
}

// NullableString returns nil for the empty string.
func NullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// RecordFilter narrows a Records query. Zero values match everything.
type RecordFilter struct {
	RawFileID   string
	Status      model.RecordStatus
	Fingerprint string
	Limit       int
}

// DefaultRecordLimit caps Records when the filter sets no limit.
const DefaultRecordLimit = 100

// EffectiveLimit returns the limit to apply.
func (f RecordFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultRecordLimit
	}
	return f.Limit
}
