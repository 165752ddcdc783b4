package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/echotrail/internal/model"
	"github.com/ashita-ai/echotrail/internal/pipeline"
)

// Result is what a trigger returns to its caller.
type Result struct {
	RawFileID    string                 `json:"raw_file_id"`
	RunID        uuid.UUID              `json:"run_id"`
	Status       model.RecordStatus     `json:"status"`
	StageReached string                 `json:"stage_reached,omitempty"`
	FailedStage  string                 `json:"failed_stage,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Detections   int                    `json:"detections"`
	Duration     time.Duration          `json:"duration_ns"`
	Profile      []pipeline.StageTiming `json:"profile,omitempty"`
	Path         []State                `json:"-"`

	// StagesDuration is the time spent inside stages, excluding ledger and
	// dispatch work.
	StagesDuration time.Duration `json:"stages_duration_ns"`

	// Err is the cause of a failed result.
	Err error `json:"-"`
	// LedgerErr is set when the final ledger write failed.
	LedgerErr error `json:"-"`
}

// Skipped reports whether the trigger was short-circuited without a run.
func (r Result) Skipped() bool {
	return r.Status == model.RecordStatusSkippedDuplicate || r.Status == model.RecordStatusSkippedInProgress
}
