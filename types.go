package echotrail

import (
	"time"

	"github.com/google/uuid"
)

// Status is the state of a ledger record or a trigger result.
type Status string

const (
	StatusRunning           Status = "running"
	StatusSuccess           Status = "success"
	StatusFailed            Status = "failed"
	StatusSkippedDuplicate  Status = "skipped-duplicate"
	StatusSkippedInProgress Status = "skipped-in-progress"
)

// RawFile identifies the input a stage is working on.
type RawFile struct {
	ID         string
	Path       string
	Type       string
	SonarModel string
	// Fingerprint is the content digest taken before the first stage.
	Fingerprint string
}

// Settings is the survey and instrument configuration a run was started
// with. It is a copy; changing it has no effect on the App.
type Settings struct {
	Version          uint64
	SonarModel       string
	WaveformMode     string
	EncodeMode       string
	DepthOffset      float64
	SurveyID         string
	SurveyName       string
	PlatformType     string
	PlatformName     string
	PlatformCodeICES string
}

// Dataset is a handle to an intermediate dataset produced by a stage.
type Dataset struct {
	Name   string
	Handle string
	Format string
}

// Products are the typed results stages report. A nil field is not yet
// produced. In a StageOutput, each non-nil field replaces the current one.
type Products struct {
	Echogram *Echogram
	Track    *Track
	Seabed   *Seabed
	NASC     *NASC
	// Shoals is nil until detection runs; an empty non-nil slice means
	// detection ran and found nothing.
	Shoals   []map[string]any
	Artifact *Artifact
}

// Echogram describes the calibrated volume backscatter grid.
type Echogram struct {
	Pings       int
	Samples     int
	Frequencies []float64
	StartRange  float64
	EndRange    float64
}

// Track is the time and position extent of the file.
type Track struct {
	StartTime time.Time
	EndTime   time.Time
	StartLat  float64
	StartLon  float64
	EndLat    float64
	EndLon    float64
}

// Seabed is a per-ping depth field and its detection mask.
type Seabed struct {
	Depth []float64
	Mask  []bool
}

// NASC holds the nautical area scattering coefficient per channel.
type NASC struct {
	Values []float64
}

// Artifact is the processed output written by the export stage.
type Artifact struct {
	ID   string
	Type string
}

// StageInput is what a Stage receives.
type StageInput struct {
	RawFile  RawFile
	Settings Settings
	Datasets []Dataset
	Products Products
}

// StageOutput is what a Stage adds. Datasets are appended to the chain.
type StageOutput struct {
	Datasets []Dataset
	Products Products
}

// StageTiming is one profiling entry.
type StageTiming struct {
	Stage    string
	Index    int
	Duration time.Duration
	Error    string
}

// RunResult reports how a trigger was handled.
type RunResult struct {
	RawFileID    string
	RunID        uuid.UUID
	Status       Status
	StageReached string
	FailedStage  string
	Error        string
	Detections   int
	Duration     time.Duration
	Profile      []StageTiming
	// StagesDuration is the part of Duration spent inside stages.
	StagesDuration time.Duration
}

// Skipped reports whether the trigger was short-circuited without a run.
func (r RunResult) Skipped() bool {
	return r.Status == StatusSkippedDuplicate || r.Status == StatusSkippedInProgress
}

// Record is one row of the processing ledger.
type Record struct {
	ID                  int64
	RunID               uuid.UUID
	RawFileID           string
	RawFileType         string
	ProcessedFileID     *string
	ProcessedFileType   *string
	FileStartTime       *time.Time
	FileEndTime         *time.Time
	ProcessingStartedAt time.Time
	ProcessingEndedAt   *time.Time
	Status              Status
	Info                string
	Fingerprint         *string
}

// RecordFilter narrows Records. Zero values match everything.
type RecordFilter struct {
	RawFileID   string
	Status      Status
	Fingerprint string
	Limit       int
}
