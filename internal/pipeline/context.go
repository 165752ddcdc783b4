// Package pipeline runs a raw file through an ordered list of named stages.
//
// Stages exchange a Context by value: each stage receives its predecessor's
// output and returns a new Context. The scientific work behind a stage is
// opaque here; stages report what they produced through Products, which is
// what the message assembler reads afterwards.
package pipeline

import (
	"slices"
	"time"

	"github.com/ashita-ai/echotrail/internal/integrity"
	"github.com/ashita-ai/echotrail/internal/settings"
)

// Context is the per-run state threaded through the stages. One run owns it
// exclusively.
type Context struct {
	RawFile  RawFile
	Settings *settings.Snapshot
	Profile  *Profile
	Datasets []Dataset
	Products Products

	reached string
}

// RawFile identifies the input being processed.
type RawFile struct {
	ID        string // canonical ledger key
	Path      string
	Type      string // extension, e.g. ".raw"
	Integrity integrity.Report
}

// Dataset is a handle to an intermediate dataset owned by the processor.
type Dataset struct {
	Name   string `json:"name"`
	Handle string `json:"handle"`
	Format string `json:"format,omitempty"`
}

// Products are the typed outputs stages report. A nil field means the stage
// that produces it has not completed.
type Products struct {
	Echogram *Echogram `json:"echogram,omitempty"`
	Track    *Track    `json:"track,omitempty"`
	Seabed   *Seabed   `json:"seabed,omitempty"`
	NASC     *NASC     `json:"nasc,omitempty"`
	Shoals   *ShoalSet `json:"shoals,omitempty"`
	Artifact *Artifact `json:"artifact,omitempty"`
}

// Echogram describes the calibrated volume backscatter grid.
type Echogram struct {
	Pings       int       `json:"pings"`
	Samples     int       `json:"samples"`
	Frequencies []float64 `json:"frequencies"`
	StartRange  float64   `json:"start_range"`
	EndRange    float64   `json:"end_range"`
}

// Track is the time and position extent of the file.
type Track struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	StartLat  float64   `json:"start_lat"`
	StartLon  float64   `json:"start_lon"`
	EndLat    float64   `json:"end_lat"`
	EndLon    float64   `json:"end_lon"`
}

// Seabed is a per-ping depth field and the mask of pings where the seabed
// was detected. Depth and Mask are index-aligned.
type Seabed struct {
	Depth []float64 `json:"depth"`
	Mask  []bool    `json:"mask"`
}

// NASC holds the nautical area scattering coefficient per channel.
type NASC struct {
	Values []float64 `json:"values"`
}

// Shoal is one detected aggregation, keyed by the detector's attribute names.
type Shoal map[string]any

// ShoalSet is the detection result. A non-nil set with no items means the
// detector ran and found nothing.
type ShoalSet struct {
	Items []Shoal `json:"items"`
}

// Artifact is the processed output written by the export stage.
type Artifact struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// StageReached returns the name of the last stage that completed, or "" if
// none has.
func (c Context) StageReached() string { return c.reached }

// WithDataset returns c with d appended to a fresh copy of the dataset chain.
func (c Context) WithDataset(d Dataset) Context {
	c.Datasets = append(slices.Clip(c.Datasets), d)
	return c
}

// LastDataset returns the most recent dataset handle.
func (c Context) LastDataset() (Dataset, bool) {
	if len(c.Datasets) == 0 {
		return Dataset{}, false
	}
	return c.Datasets[len(c.Datasets)-1], true
}
