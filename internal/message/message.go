// Package message builds the fixed-shape telemetry records sent for each run.
//
// Every builder is a pure function of the pipeline context. Every key of a
// record is always present; values that could not be computed are JSON null,
// which is distinct from a computed zero.
package message

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ashita-ai/echotrail/internal/model"
	"github.com/ashita-ai/echotrail/internal/pipeline"
)

// Outcome is how the run ended, as far as the assembler is concerned.
type Outcome struct {
	Status      model.RecordStatus
	FailedStage string
	Reason      string
}

// Degraded reports whether the outcome is not a success.
func (o Outcome) Degraded() bool { return o.Status != model.RecordStatusSuccess }

// FileSummary is the one-per-run aggregate record.
type FileSummary struct {
	Filename    string   `json:"filename"`
	NPings      *int     `json:"file_npings"`
	NSamples    *int     `json:"file_nsamples"`
	Freqs       *string  `json:"file_freqs"`
	NASC        *string  `json:"file_nasc"`
	SeabedDepth *float64 `json:"file_seabed_depth"`
	StartDepth  *float64 `json:"file_start_depth"`
	EndDepth    *float64 `json:"file_end_depth"`
	StartTime   *string  `json:"file_start_time"`
	EndTime     *string  `json:"file_end_time"`
	StartLat    *float64 `json:"file_start_lat"`
	StartLon    *float64 `json:"file_start_lon"`
	EndLat      *float64 `json:"file_end_lat"`
	EndLon      *float64 `json:"file_end_lon"`
	NShoals     *int     `json:"file_nshoals"`

	// Outcome travels with the summary for logging; it is not on the wire.
	Outcome Outcome `json:"-"`
}

// BuildFileSummary assembles the summary from whatever the stages produced.
// A degraded outcome still yields every field the reached stages support.
func BuildFileSummary(c pipeline.Context, o Outcome) FileSummary {
	s := FileSummary{Filename: c.RawFile.ID, Outcome: o}
	p := c.Products

	if e := p.Echogram; e != nil {
		s.NPings = intPtr(e.Pings)
		s.NSamples = intPtr(e.Samples)
		if len(e.Frequencies) > 0 {
			s.Freqs = strPtr(joinFloats(e.Frequencies))
		}
		s.StartDepth = finitePtr(e.StartRange)
		s.EndDepth = finitePtr(e.EndRange)
	}
	if t := p.Track; t != nil {
		s.StartTime = timePtr(t.StartTime)
		s.EndTime = timePtr(t.EndTime)
		s.StartLat = finitePtr(t.StartLat)
		s.StartLon = finitePtr(t.StartLon)
		s.EndLat = finitePtr(t.EndLat)
		s.EndLon = finitePtr(t.EndLon)
	}
	if n := p.NASC; n != nil && len(n.Values) > 0 {
		s.NASC = strPtr(joinFloats(n.Values))
	}
	s.SeabedDepth = SeabedDepth(p.Seabed)
	if p.Shoals != nil {
		s.NShoals = intPtr(len(p.Shoals.Items))
	}
	return s
}

// SeabedDepth is the mean depth over pings where the seabed mask is set. It
// returns nil when there is no seabed product, the mask selects nothing, or
// depth and mask lengths disagree. NaN depths are skipped.
func SeabedDepth(sb *pipeline.Seabed) *float64 {
	if sb == nil || len(sb.Depth) == 0 || len(sb.Depth) != len(sb.Mask) {
		return nil
	}
	depth := make([]float64, len(sb.Depth))
	weights := make([]float64, len(sb.Depth))
	var selected int
	for i, d := range sb.Depth {
		if !sb.Mask[i] || finitePtr(d) == nil {
			continue
		}
		depth[i] = d
		weights[i] = 1
		selected++
	}
	if selected == 0 {
		return nil
	}
	mean := stat.Mean(depth, weights)
	return finitePtr(mean)
}

// DetectionRecord is a per-shoal record. It always holds exactly the keys in
// DetectionKeys.
type DetectionRecord map[string]any

// shoalFields is the allow-list of detector attributes carried on the wire.
var shoalFields = []string{
	"label", "frequency", "area", "sv_mean", "npings", "nsamples",
	"corrected_length", "mean_range", "start_range", "end_range",
	"start_time", "end_time", "start_lat", "end_lat", "start_lon", "end_lon",
	"nasc",
}

const shoalPrefix = "shoal_"

// DetectionKeys returns the wire keys of a DetectionRecord in schema order.
func DetectionKeys() []string {
	keys := make([]string, 0, len(shoalFields)+1)
	keys = append(keys, "filename")
	for _, f := range shoalFields {
		keys = append(keys, shoalPrefix+f)
	}
	return keys
}

// BuildDetectionRecords returns one record per detected shoal. It returns no
// records when detection did not complete or found nothing.
//
// Detector attributes may arrive bare ("area") or already prefixed
// ("shoal_area"); attributes outside the allow-list are dropped.
func BuildDetectionRecords(c pipeline.Context) []DetectionRecord {
	if c.Products.Shoals == nil {
		return nil
	}
	out := make([]DetectionRecord, 0, len(c.Products.Shoals.Items))
	for _, shoal := range c.Products.Shoals.Items {
		rec := DetectionRecord{"filename": c.RawFile.ID}
		for _, f := range shoalFields {
			v, ok := shoal[f]
			if !ok {
				v = shoal[shoalPrefix+f]
			}
			rec[shoalPrefix+f] = Coerce(v)
		}
		out = append(out, rec)
	}
	return out
}

// DownstreamNotice tells the downstream consumer a processed product exists.
type DownstreamNotice struct {
	Filename          string  `json:"filename"`
	ProcessedFileID   *string `json:"processed_file_id"`
	ProcessedFileType *string `json:"processed_file_type"`
	SurveyID          string  `json:"survey_id"`
	DatasetID         string  `json:"dataset_id"`
	DepthOffset       float64 `json:"depth_offset"`
	Date              *string `json:"date"`
}

// BuildDownstreamNotice describes the processed artifact of a successful run.
func BuildDownstreamNotice(c pipeline.Context) DownstreamNotice {
	base := filepath.Base(c.RawFile.Path)
	if c.RawFile.Path == "" {
		base = filepath.Base(c.RawFile.ID)
	}
	n := DownstreamNotice{
		Filename:  base,
		DatasetID: strings.TrimSuffix(base, filepath.Ext(base)),
	}
	if a := c.Products.Artifact; a != nil {
		n.ProcessedFileID = strPtr(a.ID)
		n.ProcessedFileType = strPtr(a.Type)
	}
	if s := c.Settings; s != nil {
		n.SurveyID = s.SurveyID
		n.DepthOffset = s.DepthOffset
	}
	if t := c.Products.Track; t != nil && !t.StartTime.IsZero() {
		n.Date = strPtr(t.StartTime.UTC().Format(time.DateOnly))
	}
	return n
}

func joinFloats(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

func intPtr(i int) *int { return &i }

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtr(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}
