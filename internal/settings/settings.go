// Package settings holds the survey and instrument settings a run is
// processed with.
//
// A Snapshot is never modified after it is published. Store is the single
// writer: Update builds a new snapshot from the current one plus a patch,
// validates it, and swaps it in atomically. Runs take Store.Current once and
// keep that pointer for their whole lifetime, so a concurrent update never
// changes settings under a running pipeline.
package settings

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid wraps validation failures.
var ErrInvalid = errors.New("settings: invalid")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Snapshot is one immutable version of the settings.
type Snapshot struct {
	Version          uint64  `json:"version"`
	SonarModel       string  `json:"sonar_model" validate:"oneof=EK60 EK80"`
	WaveformMode     string  `json:"waveform_mode" validate:"oneof=CW FM"`
	EncodeMode       string  `json:"encode_mode" validate:"oneof=power complex"`
	DepthOffset      float64 `json:"depth_offset" validate:"gte=-1000,lte=1000"`
	SurveyID         string  `json:"survey_id" validate:"max=128"`
	SurveyName       string  `json:"survey_name" validate:"max=256"`
	PlatformType     string  `json:"platform_type" validate:"max=128"`
	PlatformName     string  `json:"platform_name" validate:"max=128"`
	PlatformCodeICES string  `json:"platform_code_ICES" validate:"omitempty,alphanum,max=16"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Snapshot {
	return Snapshot{
		SonarModel:   "EK60",
		WaveformMode: "CW",
		EncodeMode:   "power",
	}
}

// Validate checks field constraints.
func (s Snapshot) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Apply returns a copy of s with the non-nil fields of p set.
func (s Snapshot) Apply(p Patch) Snapshot {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&s.SonarModel, p.SonarModel)
	set(&s.WaveformMode, p.WaveformMode)
	set(&s.EncodeMode, p.EncodeMode)
	set(&s.SurveyID, p.SurveyID)
	set(&s.SurveyName, p.SurveyName)
	set(&s.PlatformType, p.PlatformType)
	set(&s.PlatformName, p.PlatformName)
	set(&s.PlatformCodeICES, p.PlatformCodeICES)
	if p.DepthOffset != nil {
		s.DepthOffset = *p.DepthOffset
	}
	return s
}

// ForInstrument returns s unchanged when it already describes sonarModel,
// otherwise a copy describing the detected instrument with its encode mode.
// The copy keeps s's version: it is derived for one run, not published.
func (s *Snapshot) ForInstrument(sonarModel, encodeMode string) *Snapshot {
	if sonarModel == "" || s.SonarModel == sonarModel {
		return s
	}
	c := *s
	c.SonarModel = sonarModel
	c.EncodeMode = encodeMode
	return &c
}

// Store holds the current snapshot. Reads are lock-free.
type Store struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Snapshot]
}

// NewStore validates initial and publishes it as version 1.
func NewStore(initial Snapshot) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	initial.Version = 1
	s := &Store{}
	s.current.Store(&initial)
	return s, nil
}

// Current returns the published snapshot. Callers must not modify it.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Update applies p to the current snapshot and publishes the result. An
// invalid result leaves the current snapshot in place.
func (s *Store) Update(p Patch) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	next := cur.Apply(p)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	s.current.Store(&next)
	return &next, nil
}
