package pipeline

import (
	"sync"
	"time"
)

// StageTiming is one profiling entry.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Index    int           `json:"index"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// Profile accumulates stage timings in execution order. Entries are only
// ever appended.
type Profile struct {
	mu      sync.Mutex
	entries []StageTiming
}

// NewProfile returns an empty profile.
func NewProfile() *Profile {
	return &Profile{}
}

func (p *Profile) add(t StageTiming) {
	p.mu.Lock()
	p.entries = append(p.entries, t)
	p.mu.Unlock()
}

// Entries returns a copy of the timings recorded so far.
func (p *Profile) Entries() []StageTiming {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StageTiming, len(p.entries))
	copy(out, p.entries)
	return out
}

// Len returns the number of recorded stages.
func (p *Profile) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Total returns the summed stage durations.
func (p *Profile) Total() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	var d time.Duration
	for _, e := range p.entries {
		d += e.Duration
	}
	return d
}
