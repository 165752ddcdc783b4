package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ashita-ai/echotrail/internal/model"
)

// Memory is an in-process Ledger. It keeps the same invariants as the SQL
// backends but nothing survives a restart; use it for tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	records []model.ProcessingRecord
	nextID  int64
	closed  bool
	now     func() time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{nextID: 1, now: time.Now}
}

// HasBeenProcessed reports whether a success record exists for rawFileID.
func (m *Memory) HasBeenProcessed(_ context.Context, rawFileID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	for _, r := range m.records {
		if r.RawFileID == rawFileID && r.Status == model.RecordStatusSuccess {
			return true, nil
		}
	}
	return false, nil
}

// BeginRun writes a provisional record for rawFileID.
func (m *Memory) BeginRun(_ context.Context, rawFileID, rawFileType string, startedAt time.Time) (*RunHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if err := m.activeConflict(rawFileID); err != nil {
		return nil, err
	}
	h := NewRunHandle(rawFileID, rawFileType, startedAt)
	m.insert(model.ProcessingRecord{
		RunID:               h.RunID,
		RawFileID:           rawFileID,
		RawFileType:         rawFileType,
		ProcessingStartedAt: h.StartedAt,
		Status:              model.RecordStatusRunning,
	})
	return h, nil
}

// Finalize settles the run identified by h.
func (m *Memory) Finalize(_ context.Context, h *RunHandle, o Outcome) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if err := h.Claim(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if h.Detached() {
		if o.Status == model.RecordStatusSuccess {
			if err := m.activeConflict(h.RawFileID); err != nil {
				return err
			}
		}
		rec := model.ProcessingRecord{
			RunID:               h.RunID,
			RawFileID:           h.RawFileID,
			RawFileType:         h.RawFileType,
			ProcessingStartedAt: h.StartedAt,
		}
		applyOutcome(&rec, o)
		m.insert(rec)
		return nil
	}

	for i := range m.records {
		r := &m.records[i]
		if r.RunID == h.RunID && r.Status == model.RecordStatusRunning {
			applyOutcome(r, o)
			return nil
		}
	}
	return ErrRunNotFound
}

// Records lists records matching f, newest first.
func (m *Memory) Records(_ context.Context, f RecordFilter) ([]model.ProcessingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []model.ProcessingRecord
	for _, r := range m.records {
		if f.RawFileID != "" && r.RawFileID != f.RawFileID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Fingerprint != "" && (r.Fingerprint == nil || *r.Fingerprint != f.Fingerprint) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AbandonStaleRuns fails provisional records started before now-olderThan.
func (m *Memory) AbandonStaleRuns(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	now := m.now().UTC()
	cutoff := now.Add(-olderThan)
	var n int64
	for i := range m.records {
		r := &m.records[i]
		if r.Status == model.RecordStatusRunning && r.ProcessingStartedAt.Before(cutoff) {
			r.Status = model.RecordStatusFailed
			r.ProcessingEndedAt = &now
			r.Info = AbandonedInfo
			n++
		}
	}
	return n, nil
}

// Close marks the ledger closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// activeConflict must be called with m.mu held.
func (m *Memory) activeConflict(rawFileID string) error {
	for _, r := range m.records {
		if r.RawFileID != rawFileID {
			continue
		}
		switch r.Status {
		case model.RecordStatusSuccess:
			return ErrAlreadyProcessed
		case model.RecordStatusRunning:
			return ErrRunInProgress
		}
	}
	return nil
}

func (m *Memory) insert(r model.ProcessingRecord) {
	r.ID = m.nextID
	m.nextID++
	m.records = append(m.records, r)
}

func applyOutcome(r *model.ProcessingRecord, o Outcome) {
	ended := o.EndedAt.UTC()
	r.Status = o.Status
	r.ProcessedFileID = NullableString(o.ProcessedFileID)
	r.ProcessedFileType = NullableString(o.ProcessedFileType)
	r.FileStartTime = o.FileStart
	r.FileEndTime = o.FileEnd
	r.ProcessingEndedAt = &ended
	r.Info = o.Info
	r.Fingerprint = NullableString(o.Fingerprint)
}

// AbandonedInfo is the additional_info text written for runs failed by
// AbandonStaleRuns.
const AbandonedInfo = "abandoned: run did not finalize before the stale-run deadline"
