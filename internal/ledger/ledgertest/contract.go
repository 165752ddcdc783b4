// Package ledgertest holds the behavioral contract every ledger.Ledger
// backend must satisfy. Backend test packages call Run with a factory.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/echotrail/internal/ledger"
	"github.com/ashita-ai/echotrail/internal/model"
)

// Factory returns a ledger for one subtest. Backends sharing a database
// may return the same instance; the contract uses unique raw file ids.
type Factory func(t *testing.T) ledger.Ledger

// Run exercises the full ledger contract.
func Run(t *testing.T, newLedger Factory) {
	t.Run("BeginFinalizeSuccess", func(t *testing.T) { testBeginFinalizeSuccess(t, newLedger(t)) })
	t.Run("FailedRunCanBeRetried", func(t *testing.T) { testFailedRunCanBeRetried(t, newLedger(t)) })
	t.Run("InProgressBlocksSecondBegin", func(t *testing.T) { testInProgressBlocks(t, newLedger(t)) })
	t.Run("FinalizeTwiceRejected", func(t *testing.T) { testFinalizeTwice(t, newLedger(t)) })
	t.Run("DetachedFinalizeInserts", func(t *testing.T) { testDetachedFinalize(t, newLedger(t)) })
	t.Run("ConcurrentBeginsOneWinner", func(t *testing.T) { testConcurrentBegins(t, newLedger(t)) })
	t.Run("AbandonStaleRuns", func(t *testing.T) { testAbandonStaleRuns(t, newLedger(t)) })
	t.Run("FingerprintFilter", func(t *testing.T) { testFingerprintFilter(t, newLedger(t)) })
	t.Run("NonTerminalOutcomeRejected", func(t *testing.T) { testNonTerminalOutcome(t, newLedger(t)) })
}

// RawFileID returns a unique raw file id for a test.
func RawFileID(prefix string) string {
	return fmt.Sprintf("/data/raw/%s-%s.raw", prefix, uuid.NewString()[:8])
}

func successOutcome() ledger.Outcome {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(15 * time.Minute)
	return ledger.Outcome{
		Status:            model.RecordStatusSuccess,
		ProcessedFileID:   "/data/proc/survey.zarr",
		ProcessedFileType: ".zarr",
		FileStart:         &start,
		FileEnd:           &end,
		EndedAt:           time.Now().UTC(),
		Info:              "processed without errors",
	}
}

func testBeginFinalizeSuccess(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	id := RawFileID("success")

	done, err := l.HasBeenProcessed(ctx, id)
	require.NoError(t, err)
	assert.False(t, done)

	h, err := l.BeginRun(ctx, id, ".raw", time.Now())
	require.NoError(t, err)

	// A provisional row never counts as processed.
	done, err = l.HasBeenProcessed(ctx, id)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, l.Finalize(ctx, h, successOutcome()))

	done, err = l.HasBeenProcessed(ctx, id)
	require.NoError(t, err)
	assert.True(t, done)

	_, err = l.BeginRun(ctx, id, ".raw", time.Now())
	require.ErrorIs(t, err, ledger.ErrAlreadyProcessed)

	recs, err := l.Records(ctx, ledger.RecordFilter{RawFileID: id})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, h.RunID, rec.RunID)
	assert.Equal(t, model.RecordStatusSuccess, rec.Status)
	assert.Equal(t, ".raw", rec.RawFileType)
	require.NotNil(t, rec.ProcessedFileID)
	assert.Equal(t, "/data/proc/survey.zarr", *rec.ProcessedFileID)
	require.NotNil(t, rec.ProcessingEndedAt)
	require.NotNil(t, rec.FileStartTime)
	assert.True(t, rec.FileStartTime.Equal(*successOutcome().FileStart))
}

func testFailedRunCanBeRetried(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	id := RawFileID("retry")

	h, err := l.BeginRun(ctx, id, ".raw", time.Now())
	require.NoError(t, err)
	require.NoError(t, l.Finalize(ctx, h, ledger.Outcome{
		Status:  model.RecordStatusFailed,
		EndedAt: time.Now(),
		Info:    "stage detect: boom",
	}))

	done, err := l.HasBeenProcessed(ctx, id)
	require.NoError(t, err)
	assert.False(t, done, "failed runs do not count as processed")

	h2, err := l.BeginRun(ctx, id, ".raw", time.Now())
	require.NoError(t, err)
	require.NoError(t, l.Finalize(ctx, h2, successOutcome()))

	recs, err := l.Records(ctx, ledger.RecordFilter{RawFileID: id})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, model.RecordStatusSuccess, recs[0].Status, "newest first")
	assert.Equal(t, model.RecordStatusFailed, recs[1].Status)
	assert.Equal(t, "stage detect: boom", recs[1].Info)
	assert.Nil(t, recs[1].ProcessedFileID)
	assert.NotNil(t, recs[1].ProcessingEndedAt)
}

func testFingerprintFilter(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	digest := "sha256:" + uuid.NewString()
	first, copied := RawFileID("digest"), RawFileID("digest-copy")

	for _, id := range []string{first, copied} {
		h, err := l.BeginRun(ctx, id, ".raw", time.Now())
		require.NoError(t, err)
		o := successOutcome()
		o.Fingerprint = digest
		require.NoError(t, l.Finalize(ctx, h, o))
	}
	unread := RawFileID("digest-unread")
	h, err := l.BeginRun(ctx, unread, ".raw", time.Now())
	require.NoError(t, err)
	require.NoError(t, l.Finalize(ctx, h, ledger.Outcome{Status: model.RecordStatusFailed, EndedAt: time.Now()}))

	recs, err := l.Records(ctx, ledger.RecordFilter{Fingerprint: digest})
	require.NoError(t, err)
	require.Len(t, recs, 2, "the same content under two names is found by digest")
	assert.Equal(t, copied, recs[0].RawFileID)
	assert.Equal(t, first, recs[1].RawFileID)
	require.NotNil(t, recs[0].Fingerprint)
	assert.Equal(t, digest, *recs[0].Fingerprint)

	recs, err = l.Records(ctx, ledger.RecordFilter{RawFileID: unread})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].Fingerprint, "a run that never read the file has no digest")
}

func testInProgressBlocks(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	id := RawFileID("inprogress")

	h, err := l.BeginRun(ctx, id, ".raw", time.Now())
	require.NoError(t, err)

	_, err = l.BeginRun(ctx, id, ".raw", time.Now())
	require.ErrorIs(t, err, ledger.ErrRunInProgress)

	require.NoError(t, l.Finalize(ctx, h, ledger.Outcome{Status: model.RecordStatusFailed, EndedAt: time.Now()}))
	_, err = l.BeginRun(ctx, id, ".raw", time.Now())
	require.NoError(t, err, "a settled failure releases the id")
}

func testFinalizeTwice(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	h, err := l.BeginRun(ctx, RawFileID("twice"), ".raw", time.Now())
	require.NoError(t, err)
	require.NoError(t, l.Finalize(ctx, h, successOutcome()))
	require.ErrorIs(t, l.Finalize(ctx, h, successOutcome()), ledger.ErrAlreadyFinalized)
}

func testDetachedFinalize(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	id := RawFileID("detached")
	h := ledger.NewDetachedHandle(id, ".raw", time.Now())
	require.NoError(t, l.Finalize(ctx, h, successOutcome()))

	done, err := l.HasBeenProcessed(ctx, id)
	require.NoError(t, err)
	assert.True(t, done)

	// A second detached success for the same id must not create another success row.
	h2 := ledger.NewDetachedHandle(id, ".raw", time.Now())
	require.Error(t, l.Finalize(ctx, h2, successOutcome()))

	recs, err := l.Records(ctx, ledger.RecordFilter{RawFileID: id, Status: model.RecordStatusSuccess})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func testConcurrentBegins(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	id := RawFileID("concurrent")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handles []*ledger.RunHandle
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := l.BeginRun(ctx, id, ".raw", time.Now())
			if err != nil {
				return
			}
			mu.Lock()
			handles = append(handles, h)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, handles, 1, "exactly one run may hold an id")
	require.NoError(t, l.Finalize(ctx, handles[0], successOutcome()))

	recs, err := l.Records(ctx, ledger.RecordFilter{RawFileID: id, Status: model.RecordStatusSuccess})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func testAbandonStaleRuns(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	id := RawFileID("stale")

	_, err := l.BeginRun(ctx, id, ".raw", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	n, err := l.AbandonStaleRuns(ctx, time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	recs, err := l.Records(ctx, ledger.RecordFilter{RawFileID: id})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.RecordStatusFailed, recs[0].Status)
	assert.Equal(t, ledger.AbandonedInfo, recs[0].Info)

	_, err = l.BeginRun(ctx, id, ".raw", time.Now())
	require.NoError(t, err, "abandoned runs release the id")
}

func testNonTerminalOutcome(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	h, err := l.BeginRun(ctx, RawFileID("nonterminal"), ".raw", time.Now())
	require.NoError(t, err)
	require.Error(t, l.Finalize(ctx, h, ledger.Outcome{Status: model.RecordStatusRunning, EndedAt: time.Now()}))
	assert.False(t, h.Finalized(), "a rejected outcome does not consume the handle")
	require.NoError(t, l.Finalize(ctx, h, successOutcome()))
}
