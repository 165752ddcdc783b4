package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/echotrail/internal/ledger"
	"github.com/ashita-ai/echotrail/internal/model"
)

var _ ledger.Ledger = (*DB)(nil)

const (
	finalizeRetries   = 3
	finalizeBaseDelay = 50 * time.Millisecond
)

const recordColumns = `id, run_id, filename_processed, filetype_processed, filename_raw, filetype_raw,
	file_start_date, file_end_date, processing_start_date, processing_end_date, status, additional_info, fingerprint`

// HasBeenProcessed reports whether a success row exists for rawFileID.
func (db *DB) HasBeenProcessed(ctx context.Context, rawFileID string) (bool, error) {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM processed_files WHERE filename_raw = $1 AND status = 'success'
		)`, rawFileID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: check processed: %w", err)
	}
	return exists, nil
}

// BeginRun reserves rawFileID by inserting a provisional running row.
//
// The partial unique index on (filename_raw) WHERE status IN ('running',
// 'success') makes the insert the reservation: when it affects no row the
// existing row decides which sentinel is returned. Running rows left by a
// crashed host block new runs until AbandonStaleRuns fails them.
func (db *DB) BeginRun(ctx context.Context, rawFileID, rawFileType string, startedAt time.Time) (*ledger.RunHandle, error) {
	h := ledger.NewRunHandle(rawFileID, rawFileType, startedAt)
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO processed_files (run_id, filename_raw, filetype_raw, processing_start_date, status)
		 VALUES ($1, $2, $3, $4, 'running')
		 ON CONFLICT DO NOTHING`,
		h.RunID, rawFileID, rawFileType, h.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: begin run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return h, nil
	}

	var status string
	err = db.pool.QueryRow(ctx,
		`SELECT status FROM processed_files
		 WHERE filename_raw = $1 AND status IN ('running', 'success')
		 ORDER BY id DESC LIMIT 1`, rawFileID,
	).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// The conflicting run settled as failed between the two statements.
		return nil, ledger.ErrRunInProgress
	case err != nil:
		return nil, fmt.Errorf("storage: lookup active run: %w", err)
	case model.RecordStatus(status) == model.RecordStatusSuccess:
		return nil, ledger.ErrAlreadyProcessed
	default:
		return nil, ledger.ErrRunInProgress
	}
}

// Finalize settles the run identified by h with a single write.
func (db *DB) Finalize(ctx context.Context, h *ledger.RunHandle, o ledger.Outcome) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if err := h.Claim(); err != nil {
		return err
	}
	endedAt := o.EndedAt.UTC()

	return WithRetry(ctx, finalizeRetries, finalizeBaseDelay, func() error {
		if h.Detached() {
			_, err := db.pool.Exec(ctx,
				`INSERT INTO processed_files (run_id, filename_processed, filetype_processed,
				     filename_raw, filetype_raw, file_start_date, file_end_date,
				     processing_start_date, processing_end_date, status, additional_info, fingerprint)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				h.RunID, ledger.NullableString(o.ProcessedFileID), ledger.NullableString(o.ProcessedFileType),
				h.RawFileID, h.RawFileType, o.FileStart, o.FileEnd,
				h.StartedAt, endedAt, string(o.Status), o.Info, ledger.NullableString(o.Fingerprint),
			)
			if isUniqueViolation(err) {
				return fmt.Errorf("storage: finalize detached run: %w", ledger.ErrAlreadyProcessed)
			}
			if err != nil {
				return fmt.Errorf("storage: finalize detached run: %w", err)
			}
			return nil
		}

		tag, err := db.pool.Exec(ctx,
			`UPDATE processed_files
			 SET status = $2,
			     filename_processed = $3,
			     filetype_processed = $4,
			     file_start_date = $5,
			     file_end_date = $6,
			     processing_end_date = $7,
			     additional_info = $8,
			     fingerprint = $9
			 WHERE run_id = $1 AND status = 'running'`,
			h.RunID, string(o.Status),
			ledger.NullableString(o.ProcessedFileID), ledger.NullableString(o.ProcessedFileType),
			o.FileStart, o.FileEnd, endedAt, o.Info, ledger.NullableString(o.Fingerprint),
		)
		if err != nil {
			return fmt.Errorf("storage: finalize run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ledger.ErrRunNotFound
		}
		return nil
	})
}

// Records lists ledger rows matching f, newest first.
func (db *DB) Records(ctx context.Context, f ledger.RecordFilter) ([]model.ProcessingRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+recordColumns+`
		 FROM processed_files
		 WHERE ($1 = '' OR filename_raw = $1)
		   AND ($2 = '' OR status = $2)
		   AND ($4 = '' OR fingerprint = $4)
		 ORDER BY id DESC
		 LIMIT $3`,
		f.RawFileID, string(f.Status), f.EffectiveLimit(), f.Fingerprint,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query records: %w", err)
	}
	defer rows.Close()

	var out []model.ProcessingRecord
	for rows.Next() {
		var (
			r      model.ProcessingRecord
			status string
		)
		if err := rows.Scan(
			&r.ID, &r.RunID, &r.ProcessedFileID, &r.ProcessedFileType, &r.RawFileID, &r.RawFileType,
			&r.FileStartTime, &r.FileEndTime, &r.ProcessingStartedAt, &r.ProcessingEndedAt, &status, &r.Info, &r.Fingerprint,
		); err != nil {
			return nil, fmt.Errorf("storage: scan record: %w", err)
		}
		r.Status = model.RecordStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate records: %w", err)
	}
	return out, nil
}

// AbandonStaleRuns marks running rows older than olderThan as failed so
// their raw files can be processed again.
func (db *DB) AbandonStaleRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE processed_files
		 SET status = 'failed', processing_end_date = $2, additional_info = $3
		 WHERE status = 'running' AND processing_start_date < $1`,
		now.Add(-olderThan), now, ledger.AbandonedInfo,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: abandon stale runs: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		db.logger.Warn("storage: abandoned stale runs", "count", n, "older_than", olderThan)
	}
	return tag.RowsAffected(), nil
}
