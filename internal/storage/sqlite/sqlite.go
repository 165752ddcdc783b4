// Package sqlite is the embedded ledger backend for edge hosts without a
// PostgreSQL server. It stores the same processed_files table in a single
// SQLite file through the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ashita-ai/echotrail/internal/ledger"
	"github.com/ashita-ai/echotrail/internal/model"
)

var _ ledger.Ledger = (*DB)(nil)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB is a SQLite-backed ledger.
type DB struct {
	db        *sql.DB
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating if needed) the ledger database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// A single writer keeps BeginRun's insert-then-lookup free of SQLITE_BUSY.
	sdb.SetMaxOpenConns(1)

	if err := sdb.PingContext(ctx); err != nil {
		_ = sdb.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", path, err)
	}
	return &DB{db: sdb, logger: logger}, nil
}

// Close closes the database. Safe to call more than once.
func (d *DB) Close() error {
	d.closeOnce.Do(func() { d.closeErr = d.db.Close() })
	return d.closeErr
}

// Ping checks that the database file is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// RunMigrations applies unapplied .sql files from migrationsFS in name order.
func (d *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)
	`); err != nil {
		return fmt.Errorf("sqlite: create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := d.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("sqlite: load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return fmt.Errorf("sqlite: load applied migrations: %w", err)
		}
		applied[v] = true
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("sqlite: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("sqlite: read migration %s: %w", name, err)
		}
		d.logger.Info("running migration", "file", name)
		if _, err := d.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("sqlite: execute migration %s: %w", name, err)
		}
		if _, err := d.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES (?) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("sqlite: record migration %s: %w", name, err)
		}
	}
	return nil
}

// HasBeenProcessed reports whether a success row exists for rawFileID.
func (d *DB) HasBeenProcessed(ctx context.Context, rawFileID string) (bool, error) {
	var exists bool
	if err := d.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_files WHERE filename_raw = ? AND status = 'success')`,
		rawFileID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("sqlite: check processed: %w", err)
	}
	return exists, nil
}

// BeginRun reserves rawFileID by inserting a provisional running row.
func (d *DB) BeginRun(ctx context.Context, rawFileID, rawFileType string, startedAt time.Time) (*ledger.RunHandle, error) {
	h := ledger.NewRunHandle(rawFileID, rawFileType, startedAt)
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO processed_files (run_id, filename_raw, filetype_raw, processing_start_date, status)
		 VALUES (?, ?, ?, ?, 'running')
		 ON CONFLICT DO NOTHING`,
		h.RunID.String(), rawFileID, rawFileType, formatTime(h.StartedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return h, nil
	}

	var status string
	err = d.db.QueryRowContext(ctx,
		`SELECT status FROM processed_files
		 WHERE filename_raw = ? AND status IN ('running', 'success')
		 ORDER BY id DESC LIMIT 1`, rawFileID,
	).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ledger.ErrRunInProgress
	case err != nil:
		return nil, fmt.Errorf("sqlite: lookup active run: %w", err)
	case model.RecordStatus(status) == model.RecordStatusSuccess:
		return nil, ledger.ErrAlreadyProcessed
	default:
		return nil, ledger.ErrRunInProgress
	}
}

// Finalize settles the run identified by h with a single write.
func (d *DB) Finalize(ctx context.Context, h *ledger.RunHandle, o ledger.Outcome) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if err := h.Claim(); err != nil {
		return err
	}

	if h.Detached() {
		_, err := d.db.ExecContext(ctx,
			`INSERT INTO processed_files (run_id, filename_processed, filetype_processed,
			     filename_raw, filetype_raw, file_start_date, file_end_date,
			     processing_start_date, processing_end_date, status, additional_info, fingerprint)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.RunID.String(), nullString(o.ProcessedFileID), nullString(o.ProcessedFileType),
			h.RawFileID, h.RawFileType, nullTime(o.FileStart), nullTime(o.FileEnd),
			formatTime(h.StartedAt), formatTime(o.EndedAt), string(o.Status), o.Info, nullString(o.Fingerprint),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("sqlite: finalize detached run: %w", ledger.ErrAlreadyProcessed)
		}
		if err != nil {
			return fmt.Errorf("sqlite: finalize detached run: %w", err)
		}
		return nil
	}

	res, err := d.db.ExecContext(ctx,
		`UPDATE processed_files
		 SET status = ?, filename_processed = ?, filetype_processed = ?,
		     file_start_date = ?, file_end_date = ?, processing_end_date = ?, additional_info = ?,
		     fingerprint = ?
		 WHERE run_id = ? AND status = 'running'`,
		string(o.Status), nullString(o.ProcessedFileID), nullString(o.ProcessedFileType),
		nullTime(o.FileStart), nullTime(o.FileEnd), formatTime(o.EndedAt), o.Info, nullString(o.Fingerprint),
		h.RunID.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: finalize run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrRunNotFound
	}
	return nil
}

// Records lists ledger rows matching f, newest first.
func (d *DB) Records(ctx context.Context, f ledger.RecordFilter) ([]model.ProcessingRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, run_id, filename_processed, filetype_processed, filename_raw, filetype_raw,
		        file_start_date, file_end_date, processing_start_date, processing_end_date,
		        status, additional_info, fingerprint
		 FROM processed_files
		 WHERE (?1 = '' OR filename_raw = ?1)
		   AND (?2 = '' OR status = ?2)
		   AND (?4 = '' OR fingerprint = ?4)
		 ORDER BY id DESC
		 LIMIT ?3`,
		f.RawFileID, string(f.Status), f.EffectiveLimit(), f.Fingerprint,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query records: %w", err)
	}
	defer rows.Close()

	var out []model.ProcessingRecord
	for rows.Next() {
		var (
			r                         model.ProcessingRecord
			runID, started, status    string
			procID, procType, digest  sql.NullString
			fileStart, fileEnd, ended sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &runID, &procID, &procType, &r.RawFileID, &r.RawFileType,
			&fileStart, &fileEnd, &started, &ended, &status, &r.Info, &digest,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan record: %w", err)
		}
		if err := r.RunID.UnmarshalText([]byte(runID)); err != nil {
			return nil, fmt.Errorf("sqlite: parse run_id %q: %w", runID, err)
		}
		if r.ProcessingStartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("sqlite: parse processing_start_date: %w", err)
		}
		if r.FileStartTime, err = parseNullTime(fileStart); err != nil {
			return nil, err
		}
		if r.FileEndTime, err = parseNullTime(fileEnd); err != nil {
			return nil, err
		}
		if r.ProcessingEndedAt, err = parseNullTime(ended); err != nil {
			return nil, err
		}
		if procID.Valid {
			r.ProcessedFileID = &procID.String
		}
		if procType.Valid {
			r.ProcessedFileType = &procType.String
		}
		if digest.Valid {
			r.Fingerprint = &digest.String
		}
		r.Status = model.RecordStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate records: %w", err)
	}
	return out, nil
}

// AbandonStaleRuns marks running rows older than olderThan as failed.
func (d *DB) AbandonStaleRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now().UTC()
	res, err := d.db.ExecContext(ctx,
		`UPDATE processed_files
		 SET status = 'failed', processing_end_date = ?, additional_info = ?
		 WHERE status = 'running' AND processing_start_date < ?`,
		formatTime(now), ledger.AbandonedInfo, formatTime(now.Add(-olderThan)),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: abandon stale runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: abandon stale runs: %w", err)
	}
	if n > 0 {
		d.logger.Warn("sqlite: abandoned stale runs", "count", n, "older_than", olderThan)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("sqlite: parse time %q: %w", s.String, err)
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var sErr *msqlite.Error
	if !errors.As(err, &sErr) {
		return false
	}
	code := sErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
