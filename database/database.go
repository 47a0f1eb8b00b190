// Package database keeps run state and per image results in sqlite so a run
// can be inspected after the process exits.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"petprep/logging"
	"petprep/types"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		stage TEXT,
		done INTEGER,
		total INTEGER,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		error TEXT,
		total_images INTEGER,
		unique_images INTEGER,
		duplicate_images INTEGER,
		obfuscated INTEGER,
		no_face INTEGER,
		clean INTEGER,
		verification_failed INTEGER,
		qa_required INTEGER,
		failed INTEGER,
		skipped INTEGER,
		counted INTEGER
	);
	CREATE TABLE IF NOT EXISTS images (
		run_id TEXT NOT NULL REFERENCES runs(id),
		position INTEGER NOT NULL,
		path TEXT NOT NULL,
		filename TEXT NOT NULL,
		load_error TEXT,
		is_duplicate INTEGER NOT NULL,
		duplicate_of TEXT,
		similarity REAL,
		match_reason TEXT,
		action TEXT,
		obfuscation TEXT,
		PRIMARY KEY(run_id, position)
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_images_action ON images(run_id, action);`

// Store is a sqlite backed run store
type Store struct {
	db *sql.DB
}

// InitDatabase opens the database at dbPath, creating the schema if needed
func InitDatabase(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; workers share a single connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot create schema in %s: %w", dbPath, err)
	}

	// captured_at was added after the first release
	if err := ensureColumn(db, "images", "captured_at", "TEXT"); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func ensureColumn(db *sql.DB, table, column, kind string) error {
	var exists bool
	err := db.QueryRow("SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&exists)
	if err != nil {
		return fmt.Errorf("error checking for %s column: %w", column, err)
	}
	if exists {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", table, column, kind)); err != nil {
		return fmt.Errorf("error adding %s column: %w", column, err)
	}
	logging.DebugLog("Added '%s' column to existing database schema", column)
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun inserts a run or updates its progress. started_at is kept from
// the first save.
func (s *Store) SaveRun(ctx context.Context, r types.RunState) error {
	c := r.Counters
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, status, stage, done, total, started_at, finished_at, error,
			total_images, unique_images, duplicate_images,
			obfuscated, no_face, clean, verification_failed, qa_required, failed, skipped, counted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status, stage = excluded.stage, done = excluded.done, total = excluded.total,
			finished_at = excluded.finished_at, error = excluded.error,
			total_images = excluded.total_images, unique_images = excluded.unique_images,
			duplicate_images = excluded.duplicate_images, obfuscated = excluded.obfuscated,
			no_face = excluded.no_face, clean = excluded.clean, verification_failed = excluded.verification_failed,
			qa_required = excluded.qa_required, failed = excluded.failed, skipped = excluded.skipped,
			counted = excluded.counted`,
		r.ID, string(r.Status), r.Stage, r.Done, r.Total, formatTime(r.StartedAt), formatTime(r.FinishedAt), r.Error,
		r.TotalImages, r.UniqueImages, r.DuplicateImages,
		c.Obfuscated, c.NoFace, c.Clean, c.VerificationFailed, c.QARequired, c.Failed, c.Skipped, c.Total,
	)
	if err != nil {
		return fmt.Errorf("cannot save run %s: %w", r.ID, err)
	}
	return nil
}

// SaveImages replaces the image entries of a run in one transaction
func (s *Store) SaveImages(ctx context.Context, runID string, entries []types.ImageEntry) error {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cannot begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM images WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("cannot clear images of run %s: %w", runID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO images (
			run_id, position, path, filename, captured_at, load_error,
			is_duplicate, duplicate_of, similarity, match_reason, action, obfuscation
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("cannot prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, e := range entries {
		var action, obfuscation sql.NullString
		if e.Obfuscation != nil {
			data, err := json.Marshal(e.Obfuscation)
			if err != nil {
				return fmt.Errorf("cannot encode result for %s: %w", e.Path, err)
			}
			action = sql.NullString{String: string(e.Obfuscation.Action), Valid: true}
			obfuscation = sql.NullString{String: string(data), Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			runID, i, e.Path, e.Filename, e.CapturedAt, e.LoadError,
			e.Verdict.IsDuplicate, e.Verdict.DuplicateOf, e.Verdict.Similarity, e.Verdict.MatchReason,
			action, obfuscation,
		)
		if err != nil {
			return fmt.Errorf("cannot insert data for %s: %w", e.Path, err)
		}
	}

	return tx.Commit()
}

const runColumns = `id, status, stage, done, total, started_at, finished_at, error,
	total_images, unique_images, duplicate_images,
	obfuscated, no_face, clean, verification_failed, qa_required, failed, skipped, counted`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (types.RunState, error) {
	var (
		r                 types.RunState
		status            string
		started, finished string
		stage, errText    sql.NullString
	)
	c := &r.Counters
	err := row.Scan(&r.ID, &status, &stage, &r.Done, &r.Total, &started, &finished, &errText,
		&r.TotalImages, &r.UniqueImages, &r.DuplicateImages,
		&c.Obfuscated, &c.NoFace, &c.Clean, &c.VerificationFailed, &c.QARequired, &c.Failed, &c.Skipped, &c.Total)
	if err != nil {
		return r, err
	}
	r.Status = types.RunStatus(status)
	r.Stage = stage.String
	r.Error = errText.String
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished)
	return r, nil
}

// GetRun returns one run
func (s *Store) GetRun(ctx context.Context, runID string) (types.RunState, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.RunState{}, fmt.Errorf("%w: %s", types.ErrRunNotFound, runID)
	}
	if err != nil {
		return types.RunState{}, fmt.Errorf("database error for run %s: %w", runID, err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]types.RunState, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+" FROM runs ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("cannot list runs: %w", err)
	}
	defer rows.Close()

	var runs []types.RunState
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("cannot read run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Images returns the image entries of a run in manifest order
func (s *Store) Images(ctx context.Context, runID string) ([]types.ImageEntry, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, filename, captured_at, load_error, is_duplicate, duplicate_of, similarity, match_reason, obfuscation
		FROM images WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("cannot query images of run %s: %w", runID, err)
	}
	defer rows.Close()

	var entries []types.ImageEntry
	for rows.Next() {
		var (
			e                                       types.ImageEntry
			captured, loadErr, dupOf, reason, obfus sql.NullString
			similarity                              sql.NullFloat64
		)
		if err := rows.Scan(&e.Path, &e.Filename, &captured, &loadErr, &e.Verdict.IsDuplicate, &dupOf, &similarity, &reason, &obfus); err != nil {
			return nil, fmt.Errorf("cannot read image row: %w", err)
		}
		e.CapturedAt = captured.String
		e.LoadError = loadErr.String
		e.Verdict.DuplicateOf = dupOf.String
		e.Verdict.Similarity = similarity.Float64
		e.Verdict.MatchReason = reason.String
		if obfus.Valid {
			var r types.ObfuscationResult
			if err := json.Unmarshal([]byte(obfus.String), &r); err != nil {
				return nil, fmt.Errorf("cannot decode result for %s: %w", e.Path, err)
			}
			e.Obfuscation = &r
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ActionCounts returns the number of images per obfuscation action of a run
func (s *Store) ActionCounts(ctx context.Context, runID string) (map[types.Action]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT action, COUNT(*) FROM images WHERE run_id = ? AND action IS NOT NULL GROUP BY action", runID)
	if err != nil {
		return nil, fmt.Errorf("cannot count actions of run %s: %w", runID, err)
	}
	defer rows.Close()

	counts := make(map[types.Action]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		counts[types.Action(action)] = n
	}
	return counts, rows.Err()
}

// fixed width so that text order is time order
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
