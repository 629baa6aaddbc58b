package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"media-transcript-pipeline/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id             TEXT PRIMARY KEY,
    status         TEXT NOT NULL,
    artifact_paths TEXT NOT NULL DEFAULT '[]',
    file_names     TEXT NOT NULL DEFAULT '[]',
    event          TEXT NOT NULL DEFAULT '{}',
    error          TEXT,
    result         TEXT,
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE TABLE IF NOT EXISTS audit_logs (
    id     INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    event  TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    ts     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_job_id ON audit_logs (job_id);
`

// SQLiteStore persists job records in a local SQLite file for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and applies the schema.
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers; the store is not a throughput path.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, id string, status models.JobStatus, meta models.JobMetadata) error {
	now := time.Now().UTC()
	rec, err := newRecord(id, status, meta, now)
	if err != nil {
		return err
	}
	paths, names, event, result, err := encodeColumns(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, status, artifact_paths, file_names, event, error, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, string(rec.Status), paths, names, event, nullString(rec.Error), result, formatTime(now), formatTime(now))
	if err != nil {
		if isSQLiteConstraint(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
		}
		return fmt.Errorf("insert job %s: %w", id, err)
	}
	if err := s.appendAudit(ctx, tx, models.AuditEntry{JobID: id, Event: "created", Detail: string(status), Recorded: now}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Update(ctx context.Context, id string, upd models.JobUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectJobSQL, id), id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := applyUpdate(&rec, upd, now); err != nil {
		return err
	}
	_, _, _, result, err := encodeColumns(rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, result = ?, updated_at = ? WHERE id = ?
	`, string(rec.Status), nullString(rec.Error), result, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if err := s.appendAudit(ctx, tx, auditFor(id, upd, now)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (models.JobRecord, error) {
	return scanRecord(s.db.QueryRowContext(ctx, selectJobSQL, id), id)
}

func (s *SQLiteStore) History(ctx context.Context, id string) ([]models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var ts string
		if err := rows.Scan(&e.JobID, &e.Event, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Recorded = parseTime(ts)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return out, nil
}

func (s *SQLiteStore) appendAudit(ctx context.Context, tx *sql.Tx, e models.AuditEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_logs (job_id, event, detail, ts) VALUES (?, ?, ?, ?)`,
		e.JobID, e.Event, e.Detail, formatTime(e.Recorded))
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

const selectJobSQL = `
	SELECT id, status, artifact_paths, file_names, event, error, result, created_at, updated_at
	FROM jobs WHERE id = ?
`

func scanRecord(row *sql.Row, id string) (models.JobRecord, error) {
	var rec models.JobRecord
	var status, paths, names, event, created, updated string
	var lastErr, result sql.NullString

	if err := row.Scan(&rec.ID, &status, &paths, &names, &event, &lastErr, &result, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.JobRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return models.JobRecord{}, fmt.Errorf("scan job: %w", err)
	}
	rec.Status = models.JobStatus(status)
	var resultBytes []byte
	if result.Valid {
		resultBytes = []byte(result.String)
	}
	if err := decodeColumns(&rec, []byte(paths), []byte(names), []byte(event), resultBytes); err != nil {
		return models.JobRecord{}, err
	}
	if lastErr.Valid {
		rec.Error = models.StringPtr(lastErr.String)
	}
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return rec, nil
}

func encodeColumns(rec models.JobRecord) (paths, names, event string, result sql.NullString, err error) {
	p, err := json.Marshal(rec.ArtifactPaths)
	if err != nil {
		return "", "", "", result, fmt.Errorf("marshal artifact paths: %w", err)
	}
	n, err := json.Marshal(rec.FileNames)
	if err != nil {
		return "", "", "", result, fmt.Errorf("marshal file names: %w", err)
	}
	e, err := json.Marshal(rec.Event)
	if err != nil {
		return "", "", "", result, fmt.Errorf("marshal event: %w", err)
	}
	if rec.Result != nil {
		r, err := json.Marshal(rec.Result)
		if err != nil {
			return "", "", "", result, fmt.Errorf("marshal result: %w", err)
		}
		result = sql.NullString{String: string(r), Valid: true}
	}
	return string(p), string(n), string(e), result, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isSQLiteConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "constraint failed")
}
