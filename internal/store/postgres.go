package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"media-transcript-pipeline/internal/models"
)

// PostgresStore persists job records in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres and verifies it.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the connection pool so other Postgres-backed components can share it.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a job record. An id collision maps to ErrAlreadyExists.
func (s *PostgresStore) Create(ctx context.Context, id string, status models.JobStatus, meta models.JobMetadata) error {
	now := time.Now().UTC()
	rec, err := newRecord(id, status, meta, now)
	if err != nil {
		return err
	}
	paths, err := json.Marshal(rec.ArtifactPaths)
	if err != nil {
		return fmt.Errorf("marshal artifact paths: %w", err)
	}
	names, err := json.Marshal(rec.FileNames)
	if err != nil {
		return fmt.Errorf("marshal file names: %w", err)
	}
	event, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, status, artifact_paths, file_names, event, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, rec.ID, string(rec.Status), paths, names, event, rec.Error, now)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", id, mapPostgresError(err))
	}
	if err := appendAudit(ctx, tx, models.AuditEntry{JobID: id, Event: "created", Detail: string(status), Recorded: now}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapPostgresError(err))
	}
	return nil
}

// Update merges upd into the record under a row lock so concurrent writers cannot
// move the status backward.
func (s *PostgresStore) Update(ctx context.Context, id string, upd models.JobUpdate) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("lock job %s: %w", id, mapPostgresError(err))
	}
	if !models.CanTransition(models.JobStatus(current), upd.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, upd.Status)
	}

	var resultJSON []byte
	if upd.Result != nil {
		resultJSON, err = json.Marshal(upd.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2,
		    error = COALESCE($3, error),
		    result = CASE WHEN $4::jsonb IS NULL THEN result ELSE COALESCE(result, '{}'::jsonb) || $4::jsonb END,
		    updated_at = $5
		WHERE id = $1
	`, id, string(upd.Status), upd.Error, resultJSON, now)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, mapPostgresError(err))
	}
	if err := appendAudit(ctx, tx, auditFor(id, upd, now)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapPostgresError(err))
	}
	return nil
}

// Get fetches a job record by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (models.JobRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, status, artifact_paths, file_names, event, error, result, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var rec models.JobRecord
	var status string
	var paths, names, event, result []byte
	var lastErr pgtype.Text

	if err := row.Scan(&rec.ID, &status, &paths, &names, &event, &lastErr, &result, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return models.JobRecord{}, fmt.Errorf("scan job: %w", mapPostgresError(err))
	}
	rec.Status = models.JobStatus(status)
	if err := decodeColumns(&rec, paths, names, event, result); err != nil {
		return models.JobRecord{}, err
	}
	rec.Error = textPtr(lastErr)
	return rec, nil
}

// History returns the audit trail for a job, oldest first.
func (s *PostgresStore) History(ctx context.Context, id string) ([]models.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.JobID, &e.Event, &e.Detail, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
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

func appendAudit(ctx context.Context, tx pgx.Tx, e models.AuditEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, $4)
	`, e.JobID, e.Event, e.Detail, e.Recorded)
	if err != nil {
		return fmt.Errorf("insert audit: %w", mapPostgresError(err))
	}
	return nil
}

func decodeColumns(rec *models.JobRecord, paths, names, event, result []byte) error {
	if err := json.Unmarshal(paths, &rec.ArtifactPaths); err != nil {
		return fmt.Errorf("unmarshal artifact paths: %w", err)
	}
	if err := json.Unmarshal(names, &rec.FileNames); err != nil {
		return fmt.Errorf("unmarshal file names: %w", err)
	}
	if err := json.Unmarshal(event, &rec.Event); err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}
	if len(result) > 0 {
		var res models.JobResult
		if err := json.Unmarshal(result, &res); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
		rec.Result = &res
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
