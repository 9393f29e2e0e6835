package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/videoinsight/internal/job"
)

// SQLite is the default durable Store. Each Put is a single UPSERT statement,
// so a record is never observed half-written; synchronous=FULL makes it
// durable on commit.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// A single connection serialises every read and write. WAL with
	// synchronous=FULL keeps a crash mid-commit from losing acknowledged state.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) runMigrations() error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
		id           TEXT PRIMARY KEY,
		source_ref   TEXT NOT NULL,
		status       TEXT NOT NULL,   -- created|downloading|chunked|processing|stitching|synthesizing|completed|failed|cancelled
		config       TEXT NOT NULL,   -- JSON snapshot, immutable after creation
		media        TEXT,
		timeline_ref TEXT NOT NULL DEFAULT '',
		output_path  TEXT NOT NULL DEFAULT '',
		error        TEXT,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);

		CREATE TABLE IF NOT EXISTS chunks (
		job_id         TEXT NOT NULL,
		chunk_id       INTEGER NOT NULL,
		start_ms       INTEGER NOT NULL,
		end_ms         INTEGER NOT NULL,
		status         TEXT NOT NULL,  -- pending|in_progress|transcribed|analyzed|failed|skipped
		attempt_count  INTEGER NOT NULL DEFAULT 0,
		transcript_ref TEXT NOT NULL DEFAULT '',
		result_ref     TEXT NOT NULL DEFAULT '',
		last_error     TEXT NOT NULL DEFAULT '',
		updated_at     TIMESTAMP NOT NULL,
		PRIMARY KEY (job_id, chunk_id)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) PutJob(ctx context.Context, j *job.Job) error {
	cfg, err := json.Marshal(j.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	media, err := nullableJSON(j.Media)
	if err != nil {
		return fmt.Errorf("encode media: %w", err)
	}
	jobErr, err := nullableJSON(j.Error)
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs (id, source_ref, status, config, media, timeline_ref, output_path, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	media = excluded.media,
	timeline_ref = excluded.timeline_ref,
	output_path = excluded.output_path,
	error = excluded.error,
	updated_at = excluded.updated_at`,
		j.ID, j.SourceRef, j.Status, string(cfg), media, j.TimelineRef, j.OutputPath, jobErr,
		j.CreatedAt.UTC(), j.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put job %s: %w", j.ID, err)
	}
	return nil
}

const jobColumns = `id, source_ref, status, config, media, timeline_ref, output_path, error, created_at, updated_at`

func (s *SQLite) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLite) ListJobs(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLite) PutChunk(ctx context.Context, c *job.Chunk) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chunks (job_id, chunk_id, start_ms, end_ms, status, attempt_count, transcript_ref, result_ref, last_error, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id, chunk_id) DO UPDATE SET
	status = excluded.status,
	attempt_count = excluded.attempt_count,
	transcript_ref = excluded.transcript_ref,
	result_ref = excluded.result_ref,
	last_error = excluded.last_error,
	updated_at = excluded.updated_at`,
		c.JobID, c.ID, c.StartMs, c.EndMs, c.Status, c.AttemptCount, c.TranscriptRef, c.ResultRef, c.LastError,
		c.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put chunk %s: %w", c, err)
	}
	return nil
}

const chunkColumns = `job_id, chunk_id, start_ms, end_ms, status, attempt_count, transcript_ref, result_ref, last_error, updated_at`

func (s *SQLite) GetChunk(ctx context.Context, jobID string, chunkID int) (*job.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE job_id = ? AND chunk_id = ?`, jobID, chunkID)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s/%d: %w", jobID, chunkID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk %s/%d: %w", jobID, chunkID, err)
	}
	return c, nil
}

func (s *SQLite) ListChunks(ctx context.Context, jobID string) ([]*job.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE job_id = ? ORDER BY chunk_id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list chunks %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*job.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j             job.Job
		cfg           string
		media, jobErr sql.NullString
		status        string
	)
	if err := row.Scan(&j.ID, &j.SourceRef, &status, &cfg, &media, &j.TimelineRef, &j.OutputPath, &jobErr,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = job.Status(status)
	if err := json.Unmarshal([]byte(cfg), &j.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if media.Valid {
		j.Media = &job.Media{}
		if err := json.Unmarshal([]byte(media.String), j.Media); err != nil {
			return nil, fmt.Errorf("decode media: %w", err)
		}
	}
	if jobErr.Valid {
		j.Error = &job.ErrorInfo{}
		if err := json.Unmarshal([]byte(jobErr.String), j.Error); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
	}
	return &j, nil
}

func scanChunk(row scanner) (*job.Chunk, error) {
	var (
		c      job.Chunk
		status string
	)
	if err := row.Scan(&c.JobID, &c.ID, &c.StartMs, &c.EndMs, &status, &c.AttemptCount, &c.TranscriptRef,
		&c.ResultRef, &c.LastError, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = job.ChunkStatus(status)
	return &c, nil
}

func nullableJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
