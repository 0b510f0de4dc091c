package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "mineflow/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateBatch(ctx context.Context, b *BatchProcess) error {
	if b == nil || strings.TrimSpace(b.ID) == "" {
		return errors.New("batch id is required")
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_processes(batch_id, name, total_jobs, created_at, started_at, completed_at, status,
		   jobs_completed, jobs_failed, jobs_cancelled,
		   max_parallel_fetch, max_parallel_extract, max_parallel_score,
		   resume_enabled, results_summary)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.Name, b.TotalJobs, fmtTime(b.CreatedAt), nullTime(b.StartedAt), nullTime(b.CompletedAt), string(b.Status),
		b.JobsCompleted, b.JobsFailed, b.JobsCancelled,
		b.MaxParallelFetch, b.MaxParallelExtract, b.MaxParallelScore,
		boolInt(b.ResumeEnabled), nullStr(b.ResultsSummary),
	)
	return err
}

func (s *sqliteStore) GetBatch(ctx context.Context, id string) (*BatchProcess, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT batch_id, name, total_jobs, created_at, started_at, completed_at, status,
		   jobs_completed, jobs_failed, jobs_cancelled,
		   max_parallel_fetch, max_parallel_extract, max_parallel_score,
		   resume_enabled, results_summary
		 FROM batch_processes WHERE batch_id = ?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *sqliteStore) UpdateBatch(ctx context.Context, b *BatchProcess) error {
	if b == nil || strings.TrimSpace(b.ID) == "" {
		return errors.New("batch id is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_processes SET name=?, total_jobs=?, started_at=?, completed_at=?, status=?,
		   jobs_completed=?, jobs_failed=?, jobs_cancelled=?,
		   max_parallel_fetch=?, max_parallel_extract=?, max_parallel_score=?,
		   resume_enabled=?, results_summary=?
		 WHERE batch_id=?`,
		b.Name, b.TotalJobs, nullTime(b.StartedAt), nullTime(b.CompletedAt), string(b.Status),
		b.JobsCompleted, b.JobsFailed, b.JobsCancelled,
		b.MaxParallelFetch, b.MaxParallelExtract, b.MaxParallelScore,
		boolInt(b.ResumeEnabled), nullStr(b.ResultsSummary),
		b.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListBatches(ctx context.Context, status Status) ([]BatchProcess, error) {
	q := `SELECT batch_id, name, total_jobs, created_at, started_at, completed_at, status,
	   jobs_completed, jobs_failed, jobs_cancelled,
	   max_parallel_fetch, max_parallel_extract, max_parallel_score,
	   resume_enabled, results_summary
	 FROM batch_processes`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchProcess
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateJobs(ctx context.Context, jobs []BatchJob) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO batch_jobs(job_id, batch_id, input_ref, status, created_at, started_at, completed_at,
		   error_message, fetch_output_ref, extract_output_ref, score_output_ref, metadata)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range jobs {
		j := &jobs[i]
		if j.CreatedAt.IsZero() {
			j.CreatedAt = time.Now()
		}
		if j.Status == "" {
			j.Status = StatusPending
		}
		meta, err := marshalMeta(j.Metadata)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			j.ID, j.BatchID, j.InputRef, string(j.Status), fmtTime(j.CreatedAt), nullTime(j.StartedAt), nullTime(j.CompletedAt),
			nullStr(j.ErrorMessage), nullStr(j.FetchOutputRef), nullStr(j.ExtractOutputRef), nullStr(j.ScoreOutputRef), meta,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) UpdateJob(ctx context.Context, j *BatchJob) error {
	if j == nil || strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	meta, err := marshalMeta(j.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_jobs SET status=?, started_at=?, completed_at=?, error_message=?,
		   fetch_output_ref=?, extract_output_ref=?, score_output_ref=?, metadata=?
		 WHERE job_id=?`,
		string(j.Status), nullTime(j.StartedAt), nullTime(j.CompletedAt), nullStr(j.ErrorMessage),
		nullStr(j.FetchOutputRef), nullStr(j.ExtractOutputRef), nullStr(j.ScoreOutputRef), meta,
		j.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListJobs(ctx context.Context, batchID string, status Status) ([]BatchJob, error) {
	q := `SELECT job_id, batch_id, input_ref, status, created_at, started_at, completed_at,
	   error_message, fetch_output_ref, extract_output_ref, score_output_ref, metadata
	 FROM batch_jobs WHERE batch_id = ?`
	args := []any{batchID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY job_id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchJob
	for rows.Next() {
		var (
			j                  BatchJob
			created            string
			started, completed sql.NullString
			errMsg, fRef, eRef sql.NullString
			scRef, meta        sql.NullString
			statusStr          string
		)
		if err := rows.Scan(&j.ID, &j.BatchID, &j.InputRef, &statusStr, &created, &started, &completed,
			&errMsg, &fRef, &eRef, &scRef, &meta); err != nil {
			return nil, err
		}
		j.Status = Status(statusStr)
		j.CreatedAt = parseTime(created)
		j.StartedAt = parseTime(started.String)
		j.CompletedAt = parseTime(completed.String)
		j.ErrorMessage = errMsg.String
		j.FetchOutputRef = fRef.String
		j.ExtractOutputRef = eRef.String
		j.ScoreOutputRef = scRef.String
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &j.Metadata); err != nil {
				return nil, fmt.Errorf("job %s: bad metadata: %w", j.ID, err)
			}
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneBatches(ctx context.Context, olderThanUnixMilli int64) (int64, error) {
	cutoff := fmtTime(time.UnixMilli(olderThanUnixMilli))
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM batch_jobs WHERE batch_id IN (
		   SELECT batch_id FROM batch_processes
		   WHERE status IN ('completed','failed','cancelled') AND completed_at < ?)`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM batch_processes
		 WHERE status IN ('completed','failed','cancelled') AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*BatchProcess, error) {
	var (
		b                  BatchProcess
		created            string
		started, completed sql.NullString
		statusStr          string
		resume             int
		summary            sql.NullString
	)
	if err := row.Scan(&b.ID, &b.Name, &b.TotalJobs, &created, &started, &completed, &statusStr,
		&b.JobsCompleted, &b.JobsFailed, &b.JobsCancelled,
		&b.MaxParallelFetch, &b.MaxParallelExtract, &b.MaxParallelScore,
		&resume, &summary); err != nil {
		return nil, err
	}
	b.Status = Status(statusStr)
	b.CreatedAt = parseTime(created)
	b.StartedAt = parseTime(started.String)
	b.CompletedAt = parseTime(completed.String)
	b.ResumeEnabled = resume != 0
	b.ResultsSummary = summary.String
	return &b, nil
}

func marshalMeta(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) time.Time {
	if strings.TrimSpace(s) == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
