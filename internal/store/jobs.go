// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/scribeapp/scribed/internal/types"
)

// DefaultListLimit bounds ListJobs when the caller passes no limit.
const DefaultListLimit = 100

// CreateJob inserts a new job in QUEUED state with progress 0. It returns
// false without error when a job with the same id already exists.
func (s *Store) CreateJob(ctx context.Context, id, audioPath, model, language string, translate bool) (bool, error) {
	ts := now()
	query := `
	INSERT INTO jobs (job_id, status, audio_path, model, language, translate, progress, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`
	_, err := s.writer.ExecContext(ctx, query,
		id, int(types.StatusQueued), audioPath, model, language, boolToInt(translate), ts, ts,
	)
	if err != nil {
		if isConstraintErr(err) {
			return false, nil
		}
		return false, fmt.Errorf("create job: %w", err)
	}
	return true, nil
}

// GetJob retrieves a single job by id. Returns (nil, nil) when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*types.Job, error) {
	query := `
	SELECT job_id, status, audio_path, model, language, translate, progress, error, created_at, updated_at, audio_duration_seconds
	FROM jobs
	WHERE job_id = ?
	`
	row := s.reader.QueryRowContext(ctx, query, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs retrieves the most recent jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]types.Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := `
	SELECT job_id, status, audio_path, model, language, translate, progress, error, created_at, updated_at, audio_duration_seconds
	FROM jobs
	ORDER BY created_at DESC
	LIMIT ?
	`
	rows, err := s.reader.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus advances a job's status. The error column is written only
// when errMsg is non-empty; transition legality is the caller's concern.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status types.JobStatus, errMsg string) error {
	var err error
	if errMsg != "" {
		_, err = s.writer.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE job_id = ?`,
			int(status), errMsg, now(), id,
		)
	} else {
		_, err = s.writer.ExecContext(ctx,
			`UPDATE jobs SET status = ?, updated_at = ? WHERE job_id = ?`,
			int(status), now(), id,
		)
	}
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// UpdateJobProgress stores the latest progress ratio. Monotonicity is the
// engine's responsibility, not the store's.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, progress float64) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE jobs SET progress = ?, updated_at = ? WHERE job_id = ?`,
		progress, now(), id,
	)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// UpdateJobDuration backfills the probed audio duration.
func (s *Store) UpdateJobDuration(ctx context.Context, id string, seconds float64) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE jobs SET audio_duration_seconds = ?, updated_at = ? WHERE job_id = ?`,
		seconds, now(), id,
	)
	if err != nil {
		return fmt.Errorf("update job duration: %w", err)
	}
	return nil
}

// CancelJob marks a job CANCELED. Shortcut used for jobs that never started.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	return s.UpdateJobStatus(ctx, id, types.StatusCanceled, "")
}

// DeleteJob removes a job row; segments go with it via cascade. Reports
// whether a row was actually removed.
func (s *Store) DeleteJob(ctx context.Context, id string) (bool, error) {
	res, err := s.writer.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return n > 0, nil
}

// FailStaleJobs marks every QUEUED or RUNNING job as FAILED. Called once on
// startup; such jobs cannot be resumed after a restart. Segments already
// persisted stay untouched.
func (s *Store) FailStaleJobs(ctx context.Context) (int64, error) {
	res, err := s.writer.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE status IN (?, ?)`,
		int(types.StatusFailed), StaleJobError, now(),
		int(types.StatusQueued), int(types.StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// scanner abstracts *sql.Row and *sql.Rows for scanJob.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*types.Job, error) {
	var (
		job       types.Job
		status    int
		translate int
		errMsg    sql.NullString
		createdAt string
		updatedAt string
		duration  sql.NullFloat64
	)
	if err := sc.Scan(
		&job.ID, &status, &job.AudioPath, &job.Model, &job.Language,
		&translate, &job.Progress, &errMsg, &createdAt, &updatedAt, &duration,
	); err != nil {
		return nil, err
	}

	job.Status = types.JobStatus(status)
	job.Translate = translate != 0
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	if duration.Valid {
		d := duration.Float64
		job.AudioDurationSeconds = &d
	}
	return &job, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
