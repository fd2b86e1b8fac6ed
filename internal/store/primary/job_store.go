package primary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"vellum/internal/models"
	"vellum/internal/store"
)

// --- Job Store Implementation ---
//
// steps_completed, steps_failed and pending_tasks are jsonb columns; they
// are small, read as a unit, and never queried per element except
// pending_tasks, which Postgres can filter with the @> operator.

// CreateJob inserts the initial queued record for a job.
func (s *StoreImpl) CreateJob(ctx context.Context, job *models.ProcessingJob) error {
	query := `
		INSERT INTO processing_jobs (
			job_id, filename, status, current_step, progress_percentage,
			steps_completed, steps_failed, pending_tasks, result_summary,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`

	now := time.Now()
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	if job.ResultSummary == nil {
		job.ResultSummary = json.RawMessage("{}")
	}
	stepsCompleted, stepsFailed, pendingTasks, err := marshalJobLists(job.StepsCompleted, job.StepsFailed, job.PendingTasks)
	if err != nil {
		return err
	}

	err = s.db.QueryRow(ctx, query,
		job.JobID, job.Filename, job.Status, job.CurrentStep, job.ProgressPercentage,
		stepsCompleted, stepsFailed, pendingTasks, job.ResultSummary, now, now,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation on job_id
			return fmt.Errorf("job %s already recorded: %w", job.JobID, store.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert job record: %w", err)
	}
	return nil
}

func (s *StoreImpl) GetJob(ctx context.Context, jobID string) (*models.ProcessingJob, error) {
	query := `
		SELECT id, job_id, filename, status, current_step, progress_percentage,
		       steps_completed, steps_failed, pending_tasks, error_message,
		       result_summary, document_id, created_at, started_at, completed_at, updated_at
		FROM processing_jobs WHERE job_id = $1`

	job := &models.ProcessingJob{}
	var stepsCompleted, stepsFailed, pendingTasks []byte
	err := s.db.QueryRow(ctx, query, jobID).Scan(
		&job.ID, &job.JobID, &job.Filename, &job.Status, &job.CurrentStep, &job.ProgressPercentage,
		&stepsCompleted, &stepsFailed, &pendingTasks, &job.ErrorMessage,
		&job.ResultSummary, &job.DocumentID, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if err := unmarshalJobLists(job, stepsCompleted, stepsFailed, pendingTasks); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *StoreImpl) MarkJobStarted(ctx context.Context, jobID string) error {
	query := `
		UPDATE processing_jobs
		SET status = $2, started_at = $3, updated_at = $3
		WHERE job_id = $1 AND status NOT IN ($4, $5, $6)`

	now := time.Now()
	tag, err := s.db.Exec(ctx, query, jobID, models.JobStatusProcessing, now,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled)
	if err != nil {
		return fmt.Errorf("mark job %s started: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConflict
	}
	return nil
}

// UpdateJobProgress records the stage about to run. GREATEST keeps progress
// monotonic even if a stale writer races.
func (s *StoreImpl) UpdateJobProgress(ctx context.Context, jobID, currentStep string, progress int) error {
	query := `
		UPDATE processing_jobs
		SET current_step = $2,
		    progress_percentage = GREATEST(progress_percentage, $3),
		    updated_at = $4
		WHERE job_id = $1`

	tag, err := s.db.Exec(ctx, query, jobID, currentStep, progress, time.Now())
	if err != nil {
		return fmt.Errorf("update job %s progress: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *StoreImpl) UpdateJobStatus(ctx context.Context, jobID, status, errorMessage string) error {
	query := `
		UPDATE processing_jobs
		SET status = $2, error_message = NULLIF($3, ''), updated_at = $4
		WHERE job_id = $1`

	tag, err := s.db.Exec(ctx, query, jobID, status, errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("update job %s status: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CompleteJob persists the terminal state of a pipeline run in one write.
func (s *StoreImpl) CompleteJob(ctx context.Context, jobID string, result store.JobCompletion) error {
	query := `
		UPDATE processing_jobs
		SET status = $2, steps_completed = $3, steps_failed = $4, pending_tasks = $5,
		    error_message = NULLIF($6, ''), result_summary = $7, document_id = $8,
		    progress_percentage = CASE WHEN $2 = 'completed' THEN 100 ELSE progress_percentage END,
		    completed_at = $9, updated_at = $9
		WHERE job_id = $1`

	stepsCompleted, stepsFailed, pendingTasks, err := marshalJobLists(result.StepsCompleted, result.StepsFailed, result.PendingTasks)
	if err != nil {
		return err
	}
	summary := result.ResultSummary
	if summary == nil {
		summary = json.RawMessage("{}")
	}

	tag, err := s.db.Exec(ctx, query, jobID, result.Status, stepsCompleted, stepsFailed,
		pendingTasks, result.ErrorMessage, summary, result.DocumentID, time.Now())
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ClearPendingTask removes one pending task flag after a batch sweep retried
// it successfully.
func (s *StoreImpl) ClearPendingTask(ctx context.Context, jobID, task string) error {
	query := `
		UPDATE processing_jobs
		SET pending_tasks = COALESCE(
			(SELECT jsonb_agg(t) FROM jsonb_array_elements_text(pending_tasks) AS t WHERE t <> $2),
			'[]'::jsonb),
		    updated_at = $3
		WHERE job_id = $1`

	if _, err := s.db.Exec(ctx, query, jobID, task, time.Now()); err != nil {
		return fmt.Errorf("clear pending task %q on job %s: %w", task, jobID, err)
	}
	return nil
}

func (s *StoreImpl) ListJobsWithPendingTask(ctx context.Context, task string) ([]*models.ProcessingJob, error) {
	query := `
		SELECT job_id FROM processing_jobs
		WHERE pending_tasks @> to_jsonb($1::text)`

	rows, err := s.db.Query(ctx, query, task)
	if err != nil {
		return nil, fmt.Errorf("list jobs with pending task %q: %w", task, err)
	}
	defer rows.Close()

	var jobIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending job id: %w", err)
		}
		jobIDs = append(jobIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobs := make([]*models.ProcessingJob, 0, len(jobIDs))
	for _, id := range jobIDs {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// CleanupJobs removes terminal job records older than the retention window.
// Cancelled jobs never get a completed_at, so updated_at is the fallback.
func (s *StoreImpl) CleanupJobs(ctx context.Context, retention time.Duration) (int64, error) {
	query := `
		DELETE FROM processing_jobs
		WHERE status IN ($1, $2, $3) AND COALESCE(completed_at, updated_at) < $4`

	cutoff := time.Now().Add(-retention)
	tag, err := s.db.Exec(ctx, query,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func marshalJobLists(completed []string, failed []models.StepError, pending []string) ([]byte, []byte, []byte, error) {
	if completed == nil {
		completed = []string{}
	}
	if failed == nil {
		failed = []models.StepError{}
	}
	if pending == nil {
		pending = []string{}
	}
	completedJSON, err := json.Marshal(completed)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal steps_completed: %w", err)
	}
	failedJSON, err := json.Marshal(failed)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal steps_failed: %w", err)
	}
	pendingJSON, err := json.Marshal(pending)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal pending_tasks: %w", err)
	}
	return completedJSON, failedJSON, pendingJSON, nil
}

func unmarshalJobLists(job *models.ProcessingJob, completed, failed, pending []byte) error {
	if len(completed) > 0 {
		if err := json.Unmarshal(completed, &job.StepsCompleted); err != nil {
			return fmt.Errorf("unmarshal steps_completed: %w", err)
		}
	}
	if len(failed) > 0 {
		if err := json.Unmarshal(failed, &job.StepsFailed); err != nil {
			return fmt.Errorf("unmarshal steps_failed: %w", err)
		}
	}
	if len(pending) > 0 {
		if err := json.Unmarshal(pending, &job.PendingTasks); err != nil {
			return fmt.Errorf("unmarshal pending_tasks: %w", err)
		}
	}
	return nil
}
