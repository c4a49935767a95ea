package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"evaluation-scheduler/internal/models"
)

// Store wraps pgxpool for Postgres persistence. It backs both the evaluation
// repository and the scheduled-job store consumed by the lifecycle engine.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const evaluationColumns = `id, title, owner_id, start_date, due_date, stop_date, view_date,
	instructors_view_date, students_view_date, reminder_days, results_sharing,
	instructor_view_results, student_view_results, state, created_at, updated_at`

// CreateEvaluation inserts a new evaluation row, assigning an id and
// timestamps when absent.
func (s *Store) CreateEvaluation(ctx context.Context, eval *models.Evaluation) error {
	if eval.ID == "" {
		eval.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	eval.CreatedAt = now
	eval.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO evaluations (`+evaluationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
	`, eval.ID, eval.Title, eval.OwnerID, eval.StartDate, eval.DueDate, eval.StopDate, eval.ViewDate,
		eval.InstructorsViewDate, eval.StudentsViewDate, eval.ReminderDays, eval.ResultsSharing,
		eval.InstructorViewResults, eval.StudentViewResults, eval.State, now)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

// GetEvaluation fetches an evaluation by id.
func (s *Store) GetEvaluation(ctx context.Context, id string) (*models.Evaluation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+evaluationColumns+` FROM evaluations WHERE id = $1
	`, id)

	var eval models.Evaluation
	err := row.Scan(&eval.ID, &eval.Title, &eval.OwnerID, &eval.StartDate, &eval.DueDate, &eval.StopDate,
		&eval.ViewDate, &eval.InstructorsViewDate, &eval.StudentsViewDate, &eval.ReminderDays,
		&eval.ResultsSharing, &eval.InstructorViewResults, &eval.StudentViewResults, &eval.State,
		&eval.CreatedAt, &eval.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("evaluation %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan evaluation: %w", err)
	}
	return &eval, nil
}

// SaveEvaluation writes back every engine-owned field.
func (s *Store) SaveEvaluation(ctx context.Context, eval *models.Evaluation) error {
	eval.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE evaluations
		SET title = $2, start_date = $3, due_date = $4, stop_date = $5, view_date = $6,
			instructors_view_date = $7, students_view_date = $8, reminder_days = $9,
			results_sharing = $10, instructor_view_results = $11, student_view_results = $12,
			state = $13, updated_at = $14
		WHERE id = $1
	`, eval.ID, eval.Title, eval.StartDate, eval.DueDate, eval.StopDate, eval.ViewDate,
		eval.InstructorsViewDate, eval.StudentsViewDate, eval.ReminderDays, eval.ResultsSharing,
		eval.InstructorViewResults, eval.StudentViewResults, eval.State, eval.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update evaluation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("evaluation %s: %w", eval.ID, models.ErrNotFound)
	}
	return nil
}

// UpdateState persists only the cached lifecycle state.
func (s *Store) UpdateState(ctx context.Context, id string, state models.State) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE evaluations SET state = $2, updated_at = NOW() WHERE id = $1
	`, id, state)
	return err
}

// DeleteEvaluation marks the row deleted rather than dropping it; scheduled
// job cleanup is the engine's concern.
func (s *Store) DeleteEvaluation(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE evaluations SET state = $2, updated_at = NOW() WHERE id = $1
	`, id, models.StateDeleted)
	return err
}

// EvaluationExists reports whether a live (non-deleted) evaluation row exists.
func (s *Store) EvaluationExists(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM evaluations WHERE id = $1 AND state <> $2
	`, id, models.StateDeleted).Scan(&n); err != nil {
		return false, fmt.Errorf("count evaluation: %w", err)
	}
	return n > 0, nil
}

// CreateJob inserts a scheduled job record. Uniqueness per (evaluation, kind)
// is deliberately not enforced here; the engine collapses duplicates.
func (s *Store) CreateJob(ctx context.Context, evaluationID string, kind models.JobKind, runAt time.Time) (models.ScheduledJob, error) {
	job := models.ScheduledJob{
		ID:           uuid.New().String(),
		EvaluationID: evaluationID,
		Kind:         kind,
		RunAt:        runAt,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs (id, evaluation_id, kind, run_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, job.ID, job.EvaluationID, job.Kind, job.RunAt, job.CreatedAt)
	if err != nil {
		return models.ScheduledJob{}, fmt.Errorf("insert scheduled job: %w", err)
	}
	return job, nil
}

// FindJobs returns pending jobs of one kind, oldest-created first.
func (s *Store) FindJobs(ctx context.Context, evaluationID string, kind models.JobKind) ([]models.ScheduledJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, evaluation_id, kind, run_at, created_at
		FROM scheduled_jobs
		WHERE evaluation_id = $1 AND kind = $2
		ORDER BY created_at ASC, id ASC
	`, evaluationID, kind)
	if err != nil {
		return nil, fmt.Errorf("query scheduled jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListJobs returns every pending job for an evaluation, soonest first.
func (s *Store) ListJobs(ctx context.Context, evaluationID string) ([]models.ScheduledJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, evaluation_id, kind, run_at, created_at
		FROM scheduled_jobs
		WHERE evaluation_id = $1
		ORDER BY run_at ASC
	`, evaluationID)
	if err != nil {
		return nil, fmt.Errorf("query scheduled jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJobs(rows pgx.Rows) ([]models.ScheduledJob, error) {
	var jobs []models.ScheduledJob
	for rows.Next() {
		var j models.ScheduledJob
		if err := rows.Scan(&j.ID, &j.EvaluationID, &j.Kind, &j.RunAt, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scheduled job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob deletes one scheduled job by id.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, jobID)
	return err
}

// DeleteJobsForEvaluation purges every pending job of every kind.
func (s *Store) DeleteJobsForEvaluation(ctx context.Context, evaluationID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scheduled_jobs WHERE evaluation_id = $1`, evaluationID)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, evaluationID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (evaluation_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, evaluationID, event, detail)
	return err
}
