package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/auditconsole/classify/internal/models"
)

const jobColumns = `id, name, description, schedule, job_type, config, enabled, last_run, next_run, created_at, updated_at`

// PostgresStore persists jobs and their executions.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// jobRow mirrors scheduled_jobs; config is stored as JSONB.
type jobRow struct {
	ID          string     `db:"id"`
	Name        string     `db:"name"`
	Description string     `db:"description"`
	Schedule    string     `db:"schedule"`
	JobType     string     `db:"job_type"`
	Config      []byte     `db:"config"`
	Enabled     bool       `db:"enabled"`
	LastRun     *time.Time `db:"last_run"`
	NextRun     *time.Time `db:"next_run"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func newJobRow(job *Job) (*jobRow, error) {
	cfg := job.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding job config: %w", err)
	}
	return &jobRow{
		ID:          job.ID,
		Name:        job.Name,
		Description: job.Description,
		Schedule:    job.Schedule,
		JobType:     string(job.JobType),
		Config:      raw,
		Enabled:     job.Enabled,
		LastRun:     job.LastRun,
		NextRun:     job.NextRun,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}, nil
}

func (r *jobRow) job() (*Job, error) {
	cfg := map[string]string{}
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &cfg); err != nil {
			return nil, fmt.Errorf("decoding config of job %s: %w", r.ID, err)
		}
	}
	return &Job{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Schedule:    r.Schedule,
		JobType:     JobType(r.JobType),
		Config:      cfg,
		Enabled:     r.Enabled,
		LastRun:     r.LastRun,
		NextRun:     r.NextRun,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

func checkJobID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return models.NewValidationError("job_id", "must be a uuid")
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	if err := checkJobID(id); err != nil {
		return nil, err
	}
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, models.Persistence("get job", err)
	}
	return row.job()
}

// ListJobs returns jobs oldest first so the system jobs lead the list.
func (s *PostgresStore) ListJobs(ctx context.Context) ([]*Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY created_at, id`); err != nil {
		return nil, models.Persistence("list jobs", err)
	}

	jobs := make([]*Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].job()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now()
	job.CreatedAt, job.UpdatedAt = now, now

	row, err := newJobRow(job)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO scheduled_jobs (`+jobColumns+`)
		VALUES (:id, :name, :description, :schedule, :job_type, :config, :enabled, :last_run, :next_run, :created_at, :updated_at)
	`, row)
	return models.Persistence("create job", err)
}

// UpdateJob rewrites the editable fields. last_run is owned by UpdateLastRun.
func (s *PostgresStore) UpdateJob(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now()
	row, err := newJobRow(job)
	if err != nil {
		return err
	}

	res, err := s.db.NamedExecContext(ctx, `
		UPDATE scheduled_jobs
		SET name = :name, description = :description, schedule = :schedule, job_type = :job_type,
		    config = :config, enabled = :enabled, next_run = :next_run, updated_at = :updated_at
		WHERE id = :id
	`, row)
	if err != nil {
		return models.Persistence("update job", err)
	}
	return requireRow(res, "job", job.ID)
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	if err := checkJobID(id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
	if err != nil {
		return models.Persistence("delete job", err)
	}
	return requireRow(res, "job", id)
}

func (s *PostgresStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs SET last_run = $2, updated_at = NOW() WHERE id = $1`, id, lastRun)
	return models.Persistence("record job run", err)
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO job_executions (id, job_id, status, started_at, ended_at, error, output)
		VALUES (:id, :job_id, :status, :started_at, :ended_at, :error, :output)
	`, exec)
	return models.Persistence("create job execution", err)
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE job_executions SET status = :status, ended_at = :ended_at, error = :error, output = :output
		WHERE id = :id
	`, exec)
	return models.Persistence("update job execution", err)
}

// GetJobExecutions returns the latest executions of a job, newest first.
func (s *PostgresStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	execs := []*JobExecution{}
	err := s.db.SelectContext(ctx, &execs, `
		SELECT id, job_id, status, started_at, ended_at, error, output
		FROM job_executions
		WHERE job_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, models.Persistence("list job executions", err)
	}
	return execs, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return models.Persistence("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, models.ErrNotFound)
	}
	return nil
}
