package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/auditconsole/classify/internal/models"
)

const (
	JobsQueue          = "classify:jobs:pending"
	JobsProcessing     = "classify:jobs:processing"
	JobsCompleted      = "classify:jobs:completed"
	JobsFailed         = "classify:jobs:failed"
	WorkerHeartbeatKey = "classify:workers:heartbeat"
	JobProgressPrefix  = "classify:job:progress:"

	// MaxAttempts is how many times a job runs before it is marked failed.
	MaxAttempts = 3
)

type JobType string

const (
	JobClassifyBatch        JobType = "classify_batch"
	JobClassifyUnclassified JobType = "classify_unclassified"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Queue struct {
	client *redis.Client
}

func New(cfg Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

// NewWithClient wraps an existing client, e.g. one shared with the lock.
func NewWithClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func (q *Queue) Client() *redis.Client {
	return q.client
}

func (q *Queue) Close() error {
	return q.client.Close()
}

type Job struct {
	ID         uuid.UUID   `json:"id"`
	Type       JobType     `json:"type"`
	AssetIDs   []uuid.UUID `json:"asset_ids,omitempty"`
	OperatorID string      `json:"operator_id"`
	Priority   int         `json:"priority"`
	CreatedAt  time.Time   `json:"created_at"`
	Attempts   int         `json:"attempts"`
}

type JobProgress struct {
	JobID       uuid.UUID             `json:"job_id"`
	Type        JobType               `json:"type"`
	Status      JobStatus             `json:"status"`
	Total       int                   `json:"total"`
	Succeeded   int                   `json:"succeeded"`
	Failures    []models.BatchFailure `json:"failures,omitempty"`
	Errors      []string              `json:"errors,omitempty"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	WorkerID    string                `json:"worker_id,omitempty"`
}

func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	switch job.Type {
	case JobClassifyBatch:
		if len(job.AssetIDs) == 0 {
			return models.NewValidationError("asset_ids", "at least one asset id is required")
		}
	case JobClassifyUnclassified:
	default:
		return models.NewValidationError("type", fmt.Sprintf("unknown job type %q", job.Type))
	}
	if job.OperatorID == "" {
		return models.NewValidationError("operator_id", "operator is required")
	}

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	score := float64(time.Now().Unix()) - float64(job.Priority*1000)

	if err := q.client.ZAdd(ctx, JobsQueue, redis.Z{
		Score:  score,
		Member: string(data),
	}).Err(); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}

	progress := &JobProgress{
		JobID:  job.ID,
		Type:   job.Type,
		Status: JobStatusPending,
		Total:  len(job.AssetIDs),
	}
	if err := q.UpdateProgress(ctx, progress); err != nil {
		return fmt.Errorf("initializing progress: %w", err)
	}

	return nil
}

// Dequeue pops the job with the lowest score that is due. It returns nil
// when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	now := time.Now().Unix()
	members, err := q.client.ZRangeByScoreWithScores(ctx, JobsQueue, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now),
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeuing job: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	raw := members[0].Member.(string)
	removed, err := q.client.ZRem(ctx, JobsQueue, raw).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeuing job: %w", err)
	}
	if removed == 0 {
		// Another worker claimed it first.
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}

	if err := q.client.SAdd(ctx, JobsProcessing, raw).Err(); err != nil {
		q.client.ZAdd(ctx, JobsQueue, redis.Z{Score: members[0].Score, Member: raw})
		return nil, fmt.Errorf("marking job as processing: %w", err)
	}

	started := time.Now()
	progress, _ := q.GetProgress(ctx, job.ID)
	if progress == nil {
		progress = &JobProgress{JobID: job.ID, Type: job.Type, Total: len(job.AssetIDs)}
	}
	progress.Status = JobStatusRunning
	progress.StartedAt = &started
	progress.WorkerID = workerID
	_ = q.UpdateProgress(ctx, progress)

	return &job, nil
}

// Complete records the job's final tally and moves it out of processing.
func (q *Queue) Complete(ctx context.Context, job *Job, result *models.BatchResult) error {
	data, _ := json.Marshal(job)
	q.client.SRem(ctx, JobsProcessing, string(data))

	if err := q.client.SAdd(ctx, JobsCompleted, job.ID.String()).Err(); err != nil {
		return fmt.Errorf("marking job complete: %w", err)
	}

	now := time.Now()
	progress, _ := q.GetProgress(ctx, job.ID)
	if progress == nil {
		progress = &JobProgress{JobID: job.ID, Type: job.Type}
	}
	progress.Status = JobStatusCompleted
	progress.CompletedAt = &now
	if result != nil {
		progress.Total = result.Total
		progress.Succeeded = result.Succeeded
		progress.Failures = result.Failures
	}
	return q.UpdateProgress(ctx, progress)
}

// Retry puts a failed job back with a linear backoff, or marks it failed
// once it has used all attempts.
func (q *Queue) Retry(ctx context.Context, job *Job, errorMsg string) error {
	if job.Attempts+1 >= MaxAttempts {
		return q.Fail(ctx, job, errorMsg)
	}

	data, _ := json.Marshal(job)
	q.client.SRem(ctx, JobsProcessing, string(data))

	job.Attempts++
	progress := q.progressFor(ctx, job)
	progress.Errors = append(progress.Errors, errorMsg)

	newData, _ := json.Marshal(job)
	backoff := time.Duration(job.Attempts*30) * time.Second
	score := float64(time.Now().Add(backoff).Unix())

	if err := q.client.ZAdd(ctx, JobsQueue, redis.Z{
		Score:  score,
		Member: string(newData),
	}).Err(); err != nil {
		return fmt.Errorf("requeuing job: %w", err)
	}

	progress.Status = JobStatusPending
	return q.UpdateProgress(ctx, progress)
}

// Fail marks the job failed without further attempts.
func (q *Queue) Fail(ctx context.Context, job *Job, errorMsg string) error {
	data, _ := json.Marshal(job)
	q.client.SRem(ctx, JobsProcessing, string(data))

	job.Attempts++
	progress := q.progressFor(ctx, job)
	progress.Errors = append(progress.Errors, errorMsg)

	if err := q.client.SAdd(ctx, JobsFailed, job.ID.String()).Err(); err != nil {
		return fmt.Errorf("marking job failed: %w", err)
	}
	now := time.Now()
	progress.Status = JobStatusFailed
	progress.CompletedAt = &now
	return q.UpdateProgress(ctx, progress)
}

func (q *Queue) progressFor(ctx context.Context, job *Job) *JobProgress {
	progress, _ := q.GetProgress(ctx, job.ID)
	if progress == nil {
		progress = &JobProgress{JobID: job.ID, Type: job.Type}
	}
	return progress
}

func (q *Queue) UpdateProgress(ctx context.Context, progress *JobProgress) error {
	progress.UpdatedAt = time.Now()
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshaling progress: %w", err)
	}

	key := JobProgressPrefix + progress.JobID.String()
	if err := q.client.Set(ctx, key, string(data), 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}

	return nil
}

// GetProgress returns the job's progress, or nil when it is unknown or expired.
func (q *Queue) GetProgress(ctx context.Context, jobID uuid.UUID) (*JobProgress, error) {
	key := JobProgressPrefix + jobID.String()
	data, err := q.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting progress: %w", err)
	}

	var progress JobProgress
	if err := json.Unmarshal([]byte(data), &progress); err != nil {
		return nil, fmt.Errorf("unmarshaling progress: %w", err)
	}

	return &progress, nil
}

type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

func (q *Queue) GetQueueStats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, JobsQueue)
	processing := pipe.SCard(ctx, JobsProcessing)
	completed := pipe.SCard(ctx, JobsCompleted)
	failed := pipe.SCard(ctx, JobsFailed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("reading queue stats: %w", err)
	}

	return &Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Completed:  completed.Val(),
		Failed:     failed.Val(),
	}, nil
}

func (q *Queue) WorkerHeartbeat(ctx context.Context, workerID string) error {
	return q.client.HSet(ctx, WorkerHeartbeatKey, workerID, time.Now().Unix()).Err()
}

func (q *Queue) GetActiveWorkers(ctx context.Context, timeout time.Duration) ([]string, error) {
	workers, err := q.client.HGetAll(ctx, WorkerHeartbeatKey).Result()
	if err != nil {
		return nil, fmt.Errorf("getting workers: %w", err)
	}

	var active []string
	cutoff := time.Now().Add(-timeout).Unix()

	for workerID, lastSeen := range workers {
		var ts int64
		_, _ = fmt.Sscanf(lastSeen, "%d", &ts)
		if ts > cutoff {
			active = append(active, workerID)
		}
	}

	return active, nil
}

// CleanupStaleJobs requeues processing jobs whose progress has not moved
// within timeout, typically because their worker died.
func (q *Queue) CleanupStaleJobs(ctx context.Context, timeout time.Duration) (int, error) {
	jobs, err := q.client.SMembers(ctx, JobsProcessing).Result()
	if err != nil {
		return 0, fmt.Errorf("getting processing jobs: %w", err)
	}

	cleaned := 0
	for _, jobData := range jobs {
		var job Job
		if err := json.Unmarshal([]byte(jobData), &job); err != nil {
			continue
		}

		progress, err := q.GetProgress(ctx, job.ID)
		if err != nil || progress == nil {
			continue
		}

		if time.Since(progress.UpdatedAt) > timeout {
			if err := q.Retry(ctx, &job, "worker timed out"); err != nil {
				return cleaned, err
			}
			cleaned++
		}
	}

	return cleaned, nil
}
