package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditconsole/classify/internal/models"
)

type memoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	execs []*JobExecution
}

func newMemoryStore() *memoryStore {
	return &memoryStore{jobs: make(map[string]*Job)}
}

func (m *memoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	c := *job
	return &c, nil
}

func (m *memoryStore) ListJobs(context.Context) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, job := range m.jobs {
		c := *job
		out = append(out, &c)
	}
	return out, nil
}

func (m *memoryStore) CreateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	c := *job
	m.jobs[job.ID] = &c
	return nil
}

func (m *memoryStore) UpdateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *job
	m.jobs[job.ID] = &c
	return nil
}

func (m *memoryStore) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memoryStore) UpdateLastRun(_ context.Context, id string, lastRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.LastRun = &lastRun
	}
	return nil
}

func (m *memoryStore) CreateExecution(_ context.Context, exec *JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *exec
	m.execs = append(m.execs, &c)
	return nil
}

func (m *memoryStore) UpdateExecution(_ context.Context, exec *JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.execs {
		if e.ID == exec.ID {
			c := *exec
			m.execs[i] = &c
		}
	}
	return nil
}

func (m *memoryStore) GetJobExecutions(_ context.Context, jobID string, limit int) ([]*JobExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*JobExecution
	for i := len(m.execs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.execs[i].JobID == jobID {
			c := *m.execs[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

func TestEnsureJob_CreatesOnce(t *testing.T) {
	store := newMemoryStore()
	s := NewScheduler(store, nil)
	ctx := context.Background()

	first, err := s.EnsureJob(ctx, "sweep", JobTypeClassifyUnclassified, "0 */15 * * * *")
	require.NoError(t, err)

	second, err := s.EnsureJob(ctx, "sweep", JobTypeClassifyUnclassified, "@daily")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "0 */15 * * * *", second.Schedule, "stored schedule wins")

	_, err = s.EnsureJob(ctx, "digest", JobTypePendingDigest, "not a cron")
	assert.Error(t, err)
}

func TestAddJob_Validation(t *testing.T) {
	s := NewScheduler(newMemoryStore(), nil)
	(&Handlers{
		ClassifyUnclassified: func(context.Context, string) (int, error) { return 0, nil },
	}).Register(s)

	ctx := context.Background()
	err := s.AddJob(ctx, &Job{Name: "x", Schedule: "bogus", JobType: JobTypeClassifyUnclassified})
	assert.ErrorIs(t, err, models.ErrValidation)

	err = s.AddJob(ctx, &Job{Name: "x", Schedule: "@hourly", JobType: JobTypePendingDigest})
	assert.ErrorIs(t, err, models.ErrValidation, "no handler registered")

	err = s.AddJob(ctx, &Job{Name: "x", Schedule: "@hourly", JobType: JobTypeClassifyUnclassified})
	assert.NoError(t, err)
}

func TestRunJobNow_RecordsExecution(t *testing.T) {
	store := newMemoryStore()
	s := NewScheduler(store, nil)

	operators := make(chan string, 1)
	(&Handlers{
		ClassifyUnclassified: func(_ context.Context, operatorID string) (int, error) {
			operators <- operatorID
			return 7, nil
		},
		PendingDigest: func(context.Context) (int, error) {
			return 0, errors.New("smtp down")
		},
	}).Register(s)

	ctx := context.Background()
	sweep, err := s.EnsureJob(ctx, "sweep", JobTypeClassifyUnclassified, "@hourly")
	require.NoError(t, err)
	digest, err := s.EnsureJob(ctx, "digest", JobTypePendingDigest, "@daily")
	require.NoError(t, err)

	require.NoError(t, s.RunJobNow(ctx, sweep.ID))
	assert.Equal(t, "system", <-operators)

	require.Eventually(t, func() bool {
		execs, _ := s.GetJobExecutions(ctx, sweep.ID, 1)
		return len(execs) == 1 && execs[0].Status == StatusCompleted
	}, time.Second, 10*time.Millisecond)
	execs, _ := s.GetJobExecutions(ctx, sweep.ID, 1)
	assert.Equal(t, "classified 7 assets", execs[0].Output)

	require.NoError(t, s.RunJobNow(ctx, digest.ID))
	require.Eventually(t, func() bool {
		execs, _ := s.GetJobExecutions(ctx, digest.ID, 1)
		return len(execs) == 1 && execs[0].Status == StatusFailed
	}, time.Second, 10*time.Millisecond)

	err = s.RunJobNow(ctx, uuid.New().String())
	assert.ErrorIs(t, err, models.ErrNotFound)
}
