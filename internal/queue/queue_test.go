package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditconsole/classify/internal/models"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client), mr
}

type fakeClassifier struct {
	batchErr error
	calls    int
}

func (f *fakeClassifier) BatchClassify(_ context.Context, ids []uuid.UUID, _ string) (map[uuid.UUID]models.Level, *models.BatchResult, error) {
	f.calls++
	if f.batchErr != nil {
		return nil, nil, f.batchErr
	}
	result := &models.BatchResult{Total: len(ids), Succeeded: len(ids) - 1}
	result.Fail(ids[len(ids)-1], nil, models.NewNotFoundError("asset", ids[len(ids)-1]))
	return nil, result, nil
}

func (f *fakeClassifier) ClassifyAllUnclassified(context.Context, string) (int, error) {
	f.calls++
	return 4, nil
}

func TestEnqueue_Validation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	err := q.Enqueue(ctx, &Job{Type: JobClassifyBatch, OperatorID: "op"})
	assert.ErrorIs(t, err, models.ErrValidation)

	err = q.Enqueue(ctx, &Job{Type: "reindex", OperatorID: "op"})
	assert.ErrorIs(t, err, models.ErrValidation)

	err = q.Enqueue(ctx, &Job{Type: JobClassifyUnclassified})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestWorker_ProcessesBatchJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	classifier := &fakeClassifier{}
	w := NewWorker(WorkerConfig{Queue: q, Classifier: classifier})

	job := &Job{Type: JobClassifyBatch, AssetIDs: []uuid.UUID{uuid.New(), uuid.New()}, OperatorID: "op"}
	require.NoError(t, q.Enqueue(ctx, job))

	progress, err := q.GetProgress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, progress.Status)
	assert.Equal(t, 2, progress.Total)

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	progress, err = q.GetProgress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, progress.Status)
	assert.Equal(t, 1, progress.Succeeded)
	require.Len(t, progress.Failures, 1)
	assert.Equal(t, w.ID(), progress.WorkerID)

	stats, err := q.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(0), stats.Processing)
	assert.Equal(t, int64(1), stats.Completed)

	processed, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "queue is empty")
}

func TestWorker_RetriesThenFails(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	classifier := &fakeClassifier{batchErr: models.Persistence("list rules", errors.New("db down"))}
	w := NewWorker(WorkerConfig{Queue: q, Classifier: classifier})

	job := &Job{Type: JobClassifyBatch, AssetIDs: []uuid.UUID{uuid.New()}, OperatorID: "op"}
	require.NoError(t, q.Enqueue(ctx, job))

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		processed, err := w.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed, "attempt %d", attempt)

		// Retries are scheduled in the future; a second pass sees nothing due.
		if attempt < MaxAttempts {
			processed, err = w.ProcessNext(ctx)
			require.NoError(t, err)
			assert.False(t, processed)
			moveDueJobsToNow(t, mr)
		}
	}

	assert.Equal(t, MaxAttempts, classifier.calls)
	progress, err := q.GetProgress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, progress.Status)
	assert.Len(t, progress.Errors, MaxAttempts)

	stats, err := q.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Pending)
}

func TestWorker_ValidationErrorFailsWithoutRetry(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	classifier := &fakeClassifier{batchErr: models.NewValidationError("operator_id", "operator is required")}
	w := NewWorker(WorkerConfig{Queue: q, Classifier: classifier})

	job := &Job{Type: JobClassifyBatch, AssetIDs: []uuid.UUID{uuid.New()}, OperatorID: "op"}
	require.NoError(t, q.Enqueue(ctx, job))

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	processed, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "a rejected job is not requeued")
	assert.Equal(t, 1, classifier.calls)

	progress, err := q.GetProgress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, progress.Status)
	require.Len(t, progress.Errors, 1)
	assert.Contains(t, progress.Errors[0], "operator is required")

	stats, err := q.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(0), stats.Processing)
}

func TestWorker_UnclassifiedSweepJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	w := NewWorker(WorkerConfig{Queue: q, Classifier: &fakeClassifier{}})

	job := &Job{Type: JobClassifyUnclassified, OperatorID: "op"}
	require.NoError(t, q.Enqueue(ctx, job))

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	progress, err := q.GetProgress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, progress.Succeeded)
}

func TestActiveWorkers(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.WorkerHeartbeat(ctx, "w1"))
	active, err := q.GetActiveWorkers(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, active)
}

// moveDueJobsToNow rewrites every pending score to the past so backoff
// does not stall the test.
func moveDueJobsToNow(t *testing.T, mr *miniredis.Miniredis) {
	t.Helper()
	members, err := mr.ZMembers(JobsQueue)
	require.NoError(t, err)
	for _, m := range members {
		_, err := mr.ZAdd(JobsQueue, float64(time.Now().Add(-time.Second).Unix()), m)
		require.NoError(t, err)
	}
}
