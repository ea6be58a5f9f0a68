package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auditconsole/classify/internal/models"
)

// Classifier is the part of the classification engine the worker drives.
type Classifier interface {
	BatchClassify(ctx context.Context, assetIDs []uuid.UUID, operatorID string) (map[uuid.UUID]models.Level, *models.BatchResult, error)
	ClassifyAllUnclassified(ctx context.Context, operatorID string) (int, error)
}

type Worker struct {
	id         string
	queue      *Queue
	classifier Classifier
	logger     *slog.Logger

	concurrency  int
	pollInterval time.Duration
	jobTimeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

type WorkerConfig struct {
	Queue        *Queue
	Classifier   Classifier
	Logger       *slog.Logger
	Concurrency  int
	PollInterval time.Duration
	JobTimeout   time.Duration
}

func NewWorker(cfg WorkerConfig) *Worker {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}

	return &Worker{
		id:           workerID,
		queue:        cfg.Queue,
		classifier:   cfg.Classifier,
		logger:       cfg.Logger.With("worker_id", workerID),
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		jobTimeout:   cfg.JobTimeout,
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.logger.Info("worker starting", "concurrency", w.concurrency)

	w.wg.Add(1)
	go w.heartbeatLoop()

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop()
	}

	w.wg.Add(1)
	go w.staleJobLoop()

	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.logger.Info("worker stopping")
	w.cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	_ = w.queue.WorkerHeartbeat(w.ctx, w.id)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.WorkerHeartbeat(w.ctx, w.id); err != nil {
				w.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()

	for {
		if w.ctx.Err() != nil {
			return
		}

		processed, err := w.ProcessNext(w.ctx)
		if err != nil {
			w.logger.Error("error processing queue", "error", err)
			w.sleep(5 * time.Second)
			continue
		}
		if !processed {
			w.sleep(w.pollInterval)
		}
	}
}

// ProcessNext runs at most one due job and reports whether it found one.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(ctx, w.id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	logger := w.logger.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts+1)
	logger.Info("processing job", "assets", len(job.AssetIDs))

	result, err := w.run(ctx, job)
	if errors.Is(err, models.ErrValidation) {
		logger.Error("job rejected", "error", err)
		return true, w.queue.Fail(ctx, job, err.Error())
	}
	if err != nil {
		logger.Error("job failed", "error", err)
		return true, w.queue.Retry(ctx, job, err.Error())
	}

	logger.Info("job completed", "succeeded", result.Succeeded, "failed", len(result.Failures))
	return true, w.queue.Complete(ctx, job, result)
}

func (w *Worker) run(ctx context.Context, job *Job) (*models.BatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	switch job.Type {
	case JobClassifyBatch:
		_, result, err := w.classifier.BatchClassify(ctx, job.AssetIDs, job.OperatorID)
		return result, err
	case JobClassifyUnclassified:
		n, err := w.classifier.ClassifyAllUnclassified(ctx, job.OperatorID)
		if err != nil {
			return nil, err
		}
		return &models.BatchResult{Total: n, Succeeded: n}, nil
	default:
		return nil, fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (w *Worker) staleJobLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			cleaned, err := w.queue.CleanupStaleJobs(w.ctx, w.jobTimeout)
			if err != nil {
				w.logger.Error("error cleaning stale jobs", "error", err)
			} else if cleaned > 0 {
				w.logger.Info("requeued stale jobs", "count", cleaned)
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.ctx.Done():
	case <-t.C:
	}
}
