package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Processor runs the document pipelines a task refers to.
// driving.IngestService satisfies it.
type Processor interface {
	ProcessDocument(ctx context.Context, tenantID, documentID string) (*domain.TaskResult, error)
	ProcessReembed(ctx context.Context, tenantID, documentID string) (*domain.TaskResult, error)
}

// Worker processes ingest and re-embed tasks from the task queue.
// Retryable failures are Nacked for a backoff retry, everything else fails
// the task permanently.
type Worker struct {
	taskQueue driven.TaskQueue
	processor Processor
	logger    *slog.Logger

	// Configuration
	concurrency    int
	dequeueTimeout int // seconds
	taskTimeout    time.Duration
	purgeInterval  time.Duration
	retention      time.Duration

	// Internal state
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Config holds configuration for the worker.
type Config struct {
	TaskQueue      driven.TaskQueue
	Processor      Processor
	Logger         *slog.Logger
	Concurrency    int           // Number of concurrent task processors
	DequeueTimeout int           // Seconds to wait for a task before checking again
	TaskTimeout    time.Duration // Upper bound for one task, 0 means 10 minutes
	PurgeInterval  time.Duration // How often finished tasks are purged, 0 disables
	Retention      time.Duration // Age after which finished tasks are purged
}

// NewWorker creates a new task worker.
func NewWorker(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	dequeueTimeout := cfg.DequeueTimeout
	if dequeueTimeout <= 0 {
		dequeueTimeout = 5
	}

	taskTimeout := cfg.TaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = 10 * time.Minute
	}

	retention := cfg.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}

	return &Worker{
		taskQueue:      cfg.TaskQueue,
		processor:      cfg.Processor,
		logger:         logger,
		concurrency:    concurrency,
		dequeueTimeout: dequeueTimeout,
		taskTimeout:    taskTimeout,
		purgeInterval:  cfg.PurgeInterval,
		retention:      retention,
	}
}

// Start begins the worker loop.
// It runs until Stop is called or context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info("worker starting",
		"concurrency", w.concurrency,
		"dequeue_timeout", w.dequeueTimeout,
		"task_timeout", w.taskTimeout,
	)

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w.processLoop(ctx, workerID)
		}(i)
	}

	if w.purgeInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.purgeLoop(ctx)
		}()
	}

	go func() {
		wg.Wait()
		close(w.doneCh)
	}()

	return nil
}

// Stop gracefully stops the worker, letting in-flight tasks finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.mu.Unlock()

	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("worker stopped")
}

// Wait blocks until the worker stops.
func (w *Worker) Wait() {
	<-w.doneCh
}

func (w *Worker) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// processLoop is the main processing loop for a worker goroutine.
func (w *Worker) processLoop(ctx context.Context, workerID int) {
	logger := w.logger.With("worker_id", workerID)
	logger.Debug("worker goroutine started")

	for !w.stopping(ctx) {
		task, err := w.taskQueue.DequeueWithTimeout(ctx, w.dequeueTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			logger.Error("failed to dequeue task", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			case <-w.stopCh:
			}
			continue
		}

		if task == nil {
			continue
		}

		w.processTask(ctx, task, logger)
	}
	logger.Debug("worker goroutine exiting")
}

// processTask runs one task and settles it on the queue.
func (w *Worker) processTask(ctx context.Context, task *domain.Task, logger *slog.Logger) {
	logger = logger.With(
		"task_id", task.ID,
		"task_type", task.Type,
		"tenant_id", task.TenantID,
		"document_id", task.DocumentID(),
		"attempt", task.Attempts,
	)
	logger.Info("processing task")

	taskCtx, cancel := context.WithTimeout(ctx, w.taskTimeout)
	result, err := w.run(taskCtx, task)
	cancel()

	// Settle even when the worker is shutting down.
	settleCtx := context.WithoutCancel(ctx)

	if err == nil && result != nil && !result.Success {
		err = fmt.Errorf("task reported failure: %s", result.Error)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: task exceeded %s: %v", domain.ErrTimeout, w.taskTimeout, err)
		}
		if domain.IsRetryable(err) || (errors.Is(err, context.Canceled) && ctx.Err() != nil) {
			logger.Warn("task failed, will retry", "error", err)
			if nackErr := w.taskQueue.Nack(settleCtx, task.ID, err.Error()); nackErr != nil {
				logger.Error("failed to nack task", "nack_error", nackErr)
			}
			return
		}
		logger.Error("task failed permanently", "error", err)
		if failErr := w.taskQueue.Fail(settleCtx, task.ID, err.Error()); failErr != nil {
			logger.Error("failed to fail task", "fail_error", failErr)
		}
		return
	}

	logger.Info("task completed", "duration", result.Duration, "indexed", result.ItemsCount)
	if ackErr := w.taskQueue.Ack(settleCtx, task.ID); ackErr != nil {
		logger.Error("failed to ack task", "ack_error", ackErr)
	}
}

func (w *Worker) run(ctx context.Context, task *domain.Task) (*domain.TaskResult, error) {
	documentID := task.DocumentID()
	if documentID == "" || task.TenantID == "" {
		return nil, fmt.Errorf("%w: task %s lacks tenant or document", domain.ErrInvalidInput, task.ID)
	}

	switch task.Type {
	case domain.TaskTypeIngestDocument:
		return w.processor.ProcessDocument(ctx, task.TenantID, documentID)
	case domain.TaskTypeReembedDocument:
		return w.processor.ProcessReembed(ctx, task.TenantID, documentID)
	default:
		return nil, fmt.Errorf("%w: unknown task type %s", domain.ErrInvalidInput, task.Type)
	}
}

// purgeLoop removes finished tasks older than the retention period.
func (w *Worker) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(w.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			n, err := w.taskQueue.PurgeTasks(ctx, int(w.retention.Seconds()))
			if err != nil {
				w.logger.Error("failed to purge tasks", "error", err)
				continue
			}
			if n > 0 {
				w.logger.Info("purged finished tasks", "count", n)
			}
		}
	}
}

// Health reports whether the worker runs and its queue answers.
type Health struct {
	Running     bool               `json:"running"`
	QueueHealth bool               `json:"queue_health"`
	Stats       *driven.QueueStats `json:"stats,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Health returns the health status of the worker.
func (w *Worker) Health(ctx context.Context) Health {
	w.mu.RLock()
	running := w.running
	w.mu.RUnlock()

	health := Health{Running: running}

	if err := w.taskQueue.Ping(ctx); err != nil {
		health.Error = err.Error()
		return health
	}
	health.QueueHealth = true

	if stats, err := w.taskQueue.Stats(ctx); err == nil {
		health.Stats = stats
	}
	return health
}
