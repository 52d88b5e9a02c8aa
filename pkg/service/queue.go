package service

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hherb/bmlibrarian-orchestrator/internal/metrics"
	"github.com/hherb/bmlibrarian-orchestrator/pkg/models"
	"github.com/hherb/bmlibrarian-orchestrator/pkg/storage"
)

// Logger defines the logging interface for the orchestration services.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// BackoffFunc computes how long a task stays unclaimable after its nth failed
// attempt (attempt is 1-based).
type BackoffFunc func(attempt int) time.Duration

// DefaultBackoff grows 100ms..30s with jitter, so a persistently failing task
// cannot hot-loop its worker while healthy tasks wait.
func DefaultBackoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// NoBackoff re-queues retried tasks immediately.
func NoBackoff(int) time.Duration { return 0 }

// QueueManager is the task-lifecycle policy layer above the Task Store:
// enqueue, claim, complete, fail-with-retry, stats, cleanup and the crash
// recovery sweep.
type QueueManager struct {
	store      storage.Store
	logger     Logger
	backoff    BackoffFunc
	metrics    *metrics.TaskMetrics
	maxRetries int
	now        func() time.Time
}

type QueueOption func(*QueueManager)

// WithBackoff overrides the retry backoff policy.
func WithBackoff(fn BackoffFunc) QueueOption {
	return func(qm *QueueManager) { qm.backoff = fn }
}

// WithMetrics attaches lifecycle counters.
func WithMetrics(m *metrics.TaskMetrics) QueueOption {
	return func(qm *QueueManager) { qm.metrics = m }
}

// WithDefaultMaxRetries sets the retry ceiling applied when an enqueue names
// none.
func WithDefaultMaxRetries(n int) QueueOption {
	return func(qm *QueueManager) { qm.maxRetries = n }
}

func NewQueueManager(store storage.Store, logger Logger, opts ...QueueOption) *QueueManager {
	qm := &QueueManager{
		store:      store,
		logger:     logger,
		backoff:    DefaultBackoff,
		maxRetries: 3,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(qm)
	}
	return qm
}

func (qm *QueueManager) buildTask(targetAgent, operation string, params models.Params, opts []models.TaskOption) (*models.Task, error) {
	if targetAgent == "" {
		return nil, errors.New("target agent cannot be empty")
	}
	if operation == "" {
		return nil, errors.New("operation cannot be empty")
	}

	cfg := models.TaskConfig{
		Priority:   models.NormalPriority,
		MaxRetries: qm.maxRetries,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("max retries cannot be negative")
	}

	now := qm.now().UTC()
	return &models.Task{
		ID:          uuid.NewString(),
		SourceAgent: cfg.SourceAgent,
		TargetAgent: targetAgent,
		Operation:   operation,
		Parameters:  params,
		Status:      models.PendingTaskStatus,
		Priority:    cfg.Priority,
		MaxRetries:  cfg.MaxRetries,
		CreatedAt:   now,
		AvailableAt: now,
	}, nil
}

// Enqueue persists one PENDING task and returns its ID.
func (qm *QueueManager) Enqueue(targetAgent, operation string, params models.Params, opts ...models.TaskOption) (string, error) {
	task, err := qm.buildTask(targetAgent, operation, params, opts)
	if err != nil {
		return "", err
	}
	if err := qm.store.InsertTask(task); err != nil {
		return "", err
	}
	qm.countEnqueued(targetAgent, 1)
	qm.logger.Infof("Enqueued task %s: %s.%s (priority %d)", task.ID, targetAgent, operation, task.Priority)
	return task.ID, nil
}

// EnqueueBatch persists one task per parameter set in a single transaction.
func (qm *QueueManager) EnqueueBatch(targetAgent, operation string, paramsList []models.Params, opts ...models.TaskOption) ([]string, error) {
	if len(paramsList) == 0 {
		return nil, errors.New("empty parameter list")
	}
	tasks := make([]*models.Task, 0, len(paramsList))
	ids := make([]string, 0, len(paramsList))
	for _, params := range paramsList {
		task, err := qm.buildTask(targetAgent, operation, params, opts)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
		ids = append(ids, task.ID)
	}
	if err := qm.store.InsertTasks(tasks); err != nil {
		return nil, err
	}
	qm.countEnqueued(targetAgent, len(ids))
	qm.logger.Infof("Enqueued batch of %d tasks: %s.%s", len(ids), targetAgent, operation)
	return ids, nil
}

// Claim atomically takes the next eligible task for the target agent, or
// returns (nil, nil) when none is pending.
func (qm *QueueManager) Claim(targetAgent string) (*models.Task, error) {
	return qm.store.ClaimNext(targetAgent, qm.now())
}

// Complete marks a claimed task COMPLETED and stores its result. A nil result
// is normalized to an empty mapping so that COMPLETED always carries one.
func (qm *QueueManager) Complete(id string, result models.Params) error {
	if result == nil {
		result = models.Params{}
	}
	if err := qm.store.MarkCompleted(id, result, qm.now()); err != nil {
		return err
	}
	if qm.metrics != nil {
		if task, err := qm.store.GetTask(id); err == nil {
			qm.metrics.Completed.WithLabelValues(task.TargetAgent).Inc()
		}
	}
	qm.logger.Infof("Task %s completed", id)
	return nil
}

// Fail records a failed attempt. With retry enabled and attempts remaining the
// task re-enters PENDING after a backoff delay; otherwise it becomes terminal
// FAILED carrying the last error message.
func (qm *QueueManager) Fail(id string, errMsg string, retry bool) error {
	task, err := qm.store.GetTask(id)
	if err != nil {
		return err
	}

	if retry && task.RetryCount < task.MaxRetries {
		attempt := task.RetryCount + 1
		delay := qm.backoff(attempt)
		if err := qm.store.RequeueForRetry(id, errMsg, attempt, qm.now().Add(delay)); err != nil {
			return err
		}
		if qm.metrics != nil {
			qm.metrics.Retried.WithLabelValues(task.TargetAgent).Inc()
		}
		qm.logger.Infof("Task %s failed (attempt %d/%d), retrying in %s: %s",
			id, attempt, task.MaxRetries, delay, errMsg)
		return nil
	}

	if err := qm.store.MarkFailed(id, errMsg, qm.now()); err != nil {
		return err
	}
	if qm.metrics != nil {
		qm.metrics.Failed.WithLabelValues(task.TargetAgent).Inc()
	}
	qm.logger.Errorf("Task %s permanently failed after %d retries: %s", id, task.RetryCount, errMsg)
	return nil
}

// Get fetches a task snapshot by ID.
func (qm *QueueManager) Get(id string) (models.Task, error) {
	return qm.store.GetTask(id)
}

// Stats returns task counts by status, optionally for a single agent.
func (qm *QueueManager) Stats(targetAgent string) (storage.StatusCounts, error) {
	return qm.store.Stats(targetAgent)
}

// Cleanup purges terminal tasks whose completion is older than the given age.
func (qm *QueueManager) Cleanup(olderThan time.Duration) (int64, error) {
	purged, err := qm.store.PurgeTerminal(qm.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		qm.logger.Infof("Purged %d terminal tasks older than %s", purged, olderThan)
	}
	return purged, nil
}

// RecoverOrphaned resets tasks stranded in PROCESSING by a crashed run back to
// PENDING so they are claimed again.
func (qm *QueueManager) RecoverOrphaned() (int64, error) {
	reset, err := qm.store.ResetOrphaned()
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		qm.logger.Infof("Recovered %d orphaned tasks back to PENDING", reset)
	}
	return reset, nil
}

func (qm *QueueManager) countEnqueued(agent string, n int) {
	if qm.metrics == nil {
		return
	}
	qm.metrics.Enqueued.WithLabelValues(agent).Add(float64(n))
}
