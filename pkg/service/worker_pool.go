package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hherb/bmlibrarian-orchestrator/pkg/models"
)

const DefaultPollInterval = time.Second

// WorkerPool runs one polling loop per registered agent type. Each loop claims
// the next eligible task for its type, invokes the named operation on the
// agent's handler, and reports the outcome back to the queue manager. A loop
// never exits on a task error; only Stop (or context cancellation) ends it.
type WorkerPool struct {
	queue        *QueueManager
	registry     *AgentRegistry
	logger       Logger
	pollInterval time.Duration

	group  *errgroup.Group
	cancel context.CancelFunc
}

type WorkerPoolOption func(*WorkerPool)

func WithPollInterval(d time.Duration) WorkerPoolOption {
	return func(wp *WorkerPool) { wp.pollInterval = d }
}

func NewWorkerPool(queue *QueueManager, registry *AgentRegistry, logger Logger, opts ...WorkerPoolOption) *WorkerPool {
	wp := &WorkerPool{
		queue:        queue,
		registry:     registry,
		logger:       logger,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(wp)
	}
	return wp
}

// Start launches one loop per agent type registered at this moment.
func (wp *WorkerPool) Start(ctx context.Context) error {
	if wp.group != nil {
		return fmt.Errorf("worker pool already started")
	}
	types := wp.registry.Types()
	if len(types) == 0 {
		return fmt.Errorf("no agents registered")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	wp.cancel = cancel
	wp.group, loopCtx = errgroup.WithContext(loopCtx)
	for _, agentType := range types {
		agentType := agentType
		wp.group.Go(func() error {
			wp.runLoop(loopCtx, agentType)
			return nil
		})
	}
	wp.logger.Infof("Worker pool started with %d agent loops", len(types))
	return nil
}

// Stop signals every loop to exit after its current iteration and waits for
// them. In-flight tasks run to completion; nothing is forcibly aborted.
func (wp *WorkerPool) Stop() {
	if wp.group == nil {
		return
	}
	wp.cancel()
	_ = wp.group.Wait()
	wp.group = nil
	wp.logger.Infof("Worker pool stopped")
}

func (wp *WorkerPool) runLoop(ctx context.Context, agentType string) {
	wp.logger.Infof("Worker loop for agent '%s' started", agentType)
	for {
		select {
		case <-ctx.Done():
			wp.logger.Infof("Worker loop for agent '%s' stopping", agentType)
			return
		default:
		}

		task, err := wp.queue.Claim(agentType)
		if err != nil {
			wp.logger.Errorf("Claim failed for agent '%s': %v", agentType, err)
			wp.sleep(ctx)
			continue
		}
		if task == nil {
			wp.sleep(ctx)
			continue
		}
		wp.execute(ctx, agentType, task.ID, task.Operation)
	}
}

func (wp *WorkerPool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(wp.pollInterval):
	}
}

// execute resolves and invokes one claimed task's operation and reports the
// outcome. An unresolved operation is a configuration error and is never
// retried; any error (or panic) from the handler is treated as transient.
func (wp *WorkerPool) execute(ctx context.Context, agentType, taskID, operation string) {
	handler, ok := wp.registry.Resolve(agentType)
	if !ok {
		// The loop exists because the agent was registered; losing it means
		// the registry was mutated out from under us.
		wp.reportFailure(taskID, fmt.Sprintf("agent '%s' not registered", agentType), false)
		return
	}
	op, ok := handler.ResolveOperation(operation)
	if !ok {
		wp.reportFailure(taskID, fmt.Sprintf("operation '%s' not found on agent '%s'", operation, agentType), false)
		return
	}

	task, err := wp.queue.Get(taskID)
	if err != nil {
		wp.logger.Errorf("Failed to load claimed task %s: %v", taskID, err)
		return
	}

	result, err := wp.invoke(ctx, op, task.Parameters)
	if err != nil {
		wp.reportFailure(taskID, err.Error(), true)
		return
	}
	if err := wp.queue.Complete(taskID, result); err != nil {
		wp.logger.Errorf("Failed to complete task %s: %v", taskID, err)
	}
}

// invoke shields the loop from handler panics; a panicking operation becomes
// a failed attempt, not a dead worker.
func (wp *WorkerPool) invoke(ctx context.Context, op OperationFunc, params models.Params) (result models.Params, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx, params)
}

func (wp *WorkerPool) reportFailure(taskID, errMsg string, retry bool) {
	if err := wp.queue.Fail(taskID, errMsg, retry); err != nil {
		wp.logger.Errorf("Failed to record failure for task %s: %v", taskID, err)
	}
}
