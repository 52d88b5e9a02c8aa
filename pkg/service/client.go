package service

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/hherb/bmlibrarian-orchestrator/pkg/models"
)

// AgentClient is the facade an agent (or a top-level driver) uses to hand work
// to other agents and wait for it: submit one or many tasks, then poll until
// every watched task reaches a terminal state.
type AgentClient struct {
	queue        *QueueManager
	agentType    string // Caller's own agent type; default target and source tag
	logger       Logger
	pollInterval time.Duration
}

type ClientOption func(*AgentClient)

func WithClientPollInterval(d time.Duration) ClientOption {
	return func(c *AgentClient) { c.pollInterval = d }
}

// NewAgentClient creates a client acting on behalf of agentType. An empty
// agentType is allowed for external drivers; such a client must always name an
// explicit target.
func NewAgentClient(queue *QueueManager, agentType string, logger Logger, opts ...ClientOption) *AgentClient {
	c := &AgentClient{
		queue:        queue,
		agentType:    agentType,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit enqueues one task. An empty targetAgent addresses the caller's own
// type (async self-scheduling).
func (c *AgentClient) Submit(targetAgent, operation string, params models.Params, opts ...models.TaskOption) (string, error) {
	target, err := c.resolveTarget(targetAgent)
	if err != nil {
		return "", err
	}
	opts = c.withSource(opts)
	return c.queue.Enqueue(target, operation, params, opts...)
}

// SubmitBatch enqueues one task per parameter set in a single transaction.
func (c *AgentClient) SubmitBatch(targetAgent, operation string, paramsList []models.Params, opts ...models.TaskOption) ([]string, error) {
	target, err := c.resolveTarget(targetAgent)
	if err != nil {
		return nil, err
	}
	opts = c.withSource(opts)
	return c.queue.EnqueueBatch(target, operation, paramsList, opts...)
}

func (c *AgentClient) resolveTarget(targetAgent string) (string, error) {
	if targetAgent != "" {
		return targetAgent, nil
	}
	if c.agentType == "" {
		return "", errors.New("no target agent: client has no agent type to default to")
	}
	return c.agentType, nil
}

func (c *AgentClient) withSource(opts []models.TaskOption) []models.TaskOption {
	if c.agentType == "" {
		return opts
	}
	return append([]models.TaskOption{models.WithSourceAgent(c.agentType)}, opts...)
}

// WaitForCompletion polls until every task in ids is terminal or the timeout
// elapses. It always returns the latest snapshot of each task it could fetch;
// on timeout the error is ErrWaitTimeout and the underlying tasks keep
// running. Callers inspect Status/Result/ErrorMsg per task.
func (c *AgentClient) WaitForCompletion(ctx context.Context, ids []string, timeout time.Duration) (map[string]models.Task, error) {
	snapshot := make(map[string]models.Task, len(ids))
	deadline := time.Now().Add(timeout)
	for {
		remaining := 0
		for _, id := range ids {
			if t, ok := snapshot[id]; ok && t.Status.Terminal() {
				continue
			}
			task, err := c.queue.Get(id)
			if err != nil {
				return snapshot, errors.Wrapf(err, "wait for task %s", id)
			}
			snapshot[id] = task
			if !task.Status.Terminal() {
				remaining++
			}
		}
		if remaining == 0 {
			return snapshot, nil
		}
		if time.Now().After(deadline) {
			return snapshot, errors.Wrapf(ErrWaitTimeout, "%d of %d tasks unresolved", remaining, len(ids))
		}
		select {
		case <-ctx.Done():
			return snapshot, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// Status is a convenience wrapper over the queue's Get.
func (c *AgentClient) Status(id string) (models.Task, error) {
	return c.queue.Get(id)
}

// QueueStats reports status counts for the client's own agent type, or all
// agents when the client has none.
func (c *AgentClient) QueueStats() (map[models.TaskStatus]int, error) {
	counts, err := c.queue.Stats(c.agentType)
	if err != nil {
		return nil, err
	}
	return map[models.TaskStatus]int(counts), nil
}
