package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/hherb/bmlibrarian-orchestrator/pkg/models"
	"github.com/hherb/bmlibrarian-orchestrator/pkg/service"
)

func startPool(t *testing.T, qm *service.QueueManager, registry *service.AgentRegistry) {
	pool := service.NewWorkerPool(qm, registry, logger{},
		service.WithPollInterval(10*time.Millisecond))
	assert.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Stop)
}

func TestWorkerPool_DrainsScoringQueue(t *testing.T) {
	qm := newQueue(t)

	registry := service.NewAgentRegistry()
	err := registry.Register("scorer", service.OperationMap{
		"score": func(ctx context.Context, params models.Params) (models.Params, error) {
			docID := params["doc_id"].(float64)
			return models.Params{"score": docID * 10}, nil
		},
	})
	assert.NoError(t, err)

	ids, err := qm.EnqueueBatch("scorer", "score", []models.Params{
		{"doc_id": float64(1)},
		{"doc_id": float64(2)},
		{"doc_id": float64(3)},
	})
	assert.NoError(t, err)

	startPool(t, qm, registry)

	client := service.NewAgentClient(qm, "", logger{},
		service.WithClientPollInterval(10*time.Millisecond))
	tasks, err := client.WaitForCompletion(context.Background(), ids, 5*time.Second)
	assert.NoError(t, err)

	counts, err := qm.Stats("scorer")
	assert.NoError(t, err)
	assert.Equal(t, 3, counts[models.CompletedTaskStatus])

	for _, id := range ids {
		task := tasks[id]
		assert.Equal(t, models.CompletedTaskStatus, task.Status)
		docID := task.Parameters["doc_id"].(float64)
		assert.Equal(t, models.Params{"score": docID * 10}, task.Result)
	}
}

func TestWorkerPool_UnknownOperationFailsWithoutRetry(t *testing.T) {
	qm := newQueue(t)

	registry := service.NewAgentRegistry()
	assert.NoError(t, registry.Register("scorer", service.OperationMap{}))

	id, err := qm.Enqueue("scorer", "summarize", nil, models.WithMaxRetries(3))
	assert.NoError(t, err)

	startPool(t, qm, registry)

	client := service.NewAgentClient(qm, "", logger{},
		service.WithClientPollInterval(10*time.Millisecond))
	tasks, err := client.WaitForCompletion(context.Background(), []string{id}, 5*time.Second)
	assert.NoError(t, err)

	task := tasks[id]
	assert.Equal(t, models.FailedTaskStatus, task.Status)
	assert.Equal(t, 0, task.RetryCount)
	assert.Contains(t, task.ErrorMsg, "operation 'summarize' not found")
}

func TestWorkerPool_RetriesHandlerErrorsUntilExhausted(t *testing.T) {
	qm := newQueue(t)

	attempts := 0
	registry := service.NewAgentRegistry()
	assert.NoError(t, registry.Register("citation", service.OperationMap{
		"extract": func(ctx context.Context, params models.Params) (models.Params, error) {
			attempts++
			return nil, errors.New("llm backend unavailable")
		},
	}))

	id, err := qm.Enqueue("citation", "extract", nil, models.WithMaxRetries(2))
	assert.NoError(t, err)

	startPool(t, qm, registry)

	client := service.NewAgentClient(qm, "", logger{},
		service.WithClientPollInterval(10*time.Millisecond))
	tasks, err := client.WaitForCompletion(context.Background(), []string{id}, 5*time.Second)
	assert.NoError(t, err)

	task := tasks[id]
	assert.Equal(t, models.FailedTaskStatus, task.Status)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, "llm backend unavailable", task.ErrorMsg)
	assert.Equal(t, 3, attempts)
}

func TestWorkerPool_RecoversFromHandlerPanic(t *testing.T) {
	qm := newQueue(t)

	registry := service.NewAgentRegistry()
	assert.NoError(t, registry.Register("scorer", service.OperationMap{
		"score": func(ctx context.Context, params models.Params) (models.Params, error) {
			panic("nil dereference in scoring model")
		},
	}))

	id, err := qm.Enqueue("scorer", "score", nil, models.WithMaxRetries(0))
	assert.NoError(t, err)

	startPool(t, qm, registry)

	client := service.NewAgentClient(qm, "", logger{},
		service.WithClientPollInterval(10*time.Millisecond))
	tasks, err := client.WaitForCompletion(context.Background(), []string{id}, 5*time.Second)
	assert.NoError(t, err)

	task := tasks[id]
	assert.Equal(t, models.FailedTaskStatus, task.Status)
	assert.Contains(t, task.ErrorMsg, "operation panicked")
}

func TestWorkerPool_StartStop(t *testing.T) {
	qm := newQueue(t)
	registry := service.NewAgentRegistry()

	pool := service.NewWorkerPool(qm, registry, logger{})
	assert.Error(t, pool.Start(context.Background()), "empty registry should not start")

	assert.NoError(t, registry.Register("scorer", service.OperationMap{}))
	assert.NoError(t, pool.Start(context.Background()))
	assert.Error(t, pool.Start(context.Background()), "double start should be rejected")
	pool.Stop()

	// A stopped pool can start again.
	assert.NoError(t, pool.Start(context.Background()))
	pool.Stop()
}
