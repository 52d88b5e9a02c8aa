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

func TestAgentClient_Submit(t *testing.T) {
	qm := newQueue(t)
	client := service.NewAgentClient(qm, "reporter", logger{})

	t.Run("TagsSourceAgent", func(t *testing.T) {
		id, err := client.Submit("scorer", "score", models.Params{"doc_id": float64(1)})
		assert.NoError(t, err)

		task, err := client.Status(id)
		assert.NoError(t, err)
		assert.Equal(t, "scorer", task.TargetAgent)
		assert.Equal(t, "reporter", task.SourceAgent)
	})

	t.Run("EmptyTargetDefaultsToOwnType", func(t *testing.T) {
		id, err := client.Submit("", "synthesize", nil)
		assert.NoError(t, err)

		task, err := client.Status(id)
		assert.NoError(t, err)
		assert.Equal(t, "reporter", task.TargetAgent)
	})

	t.Run("ExplicitOptionsWin", func(t *testing.T) {
		id, err := client.Submit("scorer", "score", nil,
			models.WithSourceAgent("cli"),
			models.WithPriority(models.HighPriority))
		assert.NoError(t, err)

		task, err := client.Status(id)
		assert.NoError(t, err)
		assert.Equal(t, "cli", task.SourceAgent)
		assert.Equal(t, models.HighPriority, task.Priority)
	})

	t.Run("TypelessClientNeedsTarget", func(t *testing.T) {
		driver := service.NewAgentClient(qm, "", logger{})
		_, err := driver.Submit("", "score", nil)
		assert.Error(t, err)
	})
}

func TestAgentClient_WaitForCompletion(t *testing.T) {
	qm := newQueue(t)

	registry := service.NewAgentRegistry()
	assert.NoError(t, registry.Register("scorer", service.OperationMap{
		"score": func(ctx context.Context, params models.Params) (models.Params, error) {
			return models.Params{"score": float64(5)}, nil
		},
	}))
	startPool(t, qm, registry)

	client := service.NewAgentClient(qm, "reporter", logger{},
		service.WithClientPollInterval(10*time.Millisecond))

	ids, err := client.SubmitBatch("scorer", "score", []models.Params{
		{"doc_id": float64(1)},
		{"doc_id": float64(2)},
	})
	assert.NoError(t, err)

	tasks, err := client.WaitForCompletion(context.Background(), ids, 5*time.Second)
	assert.NoError(t, err)
	assert.Len(t, tasks, 2)
	for _, id := range ids {
		assert.Equal(t, models.CompletedTaskStatus, tasks[id].Status)
		assert.Equal(t, models.Params{"score": float64(5)}, tasks[id].Result)
	}
}

func TestAgentClient_WaitForCompletionTimeout(t *testing.T) {
	qm := newQueue(t)
	client := service.NewAgentClient(qm, "reporter", logger{},
		service.WithClientPollInterval(5*time.Millisecond))

	// Nothing consumes the queue; the task stays PENDING.
	id, err := client.Submit("scorer", "score", nil)
	assert.NoError(t, err)

	tasks, err := client.WaitForCompletion(context.Background(), []string{id}, 50*time.Millisecond)
	assert.True(t, errors.Is(err, service.ErrWaitTimeout))
	assert.Equal(t, models.PendingTaskStatus, tasks[id].Status)
}

func TestAgentClient_QueueStats(t *testing.T) {
	qm := newQueue(t)
	client := service.NewAgentClient(qm, "scorer", logger{})

	_, err := client.Submit("", "score", nil)
	assert.NoError(t, err)
	_, err = client.Submit("reporter", "synthesize", nil)
	assert.NoError(t, err)

	counts, err := client.QueueStats()
	assert.NoError(t, err)
	assert.Equal(t, map[models.TaskStatus]int{models.PendingTaskStatus: 1}, counts)
}
