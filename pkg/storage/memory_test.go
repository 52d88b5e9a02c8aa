package storage_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/hherb/bmlibrarian-orchestrator/pkg/models"
	"github.com/hherb/bmlibrarian-orchestrator/pkg/storage"
)

func pendingTask(target string, priority models.TaskPriority, createdAt time.Time) *models.Task {
	return &models.Task{
		ID:          uuid.NewString(),
		TargetAgent: target,
		Operation:   "score",
		Status:      models.PendingTaskStatus,
		Priority:    priority,
		MaxRetries:  3,
		CreatedAt:   createdAt,
		AvailableAt: createdAt,
	}
}

func TestMemoryStore_ClaimOrdering(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	base := time.Now().UTC().Add(-time.Minute)

	low := pendingTask("scorer", models.LowPriority, base)
	urgent := pendingTask("scorer", models.UrgentPriority, base.Add(time.Second))
	assert.NoError(t, store.InsertTasks([]*models.Task{low, urgent}))

	claimed, err := store.ClaimNext("scorer", time.Now())
	assert.NoError(t, err)
	assert.Equal(t, urgent.ID, claimed.ID)
	assert.Equal(t, models.ProcessingTaskStatus, claimed.Status)

	claimed, err = store.ClaimNext("scorer", time.Now())
	assert.NoError(t, err)
	assert.Equal(t, low.ID, claimed.ID)

	claimed, err = store.ClaimNext("scorer", time.Now())
	assert.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestMemoryStore_ArrivalOrderBreaksCreatedAtTies(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	now := time.Now().UTC()

	first := pendingTask("scorer", models.NormalPriority, now)
	second := pendingTask("scorer", models.NormalPriority, now)
	assert.NoError(t, store.InsertTask(first))
	assert.NoError(t, store.InsertTask(second))

	claimed, err := store.ClaimNext("scorer", now.Add(time.Second))
	assert.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
}

func TestMemoryStore_TransitionGuards(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	now := time.Now().UTC()

	task := pendingTask("scorer", models.NormalPriority, now.Add(-time.Minute))
	assert.NoError(t, store.InsertTask(task))

	err := store.MarkCompleted(task.ID, models.Params{}, now)
	assert.ErrorIs(t, err, storage.ErrNotClaimed)
	err = store.MarkFailed("no-such-id", "boom", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	claimed, err := store.ClaimNext("scorer", now)
	assert.NoError(t, err)
	assert.Equal(t, task.ID, claimed.ID)

	assert.NoError(t, store.RequeueForRetry(task.ID, "transient", 1, now.Add(time.Hour)))
	got, err := store.GetTask(task.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.PendingTaskStatus, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	// Backoff gate: not claimable until availableAt passes.
	claimed, err = store.ClaimNext("scorer", now.Add(time.Minute))
	assert.NoError(t, err)
	assert.Nil(t, claimed)
	claimed, err = store.ClaimNext("scorer", now.Add(2*time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, task.ID, claimed.ID)
}

func TestMemoryStore_ResetAndPurge(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	now := time.Now().UTC()

	orphan := pendingTask("scorer", models.NormalPriority, now.Add(-time.Hour))
	done := pendingTask("scorer", models.NormalPriority, now.Add(-time.Hour))
	assert.NoError(t, store.InsertTasks([]*models.Task{orphan, done}))

	claimed, err := store.ClaimNext("scorer", now)
	assert.NoError(t, err)
	assert.NoError(t, store.MarkCompleted(claimed.ID, models.Params{}, now.Add(-30*time.Minute)))
	doneID := claimed.ID

	_, err = store.ClaimNext("scorer", now)
	assert.NoError(t, err)

	reset, err := store.ResetOrphaned()
	assert.NoError(t, err)
	assert.Equal(t, int64(1), reset)

	counts, err := store.Stats("scorer")
	assert.NoError(t, err)
	assert.Equal(t, storage.StatusCounts{
		models.PendingTaskStatus:   1,
		models.CompletedTaskStatus: 1,
	}, counts)

	purged, err := store.PurgeTerminal(now)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	_, err = store.GetTask(doneID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
