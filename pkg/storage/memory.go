package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/hherb/bmlibrarian-orchestrator/pkg/models"
)

// memoryStore implements Store with in-memory state. The mutex stands in for
// the transactional boundary of the durable stores, which makes it suitable
// for unit tests and throwaway pipelines but not for crash recovery.
type memoryStore struct {
	mu    sync.Mutex
	tasks map[string]models.Task
	seq   int64 // Arrival order tiebreaker for identical CreatedAt values
	order map[string]int64
}

// NewMemoryStore returns a Store backed by process memory.
func NewMemoryStore() Store {
	return &memoryStore{
		tasks: make(map[string]models.Task),
		order: make(map[string]int64),
	}
}

func (m *memoryStore) InsertTask(t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(t)
	return nil
}

func (m *memoryStore) InsertTasks(ts []*models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range ts {
		m.insertLocked(t)
	}
	return nil
}

func (m *memoryStore) insertLocked(t *models.Task) {
	m.seq++
	m.order[t.ID] = m.seq
	m.tasks[t.ID] = *t
}

func (m *memoryStore) ClaimNext(targetAgent string, now time.Time) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var eligible []models.Task
	for _, t := range m.tasks {
		if t.Status == models.PendingTaskStatus && t.TargetAgent == targetAgent && !t.AvailableAt.After(now) {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return m.order[eligible[i].ID] < m.order[eligible[j].ID]
	})

	claimed := eligible[0]
	startedAt := now
	claimed.Status = models.ProcessingTaskStatus
	claimed.StartedAt = &startedAt
	m.tasks[claimed.ID] = claimed
	return &claimed, nil
}

func (m *memoryStore) MarkCompleted(id string, result models.Params, at time.Time) error {
	return m.finalize(id, func(t *models.Task) {
		t.Status = models.CompletedTaskStatus
		t.Result = result
		t.ErrorMsg = ""
		t.CompletedAt = &at
	})
}

func (m *memoryStore) MarkFailed(id string, errMsg string, at time.Time) error {
	return m.finalize(id, func(t *models.Task) {
		t.Status = models.FailedTaskStatus
		t.ErrorMsg = errMsg
		t.CompletedAt = &at
	})
}

func (m *memoryStore) RequeueForRetry(id string, errMsg string, retryCount int, availableAt time.Time) error {
	return m.finalize(id, func(t *models.Task) {
		t.Status = models.PendingTaskStatus
		t.ErrorMsg = errMsg
		t.RetryCount = retryCount
		t.AvailableAt = availableAt
	})
}

// finalize applies a transition to a task that must currently be PROCESSING.
func (m *memoryStore) finalize(id string, apply func(*models.Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != models.ProcessingTaskStatus {
		return ErrNotClaimed
	}
	apply(&t)
	m.tasks[id] = t
	return nil
}

func (m *memoryStore) GetTask(id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *memoryStore) Stats(targetAgent string) (StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := StatusCounts{}
	for _, t := range m.tasks {
		if targetAgent != "" && t.TargetAgent != targetAgent {
			continue
		}
		counts[t.Status]++
	}
	return counts, nil
}

func (m *memoryStore) PurgeTerminal(olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for id, t := range m.tasks {
		if t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(olderThan) {
			delete(m.tasks, id)
			delete(m.order, id)
			purged++
		}
	}
	return purged, nil
}

func (m *memoryStore) ResetOrphaned() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reset int64
	for id, t := range m.tasks {
		if t.Status == models.ProcessingTaskStatus {
			t.Status = models.PendingTaskStatus
			t.StartedAt = nil
			m.tasks[id] = t
			reset++
		}
	}
	return reset, nil
}

func (m *memoryStore) Close() error {
	return nil
}
