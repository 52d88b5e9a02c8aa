package storage

import (
	"fmt"
	"time"

	"github.com/hherb/bmlibrarian-orchestrator/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when no task matches the given ID.
var ErrNotFound = errors.New("task not found")

// ErrNotClaimed is returned when a terminal update targets a task that is not
// currently PROCESSING. Completing an already-terminal task is rejected rather
// than re-applied.
var ErrNotClaimed = errors.New("task is not claimed")

// StorageError marks a durable-store I/O failure. It is always surfaced to the
// caller; silently dropping a claim or update would break the at-least-once
// guarantee.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Wrap annotates a driver error as a StorageError; sentinel errors pass
// through untouched so callers can match them with errors.Is.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotClaimed) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// StatusCounts maps task status to the number of tasks in it.
type StatusCounts map[models.TaskStatus]int

// Store is the durable, transactional record store for tasks. ClaimNext must
// be safe under concurrent invocation: two callers never receive the same
// task. All cross-worker coordination happens through this boundary.
type Store interface {
	// InsertTask persists a new PENDING task.
	InsertTask(t *models.Task) error

	// InsertTasks persists many tasks in one transaction; partial failure
	// rolls back the whole batch.
	InsertTasks(ts []*models.Task) error

	// ClaimNext atomically selects the highest-priority, oldest PENDING task
	// for the target agent whose AvailableAt has passed, marks it PROCESSING
	// and stamps StartedAt. Returns (nil, nil) when nothing is eligible.
	ClaimNext(targetAgent string, now time.Time) (*models.Task, error)

	// MarkCompleted transitions a PROCESSING task to COMPLETED with a result.
	MarkCompleted(id string, result models.Params, at time.Time) error

	// MarkFailed transitions a PROCESSING task to terminal FAILED.
	MarkFailed(id string, errMsg string, at time.Time) error

	// RequeueForRetry moves a PROCESSING task back to PENDING with an
	// incremented retry count, claimable again at availableAt.
	RequeueForRetry(id string, errMsg string, retryCount int, availableAt time.Time) error

	// GetTask fetches a task by ID.
	GetTask(id string) (models.Task, error)

	// Stats returns status counts, optionally scoped to one target agent
	// (empty string means all agents).
	Stats(targetAgent string) (StatusCounts, error)

	// PurgeTerminal deletes COMPLETED/FAILED tasks that reached a terminal
	// state before the cutoff. Returns the number of rows removed.
	PurgeTerminal(olderThan time.Time) (int64, error)

	// ResetOrphaned moves every PROCESSING task back to PENDING. Run after a
	// crash: the store alone cannot tell "still running" from "orphaned".
	ResetOrphaned() (int64, error)

	Close() error
}
