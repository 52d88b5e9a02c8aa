package storage

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/hherb/bmlibrarian-orchestrator/pkg/models"
	"github.com/hherb/bmlibrarian-orchestrator/pkg/storage"
)

// PostgresStore is the Task Store for multi-process deployments where several
// orchestrator instances share one queue. The schema is managed by the
// bmlorch-migrate command.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, storage.Wrap("open postgres", err)
	}
	if err := db.Ping(); err != nil {
		return nil, storage.Wrap("ping postgres", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) InsertTask(t *models.Task) error {
	_, err := s.db.NamedExec(`
		INSERT INTO tasks (id, source_agent, target_agent, operation, parameters, status, priority,
			error_msg, retry_count, max_retries, created_at, available_at)
		VALUES (:id, :source_agent, :target_agent, :operation, :parameters, :status, :priority,
			:error_msg, :retry_count, :max_retries, :created_at, :available_at)`, t)
	return storage.Wrap("insert task", err)
}

func (s *PostgresStore) InsertTasks(ts []*models.Task) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return storage.Wrap("begin insert batch", err)
	}
	for _, t := range ts {
		if _, err := tx.NamedExec(`
			INSERT INTO tasks (id, source_agent, target_agent, operation, parameters, status, priority,
				error_msg, retry_count, max_retries, created_at, available_at)
			VALUES (:id, :source_agent, :target_agent, :operation, :parameters, :status, :priority,
				:error_msg, :retry_count, :max_retries, :created_at, :available_at)`, t); err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				return storage.Wrap("rollback insert batch", rollbackErr)
			}
			return storage.Wrap("insert task batch", err)
		}
	}
	return storage.Wrap("commit insert batch", tx.Commit())
}

// ClaimNext uses FOR UPDATE SKIP LOCKED so concurrent claimers each lock a
// different candidate row instead of serializing on the head of the queue.
func (s *PostgresStore) ClaimNext(targetAgent string, now time.Time) (*models.Task, error) {
	var task models.Task
	err := s.db.QueryRowx(`
		UPDATE tasks
		SET status = $1, started_at = $2
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = $3 AND target_agent = $4 AND available_at <= $5
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING *`,
		models.ProcessingTaskStatus, now.UTC(),
		models.PendingTaskStatus, targetAgent, now.UTC()).StructScan(&task)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Wrap("claim next task", err)
	}
	return &task, nil
}

func (s *PostgresStore) MarkCompleted(id string, result models.Params, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = $1, result = $2, error_msg = '', completed_at = $3
		WHERE id = $4 AND status = $5`,
		models.CompletedTaskStatus, result, at.UTC(), id, models.ProcessingTaskStatus)
	return s.checkTransition("mark completed", id, res, err)
}

func (s *PostgresStore) MarkFailed(id string, errMsg string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = $1, error_msg = $2, completed_at = $3
		WHERE id = $4 AND status = $5`,
		models.FailedTaskStatus, errMsg, at.UTC(), id, models.ProcessingTaskStatus)
	return s.checkTransition("mark failed", id, res, err)
}

func (s *PostgresStore) RequeueForRetry(id string, errMsg string, retryCount int, availableAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = $1, error_msg = $2, retry_count = $3, available_at = $4, started_at = NULL
		WHERE id = $5 AND status = $6`,
		models.PendingTaskStatus, errMsg, retryCount, availableAt.UTC(), id, models.ProcessingTaskStatus)
	return s.checkTransition("requeue for retry", id, res, err)
}

func (s *PostgresStore) checkTransition(op, id string, res sql.Result, err error) error {
	if err != nil {
		return storage.Wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Wrap(op, err)
	}
	if n == 0 {
		if _, getErr := s.GetTask(id); getErr != nil {
			return getErr
		}
		return storage.ErrNotClaimed
	}
	return nil
}

func (s *PostgresStore) GetTask(id string) (models.Task, error) {
	var task models.Task
	err := s.db.Get(&task, "SELECT * FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, storage.Wrap("get task", err)
	}
	return task, nil
}

func (s *PostgresStore) Stats(targetAgent string) (storage.StatusCounts, error) {
	query := "SELECT status, COUNT(*) AS n FROM tasks"
	args := []any{}
	if targetAgent != "" {
		query += " WHERE target_agent = $1"
		args = append(args, targetAgent)
	}
	query += " GROUP BY status"

	rows := []struct {
		Status models.TaskStatus `db:"status"`
		N      int               `db:"n"`
	}{}
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, storage.Wrap("stats", err)
	}
	counts := storage.StatusCounts{}
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

func (s *PostgresStore) PurgeTerminal(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM tasks
		WHERE status IN ($1, $2) AND completed_at < $3`,
		models.CompletedTaskStatus, models.FailedTaskStatus, olderThan.UTC())
	if err != nil {
		return 0, storage.Wrap("purge terminal tasks", err)
	}
	n, err := res.RowsAffected()
	return n, storage.Wrap("purge terminal tasks", err)
}

func (s *PostgresStore) ResetOrphaned() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = $1, started_at = NULL
		WHERE status = $2`,
		models.PendingTaskStatus, models.ProcessingTaskStatus)
	if err != nil {
		return 0, storage.Wrap("reset orphaned tasks", err)
	}
	n, err := res.RowsAffected()
	return n, storage.Wrap("reset orphaned tasks", err)
}
