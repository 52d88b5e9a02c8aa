package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hherb/bmlibrarian-orchestrator/pkg/models"
	"github.com/hherb/bmlibrarian-orchestrator/pkg/storage"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	source_agent TEXT NOT NULL DEFAULT '',
	target_agent TEXT NOT NULL,
	operation    TEXT NOT NULL,
	parameters   TEXT,
	status       TEXT NOT NULL DEFAULT 'PENDING',
	priority     INTEGER NOT NULL DEFAULT 5,
	result       TEXT,
	error_msg    TEXT NOT NULL DEFAULT '',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	max_retries  INTEGER NOT NULL DEFAULT 3,
	created_at   TIMESTAMP NOT NULL,
	available_at TIMESTAMP NOT NULL,
	started_at   TIMESTAMP,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim
	ON tasks (target_agent, status, priority, created_at);
`

// SQLiteStore is the embedded Task Store. It is the default backend: a single
// process gets durable, transactional task records without running a server.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store at path.
// WAL mode and a busy timeout keep the claim path usable under concurrent
// callers; a single connection serializes writers so claims never observe
// SQLITE_BUSY.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storage.Wrap("create db directory", err)
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_loc=UTC", path)
	return openSQLite(dsn)
}

// NewMemorySQLiteStore opens a throwaway in-memory store for tests. Each call
// gets its own namespace so parallel tests do not share state.
func NewMemorySQLiteStore() (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000&_loc=UTC", uuid.NewString())
	return openSQLite(dsn)
}

func openSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, storage.Wrap("open sqlite", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, storage.Wrap("init schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertTask(t *models.Task) error {
	_, err := s.db.NamedExec(`
		INSERT INTO tasks (id, source_agent, target_agent, operation, parameters, status, priority,
			error_msg, retry_count, max_retries, created_at, available_at)
		VALUES (:id, :source_agent, :target_agent, :operation, :parameters, :status, :priority,
			:error_msg, :retry_count, :max_retries, :created_at, :available_at)`, t)
	return storage.Wrap("insert task", err)
}

func (s *SQLiteStore) InsertTasks(ts []*models.Task) error {
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

// ClaimNext selects and marks the next eligible task in one UPDATE, so a task
// can never be handed to two claimers. SQLite executes the statement
// atomically; the subquery orders by priority then arrival.
func (s *SQLiteStore) ClaimNext(targetAgent string, now time.Time) (*models.Task, error) {
	var task models.Task
	err := s.db.QueryRowx(`
		UPDATE tasks
		SET status = ?, started_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = ? AND target_agent = ? AND available_at <= ?
			ORDER BY priority DESC, created_at ASC
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

func (s *SQLiteStore) MarkCompleted(id string, result models.Params, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, result = ?, error_msg = '', completed_at = ?
		WHERE id = ? AND status = ?`,
		models.CompletedTaskStatus, result, at.UTC(), id, models.ProcessingTaskStatus)
	return s.checkTransition("mark completed", id, res, err)
}

func (s *SQLiteStore) MarkFailed(id string, errMsg string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, error_msg = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		models.FailedTaskStatus, errMsg, at.UTC(), id, models.ProcessingTaskStatus)
	return s.checkTransition("mark failed", id, res, err)
}

func (s *SQLiteStore) RequeueForRetry(id string, errMsg string, retryCount int, availableAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, error_msg = ?, retry_count = ?, available_at = ?, started_at = NULL
		WHERE id = ? AND status = ?`,
		models.PendingTaskStatus, errMsg, retryCount, availableAt.UTC(), id, models.ProcessingTaskStatus)
	return s.checkTransition("requeue for retry", id, res, err)
}

// checkTransition distinguishes a missing task from an illegal transition when
// a guarded UPDATE matched no rows.
func (s *SQLiteStore) checkTransition(op, id string, res sql.Result, err error) error {
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

func (s *SQLiteStore) GetTask(id string) (models.Task, error) {
	var task models.Task
	err := s.db.Get(&task, "SELECT * FROM tasks WHERE id = ?", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, storage.Wrap("get task", err)
	}
	return task, nil
}

func (s *SQLiteStore) Stats(targetAgent string) (storage.StatusCounts, error) {
	query := "SELECT status, COUNT(*) AS n FROM tasks"
	args := []any{}
	if targetAgent != "" {
		query += " WHERE target_agent = ?"
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

func (s *SQLiteStore) PurgeTerminal(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM tasks
		WHERE status IN (?, ?) AND completed_at < ?`,
		models.CompletedTaskStatus, models.FailedTaskStatus, olderThan.UTC())
	if err != nil {
		return 0, storage.Wrap("purge terminal tasks", err)
	}
	n, err := res.RowsAffected()
	return n, storage.Wrap("purge terminal tasks", err)
}

func (s *SQLiteStore) ResetOrphaned() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, started_at = NULL
		WHERE status = ?`,
		models.PendingTaskStatus, models.ProcessingTaskStatus)
	if err != nil {
		return 0, storage.Wrap("reset orphaned tasks", err)
	}
	n, err := res.RowsAffected()
	return n, storage.Wrap("reset orphaned tasks", err)
}
