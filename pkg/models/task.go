package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type TaskStatus string

const (
	PendingTaskStatus    TaskStatus = "PENDING"
	ProcessingTaskStatus TaskStatus = "PROCESSING"
	CompletedTaskStatus  TaskStatus = "COMPLETED"
	FailedTaskStatus     TaskStatus = "FAILED"
)

// Terminal reports whether a task in this status will never transition again.
func (s TaskStatus) Terminal() bool {
	return s == CompletedTaskStatus || s == FailedTaskStatus
}

// TaskPriority orders dispatch within one target agent's pending set.
// Higher values are claimed first; ties are broken by arrival order.
type TaskPriority int

const (
	LowPriority    TaskPriority = 1
	NormalPriority TaskPriority = 5
	HighPriority   TaskPriority = 8
	UrgentPriority TaskPriority = 10
)

// Params is a JSON-serializable parameter or result mapping. It round-trips
// through the database as a JSON text column.
type Params map[string]any

// Value implements driver.Valuer. A nil map maps to SQL NULL.
func (p Params) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (p *Params) Scan(src any) error {
	if src == nil {
		*p = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Params", src)
	}
	if len(b) == 0 {
		*p = nil
		return nil
	}
	return json.Unmarshal(b, p)
}

// Task is one unit of work addressed to a named agent.
type Task struct {
	ID          string       `json:"id" db:"id"`                               // UUID, immutable
	SourceAgent string       `json:"source_agent,omitempty" db:"source_agent"` // Creating agent, informational
	TargetAgent string       `json:"target_agent" db:"target_agent"`           // Which worker loop may claim this
	Operation   string       `json:"operation" db:"operation"`                 // Operation name on the target agent
	Parameters  Params       `json:"parameters" db:"parameters"`
	Status      TaskStatus   `json:"status" db:"status"`
	Priority    TaskPriority `json:"priority" db:"priority"`
	Result      Params       `json:"result,omitempty" db:"result"`   // Populated only on COMPLETED
	ErrorMsg    string       `json:"error,omitempty" db:"error_msg"` // Last failure description
	RetryCount  int          `json:"retry_count" db:"retry_count"`   // Failed attempts so far
	MaxRetries  int          `json:"max_retries" db:"max_retries"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	AvailableAt time.Time    `json:"available_at" db:"available_at"` // Not claimable before this (retry backoff)
	StartedAt   *time.Time   `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
}

// Succeeded reports the OK arm of the result envelope: a terminal task carries
// either a result (COMPLETED) or an error message (FAILED), never both.
func (t Task) Succeeded() bool {
	return t.Status == CompletedTaskStatus
}

// TaskConfig holds the optional enqueue settings.
type TaskConfig struct {
	Priority    TaskPriority
	SourceAgent string
	MaxRetries  int
}

type TaskOption func(*TaskConfig)

func WithPriority(p TaskPriority) TaskOption {
	return func(cfg *TaskConfig) { cfg.Priority = p }
}

func WithSourceAgent(agent string) TaskOption {
	return func(cfg *TaskConfig) { cfg.SourceAgent = agent }
}

func WithMaxRetries(n int) TaskOption {
	return func(cfg *TaskConfig) { cfg.MaxRetries = n }
}
