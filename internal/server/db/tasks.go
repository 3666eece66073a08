package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Task statuses. A task moves pending -> active -> completed or failed; a
// retriable failure moves it back to pending until attempts run out.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var ErrTaskDuplicate = errors.New("task already exists")

// Task is one queued verification run.
type Task struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Request   []byte    `json:"request"`
	Result    []byte    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateTask inserts a new pending task.
func (s *Store) CreateTask(t *Task) error {
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, status, request) VALUES (?, ?, ?)`,
		t.ID, StatusPending, t.Request,
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return ErrTaskDuplicate
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. A missing task returns (nil, nil).
func (s *Store) GetTask(id string) (*Task, error) {
	t := &Task{}
	err := s.db.QueryRow(
		`SELECT id, status, request, result, error, attempts, created_at, updated_at
			FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.Status, &t.Request, &t.Result, &t.Error, &t.Attempts, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks() ([]Task, error) {
	rows, err := s.db.Query(
		`SELECT id, status, request, result, error, attempts, created_at, updated_at
			FROM tasks ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Status, &t.Request, &t.Result, &t.Error,
			&t.Attempts, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimNext atomically moves the oldest pending task to active and returns
// it. No pending tasks returns (nil, nil).
func (s *Store) ClaimNext() (*Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	t := &Task{}
	err = tx.QueryRow(
		`SELECT id, status, request, result, error, attempts, created_at, updated_at
			FROM tasks WHERE status = ? ORDER BY created_at, id LIMIT 1`, StatusPending,
	).Scan(&t.ID, &t.Status, &t.Request, &t.Result, &t.Error, &t.Attempts, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select pending task: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE tasks SET status = ?, attempts = attempts + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`, StatusActive, t.ID,
	); err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	t.Status = StatusActive
	t.Attempts++
	return t, nil
}

// CompleteTask stores the result and marks the task completed.
func (s *Store) CompleteTask(id string, result []byte) error {
	if _, err := s.db.Exec(
		`UPDATE tasks SET status = ?, result = ?, error = '', updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`, StatusCompleted, result, id,
	); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// FailTask records the error. Tasks with attempts left go back to pending;
// exhausted ones are marked failed.
func (s *Store) FailTask(id, message string, maxAttempts int) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND attempts < ?`, StatusPending, message, id, maxAttempts,
	)
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.db.Exec(
		`UPDATE tasks SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`, StatusFailed, message, id,
	); err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}
