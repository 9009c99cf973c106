package task

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// Store persists and retrieves tasks. Lifecycle writers must use
// UpdateGuarded so concurrent transitions linearize through the stored
// status; plain Update is reserved for non-lifecycle fields.
type Store interface {
	// Create persists a new task and returns its assigned ID.
	Create(t *Task) (string, error)

	// Get retrieves a task by ID. Returns ErrNotFound if absent.
	Get(id string) (*Task, error)

	// Update saves non-lifecycle field changes (title, description,
	// priority, tags) without touching status, timing, or history.
	Update(t *Task) error

	// UpdateGuarded saves the whole task, including the history append,
	// only if the stored status still equals expected. Returns
	// ErrConflict when another transition committed first.
	UpdateGuarded(t *Task, expected Status) error

	// List returns tasks matching the given filter.
	List(filter Filter) ([]*Task, error)

	// Delete removes a task by ID.
	Delete(id string) error
}

// Filter controls which tasks are returned by List.
type Filter struct {
	UserID    string  `json:"user_id,omitempty"`
	Status    *Status `json:"status,omitempty"`
	ProjectID string  `json:"project_id,omitempty"`
	Limit     int     `json:"limit,omitempty"`
	Offset    int     `json:"offset,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	project_id         TEXT NOT NULL DEFAULT '',
	title              TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	priority           INTEGER NOT NULL DEFAULT 0,
	tags               TEXT NOT NULL DEFAULT '[]',
	status             TEXT NOT NULL,
	starts_at          DATETIME NOT NULL,
	ends_at            DATETIME NOT NULL,
	original_duration  INTEGER NOT NULL,
	time_spent_seconds INTEGER NOT NULL DEFAULT 0,
	paused_at          DATETIME,
	paused_duration    INTEGER NOT NULL DEFAULT 0,
	snooze_until       DATETIME,
	can_pause          INTEGER NOT NULL DEFAULT 1,
	can_snooze         INTEGER NOT NULL DEFAULT 1,
	history            TEXT NOT NULL DEFAULT '[]',
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_user_status ON tasks(user_id, status);
`

// SQLiteStore persists tasks in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the tasks table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create persists a new task and sets its ID, CreatedAt, and UpdatedAt.
func (s *SQLiteStore) Create(t *Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	tags, _ := json.Marshal(t.Tags)
	history, _ := json.Marshal(t.History)

	_, err := s.db.Exec(`
		INSERT INTO tasks
			(id, user_id, project_id, title, description, priority, tags, status,
			 starts_at, ends_at, original_duration, time_spent_seconds,
			 paused_at, paused_duration, snooze_until, can_pause, can_snooze,
			 history, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.UserID, t.ProjectID, t.Title, t.Description, t.Priority,
		string(tags), string(t.Status),
		t.StartsAt, t.EndsAt, t.OriginalDuration, t.TimeSpentSeconds,
		nullTime(t.PausedAt), t.PausedDuration, nullTime(t.SnoozeUntil),
		t.CanPause, t.CanSnooze,
		string(history), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT * FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// Update saves non-lifecycle field changes, updating UpdatedAt.
func (s *SQLiteStore) Update(t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	tags, _ := json.Marshal(t.Tags)

	res, err := s.db.Exec(`
		UPDATE tasks SET
			title=?, description=?, priority=?, tags=?, project_id=?, updated_at=?
		WHERE id=?`,
		t.Title, t.Description, t.Priority, string(tags), t.ProjectID,
		t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return s.checkAffected(res, t.ID)
}

// UpdateGuarded commits a lifecycle transition. The WHERE clause matches
// the expected previous status, so the write is a compare-and-swap: the
// history append rides in the same statement and cannot be lost to a
// concurrent transition.
func (s *SQLiteStore) UpdateGuarded(t *Task, expected Status) error {
	t.UpdatedAt = time.Now().UTC()
	tags, _ := json.Marshal(t.Tags)
	history, _ := json.Marshal(t.History)

	res, err := s.db.Exec(`
		UPDATE tasks SET
			title=?, description=?, priority=?, tags=?, project_id=?, status=?,
			starts_at=?, ends_at=?, original_duration=?, time_spent_seconds=?,
			paused_at=?, paused_duration=?, snooze_until=?, history=?, updated_at=?
		WHERE id=? AND status=?`,
		t.Title, t.Description, t.Priority, string(tags), t.ProjectID, string(t.Status),
		t.StartsAt, t.EndsAt, t.OriginalDuration, t.TimeSpentSeconds,
		nullTime(t.PausedAt), t.PausedDuration, nullTime(t.SnoozeUntil),
		string(history), t.UpdatedAt,
		t.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update task guarded: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a vanished task from a lost race.
		if _, err := s.Get(t.ID); err != nil {
			return err
		}
		return fmt.Errorf("task %s: expected status %s: %w", t.ID, expected, ErrConflict)
	}
	return nil
}

// List returns tasks matching the filter, newest deadline last.
func (s *SQLiteStore) List(filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT * FROM tasks WHERE 1=1")
	args := []any{}

	if filter.UserID != "" {
		q.WriteString(" AND user_id=?")
		args = append(args, filter.UserID)
	}
	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.ProjectID != "" {
		q.WriteString(" AND project_id=?")
		args = append(args, filter.ProjectID)
	}
	q.WriteString(" ORDER BY ends_at ASC, created_at ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Delete removes a task by ID.
func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM tasks WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return s.checkAffected(res, id)
}

func (s *SQLiteStore) checkAffected(res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, tagsJSON, historyJSON string
	var pausedAt, snoozeUntil sql.NullTime

	err := s.Scan(
		&t.ID, &t.UserID, &t.ProjectID, &t.Title, &t.Description, &t.Priority,
		&tagsJSON, &status,
		&t.StartsAt, &t.EndsAt, &t.OriginalDuration, &t.TimeSpentSeconds,
		&pausedAt, &t.PausedDuration, &snoozeUntil,
		&t.CanPause, &t.CanSnooze,
		&historyJSON, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	_ = json.Unmarshal([]byte(tagsJSON), &t.Tags)
	_ = json.Unmarshal([]byte(historyJSON), &t.History)

	if pausedAt.Valid {
		at := pausedAt.Time
		t.PausedAt = &at
	}
	if snoozeUntil.Valid {
		su := snoozeUntil.Time
		t.SnoozeUntil = &su
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
