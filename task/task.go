// Package task defines the task model, its persistence, and the state
// machine that owns every lifecycle transition.
package task

import "time"

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusOngoing   Status = "ongoing"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusGivenUp   Status = "given_up"
)

// Terminal reports whether no further lifecycle transitions apply.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusGivenUp
}

// Action identifies a lifecycle transition recorded in history.
type Action string

const (
	ActionCreated   Action = "created"
	ActionCompleted Action = "completed"
	ActionGivenUp   Action = "given_up"
	ActionPaused    Action = "paused"
	ActionResumed   Action = "resumed"
	ActionSnoozed   Action = "snoozed"
)

// HistoryEntry is one appended record of a lifecycle transition.
// Entries are never mutated or removed.
type HistoryEntry struct {
	ID             string    `json:"id"`
	Action         Action    `json:"action"`
	By             string    `json:"by"` // user ID
	At             time.Time `json:"at"`
	Reason         string    `json:"reason,omitempty"`
	PreviousStatus Status    `json:"previous_status,omitempty"`
}

// Task is a time-boxed unit of work with an absolute deadline.
type Task struct {
	ID          string   `json:"id"`
	UserID      string   `json:"user_id"`
	ProjectID   string   `json:"project_id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    int      `json:"priority"`
	Tags        []string `json:"tags,omitempty"`

	Status Status `json:"status"`

	StartsAt         time.Time  `json:"starts_at"`
	EndsAt           time.Time  `json:"ends_at"`
	OriginalDuration int64      `json:"original_duration"` // seconds, grows only by snooze
	TimeSpentSeconds int64      `json:"time_spent_seconds"`
	PausedAt         *time.Time `json:"paused_at,omitempty"` // set iff Status == paused
	PausedDuration   int64      `json:"paused_duration"`     // cumulative seconds paused
	SnoozeUntil      *time.Time `json:"snooze_until,omitempty"`

	CanPause  bool `json:"can_pause"`
	CanSnooze bool `json:"can_snooze"`

	History []HistoryEntry `json:"history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RemainingSeconds is the derived countdown value: seconds until the
// deadline for a live (ongoing, unpaused) task, zero otherwise.
// Never persisted.
func (t *Task) RemainingSeconds(now time.Time) int64 {
	if t.Status != StatusOngoing || t.PausedAt != nil {
		return 0
	}
	rem := t.EndsAt.Sub(now).Milliseconds() / 1000
	if rem < 0 {
		return 0
	}
	return rem
}

// IsOverdue reports whether an ongoing task has passed its deadline.
func (t *Task) IsOverdue(now time.Time) bool {
	return t.Status == StatusOngoing && now.After(t.EndsAt)
}

// TimeSpent returns committed elapsed time plus the in-flight session for
// a live task, net of time spent paused, clamped to zero. Completing or
// giving up commits this value into TimeSpentSeconds permanently.
func (t *Task) TimeSpent(now time.Time) int64 {
	spent := t.TimeSpentSeconds
	switch {
	case t.Status == StatusOngoing && t.PausedAt == nil:
		spent += now.Sub(t.StartsAt).Milliseconds()/1000 - t.PausedDuration
	case t.Status == StatusPaused && t.PausedAt != nil:
		// The open pause interval is not yet in PausedDuration, so the
		// session is measured up to the moment it was paused.
		spent += t.PausedAt.Sub(t.StartsAt).Milliseconds()/1000 - t.PausedDuration
	}
	if spent < 0 {
		return 0
	}
	return spent
}
