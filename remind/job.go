// Package remind schedules delayed reminder jobs keyed to task deadlines
// and fires them through a liveness check so a stale job never notifies.
package remind

import (
	"fmt"
	"time"
)

// Kind identifies what a reminder job announces.
type Kind string

const (
	KindDeadline Kind = "deadline"
	KindWarning  Kind = "warning"
	KindPomodoro Kind = "pomodoro"
)

// Job is one scheduled, cancellable reminder. Jobs are not user-visible;
// only the Scheduler creates and cancels them.
type Job struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"task_id"`
	UserID          string    `json:"user_id"`
	Kind            Kind      `json:"kind"`
	OffsetMinutes   int       `json:"offset_minutes,omitempty"`   // warning jobs
	DurationSeconds int64     `json:"duration_seconds,omitempty"` // pomodoro jobs
	FiresAt         time.Time `json:"fires_at"`
}

// JobID derives the deterministic job identity from (task, kind, offset).
// Re-scheduling under the same identity replaces rather than duplicates.
func JobID(taskID string, kind Kind, offsetMinutes int) string {
	if kind == KindWarning {
		return fmt.Sprintf("%s:%s:%d", taskID, kind, offsetMinutes)
	}
	return fmt.Sprintf("%s:%s", taskID, kind)
}

// Queue is the delayed-job backend. Enqueue is idempotent: a job with an
// existing ID replaces the prior one. Cancel of an unknown ID is a no-op.
type Queue interface {
	Enqueue(job Job) error
	Cancel(id string) bool
	Get(id string) (Job, bool)
}
