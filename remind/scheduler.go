package remind

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tempusd/tempus/event"
	"github.com/tempusd/tempus/notify"
	"github.com/tempusd/tempus/task"
	"github.com/tempusd/tempus/timeauth"
)

// warningOffsets are the minutes-before-deadline marks that get a
// warning job, largest first.
var warningOffsets = []int{5, 1}

// Scheduler keys reminder jobs to a task's current deadline. Scheduling
// is best-effort relative to the state machine: a queue failure is
// logged, never surfaced to the transition that triggered it. The fire
// handler re-reads the task, so stale jobs go quiet on their own.
type Scheduler struct {
	queue      Queue
	store      task.Store
	clock      timeauth.Clock
	dispatcher notify.Dispatcher
	logger     *slog.Logger
}

// NewScheduler wires the scheduler to its collaborators.
func NewScheduler(queue Queue, store task.Store, clock timeauth.Clock, dispatcher notify.Dispatcher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		queue:      queue,
		store:      store,
		clock:      clock,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// ScheduleForDeadline replaces all reminder jobs for the task with a
// fresh set derived from endsAt: one deadline job plus a warning job per
// offset still in the future. Past-due warning jobs are skipped, and the
// deadline job is only enqueued while the deadline itself has not passed.
func (s *Scheduler) ScheduleForDeadline(taskID, userID string, endsAt time.Time) error {
	s.CancelTask(taskID)

	now := s.clock.Now()
	var errs []error

	if endsAt.After(now) {
		errs = append(errs, s.queue.Enqueue(Job{
			ID:      JobID(taskID, KindDeadline, 0),
			TaskID:  taskID,
			UserID:  userID,
			Kind:    KindDeadline,
			FiresAt: endsAt,
		}))
	}
	for _, offset := range warningOffsets {
		firesAt := endsAt.Add(-time.Duration(offset) * time.Minute)
		if !firesAt.After(now) {
			continue
		}
		errs = append(errs, s.queue.Enqueue(Job{
			ID:            JobID(taskID, KindWarning, offset),
			TaskID:        taskID,
			UserID:        userID,
			Kind:          KindWarning,
			OffsetMinutes: offset,
			FiresAt:       firesAt,
		}))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("schedule reminders for task %s: %w", taskID, err)
	}
	return nil
}

// SchedulePomodoro enqueues a focus-session reminder firing after the
// given duration.
func (s *Scheduler) SchedulePomodoro(taskID, userID string, durationSeconds int64) error {
	if durationSeconds <= 0 {
		return fmt.Errorf("schedule pomodoro for task %s: non-positive duration", taskID)
	}
	return s.queue.Enqueue(Job{
		ID:              JobID(taskID, KindPomodoro, 0),
		TaskID:          taskID,
		UserID:          userID,
		Kind:            KindPomodoro,
		DurationSeconds: durationSeconds,
		FiresAt:         s.clock.Now().Add(time.Duration(durationSeconds) * time.Second),
	})
}

// CancelTask removes every pending job for the task. Cancelling jobs
// that were never scheduled is a no-op.
func (s *Scheduler) CancelTask(taskID string) {
	s.queue.Cancel(JobID(taskID, KindDeadline, 0))
	for _, offset := range warningOffsets {
		s.queue.Cancel(JobID(taskID, KindWarning, offset))
	}
	s.queue.Cancel(JobID(taskID, KindPomodoro, 0))
}

// HandleFire is the job handler: it re-reads the task and notifies only
// if the task is still ongoing at fire time. This is the exactly-once-
// effective guarantee — scheduling may leave stale jobs behind, but
// dispatch requires a live task.
func (s *Scheduler) HandleFire(ctx context.Context, job Job) {
	t, err := s.store.Get(job.TaskID)
	if err != nil {
		if !errors.Is(err, task.ErrNotFound) {
			s.logger.Error("reminder liveness check",
				slog.String("job_id", job.ID), slog.Any("err", err))
		}
		return
	}
	if t.Status != task.StatusOngoing {
		s.logger.Debug("reminder skipped, task no longer ongoing",
			slog.String("job_id", job.ID),
			slog.String("status", string(t.Status)))
		return
	}

	n := buildNotification(job, t.Title)
	if err := s.dispatcher.Notify(ctx, job.UserID, n); err != nil {
		s.logger.Warn("reminder dispatch",
			slog.String("job_id", job.ID), slog.Any("err", err))
	}
}

// Subscribe attaches the scheduler to the task event stream: deadlines
// gaining jobs on create/snooze/resume, losing them when the task leaves
// the ongoing state or is deleted.
func (s *Scheduler) Subscribe(bus event.Bus) (unsubscribe func()) {
	return bus.Subscribe(func(_ context.Context, ev event.TaskEvent) error {
		switch ev.Action {
		case "created", "snoozed", "resumed":
			if err := s.ScheduleForDeadline(ev.TaskID, ev.UserID, ev.EndsAt); err != nil {
				s.logger.Error("reschedule reminders",
					slog.String("task_id", ev.TaskID), slog.Any("err", err))
			}
		case "completed", "given_up", "deleted":
			s.CancelTask(ev.TaskID)
		}
		return nil
	})
}

func buildNotification(job Job, title string) notify.Notification {
	n := notify.Notification{
		Kind:    string(job.Kind),
		TaskID:  job.TaskID,
		Urgency: notify.UrgencyNormal,
	}
	switch job.Kind {
	case KindDeadline:
		n.Title = "time's up"
		n.Body = fmt.Sprintf("%q has reached its deadline.", title)
		n.Urgency = notify.UrgencyHigh
	case KindWarning:
		n.Title = fmt.Sprintf("%d minutes left", job.OffsetMinutes)
		if job.OffsetMinutes == 1 {
			n.Title = "1 minute left"
		}
		n.Body = fmt.Sprintf("%q is due soon.", title)
	case KindPomodoro:
		n.Title = "focus session finished"
		n.Body = fmt.Sprintf("Your focus session on %q is over. Take a break.", title)
	}
	return n
}
