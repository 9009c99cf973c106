package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tempusd/tempus/deadline"
	"github.com/tempusd/tempus/event"
	"github.com/tempusd/tempus/timeauth"

	"github.com/google/uuid"
)

// ResolveFunc resolves a free-text deadline spec relative to a reference
// time. Matches deadline.Resolver.Resolve.
type ResolveFunc func(input string, ref time.Time) (deadline.Resolution, error)

// Service is the task state machine. Every lifecycle transition goes
// through it; it owns elapsed-time accounting and publishes a TaskEvent
// for each committed transition.
type Service struct {
	store   Store
	clock   timeauth.Clock
	resolve ResolveFunc
	bus     event.Bus
	logger  *slog.Logger
}

// NewService wires the state machine to its collaborators.
func NewService(store Store, clock timeauth.Clock, resolve ResolveFunc, bus event.Bus, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		clock:   clock,
		resolve: resolve,
		bus:     bus,
		logger:  logger,
	}
}

// CreateRequest carries the fields accepted at task creation.
type CreateRequest struct {
	Title        string
	Description  string
	Priority     int
	Tags         []string
	ProjectID    string
	DeadlineSpec string // free text or explicit duration
	CanPause     bool
	CanSnooze    bool
}

// Create resolves the deadline spec and persists a new ongoing task with
// a single "created" history entry.
func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (*Task, error) {
	if req.Title == "" {
		return nil, validationErrorf("title is required")
	}
	if userID == "" {
		return nil, validationErrorf("user id is required")
	}

	now := s.clock.Now()
	res, err := s.resolve(req.DeadlineSpec, now)
	if err != nil {
		if errors.Is(err, deadline.ErrNotParseable) {
			return nil, validationErrorf("could not understand deadline %q", req.DeadlineSpec)
		}
		return nil, fmt.Errorf("resolve deadline: %w", err)
	}
	if res.Duration < deadline.MinDurationSeconds {
		return nil, validationErrorf("deadline must be at least %d seconds away", deadline.MinDurationSeconds)
	}

	t := &Task{
		UserID:           userID,
		ProjectID:        req.ProjectID,
		Title:            req.Title,
		Description:      req.Description,
		Priority:         req.Priority,
		Tags:             req.Tags,
		Status:           StatusOngoing,
		StartsAt:         now,
		EndsAt:           res.EndsAt,
		OriginalDuration: res.Duration,
		CanPause:         req.CanPause,
		CanSnooze:        req.CanSnooze,
		History: []HistoryEntry{{
			ID:     uuid.NewString(),
			Action: ActionCreated,
			By:     userID,
			At:     now,
		}},
	}
	if _, err := s.store.Create(t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	s.publish(ctx, t, string(ActionCreated), "")
	return t, nil
}

// Complete finishes a live or paused task, committing its elapsed time.
func (s *Service) Complete(ctx context.Context, taskID, userID string) (*Task, error) {
	return s.transition(ctx, taskID, userID, func(t *Task, now time.Time) (Action, string, error) {
		if t.Status.Terminal() {
			return "", "", fmt.Errorf("complete %s task: %w", t.Status, ErrInvalidTransition)
		}
		t.TimeSpentSeconds = t.TimeSpent(now)
		t.Status = StatusCompleted
		t.PausedAt = nil
		return ActionCompleted, "", nil
	})
}

// GiveUp abandons a live or paused task with an optional reason,
// committing its elapsed time.
func (s *Service) GiveUp(ctx context.Context, taskID, userID, reason string) (*Task, error) {
	return s.transition(ctx, taskID, userID, func(t *Task, now time.Time) (Action, string, error) {
		if t.Status.Terminal() {
			return "", "", fmt.Errorf("give up %s task: %w", t.Status, ErrInvalidTransition)
		}
		t.TimeSpentSeconds = t.TimeSpent(now)
		t.Status = StatusGivenUp
		t.PausedAt = nil
		return ActionGivenUp, reason, nil
	})
}

// Pause suspends an ongoing task's countdown.
func (s *Service) Pause(ctx context.Context, taskID, userID string) (*Task, error) {
	return s.transition(ctx, taskID, userID, func(t *Task, now time.Time) (Action, string, error) {
		if t.Status != StatusOngoing {
			return "", "", fmt.Errorf("pause %s task: %w", t.Status, ErrInvalidTransition)
		}
		if !t.CanPause {
			return "", "", fmt.Errorf("task is not pausable: %w", ErrInvalidTransition)
		}
		at := now
		t.PausedAt = &at
		t.Status = StatusPaused
		return ActionPaused, "", nil
	})
}

// Resume restarts a paused task, adding the closed pause interval to the
// cumulative paused duration.
func (s *Service) Resume(ctx context.Context, taskID, userID string) (*Task, error) {
	return s.transition(ctx, taskID, userID, func(t *Task, now time.Time) (Action, string, error) {
		if t.Status != StatusPaused || t.PausedAt == nil {
			return "", "", fmt.Errorf("resume %s task: %w", t.Status, ErrInvalidTransition)
		}
		t.PausedDuration += now.Sub(*t.PausedAt).Milliseconds() / 1000
		t.PausedAt = nil
		t.Status = StatusOngoing
		return ActionResumed, "", nil
	})
}

// Snooze extends an ongoing task's deadline by the given number of
// minutes. The original duration grows by the same amount; the deadline
// never moves earlier.
func (s *Service) Snooze(ctx context.Context, taskID, userID string, minutes int) (*Task, error) {
	if minutes < 1 {
		return nil, validationErrorf("snooze minutes must be at least 1")
	}
	return s.transition(ctx, taskID, userID, func(t *Task, now time.Time) (Action, string, error) {
		if t.Status != StatusOngoing {
			return "", "", fmt.Errorf("snooze %s task: %w", t.Status, ErrInvalidTransition)
		}
		if !t.CanSnooze {
			return "", "", fmt.Errorf("task is not snoozable: %w", ErrInvalidTransition)
		}
		t.EndsAt = t.EndsAt.Add(time.Duration(minutes) * time.Minute)
		t.OriginalDuration += int64(minutes) * 60
		until := t.EndsAt
		t.SnoozeUntil = &until
		return ActionSnoozed, fmt.Sprintf("Snoozed for %d minutes", minutes), nil
	})
}

// UpdateFieldsRequest carries optional non-lifecycle field changes.
type UpdateFieldsRequest struct {
	Title       *string
	Description *string
	Priority    *int
	Tags        []string
	ProjectID   *string
}

// UpdateFields changes non-lifecycle fields. No history entry is
// appended. Terminal tasks reject field updates.
func (s *Service) UpdateFields(ctx context.Context, taskID, userID string, req UpdateFieldsRequest) (*Task, error) {
	t, err := s.load(taskID, userID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("update %s task: %w", t.Status, ErrInvalidTransition)
	}
	if req.Title != nil {
		if *req.Title == "" {
			return nil, validationErrorf("title cannot be empty")
		}
		t.Title = *req.Title
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.Priority != nil {
		t.Priority = *req.Priority
	}
	if req.Tags != nil {
		t.Tags = req.Tags
	}
	if req.ProjectID != nil {
		t.ProjectID = *req.ProjectID
	}
	if err := s.store.Update(t); err != nil {
		return nil, fmt.Errorf("update fields: %w", err)
	}
	return t, nil
}

// Delete removes a task. The published event lets the reminder scheduler
// cancel any pending jobs.
func (s *Service) Delete(ctx context.Context, taskID, userID string) error {
	t, err := s.load(taskID, userID)
	if err != nil {
		return err
	}
	if err := s.store.Delete(taskID); err != nil {
		return err
	}
	s.publish(ctx, t, "deleted", string(t.Status))
	return nil
}

// Reopen clones a terminal task into a brand-new ongoing task with a
// fresh ID and history. The old record is untouched: terminal states
// stay terminal.
func (s *Service) Reopen(ctx context.Context, taskID, userID string) (*Task, error) {
	old, err := s.load(taskID, userID)
	if err != nil {
		return nil, err
	}
	if !old.Status.Terminal() {
		return nil, fmt.Errorf("reopen %s task: %w", old.Status, ErrInvalidTransition)
	}

	now := s.clock.Now()
	t := &Task{
		UserID:           old.UserID,
		ProjectID:        old.ProjectID,
		Title:            old.Title,
		Description:      old.Description,
		Priority:         old.Priority,
		Tags:             old.Tags,
		Status:           StatusOngoing,
		StartsAt:         now,
		EndsAt:           now.Add(time.Duration(old.OriginalDuration) * time.Second),
		OriginalDuration: old.OriginalDuration,
		CanPause:         old.CanPause,
		CanSnooze:        old.CanSnooze,
		History: []HistoryEntry{{
			ID:     uuid.NewString(),
			Action: ActionCreated,
			By:     userID,
			At:     now,
			Reason: fmt.Sprintf("Reopened from %s", old.ID),
		}},
	}
	if _, err := s.store.Create(t); err != nil {
		return nil, fmt.Errorf("reopen task: %w", err)
	}
	s.publish(ctx, t, string(ActionCreated), "")
	return t, nil
}

// Get returns a task after the ownership check.
func (s *Service) Get(taskID, userID string) (*Task, error) {
	return s.load(taskID, userID)
}

// List returns the user's tasks.
func (s *Service) List(userID string, status *Status) ([]*Task, error) {
	return s.store.List(Filter{UserID: userID, Status: status})
}

// Now exposes the service clock for read-time derived fields.
func (s *Service) Now() time.Time { return s.clock.Now() }

// mutate applies a precondition check and state change to a loaded task.
// It returns the history action, an optional reason, or an error when the
// precondition fails.
type mutate func(t *Task, now time.Time) (Action, string, error)

// transition runs one read-modify-write lifecycle step. The guarded
// update keys on the status read here, so a transition whose precondition
// no longer holds at commit time fails with ErrConflict instead of
// silently applying.
func (s *Service) transition(ctx context.Context, taskID, userID string, fn mutate) (*Task, error) {
	t, err := s.load(taskID, userID)
	if err != nil {
		return nil, err
	}

	prev := t.Status
	now := s.clock.Now()
	action, reason, err := fn(t, now)
	if err != nil {
		return nil, err
	}

	t.History = append(t.History, HistoryEntry{
		ID:             uuid.NewString(),
		Action:         action,
		By:             userID,
		At:             now,
		Reason:         reason,
		PreviousStatus: prev,
	})

	if err := s.store.UpdateGuarded(t, prev); err != nil {
		return nil, err
	}

	s.publish(ctx, t, string(action), string(prev))
	return t, nil
}

func (s *Service) load(taskID, userID string) (*Task, error) {
	t, err := s.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrForbidden)
	}
	return t, nil
}

// publish emits a TaskEvent. Event delivery is best-effort relative to
// the committed transition: failures are logged, never propagated.
func (s *Service) publish(ctx context.Context, t *Task, action, prev string) {
	if s.bus == nil {
		return
	}
	ev := event.TaskEvent{
		TaskID:         t.ID,
		UserID:         t.UserID,
		Action:         action,
		Status:         string(t.Status),
		PreviousStatus: prev,
		EndsAt:         t.EndsAt,
		At:             s.clock.Now(),
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Error("publish task event",
			slog.String("task_id", t.ID),
			slog.String("action", action),
			slog.Any("err", err))
	}
}
