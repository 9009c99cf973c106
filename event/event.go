// Package event provides the in-process task status-change stream.
// The reminder scheduler and the live-update broadcaster subscribe to it.
package event

import (
	"context"
	"time"
)

// TaskEvent describes one committed lifecycle transition.
type TaskEvent struct {
	TaskID         string    `json:"task_id"`
	UserID         string    `json:"user_id"`
	Action         string    `json:"action"` // created, completed, given_up, paused, resumed, snoozed, deleted
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	EndsAt         time.Time `json:"ends_at"`
	At             time.Time `json:"at"`
}

// Handler processes a task event.
type Handler func(ctx context.Context, ev TaskEvent) error

// Bus fans task events out to subscribers. Publishing never blocks the
// state machine on a subscriber's work beyond the handler call itself;
// handler errors are collected, not fatal to other handlers.
type Bus interface {
	// Publish delivers ev to all subscribers.
	Publish(ctx context.Context, ev TaskEvent) error

	// Subscribe registers a handler for all task events.
	// Returns an unsubscribe function.
	Subscribe(handler Handler) (unsubscribe func())

	// History returns the most recent limit events for a user,
	// oldest first.
	History(userID string, limit int) ([]TaskEvent, error)
}
