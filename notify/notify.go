// Package notify defines the notification dispatch interface and a
// fan-out implementation over live channels. Delivery retries belong to
// the transports, not to this package.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Urgency hints how prominently a client should surface a notification.
type Urgency string

const (
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// Notification is one reminder event to deliver to a user's channels.
type Notification struct {
	Title   string  `json:"title"`
	Body    string  `json:"body"`
	Kind    string  `json:"kind"` // deadline, warning, pomodoro
	TaskID  string  `json:"task_id"`
	Urgency Urgency `json:"urgency"`
}

// Dispatcher delivers a notification to all of a user's live channels.
type Dispatcher interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// Transport is an opaque push channel (web push, socket, etc.). The
// transport owns its own retry and backoff.
type Transport interface {
	Send(userID string, payload []byte) error
}

// Broadcaster is the live in-app channel (the SSE hub).
type Broadcaster interface {
	BroadcastTo(userID, eventType string, payload any)
}

// sendTimeout bounds how long a single transport send may block the
// dispatching job handler.
const sendTimeout = 3 * time.Second

// FanOut dispatches a notification to the SSE hub and every configured
// push transport. Per-channel failures are logged and swallowed;
// delivery is fire-and-forget from the caller's perspective.
type FanOut struct {
	hub        Broadcaster
	transports []Transport
	logger     *slog.Logger
	titler     cases.Caser
}

// NewFanOut creates a dispatcher over the given hub and transports.
// Either side may be nil/empty.
func NewFanOut(hub Broadcaster, transports []Transport, logger *slog.Logger) *FanOut {
	return &FanOut{
		hub:        hub,
		transports: transports,
		logger:     logger,
		titler:     cases.Title(language.English),
	}
}

// Notify fans the notification out. It never returns a delivery error;
// the only error path is payload marshalling.
func (f *FanOut) Notify(ctx context.Context, userID string, n Notification) error {
	n.Title = f.titler.String(n.Title)

	if f.hub != nil {
		f.hub.BroadcastTo(userID, "notification", n)
	}
	if len(f.transports) == 0 {
		return nil
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	for _, tr := range f.transports {
		f.send(ctx, tr, userID, payload, n.TaskID)
	}
	return nil
}

// send runs one transport delivery under the send timeout.
func (f *FanOut) send(ctx context.Context, tr Transport, userID string, payload []byte, taskID string) {
	done := make(chan error, 1)
	go func() { done <- tr.Send(userID, payload) }()

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			f.logger.Warn("notification send failed",
				slog.String("user_id", userID),
				slog.String("task_id", taskID),
				slog.Any("err", err))
		}
	case <-timer.C:
		f.logger.Warn("notification send timed out",
			slog.String("user_id", userID),
			slog.String("task_id", taskID))
	case <-ctx.Done():
	}
}
