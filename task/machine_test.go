package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tempusd/tempus/deadline"
	"github.com/tempusd/tempus/event"
)

var machineT0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a settable clock shared by a test and the service.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *fakeClock, *event.InMemoryBus) {
	t.Helper()
	store := newTestStore(t)
	clock := &fakeClock{now: machineT0}
	bus := event.NewInMemoryBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := deadline.NewWithGrammar(func(_ string, _ time.Time) (time.Time, bool) {
		return time.Time{}, false
	})
	return NewService(store, clock, resolver.Resolve, bus, logger), clock, bus
}

func mustCreate(t *testing.T, svc *Service, user, spec string) *Task {
	t.Helper()
	tk, err := svc.Create(context.Background(), user, CreateRequest{
		Title:        "write report",
		DeadlineSpec: spec,
		CanPause:     true,
		CanSnooze:    true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tk
}

func TestCreate(t *testing.T) {
	svc, _, _ := newTestService(t)

	tk := mustCreate(t, svc, "user-1", "in 10 minutes")
	if tk.Status != StatusOngoing {
		t.Errorf("Status = %q, want ongoing", tk.Status)
	}
	if want := machineT0.Add(10 * time.Minute); !tk.EndsAt.Equal(want) {
		t.Errorf("EndsAt = %s, want %s", tk.EndsAt, want)
	}
	if !tk.StartsAt.Equal(machineT0) {
		t.Errorf("StartsAt = %s, want %s", tk.StartsAt, machineT0)
	}
	if tk.OriginalDuration != 600 {
		t.Errorf("OriginalDuration = %d, want 600", tk.OriginalDuration)
	}
	if len(tk.History) != 1 || tk.History[0].Action != ActionCreated {
		t.Errorf("History = %+v, want single created entry", tk.History)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"unparseable deadline", CreateRequest{Title: "x", DeadlineSpec: "garbage text"}},
		{"below duration floor", CreateRequest{Title: "x", DeadlineSpec: "30s"}},
		{"missing title", CreateRequest{DeadlineSpec: "30min"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, "user-1", tt.req); !IsValidation(err) {
				t.Errorf("Create = %v, want ValidationError", err)
			}
		})
	}
}

func TestPauseResumeComplete_ElapsedAccounting(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	tk := mustCreate(t, svc, "user-1", "in 10 minutes")

	clock.Advance(100 * time.Second)
	paused, err := svc.Pause(ctx, tk.ID, "user-1")
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.Status != StatusPaused || paused.PausedAt == nil {
		t.Fatalf("after pause: status=%s pausedAt=%v", paused.Status, paused.PausedAt)
	}
	if got := paused.RemainingSeconds(clock.Now()); got != 0 {
		t.Errorf("RemainingSeconds while paused = %d, want 0", got)
	}

	clock.Advance(300 * time.Second)
	resumed, err := svc.Resume(ctx, tk.ID, "user-1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.PausedDuration != 300 {
		t.Errorf("PausedDuration = %d, want 300", resumed.PausedDuration)
	}
	if resumed.PausedAt != nil {
		t.Errorf("PausedAt after resume = %v, want nil", resumed.PausedAt)
	}

	clock.Advance(100 * time.Second) // now at t0+500s
	done, err := svc.Complete(ctx, tk.ID, "user-1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", done.Status)
	}
	// 500s wall time minus 300s paused = 200s of work.
	if done.TimeSpentSeconds != 200 {
		t.Errorf("TimeSpentSeconds = %d, want 200", done.TimeSpentSeconds)
	}
	if got := done.RemainingSeconds(clock.Now()); got != 0 {
		t.Errorf("RemainingSeconds after complete = %d, want 0", got)
	}
}

func TestCompleteFromPaused_CommitsSessionUpToPause(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	tk := mustCreate(t, svc, "user-1", "in 10 minutes")

	clock.Advance(120 * time.Second)
	if _, err := svc.Pause(ctx, tk.ID, "user-1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	clock.Advance(600 * time.Second) // long pause, must not count

	done, err := svc.Complete(ctx, tk.ID, "user-1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.TimeSpentSeconds != 120 {
		t.Errorf("TimeSpentSeconds = %d, want 120", done.TimeSpentSeconds)
	}
}

func TestSnooze(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	tk := mustCreate(t, svc, "user-1", "5min") // endsAt = t0+300s

	clock.Advance(200 * time.Second)
	snoozed, err := svc.Snooze(ctx, tk.ID, "user-1", 10)
	if err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	if want := machineT0.Add(900 * time.Second); !snoozed.EndsAt.Equal(want) {
		t.Errorf("EndsAt = %s, want %s", snoozed.EndsAt, want)
	}
	if snoozed.OriginalDuration != 900 {
		t.Errorf("OriginalDuration = %d, want 900", snoozed.OriginalDuration)
	}
	last := snoozed.History[len(snoozed.History)-1]
	if last.Action != ActionSnoozed || last.Reason != "Snoozed for 10 minutes" {
		t.Errorf("last history entry = %+v, want snoozed with reason", last)
	}
	if snoozed.SnoozeUntil == nil || !snoozed.SnoozeUntil.Equal(snoozed.EndsAt) {
		t.Errorf("SnoozeUntil = %v, want %s", snoozed.SnoozeUntil, snoozed.EndsAt)
	}
}

func TestGiveUp_RecordsReason(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tk := mustCreate(t, svc, "user-1", "30min")
	given, err := svc.GiveUp(ctx, tk.ID, "user-1", "too ambitious")
	if err != nil {
		t.Fatalf("GiveUp: %v", err)
	}
	if given.Status != StatusGivenUp {
		t.Errorf("Status = %q, want given_up", given.Status)
	}
	last := given.History[len(given.History)-1]
	if last.Action != ActionGivenUp || last.Reason != "too ambitious" {
		t.Errorf("last history entry = %+v", last)
	}
}

func TestIllegalTransitions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	done := mustCreate(t, svc, "user-1", "30min")
	if _, err := svc.Complete(ctx, done.ID, "user-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	noPause, err := svc.Create(ctx, "user-1", CreateRequest{
		Title: "fixed", DeadlineSpec: "30min", CanPause: false, CanSnooze: false,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tests := []struct {
		name string
		call func() error
	}{
		{"complete terminal", func() error { _, err := svc.Complete(ctx, done.ID, "user-1"); return err }},
		{"give up terminal", func() error { _, err := svc.GiveUp(ctx, done.ID, "user-1", ""); return err }},
		{"pause terminal", func() error { _, err := svc.Pause(ctx, done.ID, "user-1"); return err }},
		{"resume ongoing", func() error { _, err := svc.Resume(ctx, noPause.ID, "user-1"); return err }},
		{"pause without capability", func() error { _, err := svc.Pause(ctx, noPause.ID, "user-1"); return err }},
		{"snooze without capability", func() error { _, err := svc.Snooze(ctx, noPause.ID, "user-1", 5); return err }},
		{"update terminal fields", func() error {
			title := "new"
			_, err := svc.UpdateFields(ctx, done.ID, "user-1", UpdateFieldsRequest{Title: &title})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("got %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestOwnershipAndNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tk := mustCreate(t, svc, "user-1", "30min")

	if _, err := svc.Complete(ctx, tk.ID, "user-2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Complete as other user = %v, want ErrForbidden", err)
	}
	if _, err := svc.Complete(ctx, "nonexistent", "user-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Complete missing = %v, want ErrNotFound", err)
	}

	// Failed transitions must leave history untouched.
	got, err := svc.Get(tk.ID, "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.History) != 1 {
		t.Errorf("History len after failed transitions = %d, want 1", len(got.History))
	}
}

func TestConcurrentComplete_ExactlyOneWins(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tk := mustCreate(t, svc, "user-1", "30min")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Complete(ctx, tk.ID, "user-1")
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidTransition):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins=%d losses=%d, want exactly one of each", wins, losses)
	}

	got, err := svc.Get(tk.ID, "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	var completions int
	for _, h := range got.History {
		if h.Action == ActionCompleted {
			completions++
		}
	}
	if completions != 1 {
		t.Errorf("completed history entries = %d, want exactly 1", completions)
	}
}

func TestHistoryOrdering(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	tk := mustCreate(t, svc, "user-1", "30min")
	steps := []func() error{
		func() error { _, err := svc.Pause(ctx, tk.ID, "user-1"); return err },
		func() error { _, err := svc.Resume(ctx, tk.ID, "user-1"); return err },
		func() error { _, err := svc.Snooze(ctx, tk.ID, "user-1", 5); return err },
		func() error { _, err := svc.Complete(ctx, tk.ID, "user-1"); return err },
	}
	for _, step := range steps {
		clock.Advance(10 * time.Second)
		if err := step(); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}

	got, err := svc.Get(tk.ID, "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.History) != 5 {
		t.Fatalf("History len = %d, want 5", len(got.History))
	}
	if got.History[0].Action != ActionCreated {
		t.Errorf("first entry = %s, want created", got.History[0].Action)
	}
	for i := 1; i < len(got.History); i++ {
		if got.History[i].At.Before(got.History[i-1].At) {
			t.Errorf("history entry %d at %s precedes entry %d at %s",
				i, got.History[i].At, i-1, got.History[i-1].At)
		}
	}
}

func TestReopen_ClonesIntoFreshTask(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tk := mustCreate(t, svc, "user-1", "30min")
	if _, err := svc.GiveUp(ctx, tk.ID, "user-1", "later"); err != nil {
		t.Fatalf("GiveUp: %v", err)
	}

	fresh, err := svc.Reopen(ctx, tk.ID, "user-1")
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if fresh.ID == tk.ID {
		t.Error("Reopen reused the old task ID")
	}
	if fresh.Status != StatusOngoing {
		t.Errorf("Status = %q, want ongoing", fresh.Status)
	}
	if len(fresh.History) != 1 || fresh.History[0].Action != ActionCreated {
		t.Errorf("History = %+v, want single created entry", fresh.History)
	}

	// The old record stays terminal.
	old, err := svc.Get(tk.ID, "user-1")
	if err != nil {
		t.Fatalf("Get old: %v", err)
	}
	if old.Status != StatusGivenUp {
		t.Errorf("old Status = %q, want given_up", old.Status)
	}

	// Reopening a live task is illegal.
	if _, err := svc.Reopen(ctx, fresh.ID, "user-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Reopen live task = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitions_PublishEvents(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()

	var mu sync.Mutex
	var actions []string
	bus.Subscribe(func(_ context.Context, ev event.TaskEvent) error {
		mu.Lock()
		actions = append(actions, ev.Action)
		mu.Unlock()
		return nil
	})

	tk := mustCreate(t, svc, "user-1", "30min")
	if _, err := svc.Snooze(ctx, tk.ID, "user-1", 5); err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	if _, err := svc.Complete(ctx, tk.ID, "user-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"created", "snoozed", "completed"}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("actions[%d] = %q, want %q", i, actions[i], want[i])
		}
	}
}

func TestRemainingSeconds_Derived(t *testing.T) {
	now := machineT0
	tk := &Task{
		Status:   StatusOngoing,
		StartsAt: now.Add(-100 * time.Second),
		EndsAt:   now.Add(250 * time.Second),
	}
	if got := tk.RemainingSeconds(now); got != 250 {
		t.Errorf("RemainingSeconds = %d, want 250", got)
	}

	// Overdue clamps at zero.
	if got := tk.RemainingSeconds(now.Add(300 * time.Second)); got != 0 {
		t.Errorf("RemainingSeconds overdue = %d, want 0", got)
	}
	if !tk.IsOverdue(now.Add(300 * time.Second)) {
		t.Error("IsOverdue = false, want true")
	}

	paused := now
	tk.PausedAt = &paused
	tk.Status = StatusPaused
	if got := tk.RemainingSeconds(now); got != 0 {
		t.Errorf("RemainingSeconds paused = %d, want 0", got)
	}

	tk.PausedAt = nil
	tk.Status = StatusCompleted
	if got := tk.RemainingSeconds(now); got != 0 {
		t.Errorf("RemainingSeconds terminal = %d, want 0", got)
	}
}
