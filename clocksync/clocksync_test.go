package clocksync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tempusd/tempus/timeauth"
)

// steppedNow replays a scripted sequence of local times, one per call.
// It lets a test pin the sent-at and received-at instants exactly.
func steppedNow(times ...time.Time) func() time.Time {
	var mu sync.Mutex
	i := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	}
}

func timeServer(t *testing.T, serverNow time.Time) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(timeauth.Handler(fixedClock{now: serverNow}))
	t.Cleanup(srv.Close)
	return srv
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestSyncNow_OffsetFromRoundTrip(t *testing.T) {
	serverNow := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	srv := timeServer(t, serverNow)

	// Local clock runs 30s fast. The request is "sent" at L and
	// "received" 200ms later, so the midpoint estimate of server time at
	// receipt is serverNow + 100ms.
	local := serverNow.Add(30 * time.Second)
	s := New(srv.URL, srv.Client())
	s.nowFn = steppedNow(local, local.Add(200*time.Millisecond))

	sync, err := s.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	if sync.RTT != 200*time.Millisecond {
		t.Errorf("RTT = %s, want 200ms", sync.RTT)
	}
	// receivedAt - (serverNow + rtt/2)
	// = (local + 200ms) - (serverNow + 100ms) = 30s + 100ms
	want := 30*time.Second + 100*time.Millisecond
	if sync.Offset != want {
		t.Errorf("Offset = %s, want %s", sync.Offset, want)
	}

	last, ok := s.Last()
	if !ok || last.Offset != want {
		t.Errorf("Last = %+v, %v", last, ok)
	}
}

func TestAdjustedNowAndRemaining(t *testing.T) {
	serverNow := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	srv := timeServer(t, serverNow)

	local := serverNow.Add(30 * time.Second) // fast local clock
	s := New(srv.URL, srv.Client())
	s.nowFn = steppedNow(local, local) // zero RTT for clean numbers

	if _, err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	// AdjustedNow strips the 30s skew back to server time.
	if got := s.AdjustedNow(); !got.Equal(serverNow) {
		t.Errorf("AdjustedNow = %s, want %s", got, serverNow)
	}

	// A deadline 10 minutes past serverNow shows 600s remaining even
	// though the raw local clock would show 570s.
	if got := s.Remaining(serverNow.Add(10 * time.Minute)); got != 600 {
		t.Errorf("Remaining = %d, want 600", got)
	}

	// A passed deadline floors at zero, never negative.
	if got := s.Remaining(serverNow.Add(-time.Minute)); got != 0 {
		t.Errorf("Remaining past deadline = %d, want 0", got)
	}
}

func TestRemaining_NeverSynced(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := New("http://unused", nil)
	s.nowFn = steppedNow(now)

	// Without a sync the offset is zero: raw local arithmetic.
	if got := s.Remaining(now.Add(90 * time.Second)); got != 90 {
		t.Errorf("Remaining = %d, want 90", got)
	}
	if _, ok := s.Last(); ok {
		t.Error("Last = synced before any SyncNow")
	}
}

func TestAccurate(t *testing.T) {
	serverNow := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	srv := timeServer(t, serverNow)

	local := serverNow
	s := New(srv.URL, srv.Client())

	if s.Accurate(0, 0) {
		t.Error("Accurate = true before any sync")
	}

	// Sent at L, received 100ms later, then queried 1 minute later.
	s.nowFn = steppedNow(
		local,
		local.Add(100*time.Millisecond),
		local.Add(time.Minute),
	)
	if _, err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	if !s.Accurate(0, 0) {
		t.Error("Accurate = false for a fresh, fast sync")
	}
	// The same 1-minute-old sync fails a 30s max age.
	if s.Accurate(30*time.Second, 0) {
		t.Error("Accurate = true past maxAge")
	}
	// And a sync measured over 100ms fails a 50ms max RTT.
	if s.Accurate(0, 50*time.Millisecond) {
		t.Error("Accurate = true past maxRTT")
	}
}

func TestSyncNow_SingleFlight(t *testing.T) {
	serverNow := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		timeauth.Handler(fixedClock{now: serverNow})(w, r)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	s := New(srv.URL, srv.Client())

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.SyncNow(context.Background())
		firstDone <- err
	}()

	// Wait for the first call to take the in-flight slot.
	deadline := time.After(5 * time.Second)
	for {
		s.mu.Lock()
		inFlight := s.syncing
		s.mu.Unlock()
		if inFlight {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first SyncNow never started")
		case <-time.After(time.Millisecond):
		}
	}

	// A second call while the first is blocked must coalesce, returning
	// immediately with the (zero) previous measurement.
	got, err := s.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("coalesced SyncNow: %v", err)
	}
	if !got.At.IsZero() {
		t.Errorf("coalesced SyncNow returned a new measurement: %+v", got)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first SyncNow: %v", err)
	}
	if _, ok := s.Last(); !ok {
		t.Error("no measurement recorded after first sync finished")
	}
}

func TestSyncNow_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	s := New(srv.URL, srv.Client())
	if _, err := s.SyncNow(context.Background()); err == nil {
		t.Fatal("SyncNow = nil, want error on 500")
	}
	if _, ok := s.Last(); ok {
		t.Error("failed sync recorded a measurement")
	}
}

func TestCountdown_StopsAtZero(t *testing.T) {
	now := time.Now()
	s := New("http://unused", nil)

	var mu sync.Mutex
	var ticks []int64
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Countdown(ctx, now.Add(1500*time.Millisecond), func(remaining int64) {
		mu.Lock()
		ticks = append(ticks, remaining)
		mu.Unlock()
	})

	mu.Lock()
	defer mu.Unlock()
	if len(ticks) < 2 {
		t.Fatalf("ticks = %v, want at least initial tick plus one", ticks)
	}
	if ticks[len(ticks)-1] != 0 {
		t.Errorf("final tick = %d, want 0", ticks[len(ticks)-1])
	}
	for i := 1; i < len(ticks); i++ {
		if ticks[i] > ticks[i-1] {
			t.Errorf("remaining increased: %v", ticks)
		}
	}
}
