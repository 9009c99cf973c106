// Package clocksync estimates the offset between a client's local clock
// and the server's time authority so countdown displays stay accurate
// under clock drift. Only the offset comes from the network; the
// countdown itself ticks locally.
package clocksync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tempusd/tempus/timeauth"
)

// Default accuracy thresholds: a sync older than maxAge or measured over
// a round trip slower than maxRTT no longer counts as accurate.
const (
	DefaultMaxAge = 5 * time.Minute
	DefaultMaxRTT = 5 * time.Second
)

// Sync is one completed reconciliation measurement.
type Sync struct {
	Offset time.Duration // localReceipt - (serverTime + rtt/2)
	RTT    time.Duration
	At     time.Time // local receipt time
}

// Syncer reconciles the local clock against the server time endpoint.
// It is safe for concurrent use: the ticking display reads the latest
// offset while resyncs update it.
type Syncer struct {
	baseURL string
	client  *http.Client
	nowFn   func() time.Time

	mu      sync.Mutex
	last    Sync
	synced  bool
	syncing bool // guards against overlapping resyncs
}

// New creates a Syncer against the given server base URL.
func New(baseURL string, client *http.Client) *Syncer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Syncer{
		baseURL: baseURL,
		client:  client,
		nowFn:   time.Now,
	}
}

// SyncNow performs one reconciliation round trip. Overlapping calls
// coalesce: while a sync is in flight, concurrent callers return the
// previous measurement instead of stacking requests (the visibility-
// change case).
func (s *Syncer) SyncNow(ctx context.Context) (Sync, error) {
	s.mu.Lock()
	if s.syncing {
		last := s.last
		s.mu.Unlock()
		return last, nil
	}
	s.syncing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/time", nil)
	if err != nil {
		return Sync{}, err
	}

	sentAt := s.nowFn()
	resp, err := s.client.Do(req)
	if err != nil {
		return Sync{}, fmt.Errorf("time sync: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	receivedAt := s.nowFn()

	if resp.StatusCode != http.StatusOK {
		return Sync{}, fmt.Errorf("time sync: server returned %d", resp.StatusCode)
	}
	var body timeauth.TimeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Sync{}, fmt.Errorf("time sync: decode: %w", err)
	}

	rtt := receivedAt.Sub(sentAt)
	serverTime := time.UnixMilli(body.Timestamp)
	sync := Sync{
		Offset: receivedAt.Sub(serverTime.Add(rtt / 2)),
		RTT:    rtt,
		At:     receivedAt,
	}

	s.mu.Lock()
	s.last = sync
	s.synced = true
	s.mu.Unlock()
	return sync, nil
}

// Run resyncs periodically until ctx is cancelled. Failures keep the
// previous offset; a client that has never synced falls back to a zero
// offset, surfaced via Accurate.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.SyncNow(ctx)
		}
	}
}

// Last returns the most recent measurement and whether any sync has
// completed.
func (s *Syncer) Last() (Sync, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.synced
}

// AdjustedNow is the server-relative current time: local now corrected
// by the latest offset. With no sync yet, it is plain local time.
func (s *Syncer) AdjustedNow() time.Time {
	s.mu.Lock()
	offset := s.last.Offset
	s.mu.Unlock()
	return s.nowFn().Add(-offset)
}

// Remaining computes the displayed countdown: whole seconds until endsAt
// measured against the adjusted clock, floored at zero.
func (s *Syncer) Remaining(endsAt time.Time) int64 {
	rem := endsAt.Sub(s.AdjustedNow()).Milliseconds() / 1000
	if rem < 0 {
		return 0
	}
	return rem
}

// Accurate reports whether the latest sync is recent enough and was
// measured over a fast enough round trip to trust. Callers must surface
// reduced confidence when this is false rather than pretend the zero
// offset is a correction.
func (s *Syncer) Accurate(maxAge, maxRTT time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.synced {
		return false
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if maxRTT <= 0 {
		maxRTT = DefaultMaxRTT
	}
	return s.nowFn().Sub(s.last.At) <= maxAge && s.last.RTT <= maxRTT
}

// Countdown invokes fn with the remaining seconds once per second until
// the countdown reaches zero or ctx is cancelled. The tick is purely
// local; resyncs running concurrently adjust the offset it reads.
func (s *Syncer) Countdown(ctx context.Context, endsAt time.Time, fn func(remaining int64)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	fn(s.Remaining(endsAt))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rem := s.Remaining(endsAt)
			fn(rem)
			if rem == 0 {
				return
			}
		}
	}
}
