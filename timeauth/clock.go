// Package timeauth is the canonical clock for all deadline arithmetic.
// Server-side code never calls time.Now directly; it takes a Clock so
// tests can substitute a fixed or stepped time source.
package timeauth

import (
	"encoding/json"
	"net/http"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the process clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// TimeResponse is the body returned by the time endpoint. Clients use it
// to estimate their clock offset from the server.
type TimeResponse struct {
	ServerNow string `json:"server_now"` // RFC3339Nano
	Timestamp int64  `json:"timestamp"`  // epoch milliseconds
}

// Handler returns an HTTP handler serving the current server time.
func Handler(clock Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		now := clock.Now()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(TimeResponse{
			ServerNow: now.Format(time.RFC3339Nano),
			Timestamp: now.UnixMilli(),
		})
	}
}
