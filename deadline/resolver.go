// Package deadline resolves free-text deadline specs ("30min", "in 2 hours",
// "tomorrow at 10am") into an absolute end time and a whole-second duration.
package deadline

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// ErrNotParseable is returned when no step of the resolution chain matches.
var ErrNotParseable = errors.New("deadline: not parseable")

// MinDurationSeconds is the shortest deadline span a caller may commit.
// Resolve itself does not enforce it; task creation does.
const MinDurationSeconds = 60

// Resolution is a resolved deadline: the absolute end time and the span
// from the reference time, in whole seconds.
type Resolution struct {
	EndsAt   time.Time
	Duration int64 // seconds
}

// GrammarFunc is the external natural-language grammar. It returns the
// parsed absolute time and whether the input matched. Kept behind a
// function type so tests can substitute a fake.
type GrammarFunc func(input string, ref time.Time) (time.Time, bool)

// step is one attempt in the resolution chain.
type step func(input string, ref time.Time) (Resolution, bool)

// Resolver turns deadline specs into Resolutions by trying an ordered
// chain of parsers and short-circuiting on the first match.
type Resolver struct {
	steps []step
}

// grammarBudget bounds a single external-grammar call. A slow or stuck
// parse falls through to the remaining steps instead of hanging the caller.
const grammarBudget = 250 * time.Millisecond

// New returns a Resolver using the default English grammar.
func New() *Resolver {
	return NewWithGrammar(defaultGrammar())
}

// NewWithGrammar returns a Resolver with a caller-supplied grammar step.
func NewWithGrammar(grammar GrammarFunc) *Resolver {
	r := &Resolver{}
	r.steps = []step{
		resolveShorthand,
		resolveRegexDuration,
		grammarStep(grammar),
		resolveRelative,
		resolveBareMinutes,
	}
	return r
}

// Resolve parses input relative to ref. The returned Duration is
// floor((EndsAt-ref)/1s). Returns ErrNotParseable when nothing matches.
func (r *Resolver) Resolve(input string, ref time.Time) (Resolution, error) {
	text := strings.TrimSpace(strings.ToLower(input))
	if text == "" {
		return Resolution{}, ErrNotParseable
	}
	for _, s := range r.steps {
		if res, ok := s(text, ref); ok {
			return res, nil
		}
	}
	return Resolution{}, ErrNotParseable
}

func resolutionAt(endsAt, ref time.Time) (Resolution, bool) {
	if !endsAt.After(ref) {
		return Resolution{}, false
	}
	return Resolution{
		EndsAt:   endsAt,
		Duration: endsAt.Sub(ref).Milliseconds() / 1000,
	}, true
}

func resolutionAfter(d time.Duration, ref time.Time) (Resolution, bool) {
	return resolutionAt(ref.Add(d), ref)
}

// --- step 1: shorthand table ---

var shorthand = map[string]time.Duration{
	"1min":  time.Minute,
	"5min":  5 * time.Minute,
	"10min": 10 * time.Minute,
	"15min": 15 * time.Minute,
	"20min": 20 * time.Minute,
	"25min": 25 * time.Minute,
	"30min": 30 * time.Minute,
	"45min": 45 * time.Minute,
	"1h":    time.Hour,
	"2h":    2 * time.Hour,
	"3h":    3 * time.Hour,
	"4h":    4 * time.Hour,
	"6h":    6 * time.Hour,
	"8h":    8 * time.Hour,
	"12h":   12 * time.Hour,
	"1day":  24 * time.Hour,
	"1 day": 24 * time.Hour,
}

func resolveShorthand(input string, ref time.Time) (Resolution, bool) {
	d, ok := shorthand[input]
	if !ok {
		return Resolution{}, false
	}
	return resolutionAfter(d, ref)
}

// --- step 2: regex <number><unit> durations ---

var durationRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(s|sec|secs|seconds?|m|min|mins|minutes?|h|hr|hrs|hours?|d|days?)$`)

func resolveRegexDuration(input string, ref time.Time) (Resolution, bool) {
	m := durationRe.FindStringSubmatch(input)
	if m == nil {
		return Resolution{}, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil || n <= 0 {
		return Resolution{}, false
	}
	var unit time.Duration
	switch m[2][0] {
	case 's':
		// Seconds take no decimals.
		if strings.Contains(m[1], ".") {
			return Resolution{}, false
		}
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	}
	return resolutionAfter(time.Duration(n*float64(unit)), ref)
}

// --- step 3: external grammar (absolute times, weekdays, "tomorrow 10am") ---

var weekdayNames = []string{
	"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday",
}

func grammarStep(grammar GrammarFunc) step {
	return func(input string, ref time.Time) (Resolution, bool) {
		type parsed struct {
			at time.Time
			ok bool
		}
		ch := make(chan parsed, 1)
		go func() {
			at, ok := grammar(input, ref)
			ch <- parsed{at, ok}
		}()

		var p parsed
		select {
		case p = <-ch:
		case <-time.After(grammarBudget):
			return Resolution{}, false
		}
		if !p.ok {
			return Resolution{}, false
		}
		at := p.at
		if !at.After(ref) {
			// Time-only phrases ("10am") resolve to today even when that
			// time has passed; roll forward. Weekday phrases roll a full
			// week so today's weekday means next week, never today.
			roll := 24 * time.Hour
			if mentionsWeekday(input) {
				roll = 7 * 24 * time.Hour
			}
			at = at.Add(roll)
			if !at.After(ref) {
				return Resolution{}, false
			}
		}
		return resolutionAt(at, ref)
	}
}

func mentionsWeekday(input string) bool {
	for _, name := range weekdayNames {
		if strings.Contains(input, name) {
			return true
		}
	}
	return false
}

// defaultGrammar wraps the olebedev/when English rules.
func defaultGrammar() GrammarFunc {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return func(input string, ref time.Time) (time.Time, bool) {
		r, err := w.Parse(input, ref)
		if err != nil || r == nil {
			return time.Time{}, false
		}
		return r.Time, true
	}
}

// --- step 4: relative phrasing table ---

var relativeRe = regexp.MustCompile(`^(?:in\s+(\d+(?:\.\d+)?)\s*(seconds?|secs?|minutes?|mins?|hours?|hrs?|days?)|(\d+(?:\.\d+)?)\s*(seconds?|secs?|minutes?|mins?|hours?|hrs?|days?)\s+from\s+now)$`)

func resolveRelative(input string, ref time.Time) (Resolution, bool) {
	m := relativeRe.FindStringSubmatch(input)
	if m == nil {
		return Resolution{}, false
	}
	num, unit := m[1], m[2]
	if num == "" {
		num, unit = m[3], m[4]
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n <= 0 {
		return Resolution{}, false
	}
	var base time.Duration
	switch unit[0] {
	case 's':
		base = time.Second
	case 'm':
		base = time.Minute
	case 'h':
		base = time.Hour
	case 'd':
		base = 24 * time.Hour
	}
	return resolutionAfter(time.Duration(n*float64(base)), ref)
}

// --- step 5: bare integer fallback (minutes) ---

func resolveBareMinutes(input string, ref time.Time) (Resolution, bool) {
	n, err := strconv.Atoi(input)
	if err != nil || n < 1 || n > 1440 {
		return Resolution{}, false
	}
	return resolutionAfter(time.Duration(n)*time.Minute, ref)
}
