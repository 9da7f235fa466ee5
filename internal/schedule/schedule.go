// Package schedule converts the source application's per-card scheduling
// columns into the destination's initial study state.
//
// The source's due column is polysemous: a sort rank for new cards, an
// absolute unix timestamp for intraday learning cards, and a day offset from
// collection creation for everything else. Normalize dispatches on the queue
// value through an explicit table so each interpretation stays testable.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/conorfennell/ankimport/internal/domain"
)

const (
	secondsPerDay = 86400

	// absoluteDueThreshold separates real unix timestamps (after 2001-09-09)
	// from garbage in the intraday learning queue.
	absoluteDueThreshold = 1_000_000_000

	DefaultEase = 2.5
	MinEase     = 1.3
	MaxEase     = 5.0
)

// maxInstant is the latest instant considered plausible.
var maxInstant = time.Date(3000, time.January, 1, 0, 0, 0, 0, time.UTC)

// maxDayOffset bounds day offsets and intervals; nothing legitimate spans
// more than the distance from the unix epoch to maxInstant.
var maxDayOffset = float64(maxInstant.Unix() / secondsPerDay)

// ErrInvalidCreationTime is returned when the collection creation instant
// cannot serve as the epoch for day-offset due values.
var ErrInvalidCreationTime = errors.New("invalid collection creation time")

// Epoch is a validated collection creation instant.
type Epoch struct {
	t time.Time
}

// NewEpoch validates the collection creation time in seconds since the unix
// epoch. NaN, infinite, non-positive, and post-year-3000 values are rejected.
func NewEpoch(created float64) (Epoch, error) {
	if !isFinite(created) || created <= 0 || created >= float64(maxInstant.Unix()) {
		return Epoch{}, fmt.Errorf("%w: %v", ErrInvalidCreationTime, created)
	}
	return Epoch{t: time.Unix(int64(created), 0).UTC()}, nil
}

// Time returns the creation instant.
func (e Epoch) Time() time.Time { return e.t }

// DayOffset converts a due value counted in days since collection creation
// into an absolute instant. ok is false when the offset is NaN, negative, or
// lands beyond the plausible range.
func (e Epoch) DayOffset(days float64) (time.Time, bool) {
	if e.t.IsZero() || !isFinite(days) || days < 0 || days > maxDayOffset {
		return time.Time{}, false
	}
	// Whole seconds; a time.Duration overflows past ~292 years.
	due := time.Unix(e.t.Unix()+int64(days*secondsPerDay), 0).UTC()
	if due.After(maxInstant) {
		return time.Time{}, false
	}
	return due, true
}

// Result is the normalized scheduling state of one card.
type Result struct {
	State        domain.CardState
	DueAt        time.Time
	IntervalDays int
	Suspended    bool
	// Fallback is set when DueAt was replaced with now because the raw due
	// value could not be interpreted. Warning explains why.
	Fallback bool
	Warning  string
}

type rule func(c domain.SourceCard, epoch Epoch, now time.Time) Result

// rules maps each recognized queue value to its interpretation of due.
var rules = map[int]rule{
	domain.QueueNew:         normalizeNew,
	domain.QueueLearning:    normalizeIntradayLearning,
	domain.QueueReview:      normalizeReview,
	domain.QueueDayLearning: normalizeDayLearning,
	domain.QueueSuspended:   normalizeHeld,
	domain.QueueSchedBuried: normalizeHeld,
	domain.QueueUserBuried:  normalizeHeld,
}

// Normalize maps a source card's raw scheduling tuple to its destination
// state. now must be captured once per import and passed to every call.
// Unknown queues and uninterpretable due values fall back to now with a
// warning; they never fail.
func Normalize(c domain.SourceCard, epoch Epoch, now time.Time) Result {
	r, ok := rules[c.Queue]
	if !ok {
		return Result{
			State:    stateFromType(c.Type),
			DueAt:    now,
			Fallback: true,
			Warning:  fmt.Sprintf("card %d: unknown queue %d, due set to now", c.ID, c.Queue),
		}
	}
	return r(c, epoch, now)
}

// normalizeNew ignores due, which is only a sort rank for new cards.
func normalizeNew(c domain.SourceCard, _ Epoch, now time.Time) Result {
	return Result{State: domain.StateNew, DueAt: now}
}

// normalizeIntradayLearning reads due as absolute unix seconds. A negative
// ivl on these cards counts seconds and never feeds the day interval.
func normalizeIntradayLearning(c domain.SourceCard, _ Epoch, now time.Time) Result {
	res := Result{State: domain.StateLearning}
	if due, ok := absoluteSeconds(c.Due); ok {
		res.DueAt = due
		return res
	}
	res.DueAt = now
	res.Fallback = true
	res.Warning = fmt.Sprintf("card %d: learning due %v is not a plausible timestamp, due set to now", c.ID, c.Due)
	return res
}

func normalizeDayLearning(c domain.SourceCard, epoch Epoch, now time.Time) Result {
	res := Result{State: domain.StateLearning}
	dayDue(&res, c, epoch, now)
	return res
}

func normalizeReview(c domain.SourceCard, epoch Epoch, now time.Time) Result {
	res := Result{State: domain.StateReview}
	dayDue(&res, c, epoch, now)
	res.IntervalDays = intervalDays(c.Ivl)
	return res
}

// normalizeHeld handles suspended (-1) and buried (-2, -3) cards. Only a
// suspension becomes the suspended state. Burial is a temporary scheduler
// hold, so buried cards keep the state implied by their type.
func normalizeHeld(c domain.SourceCard, epoch Epoch, now time.Time) Result {
	res := Result{State: stateFromType(c.Type)}
	if c.Queue == domain.QueueSuspended {
		res.State = domain.StateSuspended
		res.Suspended = true
	}
	dayDue(&res, c, epoch, now)
	if c.Type == domain.TypeReview {
		res.IntervalDays = intervalDays(c.Ivl)
	}
	return res
}

func dayDue(res *Result, c domain.SourceCard, epoch Epoch, now time.Time) {
	if due, ok := epoch.DayOffset(c.Due); ok {
		res.DueAt = due
		return
	}
	res.DueAt = now
	res.Fallback = true
	res.Warning = fmt.Sprintf("card %d: day offset %v (queue %d) is out of range, due set to now", c.ID, c.Due, c.Queue)
}

// stateFromType recovers the underlying state of a card from its type column.
func stateFromType(t int) domain.CardState {
	switch t {
	case domain.TypeLearning, domain.TypeRelearning:
		return domain.StateLearning
	case domain.TypeReview:
		return domain.StateReview
	default:
		return domain.StateNew
	}
}

func absoluteSeconds(v float64) (time.Time, bool) {
	if !isFinite(v) || v <= absoluteDueThreshold || v >= float64(maxInstant.Unix()) {
		return time.Time{}, false
	}
	return time.Unix(int64(v), 0).UTC(), true
}

// intervalDays returns ivl as a whole number of days, or 0 when ivl is not a
// plausible non-negative day count.
func intervalDays(ivl float64) int {
	if !isFinite(ivl) || ivl < 0 || ivl > maxDayOffset {
		return 0
	}
	return int(math.Round(ivl))
}

// Ease converts a permille ease factor, clamped into [MinEase, MaxEase].
// Missing, zero, and negative factors yield DefaultEase.
func Ease(factor float64) float64 {
	if !isFinite(factor) || factor <= 0 {
		return DefaultEase
	}
	return math.Min(MaxEase, math.Max(MinEase, factor/1000))
}

// Count coerces a reps or lapses column into a non-negative integer.
func Count(v float64) int {
	if !isFinite(v) || v < 0 || v > math.MaxInt32 {
		return 0
	}
	return int(v)
}

// ValidInstant reports whether t is usable as a persisted due date.
func ValidInstant(t time.Time) bool {
	return !t.IsZero() && t.Unix() > 0 && !t.After(maxInstant)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
