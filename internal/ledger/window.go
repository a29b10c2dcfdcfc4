// Package ledger persists usage counters per time window.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Period is the length of a usage window.
type Period string

const (
	PeriodHour Period = "hour"
	PeriodDay  Period = "day"
)

const (
	dayLayout  = "2006-01-02"
	hourLayout = "2006-01-02T15"
)

// Length returns the duration of the period.
func (p Period) Length() time.Duration {
	if p == PeriodHour {
		return time.Hour
	}
	return 24 * time.Hour
}

func (p Period) layout() string {
	if p == PeriodHour {
		return hourLayout
	}
	return dayLayout
}

// WindowStart truncates t (in UTC) to the start of its window.
func WindowStart(t time.Time, p Period) time.Time {
	t = t.UTC()
	if p == PeriodHour {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// WindowID formats the id of the window starting at start:
// "2006-01-02" for days, "2006-01-02T15" for hours.
func WindowID(start time.Time, p Period) string {
	return start.UTC().Format(p.layout())
}

// ParseWindowID recovers the period and start of a window id.
func ParseWindowID(id string) (Period, time.Time, error) {
	if t, err := time.ParseInLocation(hourLayout, id, time.UTC); err == nil {
		return PeriodHour, t, nil
	}
	if t, err := time.ParseInLocation(dayLayout, id, time.UTC); err == nil {
		return PeriodDay, t, nil
	}
	return "", time.Time{}, fmt.Errorf("invalid window id %q", id)
}

// CurrentWindow resolves the window that now falls in. isNew is true when
// now has crossed lastStart+length (or no window was seen yet, or the clock
// moved backwards), which is when the caller must roll over.
func CurrentWindow(now, lastStart time.Time, p Period) (id string, start time.Time, isNew bool) {
	start = WindowStart(now, p)
	isNew = lastStart.IsZero() ||
		!now.Before(lastStart.Add(p.Length())) ||
		now.Before(lastStart)
	return WindowID(start, p), start, isNew
}

// Window holds the counters of one window. CallCount never goes below zero.
type Window struct {
	ID          string    `json:"id"`
	Period      Period    `json:"period"`
	Start       time.Time `json:"start"`
	CallCount   int64     `json:"call_count"`
	CostAccrued Money     `json:"cost_accrued"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// newWindow returns an empty window for id.
func newWindow(id string) (Window, error) {
	p, start, err := ParseWindowID(id)
	if err != nil {
		return Window{}, err
	}
	return Window{ID: id, Period: p, Start: start}, nil
}

// apply adds the deltas, clamping both counters at zero.
func (w Window) apply(deltaCalls int64, deltaCost Money, now time.Time) Window {
	w.CallCount += deltaCalls
	if w.CallCount < 0 {
		w.CallCount = 0
	}
	w.CostAccrued += deltaCost
	if w.CostAccrued < 0 {
		w.CostAccrued = 0
	}
	w.UpdatedAt = now
	return w
}

// ErrCeilingReached is returned by Reserve when the increment would take
// the window past its ceiling. The window is left unchanged.
var ErrCeilingReached = errors.New("ceiling reached")

// Ceiling bounds a reserving increment. Zero fields are disabled.
type Ceiling struct {
	Calls int64
	Cost  Money
}

// admits reports whether w stays within c after the deltas.
func (c Ceiling) admits(w Window, deltaCalls int64, deltaCost Money) bool {
	if c.Calls > 0 && w.CallCount+deltaCalls > c.Calls {
		return false
	}
	if c.Cost > 0 && w.CostAccrued+deltaCost > c.Cost {
		return false
	}
	return true
}

// Store is durable window state keyed by window id. Every method is atomic
// per window id and safe for concurrent use.
type Store interface {
	GetOrCreateWindow(ctx context.Context, id string) (Window, error)
	Increment(ctx context.Context, id string, deltaCalls int64, deltaCost Money) (Window, error)
	// Reserve increments like Increment only if the result stays within
	// ceiling, checked and applied in one step. Otherwise it returns
	// ErrCeilingReached.
	Reserve(ctx context.Context, id string, deltaCalls int64, deltaCost Money, ceiling Ceiling) (Window, error)
	// History returns up to limit daily windows, most recent first, read
	// from a single point-in-time view.
	History(ctx context.Context, limit int) ([]Window, error)
	// PurgeOlderThan deletes windows of period starting before cutoff.
	PurgeOlderThan(ctx context.Context, p Period, cutoff time.Time) (int, error)
	// Reset zeroes one window without touching the others.
	Reset(ctx context.Context, id string) (Window, error)
	Close() error
}
