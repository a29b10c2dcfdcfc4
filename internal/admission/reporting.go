package admission

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clinical-coding/platform/internal/ledger"
	apperrors "github.com/clinical-coding/platform/internal/shared/errors"
)

// Warning levels shown by the usage report.
const (
	warnLevel     = 0.8
	criticalLevel = 0.9
)

// Usage is a snapshot of the current windows against their ceilings.
type Usage struct {
	Daily  ledger.Window `json:"daily"`
	Hourly ledger.Window `json:"hourly"`
	Limits Limits        `json:"limits"`

	// Percentages are 0 when the ceiling is disabled.
	DailyCallsPercent  float64 `json:"daily_calls_percent"`
	HourlyCallsPercent float64 `json:"hourly_calls_percent"`
	DailyCostPercent   float64 `json:"daily_cost_percent"`

	// MonthlyProjection extrapolates today's cost over 30 days.
	MonthlyProjection ledger.Money `json:"monthly_projection"`
	Warnings          []string     `json:"warnings,omitempty"`
	At                time.Time    `json:"at"`
}

// CurrentUsage reports the current hourly and daily windows. It goes
// through the same rollover as Authorize, so a report taken after midnight
// shows the fresh window.
func (c *Controller) CurrentUsage(ctx context.Context) (Usage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	day, hour, err := c.currentWindows(ctx, now)
	if err != nil {
		return Usage{}, err
	}

	u := Usage{
		Daily:              day,
		Hourly:             hour,
		Limits:             c.limits,
		DailyCallsPercent:  percent(float64(day.CallCount), float64(c.limits.DailyCalls)),
		HourlyCallsPercent: percent(float64(hour.CallCount), float64(c.limits.HourlyCalls)),
		DailyCostPercent:   percent(float64(day.CostAccrued), float64(c.limits.DailyCost)),
		MonthlyProjection:  day.CostAccrued * 30,
		At:                 now,
	}
	u.Warnings = warnings(u)
	return u, nil
}

func percent(used, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return 100 * used / limit
}

func warnings(u Usage) []string {
	var out []string
	add := func(name string, pct float64) {
		switch {
		case pct >= 100*criticalLevel:
			out = append(out, fmt.Sprintf("critical: %s at %.0f%%", name, pct))
		case pct >= 100*warnLevel:
			out = append(out, fmt.Sprintf("warning: %s at %.0f%%", name, pct))
		}
	}
	add("hourly calls", u.HourlyCallsPercent)
	add("daily calls", u.DailyCallsPercent)
	add("daily cost", u.DailyCostPercent)
	return out
}

// History returns up to days daily windows, most recent first. days <= 0
// uses the configured default.
func (c *Controller) History(ctx context.Context, days int) ([]ledger.Window, error) {
	if days <= 0 {
		days = c.historyDays
	}
	windows, err := c.store.History(ctx, days)
	if err != nil {
		return nil, c.failClosed(ctx, "read history", err)
	}
	return windows, nil
}

// EmergencyReset zeroes one window. An empty windowID resets the current
// daily window. Outstanding reservations on that window settle against the
// zeroed counters, which never go below zero.
func (c *Controller) EmergencyReset(ctx context.Context, windowID string) (ledger.Window, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if windowID == "" {
		windowID = ledger.WindowID(ledger.WindowStart(c.now(), ledger.PeriodDay), ledger.PeriodDay)
	}
	if _, _, err := ledger.ParseWindowID(windowID); err != nil {
		return ledger.Window{}, apperrors.BadRequest(err.Error())
	}

	w, err := c.store.Reset(ctx, windowID)
	if err != nil {
		return ledger.Window{}, c.failClosed(ctx, "reset window", err)
	}
	c.alerts.reset(windowID)

	c.logger.Warn(ctx, "usage window reset", zap.String("window", windowID))
	return w, nil
}
