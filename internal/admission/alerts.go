package admission

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clinical-coding/platform/internal/ledger"
	"github.com/clinical-coding/platform/internal/shared/metrics"
)

// AlertKind names the quota an alert refers to.
type AlertKind string

const (
	AlertHourlyCalls AlertKind = "hourly_calls"
	AlertDailyCalls  AlertKind = "daily_calls"
	AlertDailyCost   AlertKind = "daily_cost"
)

// maxAlerts bounds the in-memory alert log.
const maxAlerts = 100

// Alert is raised once per kind and window when usage crosses the alert
// fraction of a ceiling.
type Alert struct {
	Kind     AlertKind `json:"kind"`
	WindowID string    `json:"window_id"`
	Used     float64   `json:"used"`
	Limit    float64   `json:"limit"`
	Fraction float64   `json:"fraction"`
	Message  string    `json:"message"`
	FiredAt  time.Time `json:"fired_at"`
}

// AlertSink receives fired alerts. Delivery failures are logged and never
// affect admission.
type AlertSink interface {
	PublishAlert(ctx context.Context, alert Alert) error
}

type alertKey struct {
	kind   AlertKind
	window string
}

type alertLog struct {
	entries []Alert
	fired   map[alertKey]bool
}

func newAlertLog() alertLog {
	return alertLog{fired: make(map[alertKey]bool)}
}

// fire records an alert unless it already fired for its window.
func (l *alertLog) fire(a Alert) bool {
	key := alertKey{a.Kind, a.WindowID}
	if l.fired[key] {
		return false
	}
	l.fired[key] = true
	l.entries = append(l.entries, a)
	if len(l.entries) > maxAlerts {
		l.entries = l.entries[len(l.entries)-maxAlerts:]
	}
	return true
}

// forget drops dedup state for windows other than the current ones.
func (l *alertLog) forget(dayID, hourID string) {
	for key := range l.fired {
		if key.window != dayID && key.window != hourID {
			delete(l.fired, key)
		}
	}
}

// reset re-arms alerts for one window.
func (l *alertLog) reset(windowID string) {
	for key := range l.fired {
		if key.window == windowID {
			delete(l.fired, key)
		}
	}
}

// Alerts returns the fired alerts, oldest first.
func (c *Controller) Alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.alerts.entries...)
}

// evaluateAlerts fires threshold alerts for the current windows. Must be
// called with c.mu held.
func (c *Controller) evaluateAlerts(ctx context.Context, day, hour ledger.Window, now time.Time) []Alert {
	fraction := c.limits.AlertFraction
	if fraction <= 0 {
		return nil
	}

	checks := []struct {
		kind   AlertKind
		window string
		used   float64
		limit  float64
	}{
		{AlertDailyCalls, day.ID, float64(day.CallCount), float64(c.limits.DailyCalls)},
		{AlertHourlyCalls, hour.ID, float64(hour.CallCount), float64(c.limits.HourlyCalls)},
		{AlertDailyCost, day.ID, day.CostAccrued.Float64(), c.limits.DailyCost.Float64()},
	}

	var fired []Alert
	for _, chk := range checks {
		if chk.limit <= 0 || chk.used < fraction*chk.limit {
			continue
		}
		a := Alert{
			Kind:     chk.kind,
			WindowID: chk.window,
			Used:     chk.used,
			Limit:    chk.limit,
			Fraction: fraction,
			Message: fmt.Sprintf("%s at %.0f%% of quota (%s / %s) in window %s",
				chk.kind, 100*chk.used/chk.limit, formatAmount(chk.kind, chk.used), formatAmount(chk.kind, chk.limit), chk.window),
			FiredAt: now,
		}
		if !c.alerts.fire(a) {
			continue
		}
		metrics.RecordQuotaAlert(string(a.Kind))
		c.logger.Warn(ctx, "quota alert",
			zap.String("kind", string(a.Kind)),
			zap.String("window", a.WindowID),
			zap.Float64("used", a.Used),
			zap.Float64("limit", a.Limit),
		)
		fired = append(fired, a)
	}
	return fired
}

// publish forwards alerts to the sink outside the accounting lock.
func (c *Controller) publish(ctx context.Context, alerts []Alert) {
	if c.sink == nil {
		return
	}
	for _, a := range alerts {
		if err := c.sink.PublishAlert(ctx, a); err != nil {
			c.logger.Warn(ctx, "failed to publish quota alert", zap.String("kind", string(a.Kind)), zap.Error(err))
		}
	}
}

func formatAmount(kind AlertKind, v float64) string {
	if kind == AlertDailyCost {
		return fmt.Sprintf("$%.2f", v)
	}
	return fmt.Sprintf("%.0f", v)
}
