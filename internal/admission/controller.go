// Package admission gates every call to the extraction service against
// hourly and daily call quotas and a daily cost ceiling.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinical-coding/platform/internal/ledger"
	"github.com/clinical-coding/platform/internal/shared/config"
	apperrors "github.com/clinical-coding/platform/internal/shared/errors"
	"github.com/clinical-coding/platform/internal/shared/logging"
	"github.com/clinical-coding/platform/internal/shared/metrics"
)

// Decision is the outcome of an admission check.
type Decision string

const (
	Allow      Decision = "allow"
	DenyHourly Decision = "deny_hourly"
	DenyDaily  Decision = "deny_daily"
	DenyCost   Decision = "deny_cost"
)

// Scope names the quota a denial refers to.
func (d Decision) Scope() string {
	switch d {
	case DenyHourly:
		return "hourly"
	case DenyDaily:
		return "daily"
	case DenyCost:
		return "cost"
	default:
		return ""
	}
}

// ErrReservationSettled is returned when a reservation is committed or
// released twice.
var ErrReservationSettled = errors.New("reservation already settled")

// Reservation is one admitted call. It must be settled exactly once, with
// Commit on success or Release on failure.
type Reservation struct {
	ID            string
	DailyWindow   string
	HourlyWindow  string
	EstimatedCost ledger.Money
	CreatedAt     time.Time

	settled bool
}

// Limits are the configured ceilings. A zero ceiling is disabled.
type Limits struct {
	HourlyCalls   int64        `json:"hourly_calls"`
	DailyCalls    int64        `json:"daily_calls"`
	DailyCost     ledger.Money `json:"daily_cost"`
	AlertFraction float64      `json:"alert_fraction"`
}

// Controller serializes rollover, quota checks and reservation accounting
// behind one mutex. It is the only writer of the ledger.
type Controller struct {
	mu     sync.Mutex
	store  ledger.Store
	limits Limits

	historyDays     int
	dailyRetention  time.Duration
	hourlyRetention time.Duration

	now    func() time.Time
	logger *logging.Logger
	sink   AlertSink

	dayStart  time.Time
	hourStart time.Time

	alerts alertLog
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Controller) { c.logger = logger.Named("admission") }
}

// WithAlertSink forwards fired alerts to sink.
func WithAlertSink(sink AlertSink) Option {
	return func(c *Controller) { c.sink = sink }
}

// NewController creates a controller over store using the quota settings.
func NewController(store ledger.Store, cfg config.QuotaConfig, opts ...Option) *Controller {
	c := &Controller{
		store: store,
		limits: Limits{
			HourlyCalls:   cfg.HourlyCalls,
			DailyCalls:    cfg.DailyCalls,
			DailyCost:     ledger.Units(cfg.DailyCost),
			AlertFraction: cfg.AlertFraction,
		},
		historyDays:     cfg.HistoryDays,
		dailyRetention:  cfg.DailyRetention,
		hourlyRetention: cfg.HourlyRetention,
		now:             time.Now,
		logger:          logging.Nop(),
		alerts:          newAlertLog(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.historyDays <= 0 {
		c.historyDays = 7
	}
	return c
}

// Limits returns the configured ceilings.
func (c *Controller) Limits() Limits {
	return c.limits
}

// Authorize checks the quotas for one call of estimatedCost and, when
// allowed, reserves it on both current windows. Denials never touch the
// ledger. A ledger failure is returned as an error and must be treated as
// a denial.
func (c *Controller) Authorize(ctx context.Context, estimatedCost ledger.Money) (Decision, *Reservation, error) {
	decision, res, fired, err := c.authorize(ctx, estimatedCost)
	c.publish(ctx, fired)
	return decision, res, err
}

func (c *Controller) authorize(ctx context.Context, estimatedCost ledger.Money) (Decision, *Reservation, []Alert, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	day, hour, err := c.currentWindows(ctx, now)
	if err != nil {
		return DenyDaily, nil, nil, err
	}

	if decision := c.check(day, hour, estimatedCost); decision != Allow {
		return c.deny(ctx, decision, day, hour), nil, nil, nil
	}

	// The store re-applies the ceilings when it writes, which catches other
	// processes sharing the ledger.
	reserved, err := c.store.Reserve(ctx, day.ID, 1, estimatedCost, ledger.Ceiling{
		Calls: c.limits.DailyCalls,
		Cost:  c.limits.DailyCost,
	})
	if errors.Is(err, ledger.ErrCeilingReached) {
		decision := c.check(reserved, hour, estimatedCost)
		if decision == Allow {
			decision = DenyDaily
		}
		return c.deny(ctx, decision, reserved, hour), nil, nil, nil
	}
	if err != nil {
		return DenyDaily, nil, nil, c.failClosed(ctx, "reserve daily window", err)
	}
	day = reserved

	reserved, err = c.store.Reserve(ctx, hour.ID, 1, estimatedCost, ledger.Ceiling{Calls: c.limits.HourlyCalls})
	if err != nil {
		if _, rbErr := c.store.Increment(ctx, day.ID, -1, -estimatedCost); rbErr != nil {
			c.logger.Error(ctx, "failed to roll back daily reservation", zap.Error(rbErr))
		}
		if errors.Is(err, ledger.ErrCeilingReached) {
			return c.deny(ctx, DenyHourly, day, reserved), nil, nil, nil
		}
		return DenyHourly, nil, nil, c.failClosed(ctx, "reserve hourly window", err)
	}
	hour = reserved
	metrics.RecordAdmission(string(Allow))

	res := &Reservation{
		ID:            uuid.New().String(),
		DailyWindow:   day.ID,
		HourlyWindow:  hour.ID,
		EstimatedCost: estimatedCost,
		CreatedAt:     now,
	}
	c.recordUsage(day, hour)

	c.logger.Debug(ctx, "call reserved",
		zap.String("reservation", res.ID),
		zap.Stringer("estimated_cost", estimatedCost),
	)
	return Allow, res, c.evaluateAlerts(ctx, day, hour, now), nil
}

func (c *Controller) deny(ctx context.Context, decision Decision, day, hour ledger.Window) Decision {
	metrics.RecordAdmission(string(decision))
	c.logger.Warn(ctx, "call denied",
		zap.String("decision", string(decision)),
		zap.Int64("daily_calls", day.CallCount),
		zap.Int64("hourly_calls", hour.CallCount),
		zap.Stringer("daily_cost", day.CostAccrued),
	)
	return decision
}

// currentWindows rolls over if needed and loads both current windows.
// Must be called with c.mu held.
func (c *Controller) currentWindows(ctx context.Context, now time.Time) (ledger.Window, ledger.Window, error) {
	dayID, dayStart, newDay := ledger.CurrentWindow(now, c.dayStart, ledger.PeriodDay)
	hourID, hourStart, newHour := ledger.CurrentWindow(now, c.hourStart, ledger.PeriodHour)

	if newDay {
		c.dayStart = dayStart
		c.purge(ctx, now)
	}
	if newHour {
		c.hourStart = hourStart
		c.alerts.forget(dayID, hourID)
	}

	day, err := c.store.GetOrCreateWindow(ctx, dayID)
	if err != nil {
		return ledger.Window{}, ledger.Window{}, c.failClosed(ctx, "load daily window", err)
	}
	hour, err := c.store.GetOrCreateWindow(ctx, hourID)
	if err != nil {
		return ledger.Window{}, ledger.Window{}, c.failClosed(ctx, "load hourly window", err)
	}
	return day, hour, nil
}

// check applies the ceilings in order: daily calls, hourly calls, daily cost.
func (c *Controller) check(day, hour ledger.Window, estimatedCost ledger.Money) Decision {
	switch {
	case c.limits.DailyCalls > 0 && day.CallCount+1 > c.limits.DailyCalls:
		return DenyDaily
	case c.limits.HourlyCalls > 0 && hour.CallCount+1 > c.limits.HourlyCalls:
		return DenyHourly
	case c.limits.DailyCost > 0 && day.CostAccrued+estimatedCost > c.limits.DailyCost:
		return DenyCost
	default:
		return Allow
	}
}

// Commit settles a reservation with the actual cost of the call. Only the
// cost is reconciled; the call stays counted.
func (c *Controller) Commit(ctx context.Context, res *Reservation, actualCost ledger.Money) error {
	fired, err := c.settle(ctx, res, 0, actualCost-res.costOrZero(), "commit")
	c.publish(ctx, fired)
	if err == nil {
		metrics.RecordExtractionCost(actualCost.Float64())
	}
	return err
}

// Release rolls a reservation back exactly, as if the call never happened.
func (c *Controller) Release(ctx context.Context, res *Reservation) error {
	_, err := c.settle(ctx, res, -1, -res.costOrZero(), "release")
	return err
}

func (r *Reservation) costOrZero() ledger.Money {
	if r == nil {
		return 0
	}
	return r.EstimatedCost
}

func (c *Controller) settle(ctx context.Context, res *Reservation, deltaCalls int64, deltaCost ledger.Money, op string) ([]Alert, error) {
	if res == nil {
		return nil, fmt.Errorf("%s: nil reservation", op)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if res.settled {
		return nil, fmt.Errorf("%s %s: %w", op, res.ID, ErrReservationSettled)
	}
	res.settled = true

	if deltaCalls == 0 && deltaCost == 0 {
		return nil, nil
	}

	day, err := c.store.Increment(ctx, res.DailyWindow, deltaCalls, deltaCost)
	if err != nil {
		return nil, c.failClosed(ctx, op+" daily window", err)
	}
	hour, err := c.store.Increment(ctx, res.HourlyWindow, deltaCalls, deltaCost)
	if err != nil {
		return nil, c.failClosed(ctx, op+" hourly window", err)
	}

	c.logger.Debug(ctx, "reservation settled",
		zap.String("op", op),
		zap.String("reservation", res.ID),
		zap.Stringer("cost_delta", deltaCost),
	)

	// Only the current windows feed alerts; a late commit on a past window
	// cannot alert for it any more.
	now := c.now().UTC()
	if day.ID != ledger.WindowID(ledger.WindowStart(now, ledger.PeriodDay), ledger.PeriodDay) ||
		hour.ID != ledger.WindowID(ledger.WindowStart(now, ledger.PeriodHour), ledger.PeriodHour) {
		return nil, nil
	}
	c.recordUsage(day, hour)
	return c.evaluateAlerts(ctx, day, hour, now), nil
}

// purge drops windows past their retention horizon. Failures are logged;
// stale windows never block admission.
func (c *Controller) purge(ctx context.Context, now time.Time) {
	horizons := []struct {
		period ledger.Period
		keep   time.Duration
	}{
		{ledger.PeriodDay, c.dailyRetention},
		{ledger.PeriodHour, c.hourlyRetention},
	}
	for _, h := range horizons {
		if h.keep <= 0 {
			continue
		}
		n, err := c.store.PurgeOlderThan(ctx, h.period, now.Add(-h.keep))
		if err != nil {
			c.logger.Warn(ctx, "failed to purge usage windows", zap.String("period", string(h.period)), zap.Error(err))
			continue
		}
		if n > 0 {
			c.logger.Info(ctx, "purged usage windows", zap.String("period", string(h.period)), zap.Int("count", n))
		}
	}
}

func (c *Controller) failClosed(ctx context.Context, op string, err error) error {
	c.logger.Error(ctx, "usage ledger failure", zap.String("op", op), zap.Error(err))
	return apperrors.LedgerInconsistency(fmt.Errorf("%s: %w", op, err))
}

func (c *Controller) recordUsage(day, hour ledger.Window) {
	metrics.RecordQuotaUsage("daily_calls", float64(day.CallCount), float64(c.limits.DailyCalls))
	metrics.RecordQuotaUsage("hourly_calls", float64(hour.CallCount), float64(c.limits.HourlyCalls))
	metrics.RecordQuotaUsage("daily_cost", day.CostAccrued.Float64(), c.limits.DailyCost.Float64())
}
