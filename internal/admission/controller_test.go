package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinical-coding/platform/internal/ledger"
	"github.com/clinical-coding/platform/internal/shared/config"
	apperrors "github.com/clinical-coding/platform/internal/shared/errors"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *recordingSink) PublishAlert(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

type brokenStore struct{ ledger.MemoryStore }

// sharedStore simulates another process writing to the same ledger
// between the quota check and the reservation.
type sharedStore struct {
	*ledger.MemoryStore
	once sync.Once
}

func (s *sharedStore) Reserve(ctx context.Context, id string, deltaCalls int64, deltaCost ledger.Money, ceiling ledger.Ceiling) (ledger.Window, error) {
	s.once.Do(func() {
		_, _ = s.MemoryStore.Increment(ctx, id, 1, deltaCost)
	})
	return s.MemoryStore.Reserve(ctx, id, deltaCalls, deltaCost, ceiling)
}

func (brokenStore) GetOrCreateWindow(context.Context, string) (ledger.Window, error) {
	return ledger.Window{}, errors.New("disk full")
}

var start = time.Date(2024, 6, 3, 22, 30, 0, 0, time.UTC)

func quota(hourly, daily int64, cost float64) config.QuotaConfig {
	return config.QuotaConfig{
		HourlyCalls:     hourly,
		DailyCalls:      daily,
		DailyCost:       cost,
		AlertFraction:   0.8,
		HistoryDays:     7,
		DailyRetention:  30 * 24 * time.Hour,
		HourlyRetention: 48 * time.Hour,
	}
}

func newTestController(cfg config.QuotaConfig, opts ...Option) (*Controller, *ledger.MemoryStore, *fakeClock) {
	store := ledger.NewMemoryStore()
	clock := newClock(start)
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewController(store, cfg, opts...), store, clock
}

func TestAuthorize_DailyLimitThenRollover(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newTestController(quota(0, 2, 0))

	for i := 0; i < 2; i++ {
		d, res, err := c.Authorize(ctx, ledger.Units(0.015))
		require.NoError(t, err)
		require.Equal(t, Allow, d)
		require.NoError(t, c.Commit(ctx, res, ledger.Units(0.015)))
	}

	d, res, err := c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)
	assert.Equal(t, DenyDaily, d)
	assert.Nil(t, res)

	clock.Advance(2 * time.Hour) // past midnight UTC
	d, res, err = c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)
	assert.Equal(t, Allow, d)
	assert.Equal(t, "2024-06-04", res.DailyWindow)
}

func TestAuthorize_HourlyLimit(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newTestController(quota(1, 10, 0))

	d, _, err := c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)
	require.Equal(t, Allow, d)

	d, _, err = c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)
	assert.Equal(t, DenyHourly, d)

	clock.Advance(time.Hour)
	d, _, err = c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)
	assert.Equal(t, Allow, d)
}

func TestAuthorize_CostCeiling(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(quota(0, 0, 0.04))

	for i := 0; i < 2; i++ {
		d, _, err := c.Authorize(ctx, ledger.Units(0.015))
		require.NoError(t, err)
		require.Equal(t, Allow, d)
	}
	d, _, err := c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)
	assert.Equal(t, DenyCost, d)
}

func TestAuthorize_CostCeilingIsExact(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestController(quota(0, 0, 0.3))

	for i := 0; i < 3; i++ {
		d, _, err := c.Authorize(ctx, ledger.Units(0.1))
		require.NoError(t, err)
		require.Equal(t, Allow, d, "call %d fits exactly", i+1)
	}
	d, _, err := c.Authorize(ctx, ledger.Units(0.1))
	require.NoError(t, err)
	assert.Equal(t, DenyCost, d)

	w, err := store.GetOrCreateWindow(ctx, "2024-06-03")
	require.NoError(t, err)
	assert.Equal(t, ledger.Units(0.3), w.CostAccrued)
}

func TestAuthorize_CeilingHeldAgainstOtherWriters(t *testing.T) {
	ctx := context.Background()
	store := &sharedStore{MemoryStore: ledger.NewMemoryStore()}
	c := NewController(store, quota(0, 1, 0), WithClock(newClock(start).Now))

	d, res, err := c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)
	assert.Equal(t, DenyDaily, d)
	assert.Nil(t, res)

	for _, id := range []string{"2024-06-03", "2024-06-03T22"} {
		w, err := store.GetOrCreateWindow(ctx, id)
		require.NoError(t, err)
		if id == "2024-06-03" {
			assert.Equal(t, int64(1), w.CallCount, "only the other writer's call")
		} else {
			assert.Zero(t, w.CallCount)
		}
	}
}

func TestAuthorize_CheckOrder(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestController(quota(1, 1, 0.01))

	_, err := store.Increment(ctx, "2024-06-03", 1, ledger.Units(1))
	require.NoError(t, err)
	_, err = store.Increment(ctx, "2024-06-03T22", 1, ledger.Units(1))
	require.NoError(t, err)

	d, _, err := c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)
	assert.Equal(t, DenyDaily, d, "daily calls are checked first")
}

func TestAuthorize_ZeroDisablesCeilings(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(quota(0, 0, 0))

	for i := 0; i < 500; i++ {
		d, _, err := c.Authorize(ctx, ledger.Units(1))
		require.NoError(t, err)
		require.Equal(t, Allow, d)
	}
	assert.Empty(t, c.Alerts())
}

func TestAuthorize_DenialDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestController(quota(0, 1, 0))

	_, _, err := c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		d, _, err := c.Authorize(ctx, ledger.Units(0.015))
		require.NoError(t, err)
		require.Equal(t, DenyDaily, d)
	}

	w, err := store.GetOrCreateWindow(ctx, "2024-06-03")
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.CallCount)
}

func TestRelease_RestoresLedger(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestController(quota(40, 200, 5))

	_, res, err := c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, res))

	for _, id := range []string{"2024-06-03", "2024-06-03T22"} {
		w, err := store.GetOrCreateWindow(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, w.CallCount, id)
		assert.Zero(t, w.CostAccrued, id)
	}
}

func TestRelease_IsBitExact(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestController(quota(40, 200, 5))

	_, res, err := c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, res, ledger.Units(0.01)))

	before, err := store.GetOrCreateWindow(ctx, "2024-06-03")
	require.NoError(t, err)
	require.Equal(t, ledger.Units(0.01), before.CostAccrued)

	_, res, err = c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, res))

	for _, id := range []string{"2024-06-03", "2024-06-03T22"} {
		w, err := store.GetOrCreateWindow(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), w.CallCount, id)
		assert.Equal(t, ledger.Units(0.01), w.CostAccrued, id)
	}
}

func TestCommit_ReconcilesCost(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestController(quota(40, 200, 5))

	_, res, err := c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, res, ledger.Units(0.021)))

	w, err := store.GetOrCreateWindow(ctx, "2024-06-03")
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.CallCount)
	assert.Equal(t, ledger.Units(0.021), w.CostAccrued)
}

func TestSettle_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(quota(40, 200, 5))

	_, res, err := c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, res, ledger.Units(0.015)))

	assert.ErrorIs(t, c.Release(ctx, res), ErrReservationSettled)
	assert.ErrorIs(t, c.Commit(ctx, res, ledger.Units(0.015)), ErrReservationSettled)
	assert.Error(t, c.Release(ctx, nil))
}

func TestCommit_AfterRolloverSettlesOriginalWindow(t *testing.T) {
	ctx := context.Background()
	c, store, clock := newTestController(quota(40, 200, 5))

	_, res, err := c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)
	clock.Advance(3 * time.Hour)
	require.NoError(t, c.Release(ctx, res))

	w, err := store.GetOrCreateWindow(ctx, "2024-06-03")
	require.NoError(t, err)
	assert.Zero(t, w.CallCount)
}

func TestAuthorize_Concurrent(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestController(quota(0, 25, 0))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _, err := c.Authorize(ctx, ledger.Units(0.015))
			assert.NoError(t, err)
			if d == Allow {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), allowed.Load())
	w, err := store.GetOrCreateWindow(ctx, "2024-06-03")
	require.NoError(t, err)
	assert.Equal(t, int64(25), w.CallCount)
}

func TestAuthorize_FailsClosed(t *testing.T) {
	c := NewController(&brokenStore{}, quota(40, 200, 5))

	d, res, err := c.Authorize(context.Background(), ledger.Units(0.015))
	require.Error(t, err)
	assert.NotEqual(t, Allow, d)
	assert.Nil(t, res)
	assert.True(t, apperrors.Is(err, apperrors.ErrLedger))
}

func TestAlerts_FireOncePerWindow(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	c, _, clock := newTestController(quota(0, 10, 0), WithAlertSink(sink))

	for i := 0; i < 10; i++ {
		_, _, err := c.Authorize(ctx, ledger.Units(0.015))
		require.NoError(t, err)
	}

	alerts := c.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDailyCalls, alerts[0].Kind)
	assert.Equal(t, "2024-06-03", alerts[0].WindowID)
	assert.Equal(t, 8.0, alerts[0].Used)
	assert.Len(t, sink.alerts, 1)

	clock.Advance(2 * time.Hour)
	for i := 0; i < 8; i++ {
		_, _, err := c.Authorize(ctx, ledger.Units(0.015))
		require.NoError(t, err)
	}
	alerts = c.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, "2024-06-04", alerts[1].WindowID)
}

func TestAlerts_CostOnCommit(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(quota(0, 0, 1))

	_, res, err := c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)
	assert.Empty(t, c.Alerts())

	require.NoError(t, c.Commit(ctx, res, ledger.Units(0.85)))
	alerts := c.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDailyCost, alerts[0].Kind)
	assert.Contains(t, alerts[0].Message, "$0.85")
}

func TestRollover_PurgesOldWindows(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestController(quota(40, 200, 5))

	for _, id := range []string{"2024-04-01", "2024-06-01", "2024-05-30T10", "2024-06-03T09"} {
		_, err := store.Increment(ctx, id, 1, 0)
		require.NoError(t, err)
	}

	_, _, err := c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)

	days, err := c.History(ctx, 0)
	require.NoError(t, err)
	ids := make([]string, len(days))
	for i, d := range days {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{"2024-06-03", "2024-06-01"}, ids)

	n, err := store.PurgeOlderThan(ctx, ledger.PeriodHour, start.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "old hourly window already purged")
}

func TestCurrentUsage(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(quota(10, 100, 1))

	for i := 0; i < 9; i++ {
		_, res, err := c.Authorize(ctx, ledger.Units(0.015))
		require.NoError(t, err)
		require.NoError(t, c.Commit(ctx, res, ledger.Units(0.05)))
	}

	u, err := c.CurrentUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), u.Hourly.CallCount)
	assert.InDelta(t, 90, u.HourlyCallsPercent, 1e-9)
	assert.InDelta(t, 9, u.DailyCallsPercent, 1e-9)
	assert.InDelta(t, 45, u.DailyCostPercent, 1e-9)
	assert.Equal(t, ledger.Units(13.5), u.MonthlyProjection)
	assert.Equal(t, []string{"critical: hourly calls at 90%"}, u.Warnings)
}

func TestEmergencyReset(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(quota(0, 2, 0))

	for i := 0; i < 2; i++ {
		_, _, err := c.Authorize(ctx, ledger.Units(0.015))
		require.NoError(t, err)
	}
	d, _, err := c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)
	require.Equal(t, DenyDaily, d)

	w, err := c.EmergencyReset(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-03", w.ID)
	assert.Zero(t, w.CallCount)

	d, _, err = c.Authorize(ctx, ledger.Units(0.015))
	require.NoError(t, err)
	assert.Equal(t, Allow, d)

	_, err = c.EmergencyReset(ctx, "bogus")
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}
