package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinical-coding/platform/internal/shared/metrics"
)

// PostgresStore keeps windows in the usage_windows table. Counter updates
// are single upsert statements so concurrent writers never lose increments.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a ledger over an already migrated pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const windowColumns = `id, period, window_start, call_count, cost_micros, updated_at`

func scanWindow(row pgx.Row) (Window, error) {
	var (
		w      Window
		period string
		micros int64
	)
	if err := row.Scan(&w.ID, &period, &w.Start, &w.CallCount, &micros, &w.UpdatedAt); err != nil {
		return Window{}, err
	}
	w.Period = Period(period)
	w.CostAccrued = Money(micros)
	w.Start = w.Start.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

func (s *PostgresStore) GetOrCreateWindow(ctx context.Context, id string) (Window, error) {
	defer observe("ledger_get_or_create", time.Now())

	empty, err := newWindow(id)
	if err != nil {
		return Window{}, err
	}
	// The no-op update makes RETURNING yield the existing row on conflict.
	row := s.pool.QueryRow(ctx, `
		INSERT INTO usage_windows (id, period, window_start)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING `+windowColumns,
		empty.ID, string(empty.Period), empty.Start,
	)
	w, err := scanWindow(row)
	if err != nil {
		return Window{}, fmt.Errorf("failed to get window %s: %w", id, err)
	}
	return w, nil
}

func (s *PostgresStore) Increment(ctx context.Context, id string, deltaCalls int64, deltaCost Money) (Window, error) {
	defer observe("ledger_increment", time.Now())

	empty, err := newWindow(id)
	if err != nil {
		return Window{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO usage_windows (id, period, window_start, call_count, cost_micros)
		VALUES ($1, $2, $3, GREATEST($4::BIGINT, 0), GREATEST($5::BIGINT, 0))
		ON CONFLICT (id) DO UPDATE SET
			call_count  = GREATEST(usage_windows.call_count + $4::BIGINT, 0),
			cost_micros = GREATEST(usage_windows.cost_micros + $5::BIGINT, 0),
			updated_at  = NOW()
		RETURNING `+windowColumns,
		empty.ID, string(empty.Period), empty.Start, deltaCalls, int64(deltaCost),
	)
	w, err := scanWindow(row)
	if err != nil {
		return Window{}, fmt.Errorf("failed to increment window %s: %w", id, err)
	}
	return w, nil
}

// Reserve folds the ceiling into the UPDATE, so replicas sharing the table
// cannot push a window past it between their checks.
func (s *PostgresStore) Reserve(ctx context.Context, id string, deltaCalls int64, deltaCost Money, ceiling Ceiling) (Window, error) {
	defer observe("ledger_reserve", time.Now())

	empty, err := newWindow(id)
	if err != nil {
		return Window{}, err
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO usage_windows (id, period, window_start)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		empty.ID, string(empty.Period), empty.Start,
	); err != nil {
		return Window{}, fmt.Errorf("failed to create window %s: %w", id, err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE usage_windows SET
			call_count  = GREATEST(call_count + $2::BIGINT, 0),
			cost_micros = GREATEST(cost_micros + $3::BIGINT, 0),
			updated_at  = NOW()
		WHERE id = $1
		  AND ($4::BIGINT = 0 OR call_count + $2::BIGINT <= $4::BIGINT)
		  AND ($5::BIGINT = 0 OR cost_micros + $3::BIGINT <= $5::BIGINT)
		RETURNING `+windowColumns,
		id, deltaCalls, int64(deltaCost), ceiling.Calls, int64(ceiling.Cost),
	)
	w, err := scanWindow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, gErr := s.GetOrCreateWindow(ctx, id)
		if gErr != nil {
			return Window{}, gErr
		}
		return current, ErrCeilingReached
	}
	if err != nil {
		return Window{}, fmt.Errorf("failed to reserve on window %s: %w", id, err)
	}
	return w, nil
}

func (s *PostgresStore) History(ctx context.Context, limit int) ([]Window, error) {
	defer observe("ledger_history", time.Now())

	query := `SELECT ` + windowColumns + ` FROM usage_windows
		WHERE period = 'day' ORDER BY window_start DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var days []Window
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan window: %w", err)
		}
		days = append(days, w)
	}
	return days, rows.Err()
}

func (s *PostgresStore) PurgeOlderThan(ctx context.Context, p Period, cutoff time.Time) (int, error) {
	defer observe("ledger_purge", time.Now())

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM usage_windows WHERE period = $1 AND window_start < $2`,
		string(p), cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge %s windows: %w", p, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Reset(ctx context.Context, id string) (Window, error) {
	defer observe("ledger_reset", time.Now())

	empty, err := newWindow(id)
	if err != nil {
		return Window{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO usage_windows (id, period, window_start)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET call_count = 0, cost_micros = 0, updated_at = NOW()
		RETURNING `+windowColumns,
		empty.ID, string(empty.Period), empty.Start,
	)
	w, err := scanWindow(row)
	if err != nil {
		return Window{}, fmt.Errorf("failed to reset window %s: %w", id, err)
	}
	return w, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func observe(op string, start time.Time) {
	metrics.RecordDBQuery(op, time.Since(start))
}

var _ Store = (*PostgresStore)(nil)
