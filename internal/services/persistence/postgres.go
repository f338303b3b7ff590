package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eloadlab/eload-telemetry/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS measurements (
	id               BIGSERIAL PRIMARY KEY,
	timestamp        TIMESTAMPTZ      NOT NULL,
	current_setpoint DOUBLE PRECISION NOT NULL,
	current_measured DOUBLE PRECISION NOT NULL,
	mode             VARCHAR(2)       NOT NULL,
	active           BOOLEAN          NOT NULL,
	pwm              INTEGER          NOT NULL CHECK (pwm >= 0)
);
CREATE INDEX IF NOT EXISTS measurements_timestamp_idx ON measurements (timestamp);
`

const selectColumns = `id, timestamp, current_setpoint, current_measured, mode, active, pwm`

type postgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func openPostgres(ctx context.Context, dsn string, o options) (*postgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}

	// the database container often comes up after us
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = o.connectTimeout
	err = backoff.Retry(func() error {
		if err := pool.Ping(ctx); err != nil {
			o.logger.WithError(err).Warn("postgres not reachable yet")
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not reach postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	o.logger.Info("postgres store ready")
	return &postgresStore{pool: pool, now: o.now}, nil
}

// appendLockKey serializes appends across every API replica sharing the
// database, so MAX(timestamp) cannot change between the read and the insert.
const appendLockKey = 0x656c6f6164

func (s *postgresStore) Append(ctx context.Context, m model.Measurement) (model.Measurement, error) {
	// microsecond precision is what timestamptz keeps
	now := func() time.Time { return s.now().Truncate(time.Microsecond) }

	var ts time.Time
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(appendLockKey)); err != nil {
			return fmt.Errorf("lock measurements: %w", err)
		}
		var last *time.Time
		if err := tx.QueryRow(ctx, `SELECT MAX(timestamp) FROM measurements`).Scan(&last); err != nil {
			return fmt.Errorf("read last timestamp: %w", err)
		}
		var lastTS time.Time
		if last != nil {
			lastTS = *last
		}
		ts = stamp(now, lastTS)

		err := tx.QueryRow(ctx,
			`INSERT INTO measurements (timestamp, current_setpoint, current_measured, mode, active, pwm)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			ts, m.CurrentSetpoint, m.CurrentMeasured, m.Mode, m.Active, m.PWM,
		).Scan(&m.ID)
		if err != nil {
			return fmt.Errorf("insert measurement: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Measurement{}, err
	}
	m.Timestamp = ts
	return m, nil
}

func (s *postgresStore) QuerySince(ctx context.Context, cutoff time.Time) ([]model.Measurement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM measurements WHERE timestamp >= $1 ORDER BY timestamp, id`,
		cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := make([]model.Measurement, 0, 64)
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func (s *postgresStore) Latest(ctx context.Context) (model.Measurement, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM measurements ORDER BY timestamp DESC, id DESC LIMIT 1`)
	m, err := scanMeasurement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Measurement{}, ErrNotFound
	}
	return m, err
}

func (s *postgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanMeasurement(row pgx.Row) (model.Measurement, error) {
	var m model.Measurement
	var pwm int32
	if err := row.Scan(&m.ID, &m.Timestamp, &m.CurrentSetpoint, &m.CurrentMeasured, &m.Mode, &m.Active, &pwm); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("scan measurement: %w", err)
	}
	m.PWM = int(pwm)
	m.Timestamp = m.Timestamp.UTC()
	return m, nil
}
