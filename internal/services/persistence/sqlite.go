package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/eloadlab/eload-telemetry/internal/model"
)

// Timestamps are kept as unix nanoseconds so that range scans compare
// integers rather than formatted strings.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS measurements (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_unix_nano     INTEGER NOT NULL,
	current_setpoint REAL    NOT NULL,
	current_measured REAL    NOT NULL,
	mode             TEXT    NOT NULL CHECK (length(mode) = 2),
	active           INTEGER NOT NULL,
	pwm              INTEGER NOT NULL CHECK (pwm >= 0)
);
CREATE INDEX IF NOT EXISTS measurements_ts_idx ON measurements (ts_unix_nano);
`

type sqliteRow struct {
	ID              int64   `db:"id"`
	TSUnixNano      int64   `db:"ts_unix_nano"`
	CurrentSetpoint float64 `db:"current_setpoint"`
	CurrentMeasured float64 `db:"current_measured"`
	Mode            string  `db:"mode"`
	Active          bool    `db:"active"`
	PWM             int     `db:"pwm"`
}

func (r sqliteRow) measurement() model.Measurement {
	return model.Measurement{
		ID:              r.ID,
		CurrentSetpoint: r.CurrentSetpoint,
		CurrentMeasured: r.CurrentMeasured,
		Active:          r.Active,
		Mode:            r.Mode,
		PWM:             r.PWM,
		Timestamp:       time.Unix(0, r.TSUnixNano).UTC(),
	}
}

type sqliteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func openSQLite(ctx context.Context, path string, o options) (*sqliteStore, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite %s: %w", strings.SplitN(path, "?", 2)[0], err)
	}
	// one writer at a time; readers share the same connection
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	o.logger.WithField("path", path).Info("sqlite store ready")
	return &sqliteStore{db: db, now: o.now}, nil
}

// sqliteDSN adds WAL and a busy timeout unless the caller set them.
func sqliteDSN(path string) string {
	file, raw, _ := strings.Cut(path, "?")
	q, err := url.ParseQuery(raw)
	if err != nil {
		q = url.Values{}
	}
	if q.Get("_journal_mode") == "" {
		q.Set("_journal_mode", "WAL")
	}
	if q.Get("_busy_timeout") == "" {
		q.Set("_busy_timeout", "5000")
	}
	return file + "?" + q.Encode()
}

func (s *sqliteStore) Append(ctx context.Context, m model.Measurement) (model.Measurement, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Measurement{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last sql.NullInt64
	if err := tx.GetContext(ctx, &last, `SELECT MAX(ts_unix_nano) FROM measurements`); err != nil {
		return model.Measurement{}, fmt.Errorf("read last timestamp: %w", err)
	}
	var lastTS time.Time
	if last.Valid {
		lastTS = time.Unix(0, last.Int64)
	}
	ts := stamp(s.now, lastTS)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO measurements (ts_unix_nano, current_setpoint, current_measured, mode, active, pwm)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ts.UnixNano(), m.CurrentSetpoint, m.CurrentMeasured, m.Mode, m.Active, m.PWM)
	if err != nil {
		return model.Measurement{}, fmt.Errorf("insert measurement: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Measurement{}, fmt.Errorf("read inserted id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Measurement{}, fmt.Errorf("commit: %w", err)
	}
	m.ID = id
	m.Timestamp = ts.UTC()
	return m, nil
}

func (s *sqliteStore) QuerySince(ctx context.Context, cutoff time.Time) ([]model.Measurement, error) {
	var rows []sqliteRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, ts_unix_nano, current_setpoint, current_measured, mode, active, pwm
		 FROM measurements WHERE ts_unix_nano >= ? ORDER BY ts_unix_nano, id`,
		cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	out := make([]model.Measurement, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.measurement())
	}
	return out, nil
}

func (s *sqliteStore) Latest(ctx context.Context) (model.Measurement, error) {
	var r sqliteRow
	err := s.db.GetContext(ctx, &r,
		`SELECT id, ts_unix_nano, current_setpoint, current_measured, mode, active, pwm
		 FROM measurements ORDER BY ts_unix_nano DESC, id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Measurement{}, ErrNotFound
	}
	if err != nil {
		return model.Measurement{}, fmt.Errorf("query latest: %w", err)
	}
	return r.measurement(), nil
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
