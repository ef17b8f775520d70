package results

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/lib/pq"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresSink inserts one row per record into a results table.
type PostgresSink struct {
	db     execer
	closer func() error
	insert string
}

// OpenPostgresSink connects to dsn and creates table if it does not exist.
func OpenPostgresSink(ctx context.Context, dsn, table string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := newPostgresSink(ctx, db, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.closer = db.Close
	return s, nil
}

func newPostgresSink(ctx context.Context, db execer, table string) (*PostgresSink, error) {
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid results table name %q", table)
	}
	quoted := pq.QuoteIdentifier(table)

	ddl := `CREATE TABLE IF NOT EXISTS ` + quoted + ` (
		id            BIGSERIAL PRIMARY KEY,
		run_id        TEXT NOT NULL,
		recorded_at   TIMESTAMPTZ NOT NULL,
		frequency_mhz INTEGER NOT NULL,
		status        TEXT NOT NULL,
		stage         TEXT NOT NULL,
		reason        TEXT,
		registered    BOOLEAN NOT NULL,
		signal_dbm    INTEGER,
		ping_ms       DOUBLE PRECISION,
		tx_mbps       DOUBLE PRECISION,
		rx_mbps       DOUBLE PRECISION
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}

	return &PostgresSink{
		db: db,
		insert: `INSERT INTO ` + quoted + ` (run_id, recorded_at, frequency_mhz, status, stage, reason, registered, signal_dbm, ping_ms, tx_mbps, rx_mbps)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
	}, nil
}

func (s *PostgresSink) Publish(ctx context.Context, env Envelope) error {
	rec := env.Record

	var signal sql.NullInt64
	if rec.SignalDBm != nil {
		signal = sql.NullInt64{Int64: int64(*rec.SignalDBm), Valid: true}
	}
	var ping, tx, rx sql.NullFloat64
	if rec.PingMs != nil {
		ping = sql.NullFloat64{Float64: *rec.PingMs, Valid: true}
	}
	if rec.Bandwidth != nil {
		tx = sql.NullFloat64{Float64: rec.Bandwidth.TxTotalAvgMbps, Valid: true}
		rx = sql.NullFloat64{Float64: rec.Bandwidth.RxTotalAvgMbps, Valid: true}
	}
	reason := sql.NullString{String: rec.Reason, Valid: rec.Reason != ""}

	_, err := s.db.ExecContext(ctx, s.insert,
		env.RunID,
		rec.Time,
		rec.FrequencyMHz,
		string(rec.Status),
		rec.Stage.String(),
		reason,
		rec.Registered,
		signal,
		ping,
		tx,
		rx,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
