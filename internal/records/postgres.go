package records

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"marketplace-calls/internal/calls"
	"marketplace-calls/pkg/utils"
)

// Schema creates the tables used by PostgresRepo. Statements are idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS call_records (
  room_name      TEXT PRIMARY KEY,
  caller_email   TEXT NOT NULL,
  callee_email   TEXT NOT NULL,
  call_type      TEXT NOT NULL,
  status         TEXT NOT NULL,
  time_initiated BIGINT NOT NULL,
  duration_s     BIGINT NOT NULL DEFAULT 0,
  updated_at     TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS call_records_caller_idx ON call_records (lower(caller_email), time_initiated DESC)`,
	`CREATE INDEX IF NOT EXISTS call_records_callee_idx ON call_records (lower(callee_email), time_initiated DESC)`,
	`CREATE TABLE IF NOT EXISTS call_transitions (
  id          BIGSERIAL PRIMARY KEY,
  room_name   TEXT NOT NULL REFERENCES call_records (room_name),
  from_status TEXT NOT NULL DEFAULT '',
  to_status   TEXT NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL
)`,
}

// PostgresRepo stores records through database/sql (pgx stdlib driver).
// Saves lock the room's row so concurrent notifications for one call serialize.
type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

// Migrate applies Schema.
func (r *PostgresRepo) Migrate(ctx context.Context) error {
	return utils.EnsureSchema(ctx, r.db, Schema...)
}

func (r *PostgresRepo) Save(ctx context.Context, rec calls.Record) (calls.Record, bool, error) {
	var (
		out     calls.Record
		applied bool
	)
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var existing *calls.Record
		cur, err := lockRecord(ctx, tx, rec.RoomName)
		switch {
		case err == nil:
			existing = &cur
		case !errors.Is(err, ErrNotFound):
			return err
		}

		out, applied, err = merge(existing, rec)
		if err != nil {
			return err
		}
		now := r.clock().UTC()
		if err := upsertRecord(ctx, tx, out, now); err != nil {
			return err
		}
		if !applied {
			return nil
		}
		var from calls.Status
		if existing != nil {
			from = existing.Status
		}
		return insertTransition(ctx, tx, Transition{RoomName: out.RoomName, From: from, To: out.Status, At: now})
	})
	if err != nil {
		return calls.Record{}, false, err
	}
	return out, applied, nil
}

func (r *PostgresRepo) Get(ctx context.Context, room string) (calls.Record, error) {
	const q = `
SELECT room_name, caller_email, callee_email, call_type, status, time_initiated, duration_s
FROM call_records
WHERE room_name = $1
`
	return scanRecord(r.db.QueryRowContext(ctx, q, room))
}

func (r *PostgresRepo) History(ctx context.Context, email string) ([]calls.Record, error) {
	const q = `
SELECT room_name, caller_email, callee_email, call_type, status, time_initiated, duration_s
FROM call_records
WHERE lower(caller_email) = lower($1) OR lower(callee_email) = lower($1)
ORDER BY time_initiated DESC, room_name
LIMIT $2
`
	return r.query(ctx, q, strings.TrimSpace(email), DefaultHistoryLimit)
}

func (r *PostgresRepo) Pending(ctx context.Context, email string) ([]calls.Record, error) {
	const q = `
SELECT room_name, caller_email, callee_email, call_type, status, time_initiated, duration_s
FROM call_records
WHERE (lower(caller_email) = lower($1) OR lower(callee_email) = lower($1))
  AND status IN ('initiated', 'accepted')
ORDER BY time_initiated DESC, room_name
LIMIT $2
`
	return r.query(ctx, q, strings.TrimSpace(email), DefaultHistoryLimit)
}

func (r *PostgresRepo) Transitions(ctx context.Context, room string) ([]Transition, error) {
	const q = `
SELECT room_name, from_status, to_status, created_at
FROM call_transitions
WHERE room_name = $1
ORDER BY id
`
	rows, err := r.db.QueryContext(ctx, q, room)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.RoomName, &t.From, &t.To, &t.At); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) query(ctx context.Context, q string, args ...any) ([]calls.Record, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]calls.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (calls.Record, error) {
	var rec calls.Record
	if err := s.Scan(
		&rec.RoomName,
		&rec.CallerEmail,
		&rec.CalleeEmail,
		&rec.Type,
		&rec.Status,
		&rec.TimeInitiated,
		&rec.Duration,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Record{}, ErrNotFound
		}
		return calls.Record{}, err
	}
	return rec, nil
}

func lockRecord(ctx context.Context, tx *sql.Tx, room string) (calls.Record, error) {
	const q = `
SELECT room_name, caller_email, callee_email, call_type, status, time_initiated, duration_s
FROM call_records
WHERE room_name = $1
FOR UPDATE
`
	return scanRecord(tx.QueryRowContext(ctx, q, room))
}

func upsertRecord(ctx context.Context, tx *sql.Tx, rec calls.Record, now time.Time) error {
	const q = `
INSERT INTO call_records (
  room_name, caller_email, callee_email, call_type, status, time_initiated, duration_s, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8
)
ON CONFLICT (room_name)
DO UPDATE SET caller_email = EXCLUDED.caller_email,
              callee_email = EXCLUDED.callee_email,
              call_type = EXCLUDED.call_type,
              status = EXCLUDED.status,
              time_initiated = EXCLUDED.time_initiated,
              duration_s = EXCLUDED.duration_s,
              updated_at = EXCLUDED.updated_at
`
	_, err := tx.ExecContext(ctx, q,
		rec.RoomName,
		rec.CallerEmail,
		rec.CalleeEmail,
		rec.Type,
		rec.Status,
		rec.TimeInitiated,
		rec.Duration,
		now,
	)
	return err
}

func insertTransition(ctx context.Context, tx *sql.Tx, t Transition) error {
	const q = `
INSERT INTO call_transitions (room_name, from_status, to_status, created_at)
VALUES ($1,$2,$3,$4)
`
	_, err := tx.ExecContext(ctx, q, t.RoomName, t.From, t.To, t.At)
	return err
}
