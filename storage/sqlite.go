package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/imjasonh/pushsub"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL DEFAULT '',
	variant    TEXT NOT NULL DEFAULT '',
	endpoint   TEXT NOT NULL UNIQUE,
	p256dh     TEXT NOT NULL,
	auth       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_created ON subscriptions(created_at DESC, id);
`

const selectRecord = `SELECT id, user_id, variant, endpoint, p256dh, auth, created_at, updated_at FROM subscriptions `

// SQLite stores records in a SQLite database. Timestamps are kept as Unix
// nanoseconds so they round-trip exactly.
type SQLite struct {
	db *sql.DB
}

var _ Storage = (*SQLite)(nil)

// NewSQLite opens the database at dsn, e.g. "subscriptions.db" or
// ":memory:", and creates the schema if needed.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Save(ctx context.Context, record *Record) error {
	if err := check(record); err != nil {
		return err
	}
	stamp(record, time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	sub := record.Subscription
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE endpoint = ? AND id != ?`, sub.Endpoint, record.ID,
	); err != nil {
		return fmt.Errorf("replacing subscription: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, variant, endpoint, p256dh, auth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			variant = excluded.variant,
			endpoint = excluded.endpoint,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			updated_at = excluded.updated_at`,
		record.ID, record.UserID, record.Variant,
		sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth,
		record.CreatedAt.UnixNano(), record.UpdatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("saving subscription: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) Get(ctx context.Context, id string) (*Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, selectRecord+`WHERE id = ?`, id))
}

func (s *SQLite) GetByEndpoint(ctx context.Context, endpoint string) (*Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, selectRecord+`WHERE endpoint = ?`, endpoint))
}

func (s *SQLite) GetByUserID(ctx context.Context, userID string) ([]*Record, error) {
	return s.query(ctx, selectRecord+`WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	return s.deleteWhere(ctx, "id", id)
}

func (s *SQLite) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	return s.deleteWhere(ctx, "endpoint", endpoint)
}

func (s *SQLite) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	return s.query(ctx, selectRecord+`ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// deleteWhere deletes by a column name supplied by this package, never
// by callers.
func (s *SQLite) deleteWhere(ctx context.Context, column, value string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE `+column+` = ?`, value)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return records, nil
}

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var (
		r                Record
		sub              pushsub.Subscription
		created, updated int64
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Variant, &sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning row: %w", err)
	}
	r.Subscription = &sub
	r.CreatedAt = time.Unix(0, created)
	r.UpdatedAt = time.Unix(0, updated)
	return &r, nil
}
