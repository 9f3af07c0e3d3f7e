package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore is the durable Store variant. Rows carry an explicit
// expires_at and are invisible once it has passed; PurgeExpired reclaims them.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore binds the store to db. A nil clock uses time.Now.
func NewPostgresStore(db *sql.DB, now func() time.Time) *PostgresStore {
	if now == nil {
		now = time.Now
	}
	return &PostgresStore{db: db, now: now}
}

func (s *PostgresStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	const query = `
        INSERT INTO session_entries (key, value, expires_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`

	if _, err := s.db.ExecContext(ctx, query, key, value, s.now().Add(ttl)); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	const query = `
        SELECT value FROM session_entries
        WHERE key = $1 AND expires_at > $2`

	var value string
	if err := s.db.QueryRowContext(ctx, query, key, s.now()).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, unavailable(err)
	}
	return value, true, nil
}

// Delete removes key from both the entry and the list tables.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_entries WHERE key = $1`, key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM session_list_members WHERE list_key = $1`, key)
		return err
	})
}

func (s *PostgresStore) GetList(ctx context.Context, key string) ([]string, error) {
	const query = `
        SELECT member FROM session_list_members
        WHERE list_key = $1 AND expires_at > $2
        ORDER BY member`

	rows, err := s.db.QueryContext(ctx, query, key, s.now())
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, unavailable(err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return members, nil
}

// AppendToList upserts the member and moves the whole list to the new expiry,
// matching the key-level TTL of the Redis backend.
func (s *PostgresStore) AppendToList(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	expiresAt := s.now().Add(ttl)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		const insert = `
        INSERT INTO session_list_members (list_key, member, expires_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (list_key, member) DO UPDATE SET expires_at = EXCLUDED.expires_at`
		if _, err := tx.ExecContext(ctx, insert, key, value, expiresAt); err != nil {
			return err
		}
		const extend = `
        UPDATE session_list_members SET expires_at = $2
        WHERE list_key = $1`
		_, err := tx.ExecContext(ctx, extend, key, expiresAt)
		return err
	})
}

func (s *PostgresStore) RemoveFromList(ctx context.Context, key, value string) error {
	const query = `
        DELETE FROM session_list_members
        WHERE list_key = $1 AND member = $2`
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return unavailable(err)
	}
	return nil
}

// DeleteIfEquals relies on row locking: a second concurrent DELETE re-checks
// the predicate after the first commits and affects zero rows.
func (s *PostgresStore) DeleteIfEquals(ctx context.Context, key, expected string) (bool, error) {
	const query = `
        DELETE FROM session_entries
        WHERE key = $1 AND value = $2 AND expires_at > $3`

	res, err := s.db.ExecContext(ctx, query, key, expected, s.now())
	if err != nil {
		return false, unavailable(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("%w: postgres not configured", ErrUnavailable)
	}
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// PurgeExpired deletes rows whose expiry has passed and reports how many went.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	var total int64
	cutoff := s.now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, query := range []string{
			`DELETE FROM session_entries WHERE expires_at <= $1`,
			`DELETE FROM session_list_members WHERE expires_at <= $1`,
		} {
			res, err := tx.ExecContext(ctx, query, cutoff)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}
