package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spec-kit/token-service/internal/domain"
)

// ErrNotFound is returned when no user matches the lookup.
var ErrNotFound = errors.New("user not found")

// UserDirectory is the read side of the user store the token subsystem needs.
type UserDirectory interface {
	FindByID(ctx context.Context, id string) (*domain.Identity, error)
	FindByUsername(ctx context.Context, username string) (*domain.Identity, error)
	FindByEmail(ctx context.Context, email string) (*domain.Identity, error)
	TouchLastAuthenticated(ctx context.Context, id string, at time.Time) error
}

type userDirectory struct {
	db *sql.DB
}

// NewUserDirectory returns a Postgres-backed implementation.
func NewUserDirectory(db *sql.DB) UserDirectory {
	return &userDirectory{db: db}
}

const selectIdentity = `
        SELECT id, username, email, password_hash, array_to_string(roles, ','), last_authenticated_at
        FROM users`

func (r *userDirectory) FindByID(ctx context.Context, id string) (*domain.Identity, error) {
	return r.findOne(ctx, selectIdentity+` WHERE id=$1`, id)
}

func (r *userDirectory) FindByUsername(ctx context.Context, username string) (*domain.Identity, error) {
	return r.findOne(ctx, selectIdentity+` WHERE username=$1`, username)
}

func (r *userDirectory) FindByEmail(ctx context.Context, email string) (*domain.Identity, error) {
	return r.findOne(ctx, selectIdentity+` WHERE lower(email)=lower($1)`, email)
}

func (r *userDirectory) TouchLastAuthenticated(ctx context.Context, id string, at time.Time) error {
	const query = `
        UPDATE users SET last_authenticated_at=$1, updated_at=NOW()
        WHERE id=$2`

	res, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("touch last authenticated: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch last authenticated: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userDirectory) findOne(ctx context.Context, query string, arg string) (*domain.Identity, error) {
	var (
		identity domain.Identity
		roles    sql.NullString
		lastAuth sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&identity.ID,
		&identity.Username,
		&identity.Email,
		&identity.PasswordHash,
		&roles,
		&lastAuth,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}

	identity.Roles = splitRoles(roles.String)
	if lastAuth.Valid {
		t := lastAuth.Time
		identity.LastAuthenticatedAt = &t
	}
	return &identity, nil
}

func splitRoles(joined string) []string {
	if joined == "" {
		return []string{}
	}
	return strings.Split(joined, ",")
}
