package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/spec-kit/token-service/internal/domain"
)

// MemoryUserDirectory is a UserDirectory over a fixed set of identities.
// Lookups return copies so callers cannot mutate the directory.
type MemoryUserDirectory struct {
	mu    sync.RWMutex
	users map[string]*domain.Identity
}

var _ UserDirectory = (*MemoryUserDirectory)(nil)

// NewMemoryUserDirectory indexes the given identities by id.
func NewMemoryUserDirectory(identities ...*domain.Identity) *MemoryUserDirectory {
	d := &MemoryUserDirectory{users: make(map[string]*domain.Identity, len(identities))}
	for _, identity := range identities {
		d.users[identity.ID] = clone(identity)
	}
	return d
}

func (d *MemoryUserDirectory) FindByID(ctx context.Context, id string) (*domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if identity, ok := d.users[id]; ok {
		return clone(identity), nil
	}
	return nil, ErrNotFound
}

func (d *MemoryUserDirectory) FindByUsername(ctx context.Context, username string) (*domain.Identity, error) {
	return d.find(ctx, func(i *domain.Identity) bool { return i.Username == username })
}

func (d *MemoryUserDirectory) FindByEmail(ctx context.Context, email string) (*domain.Identity, error) {
	return d.find(ctx, func(i *domain.Identity) bool { return strings.EqualFold(i.Email, email) })
}

func (d *MemoryUserDirectory) TouchLastAuthenticated(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	identity, ok := d.users[id]
	if !ok {
		return ErrNotFound
	}
	identity.LastAuthenticatedAt = &at
	return nil
}

// Remove drops a user, as an administrator deleting an account would.
func (d *MemoryUserDirectory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, id)
}

func (d *MemoryUserDirectory) find(ctx context.Context, match func(*domain.Identity) bool) (*domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, identity := range d.users {
		if match(identity) {
			return clone(identity), nil
		}
	}
	return nil, ErrNotFound
}

func clone(identity *domain.Identity) *domain.Identity {
	out := *identity
	out.Roles = append([]string(nil), identity.Roles...)
	if identity.LastAuthenticatedAt != nil {
		t := *identity.LastAuthenticatedAt
		out.LastAuthenticatedAt = &t
	}
	return &out
}
