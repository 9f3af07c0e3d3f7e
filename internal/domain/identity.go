package domain

import "time"

// Identity is a user as seen by the token subsystem. It is owned by the user directory.
type Identity struct {
	ID                  string
	Username            string
	Email               string
	PasswordHash        string
	Roles               []string
	LastAuthenticatedAt *time.Time
}

// HasRole reports whether the identity carries the given role.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Snapshot returns the denormalized copy stored alongside an access token.
func (i *Identity) Snapshot() IdentitySnapshot {
	roles := make([]string, len(i.Roles))
	copy(roles, i.Roles)
	return IdentitySnapshot{
		ID:       i.ID,
		Username: i.Username,
		Email:    i.Email,
		Roles:    roles,
	}
}

// IdentitySnapshot is the identity data recorded for a live access token.
// It never carries the credential hash.
type IdentitySnapshot struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
}

// Identity rebuilds an Identity from the snapshot.
func (s IdentitySnapshot) Identity() *Identity {
	return &Identity{
		ID:       s.ID,
		Username: s.Username,
		Email:    s.Email,
		Roles:    s.Roles,
	}
}
