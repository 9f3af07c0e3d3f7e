package auth

import (
	"github.com/google/uuid"

	"github.com/spec-kit/token-service/internal/domain"
)

// ClaimSet is the identity data embedded in a signed access token.
type ClaimSet struct {
	SubjectID string
	Username  string
	Email     string
	Roles     []string
	TokenID   string
}

// BuildClaims maps an identity to a claim set with a fresh token id, so two
// tokens minted for the same user in the same second never collide.
func BuildClaims(identity *domain.Identity) ClaimSet {
	roles := make([]string, len(identity.Roles))
	copy(roles, identity.Roles)
	return ClaimSet{
		SubjectID: identity.ID,
		Username:  identity.Username,
		Email:     identity.Email,
		Roles:     roles,
		TokenID:   uuid.NewString(),
	}
}
