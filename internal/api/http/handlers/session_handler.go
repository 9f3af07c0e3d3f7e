package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/token-service/internal/auth"
	apperrors "github.com/spec-kit/token-service/pkg/util/errorutil"
)

// SessionHandler exposes the identity resolved by the bearer guard.
type SessionHandler struct{}

// NewSessionHandler returns a new handler instance.
func NewSessionHandler() *SessionHandler {
	return &SessionHandler{}
}

// Current returns the identity snapshot behind the presented access token.
func (h *SessionHandler) Current(c *fiber.Ctx) error {
	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("invalid credentials")
	}
	return c.JSON(identity.Snapshot())
}
