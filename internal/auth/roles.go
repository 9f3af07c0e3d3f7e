package auth

import (
	"github.com/gofiber/fiber/v2"

	apperrors "github.com/spec-kit/token-service/pkg/util/errorutil"
)

// RequireRole lets the request through when the authenticated identity holds
// at least one of the allowed roles. With no roles it only requires a caller.
func RequireRole(allowed ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		identity, ok := IdentityFromContext(c)
		if !ok {
			return apperrors.NewUnauthorized("invalid credentials")
		}
		if len(allowed) == 0 {
			return c.Next()
		}
		for _, role := range allowed {
			if identity.HasRole(role) {
				return c.Next()
			}
		}
		return apperrors.NewForbidden("insufficient role")
	}
}
