package auth

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/token-service/internal/domain"
	apperrors "github.com/spec-kit/token-service/pkg/util/errorutil"
)

const identityKey = "auth_identity"

// IdentityResolver resolves a bearer access token to the identity recorded
// for it. Absence is (nil, false, nil); an error means the check could not run.
type IdentityResolver interface {
	GetIdentityFromToken(ctx context.Context, token string) (*domain.Identity, bool, error)
}

// AuthMiddleware validates bearer tokens against the session store.
type AuthMiddleware struct {
	resolver IdentityResolver
	logger   *zap.Logger
}

// NewAuthMiddleware constructs middleware.
func NewAuthMiddleware(resolver IdentityResolver, logger *zap.Logger) *AuthMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthMiddleware{resolver: resolver, logger: logger}
}

// Handle enforces authentication for protected routes. Every negative
// outcome produces the same response.
func (m *AuthMiddleware) Handle(c *fiber.Ctx) error {
	token, ok := bearerToken(c.Get(fiber.HeaderAuthorization))
	if !ok {
		m.logger.Debug("request rejected", zap.String("reason", "missing or malformed authorization header"))
		return apperrors.NewUnauthorized("invalid credentials")
	}

	identity, found, err := m.resolver.GetIdentityFromToken(c.UserContext(), token)
	if err != nil {
		return apperrors.NewServiceUnavailable(err)
	}
	if !found {
		return apperrors.NewUnauthorized("invalid credentials")
	}

	c.Locals(identityKey, identity)
	return c.Next()
}

// IdentityFromContext retrieves the authenticated identity.
func IdentityFromContext(c *fiber.Ctx) (*domain.Identity, bool) {
	identity, ok := c.Locals(identityKey).(*domain.Identity)
	return identity, ok && identity != nil
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
