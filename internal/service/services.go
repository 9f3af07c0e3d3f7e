package service

import "github.com/spec-kit/token-service/internal/config"

// Services groups the application services built over one set of collaborators.
type Services struct {
	Tokens *TokenService
	Auth   *AuthService
}

// New builds the token lifecycle manager and the password login on top of it.
func New(cfg config.Config, deps TokenDependencies) *Services {
	tokens := NewTokenService(cfg, deps)
	return &Services{
		Tokens: tokens,
		Auth: NewAuthService(AuthDependencies{
			Users:      deps.Directory,
			Tokens:     tokens,
			Logger:     deps.Logger,
			Now:        deps.Now,
			BcryptCost: cfg.Auth.BcryptCost,
		}),
	}
}
