package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/token-service/internal/auth"
	"github.com/spec-kit/token-service/internal/domain"
	"github.com/spec-kit/token-service/internal/repository"
)

// AuthService authenticates a username and password and opens a session.
type AuthService struct {
	users    repository.UserDirectory
	verifier auth.CredentialVerifier
	tokens   *TokenService
	logger   *zap.Logger
	now      func() time.Time
	dummy    string
}

// AuthDependencies encapsulates the collaborators of AuthService.
type AuthDependencies struct {
	Users      repository.UserDirectory
	Verifier   auth.CredentialVerifier
	Tokens     *TokenService
	Logger     *zap.Logger
	Now        func() time.Time
	BcryptCost int
}

// NewAuthService builds the service. A nil verifier uses bcrypt.
func NewAuthService(deps AuthDependencies) *AuthService {
	verifier := deps.Verifier
	if verifier == nil {
		verifier = auth.BcryptVerifier{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &AuthService{
		users:    deps.Users,
		verifier: verifier,
		tokens:   deps.Tokens,
		logger:   logger.Named("auth"),
		now:      now,
		dummy:    auth.NewDummyHash(deps.BcryptCost),
	}
}

// Login verifies the credentials and issues a token pair. An unknown user and
// a wrong password both return ErrInvalidCredentials.
func (s *AuthService) Login(ctx context.Context, username, password string) (*domain.Identity, domain.TokenPair, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, domain.TokenPair{}, ErrInvalidCredentials
	}

	identity, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Burn the same bcrypt work as a real comparison.
			s.verifier.Verify(password, s.dummy)
			s.logger.Info("login rejected", zap.String("reason", "unknown user"))
			return nil, domain.TokenPair{}, ErrInvalidCredentials
		}
		return nil, domain.TokenPair{}, fmt.Errorf("login: %w", err)
	}

	if !s.verifier.Verify(password, identity.PasswordHash) {
		s.logger.Info("login rejected", zap.String("reason", "password mismatch"), zap.String("subject", identity.ID))
		return nil, domain.TokenPair{}, ErrInvalidCredentials
	}

	at := s.now()
	if err := s.users.TouchLastAuthenticated(ctx, identity.ID, at); err != nil {
		s.logger.Warn("failed to record last authentication", zap.String("subject", identity.ID), zap.Error(err))
	} else {
		identity.LastAuthenticatedAt = &at
	}

	pair, err := s.tokens.IssueTokenPair(ctx, identity)
	if err != nil {
		return nil, domain.TokenPair{}, fmt.Errorf("login: %w", err)
	}
	return identity, pair, nil
}
