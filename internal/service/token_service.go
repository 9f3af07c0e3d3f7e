package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/token-service/internal/auth"
	"github.com/spec-kit/token-service/internal/config"
	"github.com/spec-kit/token-service/internal/domain"
	"github.com/spec-kit/token-service/internal/observability"
	"github.com/spec-kit/token-service/internal/repository"
	"github.com/spec-kit/token-service/internal/session"
)

// Expected negative outcomes. Callers map all of them to the same generic
// "invalid credentials" response; the concrete reason is only logged.
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidAccessToken  = errors.New("invalid access token")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrInvalidSubject      = errors.New("invalid subject")
)

// IsRejected reports whether err is an expected authentication negative
// rather than an infrastructure fault.
func IsRejected(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrInvalidAccessToken) ||
		errors.Is(err, ErrInvalidRefreshToken) ||
		errors.Is(err, ErrInvalidSubject)
}

const (
	accessKeyPrefix    = "access_token:"
	refreshKeyPrefix   = "refresh_token:"
	userIndexKeyPrefix = "user_refresh_tokens:"

	refreshTokenBytes = 32
)

func accessKey(token string) string      { return accessKeyPrefix + token }
func refreshKey(token string) string     { return refreshKeyPrefix + token }
func userIndexKey(subject string) string { return userIndexKeyPrefix + subject }

// TokenService issues, validates, rotates and revokes token pairs. All
// liveness state lives in the session store; nothing is cached in process.
type TokenService struct {
	store      session.Store
	codec      *auth.TokenCodec
	directory  repository.UserDirectory
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
	accessTTL  time.Duration
	refreshTTL time.Duration
	opTimeout  time.Duration
}

// TokenDependencies bundles the collaborators of TokenService.
type TokenDependencies struct {
	Store     session.Store
	Codec     *auth.TokenCodec
	Directory repository.UserDirectory
	Metrics   *observability.Metrics
	Logger    *zap.Logger
	Now       func() time.Time
}

// NewTokenService builds the service.
func NewTokenService(cfg config.Config, deps TokenDependencies) *TokenService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &TokenService{
		store:      deps.Store,
		codec:      deps.Codec,
		directory:  deps.Directory,
		metrics:    deps.Metrics,
		logger:     logger.Named("tokens"),
		now:        now,
		accessTTL:  cfg.Auth.AccessTTL(),
		refreshTTL: cfg.Auth.RefreshTTL(),
		opTimeout:  cfg.Session.OperationTimeout,
	}
}

// IssueTokenPair mints an access token and an opaque refresh token for the
// identity and records both in the session store.
func (s *TokenService) IssueTokenPair(ctx context.Context, identity *domain.Identity) (domain.TokenPair, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pair, err := s.issue(ctx, identity)
	if err != nil {
		s.fail("issue", err)
		return domain.TokenPair{}, err
	}
	s.metrics.RecordOutcome("issue", observability.OutcomeIssued)
	return pair, nil
}

// ValidateAccessToken reports whether the access token has a live record.
// A store failure is returned as an error and never reads as valid.
func (s *TokenService) ValidateAccessToken(ctx context.Context, token string) (bool, error) {
	if token == "" {
		s.reject("validate", "empty token", "")
		return false, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, found, err := s.store.Get(ctx, accessKey(token))
	if err != nil {
		s.fail("validate", err)
		return false, fmt.Errorf("validate access token: %w", err)
	}
	if !found {
		s.reject("validate", "no live record", token)
		return false, nil
	}
	s.metrics.RecordOutcome("validate", observability.OutcomeValidated)
	return true, nil
}

// GetIdentityFromToken verifies the token and returns the identity snapshot
// recorded at issuance. An unknown, expired or forged token yields
// (nil, false, nil).
func (s *TokenService) GetIdentityFromToken(ctx context.Context, token string) (*domain.Identity, bool, error) {
	if token == "" {
		s.reject("identity", "empty token", "")
		return nil, false, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	identity, found, err := s.lookupIdentity(ctx, token)
	if err != nil {
		s.fail("identity", err)
		return nil, false, fmt.Errorf("resolve access token: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	s.metrics.RecordOutcome("identity", observability.OutcomeValidated)
	return identity, true, nil
}

// IsRefreshTokenValid reports whether token is live, owned by subjectID and
// listed in that subject's refresh token index.
func (s *TokenService) IsRefreshTokenValid(ctx context.Context, token, subjectID string) (bool, error) {
	if token == "" || subjectID == "" {
		s.reject("refresh_check", "empty input", token)
		return false, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	reason, err := s.checkRefresh(ctx, token, subjectID)
	if err != nil {
		s.fail("refresh_check", err)
		return false, fmt.Errorf("check refresh token: %w", err)
	}
	if reason != "" {
		s.reject("refresh_check", reason, token)
		return false, nil
	}
	s.metrics.RecordOutcome("refresh_check", observability.OutcomeValidated)
	return true, nil
}

// RotateRefreshToken consumes old and returns a fresh pair. Of several
// concurrent rotations of the same token exactly one succeeds; the others
// get ErrInvalidRefreshToken.
func (s *TokenService) RotateRefreshToken(ctx context.Context, old, subjectID string) (domain.TokenPair, error) {
	if old == "" || subjectID == "" {
		s.reject("rotate", "empty input", old)
		return domain.TokenPair{}, ErrInvalidRefreshToken
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	reason, err := s.checkRefresh(ctx, old, subjectID)
	if err != nil {
		s.fail("rotate", err)
		return domain.TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	if reason != "" {
		s.reject("rotate", reason, old)
		return domain.TokenPair{}, ErrInvalidRefreshToken
	}

	// Roles may have changed since the old pair was issued.
	identity, err := s.directory.FindByID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.reject("rotate", "subject no longer exists", old)
			return domain.TokenPair{}, ErrInvalidRefreshToken
		}
		s.fail("rotate", err)
		return domain.TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	consumed, err := s.store.DeleteIfEquals(ctx, refreshKey(old), subjectID)
	if err != nil {
		s.fail("rotate", err)
		return domain.TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	if !consumed {
		s.reject("rotate", "already used", old)
		return domain.TokenPair{}, ErrInvalidRefreshToken
	}
	if err := s.store.RemoveFromList(ctx, userIndexKey(subjectID), old); err != nil {
		// The record is gone, so the token is already unusable; a stale index
		// entry fails the ownership check and is dropped by revoke-all.
		s.logger.Warn("refresh index cleanup failed", zap.String("subject", subjectID), zap.Error(err))
	}

	pair, err := s.issue(ctx, identity)
	if err != nil {
		s.fail("rotate", err)
		return domain.TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	s.metrics.RecordOutcome("rotate", observability.OutcomeRotated)
	s.logger.Info("refresh token rotated",
		zap.String("subject", subjectID),
		zap.String("old", observability.Fingerprint(old)),
		zap.String("new", observability.Fingerprint(pair.RefreshToken)))
	return pair, nil
}

// Logout revokes the one refresh token presented, provided it belongs to the
// identity behind accessToken. Access token records are left to expire.
// Repeating a logout is not an error.
func (s *TokenService) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if accessToken == "" {
		s.reject("logout", "empty access token", "")
		return ErrInvalidAccessToken
	}
	if refreshToken == "" {
		s.reject("logout", "empty refresh token", "")
		return ErrInvalidRefreshToken
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	identity, found, err := s.lookupIdentity(ctx, accessToken)
	if err != nil {
		s.fail("logout", err)
		return fmt.Errorf("logout: %w", err)
	}
	if !found {
		return ErrInvalidAccessToken
	}

	deleted, err := s.store.DeleteIfEquals(ctx, refreshKey(refreshToken), identity.ID)
	if err != nil {
		s.fail("logout", err)
		return fmt.Errorf("logout: %w", err)
	}
	if err := s.store.RemoveFromList(ctx, userIndexKey(identity.ID), refreshToken); err != nil {
		s.fail("logout", err)
		return fmt.Errorf("logout: %w", err)
	}

	if deleted {
		s.metrics.RecordOutcome("logout", observability.OutcomeRevoked)
		s.logger.Info("refresh token revoked",
			zap.String("subject", identity.ID),
			zap.String("token", observability.Fingerprint(refreshToken)))
	} else {
		s.logger.Debug("logout with absent or foreign refresh token",
			zap.String("subject", identity.ID),
			zap.String("token", observability.Fingerprint(refreshToken)))
	}
	return nil
}

// RevokeAllSessions deletes every refresh token indexed for subjectID and
// then the index itself. A partial failure is safe to retry.
func (s *TokenService) RevokeAllSessions(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return ErrInvalidSubject
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	index := userIndexKey(subjectID)
	tokens, err := s.store.GetList(ctx, index)
	if err != nil {
		s.fail("revoke_all", err)
		return fmt.Errorf("revoke all sessions: %w", err)
	}
	for _, token := range tokens {
		if err := s.store.Delete(ctx, refreshKey(token)); err != nil {
			s.fail("revoke_all", err)
			return fmt.Errorf("revoke all sessions: %w", err)
		}
	}
	if err := s.store.Delete(ctx, index); err != nil {
		s.fail("revoke_all", err)
		return fmt.Errorf("revoke all sessions: %w", err)
	}

	s.metrics.RecordOutcome("revoke_all", observability.OutcomeRevoked)
	s.logger.Info("all sessions revoked", zap.String("subject", subjectID), zap.Int("count", len(tokens)))
	return nil
}

// RevokeAccessToken drops the record of one access token so it stops
// validating before its signed expiry.
func (s *TokenService) RevokeAccessToken(ctx context.Context, token string) error {
	if token == "" {
		return ErrInvalidAccessToken
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.store.Delete(ctx, accessKey(token)); err != nil {
		s.fail("revoke_access", err)
		return fmt.Errorf("revoke access token: %w", err)
	}
	s.metrics.RecordOutcome("revoke_access", observability.OutcomeRevoked)
	return nil
}

func (s *TokenService) issue(ctx context.Context, identity *domain.Identity) (domain.TokenPair, error) {
	if identity == nil || identity.ID == "" {
		return domain.TokenPair{}, ErrInvalidSubject
	}

	accessToken, expiresAt, err := s.codec.Encode(auth.BuildClaims(identity), s.accessTTL)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}
	// The record must not outlive the signed exp.
	recordTTL := expiresAt.Sub(s.now())
	if recordTTL <= 0 {
		return domain.TokenPair{}, errors.New("access token expires before it can be recorded")
	}
	snapshot, err := json.Marshal(identity.Snapshot())
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("encode identity snapshot: %w", err)
	}
	if err := s.store.Put(ctx, accessKey(accessToken), string(snapshot), recordTTL); err != nil {
		return domain.TokenPair{}, fmt.Errorf("record access token: %w", err)
	}

	refreshToken, err := newRefreshToken()
	if err != nil {
		s.cleanup(ctx, accessKey(accessToken))
		return domain.TokenPair{}, err
	}
	if err := s.store.Put(ctx, refreshKey(refreshToken), identity.ID, s.refreshTTL); err != nil {
		s.cleanup(ctx, accessKey(accessToken))
		return domain.TokenPair{}, fmt.Errorf("record refresh token: %w", err)
	}
	if err := s.store.AppendToList(ctx, userIndexKey(identity.ID), refreshToken, 2*s.refreshTTL); err != nil {
		s.cleanup(ctx, accessKey(accessToken), refreshKey(refreshToken))
		return domain.TokenPair{}, fmt.Errorf("index refresh token: %w", err)
	}

	return domain.TokenPair{
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		AccessExpiresAt: expiresAt,
	}, nil
}

// lookupIdentity decodes the token before reading its record so a forged or
// expired token never reaches the store.
func (s *TokenService) lookupIdentity(ctx context.Context, token string) (*domain.Identity, bool, error) {
	claims, err := s.codec.Decode(token)
	if err != nil {
		s.reject("identity", "token did not verify", token)
		return nil, false, nil
	}

	raw, found, err := s.store.Get(ctx, accessKey(token))
	if err != nil {
		return nil, false, err
	}
	if !found {
		s.reject("identity", "no live record", token)
		return nil, false, nil
	}

	var snapshot domain.IdentitySnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		s.logger.Warn("corrupt access token record",
			zap.String("token", observability.Fingerprint(token)), zap.Error(err))
		s.metrics.RecordOutcome("identity", observability.OutcomeRejected)
		return nil, false, nil
	}
	if snapshot.ID != claims.SubjectID {
		s.reject("identity", "record subject mismatch", token)
		return nil, false, nil
	}
	return snapshot.Identity(), true, nil
}

// checkRefresh returns a non-empty rejection reason when token is not a live
// refresh token of subjectID.
func (s *TokenService) checkRefresh(ctx context.Context, token, subjectID string) (string, error) {
	owner, found, err := s.store.Get(ctx, refreshKey(token))
	if err != nil {
		return "", err
	}
	if !found {
		return "unknown or expired", nil
	}
	if owner != subjectID {
		return "subject mismatch", nil
	}
	listed, err := s.store.GetList(ctx, userIndexKey(subjectID))
	if err != nil {
		return "", err
	}
	for _, member := range listed {
		if member == token {
			return "", nil
		}
	}
	return "not in subject index", nil
}

func (s *TokenService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// cleanup removes records written by a failed issuance. It runs detached from
// the caller's cancellation so a timed-out request still cleans up.
func (s *TokenService) cleanup(ctx context.Context, keys ...string) {
	ctx, cancel := s.withTimeout(context.WithoutCancel(ctx))
	defer cancel()
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil {
			s.logger.Warn("cleanup after failed issuance", zap.Error(err))
		}
	}
}

func (s *TokenService) reject(op, reason, token string) {
	s.metrics.RecordOutcome(op, observability.OutcomeRejected)
	s.logger.Info("token rejected",
		zap.String("operation", op),
		zap.String("reason", reason),
		zap.String("token", observability.Fingerprint(token)))
}

func (s *TokenService) fail(op string, err error) {
	if session.IsUnavailable(err) {
		s.metrics.RecordOutcome(op, observability.OutcomeStoreFailure)
	}
	s.logger.Error("token operation failed", zap.String("operation", op), zap.Error(err))
}

func newRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
