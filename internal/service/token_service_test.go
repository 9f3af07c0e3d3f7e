package service

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/token-service/internal/auth"
	"github.com/spec-kit/token-service/internal/config"
	"github.com/spec-kit/token-service/internal/domain"
	"github.com/spec-kit/token-service/internal/observability"
	"github.com/spec-kit/token-service/internal/repository"
	"github.com/spec-kit/token-service/internal/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingStore remembers the TTL of every Put and can be switched to fail.
type recordingStore struct {
	session.Store
	mu      sync.Mutex
	ttls    map[string]time.Duration
	failing bool
}

func (r *recordingStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	r.mu.Lock()
	r.ttls[key] = ttl
	failing := r.failing
	r.mu.Unlock()
	if failing {
		return session.ErrUnavailable
	}
	return r.Store.Put(ctx, key, value, ttl)
}

func (r *recordingStore) Get(ctx context.Context, key string) (string, bool, error) {
	if r.isFailing() {
		return "", false, session.ErrUnavailable
	}
	return r.Store.Get(ctx, key)
}

func (r *recordingStore) GetList(ctx context.Context, key string) ([]string, error) {
	if r.isFailing() {
		return nil, session.ErrUnavailable
	}
	return r.Store.GetList(ctx, key)
}

func (r *recordingStore) DeleteIfEquals(ctx context.Context, key, expected string) (bool, error) {
	if r.isFailing() {
		return false, session.ErrUnavailable
	}
	return r.Store.DeleteIfEquals(ctx, key, expected)
}

func (r *recordingStore) setFailing(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing = v
}

func (r *recordingStore) isFailing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failing
}

func (r *recordingStore) ttl(key string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ttls[key]
}

type harness struct {
	svc     *TokenService
	codec   *auth.TokenCodec
	store   *recordingStore
	dir     *repository.MemoryUserDirectory
	clock   *fakeClock
	metrics *observability.Metrics
}

var (
	alice = &domain.Identity{ID: "u1", Username: "alice", Email: "alice@example.com", Roles: []string{"admin"}}
	bob   = &domain.Identity{ID: "u2", Username: "bob", Email: "bob@example.com", Roles: []string{"user"}}
)

func testConfig() config.Config {
	return config.Config{
		Auth: config.AuthConfig{
			JWTSecret:             "test-secret",
			Issuer:                "token-service",
			Audience:              "clients",
			AccessTokenTTLMinutes: 60,
			RefreshTokenTTLDays:   7,
		},
		Session: config.SessionConfig{OperationTimeout: time.Second},
	}
}

func newHarnessWithStore(t *testing.T, backend session.Store, clock *fakeClock) *harness {
	t.Helper()
	cfg := testConfig()
	codec, err := auth.NewTokenCodec(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience, zap.NewNop(), auth.WithClock(clock.Now))
	require.NoError(t, err)

	store := &recordingStore{Store: backend, ttls: map[string]time.Duration{}}
	dir := repository.NewMemoryUserDirectory(alice, bob)
	metrics := observability.NewMetrics()
	svc := NewTokenService(cfg, TokenDependencies{
		Store:     store,
		Codec:     codec,
		Directory: dir,
		Metrics:   metrics,
		Logger:    zap.NewNop(),
		Now:       clock.Now,
	})
	return &harness{svc: svc, codec: codec, store: store, dir: dir, clock: clock, metrics: metrics}
}

func newHarness(t *testing.T) *harness {
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 30, 0, 250_000_000, time.UTC)}
	return newHarnessWithStore(t, session.NewMemoryStore(clock.Now), clock)
}

func TestIssueTokenPairRecordsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pair, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)
	assert.Equal(t, h.clock.Now().Add(time.Hour).Truncate(time.Second), pair.AccessExpiresAt)

	raw, err := base64.RawURLEncoding.DecodeString(pair.RefreshToken)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	owner, found, err := h.store.Get(ctx, refreshKey(pair.RefreshToken))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, alice.ID, owner)

	listed, err := h.store.GetList(ctx, userIndexKey(alice.ID))
	require.NoError(t, err)
	assert.Equal(t, []string{pair.RefreshToken}, listed)

	assert.Equal(t, 7*24*time.Hour, h.store.ttl(refreshKey(pair.RefreshToken)))
	assert.Equal(t, int64(1), h.metrics.Outcomes("issue", observability.OutcomeIssued))
}

func TestIssueTokenPairRejectsMissingIdentity(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.IssueTokenPair(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidSubject)

	_, err = h.svc.IssueTokenPair(context.Background(), &domain.Identity{})
	assert.ErrorIs(t, err, ErrInvalidSubject)
}

func TestAccessRecordTTLNeverExceedsSignedExpiry(t *testing.T) {
	h := newHarness(t)
	issuedAt := h.clock.Now()

	pair, err := h.svc.IssueTokenPair(context.Background(), alice)
	require.NoError(t, err)

	ttl := h.store.ttl(accessKey(pair.AccessToken))
	assert.Positive(t, ttl)
	assert.LessOrEqual(t, ttl, pair.AccessExpiresAt.Sub(issuedAt))
}

func TestValidateAccessToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pair, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)

	valid, err := h.svc.ValidateAccessToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = h.svc.ValidateAccessToken(ctx, "")
	require.NoError(t, err)
	assert.False(t, valid)

	valid, err = h.svc.ValidateAccessToken(ctx, "never-issued")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestAccessTokenExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pair, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)

	h.clock.Advance(time.Hour + time.Second)

	valid, err := h.svc.ValidateAccessToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.False(t, valid)

	identity, found, err := h.svc.GetIdentityFromToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, identity)
}

func TestRevokedAccessRecordRejectsVerifiableToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pair, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, h.svc.RevokeAccessToken(ctx, pair.AccessToken))

	_, err = h.codec.Decode(pair.AccessToken)
	require.NoError(t, err, "signature is still valid")

	valid, err := h.svc.ValidateAccessToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.False(t, valid)

	_, found, err := h.svc.GetIdentityFromToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetIdentityFromToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pair, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)

	identity, found, err := h.svc.GetIdentityFromToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, alice.ID, identity.ID)
	assert.Equal(t, alice.Email, identity.Email)
	assert.Equal(t, alice.Roles, identity.Roles)
	assert.Empty(t, identity.PasswordHash)
}

func TestGetIdentityFromTokenRejectsForgedToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	forger, err := auth.NewTokenCodec("other-secret", "token-service", "clients", zap.NewNop(), auth.WithClock(h.clock.Now))
	require.NoError(t, err)
	forged, _, err := forger.Encode(auth.BuildClaims(alice), time.Hour)
	require.NoError(t, err)
	// Even a planted record does not make a forged token resolve.
	require.NoError(t, h.store.Put(ctx, accessKey(forged), `{"id":"u1"}`, time.Hour))

	_, found, err := h.svc.GetIdentityFromToken(ctx, forged)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetIdentityFromTokenRejectsMismatchedRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pair, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, h.store.Put(ctx, accessKey(pair.AccessToken), `{"id":"u2"}`, time.Minute))

	_, found, err := h.svc.GetIdentityFromToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, h.store.Put(ctx, accessKey(pair.AccessToken), `not json`, time.Minute))
	_, found, err = h.svc.GetIdentityFromToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRotateRefreshToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)

	second, err := h.svc.RotateRefreshToken(ctx, first.RefreshToken, alice.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)

	_, err = h.svc.RotateRefreshToken(ctx, first.RefreshToken, alice.ID)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	valid, err := h.svc.IsRefreshTokenValid(ctx, second.RefreshToken, alice.ID)
	require.NoError(t, err)
	assert.True(t, valid)

	listed, err := h.store.GetList(ctx, userIndexKey(alice.ID))
	require.NoError(t, err)
	assert.Equal(t, []string{second.RefreshToken}, listed)

	// The old access token is left to expire on its own.
	valid, err = h.svc.ValidateAccessToken(ctx, first.AccessToken)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestRotateRefreshTokenPicksUpDirectoryChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)

	h.dir.Remove(alice.ID)
	_, err = h.svc.RotateRefreshToken(ctx, first.RefreshToken, alice.ID)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	// The failed rotation did not consume the token.
	_, found, err := h.store.Get(ctx, refreshKey(first.RefreshToken))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRotateRefreshTokenForeignSubject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bobPair, err := h.svc.IssueTokenPair(ctx, bob)
	require.NoError(t, err)

	_, err = h.svc.RotateRefreshToken(ctx, bobPair.RefreshToken, alice.ID)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	valid, err := h.svc.IsRefreshTokenValid(ctx, bobPair.RefreshToken, bob.ID)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestIsRefreshTokenValidCrossUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pair, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)

	valid, err := h.svc.IsRefreshTokenValid(ctx, pair.RefreshToken, alice.ID)
	require.NoError(t, err)
	assert.True(t, valid)

	for _, other := range []string{bob.ID, "u3", ""} {
		valid, err := h.svc.IsRefreshTokenValid(ctx, pair.RefreshToken, other)
		require.NoError(t, err)
		assert.False(t, valid, other)
	}
}

func TestIsRefreshTokenValidRequiresIndexMembership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pair, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, h.store.RemoveFromList(ctx, userIndexKey(alice.ID), pair.RefreshToken))

	valid, err := h.svc.IsRefreshTokenValid(ctx, pair.RefreshToken, alice.ID)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = h.svc.RotateRefreshToken(ctx, pair.RefreshToken, alice.ID)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefreshTokenExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pair, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)

	h.clock.Advance(7*24*time.Hour + time.Second)
	valid, err := h.svc.IsRefreshTokenValid(ctx, pair.RefreshToken, alice.ID)
	require.NoError(t, err)
	assert.False(t, valid)

	// The index outlives the token it lists.
	listed, err := h.store.GetList(ctx, userIndexKey(alice.ID))
	require.NoError(t, err)
	assert.Equal(t, []string{pair.RefreshToken}, listed)
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pair, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)
	other, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)

	require.NoError(t, h.svc.Logout(ctx, pair.AccessToken, pair.RefreshToken))

	valid, err := h.svc.IsRefreshTokenValid(ctx, pair.RefreshToken, alice.ID)
	require.NoError(t, err)
	assert.False(t, valid)

	valid, err = h.svc.IsRefreshTokenValid(ctx, other.RefreshToken, alice.ID)
	require.NoError(t, err)
	assert.True(t, valid, "other sessions survive")

	valid, err = h.svc.ValidateAccessToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.True(t, valid, "access token record is untouched")

	// Repeating the logout is benign.
	require.NoError(t, h.svc.Logout(ctx, pair.AccessToken, pair.RefreshToken))
}

func TestLogoutRejectsUnknownAccessToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pair, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)

	assert.ErrorIs(t, h.svc.Logout(ctx, "bogus", pair.RefreshToken), ErrInvalidAccessToken)
	assert.ErrorIs(t, h.svc.Logout(ctx, "", pair.RefreshToken), ErrInvalidAccessToken)
	assert.ErrorIs(t, h.svc.Logout(ctx, pair.AccessToken, ""), ErrInvalidRefreshToken)

	valid, err := h.svc.IsRefreshTokenValid(ctx, pair.RefreshToken, alice.ID)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestLogoutCannotRevokeAnotherUsersToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alicePair, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)
	bobPair, err := h.svc.IssueTokenPair(ctx, bob)
	require.NoError(t, err)

	require.NoError(t, h.svc.Logout(ctx, alicePair.AccessToken, bobPair.RefreshToken))

	valid, err := h.svc.IsRefreshTokenValid(ctx, bobPair.RefreshToken, bob.ID)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestRevokeAllSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)
	second, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)
	bobPair, err := h.svc.IssueTokenPair(ctx, bob)
	require.NoError(t, err)

	require.NoError(t, h.svc.RevokeAllSessions(ctx, alice.ID))

	listed, err := h.store.GetList(ctx, userIndexKey(alice.ID))
	require.NoError(t, err)
	assert.Empty(t, listed)

	for _, token := range []string{first.RefreshToken, second.RefreshToken} {
		_, found, err := h.store.Get(ctx, refreshKey(token))
		require.NoError(t, err)
		assert.False(t, found)

		valid, err := h.svc.IsRefreshTokenValid(ctx, token, alice.ID)
		require.NoError(t, err)
		assert.False(t, valid)
	}

	valid, err := h.svc.IsRefreshTokenValid(ctx, bobPair.RefreshToken, bob.ID)
	require.NoError(t, err)
	assert.True(t, valid)

	// Retrying, or revoking a user with no sessions, is not an error.
	require.NoError(t, h.svc.RevokeAllSessions(ctx, alice.ID))
	require.NoError(t, h.svc.RevokeAllSessions(ctx, "nobody"))
	assert.ErrorIs(t, h.svc.RevokeAllSessions(ctx, ""), ErrInvalidSubject)
}

func TestConcurrentRotationHasOneWinner(t *testing.T) {
	h := newHarness(t)
	assertSingleRotationWinner(t, h)
}

func TestConcurrentRotationHasOneWinnerOnRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.Now()}
	h := newHarnessWithStore(t, session.NewRedisStore(client), clock)
	assertSingleRotationWinner(t, h)
}

func assertSingleRotationWinner(t *testing.T, h *harness) {
	t.Helper()
	ctx := context.Background()

	pair, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)

	const attempts = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []domain.TokenPair
		rejected int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			next, err := h.svc.RotateRefreshToken(ctx, pair.RefreshToken, alice.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, next)
			case errors.Is(err, ErrInvalidRefreshToken):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, attempts-1, rejected)

	listed, err := h.store.GetList(ctx, userIndexKey(alice.ID))
	require.NoError(t, err)
	assert.Equal(t, []string{winners[0].RefreshToken}, listed)
}

func TestStoreFailureFailsClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pair, err := h.svc.IssueTokenPair(ctx, alice)
	require.NoError(t, err)

	h.store.setFailing(true)

	valid, err := h.svc.ValidateAccessToken(ctx, pair.AccessToken)
	assert.False(t, valid)
	assert.True(t, session.IsUnavailable(err))
	assert.False(t, IsRejected(err))

	identity, found, err := h.svc.GetIdentityFromToken(ctx, pair.AccessToken)
	assert.Nil(t, identity)
	assert.False(t, found)
	assert.True(t, session.IsUnavailable(err))

	valid, err = h.svc.IsRefreshTokenValid(ctx, pair.RefreshToken, alice.ID)
	assert.False(t, valid)
	assert.True(t, session.IsUnavailable(err))

	_, err = h.svc.RotateRefreshToken(ctx, pair.RefreshToken, alice.ID)
	assert.True(t, session.IsUnavailable(err))

	_, err = h.svc.IssueTokenPair(ctx, alice)
	assert.True(t, session.IsUnavailable(err))

	assert.True(t, session.IsUnavailable(h.svc.Logout(ctx, pair.AccessToken, pair.RefreshToken)))
	assert.True(t, session.IsUnavailable(h.svc.RevokeAllSessions(ctx, alice.ID)))

	assert.Positive(t, h.metrics.Outcomes("validate", observability.OutcomeStoreFailure))

	h.store.setFailing(false)
	valid, err = h.svc.IsRefreshTokenValid(ctx, pair.RefreshToken, alice.ID)
	require.NoError(t, err)
	assert.True(t, valid, "failed rotation did not consume the token")
}

func TestOperationTimeoutAppliesToCallerContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.svc.ValidateAccessToken(ctx, "some-token")
	assert.True(t, session.IsUnavailable(err))
}

func TestIsRejected(t *testing.T) {
	assert.True(t, IsRejected(ErrInvalidCredentials))
	assert.True(t, IsRejected(ErrInvalidRefreshToken))
	assert.True(t, IsRejected(ErrInvalidAccessToken))
	assert.False(t, IsRejected(session.ErrUnavailable))
	assert.False(t, IsRejected(nil))
}
