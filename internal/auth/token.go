package auth

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ErrDecode is the only error Decode reports. Callers must not learn whether a
// token was expired, tampered with or malformed.
var ErrDecode = errors.New("invalid token")

// ErrMissingSigningKey is returned when the codec is built without a key.
var ErrMissingSigningKey = errors.New("signing key is required")

// TokenCodec signs and verifies access tokens (HS256).
type TokenCodec struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
	logger   *zap.Logger
}

// CodecOption customizes a TokenCodec.
type CodecOption func(*TokenCodec)

// WithClock overrides the time source used for iat/exp and validation.
func WithClock(now func() time.Time) CodecOption {
	return func(c *TokenCodec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewTokenCodec builds a codec. An empty secret is a startup failure.
func NewTokenCodec(secret, issuer, audience string, logger *zap.Logger, opts ...CodecOption) (*TokenCodec, error) {
	if secret == "" {
		return nil, ErrMissingSigningKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &TokenCodec{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Claims describes the JWT payload.
type Claims struct {
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// Encode signs the claim set. The returned expiry is exactly the signed exp
// claim (second precision), never later.
func (c *TokenCodec) Encode(set ClaimSet, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, errors.New("token ttl must be positive")
	}
	now := c.now()
	expiresAt := jwt.NewNumericDate(now.Add(ttl))

	claims := &Claims{
		Username: set.Username,
		Email:    set.Email,
		Roles:    set.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   set.SubjectID,
			ID:        set.TokenID,
			ExpiresAt: expiresAt,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if c.audience != "" {
		claims.Audience = jwt.ClaimStrings{c.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt.Time, nil
}

// Decode verifies signature, issuer, audience and expiry.
func (c *TokenCodec) Decode(tokenStr string) (ClaimSet, error) {
	if tokenStr == "" {
		return ClaimSet{}, ErrDecode
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		options = append(options, jwt.WithIssuer(c.issuer))
	}
	if c.audience != "" {
		options = append(options, jwt.WithAudience(c.audience))
	}

	parsed, err := jwt.NewParser(options...).ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return c.secret, nil
	})
	if err != nil {
		c.logger.Debug("access token rejected", zap.String("reason", decodeReason(err)))
		return ClaimSet{}, ErrDecode
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		c.logger.Debug("access token rejected", zap.String("reason", "invalid claims"))
		return ClaimSet{}, ErrDecode
	}

	return ClaimSet{
		SubjectID: claims.Subject,
		Username:  claims.Username,
		Email:     claims.Email,
		Roles:     claims.Roles,
		TokenID:   claims.ID,
	}, nil
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "audience"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "not yet valid"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unverifiable"
	default:
		return "invalid"
	}
}
