package auth

import "golang.org/x/crypto/bcrypt"

// CredentialVerifier checks a plaintext secret against a stored hash.
type CredentialVerifier interface {
	Verify(plaintext, storedHash string) bool
}

// BcryptVerifier verifies bcrypt hashes. The hash carries its own salt and cost.
type BcryptVerifier struct{}

// Verify returns false for a wrong secret and for any malformed hash.
func (BcryptVerifier) Verify(plaintext, storedHash string) bool {
	return ComparePassword(storedHash, plaintext) == nil
}

// dummyHash is compared against when a username is unknown so that the
// response time does not reveal whether the account exists.
var dummyHash = mustHash(dummySecret, bcrypt.DefaultCost)

const dummySecret = "token-service-dummy-credential"

// DummyHash returns a valid bcrypt hash that matches no real credential.
func DummyHash() string {
	return dummyHash
}

// NewDummyHash is DummyHash at the given cost, so the comparison for an
// unknown user costs as much as one against a stored hash. An out of range
// cost falls back to bcrypt.DefaultCost.
func NewDummyHash(cost int) string {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost || cost == bcrypt.DefaultCost {
		return dummyHash
	}
	return mustHash(dummySecret, cost)
}

// HashPassword hashes a plaintext password with configured cost.
func HashPassword(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// ComparePassword verifies a password against its hashed value.
func ComparePassword(hashed, plain string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
}

func mustHash(secret string, cost int) string {
	hashed, err := HashPassword(secret, cost)
	if err != nil {
		panic(err)
	}
	return hashed
}
