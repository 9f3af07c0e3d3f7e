package domain

import "time"

// TokenPair is what a successful issuance or rotation hands back to the caller.
type TokenPair struct {
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
}
