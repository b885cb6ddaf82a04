package domain

import "time"

// TokenStatus tracks the lifecycle of the provider integration token.
type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenExpired TokenStatus = "expired"
	TokenRevoked TokenStatus = "revoked"
)

// ProviderToken is the single logical OAuth token for the e-signature
// provider. Overwritten on every successful authorization or refresh.
type ProviderToken struct {
	ID           int64
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Status       TokenStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Usable reports whether the access token can be sent upstream as-is.
func (t ProviderToken) Usable(now time.Time) bool {
	return t.Status == TokenActive && t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// Refreshable reports whether a transparent refresh can be attempted.
func (t ProviderToken) Refreshable() bool {
	return t.Status != TokenRevoked && t.RefreshToken != ""
}

// PKCEState is the state/verifier tuple persisted while an authorization is
// pending with the provider.
type PKCEState struct {
	State        string
	CodeVerifier string
	CreatedAt    time.Time
}
