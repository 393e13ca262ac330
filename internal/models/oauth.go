// Package models defines types shared across internal packages.
package models

import "time"

// User is a tenant-scoped account. Users are provisioned out-of-band when
// a tenant is created in pipster-api; TenantID never changes afterwards.
type User struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	DisplayName     string     `json:"display_name"`
	Email           string     `json:"email"`
	NormalizedEmail string     `json:"normalized_email"`
	EmailConfirmed  bool       `json:"email_confirmed"`
	PasswordHash    string     `json:"password_hash"`
	CreatedAt       time.Time  `json:"created_at"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`

	// Active mirrors the tenant status in pipster-api.
	Active bool `json:"active"`

	LockoutEnabled   bool       `json:"lockout_enabled"`
	FailedLoginCount int        `json:"failed_login_count"`
	LockoutUntil     *time.Time `json:"lockout_until,omitempty"`
}

// IsLockedOut reports whether the lockout window is still open at now.
func (u *User) IsLockedOut(now time.Time) bool {
	return u.LockoutUntil != nil && now.Before(*u.LockoutUntil)
}

// AuthorizationCode is a pending, single-use authorization code. ID is the
// SHA-256 digest of the code handed to the client; the raw value is never
// stored.
type AuthorizationCode struct {
	ID                  string    `json:"id"`
	ClientID            string    `json:"client_id"`
	Subject             string    `json:"subject"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	AuthTime            time.Time `json:"auth_time"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Consumed            bool      `json:"consumed"`
}

// AccessGrant tracks an issued access token by its jti so it can be
// revoked before it expires.
type AccessGrant struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Subject   string    `json:"subject"`
	CodeID    string    `json:"code_id"`
	Scopes    []string  `json:"scopes"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// RefreshToken is an issued refresh token. ID is the SHA-256 digest of the
// opaque value. CodeID links every rotation back to the authorization code
// that started the chain.
type RefreshToken struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Subject   string    `json:"subject"`
	CodeID    string    `json:"code_id"`
	Scopes    []string  `json:"scopes"`
	Nonce     string    `json:"nonce,omitempty"`
	AuthTime  time.Time `json:"auth_time"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Sliding   bool      `json:"sliding"`
	Revoked   bool      `json:"revoked"`
}
