package errors

import (
	"errors"
	"net/http"
)

// Credential store errors.
var (
	ErrUserNotFound    = errors.New("user not found")
	ErrEmailTaken      = errors.New("email already registered")
	ErrInvalidUser     = errors.New("invalid user record")
	ErrWeakPassword    = errors.New("password does not meet policy")
	ErrUserLockedOut   = errors.New("user is locked out")
	ErrTenantImmutable = errors.New("tenant id cannot change")
)

// Configuration errors.
var (
	ErrClientNotFound = errors.New("client not found")
	ErrScopeNotFound  = errors.New("scope not found")
)

// Code and token storage errors.
var (
	ErrCodeNotFound        = errors.New("authorization code not found")
	ErrCodeExpired         = errors.New("authorization code expired")
	ErrCodeReplayed        = errors.New("authorization code already redeemed")
	ErrTokenNotFound       = errors.New("token not found")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenRevoked        = errors.New("token revoked")
	ErrTokenClientMismatch = errors.New("token issued to another client")
	ErrInvalidToken        = errors.New("invalid or expired token")
)

// Server/infrastructure errors.
var (
	ErrStoreNotMigrated = errors.New("store schema not migrated")
	ErrNoSigningKey     = errors.New("no signing key available")
)

// OAuth error codes returned to clients (RFC 6749 Section 4.1.2.1 and 5.2).
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeInvalidScope            = "invalid_scope"
	CodeInvalidRedirect         = "invalid_redirect"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeInsufficientScope       = "insufficient_scope"
	CodeServerError             = "server_error"
)

// OAuthError is a protocol-level error surfaced to the caller as an
// {error, error_description} body or redirect parameters.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}

	return e.Code + ": " + e.Description
}

// Is matches any OAuthError carrying the same code, so callers can write
// errors.Is(err, ErrInvalidGrant) regardless of the description.
func (e *OAuthError) Is(target error) bool {
	t, ok := target.(*OAuthError)
	return ok && t.Code == e.Code
}

// Comparison targets for errors.Is.
var (
	ErrInvalidRequest     = &OAuthError{Code: CodeInvalidRequest}
	ErrInvalidClient      = &OAuthError{Code: CodeInvalidClient}
	ErrInvalidGrant       = &OAuthError{Code: CodeInvalidGrant}
	ErrInvalidScope       = &OAuthError{Code: CodeInvalidScope}
	ErrInvalidRedirect    = &OAuthError{Code: CodeInvalidRedirect}
	ErrUnauthorizedClient = &OAuthError{Code: CodeUnauthorizedClient}
)

func newOAuthError(code string, status int, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description, Status: status}
}

func InvalidRequest(description string) *OAuthError {
	return newOAuthError(CodeInvalidRequest, http.StatusBadRequest, description)
}

// InvalidClient uses 401 per RFC 6749 Section 5.2.
func InvalidClient(description string) *OAuthError {
	return newOAuthError(CodeInvalidClient, http.StatusUnauthorized, description)
}

func InvalidGrant(description string) *OAuthError {
	return newOAuthError(CodeInvalidGrant, http.StatusBadRequest, description)
}

func InvalidScope(description string) *OAuthError {
	return newOAuthError(CodeInvalidScope, http.StatusBadRequest, description)
}

func InvalidRedirect(description string) *OAuthError {
	return newOAuthError(CodeInvalidRedirect, http.StatusBadRequest, description)
}

func UnauthorizedClient(description string) *OAuthError {
	return newOAuthError(CodeUnauthorizedClient, http.StatusBadRequest, description)
}

func UnsupportedGrantType(description string) *OAuthError {
	return newOAuthError(CodeUnsupportedGrantType, http.StatusBadRequest, description)
}

func UnsupportedResponseType(description string) *OAuthError {
	return newOAuthError(CodeUnsupportedResponseType, http.StatusBadRequest, description)
}

func InsufficientScope(description string) *OAuthError {
	return newOAuthError(CodeInsufficientScope, http.StatusForbidden, description)
}

func ServerError(description string) *OAuthError {
	return newOAuthError(CodeServerError, http.StatusInternalServerError, description)
}

// AsOAuth unwraps err into an *OAuthError. Anything else becomes a
// generic server_error so internal detail never reaches the caller.
func AsOAuth(err error) *OAuthError {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}

	return ServerError("internal server error")
}
