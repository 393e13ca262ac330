package tokens

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
	"github.com/pipster/pipster-identity/internal/registry"
)

// parseAccessToken verifies signature, type and issuer. Expiry is checked
// unless allowExpired is set, which revocation uses.
func (i *Issuer) parseAccessToken(raw string, allowExpired bool) (*AccessClaims, error) {
	key := i.keys.Signing()
	if key == nil {
		return nil, apperrors.ErrNoSigningKey
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{key.Algorithm}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	}

	claims := &AccessClaims{}

	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if typ, _ := t.Header["typ"].(string); typ != accessTokenType {
			return nil, fmt.Errorf("unexpected token type %q", typ)
		}

		kid, _ := t.Header["kid"].(string)

		pub := i.keys.PublicKey(kid)
		if pub == nil {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}

		return pub, nil
	}, opts...)
	if err != nil && !(allowExpired && errors.Is(err, jwt.ErrTokenExpired) && onlyExpired(err)) {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidToken, err)
	}

	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", apperrors.ErrInvalidToken)
	}

	return claims, nil
}

// onlyExpired reports whether expiry is the sole validation failure.
func onlyExpired(err error) bool {
	return !errors.Is(err, jwt.ErrTokenSignatureInvalid) &&
		!errors.Is(err, jwt.ErrTokenMalformed) &&
		!errors.Is(err, jwt.ErrTokenUnverifiable) &&
		!errors.Is(err, jwt.ErrTokenInvalidIssuer) &&
		!errors.Is(err, jwt.ErrTokenNotValidYet)
}

// ValidateAccessToken checks a bearer token: signature, expiry, issuer and
// that its grant has not been revoked.
func (i *Issuer) ValidateAccessToken(ctx context.Context, raw string) (*AccessClaims, error) {
	claims, err := i.parseAccessToken(raw, false)
	if err != nil {
		return nil, err
	}

	grant, err := i.backend.GetGrant(ctx, claims.ID)
	if errors.Is(err, apperrors.ErrTokenNotFound) {
		return nil, fmt.Errorf("%w: unknown grant", apperrors.ErrInvalidToken)
	}

	if err != nil {
		return nil, fmt.Errorf("loading access grant: %w", err)
	}

	if grant.Revoked {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidToken, apperrors.ErrTokenRevoked)
	}

	return claims, nil
}

// UserInfo returns the claims released by the token's identity scopes.
// The token must carry openid.
func (i *Issuer) UserInfo(ctx context.Context, claims *AccessClaims) (map[string]any, error) {
	scopes := claims.Scopes()
	if !hasScope(scopes, registry.ScopeOpenID) {
		return nil, apperrors.InsufficientScope("the openid scope is required")
	}

	user, err := i.users.FindByID(ctx, claims.Subject)
	if errors.Is(err, apperrors.ErrUserNotFound) {
		return nil, fmt.Errorf("%w: subject no longer exists", apperrors.ErrInvalidToken)
	}

	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	if !user.Active {
		return nil, fmt.Errorf("%w: subject is inactive", apperrors.ErrInvalidToken)
	}

	out := i.identityClaims(user, scopes)
	out[registry.ClaimSubject] = user.ID

	return out, nil
}
