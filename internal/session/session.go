// Package session manages the browser sign-in cookie. The cookie value is
// an HS256 JWT carrying the user id and the original authentication time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
	"github.com/pipster/pipster-identity/internal/models"
)

// CookieName is the session cookie's name.
const CookieName = "pipster.identity.session"

// MinSecretLength is the shortest accepted signing secret, in bytes.
const MinSecretLength = 32

const sessionAudience = "pipster-identity-session"

var (
	ErrNoSession           = errors.New("session: no session cookie")
	ErrSessionInvalid      = errors.New("session: invalid session cookie")
	ErrSessionExpired      = errors.New("session: session expired")
	ErrSessionUserInactive = errors.New("session: user is inactive")
)

// UserLookup resolves session subjects. *users.Store implements it.
type UserLookup interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// Config wires a Manager.
type Config struct {
	Secret   []byte
	Lifetime time.Duration
	Issuer   string
	Users    UserLookup
	Logger   *slog.Logger
	Now      func() time.Time
}

// Session is a validated sign-in.
type Session struct {
	User      *models.User
	AuthTime  time.Time
	ExpiresAt time.Time
}

type claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tid,omitempty"`
	AuthTime int64  `json:"auth_time"`
}

// Manager issues and validates session cookies.
type Manager struct {
	secret   []byte
	lifetime time.Duration
	issuer   string
	users    UserLookup
	logger   *slog.Logger
	now      func() time.Time
}

func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d bytes", MinSecretLength)
	}

	if cfg.Lifetime <= 0 {
		return nil, errors.New("session lifetime must be positive")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		secret:   cfg.Secret,
		lifetime: cfg.Lifetime,
		issuer:   cfg.Issuer,
		users:    cfg.Users,
		logger:   cfg.Logger,
		now:      now,
	}, nil
}

// Lifetime is the session length.
func (m *Manager) Lifetime() time.Duration { return m.lifetime }

// Create starts a session for user, authenticated now.
func (m *Manager) Create(user *models.User) (*http.Cookie, error) {
	return m.issue(user, m.now())
}

func (m *Manager) issue(user *models.User, authTime time.Time) (*http.Cookie, error) {
	now := m.now()
	exp := now.Add(m.lifetime)

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{sessionAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		TenantID: user.TenantID,
		AuthTime: authTime.Unix(),
	}

	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("signing session: %w", err)
	}

	return m.cookie(value, exp), nil
}

func (m *Manager) cookie(value string, exp time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Expires:  exp.UTC(),
		MaxAge:   int(exp.Sub(m.now()).Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

// Clear returns a cookie that deletes the session.
func (m *Manager) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

// Validate reads the session cookie from r. When more than half the
// lifetime has elapsed it also returns a renewed cookie the caller should
// set; otherwise renewed is nil.
func (m *Manager) Validate(r *http.Request) (*Session, *http.Cookie, error) {
	ck, err := r.Cookie(CookieName)
	if err != nil || ck.Value == "" {
		return nil, nil, ErrNoSession
	}

	var c claims

	_, err = jwt.ParseWithClaims(ck.Value, &c, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(sessionAudience),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.now),
	)

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, nil, ErrSessionExpired
	case err != nil:
		m.logger.Debug("rejected session cookie", slog.String("error", err.Error()))
		return nil, nil, ErrSessionInvalid
	}

	user, err := m.users.FindByID(r.Context(), c.Subject)
	if errors.Is(err, apperrors.ErrUserNotFound) {
		return nil, nil, ErrSessionInvalid
	}

	if err != nil {
		return nil, nil, fmt.Errorf("loading session user: %w", err)
	}

	if !user.Active {
		return nil, nil, ErrSessionUserInactive
	}

	s := &Session{
		User:      user,
		AuthTime:  time.Unix(c.AuthTime, 0).UTC(),
		ExpiresAt: c.ExpiresAt.Time,
	}

	if m.now().Sub(c.IssuedAt.Time) <= m.lifetime/2 {
		return s, nil, nil
	}

	renewed, err := m.issue(user, s.AuthTime)
	if err != nil {
		return nil, nil, err
	}

	s.ExpiresAt = renewed.Expires

	return s, renewed, nil
}
