// Package users is the tenant-scoped credential store: lookups, password
// verification and the failed-login lockout policy.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
	"github.com/pipster/pipster-identity/internal/models"
)

// Outcome is the result of a credential verification.
type Outcome int

const (
	Success Outcome = iota
	InvalidCredential
	LockedOut
	Inactive
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case InvalidCredential:
		return "invalid_credentials"
	case LockedOut:
		return "locked_out"
	case Inactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Policy is the lockout policy.
type Policy struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
}

// DefaultPolicy locks an account for five minutes after five failures.
var DefaultPolicy = Policy{MaxFailedAttempts: 5, LockoutDuration: 5 * time.Minute}

// Backend is the persistence the store needs. *state.State implements it.
type Backend interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, normalizedEmail string) (*models.User, error)
	RecordLoginFailure(ctx context.Context, id string, now time.Time, threshold int, lockout time.Duration) (*models.User, bool, error)
	RecordLoginSuccess(ctx context.Context, id string, now time.Time) (*models.User, error)
	SetUserActive(ctx context.Context, id string, active bool) (*models.User, error)
}

// Store implements user lookup, creation and credential verification.
type Store struct {
	backend Backend
	hasher  Hasher
	policy  Policy
	now     func() time.Time
	logger  *slog.Logger

	decoyOnce sync.Once
	decoyHash string
}

// Option configures a Store.
type Option func(*Store)

func WithHasher(h Hasher) Option { return func(s *Store) { s.hasher = h } }

func WithPolicy(p Policy) Option { return func(s *Store) { s.policy = p } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func NewStore(backend Backend, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		hasher:  NewArgon2Hasher(DefaultArgon2Params),
		policy:  DefaultPolicy,
		now:     time.Now,
		logger:  logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// FindByEmail looks a user up by email, compared case-folded.
func (s *Store) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.backend.GetUserByEmail(ctx, NormalizeEmail(email))
}

func (s *Store) FindByID(ctx context.Context, id string) (*models.User, error) {
	return s.backend.GetUser(ctx, id)
}

// Create validates and stores a new active user with lockout enabled.
func (s *Store) Create(ctx context.Context, n NewUser) (*models.User, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(n.Password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	u := &models.User{
		ID:              uuid.NewString(),
		TenantID:        n.TenantID,
		DisplayName:     n.DisplayName,
		Email:           n.Email,
		NormalizedEmail: NormalizeEmail(n.Email),
		PasswordHash:    hash,
		CreatedAt:       s.now().UTC(),
		Active:          true,
		LockoutEnabled:  true,
	}

	if err := s.backend.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	s.logger.Info("user created", slog.String("user_id", u.ID), slog.String("tenant_id", u.TenantID))

	return u, nil
}

// SetActive flips the active flag when a tenant is suspended or restored.
func (s *Store) SetActive(ctx context.Context, id string, active bool) (*models.User, error) {
	u, err := s.backend.SetUserActive(ctx, id, active)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user active flag changed", slog.String("user_id", id), slog.Bool("active", active))

	return u, nil
}

// VerifyCredential checks password for user and applies the lockout
// policy. Inactive and locked-out users are rejected before the password
// is compared. On return *user reflects the stored counters.
func (s *Store) VerifyCredential(ctx context.Context, user *models.User, password string) (Outcome, error) {
	now := s.now()

	if !user.Active {
		return Inactive, nil
	}

	if user.IsLockedOut(now) {
		return LockedOut, nil
	}

	ok, err := s.hasher.Verify(user.PasswordHash, password)
	if err != nil {
		return InvalidCredential, fmt.Errorf("verifying password for user %s: %w", user.ID, err)
	}

	if !ok {
		updated, locked, err := s.backend.RecordLoginFailure(ctx, user.ID, now, s.policy.MaxFailedAttempts, s.policy.LockoutDuration)
		if err != nil {
			return InvalidCredential, fmt.Errorf("recording login failure: %w", err)
		}

		*user = *updated

		if locked {
			s.logger.Warn("user locked out", slog.String("user_id", user.ID))
			return LockedOut, nil
		}

		return InvalidCredential, nil
	}

	updated, err := s.backend.RecordLoginSuccess(ctx, user.ID, now)
	if errors.Is(err, apperrors.ErrUserLockedOut) {
		return LockedOut, nil
	}

	if err != nil {
		return InvalidCredential, fmt.Errorf("recording login success: %w", err)
	}

	*user = *updated

	return Success, nil
}

// VerifyUnknown runs one hash verification against a throwaway hash so a
// login for an unknown email costs as much as a wrong password.
func (s *Store) VerifyUnknown(password string) {
	s.decoyOnce.Do(func() {
		h, err := s.hasher.Hash("decoy-" + uuid.NewString())
		if err != nil {
			s.logger.Warn("creating decoy password hash failed", slog.String("error", err.Error()))
			return
		}

		s.decoyHash = h
	})

	if s.decoyHash != "" {
		_, _ = s.hasher.Verify(s.decoyHash, password)
	}
}

// HashPassword hashes with the default argon2id parameters.
func HashPassword(password string) (string, error) {
	return NewArgon2Hasher(DefaultArgon2Params).Hash(password)
}
