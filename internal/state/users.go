package state

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
	"github.com/pipster/pipster-identity/internal/models"
)

// CreateUser inserts u. Email uniqueness is enforced against the
// normalized-email index inside the same write transaction.
func (s *State) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == "" || u.NormalizedEmail == "" {
		return apperrors.ErrInvalidUser
	}

	return s.update(ctx, func(tx *bolt.Tx) error {
		users, err := bucket(tx, usersBucket)
		if err != nil {
			return err
		}

		index, err := bucket(tx, emailIndexBucket)
		if err != nil {
			return err
		}

		if index.Get([]byte(u.NormalizedEmail)) != nil {
			return apperrors.ErrEmailTaken
		}

		if users.Get([]byte(u.ID)) != nil {
			return fmt.Errorf("user id %s already exists", u.ID)
		}

		if err := putJSON(users, u.ID, u); err != nil {
			return err
		}

		return index.Put([]byte(u.NormalizedEmail), []byte(u.ID))
	})
}

// GetUser returns the user with id or ErrUserNotFound.
func (s *State) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u *models.User

	err := s.view(ctx, func(tx *bolt.Tx) error {
		users, err := bucket(tx, usersBucket)
		if err != nil {
			return err
		}

		u, err = loadUser(users, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return u, nil
}

// GetUserByEmail looks a user up by case-folded email.
func (s *State) GetUserByEmail(ctx context.Context, normalizedEmail string) (*models.User, error) {
	var u *models.User

	err := s.view(ctx, func(tx *bolt.Tx) error {
		index, err := bucket(tx, emailIndexBucket)
		if err != nil {
			return err
		}

		id := index.Get([]byte(normalizedEmail))
		if id == nil {
			return apperrors.ErrUserNotFound
		}

		users, err := bucket(tx, usersBucket)
		if err != nil {
			return err
		}

		u, err = loadUser(users, string(id))

		return err
	})
	if err != nil {
		return nil, err
	}

	return u, nil
}

// ListUsers returns every user, optionally filtered to one tenant.
func (s *State) ListUsers(ctx context.Context, tenantID string) ([]models.User, error) {
	var out []models.User

	err := s.view(ctx, func(tx *bolt.Tx) error {
		users, err := bucket(tx, usersBucket)
		if err != nil {
			return err
		}

		return users.ForEach(func(k, _ []byte) error {
			u, err := loadUser(users, string(k))
			if err != nil {
				return err
			}

			if tenantID == "" || u.TenantID == tenantID {
				out = append(out, *u)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func loadUser(users *bolt.Bucket, id string) (*models.User, error) {
	var u models.User

	found, err := getJSON(users, id, &u)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, apperrors.ErrUserNotFound
	}

	return &u, nil
}

// mutateUser loads, modifies and stores a user in one write transaction.
// An error from fn rolls the transaction back.
func (s *State) mutateUser(ctx context.Context, id string, fn func(u *models.User) error) (*models.User, error) {
	var out *models.User

	err := s.update(ctx, func(tx *bolt.Tx) error {
		users, err := bucket(tx, usersBucket)
		if err != nil {
			return err
		}

		u, err := loadUser(users, id)
		if err != nil {
			return err
		}

		if err := fn(u); err != nil {
			return err
		}

		out = u

		return putJSON(users, u.ID, u)
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// RecordLoginFailure increments the failed-login counter atomically. When
// the counter reaches threshold the lockout window opens for lockout and
// the counter resets. locked reports whether the user is locked out after
// this call, including when a concurrent failure already locked it.
func (s *State) RecordLoginFailure(ctx context.Context, id string, now time.Time, threshold int, lockout time.Duration) (*models.User, bool, error) {
	var locked bool

	u, err := s.mutateUser(ctx, id, func(u *models.User) error {
		if u.IsLockedOut(now) {
			locked = true
			return nil
		}

		if !u.LockoutEnabled {
			return nil
		}

		u.FailedLoginCount++

		if u.FailedLoginCount >= threshold {
			until := now.Add(lockout)
			u.LockoutUntil = &until
			u.FailedLoginCount = 0
			locked = true
		}

		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return u, locked, nil
}

// RecordLoginSuccess resets the failure counter and stamps last-login-at.
// Lockout is re-checked inside the transaction, so a lockout committed by
// a concurrent failure wins with ErrUserLockedOut.
func (s *State) RecordLoginSuccess(ctx context.Context, id string, now time.Time) (*models.User, error) {
	return s.mutateUser(ctx, id, func(u *models.User) error {
		if u.IsLockedOut(now) {
			return apperrors.ErrUserLockedOut
		}

		u.FailedLoginCount = 0
		u.LockoutUntil = nil
		u.LastLoginAt = &now

		return nil
	})
}

// SetUserActive toggles the active flag, mirroring tenant suspension.
func (s *State) SetUserActive(ctx context.Context, id string, active bool) (*models.User, error) {
	return s.mutateUser(ctx, id, func(u *models.User) error {
		u.Active = active
		return nil
	})
}
