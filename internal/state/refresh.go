package state

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
	"github.com/pipster/pipster-identity/internal/models"
)

func putRefresh(tx *bolt.Tx, r *models.RefreshToken) error {
	refresh, err := bucket(tx, refreshBucket)
	if err != nil {
		return err
	}

	if err := putJSON(refresh, r.ID, r); err != nil {
		return err
	}

	return indexToken(tx, r.CodeID, kindRefresh, r.ID)
}

func loadRefresh(refresh *bolt.Bucket, id string) (*models.RefreshToken, error) {
	var r models.RefreshToken

	found, err := getJSON(refresh, id, &r)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, apperrors.ErrTokenNotFound
	}

	return &r, nil
}

// GetRefreshToken returns the refresh token stored under digest id.
func (s *State) GetRefreshToken(ctx context.Context, id string) (*models.RefreshToken, error) {
	var r *models.RefreshToken

	err := s.view(ctx, func(tx *bolt.Tx) error {
		refresh, err := bucket(tx, refreshBucket)
		if err != nil {
			return err
		}

		r, err = loadRefresh(refresh, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return r, nil
}

// RotateRefreshToken revokes the presented token and stores its successor
// and the new access grant in one transaction. The presented token is
// re-checked inside the transaction so two concurrent rotations cannot
// both succeed.
func (s *State) RotateRefreshToken(ctx context.Context, id, clientID string, now time.Time, grant *models.AccessGrant, next *models.RefreshToken) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		refresh, err := bucket(tx, refreshBucket)
		if err != nil {
			return err
		}

		cur, err := loadRefresh(refresh, id)
		if err != nil {
			return err
		}

		switch {
		case cur.Revoked:
			return apperrors.ErrTokenRevoked
		case !now.Before(cur.ExpiresAt):
			return apperrors.ErrTokenExpired
		case cur.ClientID != clientID:
			return apperrors.ErrTokenClientMismatch
		}

		cur.Revoked = true
		if err := putJSON(refresh, cur.ID, cur); err != nil {
			return err
		}

		if next != nil {
			if err := putRefresh(tx, next); err != nil {
				return err
			}
		}

		if grant != nil {
			return putGrant(tx, grant)
		}

		return nil
	})
}

// RevokeRefreshToken revokes a refresh token on behalf of its owning
// client.
func (s *State) RevokeRefreshToken(ctx context.Context, id, clientID string) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		refresh, err := bucket(tx, refreshBucket)
		if err != nil {
			return err
		}

		cur, err := loadRefresh(refresh, id)
		if err != nil {
			return err
		}

		if cur.ClientID != clientID {
			return apperrors.ErrTokenClientMismatch
		}

		cur.Revoked = true

		return putJSON(refresh, cur.ID, cur)
	})
}
