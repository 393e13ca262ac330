package state

import (
	"bytes"
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
	"github.com/pipster/pipster-identity/internal/models"
)

const (
	kindGrant   = "g"
	kindRefresh = "r"
)

func codeTokenKey(codeID, kind, id string) []byte {
	return []byte(codeID + "/" + kind + "/" + id)
}

// SaveCode stores a freshly minted authorization code.
func (s *State) SaveCode(ctx context.Context, c *models.AuthorizationCode) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		codes, err := bucket(tx, codesBucket)
		if err != nil {
			return err
		}

		if codes.Get([]byte(c.ID)) != nil {
			return fmt.Errorf("authorization code collision")
		}

		return putJSON(codes, c.ID, c)
	})
}

// GetCode returns the code stored under digest id.
func (s *State) GetCode(ctx context.Context, id string) (*models.AuthorizationCode, error) {
	var c models.AuthorizationCode

	err := s.view(ctx, func(tx *bolt.Tx) error {
		codes, err := bucket(tx, codesBucket)
		if err != nil {
			return err
		}

		found, err := getJSON(codes, id, &c)
		if err != nil {
			return err
		}

		if !found {
			return apperrors.ErrCodeNotFound
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// RedeemCode consumes the code and records the tokens minted for it in one
// transaction. grant and refresh may be nil. A code already consumed is a
// replay: every grant and refresh token derived from it is revoked, the
// revocation is committed, and ErrCodeReplayed is returned.
func (s *State) RedeemCode(ctx context.Context, id string, now time.Time, grant *models.AccessGrant, refresh *models.RefreshToken) error {
	var replayed bool

	err := s.update(ctx, func(tx *bolt.Tx) error {
		codes, err := bucket(tx, codesBucket)
		if err != nil {
			return err
		}

		var c models.AuthorizationCode

		found, err := getJSON(codes, id, &c)
		if err != nil {
			return err
		}

		if !found {
			return apperrors.ErrCodeNotFound
		}

		if c.Consumed {
			replayed = true
			_, err := revokeDerived(tx, id)

			return err
		}

		if !now.Before(c.ExpiresAt) {
			return apperrors.ErrCodeExpired
		}

		c.Consumed = true
		if err := putJSON(codes, c.ID, &c); err != nil {
			return err
		}

		if grant != nil {
			if err := putGrant(tx, grant); err != nil {
				return err
			}
		}

		if refresh != nil {
			if err := putRefresh(tx, refresh); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	if replayed {
		return apperrors.ErrCodeReplayed
	}

	return nil
}

// RevokeCodeFamily revokes every grant and refresh token descending from
// the code. It returns the number of records newly revoked.
func (s *State) RevokeCodeFamily(ctx context.Context, codeID string) (int, error) {
	var n int

	err := s.update(ctx, func(tx *bolt.Tx) error {
		var err error
		n, err = revokeDerived(tx, codeID)

		return err
	})

	return n, err
}

func revokeDerived(tx *bolt.Tx, codeID string) (int, error) {
	index, err := bucket(tx, codeTokensBucket)
	if err != nil {
		return 0, err
	}

	grants, err := bucket(tx, grantsBucket)
	if err != nil {
		return 0, err
	}

	refresh, err := bucket(tx, refreshBucket)
	if err != nil {
		return 0, err
	}

	type target struct{ kind, id string }

	var targets []target

	prefix := []byte(codeID + "/")
	cur := index.Cursor()

	for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
		rest := bytes.SplitN(k[len(prefix):], []byte("/"), 2)
		if len(rest) != 2 {
			continue
		}

		targets = append(targets, target{kind: string(rest[0]), id: string(rest[1])})
	}

	revoked := 0

	for _, t := range targets {
		switch t.kind {
		case kindGrant:
			var g models.AccessGrant

			found, err := getJSON(grants, t.id, &g)
			if err != nil {
				return revoked, err
			}

			if found && !g.Revoked {
				g.Revoked = true
				if err := putJSON(grants, g.ID, &g); err != nil {
					return revoked, err
				}

				revoked++
			}
		case kindRefresh:
			var r models.RefreshToken

			found, err := getJSON(refresh, t.id, &r)
			if err != nil {
				return revoked, err
			}

			if found && !r.Revoked {
				r.Revoked = true
				if err := putJSON(refresh, r.ID, &r); err != nil {
					return revoked, err
				}

				revoked++
			}
		}
	}

	return revoked, nil
}

func putGrant(tx *bolt.Tx, g *models.AccessGrant) error {
	grants, err := bucket(tx, grantsBucket)
	if err != nil {
		return err
	}

	if err := putJSON(grants, g.ID, g); err != nil {
		return err
	}

	return indexToken(tx, g.CodeID, kindGrant, g.ID)
}

func indexToken(tx *bolt.Tx, codeID, kind, id string) error {
	if codeID == "" {
		return nil
	}

	index, err := bucket(tx, codeTokensBucket)
	if err != nil {
		return err
	}

	return index.Put(codeTokenKey(codeID, kind, id), []byte{})
}

// GetGrant returns the access grant recorded for jti.
func (s *State) GetGrant(ctx context.Context, jti string) (*models.AccessGrant, error) {
	var g models.AccessGrant

	err := s.view(ctx, func(tx *bolt.Tx) error {
		grants, err := bucket(tx, grantsBucket)
		if err != nil {
			return err
		}

		found, err := getJSON(grants, jti, &g)
		if err != nil {
			return err
		}

		if !found {
			return apperrors.ErrTokenNotFound
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &g, nil
}

// RevokeGrant marks an access grant revoked. Grants owned by another
// client are left untouched and reported with ErrTokenClientMismatch.
func (s *State) RevokeGrant(ctx context.Context, jti, clientID string) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		grants, err := bucket(tx, grantsBucket)
		if err != nil {
			return err
		}

		var g models.AccessGrant

		found, err := getJSON(grants, jti, &g)
		if err != nil {
			return err
		}

		if !found {
			return apperrors.ErrTokenNotFound
		}

		if g.ClientID != clientID {
			return apperrors.ErrTokenClientMismatch
		}

		g.Revoked = true

		return putJSON(grants, g.ID, &g)
	})
}
