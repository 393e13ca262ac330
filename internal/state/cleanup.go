package state

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"
)

// CleanupStats counts records removed by one Cleanup pass.
type CleanupStats struct {
	Codes         int
	Grants        int
	RefreshTokens int
}

// Total is the number of records removed.
func (c CleanupStats) Total() int {
	return c.Codes + c.Grants + c.RefreshTokens
}

type expiring struct {
	ID        string    `json:"id"`
	CodeID    string    `json:"code_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Cleanup removes grants and refresh tokens that expired before now,
// together with their code index entries. An expired code is removed only
// once nothing derived from it remains, so a late replay can still revoke
// the family.
func (s *State) Cleanup(ctx context.Context, now time.Time) (CleanupStats, error) {
	var stats CleanupStats

	err := s.update(ctx, func(tx *bolt.Tx) error {
		var err error

		if stats.Grants, err = purgeExpired(tx, grantsBucket, kindGrant, now); err != nil {
			return err
		}

		if stats.RefreshTokens, err = purgeExpired(tx, refreshBucket, kindRefresh, now); err != nil {
			return err
		}

		stats.Codes, err = purgeCodes(tx, now)

		return err
	})

	return stats, err
}

func purgeCodes(tx *bolt.Tx, now time.Time) (int, error) {
	codes, err := bucket(tx, codesBucket)
	if err != nil {
		return 0, err
	}

	var expired []string

	err = codes.ForEach(func(_, v []byte) error {
		var e expiring
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}

		if now.After(e.ExpiresAt) {
			expired = append(expired, e.ID)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0

	for _, id := range expired {
		live, err := hasDerived(tx, id)
		if err != nil {
			return removed, err
		}

		if live {
			continue
		}

		if err := codes.Delete([]byte(id)); err != nil {
			return removed, err
		}

		removed++
	}

	return removed, nil
}

// hasDerived reports whether any grant or refresh token indexed under the
// code still exists. Index entries pointing at purged records are dropped.
func hasDerived(tx *bolt.Tx, codeID string) (bool, error) {
	index, err := bucket(tx, codeTokensBucket)
	if err != nil {
		return false, err
	}

	var stale [][]byte

	live := false
	prefix := []byte(codeID + "/")
	cur := index.Cursor()

	for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
		rest := bytes.SplitN(k[len(prefix):], []byte("/"), 2)
		if len(rest) == 2 && derivedExists(tx, string(rest[0]), rest[1]) {
			live = true
			break
		}

		stale = append(stale, append([]byte(nil), k...))
	}

	if live {
		return true, nil
	}

	for _, k := range stale {
		if err := index.Delete(k); err != nil {
			return false, err
		}
	}

	return false, nil
}

func derivedExists(tx *bolt.Tx, kind string, id []byte) bool {
	var name []byte

	switch kind {
	case kindGrant:
		name = grantsBucket
	case kindRefresh:
		name = refreshBucket
	default:
		return false
	}

	b := tx.Bucket(name)

	return b != nil && b.Get(id) != nil
}

func purgeExpired(tx *bolt.Tx, name []byte, kind string, now time.Time) (int, error) {
	b, err := bucket(tx, name)
	if err != nil {
		return 0, err
	}

	// Collect first: bolt forbids deletes while iterating with ForEach.
	var expired []expiring

	err = b.ForEach(func(_, v []byte) error {
		var e expiring
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}

		if now.After(e.ExpiresAt) {
			expired = append(expired, e)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	index := tx.Bucket(codeTokensBucket)

	for _, e := range expired {
		if err := b.Delete([]byte(e.ID)); err != nil {
			return 0, err
		}

		if kind != "" && e.CodeID != "" && index != nil {
			if err := index.Delete(codeTokenKey(e.CodeID, kind, e.ID)); err != nil {
				return 0, err
			}
		}
	}

	return len(expired), nil
}

// RunCleanup calls Cleanup every interval until ctx is cancelled.
func (s *State) RunCleanup(ctx context.Context, interval time.Duration, now func() time.Time, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := s.Cleanup(ctx, now())
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}

				logger.Warn("state cleanup failed", slog.String("error", err.Error()))

				continue
			}

			if stats.Total() > 0 {
				logger.Debug("state cleanup",
					slog.Int("codes", stats.Codes),
					slog.Int("grants", stats.Grants),
					slog.Int("refresh_tokens", stats.RefreshTokens),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
