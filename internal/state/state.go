package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
)

const (
	// stateDirPerm is the permission mode for the database directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	metaBucket       = []byte("meta")
	usersBucket      = []byte("users")
	emailIndexBucket = []byte("users_by_email")
	codesBucket      = []byte("authorization_codes")
	grantsBucket     = []byte("access_grants")
	refreshBucket    = []byte("refresh_tokens")

	// codeTokensBucket indexes every grant and refresh token by the
	// authorization code they descend from: "<code>/<kind>/<id>".
	codeTokensBucket = []byte("code_tokens")

	schemaVersionKey = []byte("schema_version")
)

// HashKey returns the SHA-256 hex digest of a secret value. Codes and
// refresh tokens are keyed by their digest so raw values never reach disk.
func HashKey(value string) string {
	h := sha256.Sum256([]byte(value))
	return hex.EncodeToString(h[:])
}

// State wraps a bbolt database holding users, codes and tokens.
type State struct {
	db *bolt.DB
}

// LoadAt opens the database at path, creating it if needed. Only the meta
// bucket is created here; the rest of the schema comes from Migrate.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Ping opens a read transaction and reads the schema marker. It fails once
// the database is closed.
func (s *State) Ping(ctx context.Context) error {
	return s.view(ctx, func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta == nil {
			return fmt.Errorf("meta bucket missing")
		}

		_ = meta.Get(schemaVersionKey)

		return nil
	})
}

func (s *State) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.View(fn)
}

// update runs fn in a write transaction and rolls back when ctx is done
// before commit.
func (s *State) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}

		return ctx.Err()
	})
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("%w: missing bucket %s", apperrors.ErrStoreNotMigrated, name)
	}

	return b, nil
}

func getJSON(b *bolt.Bucket, key string, v any) (bool, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return false, nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decoding %s: %w", key, err)
	}

	return true, nil
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	return b.Put([]byte(key), data)
}
