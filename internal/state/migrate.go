package state

import (
	"context"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

type migration struct {
	version int
	name    string
	apply   func(tx *bolt.Tx) error
}

// migrations are applied in order; the meta bucket records the highest
// applied version.
var migrations = []migration{
	{version: 1, name: "create_users", apply: createBuckets(usersBucket, emailIndexBucket)},
	{version: 2, name: "create_tokens", apply: createBuckets(codesBucket, grantsBucket, refreshBucket, codeTokensBucket)},
}

func createBuckets(names ...[]byte) func(tx *bolt.Tx) error {
	return func(tx *bolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}

		return nil
	}
}

func (m migration) id() string {
	return fmt.Sprintf("%04d_%s", m.version, m.name)
}

// LatestSchemaVersion is the version a fully migrated store reports.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

func readVersion(tx *bolt.Tx) int {
	meta := tx.Bucket(metaBucket)
	if meta == nil {
		return 0
	}

	raw := meta.Get(schemaVersionKey)
	if len(raw) != 8 {
		return 0
	}

	return int(binary.BigEndian.Uint64(raw))
}

// SchemaVersion returns the highest applied migration version.
func (s *State) SchemaVersion(ctx context.Context) (int, error) {
	var v int

	err := s.view(ctx, func(tx *bolt.Tx) error {
		v = readVersion(tx)
		return nil
	})

	return v, err
}

// PendingMigrations lists migrations not yet applied, oldest first.
func (s *State) PendingMigrations(ctx context.Context) ([]string, error) {
	var pending []string

	err := s.view(ctx, func(tx *bolt.Tx) error {
		current := readVersion(tx)
		for _, m := range migrations {
			if m.version > current {
				pending = append(pending, m.id())
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading schema version: %w", err)
	}

	return pending, nil
}

// Migrate applies every pending migration in one transaction and returns
// the ids applied.
func (s *State) Migrate(ctx context.Context) ([]string, error) {
	var applied []string

	err := s.update(ctx, func(tx *bolt.Tx) error {
		current := readVersion(tx)

		for _, m := range migrations {
			if m.version <= current {
				continue
			}

			if err := m.apply(tx); err != nil {
				return fmt.Errorf("migration %s: %w", m.id(), err)
			}

			current = m.version
			applied = append(applied, m.id())
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(current))

		return tx.Bucket(metaBucket).Put(schemaVersionKey, buf)
	})
	if err != nil {
		return nil, err
	}

	return applied, nil
}
