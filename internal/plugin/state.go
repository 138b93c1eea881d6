package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "github.com/boltdb/bolt"
)

const disabledBucket = "disabled"

// StateStore persists which plugin uuids are disabled.
type StateStore interface {
	Disabled() (map[string]bool, error)
	SetDisabled(uuid string, disabled bool) error
	Forget(uuid string) error
}

// BoltState keeps the disabled set in a bolt file, independent of load success.
type BoltState struct {
	db *bolt.DB
}

// OpenBoltState opens (or creates) the state file at path.
func OpenBoltState(path string) (*BoltState, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure plugin state dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open plugin state: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(disabledBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init plugin state: %w", err)
	}
	return &BoltState{db: db}, nil
}

// Close releases the file lock.
func (s *BoltState) Close() error {
	return s.db.Close()
}

// Disabled returns the persisted disabled set.
func (s *BoltState) Disabled() (map[string]bool, error) {
	out := map[string]bool{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(disabledBucket)).ForEach(func(k, _ []byte) error {
			out[string(k)] = true
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read plugin state: %w", err)
	}
	return out, nil
}

// SetDisabled records the enable flag of uuid.
func (s *BoltState) SetDisabled(uuid string, disabled bool) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(disabledBucket))
		if disabled {
			return b.Put([]byte(uuid), []byte(time.Now().UTC().Format(time.RFC3339)))
		}
		return b.Delete([]byte(uuid))
	})
	if err != nil {
		return fmt.Errorf("write plugin state: %w", err)
	}
	return nil
}

// Forget drops any state kept for uuid.
func (s *BoltState) Forget(uuid string) error {
	return s.SetDisabled(uuid, false)
}
