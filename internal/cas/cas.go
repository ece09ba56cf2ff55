// Package cas is the content-addressed payload store. Payload bytes are
// keyed by their BLAKE3-256 hash, so identical content is stored once and a
// frame's hash is sufficient to retrieve it.
package cas

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/zeebo/blake3"
)

// ErrNotFound is returned when no content exists for a hash.
var ErrNotFound = errors.New("cas: content not found")

type Store struct {
	db *badger.DB
}

// Open opens (creating if needed) the CAS database at dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("cas dir is empty")
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cas: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Hash returns the hex BLAKE3-256 digest of content without storing it.
func Hash(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Put stores content and returns its hash. Putting the same content twice
// is idempotent.
func (s *Store) Put(content []byte) (string, error) {
	hash := Hash(content)
	key := []byte(hash)

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil // already stored under the same hash
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, content)
	})
	if err != nil {
		return "", fmt.Errorf("cas put: %w", err)
	}
	return hash, nil
}

// Get returns the content stored under hash.
func (s *Store) Get(hash string) ([]byte, error) {
	if hash == "" {
		return nil, ErrNotFound
	}

	var content []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(hash))
		if err != nil {
			return err
		}
		content, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cas get: %w", err)
	}
	return content, nil
}

// Has reports whether content exists for hash.
func (s *Store) Has(hash string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(hash))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cas has: %w", err)
	}
	return true, nil
}
