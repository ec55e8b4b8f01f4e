// Package boltstore persists authstate sessions in a local bbolt file
// so they survive process restarts.
package boltstore

import (
	"os"
	"path/filepath"
	"time"

	authstate "github.com/goliatone/go-authstate"
	bolt "go.etcd.io/bbolt"
)

const defaultBucket = "authstate"

var _ authstate.Store = (*Store)(nil)

// Option customizes store construction.
type Option func(*Store)

// WithBucket overrides the bucket name.
func WithBucket(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.bucket = []byte(name)
		}
	}
}

// Store wraps bbolt behind the authstate.Store interface.
type Store struct {
	db     *bolt.DB
	bucket []byte
}

// Open initializes the database file and ensures the bucket exists.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{bucket: []byte(defaultBucket)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	s.db = db
	return s, nil
}

// Get implements authstate.Store.
func (s *Store) Get(key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, bolt.ErrDatabaseNotOpen
	}

	var value string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(s.bucket).Get([]byte(key)); raw != nil {
			value = string(raw)
			found = true
		}
		return nil
	})
	return value, found, err
}

// Set implements authstate.Store.
func (s *Store) Set(key, value string) error {
	if s == nil || s.db == nil {
		return bolt.ErrDatabaseNotOpen
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), []byte(value))
	})
}

// Delete implements authstate.Store.
func (s *Store) Delete(keys ...string) error {
	if s == nil || s.db == nil {
		return bolt.ErrDatabaseNotOpen
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		for _, key := range keys {
			if err := bucket.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
