package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/goodtune/playtime/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketSessions     = "sessions"
	bucketIndexes      = "indexes"
	bucketIndexInvoice = "invoice"
	bucketPresence     = "presence"
	bucketUsers        = "users"
)

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db  *bbolt.DB
	bus *storage.LocalBus
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db, bus: storage.NewLocalBus()}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			[]byte(bucketSessions),
			[]byte(bucketIndexes),
			[]byte(bucketPresence),
			[]byte(bucketUsers),
		}

		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}

		indexes := tx.Bucket([]byte(bucketIndexes))
		if indexes == nil {
			return fmt.Errorf("indexes bucket missing")
		}
		if _, err := indexes.CreateBucketIfNotExists([]byte(bucketIndexInvoice)); err != nil {
			return fmt.Errorf("create invoice index: %w", err)
		}

		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sessions returns the session store.
func (s *Store) Sessions() storage.SessionStore { return &sessionStore{db: s.db} }

// Presence returns the presence store.
func (s *Store) Presence() storage.PresenceStore { return &presenceStore{db: s.db} }

// Users returns the user store.
func (s *Store) Users() storage.UserStore { return &userStore{db: s.db} }

// Events returns the in-process change feed.
func (s *Store) Events() storage.EventBus { return s.bus }

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

func listBucket[T any](ctx context.Context, db *bbolt.DB, bucket string, keep func(T) bool) ([]T, error) {
	items := make([]T, 0)
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var item T
			if err := unmarshal(v, &item); err != nil {
				return err
			}
			if keep == nil || keep(item) {
				items = append(items, item)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func getBucketValue[T any](ctx context.Context, db *bbolt.DB, bucket string, key string) (*T, error) {
	var item *T
	err := db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(key))
		if value == nil {
			return storage.ErrNotFound
		}
		var result T
		if err := unmarshal(value, &result); err != nil {
			return err
		}
		item = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}
