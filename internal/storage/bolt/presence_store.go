package bolt

import (
	"context"
	"time"

	"github.com/goodtune/playtime/internal/storage"
	"go.etcd.io/bbolt"
)

type presenceStore struct {
	db *bbolt.DB
}

// Touch records a heartbeat from identity.
func (s *presenceStore) Touch(ctx context.Context, identity string, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := marshal(storage.Presence{Identity: identity, LastSeen: at})
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketPresence)).Put([]byte(identity), data)
	})
}

// List returns every known identity.
func (s *presenceStore) List(ctx context.Context) ([]storage.Presence, error) {
	return listBucket[storage.Presence](ctx, s.db, bucketPresence, nil)
}

// DeleteBefore removes identities last seen before cutoff.
func (s *presenceStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketPresence))
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var p storage.Presence
			if err := unmarshal(v, &p); err != nil {
				return err
			}
			if p.LastSeen.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
