package bolt

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/playtime/internal/storage"
	"go.etcd.io/bbolt"
)

type userStore struct {
	db *bbolt.DB
}

// Get retrieves a user by username.
func (s *userStore) Get(ctx context.Context, username string) (*storage.User, error) {
	return getBucketValue[storage.User](ctx, s.db, bucketUsers, username)
}

// List retrieves all users ordered by username.
func (s *userStore) List(ctx context.Context) ([]storage.User, error) {
	users, err := listBucket[storage.User](ctx, s.db, bucketUsers, nil)
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

// Upsert creates or updates a user.
func (s *userStore) Upsert(ctx context.Context, user storage.User) error {
	if !storage.ValidRole(user.Role) {
		return fmt.Errorf("invalid role %q", user.Role)
	}

	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := marshal(user)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketUsers)).Put([]byte(user.Username), data)
	})
}

// Delete removes a user by username.
func (s *userStore) Delete(ctx context.Context, username string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketUsers))
		if bucket.Get([]byte(username)) == nil {
			return storage.ErrNotFound
		}
		return bucket.Delete([]byte(username))
	})
}

// UpdateLastLogin records a successful login.
func (s *userStore) UpdateLastLogin(ctx context.Context, username string, loginTime time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketUsers))
		data := bucket.Get([]byte(username))
		if data == nil {
			return storage.ErrNotFound
		}

		var user storage.User
		if err := unmarshal(data, &user); err != nil {
			return err
		}
		user.LastLogin = &loginTime
		user.UpdatedAt = time.Now()

		newData, err := marshal(user)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(username), newData)
	})
}
