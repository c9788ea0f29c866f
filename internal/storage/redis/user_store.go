package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/playtime/internal/storage"
	"github.com/redis/go-redis/v9"
)

type userStore struct {
	client *redis.Client
}

func (s *userStore) Get(ctx context.Context, username string) (*storage.User, error) {
	data, err := s.client.HGetAll(ctx, userKey(username)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return parseUser(data)
}

func (s *userStore) List(ctx context.Context) ([]storage.User, error) {
	names, err := s.client.SMembers(ctx, usersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	sort.Strings(names)

	users := make([]storage.User, 0, len(names))
	for _, name := range names {
		user, err := s.Get(ctx, name)
		if err != nil {
			continue
		}
		users = append(users, *user)
	}
	return users, nil
}

func (s *userStore) Upsert(ctx context.Context, user storage.User) error {
	if !storage.ValidRole(user.Role) {
		return fmt.Errorf("invalid role %q", user.Role)
	}

	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, userKey(user.Username),
		"id", user.ID,
		"username", user.Username,
		"password_hash", user.PasswordHash,
		"role", user.Role,
		"created_at", user.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at", user.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"last_login", formatTimePtr(user.LastLogin),
	)
	pipe.SAdd(ctx, usersKey, user.Username)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *userStore) Delete(ctx context.Context, username string) error {
	n, err := s.client.Del(ctx, userKey(username)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return s.client.SRem(ctx, usersKey, username).Err()
}

func (s *userStore) UpdateLastLogin(ctx context.Context, username string, loginTime time.Time) error {
	exists, err := s.client.Exists(ctx, userKey(username)).Result()
	if err != nil {
		return fmt.Errorf("failed to check user: %w", err)
	}
	if exists == 0 {
		return storage.ErrNotFound
	}
	return s.client.HSet(ctx, userKey(username),
		"last_login", loginTime.UTC().Format(time.RFC3339Nano),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
}
