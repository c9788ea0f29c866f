package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/playtime/internal/config"
	"github.com/goodtune/playtime/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client        *redis.Client
	sessionStore  *sessionStore
	presenceStore *presenceStore
	userStore     *userStore
	eventBus      *eventBus
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// A host that already carries a port is used as-is
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{
		client:        client,
		sessionStore:  &sessionStore{client: client},
		presenceStore: &presenceStore{client: client},
		userStore:     &userStore{client: client},
		eventBus:      &eventBus{client: client},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Sessions returns the SessionStore implementation
func (s *Store) Sessions() storage.SessionStore {
	return s.sessionStore
}

// Presence returns the PresenceStore implementation
func (s *Store) Presence() storage.PresenceStore {
	return s.presenceStore
}

// Users returns the UserStore implementation
func (s *Store) Users() storage.UserStore {
	return s.userStore
}

// Events returns the pub/sub backed EventBus
func (s *Store) Events() storage.EventBus {
	return s.eventBus
}
