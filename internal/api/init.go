package api

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/playtime/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EnsureInitialUser creates an admin account when no users exist.
func EnsureInitialUser(ctx context.Context, users storage.UserStore, username, password string, logger zerolog.Logger) error {
	existing, err := users.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		logger.Info().Int("count", len(existing)).Msg("Users already exist")
		return nil
	}

	if username == "" {
		username = "admin"
	}
	if password == "" {
		return errors.New("initial admin password cannot be empty")
	}

	user, err := NewUser(username, password, storage.RoleAdmin)
	if err != nil {
		return err
	}
	if err := users.Upsert(ctx, user); err != nil {
		return err
	}

	logger.Info().Str("username", username).Msg("Created initial admin user")
	if password == "admin" || password == "changeme" || password == "password" {
		logger.Warn().Msg("Initial admin password is a default value, change it")
	}
	return nil
}

// NewUser builds a user record with a hashed password.
func NewUser(username, password, role string) (storage.User, error) {
	if username == "" || password == "" {
		return storage.User{}, errors.New("username and password are required")
	}
	if !storage.ValidRole(role) {
		return storage.User{}, errors.New("invalid role: " + role)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return storage.User{}, err
	}

	now := time.Now()
	return storage.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}
