package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goodtune/playtime/internal/arcade"
	"github.com/goodtune/playtime/internal/storage"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultTokenExpiration is the default lifetime of issued tokens.
	DefaultTokenExpiration = 12 * time.Hour
)

// BcryptCost is the cost factor for password hashing.
var BcryptCost = 12

var (
	// ErrInvalidCredentials is returned when login credentials are invalid.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken is returned when a bearer token is invalid or expired.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the JWT claims issued at login.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Actor converts the claims into the caller identity used for authorization.
func (c *Claims) Actor() arcade.Actor {
	return arcade.Actor{ID: c.UserID, Username: c.Username, Role: c.Role}
}

// AuthService issues and validates bearer tokens.
type AuthService struct {
	users           storage.UserStore
	jwtSecret       []byte
	tokenExpiration time.Duration
}

// NewAuthService creates an authentication service.
func NewAuthService(users storage.UserStore, jwtSecret string, tokenExpiration time.Duration) *AuthService {
	if tokenExpiration == 0 {
		tokenExpiration = DefaultTokenExpiration
	}
	return &AuthService{
		users:           users,
		jwtSecret:       []byte(jwtSecret),
		tokenExpiration: tokenExpiration,
	}
}

// HashPassword hashes a password using bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword verifies a password against a hash.
func VerifyPassword(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// Login checks credentials and returns a signed token with its expiry.
func (s *AuthService) Login(ctx context.Context, username, password string) (*storage.User, string, time.Time, error) {
	user, err := s.users.Get(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", time.Time{}, ErrInvalidCredentials
		}
		return nil, "", time.Time{}, fmt.Errorf("get user: %w", err)
	}

	if err := VerifyPassword(password, user.PasswordHash); err != nil {
		return nil, "", time.Time{}, ErrInvalidCredentials
	}

	now := time.Now()
	if err := s.users.UpdateLastLogin(ctx, username, now); err != nil {
		return nil, "", time.Time{}, fmt.Errorf("update last login: %w", err)
	}

	expiresAt := now.Add(s.tokenExpiration)
	token, err := s.GenerateToken(user, now, expiresAt)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	return user, token, expiresAt, nil
}

// GenerateToken signs a token for user.
func (s *AuthService) GenerateToken(user *storage.User, issuedAt, expiresAt time.Time) (string, error) {
	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a token.
func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
