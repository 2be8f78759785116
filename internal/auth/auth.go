package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kalambet/pictag/internal/storage"
)

// DefaultAdminUsername is the account created on first start.
const DefaultAdminUsername = "admin"

// ErrInvalidCredentials is returned for a wrong username or password.
// Callers must not distinguish the two.
var ErrInvalidCredentials = errors.New("invalid credentials")

// UserStore is the subset of storage auth needs.
type UserStore interface {
	CreateUser(u storage.User) error
	GetUserByUsername(username string) (storage.User, error)
	HasAdmin() (bool, error)
}

// Claims carried by an access token.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Admin    bool   `json:"admin,omitempty"`
}

// Service creates the default admin and issues and verifies HS256
// access tokens.
type Service struct {
	store  UserStore
	secret []byte
	ttl    time.Duration
	logger *slog.Logger
}

// NewService creates a Service. If ttl is <= 0 it defaults to 12h.
func NewService(store UserStore, secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Service{
		store:  store,
		secret: []byte(secret),
		ttl:    ttl,
		logger: slog.Default(),
	}
}

// EnsureDefaultAdmin creates the "admin" account with the given
// password when no admin exists yet. Idempotent: an existing admin,
// whatever its username, is left alone.
func (s *Service) EnsureDefaultAdmin(password string) error {
	exists, err := s.store.HasAdmin()
	if err != nil {
		return fmt.Errorf("checking for admin: %w", err)
	}
	if exists {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	u := storage.User{
		ID:           uuid.New().String(),
		Username:     DefaultAdminUsername,
		PasswordHash: string(hash),
		IsAdmin:      true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(u); err != nil {
		return fmt.Errorf("creating admin: %w", err)
	}
	s.logger.Info("default admin created", "username", u.Username)
	return nil
}

// Login verifies a password and returns a signed token.
func (s *Service) Login(username, password string) (string, error) {
	u, err := s.store.GetUserByUsername(username)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("loading user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}

	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Username: u.Username,
		Admin:    u.IsAdmin,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token string. Only HS256 is accepted.
func (s *Service) Verify(token string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("subject claim required")
	}
	return claims, nil
}
