package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kalambet/pictag/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureDefaultAdminIdempotent(t *testing.T) {
	store := openTestStore(t)
	svc := NewService(store, "test-secret", time.Hour)

	if err := svc.EnsureDefaultAdmin("letmein"); err != nil {
		t.Fatalf("EnsureDefaultAdmin: %v", err)
	}
	first, err := store.GetUserByUsername(DefaultAdminUsername)
	if err != nil {
		t.Fatalf("admin not created: %v", err)
	}

	if err := svc.EnsureDefaultAdmin("different-password"); err != nil {
		t.Fatalf("second EnsureDefaultAdmin: %v", err)
	}
	second, err := store.GetUserByUsername(DefaultAdminUsername)
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if second.ID != first.ID || second.PasswordHash != first.PasswordHash {
		t.Error("existing admin was replaced")
	}

	// The original password still works.
	if _, err := svc.Login(DefaultAdminUsername, "letmein"); err != nil {
		t.Errorf("Login with original password: %v", err)
	}
}

func TestLoginAndVerify(t *testing.T) {
	store := openTestStore(t)
	svc := NewService(store, "test-secret", time.Hour)
	if err := svc.EnsureDefaultAdmin("letmein"); err != nil {
		t.Fatalf("EnsureDefaultAdmin: %v", err)
	}

	token, err := svc.Login(DefaultAdminUsername, "letmein")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}

	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Username != DefaultAdminUsername || !claims.Admin {
		t.Errorf("claims = %+v", claims)
	}
	if claims.Subject == "" {
		t.Error("claims carry no subject")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	store := openTestStore(t)
	svc := NewService(store, "test-secret", time.Hour)
	if err := svc.EnsureDefaultAdmin("letmein"); err != nil {
		t.Fatalf("EnsureDefaultAdmin: %v", err)
	}

	if _, err := svc.Login(DefaultAdminUsername, "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login("nobody", "letmein"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login unknown user = %v, want ErrInvalidCredentials", err)
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	store := openTestStore(t)
	svc := NewService(store, "test-secret", time.Hour)
	if err := svc.EnsureDefaultAdmin("letmein"); err != nil {
		t.Fatalf("EnsureDefaultAdmin: %v", err)
	}
	token, err := svc.Login(DefaultAdminUsername, "letmein")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	other := NewService(store, "other-secret", time.Hour)
	if _, err := other.Verify(token); err == nil {
		t.Error("token signed with a different secret verified")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	store := openTestStore(t)
	svc := NewService(store, "test-secret", time.Hour)
	if err := svc.EnsureDefaultAdmin("letmein"); err != nil {
		t.Fatalf("EnsureDefaultAdmin: %v", err)
	}

	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-1",
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
		Username: DefaultAdminUsername,
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	if _, err := svc.Verify(expired); err == nil {
		t.Error("expired token verified")
	}
}

func TestVerifyRejectsOtherAlgorithms(t *testing.T) {
	store := openTestStore(t)
	svc := NewService(store, "test-secret", time.Hour)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	hs384, err := jwt.NewWithClaims(jwt.SigningMethodHS384, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	if _, err := svc.Verify(hs384); err == nil {
		t.Error("token with a non-HS256 algorithm verified")
	}
}
