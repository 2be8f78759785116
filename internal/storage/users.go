package storage

import (
	"database/sql"
	"time"
)

// CreateUser inserts a new user account. A taken username returns
// ErrConflict.
func (s *Store) CreateUser(u User) error {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	admin := 0
	if u.IsAdmin {
		admin = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO users (id, username, password_hash, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, admin, createdAt.Format(time.RFC3339),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetUserByUsername returns the user with the given username.
func (s *Store) GetUserByUsername(username string) (User, error) {
	var u User
	var admin int
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, username, password_hash, is_admin, created_at
		FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &admin, &createdAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.IsAdmin = admin != 0
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = t
	return u, nil
}

// HasAdmin reports whether any admin account exists. The bootstrap uses
// this to decide whether to seed the default administrator.
func (s *Store) HasAdmin() (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users WHERE is_admin = 1`).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
