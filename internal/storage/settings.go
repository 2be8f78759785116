package storage

import (
	"database/sql"
	"time"
)

// InsertSettingDefault inserts a setting row with the given default if the
// key does not exist yet. Existing rows are left untouched, which is what
// makes the config bootstrap idempotent across restarts.
func (s *Store) InsertSettingDefault(key, def string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO settings (key, value, default_value, updated_at)
		VALUES (?, ?, ?, ?)`, key, def, def, now)
	return err
}

// GetSetting returns a single setting row.
func (s *Store) GetSetting(key string) (Setting, error) {
	row := s.db.QueryRow(`SELECT key, value, default_value, updated_at FROM settings WHERE key = ?`, key)
	st, err := scanSetting(row)
	if err == sql.ErrNoRows {
		return Setting{}, ErrNotFound
	}
	return st, err
}

// ListSettings returns all setting rows ordered by key.
func (s *Store) ListSettings() ([]Setting, error) {
	rows, err := s.db.Query(`SELECT key, value, default_value, updated_at FROM settings ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []Setting
	for rows.Next() {
		st, err := scanSetting(rows)
		if err != nil {
			return nil, err
		}
		settings = append(settings, st)
	}
	return settings, rows.Err()
}

// SetSettingValue updates the value of an existing setting row.
func (s *Store) SetSettingValue(key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE settings SET value = ?, updated_at = ? WHERE key = ?`, value, now, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSetting(r rowScanner) (Setting, error) {
	var st Setting
	var updatedAt string
	if err := r.Scan(&st.Key, &st.Value, &st.DefaultValue, &updatedAt); err != nil {
		return Setting{}, err
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return Setting{}, err
	}
	st.UpdatedAt = t
	return st, nil
}
