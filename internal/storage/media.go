package storage

import (
	"database/sql"
	"time"
)

const mediaColumns = `id, endpoint_id, path, title, kind, size_bytes, width, height, pages, excerpt, tags, created_at`

// CreateMediaFile inserts a new library entry.
func (s *Store) CreateMediaFile(m MediaFile) error {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	tags := m.Tags
	if tags == "" {
		tags = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO media (`+mediaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.EndpointID, m.Path, m.Title, m.Kind, m.SizeBytes,
		m.Width, m.Height, m.Pages, m.Excerpt, tags, createdAt.Format(time.RFC3339),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetMediaFile returns a library entry by id.
func (s *Store) GetMediaFile(id string) (MediaFile, error) {
	row := s.db.QueryRow(`SELECT `+mediaColumns+` FROM media WHERE id = ?`, id)
	m, err := scanMedia(row)
	if err == sql.ErrNoRows {
		return MediaFile{}, ErrNotFound
	}
	return m, err
}

// GetMediaByPath returns the entry for a path within an endpoint. The sync
// executor uses this to skip files the library already knows about.
func (s *Store) GetMediaByPath(endpointID, path string) (MediaFile, error) {
	row := s.db.QueryRow(`SELECT `+mediaColumns+` FROM media WHERE endpoint_id = ? AND path = ?`, endpointID, path)
	m, err := scanMedia(row)
	if err == sql.ErrNoRows {
		return MediaFile{}, ErrNotFound
	}
	return m, err
}

// ListMediaFiles returns up to limit entries, newest first.
func (s *Store) ListMediaFiles(limit int) ([]MediaFile, error) {
	rows, err := s.db.Query(`SELECT `+mediaColumns+` FROM media ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []MediaFile
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, m)
	}
	return files, rows.Err()
}

// UpdateMediaProbe stores analyzer results for an entry.
func (s *Store) UpdateMediaProbe(id string, width, height, pages int, excerpt string) error {
	res, err := s.db.Exec(`UPDATE media SET width = ?, height = ?, pages = ?, excerpt = ? WHERE id = ?`,
		width, height, pages, excerpt, id)
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

// DeleteMediaFile removes a library entry.
func (s *Store) DeleteMediaFile(id string) error {
	res, err := s.db.Exec(`DELETE FROM media WHERE id = ?`, id)
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

// UpdateMediaTags replaces the tag list (JSON array text) for an entry.
func (s *Store) UpdateMediaTags(id, tagsJSON string) error {
	res, err := s.db.Exec(`UPDATE media SET tags = ? WHERE id = ?`, tagsJSON, id)
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

func scanMedia(r rowScanner) (MediaFile, error) {
	var m MediaFile
	var createdAt string
	err := r.Scan(&m.ID, &m.EndpointID, &m.Path, &m.Title, &m.Kind, &m.SizeBytes,
		&m.Width, &m.Height, &m.Pages, &m.Excerpt, &m.Tags, &createdAt)
	if err != nil {
		return MediaFile{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return MediaFile{}, err
	}
	m.CreatedAt = t
	return m, nil
}
