package storage

import (
	"context"
	"database/sql"
	"time"
)

// CreateEndpoint registers a new storage endpoint. A bucket name already
// taken for the provider returns ErrConflict.
func (s *Store) CreateEndpoint(ep StorageEndpoint) error {
	createdAt := ep.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO storage_endpoints (id, provider, bucket_name, root_path, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ep.ID, ep.Provider, ep.BucketName, ep.RootPath, createdAt.Format(time.RFC3339),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// ListEndpoints returns every registered endpoint in registration order.
// The gateway calls this on every request, so newly registered buckets
// are servable immediately.
func (s *Store) ListEndpoints(ctx context.Context) ([]StorageEndpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, bucket_name, root_path, created_at
		FROM storage_endpoints ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []StorageEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

// GetEndpoint returns a single endpoint by id.
func (s *Store) GetEndpoint(id string) (StorageEndpoint, error) {
	row := s.db.QueryRow(`
		SELECT id, provider, bucket_name, root_path, created_at
		FROM storage_endpoints WHERE id = ?`, id)
	ep, err := scanEndpoint(row)
	if err == sql.ErrNoRows {
		return StorageEndpoint{}, ErrNotFound
	}
	return ep, err
}

// DeleteEndpoint removes an endpoint registration. Media rows referencing
// it are kept; the gateway simply stops resolving the bucket.
func (s *Store) DeleteEndpoint(id string) error {
	res, err := s.db.Exec(`DELETE FROM storage_endpoints WHERE id = ?`, id)
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

func scanEndpoint(r rowScanner) (StorageEndpoint, error) {
	var ep StorageEndpoint
	var createdAt string
	if err := r.Scan(&ep.ID, &ep.Provider, &ep.BucketName, &ep.RootPath, &createdAt); err != nil {
		return StorageEndpoint{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return StorageEndpoint{}, err
	}
	ep.CreatedAt = t
	return ep, nil
}
