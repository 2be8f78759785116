package storage

// LibraryStats is a point-in-time summary of the library, used by the
// MCP stats resource and the status CLI.
type LibraryStats struct {
	MediaTotal    int            `json:"media_total"`
	MediaByKind   map[string]int `json:"media_by_kind"`
	Endpoints     int            `json:"endpoints"`
	TasksByStatus map[string]int `json:"tasks_by_status"`
}

// Stats gathers counts across the media, endpoint, and task tables.
func (s *Store) Stats() (LibraryStats, error) {
	stats := LibraryStats{
		MediaByKind:   make(map[string]int),
		TasksByStatus: make(map[string]int),
	}

	rows, err := s.db.Query(`SELECT kind, COUNT(*) FROM media GROUP BY kind`)
	if err != nil {
		return LibraryStats{}, err
	}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			rows.Close()
			return LibraryStats{}, err
		}
		stats.MediaByKind[kind] = n
		stats.MediaTotal += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return LibraryStats{}, err
	}
	rows.Close()

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM storage_endpoints`).Scan(&stats.Endpoints); err != nil {
		return LibraryStats{}, err
	}

	rows, err = s.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return LibraryStats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return LibraryStats{}, err
		}
		stats.TasksByStatus[status] = n
	}
	return stats, rows.Err()
}
