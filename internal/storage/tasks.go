package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

const taskColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

// CreateTask inserts a new ledger record in "pending" status.
func (s *Store) CreateTask(t Task) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !t.RunAfter.IsZero() {
		runAfter = t.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := t.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		t.ID, t.Type, t.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// GetTask returns a single ledger record by id.
func (s *Store) GetTask(id string) (Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	return t, err
}

// UnfinishedTasks returns every record whose status is pending or
// processing, in creation order. Recovery calls this exactly once per
// process start and partitions the result by type.
func (s *Store) UnfinishedTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// RequeueInterrupted moves "processing" records of the given types back to
// "pending" so the queue can reclaim them after a restart. Returns the
// number of records requeued. Safe to call when no records are stale.
func (s *Store) RequeueInterrupted(types []string) (int, error) {
	if len(types) == 0 {
		return 0, nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	args := make([]interface{}, 0, len(types)+2)
	args = append(args, now, now)
	for _, t := range types {
		args = append(args, t)
	}
	res, err := s.db.Exec(`
		UPDATE tasks SET status = 'pending', run_after = ?, updated_at = ?
		WHERE status = 'processing' AND type IN (?`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ClaimNextTask atomically claims the oldest due pending record of one of
// the given types, transitioning it to "processing". Returns nil when
// nothing is claimable. The update is guarded by the pending status so two
// concurrent claimers can never win the same record.
func (s *Store) ClaimNextTask(types []string) (*Task, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	t, err := scanTask(tx.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next task: %w", err)
	}

	res, err := tx.Exec(`UPDATE tasks SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'pending'`, now, t.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated task rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	t.Status = TaskProcessing
	return &t, nil
}

// MarkTaskProcessing transitions a record to "processing" if it is still
// pending or processing. Returns false when the record has already reached
// a terminal status, which callers treat as "nothing to do". Used by the
// per-record sync executor, whose re-dispatch of a completed id is a no-op.
func (s *Store) MarkTaskProcessing(id string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE tasks SET status = 'processing', updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')`, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteTask transitions a record to "done".
func (s *Store) CompleteTask(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE tasks SET status = 'done', updated_at = ? WHERE id = ?`, now, id)
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

// FailTask records a failed attempt. Below max_attempts the record goes
// back to "pending" with exponential backoff; at max_attempts it is
// terminally "failed". Records created with max_attempts=1 (storage_sync)
// therefore never revert to pending.
func (s *Store) FailTask(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM tasks WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE tasks SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE tasks SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}

// ListRecentTasks returns up to limit records, newest first.
func (s *Store) ListRecentTasks(limit int) ([]Task, error) {
	rows, err := s.db.Query(`
		SELECT `+taskColumns+` FROM tasks
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(r rowScanner) (Task, error) {
	var t Task
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err := r.Scan(&t.ID, &t.Type, &t.PayloadJSON, &t.Status, &t.Attempts, &t.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError)
	if err != nil {
		return Task{}, err
	}
	t.LastError = lastError.String
	if t.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return Task{}, fmt.Errorf("parsing run_after for task %s: %w", t.ID, err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Task{}, fmt.Errorf("parsing created_at for task %s: %w", t.ID, err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Task{}, fmt.Errorf("parsing updated_at for task %s: %w", t.ID, err)
	}
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
