package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gorhill/cronexpr"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/pictag/internal/settings"
	"github.com/kalambet/pictag/internal/telemetry"
)

// snapshotPrefix names backup files so pruning can glob them. The
// trailing timestamp makes lexical order equal chronological order.
const snapshotPrefix = "pictag-"

// Settings supplies the backup schedule and bookkeeping keys.
type Settings interface {
	GetString(key string) string
	GetInt(key string) int
	Set(key, value string) error
}

// Runner snapshots the database on a cron schedule read from settings.
type Runner struct {
	db        *sql.DB
	settings  Settings
	backupDir string
	logger    *slog.Logger
}

// NewRunner creates a Runner writing snapshots under backupDir.
func NewRunner(db *sql.DB, s Settings, backupDir string) *Runner {
	return &Runner{
		db:        db,
		settings:  s,
		backupDir: backupDir,
		logger:    slog.Default(),
	}
}

// Run loops until ctx is cancelled. Each pass re-reads the schedule, so
// an admin can change it without a restart. A missed window (the most
// recent cron occurrence is in the past and backup.last_run predates
// it) fires immediately; otherwise the loop sleeps until the next
// occurrence. backup.last_run is persisted after every attempt, failed
// ones included, so a broken backup target cannot spin the loop.
func (r *Runner) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		schedule := r.settings.GetString(settings.KeyBackupSchedule)
		expr, err := cronexpr.Parse(schedule)
		if err != nil {
			r.logger.Error("backup: invalid schedule", "schedule", schedule, "error", err)
			if !sleepCtx(ctx, time.Hour) {
				return
			}
			continue
		}

		lastRun := parseLastRun(r.settings.GetString(settings.KeyBackupLastRun))
		now := time.Now().UTC()
		due, next := scheduleDecision(expr, lastRun, now)
		if !due {
			if next.IsZero() {
				r.logger.Error("backup: schedule has no next occurrence", "schedule", schedule)
				next = now.Add(time.Hour)
			}
			if !sleepCtx(ctx, time.Until(next)) {
				return
			}
			continue
		}

		if err := r.RunOnce(ctx); err != nil {
			r.logger.Error("backup failed", "error", err)
			telemetry.BackupsTotal.WithLabelValues("failed").Inc()
		} else {
			telemetry.BackupsTotal.WithLabelValues("ok").Inc()
		}
		if err := r.settings.Set(settings.KeyBackupLastRun, now.Format(time.RFC3339)); err != nil {
			r.logger.Error("backup: persisting last_run", "error", err)
		}
	}
}

// RunOnce writes one snapshot via VACUUM INTO, prunes old snapshots
// down to the backup.keep newest, and rewrites manifest.yaml to match
// what is on disk.
func (r *Runner) RunOnce(ctx context.Context) error {
	if err := os.MkdirAll(r.backupDir, 0o755); err != nil {
		return fmt.Errorf("creating backup dir: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102-150405")
	name := snapshotPrefix + stamp + ".db"
	target := filepath.Join(r.backupDir, name)

	if _, err := r.db.ExecContext(ctx, `VACUUM INTO ?`, target); err != nil {
		return fmt.Errorf("vacuum into %s: %w", name, err)
	}
	r.logger.Info("backup written", "file", name)

	keep := r.settings.GetInt(settings.KeyBackupKeep)
	kept, err := r.prune(keep)
	if err != nil {
		return fmt.Errorf("pruning snapshots: %w", err)
	}

	if err := r.writeManifest(keep, kept); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// scheduleDecision reports whether a backup is due at now. The next
// occurrence strictly after lastRun being already in the past means the
// window was missed.
func scheduleDecision(expr *cronexpr.Expression, lastRun, now time.Time) (due bool, next time.Time) {
	n := expr.Next(lastRun)
	if !n.IsZero() && !n.After(now) {
		return true, time.Time{}
	}
	return false, expr.Next(now)
}

func parseLastRun(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (r *Runner) prune(keep int) ([]string, error) {
	if keep < 1 {
		keep = 1
	}
	matches, err := filepath.Glob(filepath.Join(r.backupDir, snapshotPrefix+"*.db"))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))

	for _, old := range matches[min(keep, len(matches)):] {
		if err := os.Remove(old); err != nil {
			r.logger.Warn("backup: pruning snapshot", "file", old, "error", err)
		}
	}
	if len(matches) > keep {
		matches = matches[:keep]
	}
	return matches, nil
}

type manifest struct {
	UpdatedAt time.Time      `yaml:"updated_at"`
	Keep      int            `yaml:"keep"`
	Snapshots []manifestItem `yaml:"snapshots"`
}

type manifestItem struct {
	File      string `yaml:"file"`
	SizeBytes int64  `yaml:"size_bytes"`
}

func (r *Runner) writeManifest(keep int, kept []string) error {
	m := manifest{UpdatedAt: time.Now().UTC(), Keep: keep}
	for _, path := range kept {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		m.Snapshots = append(m.Snapshots, manifestItem{
			File:      filepath.Base(path),
			SizeBytes: info.Size(),
		})
	}

	raw, err := yaml.Marshal(&m)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.backupDir, "manifest.yaml"), raw, 0o644)
}

// sleepCtx waits for d or ctx cancellation. Returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
