package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorhill/cronexpr"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/pictag/internal/settings"
	"github.com/kalambet/pictag/internal/storage"
)

type mockSettings struct {
	values  map[string]string
	ints    map[string]int
	sets    map[string]string
}

func (m *mockSettings) GetString(key string) string { return m.values[key] }
func (m *mockSettings) GetInt(key string) int       { return m.ints[key] }
func (m *mockSettings) Set(key, value string) error {
	if m.sets == nil {
		m.sets = map[string]string{}
	}
	m.sets[key] = value
	return nil
}

func TestScheduleDecision(t *testing.T) {
	expr := cronexpr.MustParse("0 1 * * *")
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		lastRun time.Time
		due     bool
	}{
		{"never ran", time.Time{}, true},
		{"missed todays window", time.Date(2024, 3, 9, 1, 0, 0, 0, time.UTC), true},
		{"ran after todays window", time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			due, next := scheduleDecision(expr, tc.lastRun, now)
			if due != tc.due {
				t.Fatalf("due = %v, want %v", due, tc.due)
			}
			if !due {
				want := time.Date(2024, 3, 11, 1, 0, 0, 0, time.UTC)
				if !next.Equal(want) {
					t.Errorf("next = %v, want %v", next, want)
				}
			}
		})
	}
}

func TestParseLastRun(t *testing.T) {
	if got := parseLastRun(""); !got.IsZero() {
		t.Errorf("parseLastRun(\"\") = %v, want zero", got)
	}
	if got := parseLastRun("garbage"); !got.IsZero() {
		t.Errorf("parseLastRun(garbage) = %v, want zero", got)
	}
	want := time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC)
	if got := parseLastRun("2024-03-10T01:00:00Z"); !got.Equal(want) {
		t.Errorf("parseLastRun = %v, want %v", got, want)
	}
}

func TestRunOnceWritesSnapshotAndManifest(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	dir := t.TempDir()
	cfg := &mockSettings{ints: map[string]int{settings.KeyBackupKeep: 7}}
	r := NewRunner(store.DB(), cfg, dir)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	snapshots, err := filepath.Glob(filepath.Join(dir, "pictag-*.db"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snapshots))
	}
	info, err := os.Stat(snapshots[0])
	if err != nil {
		t.Fatalf("stat snapshot: %v", err)
	}
	if info.Size() == 0 {
		t.Error("snapshot is empty")
	}

	raw, err := os.ReadFile(filepath.Join(dir, "manifest.yaml"))
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		t.Fatalf("parsing manifest: %v", err)
	}
	if m.Keep != 7 || len(m.Snapshots) != 1 {
		t.Errorf("manifest = %+v", m)
	}
	if m.Snapshots[0].File != filepath.Base(snapshots[0]) {
		t.Errorf("manifest names %s, snapshot is %s", m.Snapshots[0].File, snapshots[0])
	}
}

func TestRunOncePrunesToKeep(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	dir := t.TempDir()
	for _, stale := range []string{"pictag-20200101-000000.db", "pictag-20210101-000000.db"} {
		if err := os.WriteFile(filepath.Join(dir, stale), []byte("old snapshot"), 0o644); err != nil {
			t.Fatalf("seeding %s: %v", stale, err)
		}
	}

	cfg := &mockSettings{ints: map[string]int{settings.KeyBackupKeep: 2}}
	r := NewRunner(store.DB(), cfg, dir)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	snapshots, err := filepath.Glob(filepath.Join(dir, "pictag-*.db"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("got %d snapshots after prune, want 2", len(snapshots))
	}
	for _, s := range snapshots {
		if strings.HasSuffix(s, "pictag-20200101-000000.db") {
			t.Error("oldest snapshot survived the prune")
		}
	}
}
