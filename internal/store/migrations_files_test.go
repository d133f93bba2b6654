package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		version := match[1]
		direction := match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestNotifyMigrationCoversWatchedTables(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	contents, err := os.ReadFile(filepath.Join(migrationsDir, "0002_notify_triggers.up.sql"))
	if err != nil {
		t.Fatalf("read notify migration: %v", err)
	}
	sql := string(contents)

	for _, table := range []string{"chains", "tasks", "task_assignments"} {
		trigger := table + "_notify_change"
		if !strings.Contains(sql, trigger) {
			t.Errorf("notify migration missing trigger %s", trigger)
		}
	}
	if !strings.Contains(sql, "pg_notify('updates_channel'") {
		t.Error("notify migration must publish to updates_channel")
	}
}
