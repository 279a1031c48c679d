package sandbox

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTakeSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "a.txt", "hello")
	writeTestFile(t, dir, filepath.Join("sub", "b.txt"), "world")
	os.MkdirAll(filepath.Join(dir, "empty"), 0750)

	snap, err := TakeSnapshot(dir)
	if err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}

	if len(snap) != 2 {
		t.Fatalf("snapshot has %d entries, want 2: %v", len(snap), snap)
	}
	if _, ok := snap["a.txt"]; !ok {
		t.Error("a.txt missing from snapshot")
	}
	if _, ok := snap[filepath.Join("sub", "b.txt")]; !ok {
		t.Error("sub/b.txt missing from snapshot")
	}
	if got := snap["a.txt"].size; got != 5 {
		t.Errorf("a.txt size = %d, want 5", got)
	}
}

func TestTakeSnapshotMissingRoot(t *testing.T) {
	if _, err := TakeSnapshot(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing root directory")
	}
}

func TestDiffCreated(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "existing.txt", "keep")

	before, err := TakeSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}

	writeTestFile(t, dir, "new1.txt", "x")
	writeTestFile(t, dir, filepath.Join("sub", "new2.txt"), "y")

	after, err := TakeSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}

	created, modified := before.Diff(after)
	wantCreated := []string{"new1.txt", filepath.Join("sub", "new2.txt")}
	if !reflect.DeepEqual(created, wantCreated) {
		t.Errorf("created = %v, want %v", created, wantCreated)
	}
	if len(modified) != 0 {
		t.Errorf("modified = %v, want empty", modified)
	}
}

func TestDiffModified(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "data.txt", "original")

	before, err := TakeSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}

	// Size change is detected regardless of modtime granularity.
	if err := os.WriteFile(path, []byte("original plus more"), 0644); err != nil {
		t.Fatal(err)
	}

	after, err := TakeSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}

	created, modified := before.Diff(after)
	if len(created) != 0 {
		t.Errorf("created = %v, want empty", created)
	}
	if !reflect.DeepEqual(modified, []string{"data.txt"}) {
		t.Errorf("modified = %v, want [data.txt]", modified)
	}
}

func TestDiffModTimeOnly(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "touched.txt", "same size")

	before, err := TakeSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}

	// Same content and size, bumped modtime.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	after, err := TakeSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}

	_, modified := before.Diff(after)
	if !reflect.DeepEqual(modified, []string{"touched.txt"}) {
		t.Errorf("modified = %v, want [touched.txt]", modified)
	}
}

func TestDiffDisjoint(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "both.txt", "v1")

	before, err := TakeSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}

	writeTestFile(t, dir, "both.txt", "version two")
	writeTestFile(t, dir, "fresh.txt", "new")

	after, err := TakeSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}

	created, modified := before.Diff(after)
	for _, c := range created {
		for _, m := range modified {
			if c == m {
				t.Errorf("path %q appears in both created and modified", c)
			}
		}
	}
	if !reflect.DeepEqual(created, []string{"fresh.txt"}) {
		t.Errorf("created = %v", created)
	}
	if !reflect.DeepEqual(modified, []string{"both.txt"}) {
		t.Errorf("modified = %v", modified)
	}
}

func TestDiffNoChanges(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "static.txt", "unchanged")

	before, err := TakeSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}
	after, err := TakeSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}

	created, modified := before.Diff(after)
	if len(created) != 0 || len(modified) != 0 {
		t.Errorf("expected no changes, got created=%v modified=%v", created, modified)
	}
}
