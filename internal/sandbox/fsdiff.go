package sandbox

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"
)

// fileState is the per-file fingerprint used for change detection.
// Size plus modification time is enough to catch both truncation and
// in-place rewrites without hashing the workspace on every run.
type fileState struct {
	size    int64
	modTime time.Time
}

// Snapshot maps workspace-relative file paths to their state at a
// point in time. Directories are not tracked; only regular files count
// as created or modified.
type Snapshot map[string]fileState

// TakeSnapshot walks the workspace and records every regular file.
// Unreadable entries are skipped rather than failing the run: a file
// that vanishes mid-walk must not abort the whole execution.
func TakeSnapshot(dir string) (Snapshot, error) {
	snap := make(Snapshot)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		snap[rel] = fileState{size: info.Size(), modTime: info.ModTime()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshotting workspace %s: %w", dir, err)
	}
	return snap, nil
}

// Diff compares a pre-run snapshot against a post-run snapshot of the
// same workspace. The returned lists are sorted and disjoint: a path is
// created when it is absent from the pre-run snapshot, modified when it
// exists in both but its size or modification time changed.
func (before Snapshot) Diff(after Snapshot) (created, modified []string) {
	for path, state := range after {
		prev, existed := before[path]
		switch {
		case !existed:
			created = append(created, path)
		case prev.size != state.size || !prev.modTime.Equal(state.modTime):
			modified = append(modified, path)
		}
	}
	sort.Strings(created)
	sort.Strings(modified)
	return created, modified
}
