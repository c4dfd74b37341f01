// SPDX-License-Identifier: MIT

package catalog

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/scribeapp/scribed/internal/types"
)

// Locator resolves catalog entries to directories under the models root.
// The root can be swapped at runtime when the models_dir setting changes.
//
// A model counts as downloaded when its directory exists and holds at least
// one entry. Downloads stage into a hidden sibling and rename on success, so
// a partially fetched model never satisfies the predicate.
type Locator struct {
	mu  sync.RWMutex
	dir string
}

// NewLocator returns a locator rooted at dir. The directory is created if
// missing.
func NewLocator(dir string) (*Locator, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	return &Locator{dir: dir}, nil
}

// Dir returns the current models root.
func (l *Locator) Dir() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dir
}

// SetDir swaps the models root. The new directory is created if missing.
func (l *Locator) SetDir(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	l.mu.Lock()
	l.dir = dir
	l.mu.Unlock()
	return nil
}

// ModelDir returns the directory holding e's artifacts.
func (l *Locator) ModelDir(e Entry) string {
	return filepath.Join(l.Dir(), e.Name)
}

// ArtifactPath returns the path of e's model file inside its directory.
func (l *Locator) ArtifactPath(e Entry) string {
	return filepath.Join(l.ModelDir(e), e.File)
}

// IsDownloaded reports whether e's directory exists and is non-empty.
func (l *Locator) IsDownloaded(e Entry) bool {
	ents, err := os.ReadDir(l.ModelDir(e))
	if err != nil {
		return false
	}
	return len(ents) > 0
}

// List returns every catalog model with its local availability, in catalog
// order.
func (l *Locator) List() []types.ModelEntry {
	out := make([]types.ModelEntry, 0, len(names))
	for _, name := range names {
		e := entries[name]
		m := types.ModelEntry{
			Name:           e.Name,
			EstimatedBytes: e.EstimatedBytes,
			Downloaded:     l.IsDownloaded(e),
		}
		if m.Downloaded {
			m.LocalPath = l.ModelDir(e)
		}
		out = append(out, m)
	}
	return out
}

// DownloadedCount returns how many catalog models are present on disk.
func (l *Locator) DownloadedCount() int {
	n := 0
	for _, name := range names {
		if l.IsDownloaded(entries[name]) {
			n++
		}
	}
	return n
}

// Delete removes e's directory and everything under it. It reports whether
// a directory was actually removed.
func (l *Locator) Delete(e Entry) (bool, error) {
	dir := l.ModelDir(e)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}
