package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// LocalArchive stores archived snapshots in a directory.
type LocalArchive struct {
	dir string
}

// NewLocalArchive creates a filesystem-backed archive.
func NewLocalArchive(dir string) (*LocalArchive, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive dir is required for local backend")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalArchive{dir: dir}, nil
}

// Put writes an object atomically (temp file + rename).
func (a *LocalArchive) Put(name string, data []byte) error {
	path := filepath.Join(a.dir, name)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write archive object: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename archive object: %w", err)
	}
	return nil
}

// Get reads an object.
func (a *LocalArchive) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(a.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read archive object: %w", err)
	}
	return data, nil
}

// Delete removes an object.
func (a *LocalArchive) Delete(name string) error {
	if err := os.Remove(filepath.Join(a.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete archive object: %w", err)
	}
	return nil
}

// List returns the stored object names.
func (a *LocalArchive) List() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}
