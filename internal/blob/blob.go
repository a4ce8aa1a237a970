// Package blob stores image files in a flat directory.
package blob

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const tmpPrefix = ".tmp-"

// Dir is a directory of named blobs.
type Dir struct {
	root string
}

// Open creates root if needed and returns a Dir for it.
func Open(root string) (*Dir, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("blob: root is empty")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create %s: %w", root, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("blob: stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("blob: %s is not a directory", root)
	}
	return &Dir{root: root}, nil
}

// Root returns the directory path.
func (d *Dir) Root() string { return d.root }

// Path returns the full path of the blob called name.
func (d *Dir) Path(name string) string { return filepath.Join(d.root, name) }

func checkName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, tmpPrefix) {
		return fmt.Errorf("blob: invalid name %q", name)
	}
	return nil
}

// Write stores data under name, replacing any existing blob. The write goes
// to a temporary file that is renamed into place, so readers never observe a
// partial image.
func (d *Dir) Write(name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.root, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("blob: write %s: %w", name, err)
	}
	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(data)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	if err := errors.Join(writeErr, syncErr, closeErr); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("blob: write %s: %w", name, err)
	}
	if err := os.Chmod(tmpPath, 0o640); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("blob: write %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, d.Path(name)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("blob: write %s: %w", name, err)
	}
	return nil
}

// Read returns the contents of name.
func (d *Dir) Read(name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.Path(name))
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", name, err)
	}
	return data, nil
}

// Remove deletes name. A blob that is already gone is not an error.
func (d *Dir) Remove(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := os.Remove(d.Path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blob: remove %s: %w", name, err)
	}
	return nil
}

// Exists reports whether name is present.
func (d *Dir) Exists(name string) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(d.Path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("blob: stat %s: %w", name, err)
}

// List returns the names of all stored blobs, skipping leftovers of
// interrupted writes.
func (d *Dir) List() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("blob: list %s: %w", d.root, err)
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// CleanTemp removes leftovers of interrupted writes.
func (d *Dir) CleanTemp() (int, error) {
	matches, err := filepath.Glob(filepath.Join(d.root, tmpPrefix+"*"))
	if err != nil {
		return 0, fmt.Errorf("blob: clean %s: %w", d.root, err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("blob: clean %s: %w", m, err)
		}
	}
	return len(matches), nil
}
