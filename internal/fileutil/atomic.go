// Package fileutil provides filesystem helpers for the files ledgerlink
// keeps under its home directory.
package fileutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DirPerm is the mode of directories created for ledgerlink files.
const DirPerm = 0o750

// ErrEmptyPath indicates an empty file path was provided.
var ErrEmptyPath = errors.New("path is empty")

// WriteAtomic replaces path with data so readers see either the old or
// the new content, never a partial write. Missing parent directories are
// created with DirPerm.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	if path == "" {
		return ErrEmptyPath
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerm); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := writeSynced(tmp, data, perm); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil { //nolint:gosec // G703: path comes from configuration
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replacing %s: %w", path, err)
	}

	syncDir(dir)
	return nil
}

// writeSynced writes data to f, applies perm and closes f after an fsync.
func writeSynced(f *os.File, data []byte, perm os.FileMode) error {
	_, err := f.Write(data)
	if err == nil {
		err = f.Chmod(perm)
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	return nil
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir) //nolint:gosec // G304: dir is the parent of a configured path
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Quarantine renames a corrupt file out of the way so the next write
// starts fresh, returning the new name.
func Quarantine(path, suffix string) (string, error) {
	moved := path + ".corrupt." + suffix
	if err := os.Rename(path, moved); err != nil {
		return "", err
	}
	return moved, nil
}
