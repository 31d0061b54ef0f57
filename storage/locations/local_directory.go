package locations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

// LocalDirectory stores blobs as files under a root directory.
type LocalDirectory struct {
	root string
}

func NewLocalDirectory(root string) *LocalDirectory {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &LocalDirectory{root: filepath.Clean(root)}
}

// Write writes to a temporary file in the destination directory and renames
// it into place so a crash never leaves a partial blob.
func (d *LocalDirectory) Write(ctx context.Context, path string, data []byte) (string, error) {
	fullPath := d.resolve(path)
	destDir := filepath.Dir(fullPath)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", destDir, err)
	}

	tmp, err := os.CreateTemp(destDir, "."+filepath.Base(fullPath)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file in %s: %w", destDir, err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("syncing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return "", fmt.Errorf("renaming into %s: %w", fullPath, err)
	}
	return fullPath, nil
}

func (d *LocalDirectory) Read(ctx context.Context, path string) ([]byte, error) {
	return ReadLocalFile(d.resolve(path))
}

func (d *LocalDirectory) List(ctx context.Context) iter.Seq2[string, error] {
	errStop := errors.New("walk-dir-stop")

	return func(yield func(string, error) bool) {
		err := filepath.WalkDir(d.root, func(p string, entry fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return errStop
				}
				return err
			}
			if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				return nil
			}
			if !yield(p, nil) {
				return errStop
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			yield("", err)
		}
	}
}

func (d *LocalDirectory) URI(ctx context.Context, path string) (string, error) {
	fullPath := d.resolve(path)
	if _, err := os.Stat(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	return fullPath, nil
}

func (d *LocalDirectory) Remove(ctx context.Context, paths ...string) error {
	var errs []error
	for _, path := range paths {
		fullPath := d.resolve(path)
		if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing %s: %w", fullPath, err))
		}
	}
	return errors.Join(errs...)
}

// resolve returns absolute paths unchanged and joins relative ones to the
// root.
func (d *LocalDirectory) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(d.root, path)
}

var _ StorageLocation = (*LocalDirectory)(nil)
