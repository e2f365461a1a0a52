package opio

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// DataMarker is the file whose presence makes a directory one unit of labeled training data.
const DataMarker = "type.raw"

// FindDataDirs returns every directory under root (root included) that contains DataMarker.
// The walk follows no symlinks. A missing root yields an empty set.
func FindDataDirs(root string) (PathSet, error) {
	found := NewPathSet()
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				return filepath.SkipDir
			}
			return err
		}
		if !d.IsDir() && d.Name() == DataMarker {
			found.Add(filepath.Dir(p))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// IsDataDir reports whether dir contains the DataMarker file.
func IsDataDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, DataMarker))
	return err == nil && !info.IsDir()
}

// DataDirs builds a single-channel OPIO named name from the data directories under root.
func DataDirs(name, root string) (OPIO, error) {
	dirs, err := FindDataDirs(root)
	if err != nil {
		return OPIO{}, err
	}
	o := New()
	o.Set(name, dirs)
	return o, nil
}
