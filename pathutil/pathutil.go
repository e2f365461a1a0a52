// Package pathutil provides the filesystem primitives stages use to lay out their work paths.
//
// CreatePath is the only place a pre-existing path is tolerated: the old directory is
// moved to the first free "<name>.bk%03d" sibling so no run ever overwrites prior output.
// It is not safe against two processes racing on the same path; a single workflow driver
// is assumed.
package pathutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/nomis52/dpflow/iteration"
)

var (
	// ErrNotDirectory is returned when a path that must be a directory is something else.
	ErrNotDirectory = errors.New("path exists and is not a directory")
	// ErrTargetExists is returned when a link target is already present.
	ErrTargetExists = errors.New("link target already exists")
)

// CreatePath creates p as an empty directory.
// If p is an existing directory it is renamed to p.bk000, p.bk001, ... (first free counter)
// before the fresh directory is created. Parents are created as needed.
func CreatePath(p string) error {
	info, err := os.Stat(p)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("%w: %s", ErrNotDirectory, p)
	case err == nil:
		backup, err := nextBackup(p)
		if err != nil {
			return err
		}
		if err := os.Rename(p, backup); err != nil {
			return fmt.Errorf("failed to back up %s: %w", p, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("failed to stat %s: %w", p, err)
	}
	if err := os.MkdirAll(p, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", p, err)
	}
	return nil
}

// nextBackup returns the first backup name for p that does not exist yet.
func nextBackup(p string) (string, error) {
	clean := filepath.Clean(p)
	for counter := 0; ; counter++ {
		candidate := iteration.BackupName(clean, counter)
		if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", candidate, err)
		}
	}
}

// EnsurePath creates p if it is missing and keeps its contents otherwise.
func EnsurePath(p string) error {
	info, err := os.Stat(p)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%w: %s", ErrNotDirectory, p)
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", p, err)
	}
	return os.MkdirAll(p, 0755)
}

// SplitPath decomposes a path into its segments.
// A leading separator is kept as its own segment and a trailing separator yields a
// trailing empty segment:
//
//	SplitPath("/a/b/c")  // ["/", "a", "b", "c"]
//	SplitPath("a/b/c")   // ["a", "b", "c"]
//	SplitPath("a/b/c/")  // ["a", "b", "c", ""]
func SplitPath(p string) []string {
	var parts []string
	for {
		head, tail := splitOnce(p)
		if head == p {
			if p != "" {
				parts = append(parts, p)
			}
			break
		}
		parts = append(parts, tail)
		p = head
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}

// splitOnce splits after the last separator. Trailing separators are stripped from head
// unless head consists only of separators.
func splitOnce(p string) (string, string) {
	sep := string(filepath.Separator)
	i := strings.LastIndex(p, sep) + 1
	head, tail := p[:i], p[i:]
	if head != "" && strings.Trim(head, sep) != "" {
		head = strings.TrimRight(head, sep)
	}
	return head, tail
}
