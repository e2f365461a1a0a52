package pathutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/nomis52/dpflow/opio"
)

// LinkOptions controls how LinkDirs and LinkDataTree create links.
type LinkOptions struct {
	// Root is the directory relative sources and targets are interpreted against.
	// Empty means the process working directory.
	Root string
	// Absolute links to the absolute source path instead of a path relative to the link's directory.
	Absolute bool
	// Pattern is a regular expression searched (not full-matched) in each source path.
	// Sources that do not match are skipped. Empty matches everything.
	Pattern string
}

func (o LinkOptions) resolve(p string) string {
	if filepath.IsAbs(p) || o.Root == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(o.Root, p)
}

func (o LinkOptions) compile() (*regexp.Regexp, error) {
	pattern := o.Pattern
	if pattern == "" {
		pattern = ".*"
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid data path pattern %q: %w", pattern, err)
	}
	return re, nil
}

// LinkDirs links every source into target, mirroring the source path below target:
// source "a/b/c" becomes the symlink "target/a/b/c". Absolute sources lose their leading
// separator. It returns the created link paths in the order of sources.
//
// An existing link target is an error. A nil or empty sources list is a no-op.
func LinkDirs(sources []string, target string, opts LinkOptions) ([]string, error) {
	re, err := opts.compile()
	if err != nil {
		return nil, err
	}
	var created []string
	for _, src := range sources {
		if !re.MatchString(src) {
			continue
		}
		segments := SplitPath(filepath.Clean(src))
		if len(segments) > 0 && segments[0] == string(filepath.Separator) {
			segments = segments[1:]
		}
		link := filepath.Join(append([]string{target}, segments...)...)
		if err := symlink(opts.resolve(src), opts.resolve(link), opts.Absolute); err != nil {
			return created, err
		}
		created = append(created, link)
	}
	return created, nil
}

// LinkDataTree mirrors every labeled data directory under source into target.
// For source/data0/sub0 (holding type.raw) the link target/data0/sub0 is created.
func LinkDataTree(source, target string, opts LinkOptions) ([]string, error) {
	re, err := opts.compile()
	if err != nil {
		return nil, err
	}
	absSource := opts.resolve(source)
	dirs, err := opio.FindDataDirs(absSource)
	if err != nil {
		return nil, fmt.Errorf("failed to search data under %s: %w", source, err)
	}
	var created []string
	for _, dir := range dirs.Sorted() {
		rel, err := filepath.Rel(absSource, dir)
		if err != nil {
			return created, err
		}
		if !re.MatchString(filepath.Join(source, rel)) {
			continue
		}
		link := filepath.Join(target, rel)
		if err := symlink(dir, opts.resolve(link), opts.Absolute); err != nil {
			return created, err
		}
		created = append(created, link)
	}
	return created, nil
}

// symlink creates link pointing at src, creating the link's parent directories.
func symlink(src, link string, absolute bool) error {
	if _, err := os.Lstat(link); err == nil {
		return fmt.Errorf("%w: %s", ErrTargetExists, link)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", link, err)
	}
	if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", link, err)
	}
	dest, err := LinkDest(src, link, absolute)
	if err != nil {
		return err
	}
	if err := os.Symlink(dest, link); err != nil {
		return fmt.Errorf("failed to link %s -> %s: %w", link, dest, err)
	}
	return nil
}

// LinkDest computes what a symlink at link should contain to reach src.
func LinkDest(src, link string, absolute bool) (string, error) {
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return "", err
	}
	if absolute {
		return absSrc, nil
	}
	absLinkDir, err := filepath.Abs(filepath.Dir(link))
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absLinkDir, absSrc)
	if err != nil {
		return "", fmt.Errorf("failed to relate %s to %s: %w", src, link, err)
	}
	return rel, nil
}

// Symlink creates a single link at link pointing at src (see LinkDest).
func Symlink(src, link string, absolute bool) error {
	return symlink(src, link, absolute)
}
