package dispatcher

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxLinkDepth bounds directory recursion when following symlinks.
const maxLinkDepth = 64

// writeTarGz writes the given paths, relative to base, into a gzip tar stream.
// Symlinks are followed so that linked data directories travel as real content.
func writeTarGz(ctx context.Context, w io.Writer, base string, paths []string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	written := make(map[string]bool)

	for _, p := range paths {
		if err := addPath(ctx, tw, base, filepath.Clean(p), written, 0); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("closing gzip stream: %w", err)
	}
	return nil
}

func addPath(ctx context.Context, tw *tar.Writer, base, rel string, written map[string]bool, depth int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if depth > maxLinkDepth {
		return fmt.Errorf("directory nesting too deep at %s (symlink loop?)", rel)
	}
	name := filepath.ToSlash(rel)
	if written[name] {
		return nil
	}

	full := filepath.Join(base, rel)
	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMissingForward, rel)
	}

	// parents first so extraction creates them with sane modes
	if dir := filepath.Dir(rel); dir != "." && !written[filepath.ToSlash(dir)] {
		if err := writeDirHeader(tw, filepath.ToSlash(dir), 0755); err != nil {
			return err
		}
		written[filepath.ToSlash(dir)] = true
	}

	switch {
	case info.IsDir():
		if err := writeDirHeader(tw, name, info.Mode().Perm()); err != nil {
			return err
		}
		written[name] = true
		entries, err := os.ReadDir(full)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}
		for _, e := range entries {
			if err := addPath(ctx, tw, base, filepath.Join(rel, e.Name()), written, depth+1); err != nil {
				return err
			}
		}
		return nil
	case info.Mode().IsRegular():
		written[name] = true
		return writeFile(tw, name, full, info)
	default:
		return nil
	}
}

func writeDirHeader(tw *tar.Writer, name string, mode fs.FileMode) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeDir,
		Name:     name + "/",
		Mode:     int64(mode),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing header for %s: %w", name, err)
	}
	return nil
}

func writeFile(tw *tar.Writer, name, full string, info fs.FileInfo) error {
	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing header for %s: %w", name, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archiving %s: %w", name, err)
	}
	return nil
}

// extractTarGz unpacks a gzip tar stream under dest. Entries escaping dest are rejected.
func extractTarGz(r io.Reader, dest string) ([]string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	absDest, err := filepath.Abs(dest)
	if err != nil {
		return nil, err
	}

	var extracted []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return extracted, nil
		}
		if err != nil {
			return extracted, fmt.Errorf("reading tar stream: %w", err)
		}

		target := filepath.Join(absDest, filepath.FromSlash(hdr.Name))
		if target != absDest && !strings.HasPrefix(target, absDest+string(filepath.Separator)) {
			return extracted, fmt.Errorf("tar entry %q escapes %s", hdr.Name, dest)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return extracted, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return extracted, err
			}
			if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return extracted, fmt.Errorf("replacing %s: %w", target, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode).Perm()|0600)
			if err != nil {
				return extracted, err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return extracted, fmt.Errorf("extracting %s: %w", hdr.Name, err)
			}
			if err := f.Close(); err != nil {
				return extracted, err
			}
			extracted = append(extracted, filepath.FromSlash(hdr.Name))
		}
	}
}
