package opio

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// PathKind says how a Path is resolved against a directory.
// The kind is always chosen by the caller; it is never sniffed from the string,
// so a literal file name containing '*' stays literal.
type PathKind int

const (
	// KindLiteral resolves to exactly one path.
	KindLiteral PathKind = iota
	// KindGlob resolves to every existing match of a filepath.Match pattern.
	KindGlob
)

// String returns a human-readable representation of the PathKind
func (k PathKind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindGlob:
		return "glob"
	default:
		return "unknown"
	}
}

// Path is a file reference relative to some directory.
type Path struct {
	Kind    PathKind
	Pattern string
}

// Literal returns a Path that names one file.
func Literal(p string) Path {
	return Path{Kind: KindLiteral, Pattern: p}
}

// Glob returns a Path expanded with filepath.Glob.
func Glob(pattern string) Path {
	return Path{Kind: KindGlob, Pattern: pattern}
}

// String returns the pattern.
func (p Path) String() string {
	return p.Pattern
}

// Files resolves the path under dir.
// A literal is returned whether or not it exists; a glob returns sorted existing matches.
func (p Path) Files(dir string) ([]string, error) {
	switch p.Kind {
	case KindLiteral:
		return []string{filepath.Join(dir, p.Pattern)}, nil
	case KindGlob:
		matches, err := filepath.Glob(filepath.Join(dir, p.Pattern))
		if err != nil {
			return nil, fmt.Errorf("bad glob %q: %w", p.Pattern, err)
		}
		sort.Strings(matches)
		return matches, nil
	default:
		return nil, fmt.Errorf("unknown path kind %d", p.Kind)
	}
}

// UnmarshalYAML accepts a bare scalar (literal), {path: x} or {glob: x}.
func (p *Path) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*p = Literal(node.Value)
		return nil
	}
	var raw struct {
		Path string `yaml:"path"`
		Glob string `yaml:"glob"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch {
	case raw.Path != "" && raw.Glob != "":
		return errors.New("path entry must set exactly one of path or glob")
	case raw.Glob != "":
		*p = Glob(raw.Glob)
	case raw.Path != "":
		*p = Literal(raw.Path)
	default:
		return errors.New("path entry must set path or glob")
	}
	return nil
}

// MarshalYAML writes the form accepted by UnmarshalYAML.
func (p Path) MarshalYAML() (interface{}, error) {
	if p.Kind == KindGlob {
		return map[string]string{"glob": p.Pattern}, nil
	}
	return p.Pattern, nil
}

// Paths is a list of Path declarations.
type Paths []Path

// Literals builds a Paths of literal entries.
func Literals(ps ...string) Paths {
	out := make(Paths, 0, len(ps))
	for _, p := range ps {
		out = append(out, Literal(p))
	}
	return out
}

// Files resolves every entry under dir and returns the sorted, deduplicated union.
func (ps Paths) Files(dir string) ([]string, error) {
	set := NewPathSet()
	for _, p := range ps {
		files, err := p.Files(dir)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			set.Add(f)
		}
	}
	return set.Sorted(), nil
}

// Patterns returns the raw patterns in declaration order.
func (ps Paths) Patterns() []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Pattern)
	}
	return out
}
