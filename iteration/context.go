// Package iteration describes where a workflow lives on disk.
//
// A Context names the workflow root; an IterationContext adds the current
// iteration number and derives the canonical sub-paths from it. Both are pure
// values: constructing them never touches the filesystem.
//
// Derived paths are relative to the root so a workflow tree can be moved.
// Use Resolve to turn them into paths usable from the current process.
package iteration

import (
	"path/filepath"
	"strings"
)

// Context is the immutable description of a workflow root.
type Context struct {
	root string
}

// NewContext returns a Context rooted at root.
func NewContext(root string) Context {
	return Context{root: filepath.Clean(root)}
}

// Root returns the workflow root as given.
func (c Context) Root() string {
	return c.root
}

// Resolve joins a root-relative path onto the root. Absolute paths are returned cleaned.
func (c Context) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.root, p)
}

// Rel expresses p relative to the root when possible, otherwise returns it cleaned.
// Relative inputs are assumed to be root-relative already.
func (c Context) Rel(p string) string {
	if !filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	absRoot, err := filepath.Abs(c.root)
	if err != nil {
		return filepath.Clean(p)
	}
	rel, err := filepath.Rel(absRoot, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Clean(p)
	}
	return rel
}

// IterationContext is a Context positioned at one iteration.
type IterationContext struct {
	Context
	iteration int
}

// New returns the context of iteration i under root.
func New(root string, i int) IterationContext {
	return IterationContext{Context: NewContext(root), iteration: i}
}

// Iteration returns the iteration index.
func (c IterationContext) Iteration() int {
	return c.iteration
}

// IterPath returns the directory of the current iteration, e.g. iter.000002.
func (c IterationContext) IterPath() string {
	return IterName(c.iteration)
}

// PrevIterPath returns the previous iteration directory. It is absent for iteration 0.
func (c IterationContext) PrevIterPath() (string, bool) {
	if c.iteration == 0 {
		return "", false
	}
	return IterName(c.iteration - 1), true
}

// NextIterPath returns the next iteration directory.
func (c IterationContext) NextIterPath() string {
	return IterName(c.iteration + 1)
}

// AllPrevIter returns every iteration directory with an index below the current one, ascending.
func (c IterationContext) AllPrevIter() []string {
	out := make([]string, 0, c.iteration)
	for i := 0; i < c.iteration; i++ {
		out = append(out, IterName(i))
	}
	return out
}

// StepPath returns a step directory inside the current iteration.
func (c IterationContext) StepPath(step string) string {
	return filepath.Join(c.IterPath(), step)
}

// Next returns the context of the following iteration.
func (c IterationContext) Next() IterationContext {
	return IterationContext{Context: c.Context, iteration: c.iteration + 1}
}
