package dispatcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// shellQuote wraps s in single quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// quoteGlob quotes s but leaves the glob metacharacters * and ? active.
func quoteGlob(s string) string {
	var b strings.Builder
	start := 0
	for i, r := range s {
		if r == '*' || r == '?' {
			if i > start {
				b.WriteString(shellQuote(s[start:i]))
			}
			b.WriteRune(r)
			start = i + 1
		}
	}
	if start < len(s) || b.Len() == 0 {
		b.WriteString(shellQuote(s[start:]))
	}
	return b.String()
}

// prelude renders the environment setup shared by every task of a submission.
func prelude(r Resources) string {
	var b strings.Builder
	for _, src := range r.SourceList {
		fmt.Fprintf(&b, "source %s\n", shellQuote(src))
	}
	keys := make([]string, 0, len(r.Envs))
	for k := range r.Envs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(r.Envs[k]))
	}
	return b.String()
}

// checkForward verifies every forward file of the submission exists under the work base.
func checkForward(sub *Submission) error {
	var errs []error
	check := func(p string) {
		if _, err := os.Stat(filepath.Join(sub.WorkBase, p)); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingForward, p))
		}
	}
	for _, p := range sub.ForwardCommonFiles {
		check(p)
	}
	for _, t := range sub.Tasks {
		for _, p := range t.ForwardFiles {
			check(filepath.Join(t.WorkPath, p))
		}
	}
	return errors.Join(errs...)
}

// checkBackward verifies every backward pattern matched at least one file under base.
func checkBackward(base string, patterns []string) error {
	var errs []error
	for _, p := range patterns {
		matches, err := filepath.Glob(filepath.Join(base, p))
		if err != nil {
			errs = append(errs, fmt.Errorf("bad backward pattern %q: %w", p, err))
			continue
		}
		if len(matches) == 0 {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingBackward, filepath.Join(base, p)))
		}
	}
	return errors.Join(errs...)
}

// forwardList returns every forward path of the submission relative to the work base.
func forwardList(sub *Submission) []string {
	var out []string
	out = append(out, sub.ForwardCommonFiles...)
	for _, t := range sub.Tasks {
		for _, p := range t.ForwardFiles {
			out = append(out, filepath.Join(t.WorkPath, p))
		}
	}
	return out
}

// ensureDir creates the task directories so logs can be written.
func ensureDir(p string) error {
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(p, 0755)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", p)
	}
	return nil
}
