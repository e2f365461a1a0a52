package pathutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/nomis52/dpflow/iteration"
)

// TaskIndices returns the indices of all task directories directly under dir, ascending.
// A missing dir has no tasks.
func TaskIndices(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var out []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if idx, ok := iteration.ParseTaskIndex(e.Name()); ok {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out, nil
}

// NextTaskIndex returns the index after the highest existing task under dir, or 0.
// Gaps left by earlier runs are not filled.
func NextTaskIndex(dir string) (int, error) {
	indices, err := TaskIndices(dir)
	if err != nil {
		return 0, err
	}
	if len(indices) == 0 {
		return 0, nil
	}
	return indices[len(indices)-1] + 1, nil
}
