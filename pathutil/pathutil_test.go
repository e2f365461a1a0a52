package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test Helpers
// ---------------------------------------------------------------------

// makeDataDirs creates each dir under root with a unique type.raw.
func makeDataDirs(t *testing.T, root string, dirs []string) {
	t.Helper()
	for _, d := range dirs {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(root, d, "type.raw"), []byte(uuid.NewString()), 0644))
	}
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(data)
}

// Tests
// ---------------------------------------------------------------------

func TestCreatePath_Backups(t *testing.T) {
	p := filepath.Join(t.TempDir(), "iter.000000", "00.train")

	require.NoError(t, CreatePath(p))
	assert.DirExists(t, p)
	require.NoError(t, os.WriteFile(filepath.Join(p, "first"), []byte("1"), 0644))

	require.NoError(t, CreatePath(p))
	entries, err := os.ReadDir(p)
	require.NoError(t, err)
	assert.Empty(t, entries, "recreated path must be empty")
	assert.FileExists(t, filepath.Join(p+".bk000", "first"))

	require.NoError(t, os.WriteFile(filepath.Join(p, "second"), []byte("2"), 0644))
	require.NoError(t, CreatePath(p))
	assert.FileExists(t, filepath.Join(p+".bk001", "second"))
	assert.FileExists(t, filepath.Join(p+".bk000", "first"), "older backup untouched")
	assert.NoFileExists(t, filepath.Join(p+".bk000", "second"))
}

func TestCreatePath_NotDirectory(t *testing.T) {
	p := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0644))

	err := CreatePath(p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestEnsurePath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "work")
	require.NoError(t, EnsurePath(p))
	require.NoError(t, os.WriteFile(filepath.Join(p, "keep"), nil, 0644))
	require.NoError(t, EnsurePath(p))
	assert.FileExists(t, filepath.Join(p, "keep"))
	assert.NoDirExists(t, p+".bk000")
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"/a/b/c", []string{"/", "a", "b", "c"}},
		{"a/b/c", []string{"a", "b", "c"}},
		{"a/b/c/", []string{"a", "b", "c", ""}},
		{"a", []string{"a"}},
		{"/", []string{"/"}},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitPath(tt.in))
		})
	}
}

func TestLinkDirs(t *testing.T) {
	sources := []string{"source/data0/subdata0", "source/data0/subdata1", "source/data1"}

	for _, absolute := range []bool{false, true} {
		t.Run(map[bool]string{false: "relative", true: "absolute"}[absolute], func(t *testing.T) {
			root := t.TempDir()
			makeDataDirs(t, root, sources)

			created, err := LinkDirs(sources, "target", LinkOptions{Root: root, Absolute: absolute})
			require.NoError(t, err)
			assert.Len(t, created, 3)

			for _, src := range sources {
				link := filepath.Join(root, "target", src)
				info, err := os.Lstat(link)
				require.NoError(t, err)
				assert.NotZero(t, info.Mode()&os.ModeSymlink)

				dest, err := os.Readlink(link)
				require.NoError(t, err)
				assert.Equal(t, absolute, filepath.IsAbs(dest))

				assert.Equal(t,
					readFile(t, filepath.Join(root, src, "type.raw")),
					readFile(t, filepath.Join(link, "type.raw")))
			}
		})
	}
}

func TestLinkDirs_RelativeTarget(t *testing.T) {
	root := t.TempDir()
	makeDataDirs(t, root, []string{"source/data0/subdata0"})

	_, err := LinkDirs([]string{"source/data0/subdata0"}, "target", LinkOptions{Root: root})
	require.NoError(t, err)

	dest, err := os.Readlink(filepath.Join(root, "target/source/data0/subdata0"))
	require.NoError(t, err)
	assert.Equal(t, "../../../source/data0/subdata0", dest)
}

func TestLinkDirs_Pattern(t *testing.T) {
	root := t.TempDir()
	sources := []string{"source/data0", "source/foo/bar"}
	makeDataDirs(t, root, sources)

	created, err := LinkDirs(sources, "target", LinkOptions{Root: root, Pattern: "data"})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join("target", "source", "data0")}, created)
	assert.NoDirExists(t, filepath.Join(root, "target", "source", "foo"))

	none, err := LinkDirs(sources, "other", LinkOptions{Root: root, Pattern: "^nothing$"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLinkDirs_ExistingTarget(t *testing.T) {
	root := t.TempDir()
	makeDataDirs(t, root, []string{"source/data0"})

	_, err := LinkDirs([]string{"source/data0"}, "target", LinkOptions{Root: root})
	require.NoError(t, err)
	_, err = LinkDirs([]string{"source/data0"}, "target", LinkOptions{Root: root})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTargetExists)
}

func TestLinkDirs_BadPattern(t *testing.T) {
	_, err := LinkDirs([]string{"a"}, "b", LinkOptions{Root: t.TempDir(), Pattern: "("})
	assert.Error(t, err)
}

func TestLinkDataTree(t *testing.T) {
	dirs := []string{"source/data0/subdata0", "source/data0/subdata1", "source/data1", "source/foo/bar"}

	t.Run("all", func(t *testing.T) {
		root := t.TempDir()
		makeDataDirs(t, root, dirs)

		created, err := LinkDataTree("source", "target/target1", LinkOptions{Root: root})
		require.NoError(t, err)
		assert.Len(t, created, 4)
		for _, d := range dirs {
			linked := filepath.Join(root, "target/target1", d[len("source/"):])
			assert.Equal(t,
				readFile(t, filepath.Join(root, d, "type.raw")),
				readFile(t, filepath.Join(linked, "type.raw")))
		}
	})

	t.Run("pattern", func(t *testing.T) {
		root := t.TempDir()
		makeDataDirs(t, root, dirs)

		_, err := LinkDataTree("source", "target", LinkOptions{Root: root, Absolute: true, Pattern: ".*data.*"})
		require.NoError(t, err)
		assert.NoDirExists(t, filepath.Join(root, "target", "foo"))
		assert.FileExists(t, filepath.Join(root, "target", "data1", "type.raw"))
		info, err := os.Stat(filepath.Join(root, "target", "data1"))
		require.NoError(t, err)
		assert.True(t, info.IsDir(), "link resolves to the data directory")
	})
}

func TestTaskIndices(t *testing.T) {
	dir := t.TempDir()

	next, err := NextTaskIndex(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Equal(t, 0, next)

	for _, name := range []string{"task.000000", "task.000001", "task.000004", "task.000002.bk000", "graph.000.pb"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0755))
	}

	indices, err := TaskIndices(dir)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 4}, indices)

	next, err = NextTaskIndex(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, next, "gaps are not filled")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "task.1000000"), 0755))
	next, err = NextTaskIndex(dir)
	require.NoError(t, err)
	assert.Equal(t, 1000001, next)
}
