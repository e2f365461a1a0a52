package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/dpflow/iteration"
	"github.com/nomis52/dpflow/lammps"
	"github.com/nomis52/dpflow/op"
	"github.com/nomis52/dpflow/opio"
	"github.com/nomis52/dpflow/structure"
)

// Test Helpers
// ---------------------------------------------------------------------

const poscarAl = `Al
1.0
6.6326952 0.0 0.0
0.1301009 6.5259342 0.0
0.0170968 -0.0156295 6.4869027
Al
1
Cartesian
0 0 0
`

const lmpAl = `
1 atoms
1 atom types
   0.0000000000    6.6326952000 xlo xhi
   0.0000000000    6.5259342000 ylo yhi
   0.0000000000    6.4869027000 zlo zhi
   0.1301009000    0.0170968000   -0.0156295000 xy xz yz

Atoms # atomic

     1      1    0.0000000000    0.0000000000    0.0000000000
`

const poscarAlMg = `AlMg
1.0
6.6326952 0.0 0.0
0.1301009 6.5259342 0.0
0.0170968 -0.0156295 6.4869027
Al Mg
1 1
Cartesian
0 0 0
1 1 2
`

const lmpAlMg = `
2 atoms
2 atom types
   0.0000000000    6.6326952000 xlo xhi
   0.0000000000    6.5259342000 ylo yhi
   0.0000000000    6.4869027000 zlo zhi
   0.1301009000    0.0170968000   -0.0156295000 xy xz yz

Atoms # atomic

     1      1    0.0000000000    0.0000000000    0.0000000000
     2      2    1.0000000000    1.0000000000    2.0000000000
`

const lmpAlMgSwapped = `
2 atoms
2 atom types
   0.0000000000    6.6326952000 xlo xhi
   0.0000000000    6.5259342000 ylo yhi
   0.0000000000    6.4869027000 zlo zhi
   0.1301009000    0.0170968000   -0.0156295000 xy xz yz

Atoms # atomic

     1      1    1.0000000000    1.0000000000    2.0000000000
     2      2    0.0000000000    0.0000000000    0.0000000000
`

// fakeMDRand always draws 1 and hands out queued permutations for two atoms.
type fakeMDRand struct {
	perms [][]int
}

func (f *fakeMDRand) IntN(int) int { return 1 }

func (f *fakeMDRand) NormFloat64() float64 { return 1 }

func (f *fakeMDRand) Perm(n int) []int {
	switch n {
	case 1:
		return []int{0}
	case 2:
		p := f.perms[0]
		f.perms = f.perms[1:]
		return p
	default:
		panic(fmt.Sprintf("unexpected permutation of %d", n))
	}
}

var (
	mdConfs  = []string{"init/0/POSCAR", "init/1/POSCAR"}
	mdModels = []string{
		"iter.000001/00.train/train.000/frozen_model.pb",
		"iter.000001/00.train/train.001/frozen_model.pb",
	}
	massMap = []float64{27, 24}
)

func mdSettings() *lammps.MDSettings {
	s := &lammps.MDSettings{
		Ens:     lammps.EnsNPT,
		Dt:      0.002,
		NSteps:  1000,
		TrjFreq: 10,
		Temps:   []float64{100, 200, 300},
		Press:   []float64{10, 1000},
	}
	s.SetDefaults()
	return s
}

// setupMD writes the initial configurations and models under a fresh root.
func setupMD(t *testing.T, confs map[string]string) (string, opio.OPIO) {
	t.Helper()
	root := t.TempDir()
	for p, content := range confs {
		require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(root, p)), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(root, p), []byte(content), 0644))
	}
	for _, m := range mdModels {
		require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(root, m)), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(root, m), []byte(uuid.NewString()), 0644))
	}
	var confPaths []string
	for p := range confs {
		confPaths = append(confPaths, p)
	}
	in := opio.From(map[string]opio.PathSet{
		ChanInitConf: opio.NewPathSet(confPaths...),
		ChanModels:   opio.NewPathSet(mdModels...),
	})
	return root, in
}

func twoConfs() map[string]string {
	return map[string]string{mdConfs[0]: poscarAl, mdConfs[1]: poscarAlMg}
}

func newPrepMD(t *testing.T, root string, appendMode, shuffle bool, rng MDRand) *PrepMDLmpNative {
	t.Helper()
	p, err := NewPrepMDLmpNative(iteration.New(root, 1), PrepMDConfig{
		Settings:     mdSettings(),
		MassMap:      massMap,
		Append:       appendMode,
		ConfFormat:   structure.FormatPoscar,
		ShuffleAtoms: shuffle,
	}, rng)
	require.NoError(t, err)
	return p
}

func taskPaths(from, n int) []string {
	var out []string
	for i := from; i < from+n; i++ {
		out = append(out, filepath.Join("iter.000001", "01.model_devi", iteration.TaskName(i)))
	}
	return out
}

func mdDirs(t *testing.T, out opio.OPIO) []string {
	t.Helper()
	dirs, err := out.Get(ChanModelDeviDirs)
	require.NoError(t, err)
	return dirs.Sorted()
}

func expectedInput(t *testing.T, cond lammps.Condition) string {
	t.Helper()
	in, err := lammps.MakeInput(lammps.InputParams{
		Settings:  mdSettings(),
		ConfFile:  "conf.lmp",
		Graphs:    []string{"graph.000.pb", "graph.001.pb"},
		MassMap:   massMap,
		Condition: cond,
		PKAMass:   massMap[0],
	}, &fakeMDRand{})
	require.NoError(t, err)
	return in
}

// Tests
// ---------------------------------------------------------------------

func TestPrepMDLmpNative_Output(t *testing.T) {
	root, in := setupMD(t, twoConfs())
	stage := op.New("prep_md", op.KindPrepMD, newPrepMD(t, root, false, false, &fakeMDRand{}))

	_, err := stage.Output()
	assert.ErrorIs(t, err, op.ErrNotExecuted, "output is dynamic")
	_, err = stage.Input()
	assert.ErrorIs(t, err, op.ErrNotExecuted)

	out, err := stage.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{ChanModelDeviDirs}, out.Keys())
	assert.Equal(t, taskPaths(0, 12), mdDirs(t, out))

	recorded, err := stage.Output()
	require.NoError(t, err)
	assert.True(t, recorded.Equal(out))
}

func TestPrepMDLmpNative_Execute(t *testing.T) {
	root, in := setupMD(t, twoConfs())
	out, err := newPrepMD(t, root, false, false, &fakeMDRand{}).Execute(context.Background(), in)
	require.NoError(t, err)
	tasks := mdDirs(t, out)
	conditions := mdSettings().Conditions()

	for i, task := range tasks {
		dir := filepath.Join(root, task)
		want := lmpAl
		if i >= len(tasks)/2 {
			want = lmpAlMg
		}
		assert.Equal(t, want, readText(t, filepath.Join(dir, "conf.lmp")), task)

		link, err := os.Readlink(filepath.Join(dir, "POSCAR"))
		require.NoError(t, err)
		assert.True(t, filepath.IsAbs(link), "configuration links are absolute")

		for m, model := range mdModels {
			graph := filepath.Join(dir, iteration.GraphName(m))
			target, err := os.Readlink(graph)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join("..", iteration.GraphName(m)), target)
			assert.Equal(t, readText(t, filepath.Join(root, model)), readText(t, graph))
		}

		assert.Equal(t, expectedInput(t, conditions[i%len(conditions)]), readText(t, filepath.Join(dir, "in.lammps")), task)
		job := readJSON(t, filepath.Join(dir, "job.json"))
		assert.Equal(t, "npt", job["ens"])
	}

	target, err := os.Readlink(filepath.Join(root, "iter.000001", "01.model_devi", "graph.000.pb"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("..", "00.train", "train.000", "frozen_model.pb"), target)
}

func TestPrepMDLmpNative_InputScript(t *testing.T) {
	root, in := setupMD(t, map[string]string{mdConfs[1]: poscarAlMg})
	_, err := newPrepMD(t, root, false, false, &fakeMDRand{}).Execute(context.Background(), in)
	require.NoError(t, err)

	got := readText(t, filepath.Join(root, "iter.000001", "01.model_devi", "task.000001", "in.lammps"))
	assert.Contains(t, got, "variable        TEMP            equal 100.000000\n")
	assert.Contains(t, got, "variable        PRES            equal 1000.000000\n")
	assert.Contains(t, got, "mass            2 24.000000\n")
	assert.Contains(t, got, "pair_style      deepmd graph.000.pb graph.001.pb  out_freq")
	assert.Contains(t, got, `"velocity        all create ${TEMP} 2"`)
}

func TestPrepMDLmpNative_Append(t *testing.T) {
	root, in := setupMD(t, map[string]string{mdConfs[0]: poscarAl})

	first, err := newPrepMD(t, root, false, false, &fakeMDRand{}).Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, taskPaths(0, 6), mdDirs(t, first))

	before := map[string]string{}
	for _, task := range taskPaths(0, 6) {
		for _, f := range []string{"conf.lmp", "in.lammps", "job.json"} {
			before[filepath.Join(task, f)] = readText(t, filepath.Join(root, task, f))
		}
	}

	second, err := newPrepMD(t, root, true, false, &fakeMDRand{}).Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, taskPaths(0, 12), mdDirs(t, second), "old tasks are reported with the new ones")

	for _, task := range taskPaths(6, 6) {
		assert.Equal(t, lmpAl, readText(t, filepath.Join(root, task, "conf.lmp")))
	}
	for p, content := range before {
		assert.Equal(t, content, readText(t, filepath.Join(root, p)), "%s was modified", p)
	}
	assert.NoDirExists(t, filepath.Join(root, "iter.000001", "01.model_devi.bk000"))
}

func TestPrepMDLmpNative_AppendAfterGap(t *testing.T) {
	root, in := setupMD(t, map[string]string{mdConfs[0]: poscarAl})
	work := filepath.Join(root, "iter.000001", "01.model_devi")
	for _, name := range []string{"task.000000", "task.000003"} {
		require.NoError(t, os.MkdirAll(filepath.Join(work, name), 0755))
	}

	out, err := newPrepMD(t, root, true, false, &fakeMDRand{}).Execute(context.Background(), in)
	require.NoError(t, err)
	dirs := mdDirs(t, out)
	assert.Len(t, dirs, 8)
	assert.Equal(t, taskPaths(4, 6), dirs[2:], "numbering continues after the highest index")
	assert.NoDirExists(t, filepath.Join(work, "task.000001"), "gaps are not filled")
}

func TestPrepMDLmpNative_BacksUpWithoutAppend(t *testing.T) {
	root, in := setupMD(t, map[string]string{mdConfs[0]: poscarAl})
	for range 2 {
		out, err := newPrepMD(t, root, false, false, &fakeMDRand{}).Execute(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, taskPaths(0, 6), mdDirs(t, out))
	}
	assert.DirExists(t, filepath.Join(root, "iter.000001", "01.model_devi.bk000", "task.000005"))
}

func TestPrepMDLmpNative_Shuffle(t *testing.T) {
	root, in := setupMD(t, twoConfs())
	rng := &fakeMDRand{perms: [][]int{{0, 1}, {0, 1}, {1, 0}, {1, 0}, {0, 1}, {1, 0}}}
	out, err := newPrepMD(t, root, false, true, rng).Execute(context.Background(), in)
	require.NoError(t, err)
	tasks := mdDirs(t, out)
	require.Len(t, tasks, 12)

	want := []string{lmpAlMg, lmpAlMg, lmpAlMgSwapped, lmpAlMgSwapped, lmpAlMg, lmpAlMgSwapped}
	for i, task := range tasks[:6] {
		assert.Equal(t, lmpAl, readText(t, filepath.Join(root, task, "conf.lmp")))
		assert.Equal(t, want[i], readText(t, filepath.Join(root, tasks[6+i], "conf.lmp")), tasks[6+i])
	}
	assert.Empty(t, rng.perms)
}

func TestPrepMDLmpNative_ConfNamedLikeOutput(t *testing.T) {
	root, in := setupMD(t, map[string]string{"init/conf.lmp": lmpAl})
	p, err := NewPrepMDLmpNative(iteration.New(root, 1), PrepMDConfig{
		Settings: mdSettings(),
		MassMap:  massMap,
	}, &fakeMDRand{})
	require.NoError(t, err)

	out, err := p.Execute(context.Background(), in)
	require.NoError(t, err)
	task := filepath.Join(root, mdDirs(t, out)[0])
	assert.FileExists(t, filepath.Join(task, "conf.orig.lmp"))
	assert.Equal(t, lmpAl, readText(t, filepath.Join(task, "conf.lmp")))
}

func TestPrepMDLmpNative_NoPBC(t *testing.T) {
	root, in := setupMD(t, map[string]string{mdConfs[1]: poscarAlMg})
	settings := mdSettings()
	settings.Ens = lammps.EnsNVT
	settings.Press = nil
	settings.NoPBC = true
	p, err := NewPrepMDLmpNative(iteration.New(root, 1), PrepMDConfig{
		Settings:   settings,
		MassMap:    massMap,
		ConfFormat: structure.FormatPoscar,
	}, &fakeMDRand{})
	require.NoError(t, err)

	out, err := p.Execute(context.Background(), in)
	require.NoError(t, err)
	tasks := mdDirs(t, out)
	assert.Len(t, tasks, 3)

	sys, err := structure.Load(filepath.Join(root, tasks[0], "conf.lmp"), structure.FormatLmp)
	require.NoError(t, err)
	assert.True(t, sys.Cell.IsLowerTriangular())
	assert.Greater(t, sys.Cell[0][0], 18.0, "vacuum added around the atoms")
	assert.Contains(t, readText(t, filepath.Join(root, tasks[0], "in.lammps")), "boundary        f f f\n")
}

func TestPrepMDLmpNative_Errors(t *testing.T) {
	t.Run("missing channel", func(t *testing.T) {
		root, _ := setupMD(t, twoConfs())
		in := opio.From(map[string]opio.PathSet{ChanInitConf: opio.NewPathSet(mdConfs...)})
		_, err := newPrepMD(t, root, false, false, &fakeMDRand{}).Execute(context.Background(), in)
		assert.ErrorIs(t, err, opio.ErrKeyNotFound)
	})

	t.Run("task exists", func(t *testing.T) {
		root, in := setupMD(t, map[string]string{mdConfs[0]: poscarAl})
		work := filepath.Join(root, "iter.000001", "01.model_devi")
		require.NoError(t, os.MkdirAll(work, 0755))
		// a stray file with a task name is invisible to the index scan
		require.NoError(t, os.WriteFile(filepath.Join(work, "task.000000"), nil, 0644))
		_, err := newPrepMD(t, root, true, false, &fakeMDRand{}).Execute(context.Background(), in)
		assert.ErrorIs(t, err, ErrTaskExists)
	})

	t.Run("mass map too short", func(t *testing.T) {
		root, in := setupMD(t, map[string]string{mdConfs[1]: poscarAlMg})
		p, err := NewPrepMDLmpNative(iteration.New(root, 1), PrepMDConfig{
			Settings:   mdSettings(),
			MassMap:    massMap[:1],
			ConfFormat: structure.FormatPoscar,
		}, &fakeMDRand{})
		require.NoError(t, err)
		_, err = p.Execute(context.Background(), in)
		assert.ErrorContains(t, err, "mass_map")
	})

	t.Run("invalid settings", func(t *testing.T) {
		settings := mdSettings()
		settings.Temps = nil
		_, err := NewPrepMDLmpNative(iteration.New(t.TempDir(), 1), PrepMDConfig{Settings: settings, MassMap: massMap}, &fakeMDRand{})
		assert.ErrorIs(t, err, lammps.ErrInvalidSettings)
	})
}
