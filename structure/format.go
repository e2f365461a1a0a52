package structure

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Format names a configuration file format.
type Format string

const (
	FormatAuto   Format = "auto"
	FormatPoscar Format = "vasp/poscar"
	FormatLmp    Format = "lammps/lmp"
)

// ParseFormat accepts the canonical names and their short aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case "vasp/poscar", "poscar", "vasp", "vasp/contcar", "contcar":
		return FormatPoscar, nil
	case "lammps/lmp", "lmp", "lammps":
		return FormatLmp, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// DetectFormat guesses a format from a file name.
func DetectFormat(path string) (Format, error) {
	base := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasPrefix(base, "poscar"), strings.HasPrefix(base, "contcar"),
		strings.HasSuffix(base, ".poscar"), strings.HasSuffix(base, ".vasp"):
		return FormatPoscar, nil
	case strings.HasSuffix(base, ".lmp"):
		return FormatLmp, nil
	default:
		return "", fmt.Errorf("%w: cannot detect format of %s", ErrUnknownFormat, path)
	}
}

// Load reads the configuration at path in the given format.
func Load(path string, format Format) (*System, error) {
	if format == FormatAuto || format == "" {
		detected, err := DetectFormat(path)
		if err != nil {
			return nil, err
		}
		format = detected
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open configuration: %w", err)
	}
	defer f.Close()

	var sys *System
	switch format {
	case FormatPoscar:
		sys, err = ReadPoscar(f)
	case FormatLmp:
		sys, err = ReadLmp(f)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s as %s: %w", path, format, err)
	}
	return sys, nil
}

// ReadPoscar parses a VASP 5 POSCAR (species line present).
func ReadPoscar(r io.Reader) (*System, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}
	if len(lines) < 8 {
		return nil, fmt.Errorf("poscar too short: %d lines", len(lines))
	}

	factor, err := strconv.ParseFloat(strings.TrimSpace(lines[1]), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid scale factor: %w", err)
	}
	if factor <= 0 {
		return nil, fmt.Errorf("unsupported scale factor %f", factor)
	}

	sys := &System{}
	for i := range 3 {
		v, err := parseVec(lines[2+i])
		if err != nil {
			return nil, fmt.Errorf("invalid lattice vector %d: %w", i, err)
		}
		sys.Cell[i] = scale(v, factor)
	}

	sys.AtomNames = strings.Fields(lines[5])
	for _, field := range strings.Fields(lines[6]) {
		n, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid atom count %q: %w", field, err)
		}
		sys.AtomNumbs = append(sys.AtomNumbs, n)
	}
	if len(sys.AtomNames) != len(sys.AtomNumbs) {
		return nil, fmt.Errorf("%d species for %d counts", len(sys.AtomNames), len(sys.AtomNumbs))
	}

	next := 7
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(lines[next])), "s") {
		next++ // selective dynamics
	}
	if next >= len(lines) {
		return nil, fmt.Errorf("missing coordinate mode line")
	}
	mode := strings.ToLower(strings.TrimSpace(lines[next]))
	cartesian := strings.HasPrefix(mode, "c") || strings.HasPrefix(mode, "k")
	next++

	for t, n := range sys.AtomNumbs {
		for range n {
			if next >= len(lines) {
				return nil, fmt.Errorf("expected more coordinates")
			}
			v, err := parseVec(lines[next])
			if err != nil {
				return nil, fmt.Errorf("invalid coordinate on line %d: %w", next+1, err)
			}
			next++
			if cartesian {
				v = scale(v, factor)
			} else {
				v = mulRowMat(v, sys.Cell)
			}
			sys.Coords = append(sys.Coords, v)
			sys.AtomTypes = append(sys.AtomTypes, t)
		}
	}
	return sys, sys.Validate()
}

// ReadLmp parses a LAMMPS data file with an "Atoms # atomic" section.
// Types are named TYPE_1, TYPE_2, ... as the data file carries no species.
func ReadLmp(r io.Reader) (*System, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}

	var (
		natoms, ntypes int
		lo, hi         Vec3
		xy, xz, yz     float64
		atomsAt        = -1
	)
	for i, line := range lines {
		fields := strings.Fields(line)
		switch {
		case len(fields) == 2 && fields[1] == "atoms":
			natoms, err = strconv.Atoi(fields[0])
		case len(fields) == 3 && fields[1] == "atom" && fields[2] == "types":
			ntypes, err = strconv.Atoi(fields[0])
		case len(fields) == 4 && strings.HasSuffix(fields[2], "lo") && strings.HasSuffix(fields[3], "hi"):
			k := strings.Index("xyz", fields[2][:1])
			if k < 0 {
				return nil, fmt.Errorf("unexpected bounds line %q", line)
			}
			if lo[k], err = strconv.ParseFloat(fields[0], 64); err == nil {
				hi[k], err = strconv.ParseFloat(fields[1], 64)
			}
		case len(fields) == 6 && fields[3] == "xy" && fields[4] == "xz" && fields[5] == "yz":
			var v Vec3
			v, err = parseVec(strings.Join(fields[:3], " "))
			xy, xz, yz = v[0], v[1], v[2]
		case len(fields) > 0 && fields[0] == "Atoms":
			atomsAt = i
		}
		if err != nil {
			return nil, fmt.Errorf("invalid line %d %q: %w", i+1, line, err)
		}
		if atomsAt >= 0 {
			break
		}
	}
	if atomsAt < 0 {
		return nil, fmt.Errorf("no Atoms section")
	}

	sys := &System{
		Cell: Cell{
			{hi[0] - lo[0], 0, 0},
			{xy, hi[1] - lo[1], 0},
			{xz, yz, hi[2] - lo[2]},
		},
		AtomNumbs: make([]int, ntypes),
	}
	for t := range ntypes {
		sys.AtomNames = append(sys.AtomNames, fmt.Sprintf("TYPE_%d", t+1))
	}

	type atom struct {
		id, typ int
		pos     Vec3
	}
	atoms := make([]atom, 0, natoms)
	for _, line := range lines[atomsAt+1:] {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			if len(atoms) > 0 {
				break
			}
			continue
		}
		if len(fields) < 5 {
			return nil, fmt.Errorf("invalid atom line %q", line)
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("invalid atom id %q: %w", fields[0], err)
		}
		typ, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid atom type %q: %w", fields[1], err)
		}
		if typ < 1 || typ > ntypes {
			return nil, fmt.Errorf("atom %d has type %d outside 1..%d", id, typ, ntypes)
		}
		pos, err := parseVec(strings.Join(fields[2:5], " "))
		if err != nil {
			return nil, err
		}
		atoms = append(atoms, atom{id: id, typ: typ - 1, pos: sub(pos, lo)})
		if len(atoms) == natoms {
			break
		}
	}
	if len(atoms) != natoms {
		return nil, fmt.Errorf("expected %d atoms, found %d", natoms, len(atoms))
	}

	// atoms are written by id
	for i := 1; i < len(atoms); i++ {
		for j := i; j > 0 && atoms[j].id < atoms[j-1].id; j-- {
			atoms[j], atoms[j-1] = atoms[j-1], atoms[j]
		}
	}
	for _, a := range atoms {
		sys.AtomTypes = append(sys.AtomTypes, a.typ)
		sys.Coords = append(sys.Coords, a.pos)
		sys.AtomNumbs[a.typ]++
	}
	return sys, sys.Validate()
}

// WriteLmp writes s as a LAMMPS atomic data file. Cells that are not lower triangular
// are rotated first, which modifies s.
func WriteLmp(w io.Writer, s *System) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := s.RotateLowerTriangular(); err != nil {
		return err
	}
	const (
		f = "%15.10f"
		d = "%6d"
	)
	bw := bufio.NewWriter(w)
	fmt.Fprint(bw, "\n")
	fmt.Fprintf(bw, "%d atoms\n", s.NumAtoms())
	fmt.Fprintf(bw, "%d atom types\n", s.NumTypes())
	fmt.Fprintf(bw, f+" "+f+" xlo xhi\n", 0.0, s.Cell[0][0])
	fmt.Fprintf(bw, f+" "+f+" ylo yhi\n", 0.0, s.Cell[1][1])
	fmt.Fprintf(bw, f+" "+f+" zlo zhi\n", 0.0, s.Cell[2][2])
	fmt.Fprintf(bw, f+" "+f+" "+f+" xy xz yz\n", s.Cell[1][0], s.Cell[2][0], s.Cell[2][1])
	fmt.Fprint(bw, "\nAtoms # atomic\n\n")
	for i, c := range s.Coords {
		fmt.Fprintf(bw, d+" "+d+" "+f+" "+f+" "+f+"\n", i+1, s.AtomTypes[i]+1, c[0], c[1], c[2])
	}
	return bw.Flush()
}

// SaveLmp writes s to path as a LAMMPS data file.
func SaveLmp(path string, s *System) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteLmp(f, s); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read: %w", err)
	}
	return lines, nil
}

func parseVec(line string) (Vec3, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Vec3{}, fmt.Errorf("expected 3 components in %q", line)
	}
	var v Vec3
	for k := range 3 {
		x, err := strconv.ParseFloat(fields[k], 64)
		if err != nil {
			return Vec3{}, fmt.Errorf("invalid component %q: %w", fields[k], err)
		}
		v[k] = x
	}
	return v, nil
}
