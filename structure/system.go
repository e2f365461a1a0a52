// Package structure holds atomic configurations and converts them between the
// file formats the model deviation stage consumes (VASP POSCAR) and produces
// (LAMMPS atomic data files).
package structure

import (
	"errors"
	"fmt"
	"math"
)

// Vec3 is a cartesian vector in Angstrom.
type Vec3 [3]float64

// Cell holds the three lattice vectors as rows.
type Cell [3]Vec3

var (
	// ErrInvalidSystem is returned when a System's fields disagree with each other.
	ErrInvalidSystem = errors.New("invalid system")
	// ErrUnknownFormat is returned for formats Load cannot read.
	ErrUnknownFormat = errors.New("unknown configuration format")
)

// System is a single-frame atomic configuration.
type System struct {
	Cell      Cell
	AtomNames []string
	// AtomNumbs counts the atoms of each type, parallel to AtomNames.
	AtomNumbs []int
	// AtomTypes holds the zero-based type of every atom.
	AtomTypes []int
	Coords    []Vec3
}

// NumAtoms returns the number of atoms.
func (s *System) NumAtoms() int {
	return len(s.Coords)
}

// NumTypes returns the number of atom types.
func (s *System) NumTypes() int {
	return len(s.AtomNumbs)
}

// Validate checks the bookkeeping fields are consistent.
func (s *System) Validate() error {
	if len(s.AtomNames) != len(s.AtomNumbs) {
		return fmt.Errorf("%w: %d atom names for %d types", ErrInvalidSystem, len(s.AtomNames), len(s.AtomNumbs))
	}
	if len(s.AtomTypes) != len(s.Coords) {
		return fmt.Errorf("%w: %d types for %d coordinates", ErrInvalidSystem, len(s.AtomTypes), len(s.Coords))
	}
	total := 0
	for _, n := range s.AtomNumbs {
		total += n
	}
	if total != len(s.Coords) {
		return fmt.Errorf("%w: atom counts sum to %d, have %d coordinates", ErrInvalidSystem, total, len(s.Coords))
	}
	for i, t := range s.AtomTypes {
		if t < 0 || t >= len(s.AtomNumbs) {
			return fmt.Errorf("%w: atom %d has type %d", ErrInvalidSystem, i, t)
		}
	}
	return nil
}

// Clone returns a deep copy of s.
func (s *System) Clone() *System {
	return &System{
		Cell:      s.Cell,
		AtomNames: append([]string(nil), s.AtomNames...),
		AtomNumbs: append([]int(nil), s.AtomNumbs...),
		AtomTypes: append([]int(nil), s.AtomTypes...),
		Coords:    append([]Vec3(nil), s.Coords...),
	}
}

// Permuter yields random permutations. *math/rand/v2.Rand satisfies it.
type Permuter interface {
	Perm(n int) []int
}

// Shuffle permutes the atomic coordinates while keeping the type of every slot,
// so atoms of different species trade places.
func (s *System) Shuffle(p Permuter) {
	perm := p.Perm(len(s.Coords))
	shuffled := make([]Vec3, len(s.Coords))
	for i, j := range perm {
		shuffled[i] = s.Coords[j]
	}
	s.Coords = shuffled
}

// DefaultProtectLayer is the vacuum thickness RemovePBC keeps around the atoms, in Angstrom.
const DefaultProtectLayer = 9.0

// RemovePBC replaces the cell with a cube large enough that periodic images no longer
// interact: the half edge is the largest distance of any atom from the center of geometry
// plus protectLayer, and the atoms are shifted to the center of the cube.
func (s *System) RemovePBC(protectLayer float64) error {
	if protectLayer < 0 {
		return fmt.Errorf("protect layer must not be negative, got %f", protectLayer)
	}
	n := len(s.Coords)
	if n == 0 {
		return nil
	}
	var cog Vec3
	for _, c := range s.Coords {
		for k := range 3 {
			cog[k] += c[k]
		}
	}
	for k := range 3 {
		cog[k] /= float64(n)
	}
	maxDist := 0.0
	for _, c := range s.Coords {
		maxDist = math.Max(maxDist, norm(sub(c, cog)))
	}
	half := maxDist + protectLayer
	for i := range s.Coords {
		for k := range 3 {
			s.Coords[i][k] += half - cog[k]
		}
	}
	s.Cell = Cell{{2 * half, 0, 0}, {0, 2 * half, 0}, {0, 0, 2 * half}}
	return nil
}

// IsLowerTriangular reports whether the cell already has the orientation LAMMPS
// requires: a along x, b in the xy plane.
func (c Cell) IsLowerTriangular() bool {
	return c[0][1] == 0 && c[0][2] == 0 && c[1][2] == 0
}

// RotateLowerTriangular rigidly rotates the cell and coordinates so that the cell
// is lower triangular with a positive diagonal. Fractional coordinates are preserved.
func (s *System) RotateLowerTriangular() error {
	if s.Cell.IsLowerTriangular() && s.Cell[0][0] > 0 && s.Cell[1][1] > 0 && s.Cell[2][2] > 0 {
		return nil
	}
	a, b, c := s.Cell[0], s.Cell[1], s.Cell[2]
	ax := norm(a)
	if ax == 0 {
		return fmt.Errorf("%w: zero length lattice vector", ErrInvalidSystem)
	}
	ahat := scale(a, 1/ax)
	bx := dot(b, ahat)
	by := norm(cross(ahat, b))
	if by == 0 {
		return fmt.Errorf("%w: degenerate cell", ErrInvalidSystem)
	}
	cx := dot(c, ahat)
	cy := (dot(b, c) - bx*cx) / by
	cz2 := dot(c, c) - cx*cx - cy*cy
	if cz2 <= 0 {
		return fmt.Errorf("%w: degenerate cell", ErrInvalidSystem)
	}
	rotated := Cell{{ax, 0, 0}, {bx, by, 0}, {cx, cy, math.Sqrt(cz2)}}

	inv, err := s.Cell.inverse()
	if err != nil {
		return err
	}
	for i, r := range s.Coords {
		s.Coords[i] = mulRowMat(mulRowMat(r, inv), rotated)
	}
	s.Cell = rotated
	return nil
}

func (c Cell) det() float64 {
	return dot(c[0], cross(c[1], c[2]))
}

// inverse returns the matrix inverse, so that frac = r * inv for row vectors.
func (c Cell) inverse() (Cell, error) {
	d := c.det()
	if d == 0 {
		return Cell{}, fmt.Errorf("%w: singular cell", ErrInvalidSystem)
	}
	// columns of the inverse are the reciprocal vectors
	r0 := scale(cross(c[1], c[2]), 1/d)
	r1 := scale(cross(c[2], c[0]), 1/d)
	r2 := scale(cross(c[0], c[1]), 1/d)
	var inv Cell
	for k := range 3 {
		inv[k] = Vec3{r0[k], r1[k], r2[k]}
	}
	return inv, nil
}

func mulRowMat(v Vec3, m Cell) Vec3 {
	var out Vec3
	for j := range 3 {
		out[j] = v[0]*m[0][j] + v[1]*m[1][j] + v[2]*m[2][j]
	}
	return out
}

func dot(a, b Vec3) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func cross(a, b Vec3) Vec3 {
	return Vec3{a[1]*b[2] - a[2]*b[1], a[2]*b[0] - a[0]*b[2], a[0]*b[1] - a[1]*b[0]}
}

func sub(a, b Vec3) Vec3 {
	return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func scale(a Vec3, f float64) Vec3 {
	return Vec3{a[0] * f, a[1] * f, a[2] * f}
}

func norm(a Vec3) float64 {
	return math.Sqrt(dot(a, a))
}
