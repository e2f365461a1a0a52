package lammps

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaxSeed bounds the velocity seeds written into input scripts.
const MaxSeed = 1000000

const (
	electronVolt  = 1.602176634e-19 // J
	avogadro      = 6.02214076e23
	angstromPerPs = 1e2 // m/s
)

// Rand is the randomness MakeInput consumes. *math/rand/v2.Rand satisfies it.
type Rand interface {
	IntN(n int) int
	NormFloat64() float64
}

// InputParams are the per-task inputs of MakeInput.
type InputParams struct {
	Settings *MDSettings
	// ConfFile is the data file read on a fresh start.
	ConfFile string
	// Graphs are the model files passed to pair_style deepmd, in order.
	Graphs    []string
	MassMap   []float64
	Condition Condition
	// PKAMass is the mass of atom 1, used only with Settings.PKAEnergy.
	PKAMass float64
}

// MakeInput renders a LAMMPS input script for one model deviation task.
func MakeInput(p InputParams, rng Rand) (string, error) {
	s := p.Settings
	if s == nil {
		return "", errors.New("md settings are required")
	}
	if IsNPT(s.Ens) {
		if !p.Condition.HasPress {
			return "", fmt.Errorf("ensemble %s requires a pressure", s.Ens)
		}
		if s.NoPBC {
			return "", fmt.Errorf("ensemble %s is conflicting with no_pbc", s.Ens)
		}
	}
	if s.EleTempF != nil && s.EleTempA != nil {
		return "", errors.New("ele_temp_f and ele_temp_a are mutually exclusive")
	}

	var b strings.Builder
	variable := func(name, format string, v any) {
		fmt.Fprintf(&b, "variable        %-16sequal "+format+"\n", name, v)
	}
	variable("NSTEPS", "%d", s.NSteps)
	variable("THERMO_FREQ", "%d", s.TrjFreq)
	variable("DUMP_FREQ", "%d", s.TrjFreq)
	variable("TEMP", "%f", p.Condition.Temp)
	if s.EleTempF != nil {
		variable("ELE_TEMP", "%f", *s.EleTempF)
	}
	if s.EleTempA != nil {
		variable("ELE_TEMP", "%f", *s.EleTempA)
	}
	if p.Condition.HasPress {
		variable("PRES", "%f", p.Condition.Press)
	}
	variable("TAU_T", "%f", s.TauT)
	variable("TAU_P", "%f", s.TauP)
	b.WriteString("\n")

	b.WriteString("units           metal\n")
	if s.NoPBC {
		b.WriteString("boundary        f f f\n")
	} else {
		b.WriteString("boundary        p p p\n")
	}
	b.WriteString("atom_style      atomic\n")
	b.WriteString("\n")
	b.WriteString("neighbor        1.0 bin\n")
	if s.NeiDelay != nil {
		fmt.Fprintf(&b, "neigh_modify    delay %d\n", *s.NeiDelay)
	}
	b.WriteString("\n")

	b.WriteString("box          tilt large\n")
	fmt.Fprintf(&b, "if \"${restart} > 0\" then \"read_restart dpgen.restart.*\" else \"read_data %s\"\n", p.ConfFile)
	b.WriteString("change_box   all triclinic\n")
	for i, m := range p.MassMap {
		fmt.Fprintf(&b, "mass            %d %f\n", i+1, m)
	}

	var graphs strings.Builder
	for _, g := range p.Graphs {
		graphs.WriteString(g + " ")
	}
	fmt.Fprintf(&b, "pair_style      deepmd %s out_freq ${THERMO_FREQ} out_file model_devi.out %s\n", graphs.String(), keywords(s))
	b.WriteString("pair_coeff      \n")
	b.WriteString("\n")

	b.WriteString("thermo_style    custom step temp pe ke etotal press vol lx ly lz xy xz yz\n")
	b.WriteString("thermo          ${THERMO_FREQ}\n")
	b.WriteString("dump            1 all custom ${DUMP_FREQ} dump.traj id type x y z fx fy fz\n")
	b.WriteString("restart         10000 dpgen.restart\n")
	b.WriteString("\n")

	if s.PKAEnergy == nil {
		fmt.Fprintf(&b, "if \"${restart} == 0\" then \"velocity        all create ${TEMP} %d\"", rng.IntN(MaxSeed-1)+1)
	} else {
		if p.PKAMass <= 0 {
			return "", errors.New("pka requires the mass of atom 1")
		}
		v := sampleSphere(rng)
		speed := pkaSpeed(*s.PKAEnergy, p.PKAMass)
		b.WriteString("group           first id 1\n")
		fmt.Fprintf(&b, "if \"${restart} == 0\" then \"velocity        first set %f %f %f\"\n", v[0]*speed, v[1]*speed, v[2]*speed)
		b.WriteString("fix\t        2 all momentum 1 linear 1 1 1\n")
	}
	b.WriteString("\n")

	switch s.Ens {
	case EnsNPT, EnsNPTI, EnsNPTIso:
		b.WriteString("fix             1 all npt temp ${TEMP} ${TEMP} ${TAU_T} iso ${PRES} ${PRES} ${TAU_P}\n")
	case EnsNPTA, EnsNPTAniso:
		b.WriteString("fix             1 all npt temp ${TEMP} ${TEMP} ${TAU_T} aniso ${PRES} ${PRES} ${TAU_P}\n")
	case EnsNPTT, EnsNPTTri:
		b.WriteString("fix             1 all npt temp ${TEMP} ${TEMP} ${TAU_T} tri ${PRES} ${PRES} ${TAU_P}\n")
	case EnsNVT:
		b.WriteString("fix             1 all nvt temp ${TEMP} ${TEMP} ${TAU_T}\n")
	case EnsNVE:
		b.WriteString("fix             1 all nve\n")
	default:
		return "", fmt.Errorf("unknown ensemble %q", s.Ens)
	}
	if s.NoPBC {
		b.WriteString("velocity        all zero linear\n")
		b.WriteString("velocity        all zero angular\n")
		b.WriteString("fix             cm all momentum 1 linear 1 1 1 angular\n")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "timestep        %f\n", s.Dt)
	b.WriteString("run             ${NSTEPS} upto\n")
	return b.String(), nil
}

func keywords(s *MDSettings) string {
	var kw strings.Builder
	if s.UseClusters {
		kw.WriteString("atomic ")
	}
	if s.RelativeEpsilon != nil {
		kw.WriteString("relative " + formatFloat(*s.RelativeEpsilon) + " ")
	}
	if s.RelativeVEpsilon != nil {
		kw.WriteString("relative_v " + formatFloat(*s.RelativeVEpsilon) + " ")
	}
	if s.EleTempF != nil {
		kw.WriteString("fparam ${ELE_TEMP}")
	}
	if s.EleTempA != nil {
		kw.WriteString("aparam ${ELE_TEMP}")
	}
	return kw.String()
}

// formatFloat prints the shortest representation, keeping a decimal point on integers.
func formatFloat(v float64) string {
	out := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(out, ".eEnN") {
		out += ".0"
	}
	return out
}

// pkaSpeed converts a kinetic energy in eV on an atom of mass amu into a speed in Angstrom/ps.
func pkaSpeed(energy, mass float64) float64 {
	kg := mass * 1e-3 / avogadro
	return math.Sqrt(energy * electronVolt / (0.5 * kg * angstromPerPs * angstromPerPs))
}

// sampleSphere draws a uniformly distributed unit vector.
func sampleSphere(rng Rand) [3]float64 {
	for {
		v := [3]float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
		n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
		if n < 0.2 {
			continue
		}
		return [3]float64{v[0] / n, v[1] / n, v[2] / n}
	}
}
