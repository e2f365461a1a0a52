// Package lammps describes molecular dynamics runs used to explore configuration
// space and renders the LAMMPS input scripts that drive them.
package lammps

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Ensemble names accepted in MDSettings.Ens.
const (
	EnsNPT      = "npt"
	EnsNPTI     = "npt-i"
	EnsNPTIso   = "npt-iso"
	EnsNPTA     = "npt-a"
	EnsNPTAniso = "npt-aniso"
	EnsNPTT     = "npt-t"
	EnsNPTTri   = "npt-tri"
	EnsNVT      = "nvt"
	EnsNVE      = "nve"
)

// ErrInvalidSettings is returned by Validate.
var ErrInvalidSettings = errors.New("invalid md settings")

// MDSettings holds the thermodynamic conditions and run length of the exploration MD.
type MDSettings struct {
	Ens     string    `yaml:"ens" json:"ens"`
	Dt      float64   `yaml:"dt" json:"dt"`
	NSteps  int       `yaml:"nsteps" json:"nsteps"`
	TrjFreq int       `yaml:"trj_freq" json:"trj_freq"`
	Temps   []float64 `yaml:"temps" json:"temps"`
	// Press may be empty for ensembles without a barostat.
	Press []float64 `yaml:"press" json:"press"`
	TauT  float64   `yaml:"tau_t" json:"tau_t"`
	TauP  float64   `yaml:"tau_p" json:"tau_p"`

	NeiDelay         *int     `yaml:"neidelay,omitempty" json:"neidelay"`
	UseClusters      bool     `yaml:"use_clusters" json:"use_clusters"`
	RelativeEpsilon  *float64 `yaml:"relative_epsilon,omitempty" json:"relative_epsilon"`
	RelativeVEpsilon *float64 `yaml:"relative_v_epsilon,omitempty" json:"relative_v_epsilon"`
	// PKAEnergy, in eV, gives atom 1 a primary knock-on velocity instead of a thermal start.
	PKAEnergy *float64 `yaml:"pka_e,omitempty" json:"pka_e"`
	EleTempF  *float64 `yaml:"ele_temp_f,omitempty" json:"ele_temp_f"`
	EleTempA  *float64 `yaml:"ele_temp_a,omitempty" json:"ele_temp_a"`
	NoPBC     bool     `yaml:"no_pbc" json:"no_pbc"`
}

// SetDefaults fills the thermostat and barostat relaxation times.
func (s *MDSettings) SetDefaults() {
	if s.TauT == 0 {
		s.TauT = 0.1
	}
	if s.TauP == 0 {
		s.TauP = 0.5
	}
}

// Validate checks the settings describe a runnable simulation.
func (s *MDSettings) Validate() error {
	var errs []string
	if !isKnownEnsemble(s.Ens) {
		errs = append(errs, fmt.Sprintf("unknown ensemble %q", s.Ens))
	}
	if s.Dt <= 0 {
		errs = append(errs, "dt must be positive")
	}
	if s.NSteps <= 0 {
		errs = append(errs, "nsteps must be positive")
	}
	if s.TrjFreq <= 0 {
		errs = append(errs, "trj_freq must be positive")
	}
	if len(s.Temps) == 0 {
		errs = append(errs, "at least one temperature is required")
	}
	if IsNPT(s.Ens) {
		if len(s.Press) == 0 {
			errs = append(errs, fmt.Sprintf("ensemble %s requires pressures", s.Ens))
		}
		if s.NoPBC {
			errs = append(errs, fmt.Sprintf("ensemble %s conflicts with no_pbc", s.Ens))
		}
	}
	if s.EleTempF != nil && s.EleTempA != nil {
		errs = append(errs, "ele_temp_f and ele_temp_a are mutually exclusive")
	}
	if s.NeiDelay != nil && *s.NeiDelay < 0 {
		errs = append(errs, "neidelay must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSettings, strings.Join(errs, "; "))
	}
	return nil
}

// Condition is one (temperature, pressure) state point. HasPress is false when the
// settings carry no pressures.
type Condition struct {
	Temp     float64
	Press    float64
	HasPress bool
}

// Conditions returns the cartesian product of temperatures and pressures,
// temperatures outer, in declaration order.
func (s *MDSettings) Conditions() []Condition {
	var out []Condition
	for _, t := range s.Temps {
		if len(s.Press) == 0 {
			out = append(out, Condition{Temp: t})
			continue
		}
		for _, p := range s.Press {
			out = append(out, Condition{Temp: t, Press: p, HasPress: true})
		}
	}
	return out
}

// NumTasksPerConf is the number of MD tasks generated from each initial configuration.
func (s *MDSettings) NumTasksPerConf() int {
	return len(s.Conditions())
}

// JSON returns the settings as the job.json document stored next to every task.
func (s *MDSettings) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "    ")
}

// IsNPT reports whether ens applies a barostat.
func IsNPT(ens string) bool {
	return strings.Split(ens, "-")[0] == EnsNPT
}

func isKnownEnsemble(ens string) bool {
	switch ens {
	case EnsNPT, EnsNPTI, EnsNPTIso, EnsNPTA, EnsNPTAniso, EnsNPTT, EnsNPTTri, EnsNVT, EnsNVE:
		return true
	}
	return false
}
