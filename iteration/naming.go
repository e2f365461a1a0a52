package iteration

import (
	"fmt"
	"regexp"
	"strconv"
)

// Directory and file naming conventions. These must match existing workflow trees bit-for-bit.
const (
	IterFormat   = "iter.%06d"
	TaskFormat   = "task.%06d"
	TrainFormat  = "train.%03d"
	GraphFormat  = "graph.%03d.pb"
	BackupFormat = "%s.bk%03d"

	TaskPattern = "task.*"

	StepTrain     = "00.train"
	StepModelDevi = "01.model_devi"
	StepFP        = "02.fp"

	TrainScript  = "input.json"
	FrozenModel  = "frozen_model.pb"
	ModelDeviOut = "model_devi.out"
	MaxModelDevi = "max_model_devi.out"
	LmpConf      = "conf.lmp"
	LmpInput     = "in.lammps"
	MDJob        = "job.json"
)

var taskNameRE = regexp.MustCompile(`^task\.(\d{6,})$`)

// IterName returns the directory name of iteration i.
func IterName(i int) string { return fmt.Sprintf(IterFormat, i) }

// TaskName returns the directory name of task i.
func TaskName(i int) string { return fmt.Sprintf(TaskFormat, i) }

// TrainName returns the directory name of training model i.
func TrainName(i int) string { return fmt.Sprintf(TrainFormat, i) }

// GraphName returns the frozen model link name for model i.
func GraphName(i int) string { return fmt.Sprintf(GraphFormat, i) }

// BackupName returns the backup sibling name of base for counter i.
func BackupName(base string, i int) string { return fmt.Sprintf(BackupFormat, base, i) }

// ParseTaskIndex extracts the index from a task directory name. Indices have at
// least six digits; TaskFormat widens past 999999.
func ParseTaskIndex(name string) (int, bool) {
	m := taskNameRE.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return idx, true
}
