package config

// Config is the root run configuration for a shape-optimization run.
type Config struct {
	LogLevel     string             `yaml:"log_level"`
	RootDir      string             `yaml:"root_dir"`
	BasefilesDir string             `yaml:"basefiles_dir"`
	WorkingDir   string             `yaml:"working_dir"`
	SimDirName   string             `yaml:"sim_dir_name"`
	Geometry     GeometryConfig     `yaml:"geometry"`
	Solver       SolverConfig       `yaml:"solver"`
	Intersection IntersectionConfig `yaml:"intersection"`
	Matching     MatchingConfig     `yaml:"matching"`
	Optimizer    OptimizerConfig    `yaml:"optimizer"`
}

// GeometryConfig controls the external geometry toolchain. The study command
// runs in the iteration directory and produces the patch and sensitivity
// files; the intersect command merges patches into a single watertight mesh.
type GeometryConfig struct {
	StudyCommand          string `yaml:"study_command"`
	IntersectCommand      string `yaml:"intersect_command"`
	PatchesFileName       string `yaml:"patches_file_name"`
	SensitivitiesFileName string `yaml:"sensitivities_file_name"`
	MeshFileName          string `yaml:"mesh_file_name"`
	LogName               string `yaml:"log_name"`
}

// SolverConfig controls supervision of the external CFD solver process.
type SolverConfig struct {
	Command         string   `yaml:"command"`
	RunScriptName   string   `yaml:"run_script_name"`
	LogName         string   `yaml:"log_name"`
	DoneFileName    string   `yaml:"done_file_name"`
	WarmDoneName    string   `yaml:"warm_done_name"`
	ErrorSignatures []string `yaml:"error_signatures"`
	PollIntervalSec float64  `yaml:"poll_interval_sec"`
	MaxRestarts     int      `yaml:"max_restarts"`
	RestartBackoff  string   `yaml:"restart_backoff"` // exponential, linear, constant
	RestartBaseMs   int      `yaml:"restart_base_ms"`
	RestartMaxMs    int      `yaml:"restart_max_ms"`
	AdaptCycles     int      `yaml:"adapt_cycles"`
	AdaptSchedule   []int    `yaml:"adapt_schedule,omitempty"`
}

// IntersectionConfig controls the mesh-intersection perturbation ladder.
type IntersectionConfig struct {
	MaxTransformAttempts int     `yaml:"max_transform_attempts"`
	JitterDenominator    float64 `yaml:"jitter_denominator"`
	MaxShift             float64 `yaml:"max_shift"`
	MaxRotationDeg       float64 `yaml:"max_rotation_deg"`
}

// MatchingConfig controls sensitivity-to-mesh point matching.
type MatchingConfig struct {
	InitialTolerance float64 `yaml:"initial_tolerance"`
	MaxTolerance     float64 `yaml:"max_tolerance"`
	TargetFraction   float64 `yaml:"target_fraction"`
}

// OptimizerConfig controls the gradient-descent driver.
type OptimizerConfig struct {
	MaxIterations int             `yaml:"max_iterations"`
	Tolerance     float64         `yaml:"tolerance"`
	InitialStep   float64         `yaml:"initial_step"`
	MaxStep       float64         `yaml:"max_step"`
	Warmstart     bool            `yaml:"warmstart"`
	ReduceCommand string          `yaml:"reduce_command"`
	Parameters    []ParameterSpec `yaml:"parameters,omitempty"`
}

// ParameterSpec is one geometric design parameter and its initial value.
// Order in the list fixes the ordering of design-point and Jacobian vectors.
type ParameterSpec struct {
	Name  string  `yaml:"name"`
	Value float64 `yaml:"value"`
}

// DefaultErrorSignatures are the known fatal substrings emitted by the solver
// toolchain when adaptation or meshing fails.
var DefaultErrorSignatures = []string{
	"==> ADAPT failed",
	"Check cart3d.out in AD_A_J for more clues",
	"==> adjointErrorEst_quad failed again, status = 1",
	"ERROR: CUBES failed",
	"ERROR: ADAPT failed with status = 1",
	"ERROR",
}

// ApplyDefaults fills unset fields with their default values.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.WorkingDir == "" {
		c.WorkingDir = "working_dir"
	}
	if c.BasefilesDir == "" {
		c.BasefilesDir = "basefiles"
	}
	if c.SimDirName == "" {
		c.SimDirName = "simulation"
	}
	if c.Geometry.PatchesFileName == "" {
		c.Geometry.PatchesFileName = "patches.yaml"
	}
	if c.Geometry.SensitivitiesFileName == "" {
		c.Geometry.SensitivitiesFileName = "sensitivities.yaml"
	}
	if c.Geometry.MeshFileName == "" {
		c.Geometry.MeshFileName = "mesh.yaml"
	}
	if c.Geometry.LogName == "" {
		c.Geometry.LogName = "geometry.log"
	}
	if c.Solver.RunScriptName == "" {
		c.Solver.RunScriptName = "aero.csh"
	}
	if c.Solver.LogName == "" {
		c.Solver.LogName = "C3D_log"
	}
	if c.Solver.DoneFileName == "" {
		c.Solver.DoneFileName = "DONE"
	}
	if c.Solver.WarmDoneName == "" {
		c.Solver.WarmDoneName = "loadsCC.dat"
	}
	if len(c.Solver.ErrorSignatures) == 0 {
		c.Solver.ErrorSignatures = append([]string(nil), DefaultErrorSignatures...)
	}
	if c.Solver.PollIntervalSec == 0 {
		c.Solver.PollIntervalSec = 5
	}
	if c.Solver.MaxRestarts == 0 {
		c.Solver.MaxRestarts = 3
	}
	if c.Solver.RestartBackoff == "" {
		c.Solver.RestartBackoff = "constant"
	}
	if c.Intersection.MaxTransformAttempts == 0 {
		c.Intersection.MaxTransformAttempts = 6
	}
	if c.Intersection.JitterDenominator == 0 {
		c.Intersection.JitterDenominator = 1000
	}
	if c.Intersection.MaxShift == 0 {
		c.Intersection.MaxShift = 10
	}
	if c.Intersection.MaxRotationDeg == 0 {
		c.Intersection.MaxRotationDeg = 10
	}
	if c.Matching.InitialTolerance == 0 {
		c.Matching.InitialTolerance = 1e-5
	}
	if c.Matching.MaxTolerance == 0 {
		c.Matching.MaxTolerance = 0.1
	}
	if c.Matching.TargetFraction == 0 {
		c.Matching.TargetFraction = 0.9
	}
	if c.Optimizer.MaxIterations == 0 {
		c.Optimizer.MaxIterations = 10
	}
	if c.Optimizer.Tolerance == 0 {
		c.Optimizer.Tolerance = 1e-3
	}
	if c.Optimizer.InitialStep == 0 {
		c.Optimizer.InitialStep = 0.05
	}
	if c.Optimizer.MaxStep == 0 {
		c.Optimizer.MaxStep = 1e9
	}
}
