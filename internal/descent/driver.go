package descent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shapeopt-dev/shapeopt-core/internal/mesh"
	"github.com/shapeopt-dev/shapeopt-core/internal/sensitivity"
	"github.com/shapeopt-dev/shapeopt-core/internal/solver"
	"github.com/shapeopt-dev/shapeopt-core/internal/store"
	"github.com/shapeopt-dev/shapeopt-core/pkg/config"
	"github.com/shapeopt-dev/shapeopt-core/pkg/logger"
	"github.com/shapeopt-dev/shapeopt-core/pkg/models"
	"github.com/shapeopt-dev/shapeopt-core/pkg/utils"
)

// Stage identifies where in the per-iteration pipeline the driver is.
type Stage string

const (
	StagePreparing        Stage = "preparing"
	StageSensitivityStudy Stage = "running_sensitivity_study"
	StageIntersecting     Stage = "intersecting"
	StageSimulating       Stage = "simulating"
	StageReducing         Stage = "reducing"
	StageStepping         Stage = "stepping"
	StageTerminated       Stage = "terminated"
)

// Study is the output of the geometry generator's perturbation study: the
// nominal surface patches plus per-parameter sensitivity tables.
type Study struct {
	NominalPatches []models.Patch
	Tables         []models.SensitivityTable
}

// Patches implements mesh.PatchSource by handing out fresh copies of the
// nominal patches.
func (s *Study) Patches() ([]models.Patch, error) {
	out := make([]models.Patch, len(s.NominalPatches))
	for i, p := range s.NominalPatches {
		out[i] = p.Clone()
	}
	return out, nil
}

// StudyRunner is the geometry generator collaborator. Implementations should
// be idempotent per iteration directory: re-running for the same design point
// may reuse artifacts already on disk.
type StudyRunner interface {
	RunStudy(ctx context.Context, iterDir string, design models.DesignPoint) (*Study, error)
}

// Intersector merges a study's patches into one watertight mesh.
type Intersector interface {
	Intersect(ctx context.Context, source mesh.PatchSource) (*models.Mesh, error)
}

// SolverRunner supervises one external solver run to completion.
type SolverRunner interface {
	Run(ctx context.Context, spec solver.RunSpec) error
}

// Reconciler combines per-component sensitivities against a mesh point cloud.
type Reconciler interface {
	Combine(meshPoints []models.Vec3, tables []models.SensitivityTable) (*sensitivity.Consolidated, error)
}

// ReduceInputs is everything available to the objective/Jacobian reduction.
type ReduceInputs struct {
	IterDir       string
	Design        models.DesignPoint
	Loads         models.LoadCoefficients
	Sensitivities *sensitivity.Consolidated
}

// ReduceFunc computes the objective value and Jacobian (ordered like the
// design point) from one iteration's solution.
type ReduceFunc func(in ReduceInputs) (objective float64, jacobian []float64, err error)

// PenaltyFunc computes the constraint-violation penalty added to the
// objective. The default returns zero; this is an extension point.
type PenaltyFunc func(design models.DesignPoint) float64

// Step is one completed iteration in the driver's history.
type Step struct {
	Ordinal   int
	Objective float64
	StepSize  float64
	Design    models.DesignPoint
}

// Result is the outcome of a full optimization run.
type Result struct {
	Converged  bool
	Reason     string
	Iterations int
	Design     models.DesignPoint
	History    []Step
}

// Driver runs the gradient-descent shape-optimization loop. One logical
// thread of control sequences each iteration's stages strictly in order;
// iteration i+1 never begins before iteration i's completion marker is
// durably written.
type Driver struct {
	cfg         *config.Config
	store       *store.Store
	study       StudyRunner
	intersector Intersector
	solver      SolverRunner
	reconciler  Reconciler
	reduce      ReduceFunc
	penalty     PenaltyFunc
}

// NewDriver wires the driver's collaborators. A nil penalty defaults to zero
// penalty.
func NewDriver(
	cfg *config.Config,
	st *store.Store,
	study StudyRunner,
	intersector Intersector,
	solverRunner SolverRunner,
	reconciler Reconciler,
	reduce ReduceFunc,
	penalty PenaltyFunc,
) *Driver {
	if penalty == nil {
		penalty = func(models.DesignPoint) float64 { return 0 }
	}
	return &Driver{
		cfg:         cfg,
		store:       st,
		study:       study,
		intersector: intersector,
		solver:      solverRunner,
		reconciler:  reconciler,
		reduce:      reduce,
		penalty:     penalty,
	}
}

type iterationOutcome struct {
	ordinal   int
	objective float64
	jacobian  []float64
	design    models.DesignPoint
	prior     *models.DesignPoint
	priorJac  []float64
}

// Run performs the steepest-descent search from the initial design point.
// With warmstart true the latest complete iteration is re-entered to improve
// the first step-size estimate.
func (d *Driver) Run(ctx context.Context, initial models.DesignPoint, warmstart bool) (*Result, error) {
	opt := d.cfg.Optimizer
	gamma := opt.InitialStep
	tolerance := opt.Tolerance
	change := 2 * tolerance
	objPrev := 10 * tolerance
	x := initial.Clone()

	result := &Result{Design: x.Clone()}
	for change > tolerance {
		// The cap bounds the run's total ordinal count, so a resumed run
		// inherits the iterations already on disk.
		next, err := d.store.NextOrdinal(warmstart)
		if err != nil {
			return result, err
		}
		if next+1 > opt.MaxIterations {
			result.Reason = "maximum iterations reached"
			logger.Warn("bailing out", "stage", StageTerminated, "reason", result.Reason, "ordinal", next)
			return result, nil
		}

		start := time.Now()
		out, err := d.iterate(ctx, x, warmstart, gamma)
		if err != nil {
			return result, err
		}

		if utils.Norm(out.jacobian) == 0 {
			result.Reason = "zero-norm Jacobian"
			logger.Error("bailing out", "stage", StageTerminated, "reason", result.Reason, "ordinal", out.ordinal)
			return result, nil
		}

		gamma = nextStepSize(gamma, out)
		gamma = utils.MinFloat64(gamma, opt.MaxStep)

		// Steepest descent update.
		x = out.design.Clone()
		x.Values = utils.SubVecs(x.Values, utils.ScaleVec(out.jacobian, gamma))

		change = utils.RelativeChange(out.objective, objPrev)
		objPrev = out.objective
		warmstart = false
		result.Iterations++
		result.Design = x.Clone()
		result.History = append(result.History, Step{
			Ordinal:   out.ordinal,
			Objective: out.objective,
			StepSize:  gamma,
			Design:    out.design.Clone(),
		})

		logger.Info("iteration complete",
			"ordinal", out.ordinal,
			"objective", out.objective,
			"step_size", gamma,
			"change", change,
			"elapsed", utils.FormatDuration(time.Since(start)))
	}

	result.Converged = true
	result.Reason = fmt.Sprintf("relative objective change %v below tolerance %v", change, tolerance)
	logger.Info("optimization converged", "stage", StageTerminated, "reason", result.Reason)
	return result, nil
}

// iterate executes one iteration's stages strictly in sequence.
func (d *Driver) iterate(ctx context.Context, x models.DesignPoint, warmstart bool, gamma float64) (*iterationOutcome, error) {
	// PREPARING
	it, err := d.store.Resolve(warmstart, x.Names)
	if err != nil {
		return nil, stageErr(0, StagePreparing, err)
	}
	log := logger.With("ordinal", it.Ordinal)
	adaptCycles := solver.ScheduledAdaptCycles(d.cfg.Solver.AdaptSchedule, it.Ordinal, d.cfg.Solver.AdaptCycles)
	warm := warmstart && it.PriorDesign != nil

	// Re-entering an iteration keeps its persisted design point.
	design := x
	if it.Resumed && d.store.HasParameters(it.Dir) {
		persisted, err := d.store.LoadParameters(it.Dir, x.Names)
		if err != nil {
			return nil, stageErr(it.Ordinal, StagePreparing, err)
		}
		design = persisted
	}

	// RUNNING_SENSITIVITY_STUDY
	log.Info("running sensitivity study")
	if !d.store.HasParameters(it.Dir) {
		if err := d.store.WriteParameters(it.Dir, design); err != nil {
			return nil, stageErr(it.Ordinal, StageSensitivityStudy, err)
		}
	}
	study, err := d.study.RunStudy(ctx, it.Dir, design)
	if err != nil {
		return nil, stageErr(it.Ordinal, StageSensitivityStudy, err)
	}

	// INTERSECTING
	var volumeMesh *models.Mesh
	if d.store.HasMesh(it.Ordinal) {
		log.Info("intersected mesh already present")
		volumeMesh, err = d.store.LoadMesh(it.Ordinal)
		if err != nil {
			return nil, stageErr(it.Ordinal, StageIntersecting, err)
		}
	} else {
		log.Info("intersecting surface patches")
		volumeMesh, err = d.intersector.Intersect(ctx, study)
		if err != nil {
			return nil, stageErr(it.Ordinal, StageIntersecting, err)
		}
		if err := d.store.WriteMesh(it.Ordinal, volumeMesh); err != nil {
			return nil, stageErr(it.Ordinal, StageIntersecting, err)
		}
	}

	// SIMULATING
	log.Info("running solver", "warmstart", warm, "adapt_cycles", adaptCycles)
	spec := solver.RunSpec{
		SimDir:       d.store.SimDir(it.Ordinal),
		BasefilesDir: d.store.BasefilesDir(),
		Warmstart:    warm,
		AdaptCycles:  adaptCycles,
	}
	if warm {
		spec.PriorSimDir = d.store.SimDir(it.Ordinal - 1)
	}
	if err := d.solver.Run(ctx, spec); err != nil {
		return nil, stageErr(it.Ordinal, StageSimulating, err)
	}

	// REDUCING
	var objective float64
	var jacobian []float64
	if d.store.HasObjective(it.Ordinal) {
		log.Info("objective and Jacobian loaded from file")
		objective, jacobian, err = d.store.LoadOutcome(it.Ordinal, x.Names)
		if err != nil {
			return nil, stageErr(it.Ordinal, StageReducing, err)
		}
	} else {
		loadsPath := solver.LoadsReportPath(spec.SimDir, d.cfg.Solver.WarmDoneName, warm, adaptCycles)
		loads, err := solver.ParseLoadsFile(loadsPath, solver.AllLoads())
		if err != nil {
			return nil, stageErr(it.Ordinal, StageReducing, err)
		}
		combined, err := d.reconciler.Combine(volumeMesh.Points, study.Tables)
		if err != nil {
			return nil, stageErr(it.Ordinal, StageReducing, err)
		}
		objective, jacobian, err = d.reduce(ReduceInputs{
			IterDir:       it.Dir,
			Design:        design,
			Loads:         loads,
			Sensitivities: combined,
		})
		if err != nil {
			return nil, stageErr(it.Ordinal, StageReducing, err)
		}
		if len(jacobian) != design.Len() {
			return nil, stageErr(it.Ordinal, StageReducing,
				fmt.Errorf("reduction produced %d Jacobian entries for %d parameters", len(jacobian), design.Len()))
		}
	}

	if err := ctx.Err(); err != nil {
		// Interrupted: leave the iteration incomplete for later resumption.
		return nil, stageErr(it.Ordinal, StageReducing, err)
	}

	// STEPPING starts by durably recording this iteration's outcome.
	outcome := store.Outcome{
		Objective: objective,
		Penalty:   d.penalty(design),
		StepSize:  gamma,
		Design:    design,
		Jacobian:  jacobian,
	}
	if err := d.store.RecordCompletion(it.Ordinal, outcome); err != nil {
		return nil, stageErr(it.Ordinal, StageStepping, err)
	}

	return &iterationOutcome{
		ordinal:   it.Ordinal,
		objective: objective,
		jacobian:  jacobian,
		design:    design,
		prior:     it.PriorDesign,
		priorJac:  it.PriorJacobian,
	}, nil
}

func stageErr(ordinal int, stage Stage, err error) error {
	return fmt.Errorf("iteration %04d: stage %s: %w", ordinal, stage, err)
}

// IsFatal reports whether an error from Run is one of the terminal
// stage-exhaustion conditions rather than a cancellation.
func IsFatal(err error) bool {
	return err != nil &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
