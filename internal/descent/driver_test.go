package descent

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shapeopt-dev/shapeopt-core/internal/mesh"
	"github.com/shapeopt-dev/shapeopt-core/internal/sensitivity"
	"github.com/shapeopt-dev/shapeopt-core/internal/solver"
	"github.com/shapeopt-dev/shapeopt-core/internal/store"
	"github.com/shapeopt-dev/shapeopt-core/pkg/config"
	"github.com/shapeopt-dev/shapeopt-core/pkg/models"
)

func TestNextStepSizeClosedForm(t *testing.T) {
	prior := mustDesign(t, []float64{1, 2})
	out := &iterationOutcome{
		design:   mustDesign(t, []float64{1.1, 2.2}),
		jacobian: []float64{0.4, 0.3},
		prior:    &prior,
		priorJac: []float64{0.5, 0.5},
	}

	// dx = [0.1, 0.2], dg = [-0.1, -0.2]
	// gamma = ||dx*dg|| / ||dg||^2 = sqrt(0.0017) / 0.05
	want := math.Sqrt(0.0017) / 0.05
	require.InEpsilon(t, want, nextStepSize(0.05, out), 1e-12)
}

func TestNextStepSizeDegenerate(t *testing.T) {
	prior := mustDesign(t, []float64{1, 2})
	out := &iterationOutcome{
		design:   mustDesign(t, []float64{1.1, 2.2}),
		jacobian: []float64{0.5, 0.5},
		prior:    &prior,
		priorJac: []float64{0.5, 0.5},
	}
	require.Equal(t, 0.05, nextStepSize(0.05, out))
}

func TestNextStepSizeNoPrior(t *testing.T) {
	out := &iterationOutcome{
		design:   mustDesign(t, []float64{1, 2}),
		jacobian: []float64{0.5, 0.5},
	}
	require.Equal(t, 0.05, nextStepSize(0.05, out))
}

type fakeStudy struct {
	calls   int
	designs []models.DesignPoint
}

func (f *fakeStudy) RunStudy(ctx context.Context, iterDir string, design models.DesignPoint) (*Study, error) {
	f.calls++
	f.designs = append(f.designs, design.Clone())
	pts := []models.Vec3{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}}
	return &Study{
		NominalPatches: []models.Patch{{Name: "wing", Points: pts}},
		Tables: []models.SensitivityTable{{
			Component: "wing",
			Records: []models.SensitivityRecord{
				{Point: pts[0], Derivs: map[string]models.Vec3{"thickness": {X: 1}}},
			},
		}},
	}, nil
}

type passthroughIntersector struct {
	calls int
}

func (p *passthroughIntersector) Intersect(ctx context.Context, source mesh.PatchSource) (*models.Mesh, error) {
	p.calls++
	patches, err := source.Patches()
	if err != nil {
		return nil, err
	}
	var points []models.Vec3
	for _, p := range patches {
		points = append(points, p.Points...)
	}
	return &models.Mesh{Points: points}, nil
}

type fakeSolver struct {
	reportName string
	calls      int
	specs      []solver.RunSpec
}

func (f *fakeSolver) Run(ctx context.Context, spec solver.RunSpec) error {
	f.calls++
	f.specs = append(f.specs, spec)
	report := solver.LoadsReportPath(spec.SimDir, f.reportName, spec.Warmstart, spec.AdaptCycles)
	if err := os.MkdirAll(filepath.Dir(report), 0o755); err != nil {
		return err
	}
	return os.WriteFile(report, []byte("entire (C_D): 0.5\n"), 0o644)
}

type fakeReconciler struct{}

func (fakeReconciler) Combine(meshPoints []models.Vec3, tables []models.SensitivityTable) (*sensitivity.Consolidated, error) {
	return &sensitivity.Consolidated{MatchFraction: 1}, nil
}

type scriptedReduce struct {
	objectives []float64
	jacobian   []float64
	calls      int
	inputs     []ReduceInputs
}

func (s *scriptedReduce) reduce(in ReduceInputs) (float64, []float64, error) {
	s.inputs = append(s.inputs, in)
	obj := s.objectives[s.calls]
	s.calls++
	return obj, append([]float64(nil), s.jacobian...), nil
}

func mustDesign(t *testing.T, values []float64) models.DesignPoint {
	t.Helper()
	names := make([]string, len(values))
	for i := range values {
		names[i] = fmt.Sprintf("p%d", i)
	}
	d, err := models.NewDesignPoint(names, values)
	require.NoError(t, err)
	return d
}

func testConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	cfg := &config.Config{RootDir: root}
	cfg.Solver.Command = "./run.sh"
	cfg.ApplyDefaults()
	require.NoError(t, os.MkdirAll(filepath.Join(root, cfg.BasefilesDir), 0o755))
	return cfg
}

func newTestDriver(t *testing.T, cfg *config.Config, reduce ReduceFunc) (*Driver, *fakeStudy, *fakeSolver, *passthroughIntersector, *store.Store) {
	t.Helper()
	st, err := store.New(cfg.RootDir, cfg.BasefilesDir, cfg.WorkingDir, cfg.SimDirName)
	require.NoError(t, err)
	study := &fakeStudy{}
	slv := &fakeSolver{reportName: cfg.Solver.WarmDoneName}
	isect := &passthroughIntersector{}
	d := NewDriver(cfg, st, study, isect, slv, fakeReconciler{}, reduce, nil)
	return d, study, slv, isect, st
}

func TestRunConvergesOnFlatObjective(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	reduce := &scriptedReduce{objectives: []float64{10.0, 10.0}, jacobian: []float64{0.5, 0.5}}
	d, study, slv, _, st := newTestDriver(t, cfg, reduce.reduce)

	res, err := d.Run(context.Background(), mustDesign(t, []float64{1, 2}), false)
	require.NoError(t, err)
	require.True(t, res.Converged)
	require.Equal(t, 2, res.Iterations)
	require.Len(t, res.History, 2)
	require.Equal(t, 2, study.calls)
	require.Equal(t, 2, slv.calls)

	require.True(t, st.IsComplete(0))
	require.True(t, st.IsComplete(1))

	// Iteration 0 had no prior pair, so the first update uses the initial
	// step size: x1 = x0 - 0.05 * [0.5, 0.5].
	require.InDelta(t, 1-0.05*0.5, res.History[1].Design.Values[0], 1e-12)
	require.InDelta(t, 2-0.05*0.5, res.History[1].Design.Values[1], 1e-12)

	require.Len(t, reduce.inputs, 2)
	require.InDelta(t, 0.5, reduce.inputs[0].Loads["C_D-entire"], 1e-12)
}

func TestRunZeroJacobianBailsOut(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	reduce := &scriptedReduce{objectives: []float64{10.0}, jacobian: []float64{0, 0}}
	d, _, _, _, st := newTestDriver(t, cfg, reduce.reduce)

	res, err := d.Run(context.Background(), mustDesign(t, []float64{1, 2}), false)
	require.NoError(t, err)
	require.False(t, res.Converged)
	require.Equal(t, "zero-norm Jacobian", res.Reason)
	require.Equal(t, 0, res.Iterations)

	// The degenerate iteration is still recorded on disk.
	require.True(t, st.IsComplete(0))
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Optimizer.MaxIterations = 2
	reduce := &scriptedReduce{objectives: []float64{10, 20, 40, 80}, jacobian: []float64{0.5, 0.5}}
	d, _, _, _, _ := newTestDriver(t, cfg, reduce.reduce)

	res, err := d.Run(context.Background(), mustDesign(t, []float64{1, 2}), false)
	require.NoError(t, err)
	require.False(t, res.Converged)
	require.Equal(t, "maximum iterations reached", res.Reason)
	require.Equal(t, 2, res.Iterations)
}

func TestRunSkipsReductionWhenOutcomePersisted(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	reduce := &scriptedReduce{objectives: []float64{10.0, 10.0}, jacobian: []float64{0.5, 0.5}}
	d, _, _, _, st := newTestDriver(t, cfg, reduce.reduce)

	// Seed iteration 0 with a persisted objective and Jacobian but no
	// completion marker, as if a prior run died mid-stepping.
	x := mustDesign(t, []float64{1, 2})
	it, err := st.Resolve(false, x.Names)
	require.NoError(t, err)
	require.NoError(t, st.WriteParameters(it.Dir, x))
	require.NoError(t, st.WriteJacobian(it.Dir, x.Names, []float64{0.25, 0.25}))
	require.NoError(t, os.WriteFile(filepath.Join(it.Dir, store.ObjectiveFileName), []byte("objective: 42.0\n"), 0o644))

	res, err := d.Run(context.Background(), x, false)
	require.NoError(t, err)
	require.True(t, res.Converged)
	require.Equal(t, 3, res.Iterations)
	require.InDelta(t, 42.0, res.History[0].Objective, 1e-12)
	// Iteration 0 never re-ran the reduction; only iterations 1 and 2 did.
	require.Equal(t, 2, reduce.calls)
	require.True(t, st.IsComplete(0))
}

func TestRunResumesPersistedDesign(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	reduce := &scriptedReduce{objectives: []float64{10.0, 10.0}, jacobian: []float64{0.5, 0.5}}
	d, study, _, _, st := newTestDriver(t, cfg, reduce.reduce)

	// An incomplete iteration 0 with a persisted design point is re-entered
	// with that design, not the caller's initial guess.
	x := mustDesign(t, []float64{1, 2})
	persisted := mustDesign(t, []float64{3, 4})
	it, err := st.Resolve(false, x.Names)
	require.NoError(t, err)
	require.NoError(t, st.WriteParameters(it.Dir, persisted))

	res, err := d.Run(context.Background(), x, false)
	require.NoError(t, err)
	require.True(t, res.Converged)
	require.Equal(t, persisted.Values, study.designs[0].Values)
}

func TestRunStageErrorNamesStage(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	boom := func(in ReduceInputs) (float64, []float64, error) {
		return 0, nil, fmt.Errorf("loads report truncated")
	}
	d, _, _, _, st := newTestDriver(t, cfg, boom)

	_, err := d.Run(context.Background(), mustDesign(t, []float64{1, 2}), false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "stage reducing")
	require.Contains(t, err.Error(), "iteration 0000")
	require.False(t, st.IsComplete(0))
}

func TestRunReusesPersistedMesh(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	reduce := &scriptedReduce{objectives: []float64{10.0, 10.0}, jacobian: []float64{0.5, 0.5}}
	d, _, _, isect, st := newTestDriver(t, cfg, reduce.reduce)

	// Seed an incomplete iteration 0 whose mesh already intersected before
	// the process died. Re-entry must load it rather than intersect again.
	x := mustDesign(t, []float64{1, 2})
	it, err := st.Resolve(false, x.Names)
	require.NoError(t, err)
	require.NoError(t, st.WriteParameters(it.Dir, x))
	seeded := &models.Mesh{Points: []models.Vec3{{X: 0}, {X: 1}}}
	require.NoError(t, st.WriteMesh(0, seeded))

	res, err := d.Run(context.Background(), x, false)
	require.NoError(t, err)
	require.True(t, res.Converged)
	require.Equal(t, 2, res.Iterations)
	// Only iteration 1 needed a fresh intersection.
	require.Equal(t, 1, isect.calls)
	require.True(t, st.HasMesh(0))
	require.True(t, st.HasMesh(1))
}

func TestRunMaxIterationsBoundsResumedRuns(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)
	cfg.Optimizer.MaxIterations = 2
	reduce := &scriptedReduce{objectives: []float64{10, 20}, jacobian: []float64{0.5, 0.5}}
	d, _, _, _, st := newTestDriver(t, cfg, reduce.reduce)

	res, err := d.Run(context.Background(), mustDesign(t, []float64{1, 2}), false)
	require.NoError(t, err)
	require.Equal(t, "maximum iterations reached", res.Reason)
	require.Equal(t, 2, res.Iterations)
	require.True(t, st.IsComplete(0))
	require.True(t, st.IsComplete(1))

	// A fresh process over the same working directory inherits the two
	// completed iterations and must not run a third.
	reduce2 := &scriptedReduce{objectives: []float64{99}, jacobian: []float64{0.5, 0.5}}
	d2, _, _, _, st2 := newTestDriver(t, cfg, reduce2.reduce)

	res2, err := d2.Run(context.Background(), mustDesign(t, []float64{1, 2}), false)
	require.NoError(t, err)
	require.False(t, res2.Converged)
	require.Equal(t, "maximum iterations reached", res2.Reason)
	require.Equal(t, 0, res2.Iterations)
	require.Equal(t, 0, reduce2.calls)
	require.NoDirExists(t, st2.IterationDir(2))
}
