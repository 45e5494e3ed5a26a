package geometry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/shapeopt-dev/shapeopt-core/pkg/config"
	"github.com/shapeopt-dev/shapeopt-core/pkg/models"
)

const patchesYAML = `
- name: wing
  points:
    - {x: 0, y: 0, z: 0}
    - {x: 1, y: 0, z: 0}
`

const sensitivitiesYAML = `
- component: wing
  records:
    - point: {x: 0, y: 0, z: 0}
      derivs:
        thickness: {x: 1, y: 0, z: 0}
`

// scriptedLauncher records commands and writes files when they run.
type scriptedLauncher struct {
	execs   []string
	onExec  func(dir string) error
	execErr error
}

func (l *scriptedLauncher) Exec(ctx context.Context, dir, command, logPath string) error {
	l.execs = append(l.execs, command)
	if l.execErr != nil {
		return l.execErr
	}
	if l.onExec != nil {
		return l.onExec(dir)
	}
	return nil
}

func (l *scriptedLauncher) Start(ctx context.Context, dir, command, logPath string) error {
	return l.Exec(ctx, dir, command, logPath)
}

func geomConfig(command string) config.GeometryConfig {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	g := cfg.Geometry
	g.StudyCommand = command
	g.IntersectCommand = "intersect"
	return g
}

func TestRunStudyExecutesCommandAndLoadsOutputs(t *testing.T) {
	dir := t.TempDir()
	launcher := &scriptedLauncher{onExec: func(d string) error {
		if err := os.WriteFile(filepath.Join(d, "patches.yaml"), []byte(patchesYAML), 0o644); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(d, "sensitivities.yaml"), []byte(sensitivitiesYAML), 0o644)
	}}
	gen := NewGenerator(geomConfig("./study.sh"), launcher)

	design, err := models.NewDesignPoint([]string{"thickness"}, []float64{1})
	require.NoError(t, err)

	study, err := gen.RunStudy(context.Background(), dir, design)
	require.NoError(t, err)
	require.Equal(t, []string{"./study.sh"}, launcher.execs)
	require.Len(t, study.NominalPatches, 1)
	require.Equal(t, "wing", study.NominalPatches[0].Name)
	require.Len(t, study.NominalPatches[0].Points, 2)
	require.Len(t, study.Tables, 1)
	require.Equal(t, models.Vec3{X: 1}, study.Tables[0].Records[0].Derivs["thickness"])
}

func TestRunStudyReusesExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "patches.yaml"), []byte(patchesYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sensitivities.yaml"), []byte(sensitivitiesYAML), 0o644))

	launcher := &scriptedLauncher{}
	gen := NewGenerator(geomConfig("./study.sh"), launcher)

	design, err := models.NewDesignPoint([]string{"thickness"}, []float64{1})
	require.NoError(t, err)

	study, err := gen.RunStudy(context.Background(), dir, design)
	require.NoError(t, err)
	require.Empty(t, launcher.execs)
	require.Len(t, study.NominalPatches, 1)
}

func TestRunStudyWithoutCommandFails(t *testing.T) {
	gen := NewGenerator(geomConfig(""), &scriptedLauncher{})

	design, err := models.NewDesignPoint([]string{"thickness"}, []float64{1})
	require.NoError(t, err)

	_, err = gen.RunStudy(context.Background(), t.TempDir(), design)
	require.ErrorIs(t, err, ErrNoStudyCommand)
}

func TestExecKernelRoundTrip(t *testing.T) {
	work := t.TempDir()
	launcher := &scriptedLauncher{onExec: func(d string) error {
		// The command sees the patches the engine handed over.
		patches, err := LoadPatches(filepath.Join(d, "patches.yaml"))
		if err != nil {
			return err
		}
		var mesh models.Mesh
		for _, p := range patches {
			mesh.Points = append(mesh.Points, p.Points...)
		}
		return writeYAML(filepath.Join(d, "mesh.yaml"), mesh)
	}}
	kernel := NewExecKernel(geomConfig("./study.sh"), work, launcher)

	var patches []models.Patch
	require.NoError(t, yaml.Unmarshal([]byte(patchesYAML), &patches))

	mesh, err := kernel.Intersect(context.Background(), patches)
	require.NoError(t, err)
	require.Len(t, mesh.Points, 2)

	// The scratch directory is gone afterwards.
	entries, err := os.ReadDir(work)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestExecKernelCommandFailure(t *testing.T) {
	launcher := &scriptedLauncher{execErr: os.ErrPermission}
	kernel := NewExecKernel(geomConfig("./study.sh"), t.TempDir(), launcher)

	_, err := kernel.Intersect(context.Background(), []models.Patch{{Name: "wing"}})
	require.Error(t, err)
}
