package geometry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shapeopt-dev/shapeopt-core/internal/solver"
	"github.com/shapeopt-dev/shapeopt-core/pkg/config"
	"github.com/shapeopt-dev/shapeopt-core/pkg/models"
)

// ExecKernel runs the configured intersect command over a scratch directory.
// Each attempt gets a fresh directory so a failed merge leaves no stale
// artifacts behind for the next one.
type ExecKernel struct {
	cfg      config.GeometryConfig
	workDir  string
	launcher solver.Launcher
}

// NewExecKernel creates an ExecKernel with scratch directories under workDir.
// A nil launcher defaults to shell execution.
func NewExecKernel(cfg config.GeometryConfig, workDir string, launcher solver.Launcher) *ExecKernel {
	if launcher == nil {
		launcher = solver.ExecLauncher{}
	}
	return &ExecKernel{cfg: cfg, workDir: workDir, launcher: launcher}
}

// Intersect writes the patches to a scratch directory, runs the intersect
// command there, and reads back the merged mesh.
func (k *ExecKernel) Intersect(ctx context.Context, patches []models.Patch) (*models.Mesh, error) {
	if k.cfg.IntersectCommand == "" {
		return nil, fmt.Errorf("no intersect command configured")
	}
	dir, err := os.MkdirTemp(k.workDir, "intersect-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create intersect scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := writeYAML(filepath.Join(dir, k.cfg.PatchesFileName), patches); err != nil {
		return nil, fmt.Errorf("failed to write patches: %w", err)
	}
	if err := k.launcher.Exec(ctx, dir, k.cfg.IntersectCommand, k.cfg.LogName); err != nil {
		return nil, fmt.Errorf("intersect command failed: %w", err)
	}

	var mesh models.Mesh
	if err := readYAML(filepath.Join(dir, k.cfg.MeshFileName), &mesh); err != nil {
		return nil, fmt.Errorf("failed to load merged mesh: %w", err)
	}
	if len(mesh.Points) == 0 {
		return nil, fmt.Errorf("intersect produced an empty mesh")
	}
	return &mesh, nil
}
