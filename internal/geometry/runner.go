// Package geometry adapts the external geometry toolchain to the optimizer's
// collaborator interfaces. The toolchain is driven through shell commands and
// exchanges patch, sensitivity, and mesh data as YAML files.
package geometry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/shapeopt-dev/shapeopt-core/internal/descent"
	"github.com/shapeopt-dev/shapeopt-core/internal/solver"
	"github.com/shapeopt-dev/shapeopt-core/pkg/config"
	"github.com/shapeopt-dev/shapeopt-core/pkg/logger"
	"github.com/shapeopt-dev/shapeopt-core/pkg/models"
)

// ErrNoStudyCommand indicates no geometry study command is configured and no
// pre-generated study files exist in the iteration directory.
var ErrNoStudyCommand = errors.New("no geometry study command configured")

// Generator runs the configured geometry study command and loads its output
// files. It implements the optimizer's StudyRunner collaborator.
type Generator struct {
	cfg      config.GeometryConfig
	launcher solver.Launcher
}

// NewGenerator creates a Generator. A nil launcher defaults to shell
// execution.
func NewGenerator(cfg config.GeometryConfig, launcher solver.Launcher) *Generator {
	if launcher == nil {
		launcher = solver.ExecLauncher{}
	}
	return &Generator{cfg: cfg, launcher: launcher}
}

// RunStudy produces the perturbation study for the iteration directory's
// persisted design point. When the study output files already exist the
// command is skipped and they are loaded as-is.
func (g *Generator) RunStudy(ctx context.Context, iterDir string, design models.DesignPoint) (*descent.Study, error) {
	patchesPath := filepath.Join(iterDir, g.cfg.PatchesFileName)
	sensPath := filepath.Join(iterDir, g.cfg.SensitivitiesFileName)

	if !fileExists(patchesPath) || !fileExists(sensPath) {
		if g.cfg.StudyCommand == "" {
			return nil, fmt.Errorf("%w and %s is missing", ErrNoStudyCommand, patchesPath)
		}
		logger.Info("running geometry study", "dir", iterDir)
		if err := g.launcher.Exec(ctx, iterDir, g.cfg.StudyCommand, g.cfg.LogName); err != nil {
			return nil, fmt.Errorf("geometry study failed: %w", err)
		}
	} else {
		logger.Info("reusing existing geometry study files", "dir", iterDir)
	}

	patches, err := LoadPatches(patchesPath)
	if err != nil {
		return nil, err
	}
	tables, err := LoadSensitivities(sensPath)
	if err != nil {
		return nil, err
	}
	return &descent.Study{NominalPatches: patches, Tables: tables}, nil
}

// LoadPatches reads a YAML list of surface patches.
func LoadPatches(path string) ([]models.Patch, error) {
	var patches []models.Patch
	if err := readYAML(path, &patches); err != nil {
		return nil, fmt.Errorf("failed to load patches from %s: %w", path, err)
	}
	if len(patches) == 0 {
		return nil, fmt.Errorf("no patches in %s", path)
	}
	return patches, nil
}

// LoadSensitivities reads a YAML list of per-component sensitivity tables.
func LoadSensitivities(path string) ([]models.SensitivityTable, error) {
	var tables []models.SensitivityTable
	if err := readYAML(path, &tables); err != nil {
		return nil, fmt.Errorf("failed to load sensitivities from %s: %w", path, err)
	}
	return tables, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
