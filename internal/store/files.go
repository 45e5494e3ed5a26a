package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shapeopt-dev/shapeopt-core/pkg/models"
)

// completionRecord is the YAML body of the completion marker file.
type completionRecord struct {
	Objective  float64            `yaml:"objective"`
	Penalty    float64            `yaml:"penalty"`
	StepSize   float64            `yaml:"step_size"`
	Parameters map[string]float64 `yaml:"parameters"`
}

// WriteParameters persists the design-point snapshot for an iteration
// directory.
func (s *Store) WriteParameters(dir string, design models.DesignPoint) error {
	if err := writeYAMLAtomic(filepath.Join(dir, ParametersFileName), designToMap(design)); err != nil {
		return fmt.Errorf("failed to write parameters: %w", err)
	}
	return nil
}

// HasParameters reports whether the iteration directory already has a
// parameter snapshot.
func (s *Store) HasParameters(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ParametersFileName))
	return err == nil
}

// WriteJacobian persists the Jacobian keyed by parameter name.
func (s *Store) WriteJacobian(dir string, names []string, jacobian []float64) error {
	if len(names) != len(jacobian) {
		return fmt.Errorf("jacobian has %d entries for %d parameters", len(jacobian), len(names))
	}
	m := make(map[string]float64, len(names))
	for i, name := range names {
		m[name] = jacobian[i]
	}
	if err := writeYAMLAtomic(filepath.Join(dir, JacobianFileName), m); err != nil {
		return fmt.Errorf("failed to write jacobian: %w", err)
	}
	return nil
}

// WriteMesh persists the intersected mesh into the iteration's simulation
// directory.
func (s *Store) WriteMesh(ordinal int, mesh *models.Mesh) error {
	if err := writeYAMLAtomic(filepath.Join(s.SimDir(ordinal), MeshFileName), mesh); err != nil {
		return fmt.Errorf("failed to write mesh: %w", err)
	}
	return nil
}

// HasMesh reports whether the iteration already has an intersected mesh.
func (s *Store) HasMesh(ordinal int) bool {
	_, err := os.Stat(filepath.Join(s.SimDir(ordinal), MeshFileName))
	return err == nil
}

// LoadMesh reads the iteration's persisted intersected mesh.
func (s *Store) LoadMesh(ordinal int) (*models.Mesh, error) {
	var mesh models.Mesh
	if err := readYAML(filepath.Join(s.SimDir(ordinal), MeshFileName), &mesh); err != nil {
		return nil, fmt.Errorf("failed to load mesh: %w", err)
	}
	return &mesh, nil
}

// LoadParameters reads an iteration directory's persisted design point,
// ordered by the given parameter names.
func (s *Store) LoadParameters(dir string, names []string) (models.DesignPoint, error) {
	return s.loadParameters(dir, names)
}

// loadParameters reads a design point, ordered by the given parameter names.
func (s *Store) loadParameters(dir string, names []string) (models.DesignPoint, error) {
	var m map[string]float64
	if err := readYAML(filepath.Join(dir, ParametersFileName), &m); err != nil {
		return models.DesignPoint{}, err
	}
	values, err := orderedValues(m, names)
	if err != nil {
		return models.DesignPoint{}, fmt.Errorf("parameters in %s: %w", dir, err)
	}
	return models.NewDesignPoint(names, values)
}

// loadJacobian reads a Jacobian vector, ordered by the given parameter names.
func (s *Store) loadJacobian(dir string, names []string) ([]float64, error) {
	var m map[string]float64
	if err := readYAML(filepath.Join(dir, JacobianFileName), &m); err != nil {
		return nil, err
	}
	values, err := orderedValues(m, names)
	if err != nil {
		return nil, fmt.Errorf("jacobian in %s: %w", dir, err)
	}
	return values, nil
}

func orderedValues(m map[string]float64, names []string) ([]float64, error) {
	values := make([]float64, len(names))
	for i, name := range names {
		v, ok := m[name]
		if !ok {
			return nil, fmt.Errorf("missing parameter %q", name)
		}
		values[i] = v
	}
	return values, nil
}

func designToMap(design models.DesignPoint) map[string]float64 {
	m := make(map[string]float64, design.Len())
	for i, name := range design.Names {
		m[name] = design.Values[i]
	}
	return m
}

// readObjective parses the `objective: <float>` text file.
func readObjective(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("objective file %s is empty", path)
	}
	line := scanner.Text()
	_, value, found := strings.Cut(line, ":")
	if !found {
		return 0, fmt.Errorf("malformed objective line %q in %s", line, path)
	}
	obj, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, fmt.Errorf("malformed objective value in %s: %w", path, err)
	}
	return obj, nil
}

// writeFileAtomic writes data to path via a temp file in the same directory
// followed by a rename, so readers see either the old content or the new.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func writeYAMLAtomic(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}
