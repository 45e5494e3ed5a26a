package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/shapeopt-dev/shapeopt-core/pkg/logger"
	"github.com/shapeopt-dev/shapeopt-core/pkg/models"
)

// File names inside an iteration directory.
const (
	CompletionFileName = "ITERATION_COMPLETE"
	ParametersFileName = "parameters.yaml"
	JacobianFileName   = "jacobian.yaml"
	ObjectiveFileName  = "objective.txt"

	// MeshFileName is the intersected mesh inside the simulation directory.
	MeshFileName = "mesh.yaml"
)

// ErrMissingBasefiles indicates the immutable base-configuration directory is
// absent. This is fatal before any iteration starts.
var ErrMissingBasefiles = errors.New("base files directory does not exist")

// Store persists per-iteration optimization state under a working directory.
// Iteration directories are 4-digit zero-padded ordinals; an iteration is
// complete iff its completion marker file exists.
type Store struct {
	rootDir      string
	basefilesDir string
	workingDir   string
	simDirName   string
}

// Iteration describes the iteration the optimizer should (re-)enter.
type Iteration struct {
	Ordinal       int
	Dir           string
	Resumed       bool
	PriorDesign   *models.DesignPoint
	PriorJacobian []float64
}

// Outcome holds the write-once fields of a completed iteration.
type Outcome struct {
	Objective float64
	Penalty   float64
	StepSize  float64
	Design    models.DesignPoint
	Jacobian  []float64
}

// New creates a Store rooted at rootDir. The basefiles directory must already
// exist; the working directory is created on demand.
func New(rootDir, basefilesDir, workingDir, simDirName string) (*Store, error) {
	basefiles := filepath.Join(rootDir, basefilesDir)
	if !dirExists(basefiles) {
		return nil, fmt.Errorf("%w: %s", ErrMissingBasefiles, basefiles)
	}

	s := &Store{
		rootDir:      rootDir,
		basefilesDir: basefiles,
		workingDir:   filepath.Join(rootDir, workingDir),
		simDirName:   simDirName,
	}
	if err := os.MkdirAll(s.workingDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}
	return s, nil
}

// RootDir returns the run root directory.
func (s *Store) RootDir() string { return s.rootDir }

// BasefilesDir returns the immutable base-configuration directory.
func (s *Store) BasefilesDir() string { return s.basefilesDir }

// IterationDir returns the directory for the given ordinal.
func (s *Store) IterationDir(ordinal int) string {
	return filepath.Join(s.workingDir, fmt.Sprintf("%04d", ordinal))
}

// SimDir returns the simulation subdirectory for the given ordinal.
func (s *Store) SimDir(ordinal int) string {
	return filepath.Join(s.IterationDir(ordinal), s.simDirName)
}

// Resolve determines the iteration to enter. With no prior iterations the
// ordinal is 0. If the latest iteration completed, resume re-enters it and
// otherwise the next ordinal is started; an incomplete latest iteration is
// always re-entered. For ordinals past 0 the previous iteration's design
// point and Jacobian are loaded when present, for step-size estimation.
func (s *Store) Resolve(resume bool, paramNames []string) (Iteration, error) {
	ordinal, resumed, err := s.nextOrdinal(resume)
	if err != nil {
		return Iteration{}, err
	}

	it := Iteration{Ordinal: ordinal, Resumed: resumed}
	switch {
	case resumed && s.IsComplete(ordinal):
		logger.Info("warm-starting from iteration", "ordinal", ordinal)
	case resumed:
		logger.Info("resuming incomplete iteration", "ordinal", ordinal)
	default:
		logger.Info("moving onto iteration", "ordinal", ordinal)
	}

	if it.Ordinal > 0 {
		prevDir := s.IterationDir(it.Ordinal - 1)
		if design, err := s.loadParameters(prevDir, paramNames); err == nil {
			it.PriorDesign = &design
			if jac, err := s.loadJacobian(prevDir, paramNames); err == nil {
				it.PriorJacobian = jac
			}
		}
	}

	it.Dir = s.IterationDir(it.Ordinal)
	if err := os.MkdirAll(it.Dir, 0o755); err != nil {
		return Iteration{}, fmt.Errorf("failed to create iteration directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(it.Dir, s.simDirName), 0o755); err != nil {
		return Iteration{}, fmt.Errorf("failed to create simulation directory: %w", err)
	}
	return it, nil
}

// NextOrdinal reports the ordinal the next Resolve call would enter, without
// creating any directories. Ordinals are contiguous from zero, so the bound
// on total iterations holds across process restarts.
func (s *Store) NextOrdinal(resume bool) (int, error) {
	ordinal, _, err := s.nextOrdinal(resume)
	return ordinal, err
}

func (s *Store) nextOrdinal(resume bool) (ordinal int, resumed bool, err error) {
	ordinals, err := s.listOrdinals()
	if err != nil {
		return 0, false, err
	}
	if len(ordinals) == 0 {
		return 0, false, nil
	}
	latest := ordinals[len(ordinals)-1]
	switch {
	case s.IsComplete(latest) && resume:
		return latest, true, nil
	case s.IsComplete(latest):
		return latest + 1, false, nil
	default:
		return latest, true, nil
	}
}

// IsComplete reports whether the iteration's completion marker exists.
func (s *Store) IsComplete(ordinal int) bool {
	_, err := os.Stat(filepath.Join(s.IterationDir(ordinal), CompletionFileName))
	return err == nil
}

// RecordCompletion writes the iteration outcome. Every file is written
// atomically (temp file + rename) and the completion marker is written last,
// so a reader never observes a partially written record as complete.
func (s *Store) RecordCompletion(ordinal int, outcome Outcome) error {
	dir := s.IterationDir(ordinal)

	if err := s.WriteParameters(dir, outcome.Design); err != nil {
		return err
	}
	if err := s.WriteJacobian(dir, outcome.Design.Names, outcome.Jacobian); err != nil {
		return err
	}
	objective := fmt.Sprintf("objective: %v\n", outcome.Objective)
	if err := writeFileAtomic(filepath.Join(dir, ObjectiveFileName), []byte(objective)); err != nil {
		return fmt.Errorf("failed to write objective: %w", err)
	}

	marker := completionRecord{
		Objective:  outcome.Objective,
		Penalty:    outcome.Penalty,
		StepSize:   outcome.StepSize,
		Parameters: designToMap(outcome.Design),
	}
	if err := writeYAMLAtomic(filepath.Join(dir, CompletionFileName), marker); err != nil {
		return fmt.Errorf("failed to write completion marker: %w", err)
	}

	logger.Info("iteration recorded", "ordinal", ordinal, "objective", outcome.Objective)
	return nil
}

// LoadOutcome reads a previously completed iteration's objective and
// Jacobian, used by the per-stage idempotent short-circuits.
func (s *Store) LoadOutcome(ordinal int, paramNames []string) (objective float64, jacobian []float64, err error) {
	return s.LoadOutcomeDir(s.IterationDir(ordinal), paramNames)
}

// LoadOutcomeDir is LoadOutcome addressed by iteration directory instead of
// ordinal.
func (s *Store) LoadOutcomeDir(dir string, paramNames []string) (objective float64, jacobian []float64, err error) {
	objective, err = readObjective(filepath.Join(dir, ObjectiveFileName))
	if err != nil {
		return 0, nil, err
	}
	jacobian, err = s.loadJacobian(dir, paramNames)
	if err != nil {
		return 0, nil, err
	}
	return objective, jacobian, nil
}

// HasObjective reports whether the iteration already has a persisted
// objective/Jacobian pair.
func (s *Store) HasObjective(ordinal int) bool {
	dir := s.IterationDir(ordinal)
	if _, err := os.Stat(filepath.Join(dir, ObjectiveFileName)); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(dir, JacobianFileName))
	return err == nil
}

// HistoryEntry is one completed iteration in the run history.
type HistoryEntry struct {
	Ordinal    int
	Objective  float64
	Penalty    float64
	StepSize   float64
	Parameters map[string]float64
}

// History crawls the working directory and returns completed iterations in
// ordinal order. Incomplete iterations are skipped.
func (s *Store) History() ([]HistoryEntry, error) {
	ordinals, err := s.listOrdinals()
	if err != nil {
		return nil, err
	}

	var entries []HistoryEntry
	for _, ordinal := range ordinals {
		if !s.IsComplete(ordinal) {
			continue
		}
		var rec completionRecord
		if err := readYAML(filepath.Join(s.IterationDir(ordinal), CompletionFileName), &rec); err != nil {
			return nil, fmt.Errorf("iteration %04d: %w", ordinal, err)
		}
		entries = append(entries, HistoryEntry{
			Ordinal:    ordinal,
			Objective:  rec.Objective,
			Penalty:    rec.Penalty,
			StepSize:   rec.StepSize,
			Parameters: rec.Parameters,
		})
	}
	return entries, nil
}

func (s *Store) listOrdinals() ([]int, error) {
	entries, err := os.ReadDir(s.workingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read working directory: %w", err)
	}

	var ordinals []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		ordinals = append(ordinals, n)
	}
	sort.Ints(ordinals)
	return ordinals, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
