package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shapeopt-dev/shapeopt-core/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "basefiles"), 0o755))

	s, err := New(root, "basefiles", "working_dir", "simulation")
	require.NoError(t, err)
	return s
}

func testDesign(t *testing.T, values ...float64) models.DesignPoint {
	t.Helper()
	names := []string{"length", "width"}
	dp, err := models.NewDesignPoint(names, values)
	require.NoError(t, err)
	return dp
}

func TestNewMissingBasefiles(t *testing.T) {
	_, err := New(t.TempDir(), "basefiles", "working_dir", "simulation")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMissingBasefiles))
}

func TestResolveFreshRun(t *testing.T) {
	s := newTestStore(t)

	it, err := s.Resolve(false, []string{"length", "width"})
	require.NoError(t, err)
	require.Equal(t, 0, it.Ordinal)
	require.False(t, it.Resumed)
	require.Nil(t, it.PriorDesign)
	require.DirExists(t, it.Dir)
	require.DirExists(t, filepath.Join(it.Dir, "simulation"))
}

func TestResolveAdvancesPastCompleteIteration(t *testing.T) {
	s := newTestStore(t)
	names := []string{"length", "width"}

	it, err := s.Resolve(false, names)
	require.NoError(t, err)
	require.NoError(t, s.RecordCompletion(it.Ordinal, Outcome{
		Objective: 1.5,
		StepSize:  0.05,
		Design:    testDesign(t, 1, 2),
		Jacobian:  []float64{0.1, 0.2},
	}))

	next, err := s.Resolve(false, names)
	require.NoError(t, err)
	require.Equal(t, 1, next.Ordinal)
	require.False(t, next.Resumed)

	// Prior design point and Jacobian come from iteration 0.
	require.NotNil(t, next.PriorDesign)
	require.Equal(t, []float64{1, 2}, next.PriorDesign.Values)
	require.Equal(t, []float64{0.1, 0.2}, next.PriorJacobian)
}

func TestResolveReentersIncompleteIteration(t *testing.T) {
	s := newTestStore(t)
	names := []string{"length", "width"}

	it0, err := s.Resolve(false, names)
	require.NoError(t, err)
	require.NoError(t, s.RecordCompletion(it0.Ordinal, Outcome{
		Objective: 2.0,
		Design:    testDesign(t, 1, 2),
		Jacobian:  []float64{0.3, 0.4},
	}))

	// Iteration 1 starts but never records completion.
	it1, err := s.Resolve(false, names)
	require.NoError(t, err)
	require.Equal(t, 1, it1.Ordinal)

	again, err := s.Resolve(false, names)
	require.NoError(t, err)
	require.Equal(t, 1, again.Ordinal)
	require.True(t, again.Resumed)
	require.NotNil(t, again.PriorDesign)
}

func TestResolveWarmstartReentersCompleteIteration(t *testing.T) {
	s := newTestStore(t)
	names := []string{"length", "width"}

	it, err := s.Resolve(false, names)
	require.NoError(t, err)
	require.NoError(t, s.RecordCompletion(it.Ordinal, Outcome{
		Objective: 2.0,
		Design:    testDesign(t, 1, 2),
		Jacobian:  []float64{0.3, 0.4},
	}))

	warm, err := s.Resolve(true, names)
	require.NoError(t, err)
	require.Equal(t, 0, warm.Ordinal)
	require.True(t, warm.Resumed)
}

func TestRecordCompletionWritesMarkerLast(t *testing.T) {
	s := newTestStore(t)
	names := []string{"length", "width"}

	it, err := s.Resolve(false, names)
	require.NoError(t, err)

	require.False(t, s.IsComplete(it.Ordinal))
	require.NoError(t, s.RecordCompletion(it.Ordinal, Outcome{
		Objective: 9.87,
		Penalty:   0,
		StepSize:  0.05,
		Design:    testDesign(t, 3, 4),
		Jacobian:  []float64{-0.5, 0.25},
	}))
	require.True(t, s.IsComplete(it.Ordinal))

	// Once the marker exists, every outcome field must be readable.
	obj, jac, err := s.LoadOutcome(it.Ordinal, names)
	require.NoError(t, err)
	require.InDelta(t, 9.87, obj, 1e-12)
	require.Equal(t, []float64{-0.5, 0.25}, jac)
}

func TestOrdinalsAreContiguous(t *testing.T) {
	s := newTestStore(t)
	names := []string{"length", "width"}

	for want := 0; want < 4; want++ {
		it, err := s.Resolve(false, names)
		require.NoError(t, err)
		require.Equal(t, want, it.Ordinal, "ordinals must advance without gaps")
		require.NoError(t, s.RecordCompletion(it.Ordinal, Outcome{
			Objective: float64(10 - want),
			Design:    testDesign(t, float64(want), float64(want)),
			Jacobian:  []float64{1, 1},
		}))
	}

	history, err := s.History()
	require.NoError(t, err)
	require.Len(t, history, 4)
	for i, entry := range history {
		require.Equal(t, i, entry.Ordinal)
	}
}

func TestHistorySkipsIncomplete(t *testing.T) {
	s := newTestStore(t)
	names := []string{"length", "width"}

	it0, err := s.Resolve(false, names)
	require.NoError(t, err)
	require.NoError(t, s.RecordCompletion(it0.Ordinal, Outcome{
		Objective: 10,
		Design:    testDesign(t, 1, 1),
		Jacobian:  []float64{1, 1},
	}))

	_, err = s.Resolve(false, names) // iteration 1, never completed
	require.NoError(t, err)

	history, err := s.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, 0, history[0].Ordinal)
	require.InDelta(t, 10.0, history[0].Objective, 1e-12)
}

func TestReadObjectiveMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ObjectiveFileName)
	require.NoError(t, os.WriteFile(path, []byte("no separator here\n"), 0o644))

	_, err := readObjective(path)
	require.Error(t, err)
}
