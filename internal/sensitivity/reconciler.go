package sensitivity

import (
	"errors"
	"fmt"

	"github.com/shapeopt-dev/shapeopt-core/pkg/logger"
	"github.com/shapeopt-dev/shapeopt-core/pkg/models"
)

// ErrToleranceExhausted indicates the match target could not be reached even
// at the maximum spatial tolerance. Force sensitivities cannot be trusted
// below the required coverage, so this is fatal for the iteration.
var ErrToleranceExhausted = errors.New("sensitivity match tolerance exhausted")

// Match binds one mesh point to its source sensitivity record, tagged with
// the tolerance at which the binding succeeded.
type Match struct {
	PointIndex int
	Record     models.SensitivityRecord
	Tolerance  float64
}

// Consolidated is the combined sensitivity table for an intersected mesh.
type Consolidated struct {
	Matches       []Match
	MatchFraction float64
	Tolerance     float64 // tolerance at which the run was accepted
}

// Options bound the tolerance escalation.
type Options struct {
	TargetFraction   float64
	InitialTolerance float64
	MaxTolerance     float64
}

// Reconciler matches per-component sensitivity records to an intersected
// mesh's point cloud. Intersection may reorder or slightly displace vertices,
// so matching runs under a spatial tolerance that escalates geometrically
// (x10 per attempt) until the target match fraction is reached.
type Reconciler struct {
	opts Options
}

// NewReconciler creates a Reconciler with the given escalation bounds.
func NewReconciler(opts Options) *Reconciler {
	return &Reconciler{opts: opts}
}

// Combine matches every mesh point against the sensitivity tables. The
// tolerance is monotonically non-decreasing within one call and resets on the
// next call. Exceeding MaxTolerance before reaching the target fraction
// returns ErrToleranceExhausted.
func (r *Reconciler) Combine(meshPoints []models.Vec3, tables []models.SensitivityTable) (*Consolidated, error) {
	if len(meshPoints) == 0 {
		return nil, errors.New("no mesh points to match")
	}

	tol := r.opts.InitialTolerance
	for {
		if tol > r.opts.MaxTolerance {
			return nil, fmt.Errorf("%w (max tolerance: %v, target: %v)",
				ErrToleranceExhausted, r.opts.MaxTolerance, r.opts.TargetFraction)
		}

		matches := matchAt(meshPoints, tables, tol)
		fraction := float64(len(matches)) / float64(len(meshPoints))

		if fraction >= r.opts.TargetFraction {
			logger.Info("sensitivity data combined",
				"match_fraction", fraction, "tolerance", tol)
			return &Consolidated{Matches: matches, MatchFraction: fraction, Tolerance: tol}, nil
		}

		logger.Warn("failed to combine sensitivity data, increasing matching tolerance",
			"match_fraction", fraction, "tolerance", tol)
		tol *= 10
	}
}

// matchAt binds each mesh point to the nearest record within tol.
func matchAt(meshPoints []models.Vec3, tables []models.SensitivityTable, tol float64) []Match {
	var matches []Match
	for i, p := range meshPoints {
		best, ok := nearestRecord(p, tables, tol)
		if !ok {
			continue
		}
		matches = append(matches, Match{PointIndex: i, Record: best, Tolerance: tol})
	}
	return matches
}

func nearestRecord(p models.Vec3, tables []models.SensitivityTable, tol float64) (models.SensitivityRecord, bool) {
	var best models.SensitivityRecord
	bestDist := tol
	found := false
	for _, table := range tables {
		for _, rec := range table.Records {
			if d := p.Dist(rec.Point); d <= bestDist {
				best = rec
				bestDist = d
				found = true
			}
		}
	}
	return best, found
}
