package mesh

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shapeopt-dev/shapeopt-core/pkg/config"
	"github.com/shapeopt-dev/shapeopt-core/pkg/logger"
	"github.com/shapeopt-dev/shapeopt-core/pkg/models"
	"github.com/shapeopt-dev/shapeopt-core/pkg/utils"
)

// ErrAttemptsExhausted indicates every perturbation strategy failed to
// produce a watertight intersection. This is terminal for the iteration.
var ErrAttemptsExhausted = errors.New("mesh intersection attempts exhausted")

// Kernel is the external geometry toolchain that merges surface patches into
// one watertight mesh. An error return means the patches could not be
// intersected in their current placement.
type Kernel interface {
	Intersect(ctx context.Context, patches []models.Patch) (*models.Mesh, error)
}

// PatchSource re-derives the fresh, unmodified surface patches. It is called
// between failed transform attempts so perturbations never accumulate.
type PatchSource interface {
	Patches() ([]models.Patch, error)
}

// Strategy names the perturbation level of an intersection attempt.
type Strategy string

const (
	StrategyNone        Strategy = "none"
	StrategyJitter      Strategy = "jitter"
	StrategyShiftRotate Strategy = "shift_rotate"
)

// Attempt is the transient record of one intersection attempt. The transform
// is kept so a success under perturbation can be reversed afterwards.
type Attempt struct {
	Strategy  Strategy
	Counter   int
	Transform models.RigidTransform
}

// Engine drives the escalating perturbation ladder over a geometry kernel.
// Boundary coincidences between patches are the dominant failure mode, and
// small random perturbations break those ties without exact-arithmetic
// geometry.
type Engine struct {
	kernel Kernel
	rng    *utils.RandSource
	cfg    config.IntersectionConfig
}

// NewEngine creates an intersection engine. A nil rng falls back to a
// time-seeded source.
func NewEngine(kernel Kernel, cfg config.IntersectionConfig, rng *utils.RandSource) *Engine {
	if rng == nil {
		rng = utils.NewRandSource(0)
	}
	return &Engine{kernel: kernel, rng: rng, cfg: cfg}
}

// Intersect produces a single watertight mesh from the source's patches.
// The ladder runs in strict order: unmodified patches, jittered patches,
// then up to the configured bound of rigid shift-rotate transforms (with
// jitter reapplied on attempts after the first). A success under transform
// has the exact inverse applied to the result only, restoring the original
// frame. Exhausting the bound returns ErrAttemptsExhausted.
func (e *Engine) Intersect(ctx context.Context, source PatchSource) (*models.Mesh, error) {
	patches, err := source.Patches()
	if err != nil {
		return nil, fmt.Errorf("failed to derive patches: %w", err)
	}

	counter := 0

	// Unmodified placement first.
	counter++
	logger.Info("attempting intersection", "strategy", StrategyNone, "attempt", counter)
	if mesh, err := e.kernel.Intersect(ctx, patches); err == nil {
		return mesh, nil
	} else if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	// Small independent jitter per patch.
	counter++
	e.jitterPatches(patches)
	logger.Info("attempting intersection", "strategy", StrategyJitter, "attempt", counter)
	if mesh, err := e.kernel.Intersect(ctx, patches); err == nil {
		return mesh, nil
	} else if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	// Larger rigid transforms of all patches simultaneously. The first pass
	// reuses the already-jittered patches; later passes reset to fresh
	// patches and reapply jitter so drift never accumulates.
	for attempt := 0; attempt < e.cfg.MaxTransformAttempts; attempt++ {
		if attempt > 0 {
			patches, err = source.Patches()
			if err != nil {
				return nil, fmt.Errorf("failed to re-derive patches: %w", err)
			}
			e.jitterPatches(patches)
		}

		tf := e.randomTransform()
		for i := range patches {
			tf.Apply(patches[i].Points)
		}

		counter++
		a := Attempt{Strategy: StrategyShiftRotate, Counter: counter, Transform: tf}
		logger.Info("attempting intersection",
			"strategy", a.Strategy, "attempt", a.Counter,
			"shift", tf.Translation, "rotation_rad", tf.Rotation)

		mesh, err := e.kernel.Intersect(ctx, patches)
		if err == nil {
			// Restore the result to the untransformed frame.
			tf.ApplyInverse(mesh.Points)
			logger.Info("intersection succeeded under transform; result restored to original frame",
				"attempt", a.Counter)
			return mesh, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Warn("transform attempt failed, resetting patches",
			"attempt", attempt+1, "max_attempts", e.cfg.MaxTransformAttempts)
	}

	return nil, fmt.Errorf("%w after %d attempts", ErrAttemptsExhausted, counter)
}

// jitterPatches translates every patch independently by a small uniform
// offset in [0, 1/jitterDenominator) per axis.
func (e *Engine) jitterPatches(patches []models.Patch) {
	for i := range patches {
		offset := models.Vec3{
			X: e.rng.Float64() / e.cfg.JitterDenominator,
			Y: e.rng.Float64() / e.cfg.JitterDenominator,
			Z: e.rng.Float64() / e.cfg.JitterDenominator,
		}
		for j := range patches[i].Points {
			patches[i].Points[j] = patches[i].Points[j].Add(offset)
		}
	}
}

func (e *Engine) randomTransform() models.RigidTransform {
	deg := func() float64 { return e.rng.UniformFloat64(0, e.cfg.MaxRotationDeg) * math.Pi / 180 }
	return models.RigidTransform{
		Translation: models.Vec3{
			X: e.rng.UniformFloat64(0, e.cfg.MaxShift),
			Y: e.rng.UniformFloat64(0, e.cfg.MaxShift),
			Z: e.rng.UniformFloat64(0, e.cfg.MaxShift),
		},
		Rotation: models.Vec3{X: deg(), Y: deg(), Z: deg()},
	}
}
