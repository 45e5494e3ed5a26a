package descent

import (
	"math"

	"github.com/shapeopt-dev/shapeopt-core/pkg/utils"
)

// nextStepSize estimates the step size for the next descent update from two
// consecutive design/Jacobian pairs (the Barzilai-Borwein method). Without a
// prior iteration, or when the estimate is degenerate, the previous step size
// is kept.
func nextStepSize(previous float64, out *iterationOutcome) float64 {
	if out.prior == nil || len(out.priorJac) != len(out.jacobian) {
		return previous
	}
	dx := utils.SubVecs(out.design.Values, out.prior.Values)
	dg := utils.SubVecs(out.jacobian, out.priorJac)

	denom := utils.Norm(dg)
	gamma := utils.Norm(utils.MulVecs(dx, dg)) / (denom * denom)
	if math.IsNaN(gamma) || math.IsInf(gamma, 0) {
		return previous
	}
	return gamma
}
