package train

import (
	"math"

	"github.com/pkg/errors"

	"linnet/nn"
)

// Regularization penalizes large parameters. A zero coefficient disables
// that term.
type Regularization struct {
	L1 float64
	L2 float64
}

// L1 penalizes a·|p|.
func L1(a float64) Regularization { return Regularization{L1: a} }

// L2 penalizes a·p².
func L2(a float64) Regularization { return Regularization{L2: a} }

// L1L2 penalizes a·|p| + b·p².
func L1L2(a, b float64) Regularization { return Regularization{L1: a, L2: b} }

// Enabled reports whether any term is set.
func (r Regularization) Enabled() bool { return r.L1 != 0 || r.L2 != 0 }

// Apply adds the penalty gradient of the parameters in g into grads and
// returns the penalty cost.
func (r Regularization) Apply(grads, g nn.Graph) (float64, error) {
	cost := 0.0
	err := grads.MapWith(g, func(d, p float64) float64 {
		cost += r.L1*math.Abs(p) + r.L2*p*p
		return d + r.L1*math.Copysign(1, p) + r.L2*2*p
	})
	if err != nil {
		return 0, errors.WithMessage(err, "regularization")
	}
	return cost, nil
}
