package train

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"linnet/nn"
)

// dropout holds one mask draw for a graph: mask values below p drop the
// matching parameter, the others are scaled by 1/(1-p).
type dropout struct {
	p    float64
	mask nn.Graph
}

func drawDropout(p float64, shape nn.Shape, src rand.Source) dropout {
	u := distuv.Uniform{Min: 0, Max: 1, Src: src}
	return dropout{p: p, mask: shape.Iter(u.Rand)}
}

func (d dropout) apply(v, m float64) float64 {
	if m < d.p {
		return 0
	}
	return v / (1 - d.p)
}

// Apply masks g in place.
func (d dropout) Apply(g nn.Graph) error {
	return errors.WithMessage(g.MapWith(d.mask, d.apply), "dropout")
}
