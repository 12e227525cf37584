package layers

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// Initializer picks the distribution the parameters of an (out × in) dense
// layer are drawn from.
type Initializer interface {
	Distribution(in, out int, src rand.Source) distuv.Rander
}

// Xavier draws from a zero-mean normal with variance 1/in.
type Xavier struct{}

func (Xavier) Distribution(in, out int, src rand.Source) distuv.Rander {
	return distuv.Normal{Mu: 0, Sigma: math.Sqrt(1 / float64(in)), Src: src}
}

// Uniform draws from [-1/sqrt(in), 1/sqrt(in)].
type Uniform struct{}

func (Uniform) Distribution(in, out int, src rand.Source) distuv.Rander {
	r := 1 / math.Sqrt(float64(in))
	return distuv.Uniform{Min: -r, Max: r, Src: src}
}

// Constant sets every parameter to Value.
type Constant struct{ Value float64 }

func (c Constant) Distribution(in, out int, src rand.Source) distuv.Rander {
	return constant(c.Value)
}

type constant float64

func (c constant) Rand() float64 { return float64(c) }

// InitializerByName resolves the names used in configuration files.
func InitializerByName(name string) (Initializer, error) {
	switch name {
	case "", "xavier", "glorot":
		return Xavier{}, nil
	case "uniform":
		return Uniform{}, nil
	case "zero", "zeros":
		return Constant{}, nil
	}
	return nil, errors.Errorf("unknown initializer %q", name)
}
