package layers

import (
	"math"

	"github.com/pkg/errors"

	"linnet/nn"
	"linnet/tensor"
)

func gradShape(name string, cached, dy *tensor.Tensor) error {
	if !tensor.SameShape(cached, dy) {
		return errors.Errorf("%s: gradient shape %v does not match output shape %v", name, dy.Shape, cached.Shape)
	}
	return nil
}

// scaled multiplies dy elementwise by the local derivative.
func scaled(name string, dy, deriv *tensor.Tensor) (*tensor.Tensor, error) {
	dx, err := tensor.Mul(dy, deriv)
	if err != nil {
		return nil, errors.Errorf("%s: gradient shape %v does not match output shape %v", name, dy.Shape, deriv.Shape)
	}
	return dx, nil
}

// Identity passes values through unchanged.
type Identity struct{}

func (Identity) Name() string                          { return "identity" }
func (Identity) Apply(x *tensor.Tensor) *tensor.Tensor { return x }

func (Identity) Forward(x *tensor.Tensor) (any, *tensor.Tensor) { return nil, x }

func (Identity) Backward(_ any, dy *tensor.Tensor) (*tensor.Tensor, error) { return dy, nil }

// ReLU is max(0, x).
type ReLU struct{}

func (ReLU) Name() string                          { return "relu" }
func (ReLU) Apply(x *tensor.Tensor) *tensor.Tensor { return tensor.ReluPlain(x) }

func (ReLU) Forward(x *tensor.Tensor) (any, *tensor.Tensor) {
	return x, tensor.ReluPlain(x)
}

// Backward passes dy where the input was positive. This is dy·(y/x) without
// the 0/0 at x = 0.
func (r ReLU) Backward(cache any, dy *tensor.Tensor) (*tensor.Tensor, error) {
	x, ok := cache.(*tensor.Tensor)
	if !ok {
		return nil, errors.Errorf("relu: unexpected cache %T", cache)
	}
	return scaled(r.Name(), dy, x.Map(func(v float64) float64 {
		if v > 0 {
			return 1
		}
		return 0
	}))
}

// Sigmoid is the logistic function 1/(1+e^-x).
type Sigmoid struct{}

func sigmoid(v float64) float64 { return 1 / (1 + math.Exp(-v)) }

func (Sigmoid) Name() string                          { return "sigmoid" }
func (Sigmoid) Apply(x *tensor.Tensor) *tensor.Tensor { return x.Map(sigmoid) }

func (Sigmoid) Forward(x *tensor.Tensor) (any, *tensor.Tensor) {
	y := x.Map(sigmoid)
	return y, y
}

func (s Sigmoid) Backward(cache any, dy *tensor.Tensor) (*tensor.Tensor, error) {
	y, ok := cache.(*tensor.Tensor)
	if !ok {
		return nil, errors.Errorf("sigmoid: unexpected cache %T", cache)
	}
	return scaled(s.Name(), dy, y.Map(func(v float64) float64 { return v * (1 - v) }))
}

// Tanh is the hyperbolic tangent.
type Tanh struct{}

func (Tanh) Name() string                          { return "tanh" }
func (Tanh) Apply(x *tensor.Tensor) *tensor.Tensor { return x.Map(math.Tanh) }

func (Tanh) Forward(x *tensor.Tensor) (any, *tensor.Tensor) {
	return x, x.Map(math.Tanh)
}

func (t Tanh) Backward(cache any, dy *tensor.Tensor) (*tensor.Tensor, error) {
	x, ok := cache.(*tensor.Tensor)
	if !ok {
		return nil, errors.Errorf("tanh: unexpected cache %T", cache)
	}
	return scaled(t.Name(), dy, x.Map(func(v float64) float64 {
		c := math.Cosh(v)
		return 1 / (c * c)
	}))
}

// Softmax normalizes e^x over the features of each example.
type Softmax struct{}

type softmaxCache struct {
	y *tensor.Tensor
	// normalization sum of each example
	s []float64
}

func (Softmax) Name() string { return "softmax" }

func (sm Softmax) Apply(x *tensor.Tensor) *tensor.Tensor {
	_, y := sm.Forward(x)
	return y
}

func (Softmax) Forward(x *tensor.Tensor) (any, *tensor.Tensor) {
	y := x.Map(math.Exp)
	f, n := y.Features(), y.Examples()
	s := make([]float64, n)
	for i := 0; i < f; i++ {
		for j := 0; j < n; j++ {
			s[j] += y.Data[i*n+j]
		}
	}
	for i := 0; i < f; i++ {
		for j := 0; j < n; j++ {
			y.Data[i*n+j] /= s[j]
		}
	}
	return softmaxCache{y: y, s: s}, y
}

// Backward computes dy·(y - 1/s²) with s the cached sum of the example.
func (sm Softmax) Backward(cache any, dy *tensor.Tensor) (*tensor.Tensor, error) {
	c, ok := cache.(softmaxCache)
	if !ok {
		return nil, errors.Errorf("softmax: unexpected cache %T", cache)
	}
	if err := gradShape(sm.Name(), c.y, dy); err != nil {
		return nil, err
	}
	dx := tensor.New(dy.Shape...)
	n := len(c.s)
	for i, v := range c.y.Data {
		s := c.s[i%n]
		dx.Data[i] = dy.Data[i] * (v - 1/(s*s))
	}
	return dx, nil
}

// Poly evaluates a polynomial with coefficients in ascending order.
type Poly struct {
	Label  string
	Coeffs []float64
}

// Polynomials are low-degree approximations usable in place of ReLU.
var Polynomials = map[string]Poly{
	"relu3": {Label: "relu3", Coeffs: []float64{0.3183099, 0.5, 0.2122066, 0}},
	"relu2": {Label: "relu2", Coeffs: []float64{0.25, 0.5, 0.25}},
}

func horner(coeffs []float64, v float64) float64 {
	res := 0.0
	for k := len(coeffs) - 1; k >= 0; k-- {
		res = res*v + coeffs[k]
	}
	return res
}

func (p Poly) eval(v float64) float64 { return horner(p.Coeffs, v) }

func (p Poly) deriv(v float64) float64 {
	res := 0.0
	for k := len(p.Coeffs) - 1; k >= 1; k-- {
		res = res*v + float64(k)*p.Coeffs[k]
	}
	return res
}

func (p Poly) Name() string {
	if p.Label != "" {
		return p.Label
	}
	return "poly"
}

func (p Poly) Apply(x *tensor.Tensor) *tensor.Tensor { return x.Map(p.eval) }

func (p Poly) Forward(x *tensor.Tensor) (any, *tensor.Tensor) {
	return x, x.Map(p.eval)
}

func (p Poly) Backward(cache any, dy *tensor.Tensor) (*tensor.Tensor, error) {
	x, ok := cache.(*tensor.Tensor)
	if !ok {
		return nil, errors.Errorf("%s: unexpected cache %T", p.Name(), cache)
	}
	return scaled(p.Name(), dy, x.Map(p.deriv))
}

// ActivationByName resolves the names used in configuration files.
// An empty name or "none" means no activation.
func ActivationByName(name string) (nn.Activation, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "identity", "linear":
		return Identity{}, nil
	case "relu":
		return ReLU{}, nil
	case "sigmoid":
		return Sigmoid{}, nil
	case "tanh":
		return Tanh{}, nil
	case "softmax":
		return Softmax{}, nil
	}
	if p, ok := Polynomials[name]; ok {
		return p, nil
	}
	return nil, errors.Errorf("unknown activation %q", name)
}
