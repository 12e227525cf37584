package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"

	"linnet/tensor"
)

// Activation is a pointwise nonlinearity applied after a stage.
type Activation interface {
	Name() string
	Apply(x *tensor.Tensor) *tensor.Tensor
	// Forward returns the output together with what Backward needs.
	Forward(x *tensor.Tensor) (any, *tensor.Tensor)
	Backward(cache any, dy *tensor.Tensor) (*tensor.Tensor, error)
}

// Activated runs Inner and applies Act to its output.
type Activated struct {
	Inner Stage
	Act   Activation
}

// Activate wraps s with act.
func Activate(s Stage, act Activation) Activated {
	return Activated{Inner: s, Act: act}
}

func (a Activated) OutputShape() int { return a.Inner.OutputShape() }

func (a Activated) Validate(inputShape int) error {
	if a.Act == nil {
		return errors.New("activated stage has no activation")
	}
	if a.Inner == nil {
		return errors.Errorf("%s: no inner stage", a.Act.Name())
	}
	return a.Inner.Validate(inputShape)
}

func (a Activated) Init(rng *rand.Rand, inputShape int) (Graph, error) {
	inner, err := a.Inner.Init(rng, inputShape)
	if err != nil {
		return nil, err
	}
	return &ActivatedState{Inner: inner, Act: a.Act}, nil
}

func (a Activated) String() string {
	return fmt.Sprintf("%s(%v)", a.Act.Name(), a.Inner)
}

// ActivatedState is the graph built from an Activated stage. Its parameters
// are exactly those of Inner.
type ActivatedState struct {
	Inner Graph
	Act   Activation
}

// ActivatedCache holds the inner cache and the activation's own cache.
type ActivatedCache struct {
	Inner Cache
	Act   any
}

func (a *ActivatedState) Children() []Graph { return []Graph{a.Inner} }

func (a *ActivatedState) Exec(x *tensor.Tensor) (*tensor.Tensor, error) {
	z, err := a.Inner.Exec(x)
	if err != nil {
		return nil, err
	}
	return a.Act.Apply(z), nil
}

func (a *ActivatedState) Forward(x *tensor.Tensor) (Cache, *tensor.Tensor, error) {
	c, z, err := a.Inner.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	ac, y := a.Act.Forward(z)
	return ActivatedCache{Inner: c, Act: ac}, y, nil
}

func (a *ActivatedState) Back(cache Cache, dy *tensor.Tensor) (*tensor.Tensor, Graph, error) {
	c, ok := cache.(ActivatedCache)
	if !ok {
		return nil, nil, errors.Errorf("%s: unexpected cache %T", a.Act.Name(), cache)
	}
	dz, err := a.Act.Backward(c.Act, dy)
	if err != nil {
		return nil, nil, errors.WithMessage(err, a.Act.Name())
	}
	dx, g, err := a.Inner.Back(c.Inner, dz)
	if err != nil {
		return nil, nil, err
	}
	return dx, &ActivatedState{Inner: g, Act: a.Act}, nil
}

func (a *ActivatedState) Map(f func(float64) float64) Graph {
	return &ActivatedState{Inner: a.Inner.Map(f), Act: a.Act}
}

func (a *ActivatedState) MapInPlace(f func(float64) float64) { a.Inner.MapInPlace(f) }

func (a *ActivatedState) MapWith(other Graph, f func(p, o float64) float64) error {
	o, ok := other.(*ActivatedState)
	if !ok {
		return errors.Errorf("%s: cannot combine with %T", a.Act.Name(), other)
	}
	return a.Inner.MapWith(o.Inner, f)
}

func (a *ActivatedState) Shape() Shape {
	return ActivatedShape{Inner: a.Inner.Shape(), Act: a.Act}
}

// ActivatedShape is the shape of an ActivatedState.
type ActivatedShape struct {
	Inner Shape
	Act   Activation
}

func (s ActivatedShape) Zero() Graph { return &ActivatedState{Inner: s.Inner.Zero(), Act: s.Act} }

func (s ActivatedShape) One() Graph { return &ActivatedState{Inner: s.Inner.One(), Act: s.Act} }

func (s ActivatedShape) Iter(next func() float64) Graph {
	return &ActivatedState{Inner: s.Inner.Iter(next), Act: s.Act}
}

func (s ActivatedShape) Len() int { return s.Inner.Len() }
