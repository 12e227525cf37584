package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"

	"linnet/tensor"
)

// Pair chains two stages: the output of First feeds Second.
type Pair struct {
	First  Stage
	Second Stage
}

// Then returns the stage that runs a and then b.
func Then(a, b Stage) Pair {
	return Pair{First: a, Second: b}
}

// Net folds stages into nested pairs. Adjacent stages are paired first; with
// an odd count the first stage is kept aside and joined last.
func Net(first Stage, rest ...Stage) Stage {
	stages := append([]Stage{first}, rest...)
	for len(stages) > 1 {
		stages = pairUp(stages)
	}
	return stages[0]
}

func pairUp(stages []Stage) []Stage {
	var head []Stage
	if len(stages)%2 == 1 {
		head, stages = stages[:1], stages[1:]
	}
	out := append([]Stage(nil), head...)
	for i := 0; i < len(stages); i += 2 {
		out = append(out, Then(stages[i], stages[i+1]))
	}
	return out
}

func (p Pair) OutputShape() int {
	return p.Second.OutputShape()
}

func (p Pair) Validate(inputShape int) error {
	if p.First == nil || p.Second == nil {
		return errors.New("pair is missing a stage")
	}
	if err := p.First.Validate(inputShape); err != nil {
		return err
	}
	return p.Second.Validate(p.First.OutputShape())
}

func (p Pair) Init(rng *rand.Rand, inputShape int) (Graph, error) {
	first, err := p.First.Init(rng, inputShape)
	if err != nil {
		return nil, err
	}
	second, err := p.Second.Init(rng, p.First.OutputShape())
	if err != nil {
		return nil, err
	}
	return &PairState{First: first, Second: second}, nil
}

func (p Pair) String() string {
	return fmt.Sprintf("(%v, %v)", p.First, p.Second)
}

// PairState is the graph built from a Pair.
type PairState struct {
	First  Graph
	Second Graph
}

// PairCache holds the caches of both halves of a PairState.
type PairCache struct {
	First  Cache
	Second Cache
}

func (p *PairState) Children() []Graph {
	return []Graph{p.First, p.Second}
}

func (p *PairState) Exec(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := p.First.Exec(x)
	if err != nil {
		return nil, err
	}
	return p.Second.Exec(h)
}

func (p *PairState) Forward(x *tensor.Tensor) (Cache, *tensor.Tensor, error) {
	c1, h, err := p.First.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	c2, y, err := p.Second.Forward(h)
	if err != nil {
		return nil, nil, err
	}
	return PairCache{First: c1, Second: c2}, y, nil
}

func (p *PairState) Back(cache Cache, dy *tensor.Tensor) (*tensor.Tensor, Graph, error) {
	c, ok := cache.(PairCache)
	if !ok {
		return nil, nil, errors.Errorf("pair: unexpected cache %T", cache)
	}
	dh, g2, err := p.Second.Back(c.Second, dy)
	if err != nil {
		return nil, nil, err
	}
	dx, g1, err := p.First.Back(c.First, dh)
	if err != nil {
		return nil, nil, err
	}
	return dx, &PairState{First: g1, Second: g2}, nil
}

func (p *PairState) Map(f func(float64) float64) Graph {
	return &PairState{First: p.First.Map(f), Second: p.Second.Map(f)}
}

func (p *PairState) MapInPlace(f func(float64) float64) {
	p.First.MapInPlace(f)
	p.Second.MapInPlace(f)
}

func (p *PairState) MapWith(other Graph, f func(p, o float64) float64) error {
	o, ok := other.(*PairState)
	if !ok {
		return errors.Errorf("pair: cannot combine with %T", other)
	}
	if err := p.First.MapWith(o.First, f); err != nil {
		return err
	}
	return p.Second.MapWith(o.Second, f)
}

func (p *PairState) Shape() Shape {
	return PairShape{First: p.First.Shape(), Second: p.Second.Shape()}
}

// PairShape is the shape of a PairState.
type PairShape struct {
	First  Shape
	Second Shape
}

func (s PairShape) Zero() Graph {
	return &PairState{First: s.First.Zero(), Second: s.Second.Zero()}
}

func (s PairShape) One() Graph {
	return &PairState{First: s.First.One(), Second: s.Second.One()}
}

func (s PairShape) Iter(next func() float64) Graph {
	first := s.First.Iter(next)
	return &PairState{First: first, Second: s.Second.Iter(next)}
}

func (s PairShape) Len() int {
	return s.First.Len() + s.Second.Len()
}
