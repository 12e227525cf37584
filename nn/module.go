package nn

import (
	"math/rand/v2"

	"github.com/pkg/errors"

	"linnet/tensor"
)

// Stage describes how to build a unit of the network before any parameter
// is allocated.
type Stage interface {
	// OutputShape is the feature count the built graph produces.
	OutputShape() int
	// Validate checks that the stage can accept inputShape features.
	Validate(inputShape int) error
	// Init allocates the graph state, drawing from rng.
	Init(rng *rand.Rand, inputShape int) (Graph, error)
}

// Cache carries what a Forward call needs to keep for the matching Back call.
type Cache interface{}

// Graph is an initialized, trainable stage.
type Graph interface {
	Params

	Exec(x *tensor.Tensor) (*tensor.Tensor, error)
	// Forward runs the graph and returns the cache Back consumes.
	Forward(x *tensor.Tensor) (Cache, *tensor.Tensor, error)
	// Back takes the gradient of the cost with respect to the output and
	// returns the gradient with respect to the input together with the
	// parameter gradient, which has the same layout as the graph itself.
	Back(cache Cache, dy *tensor.Tensor) (*tensor.Tensor, Graph, error)
}

// Params are the elementwise operations every graph state supports.
// All of them visit parameters in the same order as Shape.Iter.
type Params interface {
	Map(f func(float64) float64) Graph
	MapInPlace(f func(float64) float64)
	MapWith(other Graph, f func(p, o float64) float64) error
	Shape() Shape
}

// Shape describes the layout of a graph's parameters without their values.
type Shape interface {
	Zero() Graph
	One() Graph
	// Iter builds a graph whose parameters are taken from next, in traversal order.
	Iter(next func() float64) Graph
	// Len is the total number of parameters.
	Len() int
}

// Container is implemented by graphs that hold other graphs.
type Container interface {
	Children() []Graph
}

// Init validates the whole stage tree and only then allocates it.
func Init(s Stage, rng *rand.Rand, inputShape int) (Graph, error) {
	if s == nil {
		return nil, errors.New("invalid network: nil stage")
	}
	if err := s.Validate(inputShape); err != nil {
		return nil, errors.WithMessage(err, "invalid network")
	}
	return s.Init(rng, inputShape)
}

// Build initializes s with a freshly seeded random source.
func Build(s Stage, inputShape int) (Graph, error) {
	return Init(s, rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), inputShape)
}

// Walk calls fn for every leaf of g in traversal order.
func Walk(g Graph, fn func(Graph) error) error {
	c, ok := g.(Container)
	if !ok {
		return fn(g)
	}
	for _, child := range c.Children() {
		if err := Walk(child, fn); err != nil {
			return err
		}
	}
	return nil
}

// Values flattens the parameters of g in traversal order.
func Values(g Graph) []float64 {
	out := make([]float64, 0, g.Shape().Len())
	g.Map(func(v float64) float64 {
		out = append(out, v)
		return v
	})
	return out
}

// FromValues builds a graph of shape s holding vals.
func FromValues(s Shape, vals []float64) (Graph, error) {
	if len(vals) != s.Len() {
		return nil, errors.Errorf("shape holds %d parameters, got %d values", s.Len(), len(vals))
	}
	i := 0
	return s.Iter(func() float64 {
		v := vals[i]
		i++
		return v
	}), nil
}

// Clone returns a deep copy of g.
func Clone(g Graph) Graph {
	return g.Map(func(v float64) float64 { return v })
}

// Grads runs a forward and backward pass of g on input and returns the
// parameter gradient and the cost against expected.
func Grads(g Graph, input, expected *tensor.Tensor, c Cost) (Graph, float64, error) {
	cache, out, err := g.Forward(input)
	if err != nil {
		return nil, 0, err
	}
	cost, err := c.Cost(out, expected)
	if err != nil {
		return nil, 0, err
	}
	dy, err := c.Diff(out, expected)
	if err != nil {
		return nil, 0, err
	}
	_, grads, err := g.Back(cache, dy)
	if err != nil {
		return nil, 0, err
	}
	return grads, cost, nil
}
