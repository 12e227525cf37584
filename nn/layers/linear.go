package layers

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"

	"linnet/nn"
	"linnet/tensor"
)

// Dense is a fully-connected stage producing Out features.
type Dense struct {
	Out         int
	Initializer Initializer
}

// DenseOption configures NewDense.
type DenseOption func(*denseConfig)

type denseConfig struct {
	init Initializer
	act  nn.Activation
}

// WithInitializer replaces the default Xavier initializer.
func WithInitializer(init Initializer) DenseOption {
	return func(c *denseConfig) { c.init = init }
}

// WithActivation applies act to the layer output.
func WithActivation(act nn.Activation) DenseOption {
	return func(c *denseConfig) { c.act = act }
}

// NewDense returns a dense stage with out outputs, wrapped in its activation
// when one is given.
func NewDense(out int, opts ...DenseOption) nn.Stage {
	c := denseConfig{init: Xavier{}}
	for _, opt := range opts {
		opt(&c)
	}
	d := Dense{Out: out, Initializer: c.init}
	if c.act == nil {
		return d
	}
	return nn.Activate(d, c.act)
}

func (d Dense) OutputShape() int { return d.Out }

func (d Dense) Validate(inputShape int) error {
	if inputShape <= 0 {
		return errors.Errorf("dense(%d): input shape must be positive, got %d", d.Out, inputShape)
	}
	if d.Out <= 0 {
		return errors.Errorf("dense: output shape must be positive, got %d", d.Out)
	}
	if d.Initializer == nil {
		return errors.Errorf("dense(%d): no initializer", d.Out)
	}
	return nil
}

// Init draws W (Out × inputShape) then b (Out) from the initializer's distribution.
func (d Dense) Init(rng *rand.Rand, inputShape int) (nn.Graph, error) {
	if err := d.Validate(inputShape); err != nil {
		return nil, err
	}
	dist := d.Initializer.Distribution(inputShape, d.Out, rng)
	return DenseShape{Out: d.Out, In: inputShape}.Iter(dist.Rand), nil
}

func (d Dense) String() string { return fmt.Sprintf("dense(%d)", d.Out) }

// DenseState holds the weights W (out × in) and bias B (out) of a dense layer.
type DenseState struct {
	W *tensor.Tensor
	B *tensor.Tensor
}

// NewDenseState wraps existing weights; w must be (out × in) and b (out).
func NewDenseState(w, b *tensor.Tensor) (*DenseState, error) {
	if len(w.Shape) != 2 || len(b.Shape) != 1 || b.Shape[0] != w.Shape[0] {
		return nil, errors.Errorf("dense: incompatible weight %v and bias %v", w.Shape, b.Shape)
	}
	return &DenseState{W: w, B: b}, nil
}

func (l *DenseState) In() int  { return l.W.Shape[1] }
func (l *DenseState) Out() int { return l.W.Shape[0] }

// Exec computes y = W·x + b, broadcasting b over the batch axes of x.
func (l *DenseState) Exec(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Features() != l.In() {
		return nil, errors.Errorf("dense(%d): expected %d input features, got %d", l.Out(), l.In(), x.Features())
	}
	y, err := tensor.Contract(l.W, x)
	if err != nil {
		return nil, errors.Wrapf(err, "dense(%d)", l.Out())
	}
	if err := tensor.AddBroadcast(y, l.B); err != nil {
		return nil, errors.Wrapf(err, "dense(%d)", l.Out())
	}
	return y, nil
}

// Forward caches the input for the weight gradient.
func (l *DenseState) Forward(x *tensor.Tensor) (nn.Cache, *tensor.Tensor, error) {
	y, err := l.Exec(x)
	if err != nil {
		return nil, nil, err
	}
	return x, y, nil
}

// Back returns dx = Wᵀ·dy, with dW = dy·xᵀ and db = dy both averaged over the batch.
func (l *DenseState) Back(cache nn.Cache, dy *tensor.Tensor) (*tensor.Tensor, nn.Graph, error) {
	x, ok := cache.(*tensor.Tensor)
	if !ok {
		return nil, nil, errors.Errorf("dense(%d): unexpected cache %T", l.Out(), cache)
	}
	if dy.Features() != l.Out() || dy.Examples() != x.Examples() {
		return nil, nil, errors.Errorf("dense(%d): gradient shape %v does not match input shape %v", l.Out(), dy.Shape, x.Shape)
	}
	dx, err := tensor.ContractT(l.W, dy)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "dense(%d)", l.Out())
	}
	dw, err := tensor.OuterMean(dy, x)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "dense(%d)", l.Out())
	}
	return dx, &DenseState{W: dw, B: tensor.MeanExamples(dy)}, nil
}

func (l *DenseState) Map(f func(float64) float64) nn.Graph {
	return &DenseState{W: l.W.Map(f), B: l.B.Map(f)}
}

func (l *DenseState) MapInPlace(f func(float64) float64) {
	l.W.Apply(f)
	l.B.Apply(f)
}

func (l *DenseState) MapWith(other nn.Graph, f func(p, o float64) float64) error {
	o, ok := other.(*DenseState)
	if !ok {
		return errors.Errorf("dense(%d): cannot combine with %T", l.Out(), other)
	}
	if err := l.W.Zip(o.W, f); err != nil {
		return errors.Wrapf(err, "dense(%d) weights", l.Out())
	}
	if err := l.B.Zip(o.B, f); err != nil {
		return errors.Wrapf(err, "dense(%d) bias", l.Out())
	}
	return nil
}

func (l *DenseState) Shape() nn.Shape {
	return DenseShape{Out: l.Out(), In: l.In()}
}

// DenseShape is the shape of a DenseState.
type DenseShape struct {
	Out int
	In  int
}

func (s DenseShape) fill(v float64) nn.Graph {
	w, b := tensor.New(s.Out, s.In), tensor.New(s.Out)
	w.Fill(v)
	b.Fill(v)
	return &DenseState{W: w, B: b}
}

func (s DenseShape) Zero() nn.Graph { return s.fill(0) }
func (s DenseShape) One() nn.Graph  { return s.fill(1) }

func (s DenseShape) Iter(next func() float64) nn.Graph {
	w, b := tensor.New(s.Out, s.In), tensor.New(s.Out)
	for i := range w.Data {
		w.Data[i] = next()
	}
	for i := range b.Data {
		b.Data[i] = next()
	}
	return &DenseState{W: w, B: b}
}

func (s DenseShape) Len() int { return s.Out*s.In + s.Out }
