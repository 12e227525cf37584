package nn_test

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"

	"linnet/nn"
	"linnet/nn/layers"
	"linnet/tensor"
)

type countingSource struct {
	calls int
	src   rand.Source
}

func (c *countingSource) Uint64() uint64 {
	c.calls++
	return c.src.Uint64()
}

func randomTensor(rng *rand.Rand, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return t
}

func mustInit(t *testing.T, s nn.Stage, in int, seed uint64) nn.Graph {
	t.Helper()
	g, err := nn.Init(s, rand.New(rand.NewPCG(seed, 0)), in)
	require.NoError(t, err)
	return g
}

// costAt evaluates the cost of the graph with shape s and parameters params.
func costAt(s nn.Shape, params []float64, x, expected *tensor.Tensor, c nn.Cost) float64 {
	g, err := nn.FromValues(s, params)
	if err != nil {
		panic(err)
	}
	out, err := g.Exec(x)
	if err != nil {
		panic(err)
	}
	v, err := c.Cost(out, expected)
	if err != nil {
		panic(err)
	}
	return v
}

func TestGradsMatchFiniteDifferences(t *testing.T) {
	stage := nn.Net(
		layers.NewDense(4, layers.WithActivation(layers.Tanh{})),
		layers.NewDense(3, layers.WithActivation(layers.Polynomials["relu3"])),
		layers.NewDense(2, layers.WithActivation(layers.Sigmoid{})),
	)
	rng := rand.New(rand.NewPCG(7, 7))

	for _, batch := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("batch=%d", batch), func(t *testing.T) {
			g := mustInit(t, stage, 3, 1)
			var x, expected *tensor.Tensor
			if batch == 0 {
				x, expected = randomTensor(rng, 3), randomTensor(rng, 2)
			} else {
				x, expected = randomTensor(rng, 3, batch), randomTensor(rng, 2, batch)
			}

			for _, c := range []nn.Cost{nn.MSE{}} {
				grads, cost, err := nn.Grads(g, x, expected, c)
				require.NoError(t, err)

				params := nn.Values(g)
				assert.InDelta(t, costAt(g.Shape(), params, x, expected, c), cost, 1e-12)

				want := fd.Gradient(nil, func(p []float64) float64 {
					return costAt(g.Shape(), p, x, expected, c)
				}, params, &fd.Settings{Formula: fd.Central})
				assert.InDeltaSlice(t, want, nn.Values(grads), 1e-6)
			}
		})
	}
}

func TestCrossEntropyGradient(t *testing.T) {
	stage := layers.NewDense(3, layers.WithActivation(layers.Sigmoid{}))
	g := mustInit(t, stage, 2, 3)
	x, _ := tensor.FromData([]float64{0.5, -1, 2, 0.25}, 2, 2)
	expected, _ := tensor.FromData([]float64{1, 0, 0, 1, 0, 0}, 3, 2)

	grads, _, err := nn.Grads(g, x, expected, nn.CrossEntropy{})
	require.NoError(t, err)

	want := fd.Gradient(nil, func(p []float64) float64 {
		return costAt(g.Shape(), p, x, expected, nn.CrossEntropy{})
	}, nn.Values(g), &fd.Settings{Formula: fd.Central})
	assert.InDeltaSlice(t, want, nn.Values(grads), 1e-6)
}

func TestShapeTraversalOrder(t *testing.T) {
	stage := nn.Net(layers.NewDense(2), layers.NewDense(1, layers.WithActivation(layers.ReLU{})))
	g := mustInit(t, stage, 3, 1)
	shape := g.Shape()
	// (2x3 + 2) + (1x2 + 1)
	require.Equal(t, 11, shape.Len())

	i := 0.0
	seq := shape.Iter(func() float64 { i++; return i })
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, nn.Values(seq))

	pair := seq.(*nn.PairState)
	first := pair.First.(*layers.DenseState)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, first.W.Data)
	assert.Equal(t, []float64{7, 8}, first.B.Data)
	second := pair.Second.(*nn.ActivatedState).Inner.(*layers.DenseState)
	assert.Equal(t, []float64{9, 10}, second.W.Data)
	assert.Equal(t, []float64{11}, second.B.Data)

	for _, v := range nn.Values(shape.Zero()) {
		assert.Equal(t, 0.0, v)
	}
	for _, v := range nn.Values(shape.One()) {
		assert.Equal(t, 1.0, v)
	}
}

func TestMapOperations(t *testing.T) {
	g := mustInit(t, nn.Net(layers.NewDense(2), layers.NewDense(2)), 2, 5)
	before := nn.Values(g)

	doubled := g.Map(func(v float64) float64 { return 2 * v })
	assert.Equal(t, before, nn.Values(g), "Map must not modify the receiver")
	for i, v := range nn.Values(doubled) {
		assert.Equal(t, 2*before[i], v)
	}

	g.MapInPlace(func(v float64) float64 { return v + 1 })
	for i, v := range nn.Values(g) {
		assert.Equal(t, before[i]+1, v)
	}

	require.NoError(t, g.MapWith(doubled, func(p, o float64) float64 { return p - o }))
	for i, v := range nn.Values(g) {
		assert.InDelta(t, 1-before[i], v, 1e-12)
	}

	other := mustInit(t, nn.Net(layers.NewDense(2), layers.NewDense(3)), 2, 5)
	assert.Error(t, g.MapWith(other, func(p, o float64) float64 { return p }))
	assert.Error(t, g.MapWith(other.(*nn.PairState).First, func(p, o float64) float64 { return p }))
}

func TestInitValidatesBeforeDrawing(t *testing.T) {
	src := &countingSource{src: rand.NewPCG(1, 2)}
	rng := rand.New(src)

	_, err := nn.Init(nn.Net(layers.NewDense(3), layers.NewDense(0)), rng, 4)
	require.Error(t, err)
	_, err = nn.Init(layers.NewDense(3), rng, 0)
	require.Error(t, err)
	assert.Zero(t, src.calls)

	_, err = nn.Init(layers.NewDense(3), rng, 4)
	require.NoError(t, err)
	assert.NotZero(t, src.calls)
}

func TestInitDeterministic(t *testing.T) {
	stage := nn.Net(layers.NewDense(5), layers.NewDense(2))
	a := mustInit(t, stage, 3, 42)
	b := mustInit(t, stage, 3, 42)
	assert.Equal(t, nn.Values(a), nn.Values(b))

	c := mustInit(t, stage, 3, 43)
	assert.NotEqual(t, nn.Values(a), nn.Values(c))

	built, err := nn.Build(stage, 3)
	require.NoError(t, err)
	assert.Equal(t, a.Shape(), built.Shape())
}

func TestExecRejectsWrongFeatures(t *testing.T) {
	g := mustInit(t, layers.NewDense(2), 3, 1)
	_, err := g.Exec(tensor.New(4, 2))
	assert.Error(t, err)
	_, _, err = g.Forward(tensor.New(2))
	assert.Error(t, err)
}

func TestWalkVisitsLeavesInOrder(t *testing.T) {
	stage := nn.Net(layers.NewDense(4), layers.NewDense(3, layers.WithActivation(layers.Sigmoid{})), layers.NewDense(2))
	g := mustInit(t, stage, 5, 1)

	var outs []int
	require.NoError(t, nn.Walk(g, func(leaf nn.Graph) error {
		d, ok := leaf.(*layers.DenseState)
		require.True(t, ok, "unexpected leaf %T", leaf)
		outs = append(outs, d.Out())
		return nil
	}))
	assert.Equal(t, []int{4, 3, 2}, outs)

	stop := fmt.Errorf("stop")
	calls := 0
	err := nn.Walk(g, func(nn.Graph) error { calls++; return stop })
	assert.Equal(t, stop, err)
	assert.Equal(t, 1, calls)
}

func TestFromValuesLength(t *testing.T) {
	_, err := nn.FromValues(layers.DenseShape{Out: 1, In: 1}, []float64{1})
	assert.Error(t, err)
	g, err := nn.FromValues(layers.DenseShape{Out: 1, In: 1}, []float64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, nn.Values(nn.Clone(g)))
}
