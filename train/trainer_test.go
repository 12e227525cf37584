package train

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linnet/nn"
	"linnet/nn/layers"
	"linnet/optim"
	"linnet/tensor"
	"linnet/utils"
)

type countingSource struct {
	calls int
	src   rand.Source
}

func (c *countingSource) Uint64() uint64 {
	c.calls++
	return c.src.Uint64()
}

// fixtureGraph is 4→3→2 with sigmoid activations, every weight 0.1 and every bias 0.
func fixtureGraph(t *testing.T) nn.Graph {
	t.Helper()
	stage := nn.Net(
		layers.NewDense(3, layers.WithActivation(layers.Sigmoid{})),
		layers.NewDense(2, layers.WithActivation(layers.Sigmoid{})),
	)
	g, err := nn.Init(stage, rand.New(rand.NewPCG(1, 1)), 4)
	require.NoError(t, err)

	var vals []float64
	for range 12 {
		vals = append(vals, 0.1)
	}
	vals = append(vals, 0, 0, 0)
	for range 6 {
		vals = append(vals, 0.1)
	}
	vals = append(vals, 0, 0)
	g, err = nn.FromValues(g.Shape(), vals)
	require.NoError(t, err)
	return g
}

func evalCost(t *testing.T, g nn.Graph, x, e *tensor.Tensor) float64 {
	t.Helper()
	out, err := g.Exec(x)
	require.NoError(t, err)
	c, err := nn.MSE{}.Cost(out, e)
	require.NoError(t, err)
	return c
}

func TestOneStepFixture(t *testing.T) {
	t.Run("single example", func(t *testing.T) {
		g := fixtureGraph(t)
		x := tensor.NewWithData([]float64{1, 1, 1, 1})
		e := tensor.NewWithData([]float64{1, 0})
		assert.InDelta(t, 0.50, evalCost(t, g, x, e), 0.005)

		tr, err := New(g, optim.NewSGD(0.1), nn.MSE{}, WithSeed(1))
		require.NoError(t, err)
		cost, err := tr.TrainBatch(x, e)
		require.NoError(t, err)
		assert.InDelta(t, 0.5040107221574791, cost, 1e-9)

		out, err := g.Exec(x)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{0.5563641780136181, 0.5308355165573131}, out.Data, 1e-9)
		assert.InDelta(t, 0.48, evalCost(t, g, x, e), 0.005)
		assert.InDelta(t, 0.4785990881882021, evalCost(t, g, x, e), 1e-9)
	})

	t.Run("batch of identical examples", func(t *testing.T) {
		g := fixtureGraph(t)
		x := tensor.New(4, 2)
		x.Fill(1)
		e, _ := tensor.FromData([]float64{1, 1, 0, 0}, 2, 2)

		tr, err := New(g, optim.NewSGD(0.1), nn.MSE{}, WithSeed(1))
		require.NoError(t, err)
		cost, err := tr.PerformEpoch(x, e, 2)
		require.NoError(t, err)
		assert.InDelta(t, 0.5040107221574791, cost, 1e-9)
		assert.InDelta(t, 0.4785990881882021, evalCost(t, g, x, e), 1e-9)
		assert.Equal(t, 1, tr.Epoch())
	})
}

func TestNewRejectsBadDropout(t *testing.T) {
	g := fixtureGraph(t)
	for _, p := range []float64{-0.1, 1, 1.5, math.NaN()} {
		_, err := New(g, optim.NewSGD(0.1), nn.MSE{}, WithDropout(p))
		assert.Error(t, err, "p=%v", p)
	}
	_, err := New(nil, optim.NewSGD(0.1), nn.MSE{})
	assert.Error(t, err)
	_, err = New(g, nil, nn.MSE{})
	assert.Error(t, err)
	_, err = New(g, optim.NewSGD(0.1), nil)
	assert.Error(t, err)
}

func TestDatasetErrorsBeforeDrawing(t *testing.T) {
	src := &countingSource{src: rand.NewPCG(1, 2)}
	tr, err := New(fixtureGraph(t), optim.NewSGD(0.1), nn.MSE{}, WithRand(rand.New(src)), WithDropout(0.5))
	require.NoError(t, err)

	x, e := tensor.New(4, 3), tensor.New(2, 3)
	for _, bs := range []int{0, -1, 4} {
		_, err = tr.PerformEpoch(x, e, bs)
		assert.Error(t, err, "batch size %d", bs)
	}
	_, err = tr.PerformEpoch(x, tensor.New(2, 2), 1)
	assert.Error(t, err)
	_, err = tr.TrainBatch(x, tensor.New(2, 2))
	assert.Error(t, err)
	_, err = tr.Train(context.Background(), x, e, 5, 1)
	assert.Error(t, err)

	assert.Zero(t, src.calls)
	assert.Zero(t, tr.Epoch())
}

func TestRemainderBatch(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	x, e := tensor.New(4, 5), tensor.New(2, 5)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}

	var sizes []int
	var costs []float64
	var epochs []EpochResult
	tr, err := New(fixtureGraph(t), optim.NewSGD(0.1), nn.MSE{}, WithSeed(3),
		OnBatch(func(r BatchResult) error {
			sizes = append(sizes, r.Size)
			costs = append(costs, r.Cost)
			return nil
		}),
		OnEpoch(func(r EpochResult) error {
			epochs = append(epochs, r)
			return nil
		}))
	require.NoError(t, err)

	cost, err := tr.PerformEpoch(x, e, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.InDelta(t, (costs[0]+costs[1]+costs[2])/3, cost, 1e-12)
	require.Len(t, epochs, 1)
	assert.Equal(t, 3, epochs[0].Batches)
	assert.Equal(t, 0, epochs[0].Epoch)
	assert.Equal(t, cost, epochs[0].Cost)
}

func TestHookErrorStopsEpoch(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	tr, err := New(fixtureGraph(t), optim.NewSGD(0.1), nn.MSE{}, WithSeed(3),
		OnBatch(func(BatchResult) error { calls++; return stop }))
	require.NoError(t, err)

	_, err = tr.PerformEpoch(tensor.New(4, 4), tensor.New(2, 4), 1)
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
	assert.Zero(t, tr.Epoch())
}

func TestZeroDropoutMatchesNoDropout(t *testing.T) {
	rng := rand.New(rand.NewPCG(8, 8))
	x, e := tensor.New(4, 6), tensor.New(2, 6)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}
	for i := range e.Data {
		e.Data[i] = rng.Float64()
	}

	plain, err := New(fixtureGraph(t), optim.NewSGD(0.5), nn.MSE{}, WithSeed(4))
	require.NoError(t, err)
	zero, err := New(fixtureGraph(t), optim.NewSGD(0.5), nn.MSE{}, WithSeed(4), WithDropout(0))
	require.NoError(t, err)

	for range 3 {
		c1, err := plain.PerformEpoch(x, e, 4)
		require.NoError(t, err)
		c2, err := zero.PerformEpoch(x, e, 4)
		require.NoError(t, err)
		assert.Equal(t, c1, c2)
	}
	assert.Equal(t, nn.Values(plain.Graph()), nn.Values(zero.Graph()))
}

func TestDropoutMaskFraction(t *testing.T) {
	shape := layers.DenseShape{Out: 100, In: 100}
	rng := rand.New(rand.NewPCG(6, 6))

	for _, p := range []float64{0.2, 0.5, 0.99} {
		d := drawDropout(p, shape, rng)
		g := shape.One()
		require.NoError(t, d.Apply(g))

		zeroed := 0
		for _, v := range nn.Values(g) {
			if v == 0 {
				zeroed++
			} else {
				assert.InDelta(t, 1/(1-p), v, 1e-9)
			}
		}
		frac := float64(zeroed) / float64(shape.Len())
		assert.InDelta(t, p, frac, 0.03, "p=%v", p)
	}
}

// Dropped parameters receive no gradient, so plain SGD leaves them untouched.
func TestDropoutFreezesDroppedParameters(t *testing.T) {
	stage := layers.NewDense(10, layers.WithActivation(layers.Sigmoid{}))
	g, err := nn.Init(stage, rand.New(rand.NewPCG(2, 3)), 10)
	require.NoError(t, err)
	before := nn.Values(g)

	x := tensor.New(10, 4)
	x.Fill(1)
	tr, err := New(g, optim.NewSGD(1), nn.MSE{}, WithSeed(9), WithDropout(0.5))
	require.NoError(t, err)
	_, err = tr.TrainBatch(x, tensor.New(10, 4))
	require.NoError(t, err)

	unchanged := 0
	for i, v := range nn.Values(g) {
		if v == before[i] {
			unchanged++
		}
	}
	assert.InDelta(t, 55, unchanged, 25)
	assert.NotZero(t, tr.Stats().DropoutTime)
}

func TestRegularizationApply(t *testing.T) {
	g, err := nn.FromValues(layers.DenseShape{Out: 1, In: 2}, []float64{1, -2, 0})
	require.NoError(t, err)
	grads := g.Shape().Zero()

	cost, err := L1L2(0.5, 0.1).Apply(grads, g)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, cost, 1e-12)
	assert.InDeltaSlice(t, []float64{0.7, -0.9, 0.5}, nn.Values(grads), 1e-12)

	grads = g.Shape().Zero()
	cost, err = L2(1).Apply(grads, g)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, cost, 1e-12)
	assert.InDeltaSlice(t, []float64{2, -4, 0}, nn.Values(grads), 1e-12)

	grads = g.Shape().Zero()
	cost, err = L1(1).Apply(grads, g)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, cost, 1e-12)
	assert.InDeltaSlice(t, []float64{1, -1, 1}, nn.Values(grads), 1e-12)

	assert.False(t, Regularization{}.Enabled())
	assert.True(t, L2(0.1).Enabled())
}

func TestRegularizedBatchCost(t *testing.T) {
	x := tensor.NewWithData([]float64{1, 1, 1, 1})
	e := tensor.NewWithData([]float64{1, 0})
	reg := L1L2(0.01, 0.02)

	plain, err := New(fixtureGraph(t), optim.NewSGD(0.1), nn.MSE{})
	require.NoError(t, err)
	g := fixtureGraph(t)
	regd, err := New(g, optim.NewSGD(0.1), nn.MSE{}, WithRegularization(reg))
	require.NoError(t, err)

	penalty, err := reg.Apply(g.Shape().Zero(), g)
	require.NoError(t, err)

	c1, err := plain.TrainBatch(x, e)
	require.NoError(t, err)
	c2, err := regd.TrainBatch(x, e)
	require.NoError(t, err)
	assert.InDelta(t, c1+penalty, c2, 1e-12)
	assert.NotEqual(t, nn.Values(plain.Graph()), nn.Values(regd.Graph()))
}

func TestTrainReducesCost(t *testing.T) {
	rng := rand.New(rand.NewPCG(10, 10))
	const n = 64
	x, e := tensor.New(3, n), tensor.New(1, n)
	for j := 0; j < n; j++ {
		sum := 0.0
		for i := 0; i < 3; i++ {
			v := rng.Float64()*2 - 1
			x.Set(v, i, j)
			sum += v
		}
		e.Set(math.Tanh(sum), 0, j)
	}

	stage := nn.Net(layers.NewDense(8, layers.WithActivation(layers.Tanh{})), layers.NewDense(1))
	g, err := nn.Init(stage, rand.New(rand.NewPCG(1, 2)), 3)
	require.NoError(t, err)

	stats := &utils.TimingStats{}
	tr, err := New(g, optim.NewAdam(optim.AdamConfig{Alpha: 0.01, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}, g.Shape()),
		nn.MSE{}, WithSeed(2), WithStats(stats))
	require.NoError(t, err)

	costs, err := tr.Train(context.Background(), x, e, 8, 60)
	require.NoError(t, err)
	require.Len(t, costs, 60)
	assert.Less(t, costs[59], costs[0]/2)
	assert.Equal(t, 60*8, stats.Batches)
	assert.Equal(t, 60*n, stats.Examples)
	assert.Same(t, stats, tr.Stats())
}

func TestTrainStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr, err := New(fixtureGraph(t), optim.NewSGD(0.1), nn.MSE{}, WithSeed(1))
	require.NoError(t, err)
	costs, err := tr.Train(ctx, tensor.New(4, 2), tensor.New(2, 2), 1, 3)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, costs)
}
