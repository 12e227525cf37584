// Package train runs mini-batch training of an nn.Graph.
package train

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"linnet/nn"
	"linnet/optim"
	"linnet/tensor"
	"linnet/utils"
)

// BatchResult is reported after every trained batch.
type BatchResult struct {
	Epoch int
	Batch int
	// Size is the number of examples in the batch.
	Size int
	Cost float64
}

// EpochResult is reported after every epoch.
type EpochResult struct {
	Epoch    int
	Cost     float64
	Batches  int
	Duration time.Duration
}

// Trainer owns a graph and its optimizer for the duration of training.
// Hooks run synchronously on the training goroutine.
type Trainer struct {
	graph   nn.Graph
	opt     optim.Optimizer
	cost    nn.Cost
	dropout float64
	reg     Regularization
	rng     *rand.Rand
	stats   *utils.TimingStats

	onBatch []func(BatchResult) error
	onEpoch []func(EpochResult) error

	epoch int
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithDropout drops each parameter with probability p on every batch.
// p must be in [0, 1); 0 disables dropout.
func WithDropout(p float64) Option {
	return func(t *Trainer) { t.dropout = p }
}

// WithRegularization adds r to the cost and the gradient of every batch.
func WithRegularization(r Regularization) Option {
	return func(t *Trainer) { t.reg = r }
}

// WithRand sets the source used for shuffling and dropout masks.
func WithRand(rng *rand.Rand) Option {
	return func(t *Trainer) { t.rng = rng }
}

// WithSeed is WithRand with a PCG source seeded from seed.
func WithSeed(seed uint64) Option {
	return WithRand(rand.New(rand.NewPCG(seed, seed)))
}

// WithStats accumulates timings into stats.
func WithStats(stats *utils.TimingStats) Option {
	return func(t *Trainer) { t.stats = stats }
}

// OnBatch registers a hook called after each batch. An error stops the epoch.
func OnBatch(fn func(BatchResult) error) Option {
	return func(t *Trainer) { t.onBatch = append(t.onBatch, fn) }
}

// OnEpoch registers a hook called after each epoch.
func OnEpoch(fn func(EpochResult) error) Option {
	return func(t *Trainer) { t.onEpoch = append(t.onEpoch, fn) }
}

// New creates a trainer for g. Configuration errors are reported here,
// before any random draw.
func New(g nn.Graph, opt optim.Optimizer, cost nn.Cost, opts ...Option) (*Trainer, error) {
	t := &Trainer{graph: g, opt: opt, cost: cost}
	for _, o := range opts {
		o(t)
	}
	switch {
	case g == nil:
		return nil, errors.New("train: nil graph")
	case opt == nil:
		return nil, errors.New("train: nil optimizer")
	case cost == nil:
		return nil, errors.New("train: nil cost")
	case !(t.dropout >= 0 && t.dropout < 1):
		return nil, errors.Errorf("train: dropout must be in [0, 1), got %v", t.dropout)
	}
	if t.rng == nil {
		t.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if t.stats == nil {
		t.stats = &utils.TimingStats{}
	}
	return t, nil
}

// Graph returns the graph being trained.
func (t *Trainer) Graph() nn.Graph { return t.graph }

// Epoch is the number of completed epochs.
func (t *Trainer) Epoch() int { return t.epoch }

// Stats returns the accumulated timings.
func (t *Trainer) Stats() *utils.TimingStats { return t.stats }

func timed(d *time.Duration, start time.Time) {
	*d += time.Since(start)
}

// TrainBatch runs one optimizer step on a batch and returns its cost,
// including the regularization penalty.
func (t *Trainer) TrainBatch(inputs, expected *tensor.Tensor) (float64, error) {
	if inputs.Examples() != expected.Examples() {
		return 0, errors.Errorf("train: %d inputs but %d expected outputs", inputs.Examples(), expected.Examples())
	}
	start := time.Now()
	defer timed(&t.stats.TotalTime, start)

	g := t.graph
	var mask dropout
	if t.dropout > 0 {
		s := time.Now()
		mask = drawDropout(t.dropout, t.graph.Shape(), t.rng)
		g = nn.Clone(t.graph)
		err := mask.Apply(g)
		timed(&t.stats.DropoutTime, s)
		if err != nil {
			return 0, err
		}
	}

	s := time.Now()
	cache, out, err := g.Forward(inputs)
	timed(&t.stats.ForwardPassTime, s)
	if err != nil {
		return 0, errors.WithMessage(err, "forward")
	}

	s = time.Now()
	cost, err := t.cost.Cost(out, expected)
	if err != nil {
		return 0, errors.WithMessage(err, "cost")
	}
	dy, err := t.cost.Diff(out, expected)
	timed(&t.stats.LossComputationTime, s)
	if err != nil {
		return 0, errors.WithMessage(err, "cost")
	}

	s = time.Now()
	_, grads, err := g.Back(cache, dy)
	timed(&t.stats.BackwardPassTime, s)
	if err != nil {
		return 0, errors.WithMessage(err, "backward")
	}

	if t.dropout > 0 {
		s = time.Now()
		err = mask.Apply(grads)
		timed(&t.stats.DropoutTime, s)
		if err != nil {
			return 0, err
		}
	}

	if t.reg.Enabled() {
		s = time.Now()
		penalty, err := t.reg.Apply(grads, t.graph)
		timed(&t.stats.RegularizationTime, s)
		if err != nil {
			return 0, err
		}
		cost += penalty
	}

	s = time.Now()
	err = t.opt.Step(t.graph, grads)
	timed(&t.stats.UpdateTime, s)
	if err != nil {
		return 0, errors.WithMessage(err, "optimizer step")
	}
	t.stats.Batches++
	t.stats.Examples += inputs.Examples()
	return cost, nil
}

// PerformEpoch shuffles the examples (one per column of inputs and
// expected), trains on consecutive batches of batchSize and returns the
// mean batch cost. A final smaller batch is trained at its own size.
func (t *Trainer) PerformEpoch(inputs, expected *tensor.Tensor, batchSize int) (float64, error) {
	inputs, expected, err := checkDataset(inputs, expected, batchSize)
	if err != nil {
		return 0, err
	}
	n := inputs.Examples()
	start := time.Now()
	perm := t.rng.Perm(n)

	total, batches := 0.0, 0
	for lo := 0; lo < n; lo += batchSize {
		idx := perm[lo:min(lo+batchSize, n)]
		x, err := tensor.Gather(inputs, idx)
		if err != nil {
			return 0, err
		}
		e, err := tensor.Gather(expected, idx)
		if err != nil {
			return 0, err
		}
		cost, err := t.TrainBatch(x, e)
		if err != nil {
			return 0, errors.WithMessagef(err, "epoch %d batch %d", t.epoch, batches)
		}
		klog.V(2).Infof("epoch %d batch %d: size=%d cost=%g", t.epoch, batches, len(idx), cost)
		res := BatchResult{Epoch: t.epoch, Batch: batches, Size: len(idx), Cost: cost}
		for _, fn := range t.onBatch {
			if err := fn(res); err != nil {
				return 0, errors.WithMessage(err, "batch hook")
			}
		}
		total += cost
		batches++
	}

	res := EpochResult{Epoch: t.epoch, Cost: total / float64(batches), Batches: batches, Duration: time.Since(start)}
	t.epoch++
	klog.V(1).Infof("epoch %d: cost=%g batches=%d took %s", res.Epoch, res.Cost, res.Batches, res.Duration)
	for _, fn := range t.onEpoch {
		if err := fn(res); err != nil {
			return res.Cost, errors.WithMessage(err, "epoch hook")
		}
	}
	return res.Cost, nil
}

// Train runs epochs full epochs and returns the cost of each. It stops
// early, between epochs, when ctx is done.
func (t *Trainer) Train(ctx context.Context, inputs, expected *tensor.Tensor, batchSize, epochs int) ([]float64, error) {
	if _, _, err := checkDataset(inputs, expected, batchSize); err != nil {
		return nil, err
	}
	if epochs < 0 {
		return nil, errors.Errorf("train: negative epoch count %d", epochs)
	}
	costs := make([]float64, 0, epochs)
	for range epochs {
		if err := ctx.Err(); err != nil {
			return costs, err
		}
		cost, err := t.PerformEpoch(inputs, expected, batchSize)
		if err != nil {
			return costs, err
		}
		costs = append(costs, cost)
	}
	return costs, nil
}

// checkDataset returns both tensors viewed as [features, examples].
func checkDataset(inputs, expected *tensor.Tensor, batchSize int) (*tensor.Tensor, *tensor.Tensor, error) {
	x, e := tensor.AsBatch(inputs), tensor.AsBatch(expected)
	n := x.Examples()
	if e.Examples() != n {
		return nil, nil, errors.Errorf("train: %d inputs but %d expected outputs", n, e.Examples())
	}
	if batchSize < 1 || batchSize > n {
		return nil, nil, errors.Errorf("train: batch size must be in [1, %d], got %d", n, batchSize)
	}
	return x, e, nil
}
