// Package model turns a training configuration into the values the nn,
// optim and train packages work with.
package model

import (
	"math/rand/v2"

	"github.com/pkg/errors"

	"linnet/nn"
	"linnet/nn/layers"
	"linnet/optim"
	"linnet/train"
	"linnet/utils"
)

// Stage builds the dense network described by arch, the layer widths with
// the input first. Hidden layers use act and the last layer uses outAct.
func Stage(arch []int, act, outAct, init string) (nn.Stage, error) {
	if len(arch) < 2 {
		return nil, errors.Errorf("architecture needs an input and an output width, got %v", arch)
	}
	initializer, err := layers.InitializerByName(init)
	if err != nil {
		return nil, err
	}
	stages := make([]nn.Stage, 0, len(arch)-1)
	for i, width := range arch[1:] {
		name := act
		if i == len(arch)-2 {
			name = outAct
		}
		a, err := layers.ActivationByName(name)
		if err != nil {
			return nil, err
		}
		opts := []layers.DenseOption{layers.WithInitializer(initializer)}
		if a != nil {
			opts = append(opts, layers.WithActivation(a))
		}
		stages = append(stages, layers.NewDense(width, opts...))
	}
	return nn.Net(stages[0], stages[1:]...), nil
}

// StageFromConfig is Stage with the values of cfg.
func StageFromConfig(cfg *utils.Config) (nn.Stage, error) {
	return Stage(cfg.Architecture, cfg.Activation, cfg.OutputActivation, cfg.Initializer)
}

// StageFromWeights rebuilds the network an exported weight file came from.
func StageFromWeights(w *utils.ModelWeights) (nn.Stage, error) {
	arch := w.Architecture
	if len(arch) < 2 {
		return nil, errors.Errorf("weights carry no architecture")
	}
	stages := make([]nn.Stage, 0, len(arch)-1)
	for i, width := range arch[1:] {
		lw, ok := w.Layers[utils.LayerName(i)]
		if !ok {
			return nil, errors.Errorf("missing weights for %s", utils.LayerName(i))
		}
		a, err := layers.ActivationByName(lw.Activation)
		if err != nil {
			return nil, err
		}
		var opts []layers.DenseOption
		if a != nil {
			opts = append(opts, layers.WithActivation(a))
		}
		stages = append(stages, layers.NewDense(width, opts...))
	}
	return nn.Net(stages[0], stages[1:]...), nil
}

// Cost resolves a cost function name.
func Cost(name string) (nn.Cost, error) {
	switch name {
	case "", "mse":
		return nn.MSE{}, nil
	case "cross_entropy", "crossentropy":
		return nn.CrossEntropy{}, nil
	}
	return nil, errors.Errorf("unknown cost %q", name)
}

// Regularization converts the configured coefficients.
func Regularization(cfg utils.RegularizationConfig) train.Regularization {
	return train.L1L2(cfg.L1, cfg.L2)
}

// Trainer builds the graph, optimizer and trainer cfg describes.
func Trainer(cfg *utils.Config, opts ...train.Option) (*train.Trainer, error) {
	return newTrainer(cfg, seeded(cfg.Seed), opts...)
}

// newTrainer resolves every name in cfg before rng is drawn from.
func newTrainer(cfg *utils.Config, rng *rand.Rand, opts ...train.Option) (*train.Trainer, error) {
	if err := utils.ValidateConfig(cfg); err != nil {
		return nil, errors.WithMessage(err, "invalid config")
	}
	stage, err := StageFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	cost, err := Cost(cfg.Cost)
	if err != nil {
		return nil, err
	}
	g, err := nn.Init(stage, rng, cfg.Architecture[0])
	if err != nil {
		return nil, err
	}
	opt, err := optim.New(cfg.Optimizer, g.Shape())
	if err != nil {
		return nil, err
	}
	base := []train.Option{
		train.WithDropout(cfg.Dropout),
		train.WithRegularization(Regularization(cfg.Regularization)),
	}
	if cfg.Seed != 0 {
		base = append(base, train.WithSeed(cfg.Seed+1))
	}
	return train.New(g, opt, cost, append(base, opts...)...)
}

// seeded returns a PCG source for seed, or a randomly seeded one for 0.
func seeded(seed uint64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(seed, seed))
}
