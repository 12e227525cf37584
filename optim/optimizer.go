// Package optim updates graph parameters from their gradients.
//
// Optimizers only use the parameter-container operations of nn.Graph, so the
// same optimizer works for any network layout.
package optim

import (
	"github.com/pkg/errors"

	"linnet/nn"
)

// Optimizer applies one update step to g using grads, which must have the
// same layout as g.
type Optimizer interface {
	Step(g nn.Graph, grads nn.Graph) error
}

// Config selects an optimizer by name and holds its hyperparameters.
// Beta1, Beta2 and Epsilon are only used by Adam.
type Config struct {
	Name    string  `yaml:"name"`
	Alpha   float64 `yaml:"alpha"`
	Beta1   float64 `yaml:"beta1"`
	Beta2   float64 `yaml:"beta2"`
	Epsilon float64 `yaml:"epsilon"`
}

// DefaultConfig is SGD with alpha 0.1, carrying the usual Adam moments.
func DefaultConfig() Config {
	adam := DefaultAdamConfig()
	return Config{Name: "sgd", Alpha: 0.1, Beta1: adam.Beta1, Beta2: adam.Beta2, Epsilon: adam.Epsilon}
}

// Validate checks the name and the learning rate without building anything.
func (cfg Config) Validate() error {
	if cfg.Alpha <= 0 {
		return errors.Errorf("optimizer %q: alpha must be positive, got %v", cfg.Name, cfg.Alpha)
	}
	switch cfg.Name {
	case "", "sgd", "adam":
		return nil
	}
	return errors.Errorf("unknown optimizer %q", cfg.Name)
}

// New builds the optimizer cfg names. Adam needs the parameter shape of the
// graph it will train.
func New(cfg Config, shape nn.Shape) (Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "adam" {
		return NewAdam(AdamConfig{Alpha: cfg.Alpha, Beta1: cfg.Beta1, Beta2: cfg.Beta2, Epsilon: cfg.Epsilon}, shape), nil
	}
	return NewSGD(cfg.Alpha), nil
}
