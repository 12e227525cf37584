package optim

import (
	"math"

	"github.com/pkg/errors"

	"linnet/nn"
)

// Adam implements the Adam (Adaptive Moment Estimation) optimizer.
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1-beta1) * gradient       // First moment
//	v_t = beta2 * v_{t-1} + (1-beta2) * gradient²      // Second moment
//	m_hat = m_t / (1 - beta1^t)                        // Bias correction
//	v_hat = v_t / (1 - beta2^t)                        // Bias correction
//	param = param - alpha * m_hat / (sqrt(v_hat) + eps)
//
// The moment estimates have the layout of the graph being trained.
type Adam struct {
	cfg AdamConfig
	t   int      // Timestep for bias correction
	m   nn.Graph // First moment estimates
	v   nn.Graph // Second moment estimates
}

// AdamConfig holds configuration for the Adam optimizer. Zero values are
// used as given.
type AdamConfig struct {
	Alpha   float64
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

// DefaultAdamConfig returns alpha 0.001, betas 0.9 and 0.999, epsilon 1e-8.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{Alpha: 0.001, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// NewAdam creates an Adam optimizer for graphs of the given shape, with both
// moment estimates starting at zero.
func NewAdam(cfg AdamConfig, shape nn.Shape) *Adam {
	return &Adam{cfg: cfg, m: shape.Zero(), v: shape.Zero()}
}

// Timestep is the number of steps taken so far.
func (a *Adam) Timestep() int { return a.t }

// Config returns the hyperparameters.
func (a *Adam) Config() AdamConfig { return a.cfg }

// Step updates the moment estimates with grads and moves g. The
// optimizer state and g are left untouched when an error is returned.
func (a *Adam) Step(g nn.Graph, grads nn.Graph) error {
	b1, b2 := a.cfg.Beta1, a.cfg.Beta2
	m := nn.Clone(a.m)
	if err := m.MapWith(grads, func(m, d float64) float64 {
		return b1*m + (1-b1)*d
	}); err != nil {
		return errors.WithMessage(err, "adam: first moment")
	}
	v := nn.Clone(a.v)
	if err := v.MapWith(grads, func(v, d float64) float64 {
		return b2*v + (1-b2)*d*d
	}); err != nil {
		return errors.WithMessage(err, "adam: second moment")
	}
	t := a.t + 1

	// m_hat / (sqrt(v_hat) + eps), in traversal order
	c1 := 1 - math.Pow(b1, float64(t))
	c2 := 1 - math.Pow(b2, float64(t))
	step := m.Map(func(m float64) float64 { return m / c1 })
	if err := step.MapWith(v, func(m, v float64) float64 {
		return m / (math.Sqrt(v/c2) + a.cfg.Epsilon)
	}); err != nil {
		return errors.WithMessage(err, "adam")
	}

	alpha := a.cfg.Alpha
	moved := nn.Clone(g)
	if err := moved.MapWith(step, func(p, s float64) float64 {
		return p - alpha*s
	}); err != nil {
		return errors.WithMessage(err, "adam")
	}
	// moved is a clone of g, so this cannot fail.
	if err := g.MapWith(moved, func(_, p float64) float64 { return p }); err != nil {
		return errors.WithMessage(err, "adam")
	}
	a.m, a.v, a.t = m, v, t
	return nil
}
