package optim

import (
	"github.com/pkg/errors"

	"linnet/nn"
)

// SGD implements plain gradient descent:
//
//	param = param - alpha * grad
type SGD struct {
	Alpha float64
}

// NewSGD creates an SGD optimizer with learning rate alpha.
func NewSGD(alpha float64) *SGD {
	return &SGD{Alpha: alpha}
}

// Step moves every parameter against its gradient.
func (s *SGD) Step(g nn.Graph, grads nn.Graph) error {
	err := g.MapWith(grads, func(p, d float64) float64 {
		return p - s.Alpha*d
	})
	return errors.WithMessage(err, "sgd")
}
