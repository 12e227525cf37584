package nn

import (
	"math"

	"github.com/pkg/errors"

	"linnet/tensor"
)

// Cost scores a network output against the expected output.
type Cost interface {
	Cost(out, expected *tensor.Tensor) (float64, error)
	// Diff is the derivative of the cost with respect to out.
	Diff(out, expected *tensor.Tensor) (*tensor.Tensor, error)
}

func checkCostShapes(out, expected *tensor.Tensor) error {
	if !tensor.SameShape(out, expected) {
		return errors.Errorf("output shape %v does not match expected shape %v", out.Shape, expected.Shape)
	}
	return nil
}

// MSE is the squared error summed over features and averaged over examples.
type MSE struct{}

func (MSE) Cost(out, expected *tensor.Tensor) (float64, error) {
	d, err := tensor.Sub(out, expected)
	if err != nil {
		return 0, errors.WithMessage(err, "mse")
	}
	sq, err := tensor.Mul(d, d)
	if err != nil {
		return 0, errors.WithMessage(err, "mse")
	}
	return tensor.Sum(sq) / float64(out.Examples()), nil
}

func (MSE) Diff(out, expected *tensor.Tensor) (*tensor.Tensor, error) {
	d, err := tensor.Sub(out, expected)
	if err != nil {
		return nil, errors.WithMessage(err, "mse")
	}
	return tensor.Scale(2, d), nil
}

// CrossEntropy is the negative log likelihood of expected under out,
// averaged over examples. Out is expected to hold probabilities.
type CrossEntropy struct{}

func (CrossEntropy) Cost(out, expected *tensor.Tensor) (float64, error) {
	if err := checkCostShapes(out, expected); err != nil {
		return 0, err
	}
	sum := 0.0
	for i, v := range out.Data {
		if e := expected.Data[i]; e != 0 {
			sum -= e * math.Log(v)
		}
	}
	return sum / float64(out.Examples()), nil
}

func (CrossEntropy) Diff(out, expected *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkCostShapes(out, expected); err != nil {
		return nil, err
	}
	grad := tensor.New(out.Shape...)
	for i, v := range out.Data {
		if e := expected.Data[i]; e != 0 {
			grad.Data[i] = -e / v
		}
	}
	return grad, nil
}
