package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Tensor is a simple n-D array backed by a flat []float64.
//
// Axis 0 is the feature axis. A rank-1 tensor holds a single example; for
// higher ranks every remaining axis is a batch axis, so a [features, batch]
// tensor stores one example per column.
type Tensor struct {
	Data  []float64
	Shape []int
}

// New allocates a Tensor of given shape (product of dims = len(Data)).
func New(shape ...int) *Tensor {
	// Compute total size
	total := 1
	for _, d := range shape {
		total *= d
	}
	return &Tensor{
		Data:  make([]float64, total),
		Shape: append([]int(nil), shape...),
	}
}

// NewWithData creates a 1-D tensor from existing data slice.
func NewWithData(data []float64) *Tensor {
	return &Tensor{
		Data:  append([]float64(nil), data...),
		Shape: []int{len(data)},
	}
}

// FromData copies data into a tensor of the given shape.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	t := New(shape...)
	if len(data) != len(t.Data) {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", shape, len(t.Data), len(data))
	}
	copy(t.Data, data)
	return t, nil
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Data:  append([]float64(nil), t.Data...),
		Shape: append([]int(nil), t.Shape...),
	}
}

// Len is the number of stored elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Features is the size of the feature axis.
func (t *Tensor) Features() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// Examples is the number of examples held by t: 1 for a rank-1 tensor,
// the product of the batch axes otherwise.
func (t *Tensor) Examples() int {
	n := 1
	for _, d := range t.Shape[1:] {
		n *= d
	}
	return n
}

// AsBatch views t as a [features, examples] tensor sharing its data.
func AsBatch(t *Tensor) *Tensor {
	return &Tensor{Data: t.Data, Shape: []int{t.Features(), t.Examples()}}
}

// Batched reports whether t carries at least one batch axis.
func (t *Tensor) Batched() bool { return len(t.Shape) > 1 }

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

func checkShapes(a, b *Tensor) error {
	if !SameShape(a, b) {
		return fmt.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	return nil
}

// Sub returns a-b (same shape), or error if shapes differ.
func Sub(a, b *Tensor) (*Tensor, error) {
	if err := checkShapes(a, b); err != nil {
		return nil, err
	}
	out := a.Clone()
	floats.Sub(out.Data, b.Data)
	return out, nil
}

// Mul returns the elementwise product of a and b.
func Mul(a, b *Tensor) (*Tensor, error) {
	if err := checkShapes(a, b); err != nil {
		return nil, err
	}
	out := a.Clone()
	floats.Mul(out.Data, b.Data)
	return out, nil
}

// Scale returns s*t.
func Scale(s float64, t *Tensor) *Tensor {
	out := t.Clone()
	floats.Scale(s, out.Data)
	return out
}

// Sum adds every element of t.
func Sum(t *Tensor) float64 { return floats.Sum(t.Data) }

// Map returns a new tensor with f applied to every element.
func (t *Tensor) Map(f func(float64) float64) *Tensor {
	out := New(t.Shape...)
	for i, v := range t.Data {
		out.Data[i] = f(v)
	}
	return out
}

// Apply replaces every element of t with f of itself.
func (t *Tensor) Apply(f func(float64) float64) {
	for i, v := range t.Data {
		t.Data[i] = f(v)
	}
}

// Zip replaces every element of t with f(t[i], other[i]).
func (t *Tensor) Zip(other *Tensor, f func(a, b float64) float64) error {
	if err := checkShapes(t, other); err != nil {
		return err
	}
	for i, v := range t.Data {
		t.Data[i] = f(v, other.Data[i])
	}
	return nil
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float64) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Matrix views t as a (features × examples) gonum matrix sharing storage.
// A rank-1 tensor becomes a single column.
func Matrix(t *Tensor) *mat.Dense {
	return mat.NewDense(t.Features(), t.Examples(), t.Data)
}

// Contract multiplies the (out × in) matrix w into the feature axis of x.
// The result keeps the batch axes of x: [in, rest...] becomes [out, rest...].
func Contract(w, x *Tensor) (*Tensor, error) {
	if len(w.Shape) != 2 {
		return nil, fmt.Errorf("Contract requires a 2-D matrix, got %v", w.Shape)
	}
	rows, cols := w.Shape[0], w.Shape[1]
	if x.Features() != cols {
		return nil, fmt.Errorf("inner dimensions must match: %d vs %d", cols, x.Features())
	}
	shape := append([]int{rows}, x.Shape[1:]...)
	out := New(shape...)
	mat.NewDense(rows, x.Examples(), out.Data).Mul(mat.NewDense(rows, cols, w.Data), Matrix(x))
	return out, nil
}

// ContractT multiplies the transpose of the (out × in) matrix w into the
// feature axis of y: [out, rest...] becomes [in, rest...].
func ContractT(w, y *Tensor) (*Tensor, error) {
	if len(w.Shape) != 2 {
		return nil, fmt.Errorf("ContractT requires a 2-D matrix, got %v", w.Shape)
	}
	rows, cols := w.Shape[0], w.Shape[1]
	if y.Features() != rows {
		return nil, fmt.Errorf("inner dimensions must match: %d vs %d", rows, y.Features())
	}
	shape := append([]int{cols}, y.Shape[1:]...)
	out := New(shape...)
	mat.NewDense(cols, y.Examples(), out.Data).Mul(mat.NewDense(rows, cols, w.Data).T(), Matrix(y))
	return out, nil
}

// OuterMean returns dy·xᵀ averaged over the examples they hold.
// For unbatched tensors this is the plain outer product.
func OuterMean(dy, x *Tensor) (*Tensor, error) {
	n := dy.Examples()
	if x.Examples() != n {
		return nil, fmt.Errorf("example count mismatch: %d vs %d", n, x.Examples())
	}
	out := New(dy.Features(), x.Features())
	m := mat.NewDense(dy.Features(), x.Features(), out.Data)
	m.Mul(Matrix(dy), Matrix(x).T())
	if dy.Batched() {
		m.Scale(1/float64(n), m)
	}
	return out, nil
}

// AddBroadcast adds the vector b to every example of t in place.
func AddBroadcast(t, b *Tensor) error {
	if len(b.Shape) != 1 || b.Shape[0] != t.Features() {
		return fmt.Errorf("cannot broadcast %v over %v", b.Shape, t.Shape)
	}
	n := t.Examples()
	for i, v := range b.Data {
		floats.AddConst(v, t.Data[i*n:(i+1)*n])
	}
	return nil
}

// MeanExamples averages t over its batch axes, giving a [features] vector.
// An unbatched tensor is returned as a copy.
func MeanExamples(t *Tensor) *Tensor {
	if !t.Batched() {
		return t.Clone()
	}
	n := t.Examples()
	out := New(t.Features())
	for i := range out.Data {
		out.Data[i] = floats.Sum(t.Data[i*n:(i+1)*n]) / float64(n)
	}
	return out
}

// Gather builds a [features, len(idx)] tensor from the listed columns of a
// [features, N] tensor.
func Gather(t *Tensor, idx []int) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Gather requires a 2-D tensor, got %v", t.Shape)
	}
	f, n := t.Shape[0], t.Shape[1]
	out := New(f, len(idx))
	for j, k := range idx {
		if k < 0 || k >= n {
			return nil, fmt.Errorf("column %d out of range [0, %d)", k, n)
		}
		for i := 0; i < f; i++ {
			out.Data[i*len(idx)+j] = t.Data[i*n+k]
		}
	}
	return out, nil
}

// Column returns example j of a [features, N] tensor as a rank-1 tensor.
func Column(t *Tensor, j int) *Tensor {
	out := New(t.Features())
	n := t.Examples()
	for i := range out.Data {
		out.Data[i] = t.Data[i*n+j]
	}
	return out
}

// ReluPlain applies ReLU to each element in a, returns new Tensor.
func ReluPlain(a *Tensor) *Tensor {
	out := New(a.Shape...)
	for i, v := range a.Data {
		if v > 0 {
			out.Data[i] = v
		} else {
			out.Data[i] = 0
		}
	}
	return out
}

// At returns the element at the given indices.
// For a 4D tensor [a, b, c, d], At(i, j, k, l) returns the element at position [i][j][k][l].
func (t *Tensor) At(indices ...int) float64 {
	return t.Data[t.offset("At", indices)]
}

// Set sets the element at the given indices to the given value.
func (t *Tensor) Set(value float64, indices ...int) {
	t.Data[t.offset("Set", indices)] = value
}

func (t *Tensor) offset(op string, indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("%s: expected %d indices, got %d", op, len(t.Shape), len(indices)))
	}

	// Compute linear index
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("%s: index %d out of bounds for dimension %d (shape: %v)", op, indices[i], i, t.Shape))
		}
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}
