package utils

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"linnet/nn"
	"linnet/nn/layers"
	"linnet/tensor"
)

// WeightsVersion is written into every exported weight file.
const WeightsVersion = "1.0"

// WeightData represents serializable weight data for a layer
type WeightData struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// ModelWeights represents all weights in a model
type ModelWeights struct {
	Version string `json:"version"`
	// Architecture lists the layer widths, input first.
	Architecture []int                  `json:"architecture"`
	Layers       map[string]LayerWeight `json:"layers"`
}

// LayerWeight contains weights and bias for a layer
type LayerWeight struct {
	Weight     *WeightData `json:"weight,omitempty"`
	Bias       *WeightData `json:"bias,omitempty"`
	Activation string      `json:"activation,omitempty"`
}

// LayerName is the key of the i-th dense layer in traversal order.
func LayerName(i int) string { return fmt.Sprintf("dense_%d", i) }

type denseLeaf struct {
	state *layers.DenseState
	act   string
}

// denseLeaves lists the dense layers of g in traversal order along with the
// activation applied to each.
func denseLeaves(g nn.Graph, out []denseLeaf) ([]denseLeaf, error) {
	switch v := g.(type) {
	case *layers.DenseState:
		return append(out, denseLeaf{state: v}), nil
	case *nn.ActivatedState:
		// Only one activation per dense layer can be recorded.
		d, ok := v.Inner.(*layers.DenseState)
		if !ok {
			return nil, errors.Errorf("cannot export %s applied to %T", v.Act.Name(), v.Inner)
		}
		return append(out, denseLeaf{state: d, act: v.Act.Name()}), nil
	case nn.Container:
		var err error
		for _, c := range v.Children() {
			if out, err = denseLeaves(c, out); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	return nil, errors.Errorf("cannot export %T", g)
}

// ExportWeights copies every dense layer of g into a ModelWeights.
func ExportWeights(g nn.Graph) (*ModelWeights, error) {
	leaves, err := denseLeaves(g, nil)
	if err != nil {
		return nil, err
	}
	if len(leaves) == 0 {
		return nil, errors.New("graph has no dense layers")
	}
	w := &ModelWeights{
		Version:      WeightsVersion,
		Architecture: []int{leaves[0].state.In()},
		Layers:       make(map[string]LayerWeight, len(leaves)),
	}
	for i, l := range leaves {
		name := LayerName(i)
		w.Architecture = append(w.Architecture, l.state.Out())
		w.Layers[name] = LayerWeight{
			Weight:     TensorToWeightData(name+"_weight", l.state.W),
			Bias:       TensorToWeightData(name+"_bias", l.state.B),
			Activation: l.act,
		}
	}
	return w, nil
}

// ImportWeights copies w into the dense layers of g, which must have the
// same layout as the exported graph.
func ImportWeights(g nn.Graph, w *ModelWeights) error {
	i := 0
	err := nn.Walk(g, func(leaf nn.Graph) error {
		d, ok := leaf.(*layers.DenseState)
		if !ok {
			return errors.Errorf("cannot import into %T", leaf)
		}
		name := LayerName(i)
		i++
		lw, ok := w.Layers[name]
		if !ok || lw.Weight == nil || lw.Bias == nil {
			return errors.Errorf("missing weights for %s", name)
		}
		if err := copyInto(d.W, lw.Weight); err != nil {
			return errors.WithMessage(err, name)
		}
		return errors.WithMessage(copyInto(d.B, lw.Bias), name)
	})
	if err != nil {
		return err
	}
	if i != len(w.Layers) {
		return errors.Errorf("graph has %d dense layers, weights have %d", i, len(w.Layers))
	}
	return nil
}

func copyInto(t *tensor.Tensor, wd *WeightData) error {
	src, err := WeightDataToTensor(wd)
	if err != nil {
		return err
	}
	if !tensor.SameShape(t, src) {
		return errors.Errorf("%s: shape %v does not match %v", wd.Name, wd.Shape, t.Shape)
	}
	copy(t.Data, src.Data)
	return nil
}

// SaveWeights saves model weights to a JSON file
func SaveWeights(filepath string, weights *ModelWeights) error {
	data, err := json.MarshalIndent(weights, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal weights")
	}
	return os.WriteFile(filepath, data, 0644)
}

// LoadWeights loads model weights from a JSON file
func LoadWeights(filepath string) (*ModelWeights, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read weights file")
	}
	var weights ModelWeights
	if err := json.Unmarshal(data, &weights); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal weights")
	}
	return &weights, nil
}

// TensorToWeightData converts a tensor to serializable weight data
func TensorToWeightData(name string, t *tensor.Tensor) *WeightData {
	return &WeightData{
		Name:  name,
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64{}, t.Data...), // copy
	}
}

// WeightDataToTensor converts weight data back to a tensor
func WeightDataToTensor(wd *WeightData) (*tensor.Tensor, error) {
	t, err := tensor.FromData(wd.Data, wd.Shape...)
	return t, errors.WithMessage(err, wd.Name)
}
