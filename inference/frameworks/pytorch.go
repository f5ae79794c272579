package frameworks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"gonum.org/v1/gonum/mat"
)

// PyTorchAdapter evaluates torch.nn.Sequential graphs exported as JSON
type PyTorchAdapter struct{}

// PyTorchModule is one node of the module graph
type PyTorchModule struct {
	Type   string      `json:"type"`
	Weight [][]float64 `json:"weight,omitempty"` // out_features x in_features, as torch stores it
	Bias   []float64   `json:"bias,omitempty"`
	P      float64     `json:"p,omitempty"`
	Dim    int         `json:"dim,omitempty"`

	weight *mat.Dense
}

// PyTorchModel is a deserialized module graph
type PyTorchModel struct {
	Modules  []PyTorchModule `json:"modules"`
	Training bool            `json:"training"`
}

// Framework implements Model
func (m *PyTorchModel) Framework() string { return "pytorch" }

// Eval switches the graph to evaluation mode
func (m *PyTorchModel) Eval() { m.Training = false }

// Load deserializes the module graph
func (PyTorchAdapter) Load(fsys fs.FS, name string) (Model, error) {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err
	}
	var model PyTorchModel
	if err := json.Unmarshal(raw, &model); err != nil {
		return nil, fmt.Errorf("decode module graph: %w", err)
	}
	if len(model.Modules) == 0 {
		return nil, errors.New("module graph is empty")
	}
	for i := range model.Modules {
		mod := &model.Modules[i]
		switch mod.Type {
		case "Linear":
			w, err := matrix(mod.Weight)
			if err != nil {
				return nil, fmt.Errorf("module %d (Linear): %w", i, err)
			}
			mod.weight = mat.DenseCopyOf(w.T())
		case "ReLU", "Sigmoid", "Tanh", "Softmax", "Dropout", "Identity", "Flatten":
		default:
			return nil, fmt.Errorf("module %d: unsupported module type %q", i, mod.Type)
		}
	}
	return &model, nil
}

// Predict runs a forward pass in evaluation mode. Dropout is the identity
// outside training. Option "dtype": "float32" rounds outputs through float32.
func (PyTorchAdapter) Predict(model Model, inputs [][]float64, opts Options) (Predictions, error) {
	m, ok := model.(*PyTorchModel)
	if !ok {
		return nil, modelMismatch("pytorch", model)
	}
	m.Eval()

	x, err := toDense(inputs, 0)
	if err != nil {
		return nil, err
	}
	for i, mod := range m.Modules {
		switch mod.Type {
		case "Linear":
			x, err = affine(x, mod.weight, mod.Bias)
		case "ReLU":
			err = activate(x, "relu")
		case "Sigmoid":
			err = activate(x, "sigmoid")
		case "Tanh":
			err = activate(x, "tanh")
		case "Softmax":
			err = activate(x, "softmax")
		}
		if err != nil {
			return nil, fmt.Errorf("module %d (%s): %w", i, mod.Type, err)
		}
	}

	if dtype, _ := opts["dtype"].(string); dtype == "float32" {
		x.Apply(func(_, _ int, v float64) float64 { return float64(float32(v)) }, x)
	}
	return rowsOf(x), nil
}
