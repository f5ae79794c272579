package frameworks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"

	"gonum.org/v1/gonum/mat"
)

// savedModelFile is the graph description inside a saved model directory
const savedModelFile = "model.json"

// TensorFlowAdapter evaluates Keras sequential models exported as JSON
type TensorFlowAdapter struct{}

// KerasLayer is one layer of a sequential model
type KerasLayer struct {
	ClassName  string      `json:"class_name"`
	Units      int         `json:"units,omitempty"`
	Activation string      `json:"activation,omitempty"`
	Kernel     [][]float64 `json:"kernel,omitempty"` // input_dim x units
	Bias       []float64   `json:"bias,omitempty"`
	Rate       float64     `json:"rate,omitempty"`

	kernel *mat.Dense
}

// TensorFlowModel is a deserialized sequential model
type TensorFlowModel struct {
	Name   string       `json:"name,omitempty"`
	Layers []KerasLayer `json:"layers"`
}

// Framework implements Model
func (m *TensorFlowModel) Framework() string { return "tensorflow" }

// Load reads a saved model directory or a single model file
func (TensorFlowAdapter) Load(fsys fs.FS, name string) (Model, error) {
	info, err := fs.Stat(fsys, name)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		name = path.Join(name, savedModelFile)
	}
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err
	}

	var model TensorFlowModel
	if err := json.Unmarshal(raw, &model); err != nil {
		return nil, fmt.Errorf("decode saved model: %w", err)
	}
	if len(model.Layers) == 0 {
		return nil, errors.New("saved model has no layers")
	}
	for i := range model.Layers {
		layer := &model.Layers[i]
		switch layer.ClassName {
		case "Dense":
			k, err := matrix(layer.Kernel)
			if err != nil {
				return nil, fmt.Errorf("layer %d (Dense): %w", i, err)
			}
			if _, units := k.Dims(); layer.Units != 0 && units != layer.Units {
				return nil, fmt.Errorf("layer %d (Dense): kernel has %d units, config says %d", i, units, layer.Units)
			}
			layer.kernel = k
		case "Activation", "Dropout", "InputLayer", "Flatten":
		default:
			return nil, fmt.Errorf("layer %d: unsupported layer %q", i, layer.ClassName)
		}
	}
	return &model, nil
}

// Predict runs the model in batch mode. Option "batch_size" defaults to 32.
func (TensorFlowAdapter) Predict(model Model, inputs [][]float64, opts Options) (Predictions, error) {
	m, ok := model.(*TensorFlowModel)
	if !ok {
		return nil, modelMismatch("tensorflow", model)
	}
	batchSize, err := intOption(opts, "batch_size", 32)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch_size must be positive, got %d", batchSize)
	}
	if len(inputs) == 0 {
		return nil, errors.New("no input rows")
	}

	out := make(Predictions, 0, len(inputs))
	for start := 0; start < len(inputs); start += batchSize {
		end := min(start+batchSize, len(inputs))
		batch, err := m.forward(inputs[start:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", start/batchSize, err)
		}
		out = append(out, rowsOf(batch)...)
	}
	return out, nil
}

func (m *TensorFlowModel) forward(rows [][]float64) (*mat.Dense, error) {
	x, err := toDense(rows, 0)
	if err != nil {
		return nil, err
	}
	for i, layer := range m.Layers {
		switch layer.ClassName {
		case "Dense":
			if x, err = affine(x, layer.kernel, layer.Bias); err == nil {
				err = activate(x, layer.Activation)
			}
		case "Activation":
			err = activate(x, layer.Activation)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, layer.ClassName, err)
		}
	}
	return x, nil
}
