package frameworks

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/owulveryck/onnx-go"
	"github.com/owulveryck/onnx-go/backend/x/gorgonnx"
	"gorgonia.org/tensor"
)

// ONNXAdapter runs ONNX graphs with the gorgonnx backend
type ONNXAdapter struct{}

// ONNXModel is an opened ONNX session
type ONNXModel struct {
	backend *gorgonnx.Graph
	model   *onnx.Model
}

// Framework implements Model
func (m *ONNXModel) Framework() string { return "onnx" }

// Load opens a session from the raw model bytes
func (ONNXAdapter) Load(fsys fs.FS, name string) (Model, error) {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("onnx model is empty")
	}
	backend := gorgonnx.NewGraph()
	model := onnx.NewModel(backend)
	if err := unmarshalONNX(model, raw); err != nil {
		return nil, fmt.Errorf("decode onnx graph: %w", err)
	}
	return &ONNXModel{backend: backend, model: model}, nil
}

// unmarshalONNX guards against decoder panics on corrupt protobuf input
func unmarshalONNX(model *onnx.Model, raw []byte) error {
	return recovered("corrupt onnx model", func() error {
		return model.UnmarshalBinary(raw)
	})
}

// recovered turns a panic inside fn into an error. gorgonnx panics on
// malformed graphs and on input shape mismatches.
func recovered(what string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %v", what, r)
		}
	}()
	return fn()
}

// Predict feeds the inputs to the first declared input tensor
func (ONNXAdapter) Predict(model Model, inputs [][]float64, _ Options) (Predictions, error) {
	m, ok := model.(*ONNXModel)
	if !ok {
		return nil, modelMismatch("onnx", model)
	}
	if len(inputs) == 0 {
		return nil, errors.New("no input rows")
	}

	features := len(inputs[0])
	backing := make([]float32, 0, len(inputs)*features)
	for i, row := range inputs {
		if len(row) != features {
			return nil, fmt.Errorf("row %d has %d features, expected %d", i, len(row), features)
		}
		for _, v := range row {
			backing = append(backing, float32(v))
		}
	}
	input := tensor.New(tensor.WithShape(len(inputs), features), tensor.WithBacking(backing))
	if err := m.model.SetInput(0, input); err != nil {
		return nil, fmt.Errorf("set input: %w", err)
	}
	if err := recovered("onnx graph panicked", m.backend.Run); err != nil {
		return nil, fmt.Errorf("run graph: %w", err)
	}
	outputs, err := m.model.GetOutputTensors()
	if err != nil {
		return nil, fmt.Errorf("read outputs: %w", err)
	}
	if len(outputs) == 0 {
		return nil, errors.New("graph produced no outputs")
	}
	return tensorRows(outputs[0])
}

// tensorRows splits the first dimension of an output tensor into rows
func tensorRows(t tensor.Tensor) (Predictions, error) {
	var values []float64
	switch data := t.Data().(type) {
	case []float32:
		values = make([]float64, len(data))
		for i, v := range data {
			values[i] = float64(v)
		}
	case []float64:
		values = data
	case float32:
		values = []float64{float64(data)}
	case float64:
		values = []float64{data}
	default:
		return nil, fmt.Errorf("unsupported output type %T", data)
	}

	shape := t.Shape()
	if len(shape) < 2 {
		out := make(Predictions, len(values))
		for i, v := range values {
			out[i] = v
		}
		return out, nil
	}
	rows := shape[0]
	if rows == 0 || len(values)%rows != 0 {
		return nil, fmt.Errorf("output shape %v does not match %d values", shape, len(values))
	}
	width := len(values) / rows
	out := make(Predictions, rows)
	for i := 0; i < rows; i++ {
		out[i] = append([]float64(nil), values[i*width:(i+1)*width]...)
	}
	return out, nil
}
