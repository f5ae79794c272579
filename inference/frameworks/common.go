package frameworks

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// ErrUnsupportedFramework is returned by Registry.Get for an unknown framework key
var ErrUnsupportedFramework = errors.New("unsupported framework")

// Model is a deserialized model ready for prediction
type Model interface {
	Framework() string
}

// Predictions holds one entry per input row: a scalar or a row of floats
type Predictions []any

// Options carries framework specific prediction options (batch_size, dtype, ...)
type Options map[string]any

// Adapter loads a model artifact and runs predictions against it.
// Adapters are stateless; a loaded Model carries all state.
type Adapter interface {
	Load(fsys fs.FS, name string) (Model, error)
	Predict(model Model, inputs [][]float64, opts Options) (Predictions, error)
}

// Registry maps framework names to adapters. It is immutable once built.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a registry from the given adapters
func NewRegistry(adapters map[string]Adapter) *Registry {
	copied := make(map[string]Adapter, len(adapters))
	for name, adapter := range adapters {
		copied[name] = adapter
	}
	return &Registry{adapters: copied}
}

// DefaultRegistry returns the registry with every built-in adapter
func DefaultRegistry() *Registry {
	return NewRegistry(map[string]Adapter{
		"sklearn":    SklearnAdapter{},
		"pytorch":    PyTorchAdapter{},
		"tensorflow": TensorFlowAdapter{},
		"onnx":       ONNXAdapter{},
	})
}

// Get returns the adapter registered for a framework
func (r *Registry) Get(framework string) (Adapter, error) {
	adapter, ok := r.adapters[framework]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFramework, framework)
	}
	return adapter, nil
}

// Names returns the registered framework names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// modelMismatch reports a model handed to the wrong adapter
func modelMismatch(want string, got Model) error {
	if got == nil {
		return fmt.Errorf("expected %s model, got nil", want)
	}
	return fmt.Errorf("expected %s model, got %s", want, got.Framework())
}

// toDense converts input rows into a matrix, checking the feature count
func toDense(inputs [][]float64, features int) (*mat.Dense, error) {
	if len(inputs) == 0 {
		return nil, errors.New("no input rows")
	}
	if features <= 0 {
		features = len(inputs[0])
	}
	data := make([]float64, 0, len(inputs)*features)
	for i, row := range inputs {
		if len(row) != features {
			return nil, fmt.Errorf("row %d has %d features, expected %d", i, len(row), features)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(inputs), features, data), nil
}

// affine computes x * w + b where w is (in x out) and b has out entries
func affine(x *mat.Dense, w *mat.Dense, b []float64) (*mat.Dense, error) {
	_, xc := x.Dims()
	wr, wc := w.Dims()
	if xc != wr {
		return nil, fmt.Errorf("shape mismatch: input has %d features, layer expects %d", xc, wr)
	}
	if b != nil && len(b) != wc {
		return nil, fmt.Errorf("bias has %d entries, layer has %d outputs", len(b), wc)
	}
	var out mat.Dense
	out.Mul(x, w)
	if b != nil {
		r, _ := out.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < wc; j++ {
				out.Set(i, j, out.At(i, j)+b[j])
			}
		}
	}
	return &out, nil
}

// matrix builds a dense matrix from nested rows
func matrix(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errors.New("empty weight matrix")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("weight row %d has %d entries, expected %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}

// activate applies a named activation in place
func activate(m *mat.Dense, name string) error {
	r, c := m.Dims()
	switch name {
	case "", "linear", "identity":
		return nil
	case "relu":
		m.Apply(func(_, _ int, v float64) float64 { return math.Max(0, v) }, m)
	case "sigmoid":
		m.Apply(func(_, _ int, v float64) float64 { return sigmoid(v) }, m)
	case "tanh":
		m.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, m)
	case "softmax":
		for i := 0; i < r; i++ {
			row := m.RawRowView(i)
			softmax(row[:c])
		}
	default:
		return fmt.Errorf("unsupported activation %q", name)
	}
	return nil
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

func softmax(row []float64) {
	maxV := math.Inf(-1)
	for _, v := range row {
		maxV = math.Max(maxV, v)
	}
	sum := 0.0
	for i, v := range row {
		row[i] = math.Exp(v - maxV)
		sum += row[i]
	}
	for i := range row {
		row[i] /= sum
	}
}

// rowsOf converts a matrix into prediction rows
func rowsOf(m *mat.Dense) Predictions {
	r, c := m.Dims()
	out := make(Predictions, r)
	for i := 0; i < r; i++ {
		row := make([]float64, c)
		copy(row, m.RawRowView(i))
		out[i] = row
	}
	return out
}

// intOption reads an integer option, accepting JSON numbers
func intOption(opts Options, key string, def int) (int, error) {
	v, ok := opts[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("option %s must be an integer, got %v", key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("option %s must be an integer, got %T", key, v)
	}
}
