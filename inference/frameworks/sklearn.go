package frameworks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"gonum.org/v1/gonum/mat"
)

// SklearnAdapter evaluates scikit-learn estimators exported as JSON.
//
// Supported estimators: LinearRegression, LogisticRegression,
// DecisionTreeClassifier and DecisionTreeRegressor. Coefficients follow
// sklearn's layout (coef_ is n_targets x n_features).
type SklearnAdapter struct{}

// SklearnModel is a deserialized estimator
type SklearnModel struct {
	Estimator string       `json:"estimator"`
	Classes   []any        `json:"classes,omitempty"`
	Coef      [][]float64  `json:"coef,omitempty"`
	Intercept []float64    `json:"intercept,omitempty"`
	Tree      *SklearnTree `json:"tree,omitempty"`
}

// SklearnTree mirrors the arrays of an sklearn tree_ object
type SklearnTree struct {
	ChildrenLeft  []int       `json:"children_left"`
	ChildrenRight []int       `json:"children_right"`
	Feature       []int       `json:"feature"`
	Threshold     []float64   `json:"threshold"`
	Value         [][]float64 `json:"value"`
}

// Framework implements Model
func (m *SklearnModel) Framework() string { return "sklearn" }

// Load deserializes a persisted estimator
func (SklearnAdapter) Load(fsys fs.FS, name string) (Model, error) {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err
	}
	var model SklearnModel
	if err := json.Unmarshal(raw, &model); err != nil {
		return nil, fmt.Errorf("decode sklearn estimator: %w", err)
	}
	if err := model.validate(); err != nil {
		return nil, err
	}
	return &model, nil
}

func (m *SklearnModel) validate() error {
	switch m.Estimator {
	case "LinearRegression":
		if len(m.Coef) == 0 {
			return errors.New("LinearRegression: missing coef")
		}
	case "LogisticRegression":
		if len(m.Coef) == 0 {
			return errors.New("LogisticRegression: missing coef")
		}
		want := len(m.Coef)
		if want == 1 {
			want = 2
		}
		if len(m.Classes) != want {
			return fmt.Errorf("LogisticRegression: %d classes for %d coefficient rows", len(m.Classes), len(m.Coef))
		}
	case "DecisionTreeClassifier", "DecisionTreeRegressor":
		t := m.Tree
		if t == nil || len(t.ChildrenLeft) == 0 {
			return fmt.Errorf("%s: missing tree", m.Estimator)
		}
		n := len(t.ChildrenLeft)
		if len(t.ChildrenRight) != n || len(t.Feature) != n || len(t.Threshold) != n || len(t.Value) != n {
			return fmt.Errorf("%s: tree arrays have inconsistent lengths", m.Estimator)
		}
	default:
		return fmt.Errorf("unsupported estimator %q", m.Estimator)
	}
	if len(m.Intercept) != 0 && m.Coef != nil && len(m.Intercept) != len(m.Coef) {
		return fmt.Errorf("%s: %d intercepts for %d coefficient rows", m.Estimator, len(m.Intercept), len(m.Coef))
	}
	return nil
}

// Predict runs the estimator on a 2-D array and returns a flat sequence
func (SklearnAdapter) Predict(model Model, inputs [][]float64, _ Options) (Predictions, error) {
	m, ok := model.(*SklearnModel)
	if !ok {
		return nil, modelMismatch("sklearn", model)
	}

	switch m.Estimator {
	case "DecisionTreeClassifier", "DecisionTreeRegressor":
		return m.predictTree(inputs)
	}

	x, err := toDense(inputs, len(m.Coef[0]))
	if err != nil {
		return nil, err
	}
	coef, err := matrix(m.Coef)
	if err != nil {
		return nil, err
	}
	scores, err := affine(x, mat.DenseCopyOf(coef.T()), m.Intercept)
	if err != nil {
		return nil, err
	}

	rows, targets := scores.Dims()
	out := make(Predictions, rows)
	for i := 0; i < rows; i++ {
		row := scores.RawRowView(i)
		switch {
		case m.Estimator == "LinearRegression" && targets == 1:
			out[i] = row[0]
		case m.Estimator == "LinearRegression":
			out[i] = append([]float64(nil), row...)
		case targets == 1:
			if sigmoid(row[0]) > 0.5 {
				out[i] = m.Classes[1]
			} else {
				out[i] = m.Classes[0]
			}
		default:
			out[i] = m.Classes[argmax(row)]
		}
	}
	return out, nil
}

func (m *SklearnModel) predictTree(inputs [][]float64) (Predictions, error) {
	t := m.Tree
	out := make(Predictions, len(inputs))
	for i, row := range inputs {
		node := 0
		for steps := 0; t.ChildrenLeft[node] != -1; steps++ {
			if steps > len(t.ChildrenLeft) {
				return nil, errors.New("tree contains a cycle")
			}
			f := t.Feature[node]
			if f < 0 || f >= len(row) {
				return nil, fmt.Errorf("row %d: tree splits on feature %d, row has %d", i, f, len(row))
			}
			if row[f] <= t.Threshold[node] {
				node = t.ChildrenLeft[node]
			} else {
				node = t.ChildrenRight[node]
			}
			if node < 0 || node >= len(t.ChildrenLeft) {
				return nil, fmt.Errorf("tree references missing node %d", node)
			}
		}
		value := t.Value[node]
		if len(value) == 0 {
			return nil, fmt.Errorf("leaf %d has no value", node)
		}
		if m.Estimator == "DecisionTreeRegressor" {
			out[i] = value[0]
			continue
		}
		k := argmax(value)
		if k >= len(m.Classes) {
			return nil, fmt.Errorf("leaf %d votes for class %d, model has %d classes", node, k, len(m.Classes))
		}
		out[i] = m.Classes[k]
	}
	return out, nil
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
