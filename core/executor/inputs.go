package executor

import (
	"encoding/json"
	"errors"
	"fmt"
)

// InputsKey is the parameters key the executor reads the input matrix from
const InputsKey = "inputs"

// OptionsKey optionally carries adapter options
const OptionsKey = "options"

// InputMatrix converts a decoded JSON value into a numeric matrix
func InputMatrix(v any) ([][]float64, error) {
	switch rows := v.(type) {
	case nil:
		return nil, errors.New("input matrix is missing")
	case [][]float64:
		if len(rows) == 0 {
			return nil, errors.New("input matrix has no rows")
		}
		return rows, nil
	case []any:
		if len(rows) == 0 {
			return nil, errors.New("input matrix has no rows")
		}
		out := make([][]float64, len(rows))
		for i, row := range rows {
			values, ok := row.([]any)
			if !ok {
				if floats, ok := row.([]float64); ok {
					out[i] = floats
					continue
				}
				return nil, fmt.Errorf("row %d is %T, not a list", i, row)
			}
			out[i] = make([]float64, len(values))
			for j, cell := range values {
				f, err := number(cell)
				if err != nil {
					return nil, fmt.Errorf("row %d column %d: %w", i, j, err)
				}
				out[i][j] = f
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("input matrix is %T, not a list of rows", v)
	}
}

func number(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("%v (%T) is not numeric", v, v)
	}
}
