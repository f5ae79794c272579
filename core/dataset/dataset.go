// Package dataset loads tabular datasets from the dataset storage area.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when the dataset path does not exist
	ErrNotFound = errors.New("dataset not found")
	// ErrUnsupportedFormat is returned for file types other than CSV
	ErrUnsupportedFormat = errors.New("unsupported dataset format")
)

// naTokens are the cell values treated as missing
var naTokens = map[string]struct{}{
	"": {}, "#N/A": {}, "#N/A N/A": {}, "#NA": {}, "-1.#IND": {}, "-1.#QNAN": {},
	"-NaN": {}, "-nan": {}, "1.#IND": {}, "1.#QNAN": {}, "<NA>": {}, "N/A": {},
	"NA": {}, "NULL": {}, "NaN": {}, "None": {}, "n/a": {}, "nan": {}, "null": {},
}

// Frame is a loaded CSV table
type Frame struct {
	Columns []string
	Rows    [][]string
}

// Len returns the number of data rows
func (f *Frame) Len() int {
	return len(f.Rows)
}

// Load reads a dataset from disk. Only CSV is supported for now.
func Load(path string) (*Frame, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".csv" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ReadCSV(f)
}

// ReadCSV parses a CSV stream whose first record is the header
func ReadCSV(r io.Reader) (*Frame, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.New("dataset is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	frame := &Frame{Columns: header}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(frame.Rows)+1, err)
		}
		frame.Rows = append(frame.Rows, record)
	}
	return frame, nil
}

// DropNA returns a copy of the frame without rows containing missing values
func (f *Frame) DropNA() *Frame {
	out := &Frame{Columns: f.Columns, Rows: make([][]string, 0, len(f.Rows))}
	for _, row := range f.Rows {
		if !hasNA(row) {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

func hasNA(row []string) bool {
	for _, cell := range row {
		if _, ok := naTokens[strings.TrimSpace(cell)]; ok {
			return true
		}
	}
	return false
}

// WriteCSV writes the frame, header first, to path creating parent directories
func (f *Frame) WriteCSV(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}

	w := csv.NewWriter(out)
	if err := w.Write(f.Columns); err != nil {
		out.Close()
		return err
	}
	if err := w.WriteAll(f.Rows); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
