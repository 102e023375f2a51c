package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

type CSVOptions struct {
	Name string
	// TargetColumns names the target columns. When empty, columns whose
	// header starts with "y" or "target" are targets, and failing that the
	// last column is.
	TargetColumns []string
	// NoTargets loads every column as an input.
	NoTargets bool
}

// ReadCSV parses a headered numeric CSV table.
func ReadCSV(in io.Reader, opts CSVOptions) (*Dataset, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: csv has no header", ErrEmpty)
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	isTarget, err := targetMask(header, opts)
	if err != nil {
		return nil, err
	}

	var inputs, targets [][]float64
	rowIndex := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", rowIndex, err)
		}
		if blankRecord(record) {
			continue
		}
		if len(record) != len(header) {
			return nil, fmt.Errorf("%w: csv row %d has %d fields, header has %d", ErrShapeMismatch, rowIndex, len(record), len(header))
		}
		in := make([]float64, 0, len(record))
		out := make([]float64, 0, 1)
		for i, raw := range record {
			value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return nil, fmt.Errorf("parse csv row %d column %s: %w", rowIndex, header[i], err)
			}
			if isTarget[i] {
				out = append(out, value)
			} else {
				in = append(in, value)
			}
		}
		inputs = append(inputs, in)
		targets = append(targets, out)
		rowIndex++
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: csv has no data rows", ErrEmpty)
	}

	var d *Dataset
	if opts.NoTargets {
		X, err := denseFromRows("inputs", inputs)
		if err != nil {
			return nil, err
		}
		if err := checkFinite("inputs", X); err != nil {
			return nil, err
		}
		d = &Dataset{X: X}
	} else {
		d, err = FromRows(inputs, targets)
		if err != nil {
			return nil, err
		}
	}
	d.Name = strings.TrimSpace(opts.Name)
	for i, name := range header {
		if isTarget[i] {
			d.OutputNames = append(d.OutputNames, name)
		} else {
			d.InputNames = append(d.InputNames, name)
		}
	}
	return d, nil
}

func ReadCSVFile(path string, opts CSVOptions) (*Dataset, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("csv path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if opts.Name == "" {
		opts.Name = path
	}
	return ReadCSV(f, opts)
}

func targetMask(header []string, opts CSVOptions) ([]bool, error) {
	mask := make([]bool, len(header))
	if opts.NoTargets {
		return mask, nil
	}
	if len(opts.TargetColumns) > 0 {
		for _, want := range opts.TargetColumns {
			found := false
			for i, name := range header {
				if strings.EqualFold(name, strings.TrimSpace(want)) {
					mask[i] = true
					found = true
				}
			}
			if !found {
				return nil, fmt.Errorf("%w: target column %q not in header", ErrShapeMismatch, want)
			}
		}
	} else {
		for i, name := range header {
			key := strings.ToLower(name)
			if strings.HasPrefix(key, "y") || strings.HasPrefix(key, "target") {
				mask[i] = true
			}
		}
		count := 0
		for _, t := range mask {
			if t {
				count++
			}
		}
		if count == 0 || count == len(header) {
			for i := range mask {
				mask[i] = false
			}
			mask[len(mask)-1] = true
		}
	}
	inputs := 0
	for _, t := range mask {
		if !t {
			inputs++
		}
	}
	if inputs == 0 {
		return nil, fmt.Errorf("%w: csv has no input columns", ErrShapeMismatch)
	}
	return mask, nil
}

func blankRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

// WriteCSV writes a headered table of the matrix rows.
func WriteCSV(out io.Writer, header []string, m *mat.Dense) error {
	rows, cols := m.Dims()
	if len(header) != cols {
		return fmt.Errorf("%w: %d header names for %d columns", ErrShapeMismatch, len(header), cols)
	}
	w := csv.NewWriter(out)
	if err := w.Write(header); err != nil {
		return err
	}
	record := make([]string, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			record[c] = strconv.FormatFloat(m.At(r, c), 'g', -1, 64)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
