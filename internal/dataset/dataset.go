package dataset

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrShapeMismatch = errors.New("dataset shape mismatch")
	ErrEmpty         = errors.New("dataset is empty")
	ErrNonFinite     = errors.New("dataset contains non-finite values")
)

// Dataset pairs an input matrix with its targets. Rows are samples.
type Dataset struct {
	Name        string
	X           *mat.Dense
	Y           *mat.Dense
	InputNames  []string
	OutputNames []string
}

func New(X, Y *mat.Dense) (*Dataset, error) {
	if X == nil || Y == nil {
		return nil, fmt.Errorf("%w: inputs and targets are required", ErrEmpty)
	}
	if X.IsEmpty() || Y.IsEmpty() {
		return nil, ErrEmpty
	}
	xr, _ := X.Dims()
	yr, _ := Y.Dims()
	if xr != yr {
		return nil, fmt.Errorf("%w: %d input rows vs %d target rows", ErrShapeMismatch, xr, yr)
	}
	if err := checkFinite("inputs", X); err != nil {
		return nil, err
	}
	if err := checkFinite("targets", Y); err != nil {
		return nil, err
	}
	return &Dataset{X: X, Y: Y}, nil
}

// FromRows builds a dataset from row-major slices.
func FromRows(x, y [][]float64) (*Dataset, error) {
	X, err := denseFromRows("inputs", x)
	if err != nil {
		return nil, err
	}
	Y, err := denseFromRows("targets", y)
	if err != nil {
		return nil, err
	}
	return New(X, Y)
}

// Column turns a flat target vector into a single-column matrix.
func Column(values []float64) *mat.Dense {
	if len(values) == 0 {
		return &mat.Dense{}
	}
	return mat.NewDense(len(values), 1, append([]float64(nil), values...))
}

func denseFromRows(what string, rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("%w: no %s", ErrEmpty, what)
	}
	cols := len(rows[0])
	out := mat.NewDense(len(rows), cols, nil)
	for r, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("%w: %s row %d has %d columns, expected %d", ErrShapeMismatch, what, r, len(row), cols)
		}
		out.SetRow(r, row)
	}
	return out, nil
}

func checkFinite(what string, m *mat.Dense) error {
	rows, cols := m.Dims()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := m.At(r, c)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: %s[%d][%d]=%v", ErrNonFinite, what, r, c, v)
			}
		}
	}
	return nil
}

func (d *Dataset) Rows() int {
	r, _ := d.X.Dims()
	return r
}

func (d *Dataset) Inputs() int {
	_, c := d.X.Dims()
	return c
}

func (d *Dataset) Outputs() int {
	_, c := d.Y.Dims()
	return c
}

// Subset copies the given rows into a new dataset.
func (d *Dataset) Subset(rows []int) (*Dataset, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: empty subset", ErrEmpty)
	}
	n := d.Rows()
	X := mat.NewDense(len(rows), d.Inputs(), nil)
	Y := mat.NewDense(len(rows), d.Outputs(), nil)
	for i, r := range rows {
		if r < 0 || r >= n {
			return nil, fmt.Errorf("%w: row %d out of range [0,%d)", ErrShapeMismatch, r, n)
		}
		X.SetRow(i, d.X.RawRowView(r))
		Y.SetRow(i, d.Y.RawRowView(r))
	}
	return &Dataset{
		Name:        d.Name,
		X:           X,
		Y:           Y,
		InputNames:  append([]string(nil), d.InputNames...),
		OutputNames: append([]string(nil), d.OutputNames...),
	}, nil
}

// Split shuffles row indices and cuts them at floor(portion*n). The first
// part always keeps at least one row; the held-out part may be empty.
func Split(n int, portion float64, rng *rand.Rand) (train, held []int) {
	perm := rng.Perm(n)
	cut := int(math.Floor(portion * float64(n)))
	if cut < 1 {
		cut = 1
	}
	if cut > n {
		cut = n
	}
	return perm[:cut], perm[cut:]
}

// SampleRows draws min(limit, n) distinct rows in ascending order.
func SampleRows(n, limit int, rng *rand.Rand) []int {
	if limit <= 0 || limit >= n {
		rows := make([]int, n)
		for i := range rows {
			rows[i] = i
		}
		return rows
	}
	perm := rng.Perm(n)[:limit]
	sort.Ints(perm)
	return perm
}

// KFold partitions shuffled rows into k folds of near-equal size.
func KFold(n, k int, rng *rand.Rand) ([][]int, error) {
	if k < 2 || k > n {
		return nil, fmt.Errorf("%w: cannot build %d folds from %d rows", ErrShapeMismatch, k, n)
	}
	perm := rng.Perm(n)
	folds := make([][]int, k)
	for i, r := range perm {
		folds[i%k] = append(folds[i%k], r)
	}
	return folds, nil
}
